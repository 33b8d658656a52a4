package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <beacon>",
	Short: "Connect to a beacon and watch its events",
	Long: fmt.Sprintf(`Connects to a beacon, prints a short summary and then streams connection,
motion and temperature events until interrupted with Ctrl+C.

Examples:
  # Connect by MAC address
  beaconctl connect %s

  # Connect by advertised iBeacon triple
  beaconctl connect %s

  # Watch for 30 seconds, then disconnect
  beaconctl connect %s --duration 30s

%s`, exampleBeaconMAC, exampleBeaconProximity, exampleBeaconMAC, beaconIdentifierNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectDuration time.Duration
	connectPoll     time.Duration
)

func init() {
	connectCmd.Flags().DurationVar(&connectDuration, "duration", 0, "Disconnect after this long (0 = until Ctrl+C)")
	connectCmd.Flags().DurationVar(&connectPoll, "poll", 200*time.Millisecond, "How often buffered events are printed")
}

func runConnect(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	s.describe()
	s.printSummary(ctx)

	var deadline <-chan time.Time
	if connectDuration > 0 {
		timer := time.NewTimer(connectDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(connectPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.printJournal()
		case <-deadline:
			s.printJournal()
			return nil
		case <-ctx.Done():
			s.printJournal()
			return nil
		case <-s.conn.Done():
			s.printJournal()
			return fmt.Errorf("%w: %w", ErrConnectionLost, s.conn.State().Err)
		}
	}
}

// printSummary reads a few identifying registers. Failures are reported inline.
func (s *session) printSummary(ctx context.Context) {
	for _, r := range []beacon.Entry{beacon.DeviceName, beacon.FirmwareVersion, beacon.BatteryLevel, beacon.MotionState} {
		info := r.Info()
		value, err := r.ReadText(ctx, s.conn)
		if err != nil {
			fmt.Fprintf(s.out, "%-20s <error: %s>\n", info.Name+":", beacon.ReasonOf(err))
			continue
		}
		fmt.Fprintf(s.out, "%-20s %s\n", info.Name+":", value)
	}
}
