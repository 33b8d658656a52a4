package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <beacon> [register]",
	Short: "Read beacon registers",
	Long: fmt.Sprintf(`Reads one or more registers. Without a register every known register is read.

Examples:
  # Read the advertising interval
  beaconctl read %s adv_interval

  # Read several registers (comma-separated)
  beaconctl read %s major,minor,power

  # Read everything
  beaconctl read %s

  # Poll the temperature every 2 seconds
  beaconctl read %s temperature --watch 2s

  # Machine-readable output
  beaconctl read %s major,minor --json

%s`, exampleBeaconMAC, exampleBeaconMAC, exampleBeaconProximity, exampleBeaconMAC, exampleBeaconMAC, beaconIdentifierNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runRead,
}

var (
	readWatch string
	readJSON  bool
)

func init() {
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
	readCmd.Flags().BoolVar(&readJSON, "json", false, "Print the values as a JSON object")
}

// readReport is the --json form of a read
type readReport struct {
	Beacon    string                                 `json:"beacon"`
	Registers *orderedmap.OrderedMap[string, string] `json:"registers"`
	Errors    *orderedmap.OrderedMap[string, string] `json:"errors,omitempty"`
}

// resolveEntries maps a comma-separated register list to catalog entries
func resolveEntries(catalog *beacon.Catalog, list string) ([]beacon.Entry, error) {
	if strings.TrimSpace(list) == "" {
		return catalog.Entries(), nil
	}
	var entries []beacon.Entry
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		e, ok := catalog.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown register %q (see 'beaconctl registers')", name)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no registers given")
	}
	return entries, nil
}

func runRead(cmd *cobra.Command, args []string) error {
	var list string
	if len(args) == 2 {
		list = args[1]
	}
	entries, err := resolveEntries(beacon.DefaultCatalog(), list)
	if err != nil {
		return err
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if readJSON {
			return fmt.Errorf("--json cannot be combined with --watch")
		}
		if len(entries) != 1 {
			return fmt.Errorf("watch mode requires a single register, got %d", len(entries))
		}
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
	}

	s, err := openSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if watchInterval > 0 {
		return s.watch(ctx, entries[0], watchInterval)
	}
	return s.readAll(ctx, entries)
}

// readAll reads entries in order. A failed register is reported and the rest
// are still read; the first error is returned.
func (s *session) readAll(ctx context.Context, entries []beacon.Entry) error {
	report := readReport{
		Beacon:    s.conn.Identifier().String(),
		Registers: orderedmap.New[string, string](),
	}
	var firstErr error
	for _, e := range entries {
		id := string(e.Info().ID)
		value, err := e.ReadText(ctx, s.conn)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if report.Errors == nil {
				report.Errors = orderedmap.New[string, string]()
			}
			report.Errors.Set(id, beacon.ReasonOf(err).String())
			if !readJSON {
				fmt.Fprintf(s.out, "%-26s <error: %s>\n", id+":", beacon.ReasonOf(err))
			}
			if beacon.IsReason(err, beacon.ReasonDisconnected) || ctx.Err() != nil {
				break
			}
			continue
		}
		report.Registers.Set(id, value)
		if !readJSON {
			fmt.Fprintf(s.out, "%-26s %s\n", id+":", value)
		}
	}

	if readJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode read results: %w", err)
		}
		fmt.Fprintln(s.out, string(data))
	}
	return firstErr
}

func (s *session) watch(ctx context.Context, e beacon.Entry, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	id := e.Info().ID
	for {
		value, err := e.ReadText(ctx, s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(s.out, "%s  %s: %s\n", time.Now().Format("15:04:05.000"), id, value)

		select {
		case <-ctx.Done():
			return nil
		case <-s.conn.Done():
			return fmt.Errorf("%w: %w", ErrConnectionLost, s.conn.State().Err)
		case <-ticker.C:
		}
	}
}
