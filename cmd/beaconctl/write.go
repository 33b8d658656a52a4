package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <beacon> <register> <value>",
	Short: "Write a beacon register",
	Long: fmt.Sprintf(`Writes a value to a register and prints the value the beacon acknowledged.
The value is validated before connecting.

Examples:
  # Advertise every 500 ms
  beaconctl write %s adv_interval 500

  # Set the transmit power to -12 dBm
  beaconctl write %s power -12

  # Only advertise while moving
  beaconctl write %s conditional_broadcasting motion-only

%s`, exampleBeaconMAC, exampleBeaconProximity, exampleBeaconMAC, beaconIdentifierNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

func runWrite(cmd *cobra.Command, args []string) error {
	entry, ok := beacon.DefaultCatalog().Lookup(args[1])
	if !ok {
		return fmt.Errorf("unknown register %q (see 'beaconctl registers')", args[1])
	}
	if err := entry.ValidateText(args[2]); err != nil {
		return err
	}

	s, err := openSession(cmd, args[0])
	if err != nil {
		return err
	}
	defer s.close()

	written, err := entry.WriteText(cmd.Context(), s.conn, args[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s: %s\n", entry.Info().ID, written)
	return nil
}
