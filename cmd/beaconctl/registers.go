package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/beaconctl/internal/beacon"
)

// registersCmd represents the registers command
var registersCmd = &cobra.Command{
	Use:   "registers",
	Short: "List the registers known to beaconctl",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printRegisters(cmd, beacon.DefaultCatalog())
	},
}

func printRegisters(cmd *cobra.Command, catalog *beacon.Catalog) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	header := color.New(color.Bold)
	fmt.Fprintln(w, header.Sprint("REGISTER")+"\t"+header.Sprint("ACCESS")+"\t"+header.Sprint("DESCRIPTION"))
	for _, e := range catalog.Entries() {
		info := e.Info()
		access := "rw"
		if info.ReadOnly {
			access = "r"
		}
		desc := info.Description
		if desc == "" {
			desc = info.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, access, desc)
	}
	return w.Flush()
}
