// Package device implements avenactl's device subcommands: listing the
// discovery registry and querying a single device's live status summary
// (spec sec 6 operator CLI surface).
package device

import (
	"github.com/spf13/cobra"
)

// Cmd builds the "device" command group.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect devices known to the mesh",
	}
	cmd.AddCommand(listCmd())
	cmd.AddCommand(statusCmd())
	return cmd
}
