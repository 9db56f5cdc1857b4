// Package link implements avenactl's link subcommand: triggering the
// offer/accept handshake between two devices from the operator's
// machine (spec sec 6 operator CLI surface).
package link

import (
	"github.com/spf13/cobra"
)

// Cmd builds the "link" command group.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Link devices into the mesh",
	}
	cmd.AddCommand(addCmd())
	return cmd
}
