// Package workload implements avenactl's workload subcommands: apply
// (conflict-checked write), delete, and history (spec sec 6 operator
// CLI surface).
package workload

import (
	"github.com/spf13/cobra"
)

// Cmd builds the "workload" command group.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workload",
		Short: "Manage a device's declarative workload set",
	}
	cmd.AddCommand(applyCmd())
	cmd.AddCommand(deleteCmd())
	cmd.AddCommand(historyCmd())
	return cmd
}
