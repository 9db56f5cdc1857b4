package workload

import (
	"fmt"

	"github.com/spf13/cobra"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	workloadlib "avena/internal/workload"
)

func deleteCmd() *cobra.Command {
	var broker string
	var device string

	cmd := &cobra.Command{
		Use:   "delete <workload-name>",
		Short: "Remove a workload's desired-state record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if device == "" {
				return fmt.Errorf("--device is required")
			}

			sess, err := cmdutil.Connect(cmd.Context(), broker)
			if err != nil {
				return err
			}
			defer sess.Adapter.Close()

			if err := workloadlib.Delete(cmd.Context(), sess.Adapter, device, name); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("deleted %s/%s", device, name))
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	cmd.Flags().StringVar(&device, "device", "", "Target device id")
	return cmd
}
