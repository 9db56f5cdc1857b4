package workload

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	workloadlib "avena/internal/workload"
)

func historyCmd() *cobra.Command {
	var broker string
	var device string

	cmd := &cobra.Command{
		Use:   "history <workload-name>",
		Short: "Show a workload's desired-state revisions, newest first",
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

			revisions, err := workloadlib.History(cmd.Context(), sess.Adapter, device, name)
			if err != nil {
				return err
			}
			if len(revisions) == 0 {
				fmt.Println(ui.Muted("no history for " + device + "/" + name))
				return nil
			}

			rows := make([][]string, len(revisions))
			for i, r := range revisions {
				forced := ""
				if r.Forced {
					forced = "forced"
				}
				when := time.UnixMilli(int64(r.Timestamp.WallMS))
				rows[i] = []string{
					r.Timestamp.String(),
					humanize.Time(when),
					r.Issuer,
					r.Spec.Image,
					forced,
				}
			}
			fmt.Println(ui.Table([]string{"HLC", "When", "Issuer", "Image", "Forced"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	cmd.Flags().StringVar(&device, "device", "", "Target device id")
	return cmd
}
