package device

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	"avena/internal/discovery"
)

const statusRequestTimeout = 3 * time.Second

func statusCmd() *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:   "status <device-id>",
		Short: "Query a device's live status summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID := args[0]

			sess, err := cmdutil.Connect(cmd.Context(), broker)
			if err != nil {
				return err
			}
			defer sess.Adapter.Close()

			reply, err := sess.Adapter.Request(cmd.Context(), discovery.StatusSubject(deviceID), nil, nil, statusRequestTimeout)
			if err != nil {
				return fmt.Errorf("request status from %s: %w", deviceID, err)
			}

			var report discovery.StatusReport
			if err := json.Unmarshal(reply.Data, &report); err != nil {
				return fmt.Errorf("parse status reply: %w", err)
			}

			fmt.Printf("%s\n", ui.SuccessMsg("device %s is reachable", deviceID))
			fmt.Printf("  uptime: %s\n", time.Duration(report.UptimeMS)*time.Millisecond)
			if len(report.PeerRTTMS) == 0 {
				fmt.Println(ui.Muted("  no peer RTT samples yet"))
				return nil
			}

			rows := make([][]string, 0, len(report.PeerRTTMS))
			for peer, ms := range report.PeerRTTMS {
				rtt := "unreachable"
				if ms >= 0 {
					rtt = (time.Duration(ms) * time.Millisecond).String()
				}
				rows = append(rows, []string{peer, rtt})
			}
			fmt.Println(ui.Table([]string{"Peer", "RTT"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	return cmd
}
