package device

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	"avena/internal/discovery"
	"avena/pkg/wire"
)

func listCmd() *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List devices in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cmdutil.Connect(cmd.Context(), broker)
			if err != nil {
				return err
			}
			defer sess.Adapter.Close()

			keys, err := sess.Adapter.KVKeys(cmd.Context(), discovery.DevicesBucket, "*")
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			if len(keys) == 0 {
				fmt.Println(ui.Muted("no devices registered"))
				return nil
			}

			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				entry, err := sess.Adapter.KVGet(cmd.Context(), discovery.DevicesBucket, key)
				if err != nil || entry == nil {
					continue
				}
				var record wire.DeviceRecord
				if err := json.Unmarshal(entry.Value, &record); err != nil {
					continue
				}
				lastSeen := time.UnixMilli(int64(record.LastSeen.WallMS))
				rows = append(rows, []string{
					record.ID,
					record.PublicKey,
					strings.Join(record.Capabilities, ","),
					humanize.Time(lastSeen),
				})
			}

			fmt.Println(ui.Table([]string{"ID", "Public Key", "Capabilities", "Last Seen"}, rows))
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	return cmd
}
