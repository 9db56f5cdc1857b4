package link

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	internallink "avena/internal/link"
	"avena/pkg/wire"
)

// triggerTimeout allows for the full offer/accept round trip plus the
// extra hop from the CLI to the triggering daemon.
const triggerTimeout = internallink.HandshakeTimeout * 12 / 10

// rejectedExitCode is fixed by spec sec 6: "Link add from A to B →
// triggers offer flow on A; exit 0 success, 3 rejected, 1 other."
const rejectedExitCode = 3

func addCmd() *cobra.Command {
	var broker string

	cmd := &cobra.Command{
		Use:   "add <from-device> <to-device>",
		Short: "Trigger a link offer from one device to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := args[0], args[1]

			sess, err := cmdutil.Connect(cmd.Context(), broker)
			if err != nil {
				return err
			}
			defer sess.Adapter.Close()

			reqData, err := json.Marshal(internallink.TriggerRequest{PeerID: to})
			if err != nil {
				return fmt.Errorf("marshal trigger request: %w", err)
			}

			reply, err := sess.Adapter.Request(cmd.Context(), internallink.TriggerSubject(from), reqData, nil, triggerTimeout)
			if err != nil {
				return fmt.Errorf("trigger link from %s to %s: %w", from, to, err)
			}

			var tr internallink.TriggerReply
			if err := json.Unmarshal(reply.Data, &tr); err != nil {
				return fmt.Errorf("parse trigger reply: %w", err)
			}

			if tr.Success {
				fmt.Println(ui.SuccessMsg("linked %s -> %s", from, to))
				return nil
			}

			switch wire.LinkRejectReason(tr.Reason) {
			case wire.RejectSignatureInvalid, wire.RejectNotAdmitted:
				fmt.Println(ui.ErrorMsg("link %s -> %s rejected: %s", from, to, tr.Reason))
				return cmdutil.Exit(rejectedExitCode, fmt.Errorf("link rejected: %s", tr.Reason))
			default:
				return fmt.Errorf("link %s -> %s failed: %s", from, to, tr.Reason)
			}
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	return cmd
}
