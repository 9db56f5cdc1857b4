// Command avenactl is the Avena operator CLI: list devices, query a
// device's live status, apply/delete/inspect a workload's desired
// state, and trigger link offers between devices (spec sec 6 operator
// CLI surface).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/device"
	"avena/cmd/avenactl/link"
	"avena/cmd/avenactl/ui"
	"avena/cmd/avenactl/workload"
	"avena/internal/logging"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ui.ConfigureColorProfile()

	if err := logging.Configure(logging.LevelWarn); err != nil {
		fmt.Fprintln(os.Stderr, "configure logger:", err)
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		var exitErr *cmdutil.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "error:", exitErr.Unwrap())
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:           "avenactl",
		Short:         "Operate an Avena fleet-management mesh",
		Version:       "0.1.0",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
	}
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(device.Cmd())
	cmd.AddCommand(workload.Cmd())
	cmd.AddCommand(link.Cmd())
	return cmd
}
