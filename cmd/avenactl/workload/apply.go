package workload

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"avena/cmd/avenactl/cmdutil"
	"avena/cmd/avenactl/ui"
	"avena/internal/errkind"
	workloadlib "avena/internal/workload"
	"avena/pkg/wire"
)

// conflictExitCode is fixed by spec sec 6.
const conflictExitCode = 2

// specFile is the on-disk shape accepted by `workload apply --file`:
// the same fields as wire.WorkloadSpec, expressed in YAML for operator
// ergonomics.
type specFile struct {
	Image   string             `yaml:"image"`
	Tag     string             `yaml:"tag,omitempty"`
	Cmd     string             `yaml:"cmd,omitempty"`
	Args    []string           `yaml:"args,omitempty"`
	Env     []string           `yaml:"env,omitempty"`
	Mounts  []wire.Mount       `yaml:"mounts,omitempty"`
	Ports   []wire.PortMapping `yaml:"ports,omitempty"`
	Volumes []string           `yaml:"volumes,omitempty"`
	Labels  map[string]string  `yaml:"labels,omitempty"`
}

func (f specFile) toSpec() wire.WorkloadSpec {
	return wire.WorkloadSpec{
		Image:   f.Image,
		Tag:     f.Tag,
		Cmd:     f.Cmd,
		Args:    f.Args,
		Env:     f.Env,
		Mounts:  f.Mounts,
		Ports:   f.Ports,
		Volumes: f.Volumes,
		Labels:  f.Labels,
	}
}

func applyCmd() *cobra.Command {
	var broker string
	var file string
	var device string
	var forced bool

	cmd := &cobra.Command{
		Use:   "apply <workload-name>",
		Short: "Write a workload's desired state, subject to a conflict check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if device == "" {
				return fmt.Errorf("--device is required")
			}
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read spec file: %w", err)
			}
			var sf specFile
			if err := yaml.Unmarshal(data, &sf); err != nil {
				return fmt.Errorf("parse spec file: %w", err)
			}

			sess, err := cmdutil.Connect(cmd.Context(), broker)
			if err != nil {
				return err
			}
			defer sess.Adapter.Close()

			ts := sess.Clock.Now()
			err = workloadlib.Apply(cmd.Context(), sess.Adapter, device, name, sf.toSpec(), sess.SelfID, ts, forced)
			if err != nil {
				if errkind.Is(err, errkind.Conflict) {
					fmt.Println(ui.ErrorMsg("conflict: a newer write already exists for %s/%s (retry with --force to override)", device, name))
					return cmdutil.Exit(conflictExitCode, err)
				}
				return err
			}

			fmt.Println(ui.SuccessMsg("applied %s/%s", device, name))
			return nil
		},
	}

	cmd.Flags().StringVar(&broker, "broker", "", "Broker URL override (default: config file / "+cmdutil.EnvBrokerURL+")")
	cmd.Flags().StringVar(&file, "file", "", "Path to a workload spec YAML file")
	cmd.Flags().StringVar(&device, "device", "", "Target device id")
	cmd.Flags().BoolVar(&forced, "force", false, "Override a stale write instead of rejecting it")
	return cmd
}
