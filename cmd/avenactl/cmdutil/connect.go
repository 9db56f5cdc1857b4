// Package cmdutil bootstraps the operator CLI's connection to the local
// broker, shared across the device/workload/link subcommands. Grounded
// on the teacher's cmd/ployz/cmdutil.Connect resolution chain, simplified
// to a single broker URL since CLI context/profile files are out of
// scope (spec sec 1 non-goals).
package cmdutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"avena/internal/config"
	"avena/internal/hlc"
	"avena/internal/identity"
	"avena/internal/transport"
)

// EnvBrokerURL overrides the config file's broker_url when set.
const EnvBrokerURL = "AVENA_BROKER_URL"

// Session bundles what every subcommand needs to talk to the mesh: a
// connected adapter and the CLI's own identity (used as the HLC node id
// and as the issuer of workload writes).
type Session struct {
	Adapter transport.Adapter
	Clock   *hlc.Clock
	SelfID  string
}

// Connect resolves the broker URL (flag > env > config file) and dials
// it. The CLI's own identity is loaded from the user's state directory,
// separate from any daemon identity, so a write's issuer field reflects
// "this operator's machine" rather than a managed device.
func Connect(ctx context.Context, brokerFlag string) (*Session, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	broker := firstNonEmpty(brokerFlag, os.Getenv(EnvBrokerURL), cfg.BrokerURL)

	stateDir := filepath.Join(cfg.StateDir, "cli")
	id, err := identity.LoadOrCreate(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load cli identity: %w", err)
	}
	clock := hlc.New(id.ID, hlc.Timestamp{})

	adapter, err := transport.Connect(ctx, transport.Config{
		BrokerURL: broker,
		Clock:     clock,
		NodeID:    id.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", broker, err)
	}

	return &Session{Adapter: adapter, Clock: clock, SelfID: id.ID}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
