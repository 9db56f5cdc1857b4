// Command avenad is the Avena fleet-management daemon: it advertises
// this device, handshakes link offers from peers, and reconciles the
// device's declarative workload set against locally managed container
// units.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"avena/internal/config"
	"avena/internal/credential"
	"avena/internal/discovery"
	"avena/internal/hlc"
	"avena/internal/identity"
	"avena/internal/link"
	"avena/internal/logging"
	"avena/internal/reconcile"
	"avena/internal/transport"
	"avena/internal/unit"
	"avena/pkg/wire"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:     "avenad",
		Short:   "Avena fleet-management daemon",
		Version: "0.1.0",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", config.Path(), "Daemon config file path")
	return cmd
}

// run wires every component together: identity and the HLC clock
// first (nothing else can operate without them), then the transport
// adapter, then the credential authority and link manager, then
// discovery and the reconciler. Each long-running component is driven
// from its own goroutine; the first one to return an error cancels
// the rest via ctx.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	id, err := identity.LoadOrCreate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	slog.Info("identity loaded", "device_id", id.ID)

	hlcPath := filepath.Join(cfg.StateDir, "hlc.json")
	seed, err := hlc.Load(hlcPath)
	if err != nil {
		return fmt.Errorf("load hlc state: %w", err)
	}
	skewWarnings := make(chan error, 16)
	clock := hlc.New(id.ID, seed, hlc.WithWarningChannel(skewWarnings))
	go hlc.RunPersistence(ctx, clock, hlcPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-skewWarnings:
				slog.Warn("hlc clock skew", "err", err)
			}
		}
	}()

	ntpChecker := hlc.NewNTPChecker()
	go ntpChecker.Run(ctx)

	adapter, err := transport.Connect(ctx, transport.Config{
		BrokerURL: cfg.BrokerURL,
		Clock:     clock,
		NodeID:    id.ID,
		LeafDir:   cfg.LeafDir,
	})
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	defer adapter.Close()

	authority, err := credential.LoadOrCreate(filepath.Join(cfg.StateDir, "authority.json"), id.ID)
	if err != nil {
		return fmt.Errorf("load credential authority: %w", err)
	}

	linkStore, err := link.OpenStore(filepath.Join(cfg.StateDir, "links.db"))
	if err != nil {
		return fmt.Errorf("open link store: %w", err)
	}
	defer linkStore.Close()

	if err := rewireLeafUplinks(ctx, adapter, linkStore); err != nil {
		slog.Warn("rewire leaf uplinks failed", "err", err)
	}

	var admission link.AdmissionPolicy
	if cfg.RequireAdmission {
		admission = func(offer wire.LinkOffer) bool {
			entry, err := adapter.KVGet(ctx, discovery.DevicesBucket, offer.FromID)
			return err == nil && entry != nil
		}
	}

	linkMgr := link.New(link.Config{
		Adapter:   adapter,
		Identity:  id,
		Authority: authority,
		Store:     linkStore,
		Clock:     clock,
		SelfID:    id.ID,
		BrokerURL: cfg.BrokerURL,
		Admission: admission,
	})

	discoverySvc := discovery.New(adapter, clock, discovery.Self{
		ID:        id.ID,
		PublicKey: fmt.Sprintf("%x", id.PublicKey),
	})

	emitter := unit.NewEmitter(cfg.UnitDir)
	reconciler := &reconcile.Worker{
		Adapter: adapter,
		Emitter: emitter,
		Clock:   clock,
		SelfID:  id.ID,
		Bucket:  reconcile.DefaultBucket,
		OnEvent: func(workload, kind, message string) {
			slog.Info("workload event", "workload", workload, "kind", kind, "message", message)
		},
	}

	pingTracker := discovery.NewPingTracker(adapter, id.ID)
	started := time.Now()

	errCh := make(chan error, 7)
	go func() { errCh <- discoverySvc.Run(ctx) }()
	go func() { errCh <- linkMgr.Listen(ctx) }()
	go func() { errCh <- linkMgr.ServeTrigger(ctx) }()
	go func() { errCh <- reconciler.Run(ctx) }()
	go func() { errCh <- discovery.ServePing(ctx, adapter, id.ID) }()
	go func() { errCh <- discovery.ServeStatus(ctx, adapter, id.ID, started, pingTracker) }()
	go func() {
		pingTracker.Run(ctx, func() []string { return discoverySvc.KnownPeers() })
		errCh <- nil
	}()

	for i := 0; i < 7; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func rewireLeafUplinks(ctx context.Context, adapter *transport.NATSAdapter, store *link.Store) error {
	entries, err := store.All()
	if err != nil {
		return fmt.Errorf("list link entries: %w", err)
	}
	for _, e := range entries {
		if err := adapter.AddLeafUplink(ctx, e.BrokerURL, e.Credentials); err != nil {
			slog.Warn("rewire leaf uplink failed", "peer", e.PeerID, "err", err)
		}
	}
	return nil
}
