// Package reconcile owns convergence from desired KV state to the set
// of unit files and their running status (spec sec 4.G). It is
// level-triggered: every tick recomputes the full desired/actual diff
// from scratch rather than accumulating incremental state.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"avena/internal/hlc"
	"avena/internal/transport"
	"avena/internal/unit"
	"avena/pkg/wire"
)

const (
	// debounceWindow and resyncInterval are fixed by spec sec 7.
	debounceWindow = 200 * time.Millisecond
	resyncInterval = 30 * time.Second

	devicePrefix = "device"
	// DefaultBucket is the KV bucket desired-state records live in
	// unless a Worker is configured otherwise (spec sec 6: bucket
	// "workloads"). Keys are "device.{device_id}.{workload_name}", see
	// DesiredKey.
	DefaultBucket = "workloads"
)

// desiredKeyPrefix scopes the kv_watch to every key under
// device.{self_id} (sec 4.G).
func desiredKeyPrefix(selfID string) string { return devicePrefix + "." + selfID + ".>" }

// DesiredKey is the KV key a WorkloadDesiredState is stored at; shared
// with the operator CLI's write path so both sides agree on naming.
func DesiredKey(selfID, workload string) string { return devicePrefix + "." + selfID + "." + workload }

// statusSubject is where per-workload status events are published
// (spec sec 4.G step 4).
func statusSubject(selfID, workload string) string {
	return fmt.Sprintf("avena.device.%s.workload.%s.status", selfID, workload)
}

// Lifecycle is the unit-emitter surface the reconciler drives. Defined
// here (rather than depending on *unit.Emitter directly) so tests can
// substitute a fake for the systemd D-Bus calls. *unit.Emitter
// satisfies this interface.
type Lifecycle interface {
	Write(name, content string) error
	Remove(name string) error
	Read(name string) (string, bool, error)
	Units() ([]string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	ReloadOrRestart(ctx context.Context, name string) error
}

// Worker drives the reconciliation loop. Grounded on the teacher's
// internal/daemon/reconcile.Worker: same subscribe-with-retry /
// resync-on-channel-close / ticker-driven-full-resync skeleton,
// adapted from machine peers to workload units.
type Worker struct {
	Adapter transport.Adapter
	Emitter Lifecycle
	Clock   *hlc.Clock
	SelfID  string
	Bucket  string // desired-state KV bucket, default DefaultBucket ("workloads")

	OnEvent func(workload, kind, message string)
}

func (w *Worker) bucket() string {
	if w.Bucket != "" {
		return w.Bucket
	}
	return DefaultBucket
}

func (w *Worker) emit(workload, kind, message string) {
	if w.OnEvent != nil {
		w.OnEvent(workload, kind, message)
	}
	data := []byte(message)
	_ = w.Adapter.Publish(context.Background(), statusSubject(w.SelfID, workload), data, map[string][]string{"Status-Kind": {kind}})
}

// Run blocks until ctx is cancelled, driving the watch/debounce/apply
// loop plus the periodic full resync.
func (w *Worker) Run(ctx context.Context) error {
	changes, err := w.subscribeWithRetry(ctx)
	if err != nil {
		return err
	}

	if err := w.resync(ctx); err != nil {
		slog.Warn("initial resync failed", "err", err)
	}

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case change, ok := <-changes:
			if !ok {
				changes, err = w.subscribeWithRetry(ctx)
				if err != nil {
					return err
				}
				if err := w.resync(ctx); err != nil {
					slog.Warn("resubscribe resync failed", "err", err)
				}
				continue
			}
			if change.Kind == transport.KVResync {
				if err := w.resync(ctx); err != nil {
					slog.Warn("watch resync failed", "err", err)
				}
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(debounceWindow)
			}

		case <-debounce.C:
			pending = false
			if err := w.tick(ctx); err != nil {
				slog.Warn("reconcile tick failed", "err", err)
			}

		case <-ticker.C:
			if err := w.resync(ctx); err != nil {
				slog.Warn("periodic resync failed", "err", err)
			}
		}
	}
}

func (w *Worker) subscribeWithRetry(ctx context.Context) (<-chan transport.KVChange, error) {
	for {
		ch, err := w.Adapter.KVWatch(ctx, w.bucket(), desiredKeyPrefix(w.SelfID))
		if err == nil {
			return ch, nil
		}
		slog.Warn("kv watch subscribe failed, retrying", "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// resync performs a full reconciliation pass with a freshly fetched
// desired snapshot (spec sec 4.G: "fetch all keys under the prefix,
// rebuild D, and run a reconciliation pass").
func (w *Worker) resync(ctx context.Context) error {
	desired, err := w.snapshotDesired(ctx)
	if err != nil {
		return fmt.Errorf("snapshot desired state: %w", err)
	}
	return w.apply(ctx, desired)
}

// tick performs a single incremental reconciliation pass, the same
// D/A diff as resync. A \ D removal runs here too (sec 4.G step 3
// applies on every tick, not just the periodic resync) — a workload
// deleted via the operator CLI must be stopped promptly, not left
// running for up to resyncInterval.
func (w *Worker) tick(ctx context.Context) error {
	desired, err := w.snapshotDesired(ctx)
	if err != nil {
		return fmt.Errorf("snapshot desired state: %w", err)
	}
	return w.apply(ctx, desired)
}

func (w *Worker) snapshotDesired(ctx context.Context) (map[string]wire.WorkloadDesiredState, error) {
	keys, err := w.Adapter.KVKeys(ctx, w.bucket(), desiredKeyPrefix(w.SelfID))
	if err != nil {
		return nil, err
	}
	desired := make(map[string]wire.WorkloadDesiredState, len(keys))
	for _, key := range keys {
		entry, err := w.Adapter.KVGet(ctx, w.bucket(), key)
		if err != nil {
			slog.Warn("resync: get desired state failed", "key", key, "err", err)
			continue
		}
		if entry == nil {
			continue // tombstoned
		}
		var state wire.WorkloadDesiredState
		if err := json.Unmarshal(entry.Value, &state); err != nil {
			slog.Warn("resync: malformed desired state", "key", key, "err", err)
			continue
		}
		desired[state.Name] = state
	}
	return desired, nil
}

// apply runs the D/A diff from spec sec 4.G step 3 and issues the
// matching unit lifecycle operation for every name in D ∪ A. Each
// workload's failure is isolated via go-multierror so one broken
// unit never blocks the rest of the tick.
func (w *Worker) apply(ctx context.Context, desired map[string]wire.WorkloadDesiredState) error {
	actual, err := w.Emitter.Units()
	if err != nil {
		return fmt.Errorf("list actual units: %w", err)
	}
	actualSet := make(map[string]bool, len(actual))
	for _, name := range actual {
		actualSet[name] = true
	}

	var result *multierror.Error

	for name, state := range desired {
		if !actualSet[name] {
			if err := w.create(ctx, name, state); err != nil {
				result = multierror.Append(result, fmt.Errorf("create %s: %w", name, err))
			}
		}
	}

	for name := range actualSet {
		if _, ok := desired[name]; !ok {
			if err := w.remove(ctx, name); err != nil {
				result = multierror.Append(result, fmt.Errorf("remove %s: %w", name, err))
			}
		}
	}

	for name, state := range desired {
		if !actualSet[name] {
			continue // just created above
		}
		if err := w.update(ctx, name, state); err != nil {
			result = multierror.Append(result, fmt.Errorf("update %s: %w", name, err))
		}
	}

	return result.ErrorOrNil()
}

func (w *Worker) create(ctx context.Context, name string, state wire.WorkloadDesiredState) error {
	content := unit.Render(name, state.Spec, state.Timestamp)
	if err := w.Emitter.Write(name, content); err != nil {
		w.emit(name, "error", err.Error())
		return err
	}
	if err := w.Emitter.Start(ctx, name); err != nil {
		w.emit(name, "error", err.Error())
		return err
	}
	w.emit(name, "started", "workload created and started")
	return nil
}

func (w *Worker) remove(ctx context.Context, name string) error {
	if err := w.Emitter.Stop(ctx, name); err != nil {
		w.emit(name, "error", err.Error())
		return err
	}
	if err := w.Emitter.Remove(name); err != nil {
		w.emit(name, "error", err.Error())
		return err
	}
	w.emit(name, "removed", "workload stopped and unit removed")
	return nil
}

func (w *Worker) update(ctx context.Context, name string, state wire.WorkloadDesiredState) error {
	existing, ok, err := w.Emitter.Read(name)
	if err != nil {
		w.emit(name, "error", err.Error())
		return err
	}
	rendered := unit.Render(name, state.Spec, state.Timestamp)
	if ok && existing == rendered {
		return nil // UpToDate
	}

	var currentSpec wire.WorkloadSpec
	if ok {
		if recovered, recoveredOK := unit.SpecFromRender(existing); recoveredOK {
			currentSpec = recovered
		}
	}
	kind := classifyChange(normalizeWorkloadSpec(currentSpec), normalizeWorkloadSpec(state.Spec))

	if err := w.Emitter.Write(name, rendered); err != nil {
		w.emit(name, "error", err.Error())
		return err
	}

	switch kind {
	case NeedsRecreate:
		if err := w.Emitter.Stop(ctx, name); err != nil {
			w.emit(name, "error", err.Error())
			return err
		}
		if err := w.Emitter.Start(ctx, name); err != nil {
			w.emit(name, "error", err.Error())
			return err
		}
		w.emit(name, "recreated", "workload recreated")
	default:
		if err := w.Emitter.ReloadOrRestart(ctx, name); err != nil {
			w.emit(name, "error", err.Error())
			return err
		}
		w.emit(name, "updated", "workload reloaded in place")
	}
	return nil
}
