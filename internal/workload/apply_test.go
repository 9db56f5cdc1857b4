package workload

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"avena/internal/errkind"
	"avena/internal/hlc"
	"avena/internal/reconcile"
	"avena/internal/transport"
	"avena/pkg/wire"
)

// fakeAdapter is a minimal in-memory KV stand-in with CAS semantics,
// enough to exercise Apply's conflict check without a real broker.
type fakeAdapter struct {
	transport.Adapter
	mu       sync.Mutex
	values   map[string][]byte
	revision map[string]uint64
	history  map[string][]transport.KVEntry
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		values:   make(map[string][]byte),
		revision: make(map[string]uint64),
		history:  make(map[string][]transport.KVEntry),
	}
}

func (f *fakeAdapter) KVGet(_ context.Context, _, key string) (*transport.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return &transport.KVEntry{Value: v, Revision: f.revision[key]}, nil
}

func (f *fakeAdapter) KVPut(_ context.Context, _, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revision[key]++
	f.values[key] = value
	f.history[key] = append(f.history[key], transport.KVEntry{Value: value, Revision: f.revision[key]})
	return f.revision[key], nil
}

func (f *fakeAdapter) KVPutCAS(_ context.Context, _, key string, value []byte, expected uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revision[key] != expected {
		return 0, transport.ErrRevisionMismatch
	}
	f.revision[key]++
	f.values[key] = value
	f.history[key] = append(f.history[key], transport.KVEntry{Value: value, Revision: f.revision[key]})
	return f.revision[key], nil
}

func (f *fakeAdapter) KVDelete(_ context.Context, _, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeAdapter) KVHistory(_ context.Context, _, key string) ([]transport.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.history[key]
	out := make([]transport.KVEntry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

func ts(wallMS uint64, counter uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{WallMS: wallMS, Counter: counter, NodeID: node}
}

func TestApplyFirstWriteAlwaysSucceeds(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(100, 0, "op-1"), false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	key := reconcile.DesiredKey("dev-1", "worker")
	var state wire.WorkloadDesiredState
	if err := json.Unmarshal(adapter.values[key], &state); err != nil {
		t.Fatalf("unmarshal stored state: %v", err)
	}
	if state.Name != "worker" || state.Forced {
		t.Fatalf("unexpected stored state: %+v", state)
	}
}

func TestApplyRejectsStaleWrite(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(200, 0, "op-1"), false); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-2", ts(100, 0, "op-2"), false)
	if err == nil {
		t.Fatal("expected stale write to be rejected")
	}
	if !errkind.Is(err, errkind.Conflict) {
		t.Fatalf("expected Conflict kind, got %v", err)
	}
}

func TestApplyForcedOverridesStaleWrite(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(200, 0, "op-1"), false); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-2", ts(100, 0, "op-2"), true); err != nil {
		t.Fatalf("forced Apply: %v", err)
	}

	key := reconcile.DesiredKey("dev-1", "worker")
	var state wire.WorkloadDesiredState
	if err := json.Unmarshal(adapter.values[key], &state); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !state.Forced {
		t.Fatal("expected forced flag to be set on override write")
	}
}

func TestApplyAllowsNewerWrite(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(100, 0, "op-1"), false); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}
	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-2", ts(200, 0, "op-2"), false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestHistoryReturnsNewestFirst(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}

	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(100, 0, "op-1"), false); err != nil {
		t.Fatalf("Apply 1: %v", err)
	}
	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-2", ts(200, 0, "op-2"), false); err != nil {
		t.Fatalf("Apply 2: %v", err)
	}

	history, err := History(context.Background(), adapter, "dev-1", "worker")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Issuer != "op-2" {
		t.Fatalf("newest entry issuer = %s, want op-2", history[0].Issuer)
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	adapter := newFakeAdapter()
	spec := wire.WorkloadSpec{Image: "busybox"}
	if err := Apply(context.Background(), adapter, "dev-1", "worker", spec, "op-1", ts(100, 0, "op-1"), false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := Delete(context.Background(), adapter, "dev-1", "worker"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := adapter.values[reconcile.DesiredKey("dev-1", "worker")]; ok {
		t.Fatal("expected record to be deleted")
	}
}
