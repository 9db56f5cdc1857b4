// Package workload implements the operator write path's conflict check
// (spec sec 4.G write-path note): unlike the reconciler, which is purely
// level-triggered on whatever the KV holds, avenactl's apply path fetches
// the current value before writing and rejects a stale write unless the
// operator forces it.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"avena/internal/errkind"
	"avena/internal/hlc"
	"avena/internal/reconcile"
	"avena/internal/transport"
	"avena/pkg/wire"
)

// ErrConflict is returned by Apply when the incoming write is stale
// relative to the existing record and Forced was not set.
var ErrConflict = errkind.New(errkind.Conflict, "stale write rejected", nil)

// Apply writes a WorkloadDesiredState to the desired-state bucket,
// enforcing the conflict rule from spec sec 4.G: a write with an older
// HLC timestamp than the current record is rejected unless forced, in
// which case it proceeds with Forced set so the KV history preserves
// the override. Ordering is hlc.Compare's total order (wall, counter,
// node id); a write whose HLC equals the stored one on all three falls
// back to issuer lexicographic order.
func Apply(ctx context.Context, adapter transport.Adapter, selfID, name string, spec wire.WorkloadSpec, issuer string, ts hlc.Timestamp, forced bool) error {
	key := reconcile.DesiredKey(selfID, name)

	existing, err := adapter.KVGet(ctx, reconcile.DefaultBucket, key)
	if err != nil {
		return fmt.Errorf("apply %s: fetch existing: %w", name, err)
	}

	var expectedRevision uint64
	if existing != nil {
		var current wire.WorkloadDesiredState
		if err := json.Unmarshal(existing.Value, &current); err != nil {
			return fmt.Errorf("apply %s: malformed existing record: %w", name, err)
		}
		expectedRevision = existing.Revision
		order := hlc.Compare(ts, current.Timestamp)
		if order == 0 {
			order = strings.Compare(issuer, current.Issuer)
		}
		if order < 0 && !forced {
			return fmt.Errorf("apply %s: %w", name, ErrConflict)
		}
	}

	state := wire.WorkloadDesiredState{
		Name:      name,
		Spec:      spec,
		Timestamp: ts,
		Issuer:    issuer,
		Forced:    forced,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("apply %s: marshal: %w", name, err)
	}

	if existing == nil {
		if _, err := adapter.KVPut(ctx, reconcile.DefaultBucket, key, data); err != nil {
			return fmt.Errorf("apply %s: put: %w", name, err)
		}
		return nil
	}

	if _, err := adapter.KVPutCAS(ctx, reconcile.DefaultBucket, key, data, expectedRevision); err != nil {
		if errors.Is(err, transport.ErrRevisionMismatch) {
			return fmt.Errorf("apply %s: %w", name, ErrConflict)
		}
		return fmt.Errorf("apply %s: cas put: %w", name, err)
	}
	return nil
}

// Delete removes a workload's desired-state record (spec sec 6:
// "Delete workload → kv_delete on same key").
func Delete(ctx context.Context, adapter transport.Adapter, selfID, name string) error {
	key := reconcile.DesiredKey(selfID, name)
	if err := adapter.KVDelete(ctx, reconcile.DefaultBucket, key); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// History returns a workload's desired-state revisions newest first
// (spec sec 6: "Workload history → kv_history on same key, newest first").
func History(ctx context.Context, adapter transport.Adapter, selfID, name string) ([]wire.WorkloadDesiredState, error) {
	key := reconcile.DesiredKey(selfID, name)
	entries, err := adapter.KVHistory(ctx, reconcile.DefaultBucket, key)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", name, err)
	}
	out := make([]wire.WorkloadDesiredState, 0, len(entries))
	for _, e := range entries {
		var state wire.WorkloadDesiredState
		if err := json.Unmarshal(e.Value, &state); err != nil {
			continue // tombstone or malformed entry; skip rather than fail the whole history
		}
		out = append(out, state)
	}
	return out, nil
}
