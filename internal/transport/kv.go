package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"avena/internal/hlc"
)

// defaultKVHistory is 10 per spec sec 3 ("last 10 versions retained")
// and sec 6 ("history depth 10").
const defaultKVHistory = 10

func (a *NATSAdapter) bucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	a.kvMu.RLock()
	kv, ok := a.kv[name]
	a.kvMu.RUnlock()
	if ok {
		return kv, nil
	}

	a.kvMu.Lock()
	defer a.kvMu.Unlock()
	if kv, ok := a.kv[name]; ok {
		return kv, nil
	}

	kv, err := a.js.KeyValue(ctx, name)
	if err != nil {
		kv, err = a.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  name,
			History: defaultKVHistory,
		})
		if err != nil {
			return nil, fmt.Errorf("open kv bucket %s: %w", name, err)
		}
	}
	a.kv[name] = kv
	return kv, nil
}

func (a *NATSAdapter) KVPut(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s/%s: %w", bucket, key, err)
	}
	return rev, nil
}

// KVPutCAS implements the compare-and-swap write path (sec 9 open
// question, decided in favor of the KV revision primitive).
func (a *NATSAdapter) KVPutCAS(ctx context.Context, bucket, key string, value []byte, expectedRevision uint64) (uint64, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if jetstream.IsNatsErr(err, jetstream.JSSequenceNotMatchErr) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv cas put %s/%s: %w", bucket, key, err)
	}
	return rev, nil
}

func (a *NATSAdapter) KVGet(ctx context.Context, bucket, key string) (*KVEntry, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("kv get %s/%s: %w", bucket, key, err)
	}
	return entryToKVEntry(entry), nil
}

func (a *NATSAdapter) KVDelete(ctx context.Context, bucket, key string) error {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (a *NATSAdapter) KVHistory(ctx context.Context, bucket, key string) ([]KVEntry, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	entries, err := kv.History(ctx, key)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("kv history %s/%s: %w", bucket, key, err)
	}
	out := make([]KVEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, *entryToKVEntry(entries[i]))
	}
	return out, nil
}

func (a *NATSAdapter) KVKeys(ctx context.Context, bucket, keyPattern string) ([]string, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeysFiltered(ctx, keyPattern)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys %s: %w", bucket, err)
	}
	var out []string
	for k := range lister.Keys() {
		out = append(out, k)
	}
	return out, nil
}

func (a *NATSAdapter) KVWatch(ctx context.Context, bucket, keyPattern string) (<-chan KVChange, error) {
	kv, err := a.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	watcher, err := kv.Watch(ctx, keyPattern)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s/%s: %w", bucket, keyPattern, err)
	}

	out := make(chan KVChange, 64)
	go func() {
		defer close(out)
		defer watcher.Stop()
		resyncing := true
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// nil marks the end of the initial replay batch.
					resyncing = false
					continue
				}
				kind := KVPut
				if resyncing {
					kind = KVResync
				} else if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					kind = KVDelete
				}
				select {
				case out <- KVChange{Kind: kind, Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision()}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func entryToKVEntry(entry jetstream.KeyValueEntry) *KVEntry {
	return &KVEntry{
		Value:    entry.Value(),
		Revision: entry.Revision(),
		HLC:      hlc.Timestamp{}, // the value's own envelope (e.g. WorkloadDesiredState.Timestamp) carries the HLC
	}
}
