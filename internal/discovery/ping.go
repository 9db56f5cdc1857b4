package discovery

import (
	"context"
	"sync"
	"time"

	"avena/internal/transport"
)

const (
	pingInterval    = AnnounceInterval
	pingRTTTimeout  = 3 * time.Second
	unreachableRTT  = -1 * time.Second
)

// PingSubject is the liveness request/reply subject for a device
// (spec sec 6 "avena.device.{id}.ping").
func PingSubject(id string) string { return "avena.device." + id + ".ping" }

// PingTracker periodically probes known peers over the broker's
// request/reply channel and records round-trip time, mirrored from
// the teacher's reconcile.PingTracker — TCP dial there becomes a
// broker round trip here, since peers are only addressable through
// the mesh, never by host:port.
type PingTracker struct {
	adapter transport.Adapter
	selfID  string

	mu   sync.RWMutex
	rtts map[string]time.Duration
}

// NewPingTracker creates a PingTracker ready to run.
func NewPingTracker(adapter transport.Adapter, selfID string) *PingTracker {
	return &PingTracker{adapter: adapter, selfID: selfID, rtts: make(map[string]time.Duration)}
}

// Run probes every peer returned by listPeers once per pingInterval
// until ctx is cancelled.
func (pt *PingTracker) Run(ctx context.Context, listPeers func() []string) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		for _, id := range listPeers() {
			if id == pt.selfID {
				continue
			}
			go pt.probe(ctx, id)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (pt *PingTracker) probe(ctx context.Context, peerID string) {
	start := time.Now()
	_, err := pt.adapter.Request(ctx, PingSubject(peerID), nil, nil, pingRTTTimeout)
	rtt := unreachableRTT
	if err == nil {
		rtt = time.Since(start)
	}
	pt.mu.Lock()
	pt.rtts[peerID] = rtt
	pt.mu.Unlock()
}

// Snapshot returns the latest RTT per peer; unreachableRTT marks a
// peer that did not answer within the probe timeout.
func (pt *PingTracker) Snapshot() map[string]time.Duration {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make(map[string]time.Duration, len(pt.rtts))
	for k, v := range pt.rtts {
		out[k] = v
	}
	return out
}

// ServePing answers this device's own ping subject with an empty
// reply until ctx is cancelled — the round trip itself is the signal.
func ServePing(ctx context.Context, adapter transport.Adapter, selfID string) error {
	msgs, err := adapter.Subscribe(ctx, PingSubject(selfID))
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			_ = msg.Reply(nil, nil)
		}
	}
}
