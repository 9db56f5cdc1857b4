// Package discovery implements the announce/listen/expire protocol
// (spec sec 4.E): periodic self-announce on a broadcast subject, a
// concurrent listener that upserts peer DeviceRecords into the
// `devices` KV bucket, and a sweeper that evicts records past their
// liveness deadline.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"avena/internal/hlc"
	"avena/internal/transport"
	"avena/pkg/wire"
)

const (
	// AnnounceSubject is the well-known broadcast subject (spec sec 6).
	AnnounceSubject = "avena.announce"
	// DevicesBucket is the KV bucket DeviceRecords live in.
	DevicesBucket = "devices"

	// AnnounceInterval and registryTTL are fixed by spec sec 7
	// ("Announce interval is 5s; registry TTL is 15s" = 3x interval).
	AnnounceInterval = 5 * time.Second
	registryTTL      = 3 * AnnounceInterval
)

// announcePayload is the wire shape published on AnnounceSubject.
type announcePayload struct {
	DeviceID     string        `json:"device_id"`
	PublicKey    string        `json:"public_key"`
	Capabilities []string      `json:"capabilities"`
	HLC          hlc.Timestamp `json:"hlc"`
}

// Self describes the local device's advertised identity.
type Self struct {
	ID           string
	PublicKey    string
	Capabilities []string
}

// Service runs the announce loop, the peer listener, and the TTL
// sweeper. Grounded on the teacher's convergence loop's heartbeat
// goroutine plus periodic-sweep idiom (internal/daemon/convergence/loop.go),
// generalized from machine heartbeats to device announces.
type Service struct {
	adapter transport.Adapter
	clock   *hlc.Clock
	self    Self
}

// New builds a discovery Service bound to an already-connected adapter.
func New(adapter transport.Adapter, clock *hlc.Clock, self Self) *Service {
	return &Service{adapter: adapter, clock: clock, self: self}
}

// Run blocks until ctx is cancelled, driving announce, listen, and
// sweep concurrently. Each loop is independent: a failure in one
// (e.g. a transient publish error) never halts the others.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	go func() { errCh <- s.announceLoop(ctx) }()
	go func() { errCh <- s.listenLoop(ctx) }()
	go func() { errCh <- s.sweepLoop(ctx) }()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) announceLoop(ctx context.Context) error {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	if err := s.announce(ctx); err != nil {
		slog.Warn("announce failed", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.announce(ctx); err != nil {
				slog.Warn("announce failed", "err", err)
			}
		}
	}
}

func (s *Service) announce(ctx context.Context) error {
	payload := announcePayload{
		DeviceID:     s.self.ID,
		PublicKey:    s.self.PublicKey,
		Capabilities: s.self.Capabilities,
		HLC:          s.clock.Now(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal announce: %w", err)
	}
	return s.adapter.Publish(ctx, AnnounceSubject, data, nil)
}

func (s *Service) listenLoop(ctx context.Context) error {
	msgs, err := s.adapter.Subscribe(ctx, AnnounceSubject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", AnnounceSubject, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := s.handleAnnounce(ctx, m); err != nil {
				slog.Warn("handle announce failed", "err", err)
			}
		}
	}
}

func (s *Service) handleAnnounce(ctx context.Context, m *transport.Message) error {
	var payload announcePayload
	if err := json.Unmarshal(m.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal announce: %w", err)
	}
	if payload.DeviceID == s.self.ID {
		// Self-announces are not written to the registry (sec 4.E).
		return nil
	}

	now := s.clock.Now()
	record := wire.DeviceRecord{
		ID:           payload.DeviceID,
		PublicKey:    payload.PublicKey,
		LastSeen:     now,
		Capabilities: payload.Capabilities,
		Deadline:     int64(now.WallMS) + registryTTL.Milliseconds(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal device record: %w", err)
	}
	if _, err := s.adapter.KVPut(ctx, DevicesBucket, payload.DeviceID, data); err != nil {
		return fmt.Errorf("upsert device record for %s: %w", payload.DeviceID, err)
	}
	return nil
}

// KnownPeers lists the device IDs currently present in the registry,
// for callers (e.g. the ping tracker) that need a peer list without
// running their own KV watch.
func (s *Service) KnownPeers() []string {
	keys, err := s.adapter.KVKeys(context.Background(), DevicesBucket, "*")
	if err != nil {
		slog.Warn("list known peers failed", "err", err)
		return nil
	}
	return keys
}

func (s *Service) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(registryTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				slog.Warn("registry sweep failed", "err", err)
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context) error {
	keys, err := s.adapter.KVKeys(ctx, DevicesBucket, "*")
	if err != nil {
		return fmt.Errorf("list device keys: %w", err)
	}
	nowMS := int64(s.clock.Now().WallMS)
	for _, key := range keys {
		entry, err := s.adapter.KVGet(ctx, DevicesBucket, key)
		if err != nil {
			slog.Warn("sweep: get device record failed", "key", key, "err", err)
			continue
		}
		if entry == nil {
			continue
		}
		var record wire.DeviceRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			slog.Warn("sweep: malformed device record", "key", key, "err", err)
			continue
		}
		if nowMS > record.Deadline {
			if err := s.adapter.KVDelete(ctx, DevicesBucket, key); err != nil {
				slog.Warn("sweep: evict device record failed", "key", key, "err", err)
			}
		}
	}
	return nil
}
