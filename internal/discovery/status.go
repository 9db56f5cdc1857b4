package discovery

import (
	"context"
	"encoding/json"
	"time"

	"avena/internal/transport"
)

// StatusSubject is the status request/reply subject for a device
// (spec sec 6 "avena.device.{id}.status").
func StatusSubject(id string) string { return "avena.device." + id + ".status" }

// StatusReport is the payload returned by a device's status handler:
// enough for `avenactl device status` to render something useful
// without the operator needing direct KV access.
type StatusReport struct {
	DeviceID  string           `json:"device_id"`
	UptimeMS  int64            `json:"uptime_ms"`
	PeerRTTMS map[string]int64 `json:"peer_rtt_ms"`
}

// buildStatusReport assembles the current StatusReport from a ping
// snapshot; split out from ServeStatus so it can be unit tested without
// a round trip through the transport adapter.
func buildStatusReport(selfID string, started time.Time, tracker *PingTracker) StatusReport {
	report := StatusReport{
		DeviceID:  selfID,
		UptimeMS:  time.Since(started).Milliseconds(),
		PeerRTTMS: make(map[string]int64),
	}
	for id, rtt := range tracker.Snapshot() {
		if rtt < 0 {
			report.PeerRTTMS[id] = -1
			continue
		}
		report.PeerRTTMS[id] = rtt.Milliseconds()
	}
	return report
}

// ServeStatus answers this device's status subject with a StatusReport
// built from the current ping snapshot, until ctx is cancelled.
func ServeStatus(ctx context.Context, adapter transport.Adapter, selfID string, started time.Time, tracker *PingTracker) error {
	msgs, err := adapter.Subscribe(ctx, StatusSubject(selfID))
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
			data, err := json.Marshal(buildStatusReport(selfID, started, tracker))
			if err != nil {
				continue
			}
			_ = msg.Reply(data, nil)
		}
	}
}
