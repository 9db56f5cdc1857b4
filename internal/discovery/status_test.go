package discovery

import (
	"context"
	"testing"
	"time"
)

func TestBuildStatusReportSnapshotsRTTs(t *testing.T) {
	adapter := newFakeAdapter()
	pt := NewPingTracker(adapter, "self")
	pt.rtts["peer-1"] = 12 * time.Millisecond
	pt.rtts["peer-2"] = unreachableRTT

	report := buildStatusReport("self", time.Now().Add(-time.Minute), pt)

	if report.DeviceID != "self" {
		t.Fatalf("device_id = %s, want self", report.DeviceID)
	}
	if report.PeerRTTMS["peer-1"] != 12 {
		t.Fatalf("peer-1 rtt = %d, want 12", report.PeerRTTMS["peer-1"])
	}
	if report.PeerRTTMS["peer-2"] != -1 {
		t.Fatalf("peer-2 rtt = %d, want -1", report.PeerRTTMS["peer-2"])
	}
	if report.UptimeMS < 1000 {
		t.Fatalf("uptime_ms = %d, want >= 1000", report.UptimeMS)
	}
}

func TestServeStatusSubscribesToOwnSubject(t *testing.T) {
	adapter := newFakeAdapter()
	pt := NewPingTracker(adapter, "self")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ServeStatus(ctx, adapter, "self", time.Now(), pt) }()

	// Give the goroutine a chance to subscribe before asserting.
	deadline := time.After(time.Second)
	for {
		adapter.mu.Lock()
		n := len(adapter.subs[StatusSubject("self")])
		adapter.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for ServeStatus to subscribe")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("ServeStatus returned error: %v", err)
	}
}
