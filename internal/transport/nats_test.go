package transport

import (
	"testing"

	"github.com/nats-io/nats.go"

	"avena/internal/hlc"
)

type fixedPhysical struct{ ms uint64 }

func (f fixedPhysical) NowMS() uint64 { return f.ms }

func TestToMessageObservesHLCHeader(t *testing.T) {
	clock := hlc.New("local", hlc.Timestamp{}, hlc.WithPhysicalClock(fixedPhysical{ms: 100}))
	a := &NATSAdapter{clock: clock, nodeID: "local"}

	m := &nats.Msg{
		Subject: "avena.device.dev-1.announce",
		Data:    []byte("payload"),
		Header:  nats.Header{HLCHeader: []string{"500.3.dev-1"}},
	}

	msg := a.toMessage(m)
	if msg.MissingHLC {
		t.Fatal("expected MissingHLC false for well-formed header")
	}
	if string(msg.Data) != "payload" {
		t.Fatalf("data mismatch: %q", msg.Data)
	}

	now := clock.Now()
	if hlc.Before(now, hlc.Timestamp{WallMS: 500, Counter: 3, NodeID: "dev-1"}) {
		t.Fatalf("clock was not advanced past observed remote timestamp: %+v", now)
	}
}

func TestToMessageFlagsMissingHLC(t *testing.T) {
	clock := hlc.New("local", hlc.Timestamp{}, hlc.WithPhysicalClock(fixedPhysical{ms: 100}))
	a := &NATSAdapter{clock: clock, nodeID: "local"}

	m := &nats.Msg{Subject: "avena.device.dev-1.announce", Data: []byte("payload")}
	msg := a.toMessage(m)
	if !msg.MissingHLC {
		t.Fatal("expected MissingHLC true when no Avena-HLC header present")
	}
}

func TestOutboundHeaderStampsHLC(t *testing.T) {
	clock := hlc.New("local", hlc.Timestamp{}, hlc.WithPhysicalClock(fixedPhysical{ms: 100}))
	a := &NATSAdapter{clock: clock, nodeID: "local"}

	h := a.outboundHeader(map[string][]string{"X-Extra": {"v"}})
	if h.Get(HLCHeader) == "" {
		t.Fatal("expected Avena-HLC header to be stamped")
	}
	if h.Get("X-Extra") != "v" {
		t.Fatal("expected extra header to be preserved")
	}
}
