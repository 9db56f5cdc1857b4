package link

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"avena/internal/credential"
	"avena/internal/hlc"
	"avena/internal/identity"
	"avena/internal/transport"
	"avena/pkg/wire"
)

type fixedPhysical struct{ ms uint64 }

func (p fixedPhysical) NowMS() uint64 { return p.ms }

func newTestManager(t *testing.T, selfID string) (*Manager, *transport.Message) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate identity: %v", err)
	}
	auth, err := credential.LoadOrCreate(filepath.Join(t.TempDir(), "authority.json"), selfID)
	if err != nil {
		t.Fatalf("LoadOrCreate authority: %v", err)
	}
	store, err := OpenStore(filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	clock := hlc.New(selfID, hlc.Timestamp{}, hlc.WithPhysicalClock(fixedPhysical{ms: 1000}))

	m := New(Config{
		Identity:  id,
		Authority: auth,
		Store:     store,
		Clock:     clock,
		SelfID:    selfID,
		BrokerURL: "nats://" + selfID + ":4222",
	})
	return m, nil
}

func TestHandleOfferAcceptsValidSignature(t *testing.T) {
	offerer, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate offerer: %v", err)
	}
	accepter, _ := newTestManager(t, "accepter")

	nonce, _ := identity.Nonce()
	sig := offerer.Sign(nonce[:])
	var fromKey [32]byte
	copy(fromKey[:], offerer.PublicKey)

	offer := wire.LinkOffer{FromID: "offerer", FromKey: fromKey, Nonce: nonce, Signature: sig}
	reply := accepter.handleOffer(mustMarshal(t, offer))

	if reply.Rejected {
		t.Fatalf("expected offer to be accepted, got rejected: %s", reply.RejectReason)
	}
	if len(reply.GrantedUserCreds) == 0 {
		t.Fatal("expected non-empty granted credentials")
	}
	if reply.BrokerURL != "nats://accepter:4222" {
		t.Fatalf("unexpected broker url: %s", reply.BrokerURL)
	}
}

func TestHandleOfferRejectsBadSignature(t *testing.T) {
	offerer, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate offerer: %v", err)
	}
	accepter, _ := newTestManager(t, "accepter")

	nonce, _ := identity.Nonce()
	sig := offerer.Sign(nonce[:])
	sig[0] ^= 0xFF
	var fromKey [32]byte
	copy(fromKey[:], offerer.PublicKey)

	offer := wire.LinkOffer{FromID: "offerer", FromKey: fromKey, Nonce: nonce, Signature: sig}
	reply := accepter.handleOffer(mustMarshal(t, offer))

	if !reply.Rejected || reply.RejectReason != wire.RejectSignatureInvalid {
		t.Fatalf("expected signature_invalid rejection, got %+v", reply)
	}
}

func TestHandleOfferRejectsByAdmissionPolicy(t *testing.T) {
	offerer, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate offerer: %v", err)
	}
	accepter, _ := newTestManager(t, "accepter")
	accepter.admission = func(wire.LinkOffer) bool { return false }

	nonce, _ := identity.Nonce()
	sig := offerer.Sign(nonce[:])
	var fromKey [32]byte
	copy(fromKey[:], offerer.PublicKey)

	offer := wire.LinkOffer{FromID: "offerer", FromKey: fromKey, Nonce: nonce, Signature: sig}
	reply := accepter.handleOffer(mustMarshal(t, offer))

	if !reply.Rejected || reply.RejectReason != wire.RejectNotAdmitted {
		t.Fatalf("expected not_admitted rejection, got %+v", reply)
	}
}

// loopbackAdapter routes Request calls for a known subject straight
// into a handler function, enough to exercise Offer's happy/failure
// paths without a real broker.
type loopbackAdapter struct {
	transport.Adapter
	handlers map[string]func([]byte) ([]byte, error)
}

func (l *loopbackAdapter) Request(_ context.Context, subject string, payload []byte, _ map[string][]string, _ time.Duration) (*transport.Message, error) {
	h, ok := l.handlers[subject]
	if !ok {
		return nil, errors.New("no route for subject " + subject)
	}
	data, err := h(payload)
	if err != nil {
		return nil, err
	}
	return &transport.Message{Data: data}, nil
}

func (l *loopbackAdapter) AddLeafUplink(context.Context, string, []byte) error { return nil }

func TestOfferHappyPathTransitionsToLinked(t *testing.T) {
	offerMgr, _ := newTestManager(t, "offerer")
	acceptMgr, _ := newTestManager(t, "accepter")

	offerMgr.adapter = &loopbackAdapter{handlers: map[string]func([]byte) ([]byte, error){
		offerSubject("accepter"): func(payload []byte) ([]byte, error) {
			reply := acceptMgr.handleOffer(payload)
			return mustMarshal(t, reply), nil
		},
	}}

	if err := offerMgr.Offer(context.Background(), "accepter"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if got := offerMgr.Phase("accepter"); got != PhaseLinked {
		t.Fatalf("phase = %s, want linked", got)
	}

	entry, ok, err := offerMgr.store.Get("accepter")
	if err != nil || !ok {
		t.Fatalf("expected persisted link entry, ok=%v err=%v", ok, err)
	}
	if entry.BrokerURL == "" {
		t.Fatal("expected non-empty broker url in persisted entry")
	}
}

func TestOfferSucceedsAgainFromLinked(t *testing.T) {
	offerMgr, _ := newTestManager(t, "offerer")
	acceptMgr, _ := newTestManager(t, "accepter")

	offerMgr.adapter = &loopbackAdapter{handlers: map[string]func([]byte) ([]byte, error){
		offerSubject("accepter"): func(payload []byte) ([]byte, error) {
			reply := acceptMgr.handleOffer(payload)
			return mustMarshal(t, reply), nil
		},
	}}

	if err := offerMgr.Offer(context.Background(), "accepter"); err != nil {
		t.Fatalf("first Offer: %v", err)
	}
	if got := offerMgr.Phase("accepter"); got != PhaseLinked {
		t.Fatalf("phase after first offer = %s, want linked", got)
	}

	// A re-offer to an already-linked peer must succeed (spec sec 4.F
	// re-offer replacement, sec 8 link idempotence), not panic the
	// debug-build phase assertion or be rejected.
	if err := offerMgr.Offer(context.Background(), "accepter"); err != nil {
		t.Fatalf("second Offer (re-offer from linked): %v", err)
	}
	if got := offerMgr.Phase("accepter"); got != PhaseLinked {
		t.Fatalf("phase after re-offer = %s, want linked", got)
	}
}

func TestOfferFailsOnRejection(t *testing.T) {
	offerMgr, _ := newTestManager(t, "offerer")
	acceptMgr, _ := newTestManager(t, "accepter")
	acceptMgr.admission = func(wire.LinkOffer) bool { return false }

	offerMgr.adapter = &loopbackAdapter{handlers: map[string]func([]byte) ([]byte, error){
		offerSubject("accepter"): func(payload []byte) ([]byte, error) {
			reply := acceptMgr.handleOffer(payload)
			return mustMarshal(t, reply), nil
		},
	}}

	err := offerMgr.Offer(context.Background(), "accepter")
	if err == nil {
		t.Fatal("expected Offer to fail")
	}
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed, got %T: %v", err, err)
	}
	if offerMgr.Phase("accepter") != PhaseFailed {
		t.Fatalf("phase = %s, want failed", offerMgr.Phase("accepter"))
	}
}

func TestHandleTriggerSuccess(t *testing.T) {
	offerMgr, _ := newTestManager(t, "offerer")
	acceptMgr, _ := newTestManager(t, "accepter")

	offerMgr.adapter = &loopbackAdapter{handlers: map[string]func([]byte) ([]byte, error){
		offerSubject("accepter"): func(payload []byte) ([]byte, error) {
			reply := acceptMgr.handleOffer(payload)
			return mustMarshal(t, reply), nil
		},
	}}

	reply := offerMgr.handleTrigger(context.Background(), mustMarshal(t, TriggerRequest{PeerID: "accepter"}))
	if !reply.Success {
		t.Fatalf("expected trigger success, got %+v", reply)
	}
}

func TestHandleTriggerSurfacesRejection(t *testing.T) {
	offerMgr, _ := newTestManager(t, "offerer")
	acceptMgr, _ := newTestManager(t, "accepter")
	acceptMgr.admission = func(wire.LinkOffer) bool { return false }

	offerMgr.adapter = &loopbackAdapter{handlers: map[string]func([]byte) ([]byte, error){
		offerSubject("accepter"): func(payload []byte) ([]byte, error) {
			reply := acceptMgr.handleOffer(payload)
			return mustMarshal(t, reply), nil
		},
	}}

	reply := offerMgr.handleTrigger(context.Background(), mustMarshal(t, TriggerRequest{PeerID: "accepter"}))
	if reply.Success {
		t.Fatal("expected trigger to fail")
	}
	if reply.Reason != string(wire.RejectNotAdmitted) {
		t.Fatalf("reason = %s, want %s", reply.Reason, wire.RejectNotAdmitted)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
