// Package link implements the signed-nonce link protocol (spec sec
// 4.F): an offer/accept handshake that mints per-peer credentials and
// promotes a remote broker into a leaf-node uplink.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"avena/internal/check"
	"avena/internal/credential"
	"avena/internal/hlc"
	"avena/internal/identity"
	"avena/internal/transport"
	"avena/pkg/wire"
)

// Phase is one state of the per-peer link state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferPending
	PhaseLinked
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOfferPending:
		return "offer_pending"
	case PhaseLinked:
		return "linked"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// handshakeTimeout is fixed by spec sec 7 ("Link handshakes time out
// at 10s"). HandshakeTimeout exports it for the operator CLI's trigger
// request, which waits at least as long as the offer/accept round trip
// it is asking the daemon to perform.
const handshakeTimeout = 10 * time.Second
const HandshakeTimeout = handshakeTimeout

// offerSubject is the handler subject a peer's accept side listens on.
func offerSubject(peerID string) string { return "avena.link.offer." + peerID }

// TriggerSubject is where the operator CLI asks this device's own
// daemon to initiate an offer toward another peer ("avenactl link add
// A B" triggers the offer flow on A, per spec sec 6 — a local control
// channel distinct from the device-to-device offer/accept protocol).
func TriggerSubject(selfID string) string { return "avena.link.trigger." + selfID }

// TriggerRequest is the request payload for TriggerSubject.
type TriggerRequest struct {
	PeerID string `json:"peer_id"`
}

// TriggerReply is the response payload for TriggerSubject.
type TriggerReply struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// AdmissionPolicy optionally gates accept-side offers beyond signature
// verification (spec sec 4.F step 2: "peer must be listed in the
// registry and carry a known network token"). A nil policy admits
// every signature-valid offer.
type AdmissionPolicy func(offer wire.LinkOffer) bool

// Failed is returned to the caller of Offer when the handshake ends
// in FAILED; Reason distinguishes timeout/malformed-reply from an
// explicit LinkRejected.
type Failed struct {
	PeerID string
	Reason string
}

func (e *Failed) Error() string {
	return fmt.Sprintf("link to %s failed: %s", e.PeerID, e.Reason)
}

// Manager owns the per-peer phase table and drives both sides of the
// handshake. Grounded on the teacher's ntp.Checker: a mutex-guarded
// actor over shared per-key state, generalized from a single clock
// estimate to a table of peer phases.
type Manager struct {
	adapter   transport.Adapter
	identity  identity.Identity
	authority *credential.Authority
	store     *Store
	clock     *hlc.Clock
	selfID    string
	brokerURL string
	admission AdmissionPolicy

	mu     sync.Mutex
	shards map[string]*sync.Mutex
	phases map[string]Phase
}

// Config bundles the collaborators a Manager needs.
type Config struct {
	Adapter   transport.Adapter
	Identity  identity.Identity
	Authority *credential.Authority
	Store     *Store
	Clock     *hlc.Clock
	SelfID    string
	BrokerURL string
	Admission AdmissionPolicy
}

// New builds a link Manager.
func New(cfg Config) *Manager {
	return &Manager{
		adapter:   cfg.Adapter,
		identity:  cfg.Identity,
		authority: cfg.Authority,
		store:     cfg.Store,
		clock:     cfg.Clock,
		selfID:    cfg.SelfID,
		brokerURL: cfg.BrokerURL,
		admission: cfg.Admission,
		shards:    make(map[string]*sync.Mutex),
		phases:    make(map[string]Phase),
	}
}

func (m *Manager) shard(peerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shards[peerID]
	if !ok {
		s = &sync.Mutex{}
		m.shards[peerID] = s
	}
	return s
}

// Phase reports the current state for a peer (PhaseIdle if unknown).
func (m *Manager) Phase(peerID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[peerID]
}

func (m *Manager) setPhase(peerID string, p Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[peerID] = p
}

// Offer drives the offer side of the handshake against peerID (spec
// sec 4.F "Offer side"). A retry after FAILED is allowed, and so is a
// re-offer from LINKED: sec 4.F requires a re-offer to the same peer
// to replace the prior credential and leaf uplink, and sec 8 link
// idempotence requires that second cycle to succeed rather than be
// rejected. Only a re-offer while an offer is already in flight
// (OFFER_PENDING) is rejected by the debug-build assertion guarding
// the transition.
func (m *Manager) Offer(ctx context.Context, peerID string) error {
	shard := m.shard(peerID)
	shard.Lock()
	defer shard.Unlock()

	prior := m.Phase(peerID)
	check.Assertf(prior == PhaseIdle || prior == PhaseFailed || prior == PhaseLinked,
		"link offer to %s from invalid phase %s", peerID, prior)
	m.setPhase(peerID, PhaseOfferPending)

	nonce, err := identity.Nonce()
	if err != nil {
		m.setPhase(peerID, PhaseFailed)
		return fmt.Errorf("offer to %s: %w", peerID, err)
	}
	sig := m.identity.Sign(nonce[:])

	var fromKey [32]byte
	copy(fromKey[:], m.identity.PublicKey)

	offer := wire.LinkOffer{
		FromID:    m.selfID,
		FromKey:   fromKey,
		Nonce:     nonce,
		Signature: sig,
		HLC:       m.clock.Now(),
	}
	data, err := json.Marshal(offer)
	if err != nil {
		m.setPhase(peerID, PhaseFailed)
		return fmt.Errorf("offer to %s: marshal: %w", peerID, err)
	}

	reply, err := m.adapter.Request(ctx, offerSubject(peerID), data, nil, handshakeTimeout)
	if err != nil {
		m.setPhase(peerID, PhaseFailed)
		return &Failed{PeerID: peerID, Reason: "timeout_or_transport: " + err.Error()}
	}

	var accept wire.LinkAccept
	if err := json.Unmarshal(reply.Data, &accept); err != nil {
		m.setPhase(peerID, PhaseFailed)
		return &Failed{PeerID: peerID, Reason: "malformed_reply"}
	}
	if accept.Rejected {
		m.setPhase(peerID, PhaseFailed)
		return &Failed{PeerID: peerID, Reason: string(accept.RejectReason)}
	}

	// The leaf uplink is only wired after the LinkEntry is durably
	// persisted, so a crash mid-handshake never leaves a dangling
	// uplink with no record of it (spec sec 7 propagation policy).
	if err := m.store.Put(Entry{PeerID: peerID, BrokerURL: accept.BrokerURL, Credentials: accept.GrantedUserCreds}); err != nil {
		m.setPhase(peerID, PhaseFailed)
		return fmt.Errorf("offer to %s: persist link entry: %w", peerID, err)
	}
	if err := m.adapter.AddLeafUplink(ctx, accept.BrokerURL, accept.GrantedUserCreds); err != nil {
		m.setPhase(peerID, PhaseFailed)
		return fmt.Errorf("offer to %s: add leaf uplink: %w", peerID, err)
	}

	m.setPhase(peerID, PhaseLinked)
	return nil
}

// Listen subscribes the accept side to this device's offer subject
// and replies to every inbound LinkOffer until ctx is cancelled.
func (m *Manager) Listen(ctx context.Context) error {
	msgs, err := m.adapter.Subscribe(ctx, offerSubject(m.selfID))
	if err != nil {
		return fmt.Errorf("listen for link offers: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			reply := m.handleOffer(msg.Data)
			data, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			_ = msg.Reply(data, nil)
		}
	}
}

// ServeTrigger answers this device's trigger subject, driving the
// offer side of the handshake on the CLI's behalf, until ctx is
// cancelled.
func (m *Manager) ServeTrigger(ctx context.Context) error {
	msgs, err := m.adapter.Subscribe(ctx, TriggerSubject(m.selfID))
	if err != nil {
		return fmt.Errorf("listen for link triggers: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			reply := m.handleTrigger(ctx, msg.Data)
			data, err := json.Marshal(reply)
			if err != nil {
				continue
			}
			_ = msg.Reply(data, nil)
		}
	}
}

func (m *Manager) handleTrigger(ctx context.Context, data []byte) TriggerReply {
	var req TriggerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return TriggerReply{Reason: "malformed_request"}
	}
	if err := m.Offer(ctx, req.PeerID); err != nil {
		var failed *Failed
		if errors.As(err, &failed) {
			return TriggerReply{Reason: failed.Reason}
		}
		return TriggerReply{Reason: err.Error()}
	}
	return TriggerReply{Success: true}
}

// handleOffer implements the accept-side of spec sec 4.F.
func (m *Manager) handleOffer(data []byte) wire.LinkAccept {
	var offer wire.LinkOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		return wire.LinkAccept{Rejected: true, RejectReason: wire.RejectSignatureInvalid, HLC: m.clock.Now()}
	}

	if err := identity.Verify(offer.FromKey, offer.Nonce[:], offer.Signature); err != nil {
		return wire.LinkAccept{FromID: m.selfID, Rejected: true, RejectReason: wire.RejectSignatureInvalid, HLC: m.clock.Now()}
	}

	if m.admission != nil && !m.admission(offer) {
		return wire.LinkAccept{FromID: m.selfID, Rejected: true, RejectReason: wire.RejectNotAdmitted, HLC: m.clock.Now()}
	}

	cred, err := m.authority.Mint(offer.FromID)
	if err != nil {
		return wire.LinkAccept{FromID: m.selfID, Rejected: true, RejectReason: wire.RejectNotAdmitted, HLC: m.clock.Now()}
	}

	return wire.LinkAccept{
		FromID:           m.selfID,
		GrantedUserCreds: cred.Blob,
		BrokerURL:        m.brokerURL,
		HLC:              m.clock.Now(),
	}
}
