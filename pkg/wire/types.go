// Package wire holds the payload shapes that cross the mesh: device
// records, link offer/accept envelopes, and workload desired-state
// records. Types here are plain, JSON-serializable structs with no
// behavior — the logic that produces and consumes them lives in the
// owning packages (discovery, link, reconcile).
package wire

import "avena/internal/hlc"

// DeviceIdentity is the on-disk identity record for this device (sec 3,
// sec 6 "Identity file"). PublicKey and Seed are raw 32-byte ed25519
// values; the JSON encoding (identity's identityFile) base64-encodes them.
type DeviceIdentity struct {
	ID           string
	PublicKey    [32]byte
	Seed         [32]byte
	NetworkToken []byte
}

// DeviceRecord is discovery's view of a peer, stored at devices/{id}.
type DeviceRecord struct {
	ID           string         `json:"id"`
	PublicKey    string         `json:"pubkey"`
	LastSeen     hlc.Timestamp  `json:"last_seen"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Deadline     int64          `json:"deadline_unix_ms"`
}

// LinkOffer is the offer-side request/reply payload. Never stored.
type LinkOffer struct {
	FromID    string        `json:"from_id"`
	FromKey   [32]byte      `json:"from_pubkey"`
	Nonce     [32]byte      `json:"nonce"`
	Signature [64]byte      `json:"signature"`
	HLC       hlc.Timestamp `json:"hlc"`
}

// LinkRejectReason enumerates why an accept side refused an offer.
type LinkRejectReason string

const (
	RejectSignatureInvalid LinkRejectReason = "signature_invalid"
	RejectNotAdmitted      LinkRejectReason = "not_admitted"
)

// LinkAccept is the accept-side reply payload. Never stored.
type LinkAccept struct {
	FromID            string        `json:"from_id"`
	GrantedUserCreds  []byte        `json:"granted_user_creds"`
	BrokerURL         string        `json:"broker_url"`
	HLC               hlc.Timestamp `json:"hlc"`
	Rejected          bool          `json:"rejected,omitempty"`
	RejectReason      LinkRejectReason `json:"reject_reason,omitempty"`
}

// WorkloadSpec is the container shape of a workload (sec 3). Field order
// here drives canonical JSON marshaling for the unit emitter's
// determinism guarantee; env/args are preserved in author order, mounts
// and ports are stored as given and sorted by the unit emitter when it
// renders them.
type WorkloadSpec struct {
	Image   string            `json:"image"`
	Tag     string            `json:"tag,omitempty"`
	Cmd     string            `json:"cmd,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     []string          `json:"env,omitempty"`
	Mounts  []Mount           `json:"mounts,omitempty"`
	Ports   []PortMapping     `json:"ports,omitempty"`
	Volumes []string          `json:"volumes,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

type PortMapping struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// WorkloadDesiredState is the full record stored in the workloads bucket
// at key device.{device_id}.{workload_name} (sec 3, invariant I2).
type WorkloadDesiredState struct {
	Name      string        `json:"name"`
	Spec      WorkloadSpec  `json:"spec"`
	Timestamp hlc.Timestamp `json:"timestamp"`
	Issuer    string        `json:"issuer"`
	Forced    bool          `json:"forced"`
}
