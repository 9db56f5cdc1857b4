// Package credential mints per-peer broker credentials for the link
// protocol (spec sec 4.D). It holds the account-level NKey signing
// material and issues scoped user credentials on demand, keyed by peer
// device id so a re-offer replaces rather than accumulates.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/nats-io/nkeys"
)

// Credential is the opaque blob handed to a peer once and then
// forgotten by the authority (spec sec 3 ownership summary).
type Credential struct {
	// PeerID is the device id this credential is scoped to.
	PeerID string
	// Scope is the subject permission granted, always peers/{self_id}/>.
	Scope string
	// Blob is the serialized credential file content the peer writes
	// to disk through the transport adapter's AddLeafUplink, as the leaf
	// remote's credentials file.
	Blob []byte
}

type record struct {
	userSeed []byte
	userPub  string
}

// Authority holds the account signing key and the live peer-credential
// table. One Authority per daemon; grounded on the teacher's
// registry upsert-by-id idiom (overwrite on re-mint, sec "Credential
// minting side effects").
type Authority struct {
	mu       sync.Mutex
	account  nkeys.KeyPair
	accounts map[string]record // peerID -> issued user keypair
	selfID   string
	statePath string
}

// file is the on-disk persistence shape for the account signing key,
// so re-minted credentials after a restart are still signed by the
// same authority.
type file struct {
	AccountSeed string `json:"account_seed"`
}

// LoadOrCreate loads the authority's account signing key from
// statePath, generating one on first run (mirrors identity.LoadOrCreate's
// generate-then-persist shape).
func LoadOrCreate(statePath, selfID string) (*Authority, error) {
	a := &Authority{
		accounts:  make(map[string]record),
		selfID:    selfID,
		statePath: statePath,
	}

	data, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read authority state: %w", err)
		}
		kp, err := nkeys.CreateAccount()
		if err != nil {
			return nil, fmt.Errorf("generate account key: %w", err)
		}
		a.account = kp
		if err := a.persist(); err != nil {
			return nil, err
		}
		return a, nil
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse authority state: %w", err)
	}
	kp, err := nkeys.FromSeed([]byte(f.AccountSeed))
	if err != nil {
		return nil, fmt.Errorf("restore account key: %w", err)
	}
	a.account = kp
	return a, nil
}

func (a *Authority) persist() error {
	seed, err := a.account.Seed()
	if err != nil {
		return fmt.Errorf("export account seed: %w", err)
	}
	data, err := json.MarshalIndent(file{AccountSeed: string(seed)}, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.statePath)
}

// Mint issues (or re-issues) a user credential scoped to
// peers/{self_id}/> for the given peer id. Idempotent: a second call
// for the same peer id overwrites the first, invalidating it logically
// (the authority no longer vouches for the old user public key).
func (a *Authority) Mint(peerID string) (*Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	user, err := nkeys.CreateUser()
	if err != nil {
		return nil, fmt.Errorf("mint credential for %s: %w", peerID, err)
	}
	seed, err := user.Seed()
	if err != nil {
		return nil, fmt.Errorf("mint credential for %s: %w", peerID, err)
	}
	pub, err := user.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("mint credential for %s: %w", peerID, err)
	}

	sig, err := a.account.Sign([]byte(pub))
	if err != nil {
		return nil, fmt.Errorf("sign credential for %s: %w", peerID, err)
	}
	accountPub, err := a.account.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("mint credential for %s: %w", peerID, err)
	}

	scope := fmt.Sprintf("peers/%s/>", a.selfID)
	blob, err := encodeCreds(accountPub, pub, scope, sig, seed)
	if err != nil {
		return nil, fmt.Errorf("encode credential for %s: %w", peerID, err)
	}

	// Overwrite: the prior record for this peer id, if any, is dropped
	// and its user keypair never reused.
	a.accounts[peerID] = record{userSeed: seed, userPub: pub}

	return &Credential{PeerID: peerID, Scope: scope, Blob: blob}, nil
}

// Revoke forgets the issued credential for a peer id so a future
// admission check (driven by the broker's own authorization plugin,
// out of Avena's scope) can no longer find it vouched for.
func (a *Authority) Revoke(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.accounts, peerID)
}

func encodeCreds(accountPub, userPub, scope string, sig, userSeed []byte) ([]byte, error) {
	doc := struct {
		Account   string `json:"account"`
		User      string `json:"user"`
		Scope     string `json:"scope"`
		Signature string `json:"signature"`
		UserSeed  string `json:"user_seed"`
	}{
		Account:   accountPub,
		User:      userPub,
		Scope:     scope,
		Signature: base64.StdEncoding.EncodeToString(sig),
		UserSeed:  base64.StdEncoding.EncodeToString(userSeed),
	}
	return json.MarshalIndent(doc, "", "  ")
}
