// Package identity owns the device's ed25519 keypair and UUID (spec sec
// 3, sec 4.B). It is generalized from the teacher's
// machine.loadOrCreateIdentity: a WireGuard keypair there becomes an
// ed25519 signing keypair here, written with the same
// write-temp-then-rename discipline.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const fileName = "identity.json"

// Identity is the device's immutable, first-boot-generated identity.
type Identity struct {
	ID           string
	PublicKey    ed25519.PublicKey
	PrivateKey   ed25519.PrivateKey // 64 bytes: seed || pubkey, per crypto/ed25519
	NetworkToken []byte
}

// Seed returns the 32-byte ed25519 seed, matching spec sec 3's
// "private seed (32 bytes)" field.
func (id Identity) Seed() []byte {
	return id.PrivateKey.Seed()
}

type identityFile struct {
	ID           string `json:"id"`
	PublicKey    string `json:"pubkey"`
	Seed         string `json:"seed"`
	NetworkToken string `json:"network_token,omitempty"`
}

// LoadOrCreate reads the identity from dataDir, generating and
// persisting one on first boot (spec sec 4.B). The identity is
// immutable once created.
func LoadOrCreate(dataDir string) (Identity, error) {
	path := filepath.Join(dataDir, fileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return parse(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}

	id, err := generate()
	if err != nil {
		return Identity{}, err
	}
	if err := save(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func parse(data []byte) (Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Identity{}, fmt.Errorf("parse identity: %w", err)
	}

	pub, err := base64.StdEncoding.DecodeString(f.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Identity{}, fmt.Errorf("parse identity: invalid public key")
	}
	seed, err := base64.StdEncoding.DecodeString(f.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("parse identity: invalid seed")
	}

	var token []byte
	if f.NetworkToken != "" {
		token, err = base64.StdEncoding.DecodeString(f.NetworkToken)
		if err != nil {
			return Identity{}, fmt.Errorf("parse identity: invalid network token")
		}
	}

	return Identity{
		ID:           f.ID,
		PublicKey:    ed25519.PublicKey(pub),
		PrivateKey:   ed25519.NewKeyFromSeed(seed),
		NetworkToken: token,
	}, nil
}

func generate() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate keypair: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Identity{}, fmt.Errorf("generate device id: %w", err)
	}
	return Identity{
		ID:         id.String(),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

func save(path string, id Identity) error {
	f := identityFile{
		ID:        id.ID,
		PublicKey: base64.StdEncoding.EncodeToString(id.PublicKey),
		Seed:      base64.StdEncoding.EncodeToString(id.Seed()),
	}
	if len(id.NetworkToken) > 0 {
		f.NetworkToken = base64.StdEncoding.EncodeToString(id.NetworkToken)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename identity: %w", err)
	}
	return nil
}
