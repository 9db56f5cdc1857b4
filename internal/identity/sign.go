package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrSignatureInvalid is the sentinel error for a failed verification,
// reported without further detail per spec sec 4.B.
var ErrSignatureInvalid = errdefs.ErrPermissionDenied

// Nonce draws 32 random bytes for a link offer (spec sec 4.F step 1).
func Nonce() ([32]byte, error) {
	var n [32]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// Sign produces a 64-byte ed25519 signature over msg using the device's
// private key.
func (id Identity) Sign(msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(id.PrivateKey, msg))
	return sig
}

// Verify checks an ed25519 signature over msg against pub. Failures are
// reported as SignatureInvalid without further detail (spec sec 4.B).
func Verify(pub [32]byte, msg []byte, sig [64]byte) error {
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:]) {
		return fmt.Errorf("signature invalid: %w", ErrSignatureInvalid)
	}
	return nil
}
