package cryptoutil

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"
)

// SignatureSize is the length of a recoverable ECDSA signature: 32-byte r,
// 32-byte s, and a 1-byte recovery id, matching the requester signature
// scheme of the original secret store (§3 Requester).
const SignatureSize = 65

// GenerateRequesterKey produces a fresh secp256k1 keypair for tests and
// the demo harness to play the requesting client's identity.
func GenerateRequesterKey() (*secp256k1.PrivateKey, *secp256k1.PublicKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate requester key")
	}
	return priv, priv.PubKey(), nil
}

// SignSessionID produces a recoverable signature over sessionID using the
// requester's private key — used by tests and the demo harness to play
// the client role; a real client signs with its own key material.
func SignSessionID(priv *secp256k1.PrivateKey, sessionID []byte) ([]byte, error) {
	h := sha256.Sum256(sessionID)
	sig := ecdsa.SignCompact(priv, h[:], false)
	// SignCompact returns [recovery-id || r || s]; reorder to [r || s ||
	// recovery-id] so the wire layout matches SignatureSize above.
	if len(sig) != SignatureSize {
		return nil, errors.Errorf("unexpected compact signature length %d", len(sig))
	}
	out := make([]byte, SignatureSize)
	copy(out[:64], sig[1:])
	out[64] = sig[0]
	return out, nil
}

// RecoverPublicKey recovers the requester's public key from a signature
// over sessionID, proving the client's identity to every participating
// node (§3 Requester, §6.3 ACL oracle contract). It does not validate
// authorization — that is the ACL oracle's job.
func RecoverPublicKey(sessionID []byte, signature []byte) ([]byte, error) {
	if len(signature) != SignatureSize {
		return nil, errors.Errorf("requester signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	compact := make([]byte, SignatureSize)
	compact[0] = signature[64]
	copy(compact[1:], signature[:64])

	h := sha256.Sum256(sessionID)
	pub, _, err := ecdsa.RecoverCompact(compact, h[:])
	if err != nil {
		return nil, errors.Wrap(err, "recover requester public key")
	}
	return pub.SerializeCompressed(), nil
}
