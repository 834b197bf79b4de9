package cryptoutil

import (
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/encrypt/ecies"
)

// EncryptToPublic ECIES-encrypts payload under pub, used for the per-node
// decrypt_shadow coefficient that only the requester can later open
// (§4.3 shadow mode). Grounded on DeDiS-crypto's encrypt/ecies package.
func EncryptToPublic(pub kyber.Point, payload []byte) ([]byte, error) {
	return ecies.Encrypt(Suite, pub, payload, Suite.Hash)
}

// DecryptWithPrivate reverses EncryptToPublic given the requester's
// private key; used only by the requester, never by cluster nodes.
func DecryptWithPrivate(priv kyber.Scalar, ciphertext []byte) ([]byte, error) {
	return ecies.Decrypt(Suite, priv, ciphertext, Suite.Hash)
}
