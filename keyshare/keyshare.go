// Package keyshare defines the immutable data model a decryption session
// is constructed from: SessionMeta, the per-request AccessKey, the node's
// KeyShare, the Requester identity, and the session Result
// (SPEC_FULL.md §3).
package keyshare

import (
	"encoding/hex"

	"go.dedis.ch/kyber/v4"

	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/types"
)

// SessionMeta is immutable for the lifetime of a session. Its invariants
// (self in the participant set, master is a participant) are checked at
// construction by decryption.NewSession, not here.
type SessionMeta struct {
	SessionID    types.SessionID
	SelfNodeID   types.NodeID
	MasterNodeID types.NodeID
	Threshold    int
}

// IsMaster reports whether this node coordinates the session.
func (m SessionMeta) IsMaster() bool {
	return m.SelfNodeID == m.MasterNodeID
}

// AccessKey is the fresh per-request scalar the originating client
// generates, carried as `sub_session` on every wire message (§3). Together
// with SessionID it forms the DecryptionSessionID routing key.
type AccessKey struct {
	scalar kyber.Scalar
}

// NewAccessKey picks a fresh random access key.
func NewAccessKey() AccessKey {
	return AccessKey{scalar: cryptoutil.NewScalar()}
}

// AccessKeyFromScalar wraps an existing scalar, e.g. one decoded off the
// wire.
func AccessKeyFromScalar(s kyber.Scalar) AccessKey {
	return AccessKey{scalar: s}
}

func (k AccessKey) Scalar() kyber.Scalar {
	return k.scalar
}

// Hex returns the comparable/orderable hex encoding used as a map/sort
// key by the registry (types.DecryptionSessionID).
func (k AccessKey) Hex() types.AccessKeyHex {
	b, err := k.scalar.MarshalBinary()
	if err != nil {
		// A scalar picked by this package's own Suite always marshals;
		// a failure here means a foreign/corrupt scalar was injected.
		panic("keyshare: access key scalar failed to marshal: " + err.Error())
	}
	return types.AccessKeyHex(hex.EncodeToString(b))
}

func (k AccessKey) Equal(other AccessKey) bool {
	return k.scalar.Equal(other.scalar)
}

// KeyShare is this node's immutable share of a document's private key, as
// produced by the prior (out-of-scope) distributed key generation.
type KeyShare struct {
	Threshold      int
	IDNumbers      map[types.NodeID]kyber.Scalar // node -> evaluation point
	SecretShare    kyber.Scalar                  // nil after Zeroize
	CommonPoint    kyber.Point                   // nil if not yet started
	EncryptedPoint kyber.Point                   // nil if not yet started
}

// IsStarted reports whether this share is valid for use: both CommonPoint
// and EncryptedPoint must be present (§3 KeyShare invariant).
func (k *KeyShare) IsStarted() bool {
	return k.CommonPoint != nil && k.EncryptedPoint != nil
}

// Zeroize clears the secret share scalar so it does not linger in memory
// past the session's lifetime (§5 secret hygiene). Safe to call multiple
// times.
func (k *KeyShare) Zeroize() {
	if k.SecretShare != nil {
		k.SecretShare.Zero()
		k.SecretShare = nil
	}
}

// Requester is a signature over SessionID by the requesting client's key;
// the public key recoverable from it is the identity passed to the ACL
// oracle (§3, §6.3). ECIESPublicKey is the client's separate document-group
// encryption key, used only when a shadow decryption is requested: slaves
// encrypt their blinding coefficient to it so only the requester can finish
// the combination locally.
type Requester struct {
	Signature      []byte
	ECIESPublicKey kyber.Point
}

// RecoverPublicKey recovers the requester's public key, proving their
// identity to the ACL oracle.
func (r Requester) RecoverPublicKey(sessionID types.SessionID) ([]byte, error) {
	return cryptoutil.RecoverPublicKey([]byte(sessionID), r.Signature)
}

// DecryptShadow is one node's blinding coefficient, ECIES-encrypted to
// the requester's public key, included in a shadow-mode Result (§3, §4.3).
type DecryptShadow struct {
	NodeID    types.NodeID
	Encrypted []byte
}

// Result is the EncryptedDocumentKeyShadow produced on the master once
// consensus finishes (§3). In plain mode CommonPoint and DecryptShadows
// are nil; in shadow mode both are populated and DecryptedSecret is
// masked rather than the final plaintext key.
type Result struct {
	DecryptedSecret kyber.Point
	CommonPoint     kyber.Point
	DecryptShadows  []DecryptShadow
}

// IsShadow reports whether this is a shadow-mode result.
func (r *Result) IsShadow() bool {
	return r != nil && r.CommonPoint != nil
}
