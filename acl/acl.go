// Package acl defines the access-control oracle contract (SPEC_FULL.md
// §6.3) and a simple reference implementation for tests and the demo.
package acl

import (
	"encoding/hex"
	"sync"

	"github.com/chuycepeda/parity/types"
)

// Checker is the external access-control oracle: a boolean predicate over
// (requester, document). It is pure with respect to a session and safe
// for concurrent use across sessions (§5 shared resources).
type Checker interface {
	Check(requesterPublicKey []byte, documentID types.SessionID) bool
}

// StaticOracle is a default-allow, deny-list Checker sufficient for tests and the
// demo harness; a production deployment substitutes a real backend behind
// the same Checker interface.
type StaticOracle struct {
	mu sync.RWMutex
	// denied maps a hex-encoded public key to the set of document ids it
	// is denied access to. A key absent from this map is allowed
	// everywhere, matching the "default allow" shape of the pack's
	// ACL-oracle scenarios (§8 scenario 3/4 use explicit denials only).
	denied map[string]map[types.SessionID]struct{}
}

// NewStaticOracle returns an oracle that allows every (requester,
// document) pair until Deny is called.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{denied: make(map[string]map[types.SessionID]struct{})}
}

// Deny marks requesterPublicKey as denied access to documentID.
func (o *StaticOracle) Deny(requesterPublicKey []byte, documentID types.SessionID) {
	key := hex.EncodeToString(requesterPublicKey)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.denied[key] == nil {
		o.denied[key] = make(map[types.SessionID]struct{})
	}
	o.denied[key][documentID] = struct{}{}
}

// Check implements Checker.
func (o *StaticOracle) Check(requesterPublicKey []byte, documentID types.SessionID) bool {
	key := hex.EncodeToString(requesterPublicKey)
	o.mu.RLock()
	defer o.mu.RUnlock()
	docs, ok := o.denied[key]
	if !ok {
		return true
	}
	_, denied := docs[documentID]
	return !denied
}
