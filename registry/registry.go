// Package registry implements the session registry concretized in
// SPEC_FULL.md §4.4: it keys live decryption.Session instances by
// DecryptionSessionId and dispatches inbound messages to the right one,
// reaping finished sessions on a grace-period timer in the background.
//
// This is deliberately not a generic cache: eviction here keys off a
// session reaching IsFinished(), not off an LRU capacity bound, since a
// session that is still exchanging phase-A/phase-B messages must never
// be evicted no matter how old it is, and one that has finished serves
// no purpose kept around past the grace period needed for a slow
// straggler's completion broadcast to land.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chuycepeda/parity/decryption"
	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/types"
)

func errUnknownSession(id types.DecryptionSessionID) error {
	return errkind.Newf(errkind.NotStartedSessionID, "no session registered for %s", id)
}

// Session is the subset of decryption.Session the registry needs to
// route messages and decide when an entry is reapable.
type Session interface {
	ProcessMessage(from types.NodeID, msg decryption.Message) error
	IsFinished() bool
}

type entry struct {
	session    Session
	finishedAt time.Time // zero until IsFinished() first observed true
}

// Registry holds every live decryption session on a node, keyed by its
// (session_id, access_key) routing pair (§6.4).
type Registry struct {
	mu      sync.RWMutex
	entries map[types.DecryptionSessionID]*entry

	gracePeriod time.Duration
	log         *zap.SugaredLogger

	stop chan struct{}
	once sync.Once
}

// New constructs an empty Registry. gracePeriod is how long a finished
// session is kept reachable after completion before the reaper evicts it
// (e.g. so a late stale-request-id response can still be rejected with a
// meaningful error instead of "unknown session").
func New(gracePeriod time.Duration, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		entries:     make(map[types.DecryptionSessionID]*entry),
		gracePeriod: gracePeriod,
		log:         log,
		stop:        make(chan struct{}),
	}
}

// Register adds a new session under id. It overwrites any existing entry
// for the same id, matching the intended usage of a fresh AccessKey per
// request making collisions practically impossible.
func (r *Registry) Register(id types.DecryptionSessionID, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{session: session}
	r.log.Infow("registered decryption session", "id", id)
}

// Lookup returns the session registered under id, if any.
func (r *Registry) Lookup(id types.DecryptionSessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Dispatch routes an inbound message to the session named by id,
// returning an error if no such session is registered.
func (r *Registry) Dispatch(id types.DecryptionSessionID, from types.NodeID, msg decryption.Message) error {
	session, ok := r.Lookup(id)
	if !ok {
		return errUnknownSession(id)
	}
	return session.ProcessMessage(from, msg)
}

// Remove drops id immediately, bypassing the grace period; used when a
// caller knows a session's result has already been consumed.
func (r *Registry) Remove(id types.DecryptionSessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Len reports the number of currently registered sessions (finished or
// not), chiefly for tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reap starts the background goroutine that evicts sessions that have
// been finished for longer than gracePeriod, checking every interval.
// Calling Reap more than once is a no-op; Close stops it.
func (r *Registry) Reap(interval time.Duration) {
	r.once.Do(func() {
		go r.reapLoop(interval)
	})
}

func (r *Registry) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if !e.session.IsFinished() {
			continue
		}
		if e.finishedAt.IsZero() {
			e.finishedAt = now
			continue
		}
		if now.Sub(e.finishedAt) >= r.gracePeriod {
			delete(r.entries, id)
			r.log.Infow("reaped finished decryption session", "id", id)
		}
	}
}

// Close stops the reaper goroutine, if running. Safe to call even if
// Reap was never called.
func (r *Registry) Close() {
	close(r.stop)
}

// NodeHandler adapts a Registry into a cluster.Handler: a single node
// typically runs many concurrent decryption sessions (one per in-flight
// request), so the per-node transport binding routes by the
// session/sub_session envelope carried on every decryption.Message
// rather than by a 1:1 session-to-handler mapping (§6.4).
type NodeHandler struct {
	registry *Registry
}

// NewNodeHandler wraps registry as a cluster.Handler.
func NewNodeHandler(registry *Registry) *NodeHandler {
	return &NodeHandler{registry: registry}
}

// HandleMessage implements cluster.Handler.
func (h *NodeHandler) HandleMessage(from types.NodeID, raw interface{}) {
	msg, ok := raw.(decryption.Message)
	if !ok {
		return
	}
	id := types.DecryptionSessionID{SessionID: msg.SessionID, AccessKey: msg.AccessKey}
	if err := h.registry.Dispatch(id, from, msg); err != nil {
		h.registry.log.Warnw("dropping undeliverable decryption message", "id", id, "from", from, "error", err)
	}
}
