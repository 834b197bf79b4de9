// Package cluster defines the cluster transport contract (SPEC_FULL.md
// §6.2) that the consensus sub-session and decryption session depend on,
// and an in-memory reference implementation used by tests and the demo
// harness (cmd/decryptiond). A production deployment substitutes a real
// networked transport behind the same Transport interface.
package cluster

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/chuycepeda/parity/types"
)

// Transport is the directed/broadcast send contract a session's consensus
// sub-session uses to reach peers (§6.2). Send and Broadcast must be
// non-blocking or bounded — no entry point may hold the session mutex
// across a blocking network operation (§5).
type Transport interface {
	Send(to types.NodeID, msg interface{}) error
	Broadcast(msg interface{}) error
}

// Handler receives messages delivered by a Transport. A decryption
// session implements Handler to receive dispatch from the registry (§6.4).
type Handler interface {
	HandleMessage(from types.NodeID, msg interface{})
}

// Cluster is an in-memory, in-process stand-in for a real cluster
// transport: one FIFO inbox per node, drained by a dedicated goroutine so
// that messages from a given sender are delivered to a receiver in the
// order they were sent, matching §5's ordering guarantee, while Send
// itself never blocks the caller beyond the channel's buffer.
type Cluster struct {
	mu           sync.Mutex
	handlers     map[types.NodeID]Handler
	inboxes      map[types.NodeID]chan envelope
	disconnected map[types.NodeID]bool
	stop         map[types.NodeID]chan struct{}
}

type envelope struct {
	from types.NodeID
	msg  interface{}
}

const inboxSize = 256

// NewCluster creates an empty cluster. Nodes join via Join.
func NewCluster() *Cluster {
	return &Cluster{
		handlers:     make(map[types.NodeID]Handler),
		inboxes:      make(map[types.NodeID]chan envelope),
		disconnected: make(map[types.NodeID]bool),
		stop:         make(map[types.NodeID]chan struct{}),
	}
}

// Join registers a node's handler and returns a Transport bound to that
// node's identity (its "self" for outgoing Send/Broadcast calls).
func (c *Cluster) Join(id types.NodeID, handler Handler) Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	inbox := make(chan envelope, inboxSize)
	stop := make(chan struct{})
	c.handlers[id] = handler
	c.inboxes[id] = inbox
	c.stop[id] = stop

	go c.deliverLoop(id, inbox, stop)

	return &nodeTransport{self: id, cluster: c}
}

func (c *Cluster) deliverLoop(id types.NodeID, inbox chan envelope, stop chan struct{}) {
	for {
		select {
		case e := <-inbox:
			c.mu.Lock()
			handler := c.handlers[id]
			c.mu.Unlock()
			if handler != nil {
				handler.HandleMessage(e.from, e.msg)
			}
		case <-stop:
			return
		}
	}
}

// Disconnect marks id as unreachable: further sends to it are dropped,
// mimicking the transport-level disconnect notification named in §6.2
// (the notification itself — on_node_timeout — is the caller's job to
// raise against the affected sessions; Disconnect only changes routing).
func (c *Cluster) Disconnect(id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected[id] = true
}

// Reconnect reverses Disconnect.
func (c *Cluster) Reconnect(id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disconnected, id)
}

// Leave stops id's delivery goroutine and removes it from the cluster.
func (c *Cluster) Leave(id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.stop[id]; ok {
		close(stop)
	}
	delete(c.handlers, id)
	delete(c.inboxes, id)
	delete(c.stop, id)
}

func (c *Cluster) send(from, to types.NodeID, msg interface{}) error {
	c.mu.Lock()
	if c.disconnected[to] || c.disconnected[from] {
		c.mu.Unlock()
		return errors.Errorf("cluster: node %s unreachable", to)
	}
	inbox, ok := c.inboxes[to]
	c.mu.Unlock()
	if !ok {
		return errors.Errorf("cluster: unknown node %s", to)
	}
	select {
	case inbox <- envelope{from: from, msg: msg}:
		return nil
	default:
		return errors.Errorf("cluster: inbox full for node %s", to)
	}
}

func (c *Cluster) peers(except types.NodeID) []types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.NodeID, 0, len(c.handlers))
	for id := range c.handlers {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// nodeTransport is the Transport a single node uses to address the rest
// of the cluster.
type nodeTransport struct {
	self    types.NodeID
	cluster *Cluster
}

func (t *nodeTransport) Send(to types.NodeID, msg interface{}) error {
	return t.cluster.send(t.self, to, msg)
}

func (t *nodeTransport) Broadcast(msg interface{}) error {
	var firstErr error
	for _, peer := range t.cluster.peers(t.self) {
		if err := t.cluster.send(t.self, peer, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
