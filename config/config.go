// Package config holds the small set of knobs the demo harness and any
// future real transport binding need at startup: this node's identity,
// the cluster's shape, the node/session timeout values, and the registry
// grace period (SPEC_FULL.md §2 ambient stack).
package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/types"
)

// Config is the static configuration a decryption node is started with.
type Config struct {
	// NodeID is this node's identity within the cluster.
	NodeID types.NodeID

	// ClusterSize is the number of nodes participating in every key
	// share; Threshold must be strictly less than it.
	ClusterSize int

	// Threshold is t in the (t+1)-of-n scheme: a quorum is Threshold+1.
	Threshold int

	// NodeTimeout is the per-peer unresponsiveness bound for
	// on_node_timeout. No code in this module reads it: the demo never
	// reports a node timeout.
	NodeTimeout time.Duration

	// SessionTimeout is the whole-session lifetime bound for
	// on_session_timeout. No code in this module reads it: the demo never
	// fires a session timeout.
	SessionTimeout time.Duration

	// RegistryGracePeriod is how long a finished session stays
	// reachable in the registry before the reaper evicts it.
	RegistryGracePeriod time.Duration
}

// Default returns a Config with the demo harness's defaults.
func Default() Config {
	return Config{
		ClusterSize:         4,
		Threshold:           1,
		NodeTimeout:         5 * time.Second,
		SessionTimeout:      30 * time.Second,
		RegistryGracePeriod: time.Minute,
	}
}

// BindFlags registers this Config's fields onto fs, so a cobra command
// can populate it from CLI flags.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar((*string)(&c.NodeID), "node-id", string(c.NodeID), "this node's identity within the cluster")
	fs.IntVar(&c.ClusterSize, "cluster-size", c.ClusterSize, "number of nodes sharing the document key")
	fs.IntVar(&c.Threshold, "threshold", c.Threshold, "decryption threshold t (quorum is t+1)")
	fs.DurationVar(&c.NodeTimeout, "node-timeout", c.NodeTimeout, "per-peer timeout (not used by the demo)")
	fs.DurationVar(&c.SessionTimeout, "session-timeout", c.SessionTimeout, "whole-session timeout (not used by the demo)")
	fs.DurationVar(&c.RegistryGracePeriod, "registry-grace-period", c.RegistryGracePeriod, "how long a finished session stays queryable")
}

// Validate checks the invariants decryption.NewSession will otherwise
// reject one node at a time, surfacing a single clear error at startup
// instead.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errkind.New(errkind.InvalidNodesConfiguration, "node-id must be set")
	}
	if c.ClusterSize <= 0 {
		return errkind.New(errkind.InvalidNodesConfiguration, "cluster-size must be positive")
	}
	if c.Threshold < 0 || c.Threshold >= c.ClusterSize {
		return errkind.New(errkind.InvalidThreshold, "threshold must satisfy 0 <= threshold < cluster-size")
	}
	return nil
}
