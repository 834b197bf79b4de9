// Package consensus implements the reusable two-phase consensus
// sub-session described in SPEC_FULL.md §4.1: phase A gathers
// access-check confirmations, phase B disseminates work items to a
// chosen quorum and collects responses, with rejection and
// re-dissemination on failure.
//
// A Session here holds no lock of its own — per §5, all mutable session
// state lives behind a single exclusive lock owned by the enclosing
// decryption.Session, which serializes every call into a Session.
package consensus

import "github.com/chuycepeda/parity/types"

// State is the consensus sub-session's explicit state tag (§4.1, §9:
// "express the consensus phases as an explicit enumerated state tag...
// forbid transitions other than those enumerated").
type State int

const (
	WaitingForInitialization State = iota
	EstablishingConsensus
	ConsensusEstablished
	WaitingForPartialResults
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case WaitingForInitialization:
		return "waiting_for_initialization"
	case EstablishingConsensus:
		return "establishing_consensus"
	case ConsensusEstablished:
		return "consensus_established"
	case WaitingForPartialResults:
		return "waiting_for_partial_results"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown_state"
	}
}

// JobRequest is the phase-B work item a master sends to each node in the
// chosen quorum (§4.3).
type JobRequest struct {
	RequestID    string
	OtherNodeIDs []types.NodeID
	Payload      interface{}
}

// JobResponse is a slave's phase-B reply.
type JobResponse struct {
	RequestID string
	Payload   interface{}
}

// Job is the per-round cryptographic work item produced by a JobFactory
// (§4.3). The consensus package is domain-agnostic: it knows how to drive
// requested/confirmed/rejected bookkeeping and quorum selection, but
// delegates all cryptography to Job.
type Job interface {
	// BuildRequest constructs the request payload for a fresh
	// dissemination round addressed to quorum, tagged with requestID.
	BuildRequest(requestID string, quorum []types.NodeID) JobRequest

	// HandleRequest validates req and computes this node's response. Self
	// is this node's id; from is the sender (always the master in a
	// well-formed protocol run, but passed through so the job can assert
	// it if it wishes).
	HandleRequest(self, from types.NodeID, req JobRequest) (JobResponse, error)

	// Combine is invoked on the master once a full quorum of responses
	// has been collected, producing the domain result (a
	// keyshare.Result, opaque to this package).
	Combine(quorum []types.NodeID, responses map[types.NodeID]JobResponse) (interface{}, error)
}

// JobFactory produces a Job bound to this session's phase-B options (e.g.
// whether shadow decryption was requested). It is consulted at most once
// per session: on the master the first time it disseminates jobs, so job
// creation can be deferred until the quorum is known (§4.2), and on a
// slave when its first job request arrives.
type JobFactory interface {
	NewJob() Job
}

// ConsensusTransport carries phase-A messages (§6.1).
type ConsensusTransport interface {
	SendInitialize(to types.NodeID, requesterSignature []byte) error
	SendConfirm(to types.NodeID, isConfirmed bool) error
}

// JobTransport carries phase-B messages and the completion broadcast
// (§6.1).
type JobTransport interface {
	SendJobRequest(to types.NodeID, req JobRequest) error
	SendJobResponse(to types.NodeID, resp JobResponse) error
	BroadcastCompleted() error
}
