package consensus

import (
	"sort"

	"go.uber.org/zap"

	"github.com/chuycepeda/parity/acl"
	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/types"
)

// Session is the two-phase consensus coordinator embedded in a
// decryption session. See state.go for the state machine and the
// package doc for the locking discipline.
type Session struct {
	selfID       types.NodeID
	masterID     types.NodeID
	threshold    int
	documentID   types.SessionID
	checker      acl.Checker
	consensusTr  ConsensusTransport
	jobTr        JobTransport
	jobFactory   JobFactory

	state State
	err   error

	requesterSignature []byte

	candidates types.NodeSet
	requested  types.NodeSet
	confirmed  types.NodeSet
	rejected   types.NodeSet

	job             Job
	quorum          []types.NodeID
	currentRequestID string
	responses       map[types.NodeID]JobResponse

	result interface{}
	log    *zap.SugaredLogger
}

// NewSession constructs a consensus sub-session for self relative to
// master, with the given threshold t (a quorum is t+1) and the
// document identifier passed to the ACL oracle.
func NewSession(
	selfID, masterID types.NodeID,
	threshold int,
	documentID types.SessionID,
	checker acl.Checker,
	consensusTr ConsensusTransport,
	jobTr JobTransport,
	jobFactory JobFactory,
	log *zap.SugaredLogger,
) *Session {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Session{
		selfID:      selfID,
		masterID:    masterID,
		threshold:   threshold,
		documentID:  documentID,
		checker:     checker,
		consensusTr: consensusTr,
		jobTr:       jobTr,
		jobFactory:  jobFactory,
		state:       WaitingForInitialization,
		requested:   types.NewNodeSet(),
		confirmed:   types.NewNodeSet(),
		rejected:    types.NewNodeSet(),
		log:         log.With("self", selfID, "master", masterID, "document", documentID),
	}
}

func (s *Session) State() State { return s.state }
func (s *Session) Err() error   { return s.err }
func (s *Session) Result() interface{} { return s.result }

func (s *Session) IsFinished() bool {
	return s.state == Finished || s.state == Failed
}

func (s *Session) quorumNeeded() int { return s.threshold + 1 }

func (s *Session) fail(kind errkind.Kind, message string) error {
	s.state = Failed
	s.err = errkind.New(kind, message)
	s.log.Warnw("consensus session failed", "kind", kind, "reason", message)
	return s.err
}

// Initialize is the master-only phase-A entry point (§4.1). It records
// the requester signature, sends InitializeConsensusSession to every
// candidate but self, evaluates the ACL oracle locally for self, and
// transitions to EstablishingConsensus (or directly to
// ConsensusEstablished in the degenerate one-node case).
func (s *Session) Initialize(candidates []types.NodeID, requesterSignature []byte) error {
	if s.selfID != s.masterID {
		return errkind.New(errkind.InvalidStateForRequest, "only the master may initialize a consensus session")
	}
	if s.state != WaitingForInitialization {
		return errkind.New(errkind.InvalidStateForRequest, "consensus session already initialized")
	}
	if len(candidates) < s.quorumNeeded() {
		return s.fail(errkind.InvalidThreshold, "fewer candidates than threshold+1")
	}

	s.requesterSignature = requesterSignature
	s.candidates = types.NewNodeSet(candidates...)
	s.requested = types.NewNodeSet()
	for _, c := range candidates {
		if c != s.selfID {
			s.requested.Add(c)
		}
	}

	for _, c := range candidates {
		if c == s.selfID {
			continue
		}
		_ = s.consensusTr.SendInitialize(c, requesterSignature)
	}

	selfAllowed := s.evaluateACL(requesterSignature)
	if selfAllowed {
		s.confirmed.Add(s.selfID)
	} else {
		s.rejected.Add(s.selfID)
		if len(candidates) == 1 {
			// The sole candidate is self, and self's own ACL check
			// denied it: there is no one else to ask, so this is a
			// clean access denial rather than an unreachable quorum
			// (§4.1).
			return s.fail(errkind.AccessDenied, "sole candidate is self and self's ACL check denied the requester")
		}
	}

	return s.reevaluateEstablishing()
}

func (s *Session) evaluateACL(requesterSignature []byte) bool {
	pub, err := cryptoutil.RecoverPublicKey([]byte(s.documentID), requesterSignature)
	if err != nil {
		return false
	}
	return s.checker.Check(pub, s.documentID)
}

// reevaluateEstablishing checks the threshold conditions from
// EstablishingConsensus and moves to ConsensusEstablished or Failed as
// appropriate; otherwise it remains in EstablishingConsensus.
func (s *Session) reevaluateEstablishing() error {
	if s.confirmed.Len() >= s.quorumNeeded() {
		s.state = ConsensusEstablished
		s.log.Infow("consensus established", "confirmed", s.confirmed.Len())
		return nil
	}
	if s.requested.Len()+s.confirmed.Len() < s.quorumNeeded() {
		return s.fail(errkind.ConsensusUnreachable, "not enough candidates remain to reach threshold")
	}
	s.state = EstablishingConsensus
	return nil
}

// SlaveOnInitialize handles an inbound InitializeConsensusSession message
// (§4.1). The slave evaluates the ACL oracle and replies with
// ConfirmConsensusInitialization via the caller's ConsensusTransport,
// then awaits phase-B requests.
func (s *Session) SlaveOnInitialize(from types.NodeID, requesterSignature []byte) error {
	if from != s.masterID {
		return errkind.New(errkind.InvalidMessage, "InitializeConsensusSession from non-master sender")
	}
	if s.state != WaitingForInitialization {
		return errkind.New(errkind.InvalidStateForRequest, "consensus session already initialized")
	}

	s.requesterSignature = requesterSignature
	isConfirmed := s.evaluateACL(requesterSignature)
	s.state = ConsensusEstablished
	s.log.Infow("slave confirming consensus initialization", "confirmed", isConfirmed)
	return s.consensusTr.SendConfirm(s.masterID, isConfirmed)
}

// MasterOnConfirm handles an inbound ConfirmConsensusInitialization
// message (§4.1).
func (s *Session) MasterOnConfirm(from types.NodeID, isConfirmed bool) error {
	if s.selfID != s.masterID {
		return errkind.New(errkind.InvalidMessage, "ConfirmConsensusInitialization received by a non-master node")
	}
	if s.state == Finished || s.state == Failed {
		return nil // late confirmation after a terminal state; ignore
	}
	if !s.requested.Has(from) {
		return errkind.New(errkind.InvalidMessage, "ConfirmConsensusInitialization from unrequested node")
	}

	s.requested.Remove(from)
	if isConfirmed {
		s.confirmed.Add(from)
	} else {
		s.rejected.Add(from)
	}

	if s.state == EstablishingConsensus {
		// A rejection that leaves the quorum unreachable is recorded as
		// the session's terminal error (see Err), not reported as a fault
		// in this confirmation message.
		_ = s.reevaluateEstablishing()
	}
	return nil
}

// newRequestID picks a fresh, distinct-per-dissemination request
// identifier (§4.3).
func newRequestID() string {
	b, err := cryptoutil.NewScalar().MarshalBinary()
	if err != nil {
		// The suite's own scalar type always marshals.
		panic("consensus: request id scalar failed to marshal: " + err.Error())
	}
	return string(b)
}

// DisseminateJobs selects a quorum of exactly threshold+1 confirmed
// nodes, builds and sends the phase-B job request to each, and moves to
// WaitingForPartialResults (§4.1, §4.3). Callable from
// ConsensusEstablished (first dissemination) or WaitingForPartialResults
// (a restart after on_node_error during phase B).
func (s *Session) DisseminateJobs() error {
	if s.selfID != s.masterID {
		return errkind.New(errkind.InvalidStateForRequest, "only the master may disseminate jobs")
	}
	if s.state != ConsensusEstablished && s.state != WaitingForPartialResults {
		return errkind.New(errkind.InvalidStateForRequest, "cannot disseminate jobs from this state")
	}

	quorum, err := s.selectQuorum()
	if err != nil {
		return err
	}
	if s.job == nil {
		s.job = s.jobFactory.NewJob()
	}

	s.quorum = quorum
	s.currentRequestID = newRequestID()
	s.responses = make(map[types.NodeID]JobResponse, len(quorum))

	req := s.job.BuildRequest(s.currentRequestID, quorum)

	selfInQuorum := false
	for _, id := range quorum {
		if id == s.selfID {
			selfInQuorum = true
			continue
		}
		_ = s.jobTr.SendJobRequest(id, req)
	}
	s.state = WaitingForPartialResults

	if selfInQuorum {
		resp, err := s.job.HandleRequest(s.selfID, s.selfID, req)
		if err != nil {
			return s.fail(errkind.Internal, "master failed to compute its own partial response")
		}
		return s.recordResponse(s.selfID, resp)
	}
	return nil
}

// selectQuorum deterministically picks exactly threshold+1 confirmed
// nodes, preferring self first if confirmed, then ascending by NodeID
// (§4.3) so restarts converge instead of oscillating.
func (s *Session) selectQuorum() ([]types.NodeID, error) {
	if s.confirmed.Len() < s.quorumNeeded() {
		return nil, errkind.New(errkind.ConsensusUnreachable, "not enough confirmed nodes to form a quorum")
	}

	quorum := make([]types.NodeID, 0, s.quorumNeeded())
	if s.confirmed.Has(s.selfID) {
		quorum = append(quorum, s.selfID)
	}
	for _, id := range s.confirmed.SortedSlice() {
		if len(quorum) >= s.quorumNeeded() {
			break
		}
		if id == s.selfID {
			continue
		}
		quorum = append(quorum, id)
	}
	sort.Slice(quorum, func(i, j int) bool { return quorum[i] < quorum[j] })
	return quorum, nil
}

// SlaveOnJobRequest handles an inbound RequestPartialDecryption message
// (§4.3): validates it, computes the response via the Job, and sends it
// back through jobTr. The slave remains in ConsensusEstablished.
func (s *Session) SlaveOnJobRequest(from types.NodeID, req JobRequest) error {
	if from != s.masterID {
		return errkind.New(errkind.InvalidMessage, "RequestPartialDecryption from non-master sender")
	}
	if len(req.OtherNodeIDs) != s.quorumNeeded() {
		return errkind.New(errkind.InvalidMessage, "quorum size does not match threshold+1")
	}
	selfIncluded := false
	for _, id := range req.OtherNodeIDs {
		if id == s.selfID {
			selfIncluded = true
			break
		}
	}
	if !selfIncluded {
		return errkind.New(errkind.InvalidMessage, "self not included in job request quorum")
	}
	if s.job == nil {
		s.job = s.jobFactory.NewJob()
	}
	s.currentRequestID = req.RequestID

	resp, err := s.job.HandleRequest(s.selfID, from, req)
	if err != nil {
		return err
	}
	return s.jobTr.SendJobResponse(s.masterID, resp)
}

// MasterOnJobResponse handles an inbound PartialDecryption message
// (§4.1, §4.3).
func (s *Session) MasterOnJobResponse(from types.NodeID, resp JobResponse) error {
	if s.selfID != s.masterID {
		return errkind.New(errkind.InvalidMessage, "PartialDecryption received by a non-master node")
	}
	if s.state != WaitingForPartialResults {
		return errkind.New(errkind.InvalidStateForRequest, "not currently waiting for partial results")
	}
	if resp.RequestID != s.currentRequestID {
		return errkind.New(errkind.InvalidNodeForRequest, "stale request id")
	}
	inQuorum := false
	for _, id := range s.quorum {
		if id == from {
			inQuorum = true
			break
		}
	}
	if !inQuorum {
		return errkind.New(errkind.InvalidNodeForRequest, "response from a node outside the compute quorum")
	}
	if _, exists := s.responses[from]; exists {
		return errkind.New(errkind.InvalidNodeForRequest, "duplicate response from node")
	}
	return s.recordResponse(from, resp)
}

func (s *Session) recordResponse(from types.NodeID, resp JobResponse) error {
	s.responses[from] = resp
	if len(s.responses) < s.quorumNeeded() {
		return nil
	}

	result, err := s.job.Combine(s.quorum, s.responses)
	if err != nil {
		return s.fail(errkind.Internal, "failed to combine partial results")
	}
	s.result = result
	s.state = Finished
	s.log.Infow("consensus finished", "request_id", s.currentRequestID, "quorum", s.quorum)
	if s.selfID == s.masterID {
		_ = s.jobTr.BroadcastCompleted()
	}
	return nil
}

// OnNodeError moves node into the rejected set (wherever it currently is)
// and reports whether the master must rebuild the compute quorum: true
// iff the session was WaitingForPartialResults and node was a
// participant in that round (§4.1).
//
// Only the master tracks requested/confirmed against a threshold, so only
// the master can be pushed into Failed by this: a slave hearing about some
// other peer's timeout or error has nothing of its own to re-check and
// must stay put (a slave's own confirmed/requested sets are never
// populated — see SlaveOnInitialize).
func (s *Session) OnNodeError(node types.NodeID) bool {
	if s.candidates != nil && !s.candidates.Has(node) {
		return false
	}
	s.requested.Remove(node)
	s.confirmed.Remove(node)
	s.rejected.Add(node)

	if s.selfID != s.masterID {
		return false
	}

	switch s.state {
	case EstablishingConsensus:
		if s.requested.Len()+s.confirmed.Len() < s.quorumNeeded() {
			s.fail(errkind.ConsensusUnreachable, "not enough candidates remain to reach threshold")
		}
	case ConsensusEstablished:
		if s.confirmed.Len() < s.quorumNeeded() {
			s.fail(errkind.ConsensusUnreachable, "lost a confirmed participant before dissemination")
		}
	case WaitingForPartialResults:
		if s.confirmed.Len() < s.quorumNeeded() {
			s.fail(errkind.ConsensusUnreachable, "lost a quorum participant and cannot rebuild")
			return false
		}
		for _, id := range s.quorum {
			if id == node {
				return true
			}
		}
		return false
	}
	return false
}

// Abort force-terminates the session as Failed with a peer-reported
// reason. Used when a slave hears its master broadcast that the whole
// session has failed (§4.2 slave abort path) — a different event from
// OnNodeError's per-node bookkeeping, since here the master itself (the
// only node with a view of the global quorum) is declaring the session
// unrecoverable, not merely reporting one peer's disconnect.
func (s *Session) Abort(reason string) {
	if s.IsFinished() {
		return
	}
	s.fail(errkind.ConsensusUnreachable, reason)
}

// OnSessionTimeout treats every still-requested peer as having errored
// simultaneously (§4.1); typically terminal with ConsensusUnreachable.
func (s *Session) OnSessionTimeout() {
	for _, node := range s.requested.SortedSlice() {
		s.OnNodeError(node)
	}
	if !s.IsFinished() {
		s.fail(errkind.ConsensusUnreachable, "session timed out before reaching consensus")
	}
}

// SlaveOnSessionCompleted handles an inbound DecryptionSessionCompleted
// message: the slave releases its state (§4.2 slave completion path).
func (s *Session) SlaveOnSessionCompleted() error {
	if s.IsFinished() {
		return nil
	}
	s.state = Finished
	return nil
}
