package decryption

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/chuycepeda/parity/acl"
	"github.com/chuycepeda/parity/cluster"
	"github.com/chuycepeda/parity/consensus"
	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/keyshare"
	"github.com/chuycepeda/parity/types"
)

var (
	errNotRequestPayload  = errkind.New(errkind.Internal, "job request payload is not a decryption requestPayload")
	errNotResponsePayload = errkind.New(errkind.Internal, "job response payload is not a decryption responsePayload")
)

// Session is the decryption-specific orchestrator named in §4.2: it owns
// the single exclusive lock guarding both its own bookkeeping and the
// embedded consensus.Session (which holds none of its own, per that
// package's doc comment), and bridges consensus/job messages to and from
// a cluster.Transport.
type Session struct {
	mu   sync.Mutex
	cond *sync.Cond

	meta      keyshare.SessionMeta
	accessKey keyshare.AccessKey
	keyShare  *keyshare.KeyShare
	requester *keyshare.Requester // non-nil iff meta.IsMaster()

	transport cluster.Transport
	factory   *JobFactory
	consensus *consensus.Session

	initialized        bool
	isShadowDecryption *bool

	notifiedTerminal bool
	done             bool
	result           *keyshare.Result
	err              error

	log *zap.SugaredLogger
}

// NewSession constructs a decryption session, checking the four ordered
// preconditions from §4.2: the key share must be started, self must be a
// participant, there must be at least threshold+1 participants, and a
// requester identity must be present if and only if self is the master.
func NewSession(
	meta keyshare.SessionMeta,
	accessKey keyshare.AccessKey,
	keyShare *keyshare.KeyShare,
	checker acl.Checker,
	transport cluster.Transport,
	requester *keyshare.Requester,
	log *zap.SugaredLogger,
) (*Session, error) {
	if !keyShare.IsStarted() {
		return nil, errkind.New(errkind.NotStartedSessionID, "key share has no common/encrypted point")
	}
	if _, ok := keyShare.IDNumbers[meta.SelfNodeID]; !ok {
		return nil, errkind.New(errkind.InvalidNodesConfiguration, "self is not a participant in this key share")
	}
	if len(keyShare.IDNumbers) < meta.Threshold+1 {
		return nil, errkind.New(errkind.InvalidThreshold, "fewer participants than threshold+1")
	}
	if meta.IsMaster() != (requester != nil) {
		return nil, errkind.New(errkind.InvalidNodesConfiguration, "a requester identity must be supplied iff self is master")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("session_id", meta.SessionID, "sub_session", accessKey.Hex())

	s := &Session{
		meta:      meta,
		accessKey: accessKey,
		keyShare:  keyShare,
		requester: requester,
		transport: transport,
		factory:   &JobFactory{KeyShare: keyShare},
		log:       log,
	}
	s.cond = sync.NewCond(&s.mu)
	s.consensus = consensus.NewSession(
		meta.SelfNodeID, meta.MasterNodeID, meta.Threshold, meta.SessionID,
		checker,
		&consensusTransport{session: s},
		&jobTransport{session: s},
		s.factory,
		log,
	)
	return s, nil
}

// envelope returns a Message pre-stamped with this session's routing
// fields, ready for the caller to fill in the variant-specific fields.
func (s *Session) envelope(kind Kind) Message {
	return Message{SessionID: s.meta.SessionID, AccessKey: s.accessKey.Hex(), Kind: kind}
}

// Initialize is the master-only entry point that kicks off phase A with
// the given decryption mode (§4.2). Calling it twice, or from a slave,
// returns InvalidStateForRequest.
func (s *Session) Initialize(isShadowDecryption bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.meta.IsMaster() {
		return errkind.New(errkind.InvalidStateForRequest, "only the master may initialize a decryption session")
	}
	if s.initialized {
		return errkind.New(errkind.InvalidStateForRequest, "session already initialized")
	}
	s.initialized = true
	s.isShadowDecryption = &isShadowDecryption
	s.factory.IsShadowDecryption = isShadowDecryption
	s.log.Infow("initializing decryption session", "shadow", isShadowDecryption)

	if isShadowDecryption {
		if s.requester.ECIESPublicKey == nil {
			return errkind.New(errkind.InvalidMessage, "shadow decryption requires a requester ECIES public key")
		}
		s.factory.RequesterECIESPublicKey = s.requester.ECIESPublicKey
	}

	candidates := make([]types.NodeID, 0, len(s.keyShare.IDNumbers))
	for id := range s.keyShare.IDNumbers {
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	if err := s.consensus.Initialize(candidates, s.requester.Signature); err != nil {
		s.finalizeLocked()
		return err
	}
	if err := s.disseminateIfEstablished(); err != nil {
		s.finalizeLocked()
		return err
	}
	s.finalizeLocked()
	return nil
}

// disseminateIfEstablished kicks off phase B as soon as consensus reaches
// ConsensusEstablished, whether that happened synchronously inside
// Initialize (the degenerate single-candidate case) or asynchronously as
// the last ConfirmConsensusInitialization arrives (§4.2) — MasterOnConfirm
// itself never disseminates, since the consensus package is domain-agnostic
// and leaves phase-B orchestration to this layer.
func (s *Session) disseminateIfEstablished() error {
	if !s.meta.IsMaster() || s.consensus.State() != consensus.ConsensusEstablished {
		return nil
	}
	return s.consensus.DisseminateJobs()
}

// ProcessMessage dispatches an inbound wire message to the right
// consensus.Session entry point (§4.2). The registry is responsible for
// routing a message to the Session whose (session, sub_session) already
// match; the check below is this handler's own defense-in-depth rather
// than a condition expected to trigger.
func (s *Session) ProcessMessage(from types.NodeID, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.SessionID != s.meta.SessionID || msg.AccessKey != s.accessKey.Hex() {
		return errkind.New(errkind.InvalidMessage, "message routed to the wrong decryption session")
	}
	if s.consensus.IsFinished() {
		return errkind.New(errkind.InvalidStateForRequest, "session has already reached a terminal state")
	}

	var err error
	switch msg.Kind {
	case KindInitializeConsensus:
		err = s.consensus.SlaveOnInitialize(from, msg.RequesterSignature)
	case KindConfirmConsensus:
		if err = s.consensus.MasterOnConfirm(from, msg.IsConfirmed); err == nil {
			err = s.disseminateIfEstablished()
		}
	case KindRequestPartialDecryption:
		err = s.consensus.SlaveOnJobRequest(from, consensus.JobRequest{
			RequestID:    msg.RequestID,
			OtherNodeIDs: msg.OtherNodeIDs,
			Payload: requestPayload{
				IsShadowDecryption:      msg.IsShadowDecryption,
				RequesterECIESPublicKey: msg.RequesterECIESPublicKey,
			},
		})
	case KindPartialDecryption:
		err = s.consensus.MasterOnJobResponse(from, consensus.JobResponse{
			RequestID: msg.RequestID,
			Payload: responsePayload{
				ShadowPoint:   msg.ShadowPoint,
				DecryptShadow: msg.DecryptShadow,
			},
		})
	case KindSessionError:
		if from == s.meta.MasterNodeID {
			// The master broadcasts KindSessionError exactly once, when
			// its own session has become unrecoverable; every slave
			// aborts in step rather than waiting on a phase-B request
			// that will never arrive.
			s.consensus.Abort(msg.ErrorMessage)
		} else {
			// A slave surfacing its own fatal error to the master is,
			// from the master's perspective, indistinguishable from that
			// peer going silent: route it through the same restart logic
			// as OnNodeTimeout so a quorum loss during
			// WaitingForPartialResults gets rebuilt rather than leaving
			// the master stuck (§4.1).
			err = s.restartAfterNodeError(from)
		}
	case KindSessionCompleted:
		err = s.consensus.SlaveOnSessionCompleted()
	default:
		err = errkind.New(errkind.InvalidMessage, "unrecognized decryption message kind")
	}

	s.finalizeLocked()
	return err
}

// HandleMessage implements cluster.Handler.
func (s *Session) HandleMessage(from types.NodeID, raw interface{}) {
	msg, ok := raw.(Message)
	if !ok {
		return
	}
	_ = s.ProcessMessage(from, msg)
}

// OnNodeTimeout reports a transport-level disconnect against node (§4.1,
// §6.2). If this forces the master to rebuild the compute quorum, it
// redisseminates immediately.
func (s *Session) OnNodeTimeout(node types.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.restartAfterNodeError(node)
	s.finalizeLocked()
	return err
}

// restartAfterNodeError reports node as errored to the consensus
// sub-session and, if that forces the master to rebuild its compute
// quorum, redisseminates immediately. Shared by OnNodeTimeout and
// ProcessMessage's KindSessionError case, which the original ground truth
// routes through the identical node-error path (§4.1). Callers must hold
// s.mu and call finalizeLocked themselves afterward.
func (s *Session) restartAfterNodeError(node types.NodeID) error {
	mustRestart := s.consensus.OnNodeError(node)
	if !mustRestart || !s.meta.IsMaster() {
		return nil
	}
	if s.isShadowDecryption == nil {
		// Per §9's open question on restart reusing the decryption
		// mode flag: this path requires Initialize to have already
		// captured it, so report the state error instead of a panic
		// even though a restart cannot otherwise be signaled before
		// Initialize has run.
		return errkind.New(errkind.InvalidStateForRequest, "cannot restart compute before initialize")
	}
	return s.consensus.DisseminateJobs()
}

// OnSessionTimeout reports that no further progress occurred before the
// session's deadline (§4.1).
func (s *Session) OnSessionTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensus.OnSessionTimeout()
	s.finalizeLocked()
}

// Wait blocks until the session reaches a terminal state, returning the
// master's combined Result or the terminal error (§4.2, §5). Slaves
// never populate a result; their Wait returns a nil result once the
// master's completion broadcast lands, or the error if the slave failed.
func (s *Session) Wait() (*keyshare.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done {
		s.cond.Wait()
	}
	return s.result, s.err
}

// IsFinished reports whether the session has reached Finished or Failed.
func (s *Session) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consensus.IsFinished()
}

// State exposes the embedded consensus state tag for diagnostics.
func (s *Session) State() consensus.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consensus.State()
}

// finalizeLocked runs with s.mu held, after every operation that may have
// moved the embedded consensus.Session into a terminal state. It fires
// exactly once: it captures the result/error, notifies peers of a fatal
// failure, and wakes every Wait() caller.
func (s *Session) finalizeLocked() {
	if s.notifiedTerminal || !s.consensus.IsFinished() {
		return
	}
	s.notifiedTerminal = true

	switch s.consensus.State() {
	case consensus.Finished:
		if s.meta.IsMaster() {
			if result, ok := s.consensus.Result().(*keyshare.Result); ok {
				s.result = result
			}
		}
		s.log.Infow("decryption session finished")
	case consensus.Failed:
		s.err = s.consensus.Err()
		s.log.Warnw("decryption session failed", "error", s.err)
		if s.meta.IsMaster() {
			_ = s.transport.Broadcast(s.errorMessage(s.err))
		} else {
			_ = s.transport.Send(s.meta.MasterNodeID, s.errorMessage(s.err))
		}
	}

	s.done = true
	s.cond.Broadcast()
}

func (s *Session) errorMessage(err error) Message {
	msg := s.envelope(KindSessionError)
	msg.ErrorMessage = err.Error()
	return msg
}
