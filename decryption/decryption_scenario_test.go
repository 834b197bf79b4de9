package decryption_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v4"
	"go.uber.org/zap"

	"github.com/chuycepeda/parity/acl"
	"github.com/chuycepeda/parity/cluster"
	"github.com/chuycepeda/parity/consensus"
	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/decryption"
	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/keyshare"
	"github.com/chuycepeda/parity/registry"
	"github.com/chuycepeda/parity/types"
)

// testKeyShares mirrors cmd/decryptiond's demo key generation: a random
// document key masked by a degree-t polynomial, one evaluation point per
// node, so combine() exercises the same arithmetic a production
// deployment would (§4.3, §8).
func testKeyShares(t *testing.T, nodeIDs []types.NodeID, threshold int) (map[types.NodeID]*keyshare.KeyShare, kyber.Scalar) {
	t.Helper()
	g := cryptoutil.Group()

	documentSecret := cryptoutil.NewScalar()
	documentKeyPoint := g.Point().Mul(documentSecret, nil)

	coeffs := make([]kyber.Scalar, threshold+1)
	for i := range coeffs {
		coeffs[i] = cryptoutil.NewScalar()
	}
	evalAt := func(x kyber.Scalar) kyber.Scalar {
		result := g.Scalar().Zero()
		power := g.Scalar().One()
		for _, c := range coeffs {
			result = g.Scalar().Add(result, g.Scalar().Mul(c, power))
			power = g.Scalar().Mul(power, x)
		}
		return result
	}

	idNumbers := make(map[types.NodeID]kyber.Scalar, len(nodeIDs))
	for i, id := range nodeIDs {
		idNumbers[id] = g.Scalar().SetInt64(int64(i + 1))
	}

	r := cryptoutil.NewScalar()
	commonPoint := g.Point().Mul(r, nil)
	maskedPoint := g.Point().Mul(g.Scalar().Mul(coeffs[0], r), nil)
	encryptedPoint := g.Point().Add(documentKeyPoint, maskedPoint)

	shares := make(map[types.NodeID]*keyshare.KeyShare, len(nodeIDs))
	for _, id := range nodeIDs {
		shares[id] = &keyshare.KeyShare{
			Threshold:      threshold,
			IDNumbers:      idNumbers,
			SecretShare:    evalAt(idNumbers[id]),
			CommonPoint:    commonPoint,
			EncryptedPoint: encryptedPoint,
		}
	}
	return shares, documentSecret
}

// harness wires a full in-memory cluster of decryption sessions, one per
// node, each reachable through its own registry so that cluster.Join's
// handler can be constructed before the session it will eventually route
// to exists (registry.Registry.Register happens after NewSession).
type harness struct {
	nodeIDs      []types.NodeID
	masterID     types.NodeID
	documentID   types.SessionID
	accessKey    keyshare.AccessKey
	bus          *cluster.Cluster
	sessions     map[types.NodeID]*decryption.Session
	signature    []byte
	requesterPub []byte
	eciesPub     kyber.Point
	eciesPriv    kyber.Scalar
	docSecret    kyber.Scalar
}

func newHarness(t *testing.T, n, threshold int) *harness {
	return newHarnessWithDenials(t, n, threshold, nil)
}

// newHarnessWithDenials builds a harness where every node whose index is
// in deniedIdx is given its own ACL oracle that denies the requester,
// while every other node shares one allow-everything oracle. acl.Checker
// is supplied per decryption.Session (§6.3), so this is the natural way
// to express "the ACL prohibits at node N" (§8 scenarios 3, 4) without
// every node seeing an identical denial.
func newHarnessWithDenials(t *testing.T, n, threshold int, deniedIdx map[int]bool) *harness {
	t.Helper()
	h := &harness{
		sessions: map[types.NodeID]*decryption.Session{},
	}
	h.nodeIDs = make([]types.NodeID, n)
	for i := range h.nodeIDs {
		h.nodeIDs[i] = types.NodeID(string(rune('a' + i)))
	}
	h.masterID = h.nodeIDs[0]
	h.documentID = types.SessionID("document-under-test")

	shares, docSecret := testKeyShares(t, h.nodeIDs, threshold)
	h.docSecret = docSecret

	priv, _, err := cryptoutil.GenerateRequesterKey()
	require.NoError(t, err)
	sig, err := cryptoutil.SignSessionID(priv, []byte(h.documentID))
	require.NoError(t, err)
	h.signature = sig
	h.requesterPub, err = cryptoutil.RecoverPublicKey([]byte(h.documentID), sig)
	require.NoError(t, err)

	h.eciesPriv = cryptoutil.NewScalar()
	h.eciesPub = cryptoutil.Group().Point().Mul(h.eciesPriv, nil)

	h.accessKey = keyshare.NewAccessKey()
	h.bus = cluster.NewCluster()
	sharedChecker := acl.NewStaticOracle()

	for i, id := range h.nodeIDs {
		reg := registry.New(time.Minute, zap.NewNop().Sugar())
		transport := h.bus.Join(id, registry.NewNodeHandler(reg))

		checker := acl.Checker(sharedChecker)
		if deniedIdx[i] {
			own := acl.NewStaticOracle()
			own.Deny(h.requesterPub, h.documentID)
			checker = own
		}

		meta := keyshare.SessionMeta{SessionID: h.documentID, SelfNodeID: id, MasterNodeID: h.masterID, Threshold: threshold}
		var requester *keyshare.Requester
		if id == h.masterID {
			requester = &keyshare.Requester{Signature: h.signature, ECIESPublicKey: h.eciesPub}
		}

		session, err := decryption.NewSession(meta, h.accessKey, shares[id], checker, transport, requester, zap.NewNop().Sugar())
		require.NoError(t, err)
		h.sessions[id] = session
		reg.Register(types.DecryptionSessionID{SessionID: h.documentID, AccessKey: h.accessKey.Hex()}, session)
	}
	return h
}

func TestScenarioHappyPathPlain(t *testing.T) {
	h := newHarness(t, 5, 3)
	require.NoError(t, h.sessions[h.masterID].Initialize(false))

	result, err := h.sessions[h.masterID].Wait()
	require.NoError(t, err)
	require.NotNil(t, result)
	require.False(t, result.IsShadow())

	want, err := cryptoutil.Group().Point().Mul(h.docSecret, nil).MarshalBinary()
	require.NoError(t, err)
	got, err := result.DecryptedSecret.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, got)

	for _, id := range h.nodeIDs {
		require.Eventually(t, h.sessions[id].IsFinished, time.Second, time.Millisecond)
	}
}

func TestScenarioHappyPathShadow(t *testing.T) {
	h := newHarness(t, 5, 3)
	require.NoError(t, h.sessions[h.masterID].Initialize(true))

	result, err := h.sessions[h.masterID].Wait()
	require.NoError(t, err)
	require.True(t, result.IsShadow())
	require.NotNil(t, result.CommonPoint)
	require.Len(t, result.DecryptShadows, 4)

	for _, shadow := range result.DecryptShadows {
		require.NotEmpty(t, shadow.Encrypted)
		plain, err := cryptoutil.DecryptWithPrivate(h.eciesPriv, shadow.Encrypted)
		require.NoError(t, err)
		require.NotEmpty(t, plain)
	}
}

// Scenario 3 (§8): the ACL prohibits the requester at nodes 1 and 2 (here
// "b" and "c"), each evaluating its own oracle independently; only 3 of
// the 5 candidates can ever confirm, short of the quorum of 4, so the
// master cannot establish consensus.
func TestScenarioTwoDenialsFatal(t *testing.T) {
	h := newHarnessWithDenials(t, 5, 3, map[int]bool{1: true, 2: true})
	master := h.sessions[h.masterID]

	require.NoError(t, master.Initialize(false))
	_, err := master.Wait()
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.ConsensusUnreachable))

	failed := 0
	for _, id := range h.nodeIDs {
		require.Eventually(t, h.sessions[id].IsFinished, time.Second, time.Millisecond)
		if h.sessions[id].State() == consensus.Failed {
			failed++
		}
	}
	require.GreaterOrEqual(t, failed, 3)
}

// Scenario 4 (§8): the ACL prohibits the requester at node 1 ("b"); a
// sixth, otherwise-uninvolved node disconnects before confirming. Expected:
// the master still recovers using the 4 remaining healthy candidates and
// reaches Finished with the correct document key.
func TestScenarioSingleDenialRecoverable(t *testing.T) {
	h := newHarnessWithDenials(t, 6, 3, map[int]bool{1: true})
	master := h.sessions[h.masterID]

	spare := h.nodeIDs[5]
	h.bus.Disconnect(spare)

	require.NoError(t, master.Initialize(false))

	result, err := master.Wait()
	require.NoError(t, err)
	require.NotNil(t, result)

	want, err := cryptoutil.Group().Point().Mul(h.docSecret, nil).MarshalBinary()
	require.NoError(t, err)
	got, err := result.DecryptedSecret.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// Scenario 5 (§8): after the master has issued phase-B requests, node b
// disconnects. If b is in the current quorum the master rebuilds it from
// the spare confirmed candidate and disseminates with a fresh request id;
// either way it still finishes, and a response bearing a stale request id
// must be rejected.
func TestScenarioDisconnectMidCompute(t *testing.T) {
	h := newHarness(t, 5, 3)
	master := h.sessions[h.masterID]

	require.NoError(t, master.Initialize(false))
	require.Eventually(t, func() bool {
		return master.State() == consensus.WaitingForPartialResults
	}, time.Second, time.Millisecond)

	// Dissemination starts as soon as a and three slaves have confirmed,
	// so the first quorum is a plus the first three slaves to confirm —
	// not necessarily {a,b,c,d}. The slave left out is the spare candidate
	// available for a restart.
	victim := h.nodeIDs[1]
	survivor := h.nodeIDs[2]

	h.bus.Disconnect(victim)
	require.NoError(t, master.OnNodeTimeout(victim))

	// Synchronously, before any further real response lands: a message
	// bearing a stale request id must never be accepted into the new
	// round (§8 scenario 5, universal property on request-id freshness).
	err := master.ProcessMessage(survivor, decryption.Message{
		SessionID: h.documentID,
		AccessKey: h.accessKey.Hex(),
		Kind:      decryption.KindPartialDecryption,
		RequestID: "a-request-id-from-before-the-restart",
	})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.InvalidNodeForRequest))

	result, err := master.Wait()
	require.NoError(t, err)
	require.NotNil(t, result)

	want, err := cryptoutil.Group().Point().Mul(h.docSecret, nil).MarshalBinary()
	require.NoError(t, err)
	got, err := result.DecryptedSecret.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// Scenario 6 (§8): the session times out before any message exchange
// completes.
func TestScenarioTimeoutBeforeProgress(t *testing.T) {
	h := newHarness(t, 5, 3)
	master := h.sessions[h.masterID]

	require.NoError(t, master.Initialize(false))
	master.OnSessionTimeout()

	_, err := master.Wait()
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.ConsensusUnreachable))
}

func TestNewSessionRejectsSelfNotParticipant(t *testing.T) {
	shares, _ := testKeyShares(t, []types.NodeID{"a", "b"}, 1)
	meta := keyshare.SessionMeta{SessionID: "doc", SelfNodeID: "not-a-participant", MasterNodeID: "a", Threshold: 1}
	_, err := decryption.NewSession(meta, keyshare.NewAccessKey(), shares["a"], acl.NewStaticOracle(), noopTransport{}, &keyshare.Requester{Signature: []byte("x")}, nil)
	require.Error(t, err)
}

func TestNewSessionRejectsThresholdTooHigh(t *testing.T) {
	shares, _ := testKeyShares(t, []types.NodeID{"a", "b"}, 1)
	meta := keyshare.SessionMeta{SessionID: "doc", SelfNodeID: "a", MasterNodeID: "a", Threshold: 5}
	_, err := decryption.NewSession(meta, keyshare.NewAccessKey(), shares["a"], acl.NewStaticOracle(), noopTransport{}, &keyshare.Requester{Signature: []byte("x")}, nil)
	require.Error(t, err)
}

func TestNewSessionRejectsRequesterPresenceMismatch(t *testing.T) {
	shares, _ := testKeyShares(t, []types.NodeID{"a", "b", "c"}, 1)
	meta := keyshare.SessionMeta{SessionID: "doc", SelfNodeID: "b", MasterNodeID: "a", Threshold: 1}
	_, err := decryption.NewSession(meta, keyshare.NewAccessKey(), shares["b"], acl.NewStaticOracle(), noopTransport{}, &keyshare.Requester{Signature: []byte("x")}, nil)
	require.Error(t, err)
}

func TestDoubleInitializeRejected(t *testing.T) {
	h := newHarness(t, 3, 1)
	require.NoError(t, h.sessions[h.masterID].Initialize(false))
	err := h.sessions[h.masterID].Initialize(false)
	require.Error(t, err)
}

func TestSlaveCannotInitialize(t *testing.T) {
	h := newHarness(t, 3, 1)
	var slave types.NodeID
	for _, id := range h.nodeIDs {
		if id != h.masterID {
			slave = id
			break
		}
	}
	err := h.sessions[slave].Initialize(false)
	require.Error(t, err)
}

type noopTransport struct{}

func (noopTransport) Send(types.NodeID, interface{}) error { return nil }
func (noopTransport) Broadcast(interface{}) error           { return nil }
