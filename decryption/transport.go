package decryption

import (
	"github.com/chuycepeda/parity/consensus"
	"github.com/chuycepeda/parity/types"
)

// consensusTransport adapts a Session's cluster.Transport into the
// narrower consensus.ConsensusTransport the embedded consensus.Session
// drives phase A over.
type consensusTransport struct {
	session *Session
}

func (t *consensusTransport) SendInitialize(to types.NodeID, requesterSignature []byte) error {
	msg := t.session.envelope(KindInitializeConsensus)
	msg.RequesterSignature = requesterSignature
	return t.session.transport.Send(to, msg)
}

func (t *consensusTransport) SendConfirm(to types.NodeID, isConfirmed bool) error {
	msg := t.session.envelope(KindConfirmConsensus)
	msg.IsConfirmed = isConfirmed
	return t.session.transport.Send(to, msg)
}

// jobTransport adapts the same Session into consensus.JobTransport for
// phase B.
type jobTransport struct {
	session *Session
}

func (t *jobTransport) SendJobRequest(to types.NodeID, req consensus.JobRequest) error {
	payload, ok := req.Payload.(requestPayload)
	if !ok {
		return errNotRequestPayload
	}
	msg := t.session.envelope(KindRequestPartialDecryption)
	msg.RequestID = req.RequestID
	msg.OtherNodeIDs = req.OtherNodeIDs
	msg.IsShadowDecryption = payload.IsShadowDecryption
	msg.RequesterECIESPublicKey = payload.RequesterECIESPublicKey
	return t.session.transport.Send(to, msg)
}

func (t *jobTransport) SendJobResponse(to types.NodeID, resp consensus.JobResponse) error {
	payload, ok := resp.Payload.(responsePayload)
	if !ok {
		return errNotResponsePayload
	}
	msg := t.session.envelope(KindPartialDecryption)
	msg.RequestID = resp.RequestID
	msg.ShadowPoint = payload.ShadowPoint
	msg.DecryptShadow = payload.DecryptShadow
	return t.session.transport.Send(to, msg)
}

func (t *jobTransport) BroadcastCompleted() error {
	return t.session.transport.Broadcast(t.session.envelope(KindSessionCompleted))
}
