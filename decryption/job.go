// Package decryption implements the decryption-specific pieces described
// in SPEC_FULL.md §4.2-§4.3: the per-node cryptographic Job and the
// Session orchestrator that binds a SessionMeta + AccessKey + KeyShare to
// a consensus.Session.
package decryption

import (
	"go.dedis.ch/kyber/v4"

	"github.com/chuycepeda/parity/consensus"
	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/errkind"
	"github.com/chuycepeda/parity/keyshare"
	"github.com/chuycepeda/parity/types"
)

// requestPayload is the domain-specific payload carried inside a
// consensus.JobRequest (§4.3): which mode to compute in, and — for
// shadow mode — the requester's ECIES public key, since slaves need it
// to encrypt their blinding coefficient without a separate round trip.
type requestPayload struct {
	IsShadowDecryption      bool
	RequesterECIESPublicKey []byte
}

// responsePayload is the domain-specific payload carried inside a
// consensus.JobResponse: the node's Lagrange-weighted shadow point, and
// — for shadow mode — its ECIES-encrypted blinding coefficient.
type responsePayload struct {
	ShadowPoint   []byte
	DecryptShadow []byte
}

// JobFactory produces decryption Jobs bound to a KeyShare. IsShadowDecryption
// and RequesterECIESPublicKey are set by Session.Initialize before the
// first dissemination, since job creation is deferred until then (§4.2).
type JobFactory struct {
	KeyShare                *keyshare.KeyShare
	IsShadowDecryption      bool
	RequesterECIESPublicKey kyber.Point
}

func (f *JobFactory) NewJob() consensus.Job {
	return &job{
		keyShare:     f.KeyShare,
		isShadow:     f.IsShadowDecryption,
		requesterPub: f.RequesterECIESPublicKey,
	}
}

type job struct {
	keyShare     *keyshare.KeyShare
	isShadow     bool
	requesterPub kyber.Point
}

// BuildRequest implements consensus.Job.
func (j *job) BuildRequest(requestID string, quorum []types.NodeID) consensus.JobRequest {
	var pubBytes []byte
	if j.isShadow && j.requesterPub != nil {
		pubBytes, _ = j.requesterPub.MarshalBinary()
	}
	return consensus.JobRequest{
		RequestID:    requestID,
		OtherNodeIDs: quorum,
		Payload: requestPayload{
			IsShadowDecryption:      j.isShadow,
			RequesterECIESPublicKey: pubBytes,
		},
	}
}

// HandleRequest implements consensus.Job: computes this node's
// Lagrange-weighted partial decryption share, shadow_point = λ_i · s_i ·
// common_point, and, in shadow mode, the ECIES-encrypted blinding
// coefficient (§4.3).
func (j *job) HandleRequest(self, from types.NodeID, req consensus.JobRequest) (consensus.JobResponse, error) {
	payload, ok := req.Payload.(requestPayload)
	if !ok {
		return consensus.JobResponse{}, errkind.New(errkind.InvalidMessage, "malformed job request payload")
	}

	selfX, ok := j.keyShare.IDNumbers[self]
	if !ok {
		return consensus.JobResponse{}, errkind.New(errkind.InvalidNodesConfiguration, "self not in key share participant set")
	}

	others := make([]kyber.Scalar, 0, len(req.OtherNodeIDs))
	for _, id := range req.OtherNodeIDs {
		if id == self {
			continue
		}
		x, ok := j.keyShare.IDNumbers[id]
		if !ok {
			return consensus.JobResponse{}, errkind.New(errkind.InvalidMessage, "unknown node in compute quorum")
		}
		others = append(others, x)
	}

	lambda := cryptoutil.LagrangeCoefficient(selfX, others)
	g := cryptoutil.Group()
	weighted := g.Scalar().Mul(lambda, j.keyShare.SecretShare)
	shadowPoint := g.Point().Mul(weighted, j.keyShare.CommonPoint)

	shadowBytes, err := shadowPoint.MarshalBinary()
	if err != nil {
		return consensus.JobResponse{}, errkind.Wrap(errkind.Internal, err, "marshal shadow point")
	}

	resp := responsePayload{ShadowPoint: shadowBytes}

	if payload.IsShadowDecryption {
		if len(payload.RequesterECIESPublicKey) == 0 {
			return consensus.JobResponse{}, errkind.New(errkind.InvalidMessage, "shadow decryption requested without a requester public key")
		}
		requesterPub, err := cryptoutil.PointFromBytes(payload.RequesterECIESPublicKey)
		if err != nil {
			return consensus.JobResponse{}, errkind.Wrap(errkind.InvalidMessage, err, "decode requester public key")
		}
		coeffBytes, err := weighted.MarshalBinary()
		if err != nil {
			return consensus.JobResponse{}, errkind.Wrap(errkind.Internal, err, "marshal shadow coefficient")
		}
		encrypted, err := cryptoutil.EncryptToPublic(requesterPub, coeffBytes)
		if err != nil {
			return consensus.JobResponse{}, errkind.Wrap(errkind.Internal, err, "encrypt shadow coefficient")
		}
		resp.DecryptShadow = encrypted
	}

	return consensus.JobResponse{RequestID: req.RequestID, Payload: resp}, nil
}

// Combine implements consensus.Job: sums the t+1 shadow points. In plain
// mode it recovers the document key from encrypted_point; in shadow mode
// it returns the masked sum alongside common_point and the per-node
// encrypted shadows for the requester to finish locally (§4.3).
func (j *job) Combine(quorum []types.NodeID, responses map[types.NodeID]consensus.JobResponse) (interface{}, error) {
	g := cryptoutil.Group()
	sum := g.Point().Null()
	shadows := make([]keyshare.DecryptShadow, 0, len(quorum))

	for _, id := range quorum {
		resp, ok := responses[id]
		if !ok {
			return nil, errkind.New(errkind.Internal, "missing response for quorum member")
		}
		payload, ok := resp.Payload.(responsePayload)
		if !ok {
			return nil, errkind.New(errkind.Internal, "malformed job response payload")
		}
		point, err := cryptoutil.PointFromBytes(payload.ShadowPoint)
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, err, "decode shadow point")
		}
		sum = g.Point().Add(sum, point)
		if j.isShadow {
			shadows = append(shadows, keyshare.DecryptShadow{NodeID: id, Encrypted: payload.DecryptShadow})
		}
	}

	if j.isShadow {
		return &keyshare.Result{
			DecryptedSecret: sum,
			CommonPoint:     j.keyShare.CommonPoint,
			DecryptShadows:  shadows,
		}, nil
	}

	documentKey := g.Point().Sub(j.keyShare.EncryptedPoint, sum)
	return &keyshare.Result{DecryptedSecret: documentKey}, nil
}
