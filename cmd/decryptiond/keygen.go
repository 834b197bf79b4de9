package main

import (
	"go.dedis.ch/kyber/v4"

	"github.com/chuycepeda/parity/cryptoutil"
	"github.com/chuycepeda/parity/keyshare"
	"github.com/chuycepeda/parity/types"
)

// generateKeyShares stands in for the prior, out-of-scope distributed
// key generation (§3): it picks a random document key and a degree-t
// polynomial masking it, evaluates the polynomial at one point per node,
// and derives common_point/encrypted_point the same way the real scheme
// does, so the demo exercises the same combine arithmetic a production
// deployment would.
func generateKeyShares(nodeIDs []types.NodeID, threshold int) (map[types.NodeID]*keyshare.KeyShare, kyber.Scalar) {
	g := cryptoutil.Group()

	documentSecret := cryptoutil.NewScalar()
	documentKeyPoint := g.Point().Mul(documentSecret, nil)

	coeffs := make([]kyber.Scalar, threshold+1)
	coeffs[0] = cryptoutil.NewScalar() // the polynomial's masking secret
	for i := 1; i <= threshold; i++ {
		coeffs[i] = cryptoutil.NewScalar()
	}
	evalAt := func(x kyber.Scalar) kyber.Scalar {
		result := g.Scalar().Zero()
		power := g.Scalar().One()
		for _, c := range coeffs {
			term := g.Scalar().Mul(c, power)
			result = g.Scalar().Add(result, term)
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
