// Package cryptoutil wraps the group-arithmetic and signature primitives
// that SPEC_FULL.md §1 names as external collaborators (elliptic-curve
// scalar/point arithmetic, Lagrange interpolation, ECIES, and requester
// signature recovery). The decryption session and its job never implement
// curve math directly; they call into this package, which is grounded on
// go.dedis.ch/kyber (DeDiS-crypto in the retrieval pack) for group
// arithmetic and github.com/decred/dcrd/dcrec/secp256k1 for recoverable
// signatures, matching the requester-identity scheme of the original
// secret store this module descends from.
package cryptoutil

import (
	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/group/edwards25519"
	"go.dedis.ch/kyber/v4/util/random"
)

// Suite is the concrete group used for all session arithmetic. A single
// shared suite keeps scalar/point encodings consistent across the
// cluster; a real deployment would pin this to whatever curve the prior
// distributed key generation used.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// Group returns the kyber.Group backing Suite.
func Group() kyber.Group {
	return Suite
}

// NewScalar returns a freshly picked, non-zero scalar in the suite's
// field — used for access keys and per-dissemination request ids, both of
// which must be unpredictable and distinct across rounds (§3, §4.3).
func NewScalar() kyber.Scalar {
	return Suite.Scalar().Pick(random.New())
}

// ScalarFromBytes decodes a marshalled scalar, returning an error if the
// bytes are not a valid field element.
func ScalarFromBytes(b []byte) (kyber.Scalar, error) {
	s := Suite.Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return s, nil
}

// PointFromBytes decodes a marshalled group element.
func PointFromBytes(b []byte) (kyber.Point, error) {
	p := Suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return p, nil
}

// LagrangeCoefficient computes λ_i(0) = Π_{j≠i} (-x_j)/(x_i-x_j) for node
// i's evaluation point selfX against the evaluation points of the rest of
// the quorum, `others` (which must not itself contain selfX). This is the
// coefficient each node multiplies into its own secret share before
// contributing to the shared sum (§4.3).
func LagrangeCoefficient(selfX kyber.Scalar, others []kyber.Scalar) kyber.Scalar {
	g := Group()
	coeff := g.Scalar().One()
	for _, xj := range others {
		if xj.Equal(selfX) {
			continue
		}
		numerator := g.Scalar().Neg(xj)
		denominator := g.Scalar().Sub(selfX, xj)
		term := g.Scalar().Div(numerator, denominator)
		coeff = g.Scalar().Mul(coeff, term)
	}
	return coeff
}
