package crypto

import (
	"crypto/elliptic"
	"errors"
	"math/big"
	"sync"

	decredsecp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var initonce sync.Once
var secp256k1Instance *secp256k1Curve

func initSecp256k1() {
	inner := decredsecp256k1.S256()
	params := inner.Params()
	secp256k1Instance = &secp256k1Curve{
		p:      params.P,
		n:      params.N,
		b:      params.B,
		gx:     params.Gx,
		gy:     params.Gy,
		params: params,
		inner:  inner,
	}
}

// secp256k1Curve implements elliptic.Curve for the secp256k1 curve. Point
// arithmetic (Add, Double, ScalarMult, ScalarBaseMult) delegates to decred's
// constant-time implementation rather than a hand-rolled big.Int version;
// this type only adds the stdlib-shaped bounds checks IsOnCurve needs.
type secp256k1Curve struct {
	p, n, b *big.Int
	gx, gy  *big.Int
	params  *elliptic.CurveParams
	inner   elliptic.Curve
}

// S256 returns the secp256k1 elliptic curve.
func S256() elliptic.Curve {
	initonce.Do(initSecp256k1)
	return secp256k1Instance
}

func (c *secp256k1Curve) Params() *elliptic.CurveParams {
	return c.params
}

// IsOnCurve checks if (x, y) satisfies y^2 = x^3 + 7 (mod p).
func (c *secp256k1Curve) IsOnCurve(x, y *big.Int) bool {
	if x == nil || y == nil {
		return false
	}
	if x.Sign() < 0 || y.Sign() < 0 {
		return false
	}
	if x.Cmp(c.p) >= 0 || y.Cmp(c.p) >= 0 {
		return false
	}
	return c.inner.IsOnCurve(x, y)
}

// Add returns the sum of (x1,y1) and (x2,y2) on the curve.
func (c *secp256k1Curve) Add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	return c.inner.Add(x1, y1, x2, y2)
}

// Double returns 2*(x,y) on the curve.
func (c *secp256k1Curve) Double(x1, y1 *big.Int) (*big.Int, *big.Int) {
	return c.inner.Double(x1, y1)
}

// ScalarMult returns k*(x,y). Scalars longer than 32 bytes are reduced mod n
// first, since decred keeps only the first 32 bytes of a longer slice.
func (c *secp256k1Curve) ScalarMult(bx, by *big.Int, k []byte) (*big.Int, *big.Int) {
	if len(k) > 32 {
		k = new(big.Int).Mod(new(big.Int).SetBytes(k), c.n).Bytes()
	}
	return c.inner.ScalarMult(bx, by, k)
}

// ScalarBaseMult returns k*G where G is the base point.
func (c *secp256k1Curve) ScalarBaseMult(k []byte) (*big.Int, *big.Int) {
	return c.inner.ScalarBaseMult(k)
}

// recoverPublicKey recovers the public key from a hash and signature (r, s, v).
// v is the recovery ID (0 or 1).
func recoverPublicKey(hash []byte, r, s *big.Int, v byte) (*big.Int, *big.Int, error) {
	curve := S256().(*secp256k1Curve)

	// Step 1: x = r (for v < 2; for v >= 2, x = r + N, but that's extremely rare).
	x := new(big.Int).Set(r)
	if x.Cmp(curve.p) >= 0 || x.Sign() <= 0 {
		return nil, nil, errInvalidRecoveryID
	}

	// Step 2: Compute y from x using the curve equation y^2 = x^3 + 7 (mod p).
	y := computeY(x, curve.p)
	if y == nil {
		return nil, nil, errInvalidSignature
	}

	// Choose the correct y based on parity.
	if y.Bit(0) != uint(v&1) {
		y.Sub(curve.p, y)
	}

	// Step 3: Verify the point is on the curve.
	if !curve.IsOnCurve(x, y) {
		return nil, nil, errInvalidSignature
	}

	// Step 4: Recover the public key.
	// Q = r^{-1} * (s*R - e*G)
	rInv := new(big.Int).ModInverse(r, curve.n)
	if rInv == nil {
		return nil, nil, errInvalidSignature
	}

	// e = hash as big.Int
	e := new(big.Int).SetBytes(hash)

	// s*R
	sRx, sRy := curve.ScalarMult(x, y, s.Bytes())

	// e*G
	eGx, eGy := curve.ScalarBaseMult(e.Bytes())

	// -e*G (negate y coordinate)
	negEGy := new(big.Int).Sub(curve.p, eGy)

	// s*R - e*G
	diffX, diffY := curve.Add(sRx, sRy, eGx, negEGy)

	// Q = r^{-1} * (s*R - e*G)
	qx, qy := curve.ScalarMult(diffX, diffY, rInv.Bytes())

	if qx.Sign() == 0 && qy.Sign() == 0 {
		return nil, nil, errInvalidSignature
	}

	return qx, qy, nil
}

// computeY computes y = sqrt(x^3 + 7) mod p.
// For secp256k1, p ≡ 3 (mod 4), so sqrt(a) = a^((p+1)/4) mod p.
func computeY(x, p *big.Int) *big.Int {
	// y^2 = x^3 + 7
	x3 := new(big.Int).Mul(x, x)
	x3.Mod(x3, p)
	x3.Mul(x3, x)
	x3.Mod(x3, p)
	x3.Add(x3, big.NewInt(7))
	x3.Mod(x3, p)

	// y = (x^3 + 7)^((p+1)/4) mod p
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2) // (p+1)/4
	y := new(big.Int).Exp(x3, exp, p)

	// Verify: y^2 mod p == x^3 + 7 mod p
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, p)
	if y2.Cmp(x3) != 0 {
		return nil // no square root exists
	}
	return y
}

var (
	errInvalidSignature  = errors.New("invalid signature")
	errInvalidRecoveryID = errors.New("invalid recovery ID")
)
