// Package bitcoin provides the Bitcoin numeric and hashing primitives the
// proxy needs to translate work between the two stratum protocol versions:
// difficulty/target conversion, compact nBits decoding, coinbase merkle
// roots and stratum prev-hash byte order.
package bitcoin

import (
	"errors"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
)

var (
	// ErrInvalidDifficulty is returned for difficulties that are not strictly positive and finite.
	ErrInvalidDifficulty = errors.New("difficulty must be positive and finite")
	// ErrInvalidTarget is returned for zero, negative or wider than 256-bit targets.
	ErrInvalidTarget = errors.New("target must be a nonzero 256-bit value")
)

// diff1Target is the difficulty-1 target,
// 0x00000000ffff0000000000000000000000000000000000000000000000000000.
// It is initialised once and never mutated; callers receive copies.
var diff1Target = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// maxTarget is 2^256 - 1, the widest value representable on the wire.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Diff1Target returns a copy of the difficulty-1 target.
func Diff1Target() *big.Int {
	return new(big.Int).Set(diff1Target)
}

// TargetFromDifficulty converts a stratum difficulty into the share target
// a hash must not exceed.
//
// The quotient DIFF1/difficulty is computed exactly and rounded up, so a
// fractional result never makes the target stricter than the pool asked for.
// Results wider than 256 bits (difficulties far below 1) clamp to 2^256-1.
//
// Parameters:
//   - difficulty: The pool-assigned difficulty, strictly positive
//
// Returns:
//   - *big.Int: The target as an unsigned 256-bit integer
//   - error: ErrInvalidDifficulty for zero, negative, NaN or infinite input
func TargetFromDifficulty(difficulty float64) (*big.Int, error) {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return nil, ErrInvalidDifficulty
	}

	d := new(big.Rat)
	if d.SetFloat64(difficulty) == nil {
		return nil, ErrInvalidDifficulty
	}

	q := new(big.Rat).Quo(new(big.Rat).SetInt(diff1Target), d)

	target, rem := new(big.Int).QuoRem(q.Num(), q.Denom(), new(big.Int))
	if rem.Sign() != 0 {
		target.Add(target, big.NewInt(1))
	}

	if target.Cmp(maxTarget) > 0 {
		target.Set(maxTarget)
	}

	return target, nil
}

// DifficultyFromTarget converts a share target back into a difficulty.
//
// Parameters:
//   - target: A nonzero unsigned 256-bit target
//
// Returns:
//   - float64: DIFF1/target, nearest float64
//   - error: ErrInvalidTarget for nil, zero, negative or oversized targets
func DifficultyFromTarget(target *big.Int) (float64, error) {
	if target == nil || target.Sign() <= 0 || target.BitLen() > 256 {
		return 0, ErrInvalidTarget
	}

	q := new(big.Rat).SetFrac(diff1Target, target)
	difficulty, _ := q.Float64()

	return difficulty, nil
}

// TargetBytes encodes a target as 32 big-endian bytes.
// Values wider than 256 bits are clamped to 2^256-1.
func TargetBytes(target *big.Int) [32]byte {
	var out [32]byte
	if target == nil || target.Sign() <= 0 {
		return out
	}
	if target.BitLen() > 256 {
		target = maxTarget
	}
	target.FillBytes(out[:])
	return out
}

// TargetFromBytes decodes 32 big-endian bytes into a target.
func TargetFromBytes(b [32]byte) *big.Int {
	return new(big.Int).SetBytes(b[:])
}

// CompactToTarget decodes a compact nBits value (as carried by mining.notify)
// into the network target.
func CompactToTarget(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// NetworkDifficulty returns the network difficulty encoded by a compact
// nBits value, or 0 if the bits do not describe a positive target.
func NetworkDifficulty(bits uint32) float64 {
	difficulty, err := DifficultyFromTarget(CompactToTarget(bits))
	if err != nil {
		return 0
	}
	return difficulty
}
