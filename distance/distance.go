// Package distance provides float32 vector similarity and distance kernels.
//
// All kernels are dimension-agnostic and assume both operands have the same
// length (caller's responsibility). Cosine similarity is undefined for
// zero-norm operands and fails explicitly instead of dividing by zero.
package distance

import (
	"errors"
	"math"
)

// ErrZeroNorm is returned when cosine similarity is requested for an operand
// with zero L2 norm.
var ErrZeroNorm = errors.New("distance: zero-norm vector has no cosine similarity")

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var s0, s1 float32
	i := 0
	for ; i+2 <= len(a); i += 2 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		s0 += d0 * d0
		s1 += d1 * d1
	}
	if i < len(a) {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// Cosine returns the cosine similarity dot(a,b) / (|a| * |b|).
// It returns ErrZeroNorm if either operand has zero norm.
func Cosine(a, b []float32) (float32, error) {
	na := Norm(a)
	nb := Norm(b)
	if na == 0 || nb == 0 {
		return 0, ErrZeroNorm
	}
	return Dot(a, b) / (na * nb), nil
}

// CosineWithNorm is Cosine with a precomputed norm for a. Query-side callers
// score one vector against many candidates and should hoist the query norm.
func CosineWithNorm(a []float32, normA float32, b []float32) (float32, error) {
	nb := Norm(b)
	if normA == 0 || nb == 0 {
		return 0, ErrZeroNorm
	}
	return Dot(a, b) / (normA * nb), nil
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}
