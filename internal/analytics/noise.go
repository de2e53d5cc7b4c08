package analytics

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

const (
	// Epsilon is the fixed privacy budget per scalar.
	Epsilon = 1.0
	// Sensitivity is the assumed L1 sensitivity of each scalar.
	Sensitivity = 1.0
)

// UniformSource returns values uniformly distributed in [0, 1).
type UniformSource func() float64

// CryptoUniform draws from crypto/rand.
func CryptoUniform() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53)
}

// Laplace draws from Laplace(0, scale) by inverse CDF.
func Laplace(u UniformSource, scale float64) float64 {
	p := u() - 0.5
	for p == -0.5 {
		p = u() - 0.5
	}
	sign := 1.0
	if p < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(p))
}

// AddNoise perturbs every value independently with scale Sensitivity/Epsilon.
func AddNoise(values map[string]float64, u UniformSource) {
	scale := Sensitivity / Epsilon
	for k, v := range values {
		values[k] = v + Laplace(u, scale)
	}
}
