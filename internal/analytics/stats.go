package analytics

import (
	"fmt"
	"math"

	"github.com/hengadev/medabe/internal/types"
)

// Layout places per-record moments in ciphertext slots so that summing the
// ciphertexts of all records yields every aggregate at once.
//
// Per feature i: x, x², present. Per pair i<j, over records carrying both: xy, x, y,
// x², y², present.
type Layout struct {
	Features []string
	pairs    [][2]int
}

const (
	featureWidth = 3
	pairWidth    = 6
)

func NewLayout(features []string, withPairs bool) Layout {
	l := Layout{Features: append([]string(nil), features...)}
	if withPairs {
		for i := 0; i < len(features); i++ {
			for j := i + 1; j < len(features); j++ {
				l.pairs = append(l.pairs, [2]int{i, j})
			}
		}
	}
	return l
}

// Width is the number of slots a moment vector uses.
func (l Layout) Width() int {
	return len(l.Features)*featureWidth + len(l.pairs)*pairWidth
}

// Moments builds the vector for one record. Absent features contribute zeros with
// a zero presence flag.
func (l Layout) Moments(values map[string]float64) []float64 {
	out := make([]float64, l.Width())
	for i, name := range l.Features {
		x, ok := values[name]
		if !ok {
			continue
		}
		base := i * featureWidth
		out[base] = x
		out[base+1] = x * x
		out[base+2] = 1
	}
	offset := len(l.Features) * featureWidth
	for k, p := range l.pairs {
		x, okX := values[l.Features[p[0]]]
		y, okY := values[l.Features[p[1]]]
		if !okX || !okY {
			continue
		}
		base := offset + k*pairWidth
		out[base] = x * y
		out[base+1] = x
		out[base+2] = y
		out[base+3] = x * x
		out[base+4] = y * y
		out[base+5] = 1
	}
	return out
}

// presence counts decode as approximate floats; round them back.
func count(v float64) float64 {
	return math.Round(v)
}

// Statistics turns summed moments into the named result values.
func (l Layout) Statistics(t types.ComputationType, sums []float64) (map[string]float64, error) {
	if len(sums) < l.Width() {
		return nil, fmt.Errorf("expected %d aggregated slots, got %d", l.Width(), len(sums))
	}
	out := map[string]float64{}
	for i, name := range l.Features {
		base := i * featureWidth
		sum, sumSq, n := sums[base], sums[base+1], count(sums[base+2])
		switch t {
		case types.ComputationSum:
			out["sum."+name] = sum
		case types.ComputationCount:
			out["count."+name] = n
		case types.ComputationMean:
			if n > 0 {
				out["mean."+name] = sum / n
			}
		case types.ComputationVariance:
			if n > 1 {
				out["variance."+name] = sampleVariance(sum, sumSq, n)
			}
		case types.ComputationAggregation:
			out["sum."+name] = sum
			out["count."+name] = n
			if n > 0 {
				out["mean."+name] = sum / n
			}
			if n > 1 {
				out["variance."+name] = sampleVariance(sum, sumSq, n)
			}
		}
	}
	if t == types.ComputationCorrelation {
		if len(l.Features) < 2 {
			return nil, fmt.Errorf("correlation needs at least two features, have %d", len(l.Features))
		}
		offset := len(l.Features) * featureWidth
		for k, p := range l.pairs {
			base := offset + k*pairWidth
			r, ok := pearson(sums[base], sums[base+1], sums[base+2], sums[base+3], sums[base+4], count(sums[base+5]))
			if ok {
				out["correlation."+l.Features[p[0]]+"."+l.Features[p[1]]] = r
			}
		}
	}
	return out, nil
}

// sampleVariance uses the n-1 estimator; CKKS noise can push a constant series
// slightly negative, so it is floored at zero.
func sampleVariance(sum, sumSq, n float64) float64 {
	v := (sumSq - sum*sum/n) / (n - 1)
	if v < 0 {
		return 0
	}
	return v
}

func pearson(sxy, sx, sy, sxx, syy, n float64) (float64, bool) {
	if n < 2 {
		return 0, false
	}
	num := n*sxy - sx*sy
	den := math.Sqrt(n*sxx-sx*sx) * math.Sqrt(n*syy-sy*sy)
	if math.IsNaN(den) || den < 1e-9 {
		return 0, false
	}
	r := num / den
	return math.Max(-1, math.Min(1, r)), true
}
