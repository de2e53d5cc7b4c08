package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/types"
)

func sumMoments(l Layout, records []map[string]float64) []float64 {
	out := make([]float64, l.Width())
	for _, r := range records {
		for i, v := range l.Moments(r) {
			out[i] += v
		}
	}
	return out
}

func TestLayout_Statistics(t *testing.T) {
	l := NewLayout([]string{"a", "b"}, true)
	assert.Equal(t, 2*featureWidth+pairWidth, l.Width())

	records := []map[string]float64{
		{"a": 1, "b": 10},
		{"a": 2, "b": 8},
		{"a": 3, "b": 6},
		{"a": 4},
	}
	sums := sumMoments(l, records)

	corr, err := l.Statistics(types.ComputationCorrelation, sums)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, corr["correlation.a.b"], 1e-9)

	agg, err := l.Statistics(types.ComputationAggregation, sums)
	require.NoError(t, err)
	assert.Equal(t, 4.0, agg["count.a"])
	assert.Equal(t, 3.0, agg["count.b"])
	assert.InDelta(t, 2.5, agg["mean.a"], 1e-9)
	assert.InDelta(t, 5.0/3.0, agg["variance.a"], 1e-9)
	assert.InDelta(t, 4.0, agg["variance.b"], 1e-9)
}

func TestLayout_StatisticsErrors(t *testing.T) {
	single := NewLayout([]string{"a"}, true)
	_, err := single.Statistics(types.ComputationCorrelation, make([]float64, single.Width()))
	assert.Error(t, err)

	l := NewLayout([]string{"a", "b"}, false)
	_, err = l.Statistics(types.ComputationSum, []float64{1})
	assert.Error(t, err)
}

func TestExtract(t *testing.T) {
	rec := &types.Record{Fields: map[string]any{
		"motor_symptoms":     map[string]any{"tremor_severity": "3.5", "rigidity_severity": 11.0, "fall_count": 2},
		"non_motor_symptoms": "[RESTRICTED]",
	}}
	got := Extract(rec, FeaturesFor(nil))
	assert.Equal(t, map[string]float64{"tremor_severity": 3.5, "fall_count": 2}, got)
}

func TestFeaturesFor(t *testing.T) {
	motor := FeaturesFor([]types.DataCategory{types.CategoryMotorSymptoms})
	require.Len(t, motor, 4)
	assert.Equal(t, "bradykinesia_severity", motor[0].Name)
	assert.Len(t, FeaturesFor(nil), len(Features))
	assert.Empty(t, FeaturesFor([]types.DataCategory{types.CategoryMedications}))
}

func TestLaplace(t *testing.T) {
	assert.InDelta(t, math.Ln2, Laplace(func() float64 { return 0.75 }, 1), 1e-12)
	assert.InDelta(t, -math.Ln2, Laplace(func() float64 { return 0.25 }, 1), 1e-12)
	assert.Equal(t, 0.0, Laplace(func() float64 { return 0.5 }, 1))

	values := map[string]float64{"x": 1, "y": 2}
	AddNoise(values, func() float64 { return 0.75 })
	assert.InDelta(t, 1+math.Ln2, values["x"], 1e-12)
	assert.InDelta(t, 2+math.Ln2, values["y"], 1e-12)

	for i := 0; i < 100; i++ {
		u := CryptoUniform()
		assert.GreaterOrEqual(t, u, 0.0)
		assert.Less(t, u, 1.0)
	}
}
