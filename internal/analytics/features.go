package analytics

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/hengadev/medabe/internal/types"
)

// Feature is one bounded numeric measurement read from a symptom entry.
type Feature struct {
	Name     string
	Category types.DataCategory
	// Field is the symptom entry field holding the JSON object; Key is the member.
	Field string
	Key   string
	Min   float64
	Max   float64
}

// Features lists every extractable measurement.
var Features = []Feature{
	{Name: "tremor_severity", Category: types.CategoryMotorSymptoms, Field: "motor_symptoms", Key: "tremor_severity", Min: 0, Max: 10},
	{Name: "rigidity_severity", Category: types.CategoryMotorSymptoms, Field: "motor_symptoms", Key: "rigidity_severity", Min: 0, Max: 10},
	{Name: "bradykinesia_severity", Category: types.CategoryMotorSymptoms, Field: "motor_symptoms", Key: "bradykinesia_severity", Min: 0, Max: 10},
	{Name: "fall_count", Category: types.CategoryMotorSymptoms, Field: "motor_symptoms", Key: "fall_count", Min: 0, Max: 100},
	{Name: "sleep_hours", Category: types.CategoryNonMotorSymptoms, Field: "non_motor_symptoms", Key: "sleep_hours", Min: 0, Max: 24},
	{Name: "blood_pressure_systolic", Category: types.CategoryAutonomicSymptoms, Field: "autonomic_symptoms", Key: "blood_pressure_systolic", Min: 50, Max: 260},
	{Name: "blood_pressure_diastolic", Category: types.CategoryAutonomicSymptoms, Field: "autonomic_symptoms", Key: "blood_pressure_diastolic", Min: 30, Max: 160},
}

// FeaturesFor returns the features of the given categories, ordered by name.
// No categories means every feature.
func FeaturesFor(categories []types.DataCategory) []Feature {
	want := make(map[types.DataCategory]struct{}, len(categories))
	for _, c := range categories {
		want[c] = struct{}{}
	}
	var out []Feature
	for _, f := range Features {
		if _, ok := want[f.Category]; ok || len(categories) == 0 {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Extract reads the features present on a decrypted symptom entry. Missing,
// redacted, non-numeric and out-of-range values are left out.
func Extract(rec *types.Record, features []Feature) map[string]float64 {
	out := map[string]float64{}
	for _, f := range features {
		obj, ok := rec.Fields[f.Field].(map[string]any)
		if !ok {
			continue
		}
		v, ok := number(obj[f.Key])
		if !ok || math.IsNaN(v) || v < f.Min || v > f.Max {
			continue
		}
		out[f.Name] = v
	}
	return out
}

func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
