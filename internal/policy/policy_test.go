package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/types"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		op       Operator
		operands []string
		wantErr  bool
	}{
		{name: "single", expr: "role:patient", op: OpSingle, operands: []string{"role:patient"}},
		{name: "and", expr: "patient:P1 AND org:O1", op: OpAnd, operands: []string{"patient:p1", "org:o1"}},
		{name: "or", expr: "role:clinic_admin OR role:super_admin", op: OpOr, operands: []string{"role:clinic_admin", "role:super_admin"}},
		{name: "parentheses stripped", expr: "(patient:p1 AND (org:o1))", op: OpAnd, operands: []string{"patient:p1", "org:o1"}},
		{name: "mixed rejected", expr: "patient:p1 AND org:o1 OR role:patient", wantErr: true},
		{name: "empty", expr: "  ", wantErr: true},
		{name: "empty operand", expr: "patient:p1 AND  AND org:o1", wantErr: true},
		{name: "comma segment", expr: "patient:p1,org:o1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, abeerr.ErrInvalidPolicy)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.op, got.Op)
			assert.Equal(t, tt.operands, got.Operands)
		})
	}
}

func TestEvaluate(t *testing.T) {
	attrs := []string{"Patient:P1", "org:o1", "role:patient"}

	assert.True(t, Evaluate("patient:p1", attrs))
	assert.True(t, Evaluate("PATIENT:P1 AND ORG:O1", attrs))
	assert.False(t, Evaluate("patient:p1 AND org:o2", attrs))
	assert.True(t, Evaluate("org:o2 OR role:patient", attrs))
	assert.False(t, Evaluate("org:o2 OR role:clinic_admin", attrs))
	assert.False(t, Evaluate("patient:p1 AND org:o1 OR role:patient", attrs), "mixed expressions never match")
	assert.False(t, Evaluate("", attrs))
}

func TestEvaluate_Monotonic(t *testing.T) {
	universe := []string{"patient:p1", "org:o1", "access:emergency", "data:medications", "role:patient", "assigned:p1"}
	exprs := []string{
		"patient:p1",
		"patient:p1 AND org:o1",
		"access:emergency OR role:patient",
		"patient:p1 AND org:o1 AND data:medications AND role:patient",
		"assigned:p1 OR data:medications OR org:o2",
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var base []string
		for _, a := range universe {
			if rng.Intn(2) == 0 {
				base = append(base, a)
			}
		}
		extended := append(append([]string(nil), base...), universe[rng.Intn(len(universe))], "user:extra")
		for _, expr := range exprs {
			if Evaluate(expr, base) {
				assert.True(t, Evaluate(expr, extended), "adding attributes flipped %q to false", expr)
			}
		}
	}
}

func TestGenerate_ScenarioA(t *testing.T) {
	p, err := Generate("P1", []types.DataCategory{types.CategoryMotorSymptoms}, types.AccessPatientFull, "O1", 0, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, []string{"patient:p1", "org:o1", "access:patient_full", "data:motor_symptoms"}, p.Attributes)
	assert.Equal(t, "patient:p1 AND org:o1 AND access:patient_full AND data:motor_symptoms AND role:patient", p.Policy)
	assert.Nil(t, p.Expiration)
	require.NoError(t, Validate(p))

	key := append(append([]string(nil), p.Attributes...), "role:patient")
	assert.True(t, Evaluate(p.Policy, key))
	assert.False(t, Evaluate(p.Policy, p.Attributes))
}

func TestGenerate(t *testing.T) {
	p, err := Generate("p1", []types.DataCategory{types.CategoryMedications, types.CategoryMedications, types.CategoryDemographics},
		types.AccessCaregiverProfessional, "o1", 2, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, []types.DataCategory{types.CategoryMedications, types.CategoryDemographics}, p.DataCategories)
	assert.NotContains(t, p.Policy, "role:patient")
	require.NotNil(t, p.Expiration)
	assert.Equal(t, fixedNow.Add(2*time.Hour), *p.Expiration)
	assert.False(t, p.Expired(fixedNow.Add(time.Hour)))
	assert.True(t, p.Expired(fixedNow.Add(2*time.Hour)))
}

func TestGenerate_InvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		patientID  string
		categories []types.DataCategory
		level      types.AccessLevel
		orgID      string
		hours      int
	}{
		{"missing patient", "", []types.DataCategory{types.CategoryMedications}, types.AccessEmergency, "o1", 0},
		{"missing org", "p1", []types.DataCategory{types.CategoryMedications}, types.AccessEmergency, "", 0},
		{"unknown level", "p1", []types.DataCategory{types.CategoryMedications}, "root", "o1", 0},
		{"no categories", "p1", nil, types.AccessEmergency, "o1", 0},
		{"unknown category", "p1", []types.DataCategory{"genome"}, types.AccessEmergency, "o1", 0},
		{"negative expiration", "p1", []types.DataCategory{types.CategoryMedications}, types.AccessEmergency, "o1", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.patientID, tt.categories, tt.level, tt.orgID, tt.hours, fixedNow)
			assert.ErrorIs(t, err, abeerr.ErrInvalidPolicy)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *types.ABEPolicy {
		return &types.ABEPolicy{
			Attributes:     []string{"patient:p1", "org:o1"},
			Policy:         "patient:p1 AND org:o1",
			AccessLevel:    types.AccessEmergency,
			OrganizationID: "o1",
		}
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(p *types.ABEPolicy)
	}{
		{"foreign namespace", func(p *types.ABEPolicy) { p.Policy = "patient:p1 AND clearance:top" }},
		{"empty value", func(p *types.ABEPolicy) { p.Policy = "patient: AND org:o1" }},
		{"mixed", func(p *types.ABEPolicy) { p.Policy = "patient:p1 AND org:o1 OR role:patient" }},
		{"other organization", func(p *types.ABEPolicy) { p.Policy = "patient:p1 AND org:o2" }},
		{"bad attribute list", func(p *types.ABEPolicy) { p.Attributes = append(p.Attributes, "ssn:123") }},
		{"missing organization", func(p *types.ABEPolicy) { p.OrganizationID = "" }},
		{"unknown level", func(p *types.ABEPolicy) { p.AccessLevel = "root" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			assert.ErrorIs(t, Validate(p), abeerr.ErrInvalidPolicy)
		})
	}

	assert.ErrorIs(t, Validate(nil), abeerr.ErrInvalidPolicy)
}
