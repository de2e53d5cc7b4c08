package container

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/policy"
	"github.com/hengadev/medabe/internal/types"
)

type fixedEvaluator struct {
	result *types.AccessControlResult
	err    error
	calls  int
}

func (f *fixedEvaluator) EvaluateAccess(context.Context, *types.AccessContext) (*types.AccessControlResult, error) {
	f.calls++
	return f.result, f.err
}

type fixture struct {
	hierarchy *keys.Hierarchy
	codec     *Codec
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	master, err := keys.NewMasterAuthority(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	f := &fixture{hierarchy: keys.NewHierarchy(master), now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	f.codec = NewCodec(f.hierarchy, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) key(t *testing.T, userID, orgID string, attrs ...string) *keys.UserSecretKey {
	t.Helper()
	k, err := f.hierarchy.DeriveUserSecretKey(userID, orgID, attrs)
	require.NoError(t, err)
	return k
}

func scenarioAPolicy(t *testing.T, now time.Time) *types.ABEPolicy {
	t.Helper()
	p, err := policy.Generate("P1", []types.DataCategory{types.CategoryMotorSymptoms}, types.AccessPatientFull, "O1", 0, now)
	require.NoError(t, err)
	return p
}

func TestCodec_ScenarioA(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)

	ec, err := f.codec.Encrypt([]byte(`{"tremor":3}`), p, "O1")
	require.NoError(t, err)

	key := f.key(t, "u-p1", "O1", append(p.Attributes, "role:patient")...)
	got, err := f.codec.Open(ec, key)
	require.NoError(t, err)
	assert.Equal(t, `{"tremor":3}`, string(got))

	_, err = f.codec.Open(ec, key.Without("role:patient"))
	assert.ErrorIs(t, err, abeerr.ErrAccessDenied)
}

func TestCodec_RoundTripWireFormat(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)
	exp := f.now.Add(time.Hour)
	p.Expiration = &exp

	ec, err := f.codec.Encrypt([]byte("payload"), p, "O1", WithMetadata(map[string]string{"field": "notes"}))
	require.NoError(t, err)

	wire, err := Marshal(ec)
	require.NoError(t, err)
	for _, k := range []string{`"dataId"`, `"ciphertext"`, `"data"`, `"iv"`, `"key"`, `"algorithm"`, `"abePolicy"`, `"metadata"`, `"signature"`, `"version"`} {
		assert.Contains(t, string(wire), k)
	}

	decoded, err := Unmarshal(wire)
	require.NoError(t, err)
	require.NoError(t, f.codec.Verify(decoded))

	got, err := f.codec.Open(decoded, f.key(t, "u", "O1", append(p.Attributes, "role:patient")...))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, "notes", decoded.Metadata["field"])
	assert.Equal(t, "O1", decoded.Metadata[MetadataOrganization])
}

func TestCodec_OrPolicy(t *testing.T) {
	f := newFixture(t)
	p := &types.ABEPolicy{
		Attributes:     []string{"role:clinic_admin", "role:super_admin"},
		Policy:         "role:clinic_admin OR role:super_admin",
		OrganizationID: "O1",
	}
	ec, err := f.codec.Encrypt([]byte("report"), p, "O1")
	require.NoError(t, err)

	for _, attr := range []string{"role:clinic_admin", "ROLE:Super_Admin"} {
		got, err := f.codec.Open(ec, f.key(t, "u", "O1", attr))
		require.NoError(t, err, attr)
		assert.Equal(t, "report", string(got))
	}
	_, err = f.codec.Open(ec, f.key(t, "u", "O1", "role:patient"))
	assert.ErrorIs(t, err, abeerr.ErrAccessDenied)
}

func TestCodec_TamperDetection(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)
	key := f.key(t, "u", "O1", append(p.Attributes, "role:patient")...)

	flip := func(s string) string {
		raw, err := base64.StdEncoding.DecodeString(s)
		require.NoError(t, err)
		raw[len(raw)/2] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name   string
		mutate func(ec *types.EncryptedDataContainer)
	}{
		{"ciphertext data", func(ec *types.EncryptedDataContainer) { ec.Ciphertext.Data = flip(ec.Ciphertext.Data) }},
		{"iv", func(ec *types.EncryptedDataContainer) { ec.Ciphertext.IV = flip(ec.Ciphertext.IV) }},
		{"wrapped key", func(ec *types.EncryptedDataContainer) { ec.Ciphertext.Key = flip(ec.Ciphertext.Key) }},
		{"metadata", func(ec *types.EncryptedDataContainer) { ec.Metadata[MetadataCreatedAt] = "2000-01-01T00:00:00Z" }},
		{"added metadata", func(ec *types.EncryptedDataContainer) { ec.Metadata["x"] = "y" }},
		{"policy expression", func(ec *types.EncryptedDataContainer) { ec.ABEPolicy.Policy = "patient:p1" }},
		{"policy categories", func(ec *types.EncryptedDataContainer) {
			ec.ABEPolicy.DataCategories = []types.DataCategory{types.CategoryMedications}
		}},
		{"access level", func(ec *types.EncryptedDataContainer) { ec.ABEPolicy.AccessLevel = types.AccessEmergency }},
		{"data id", func(ec *types.EncryptedDataContainer) { ec.DataID = "other" }},
		{"signature", func(ec *types.EncryptedDataContainer) { ec.Signature = flip(ec.Signature) }},
		{"version", func(ec *types.EncryptedDataContainer) { ec.Version = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, err := f.codec.Encrypt([]byte("sensitive"), p, "O1")
			require.NoError(t, err)
			tt.mutate(ec)

			got, err := f.codec.Open(ec, key)
			assert.Nil(t, got)
			assert.ErrorIs(t, err, abeerr.ErrIntegrityVerificationFailed)
		})
	}
}

func TestCodec_Expiration(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)
	exp := f.now.Add(30 * time.Minute)
	p.Expiration = &exp
	key := f.key(t, "u", "O1", append(p.Attributes, "role:patient")...)

	ec, err := f.codec.Encrypt([]byte("x"), p, "O1")
	require.NoError(t, err)

	_, err = f.codec.Open(ec, key)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.codec.Open(ec, key)
	assert.ErrorIs(t, err, abeerr.ErrPolicyExpired)
}

func TestCodec_OrganizationMismatch(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)

	_, err := f.codec.Encrypt([]byte("x"), p, "O2")
	assert.ErrorIs(t, err, abeerr.ErrOrganizationMismatch)

	ec, err := f.codec.Encrypt([]byte("x"), p, "O1")
	require.NoError(t, err)
	_, err = f.codec.Open(ec, f.key(t, "u", "O2", append(p.Attributes, "role:patient")...))
	assert.ErrorIs(t, err, abeerr.ErrOrganizationMismatch)
}

func TestCodec_AttributeKeysAreOrgBound(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)
	ec, err := f.codec.Encrypt([]byte("x"), p, "O1")
	require.NoError(t, err)

	// A key claiming O1 but derived under another tenant cannot unwrap.
	forged := f.key(t, "u", "O2", append(p.Attributes, "role:patient")...)
	forged.OrganizationID = "O1"
	_, err = f.codec.Open(ec, forged)
	assert.ErrorIs(t, err, abeerr.ErrDecryptionFailed)
}

func TestCodec_DecryptConsultsAccessEngine(t *testing.T) {
	f := newFixture(t)
	p := scenarioAPolicy(t, f.now)
	key := f.key(t, "u", "O1", append(p.Attributes, "role:patient")...)
	actx := &types.AccessContext{RequesterID: "u", RequesterRole: types.RolePatient, OrganizationID: "O1", PatientID: "P1"}

	ec, err := f.codec.Encrypt([]byte("x"), p, "O1")
	require.NoError(t, err)

	t.Run("granted", func(t *testing.T) {
		eval := &fixedEvaluator{result: &types.AccessControlResult{
			Granted:              true,
			AccessibleCategories: []types.DataCategory{types.CategoryMotorSymptoms},
		}}
		f.codec.SetAccessEvaluator(eval)
		got, err := f.codec.Decrypt(context.Background(), ec, key, actx)
		require.NoError(t, err)
		assert.Equal(t, "x", string(got))
		assert.Equal(t, 1, eval.calls)
	})

	t.Run("denied", func(t *testing.T) {
		f.codec.SetAccessEvaluator(&fixedEvaluator{result: &types.AccessControlResult{DenialReason: "No valid access relationship found"}})
		_, err := f.codec.Decrypt(context.Background(), ec, key, actx)
		assert.ErrorIs(t, err, abeerr.ErrAccessDenied)
		assert.Contains(t, err.Error(), "No valid access relationship found")
	})

	t.Run("category filtered", func(t *testing.T) {
		f.codec.SetAccessEvaluator(&fixedEvaluator{result: &types.AccessControlResult{
			Granted:              true,
			AccessibleCategories: []types.DataCategory{types.CategoryDemographics},
		}})
		_, err := f.codec.Decrypt(context.Background(), ec, key, actx)
		assert.ErrorIs(t, err, abeerr.ErrAccessDenied)
	})

	t.Run("missing context", func(t *testing.T) {
		_, err := f.codec.Decrypt(context.Background(), ec, key, nil)
		assert.ErrorIs(t, err, abeerr.ErrAuthenticationRequired)
	})

	t.Run("integrity checked before access", func(t *testing.T) {
		eval := &fixedEvaluator{result: &types.AccessControlResult{Granted: true}}
		f.codec.SetAccessEvaluator(eval)
		tampered := *ec
		tampered.Signature = base64.StdEncoding.EncodeToString([]byte("nope"))
		_, err := f.codec.Decrypt(context.Background(), &tampered, key, actx)
		assert.ErrorIs(t, err, abeerr.ErrIntegrityVerificationFailed)
		assert.Zero(t, eval.calls)
	})
}

func TestUnmarshal_Malformed(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"))
	assert.ErrorIs(t, err, abeerr.ErrIntegrityVerificationFailed)
}
