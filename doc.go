// Package medabe encrypts multi-tenant medical records so that only requesters
// whose attributes satisfy a record's policy can read it.
//
// # Overview
//
// Every key is derived from one master secret: master → organization authority
// → attribute keys → user secret keys. A record field is sealed with a fresh
// AES-256-GCM data key, and that data key is wrapped under the attribute keys
// its policy names. The resulting EncryptedDataContainer is signed with an
// organization-scoped HMAC, so tampering is detected before any decryption.
//
// Reads go through an access decision first. The decision considers, in order:
// an emergency grant, an active caregiver assignment, then organization
// membership, and every decision is written to an append-only audit log with
// an ed25519 proof from the master authority.
//
// On top of the codec the engine provides:
//   - transparent field encryption for patients, symptom entries and users,
//     declared per entity in YAML
//   - cohort statistics computed over CKKS ciphertexts, with optional Laplace noise
//   - a batched migration that encrypts legacy plaintext records, with backups,
//     cancellation and rollback
//   - proxy re-encryption for time-boxed delegation between users
//
// # Basic Usage
//
//	cfg, err := medabe.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := medabe.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	policy, err := engine.GeneratePolicy("patient-1",
//	    []medabe.DataCategory{medabe.CategoryMedications},
//	    medabe.AccessCaregiverProfessional, "org-1", 24)
//	container, err := engine.Encrypt(ctx, plaintext, policy, "org-1")
//
//	key, err := engine.GenerateUserSecretKey(ctx, "nurse-1", "org-1",
//	    medabe.RoleProfessionalCaregiver, []string{"patient-1"})
//	plaintext, err := engine.Decrypt(ctx, container, key, &medabe.AccessContext{
//	    RequesterID:         "nurse-1",
//	    RequesterRole:       medabe.RoleProfessionalCaregiver,
//	    OrganizationID:      "org-1",
//	    PatientID:           "patient-1",
//	    RequestedCategories: []medabe.DataCategory{medabe.CategoryMedications},
//	})
//
// # Errors
//
// Access denials from EvaluateAccess are results, not errors. Decrypt returns
// errors that classify with IsAccessError for policy questions and
// IsIntegrityError for tampered containers. Asynchronous job failures are
// stored on the job and read back with GetComputationJob or GetMigrationStatus.
package medabe
