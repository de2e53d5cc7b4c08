package medabe

import (
	"github.com/hengadev/medabe/internal/access"
	"github.com/hengadev/medabe/internal/analytics"
	"github.com/hengadev/medabe/internal/fieldenc"
	"github.com/hengadev/medabe/internal/health"
	"github.com/hengadev/medabe/internal/keys"
	"github.com/hengadev/medabe/internal/store"
	"github.com/hengadev/medabe/internal/types"
)

type (
	Role         = types.Role
	AccessLevel  = types.AccessLevel
	DataCategory = types.DataCategory
	EntityType   = types.EntityType

	ABEPolicy              = types.ABEPolicy
	EncryptedDataContainer = types.EncryptedDataContainer
	AccessContext          = types.AccessContext
	EmergencyContext       = types.EmergencyContext
	AccessControlResult    = types.AccessControlResult
	UserSecretKey          = keys.UserSecretKey

	Record               = types.Record
	CaregiverAssignment  = types.CaregiverAssignment
	CaregiverType        = types.CaregiverType
	EmergencyAccessGrant = types.EmergencyAccessGrant
	EmergencyAccessType  = types.EmergencyAccessType
	ProxyReEncryptionKey = types.ProxyReEncryptionKey
	AuditEntry           = types.AuditEntry

	ComputationRequest = types.ComputationRequest
	ComputationResult  = types.ComputationResult
	ComputationJob     = types.ComputationJob
	CohortCriteria     = types.CohortCriteria
	MigrationConfig    = types.MigrationConfig
	MigrationJob       = types.MigrationJob
	JobStatus          = types.JobStatus

	AssignmentRequest = access.AssignmentRequest
	EmergencyRequest  = access.EmergencyRequest
	EncryptionContext = fieldenc.EncryptionContext
	Reader            = fieldenc.Reader
	FieldConfig       = fieldenc.Config
	HEParameters      = analytics.HEParameters
	HealthReport      = health.HealthReport

	Store        = store.Store
	RecordStore  = store.RecordStore
	BackupStore  = store.BackupStore
	RecordFilter = store.RecordFilter
	SecretSource = keys.SecretSource
)

const (
	RolePatient               = types.RolePatient
	RoleProfessionalCaregiver = types.RoleProfessionalCaregiver
	RoleFamilyCaregiver       = types.RoleFamilyCaregiver
	RoleClinicAdmin           = types.RoleClinicAdmin
	RoleSuperAdmin            = types.RoleSuperAdmin

	AccessPatientFull           = types.AccessPatientFull
	AccessCaregiverProfessional = types.AccessCaregiverProfessional
	AccessEmergency             = types.AccessEmergency
	AccessCaregiverFamily       = types.AccessCaregiverFamily

	CategoryDemographics      = types.CategoryDemographics
	CategoryMedicalHistory    = types.CategoryMedicalHistory
	CategoryMotorSymptoms     = types.CategoryMotorSymptoms
	CategoryNonMotorSymptoms  = types.CategoryNonMotorSymptoms
	CategoryAutonomicSymptoms = types.CategoryAutonomicSymptoms
	CategoryDailyActivities   = types.CategoryDailyActivities
	CategoryMedications       = types.CategoryMedications
	CategoryEmergencyContacts = types.CategoryEmergencyContacts

	EntityPatient      = types.EntityPatient
	EntitySymptomEntry = types.EntitySymptomEntry
	EntityUser         = types.EntityUser
)

const (
	JobPending    = types.JobPending
	JobRunning    = types.JobRunning
	JobCompleted  = types.JobCompleted
	JobFailed     = types.JobFailed
	JobCancelled  = types.JobCancelled
	JobRolledBack = types.JobRolledBack
)
