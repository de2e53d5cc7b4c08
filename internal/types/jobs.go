package types

import "time"

// JobStatus is the lifecycle state of a detached job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRolledBack JobStatus = "rolled_back"
)

// Terminal reports whether no further transition is expected from the runner.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobRolledBack:
		return true
	}
	return false
}

// ComputationType selects the statistic a computation job produces.
type ComputationType string

const (
	ComputationSum         ComputationType = "sum"
	ComputationMean        ComputationType = "mean"
	ComputationCount       ComputationType = "count"
	ComputationVariance    ComputationType = "variance"
	ComputationCorrelation ComputationType = "correlation"
	ComputationAggregation ComputationType = "aggregation"
)

// Valid reports whether t is a known computation type.
func (t ComputationType) Valid() bool {
	switch t {
	case ComputationSum, ComputationMean, ComputationCount, ComputationVariance, ComputationCorrelation, ComputationAggregation:
		return true
	}
	return false
}

// PrivacyLevel controls whether noise is added to results.
type PrivacyLevel string

const (
	PrivacyStandard     PrivacyLevel = "standard"
	PrivacyDifferential PrivacyLevel = "differential"
)

// CohortCriteria selects the patient population a computation applies to.
type CohortCriteria struct {
	OrganizationIDs   []string   `json:"organization_ids,omitempty"`
	DiagnosisDateFrom *time.Time `json:"diagnosis_date_from,omitempty"`
	DiagnosisDateTo   *time.Time `json:"diagnosis_date_to,omitempty"`
}

// ComputationRequest is what a caller submits to the analytics engine.
type ComputationRequest struct {
	Type           ComputationType `json:"type"`
	RequesterID    string          `json:"requester_id"`
	RequesterRole  Role            `json:"requester_role"`
	OrganizationID string          `json:"organization_id"`
	Purpose        string          `json:"purpose"`
	DataCategories []DataCategory  `json:"data_categories"`
	CohortCriteria CohortCriteria  `json:"cohort_criteria"`
	PrivacyLevel   PrivacyLevel    `json:"privacy_level"`
}

// ComputationResult holds the statistics a completed job produced.
type ComputationResult struct {
	Values        map[string]float64 `json:"values"`
	RecordCount   int                `json:"record_count"`
	PatientCount  int                `json:"patient_count"`
	Features      []string           `json:"features"`
	SkippedCount  int                `json:"skipped_count"`
	NoiseApplied  bool               `json:"noise_applied"`
	Epsilon       float64            `json:"epsilon,omitempty"`
	SecurityLevel int                `json:"security_level"`
}

// ComputationJob is the persisted state of an analytics computation.
type ComputationJob struct {
	ID          string             `json:"id"`
	Request     ComputationRequest `json:"request"`
	Status      JobStatus          `json:"status"`
	Result      *ComputationResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// MigrationConfig configures a legacy data encryption run.
type MigrationConfig struct {
	BatchSize          int            `json:"batch_size" yaml:"batch_size"`
	Concurrency        int            `json:"concurrency" yaml:"concurrency"`
	DryRun             bool           `json:"dry_run" yaml:"dry_run"`
	DataCategories     []DataCategory `json:"data_categories,omitempty" yaml:"data_categories"`
	OrganizationIDs    []string       `json:"organization_ids,omitempty" yaml:"organization_ids"`
	SkipIntegrityCheck bool           `json:"skip_integrity_check" yaml:"skip_integrity_check"`
	CreateBackup       bool           `json:"create_backup" yaml:"create_backup"`
	RequestedBy        string         `json:"requested_by,omitempty" yaml:"-"`
}

// MigrationStage names the pipeline stage a migration is in.
type MigrationStage string

const (
	StageAnalyze  MigrationStage = "analyze"
	StageBackup   MigrationStage = "backup"
	StageMigrate  MigrationStage = "migrate"
	StageVerify   MigrationStage = "verify"
	StageFinalize MigrationStage = "finalize"
	StageRollback MigrationStage = "rollback"
)

// MigrationCounts tallies per-record outcomes.
type MigrationCounts struct {
	TotalRecords     int `json:"total_records"`
	EligibleRecords  int `json:"eligible_records"`
	ProcessedRecords int `json:"processed_records"`
	EncryptedRecords int `json:"encrypted_records"`
	SkippedRecords   int `json:"skipped_records"`
	FailedRecords    int `json:"failed_records"`
}

// MigrationJob is the persisted state of a migration run.
type MigrationJob struct {
	ID                   string          `json:"id"`
	Config               MigrationConfig `json:"config"`
	Status               JobStatus       `json:"status"`
	Stage                MigrationStage  `json:"stage"`
	Counts               MigrationCounts `json:"counts"`
	RemainingUnencrypted int             `json:"remaining_unencrypted"`
	BackupCreated        bool            `json:"backup_created"`
	BackupRecords        int             `json:"backup_records"`
	Errors               []string        `json:"errors,omitempty"`
	Error                string          `json:"error,omitempty"`
	StartedAt            time.Time       `json:"started_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// MaxRecordedMigrationErrors bounds the per-record error messages kept on a job.
const MaxRecordedMigrationErrors = 100
