package medabe

// Environment variable names
const (
	// EnvConfigFile points at a YAML configuration file. Environment variables
	// override the values it sets.
	EnvConfigFile = "MEDABE_CONFIG"

	// EnvSecretSource selects where the master secret comes from: static, file,
	// awskms or vault. When unset the source is inferred from the other variables.
	EnvSecretSource = "MEDABE_SECRET_SOURCE"

	// EnvMasterSecret is the base64 master secret for the static source.
	// Intended for development; production deployments use KMS or Vault.
	EnvMasterSecret = "MEDABE_MASTER_SECRET"

	// EnvMasterSecretFile is a file holding the base64 master secret.
	EnvMasterSecretFile = "MEDABE_MASTER_SECRET_FILE"

	// EnvKMSKeyID is the AWS KMS key (id, ARN or alias) the sealed secret is bound to.
	// Example: "alias/medabe-master"
	EnvKMSKeyID = "MEDABE_KMS_KEY_ID"

	// EnvKMSSealedSecret is the base64 KMS ciphertext of the master secret.
	EnvKMSSealedSecret = "MEDABE_KMS_SEALED_SECRET"

	// EnvAWSRegion overrides the region of the AWS SDK default chain.
	EnvAWSRegion = "MEDABE_AWS_REGION"

	// EnvVaultPath is the KV v2 data path of the master secret.
	// The Vault address and credentials come from the standard VAULT_* variables.
	EnvVaultPath = "MEDABE_VAULT_PATH"

	// EnvStorage selects the store backend: sqlite or memory.
	EnvStorage = "MEDABE_STORAGE"

	// EnvDBPath is the directory holding the SQLite database.
	// Default: .medabe
	EnvDBPath = "MEDABE_DB_PATH"

	// EnvDBFilename is the SQLite database filename.
	// Default: medabe.db
	EnvDBFilename = "MEDABE_DB_FILENAME"

	// EnvBackupBucket sends migration backups to this S3 bucket instead of the store.
	EnvBackupBucket = "MEDABE_BACKUP_BUCKET"

	// EnvBackupPrefix is the S3 key prefix for migration backups.
	EnvBackupPrefix = "MEDABE_BACKUP_PREFIX"

	// EnvFieldConfig is a YAML file declaring which fields are encrypted.
	EnvFieldConfig = "MEDABE_FIELD_CONFIG"

	// EnvLogLevel is one of debug, info, warn, error.
	EnvLogLevel = "MEDABE_LOG_LEVEL"

	// EnvLogFormat is one of json, text, console.
	EnvLogFormat = "MEDABE_LOG_FORMAT"
)

// Secret sources
const (
	SecretSourceStatic = "static"
	SecretSourceFile   = "file"
	SecretSourceAWSKMS = "awskms"
	SecretSourceVault  = "vault"
)

// Storage backends
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// Default values
const (
	// DefaultDBPath is the default directory for the SQLite database.
	DefaultDBPath = ".medabe"

	// DefaultDBFilename is the default filename for the SQLite database.
	DefaultDBFilename = "medabe.db"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	// AnalyticsServiceID is the user id of the key the analytics engine reads
	// symptom entries with.
	AnalyticsServiceID = "analytics-service"
)
