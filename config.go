package medabe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hengadev/errsx"

	"github.com/hengadev/medabe/internal/abeerr"
	"github.com/hengadev/medabe/internal/analytics"
	"github.com/hengadev/medabe/internal/types"
)

// Config holds the settings for building an Engine.
//
// Config is data only. It can be filled by hand, decoded from YAML with
// LoadConfigFile, or read from MEDABE_* variables with LoadConfigFromEnvironment.
// Functional options passed to New take precedence over anything set here.
//
// Example:
//
//	cfg := medabe.Config{
//	    SecretSource: medabe.SecretSourceAWSKMS,
//	    KMS: medabe.KMSConfig{
//	        KeyID:        "alias/medabe-master",
//	        SealedSecret: sealed,
//	    },
//	    Storage: medabe.StorageSQLite,
//	}
//	engine, err := medabe.New(ctx, cfg)
type Config struct {
	// SecretSource selects the master secret provider. Empty means inferred:
	// MasterSecret, then MasterSecretFile, then KMS, then Vault.
	SecretSource string `yaml:"secret_source"`

	// MasterSecret is the base64 secret for the static source. It is never
	// read from YAML.
	MasterSecret string `yaml:"-"`

	// MasterSecretFile holds the base64 secret for the file source.
	MasterSecretFile string `yaml:"master_secret_file"`

	KMS   KMSConfig   `yaml:"kms"`
	Vault VaultConfig `yaml:"vault"`

	// Storage is sqlite (default) or memory.
	Storage string `yaml:"storage"`

	// DBPath is the directory for the SQLite database. Defaults to .medabe in the
	// project root, or in the working directory when no go.mod is found.
	DBPath string `yaml:"db_path"`

	// DBFilename defaults to medabe.db.
	DBFilename string `yaml:"db_filename"`

	Backup BackupConfig `yaml:"backup"`

	// FieldConfigPath is a YAML field configuration. Empty uses the built-in one.
	FieldConfigPath string `yaml:"field_config"`

	Log LogConfig `yaml:"log"`

	// Homomorphic overrides the CKKS parameters. Nil uses the defaults.
	Homomorphic *analytics.HEParameters `yaml:"homomorphic"`

	// Migration holds defaults the CLI applies to migrations it starts.
	Migration types.MigrationConfig `yaml:"migration"`
}

// KMSConfig locates a master secret sealed by AWS KMS.
type KMSConfig struct {
	KeyID        string `yaml:"key_id"`
	SealedSecret string `yaml:"sealed_secret"`
	Region       string `yaml:"region"`
}

// VaultConfig locates a master secret in Vault KV v2.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// BackupConfig sends migration backups to S3 when Bucket is set.
type BackupConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.SecretSource == "" {
		c.SecretSource = c.inferSecretSource()
	}
	switch c.SecretSource {
	case "":
		// New accepts WithMasterSecretSource instead
	case SecretSourceStatic:
		if c.MasterSecret == "" {
			errs.Set("master_secret", fmt.Errorf("is required for the %s source", SecretSourceStatic))
		}
	case SecretSourceFile:
		if c.MasterSecretFile == "" {
			errs.Set("master_secret_file", fmt.Errorf("is required for the %s source", SecretSourceFile))
		}
	case SecretSourceAWSKMS:
		if c.KMS.KeyID == "" {
			errs.Set("kms.key_id", fmt.Errorf("is required for the %s source", SecretSourceAWSKMS))
		}
		if c.KMS.SealedSecret == "" {
			errs.Set("kms.sealed_secret", fmt.Errorf("is required for the %s source", SecretSourceAWSKMS))
		}
	case SecretSourceVault:
	default:
		errs.Set("secret_source", fmt.Errorf("unknown source '%s'", c.SecretSource))
	}

	if c.Storage == "" {
		c.Storage = StorageSQLite
	}
	switch c.Storage {
	case StorageSQLite:
		if c.DBPath == "" {
			c.DBPath = defaultDBPath()
		}
		if c.DBFilename == "" {
			c.DBFilename = DefaultDBFilename
		}
		if strings.ContainsRune(c.DBFilename, filepath.Separator) {
			errs.Set("db_filename", errors.New("must be a file name, not a path"))
		}
	case StorageMemory:
	default:
		errs.Set("storage", fmt.Errorf("unknown storage '%s'", c.Storage))
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs.Set("log.level", fmt.Errorf("unknown level '%s'", c.Log.Level))
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "console":
	default:
		errs.Set("log.format", fmt.Errorf("unknown format '%s'", c.Log.Format))
	}

	if c.Homomorphic != nil {
		if c.Homomorphic.LogN < 10 || c.Homomorphic.LogN > 17 {
			errs.Set("homomorphic.log_n", errors.New("must be between 10 and 17"))
		}
		if len(c.Homomorphic.LogQ) == 0 || len(c.Homomorphic.LogP) == 0 {
			errs.Set("homomorphic", errors.New("log_q and log_p must not be empty"))
		}
	}

	if !errs.IsEmpty() {
		return fmt.Errorf("%w: %w", abeerr.ErrInvalidConfiguration, errs.AsError())
	}
	return nil
}

// DatabaseFile is the full SQLite path after Validate.
func (c *Config) DatabaseFile() string {
	return filepath.Join(c.DBPath, c.DBFilename)
}

func (c *Config) inferSecretSource() string {
	switch {
	case c.MasterSecret != "":
		return SecretSourceStatic
	case c.MasterSecretFile != "":
		return SecretSourceFile
	case c.KMS.KeyID != "" || c.KMS.SealedSecret != "":
		return SecretSourceAWSKMS
	case c.Vault.Path != "":
		return SecretSourceVault
	}
	return ""
}

func defaultDBPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return DefaultDBPath
	}
	if root, err := findProjectRoot(cwd); err == nil {
		return filepath.Join(root, DefaultDBPath)
	}
	return DefaultDBPath
}

// findProjectRoot walks up from startDir to the directory containing go.mod.
func findProjectRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
