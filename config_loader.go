package medabe

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hengadev/medabe/internal/abeerr"
)

// LoadConfigFromEnvironment reads the configuration from MEDABE_* variables
// and returns it validated.
//
// Variables (all optional, defaults are applied by Validate):
//   - MEDABE_SECRET_SOURCE: static, file, awskms or vault
//   - MEDABE_MASTER_SECRET / MEDABE_MASTER_SECRET_FILE: base64 master secret
//   - MEDABE_KMS_KEY_ID, MEDABE_KMS_SEALED_SECRET, MEDABE_AWS_REGION
//   - MEDABE_VAULT_PATH
//   - MEDABE_STORAGE, MEDABE_DB_PATH, MEDABE_DB_FILENAME
//   - MEDABE_BACKUP_BUCKET, MEDABE_BACKUP_PREFIX
//   - MEDABE_FIELD_CONFIG
//   - MEDABE_LOG_LEVEL, MEDABE_LOG_FORMAT
//
// Example:
//
//	// export MEDABE_KMS_KEY_ID="alias/medabe-master"
//	// export MEDABE_KMS_SEALED_SECRET="AQICAHh..."
//	cfg, err := medabe.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := medabe.New(ctx, cfg)
func LoadConfigFromEnvironment() (Config, error) {
	var cfg Config
	applyEnvironment(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile decodes a YAML configuration file and returns it validated.
func LoadConfigFile(path string) (Config, error) {
	cfg, err := readConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads path when it is not empty, then lets MEDABE_* variables
// override individual settings.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		c, err := readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = c
	}
	applyEnvironment(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func readConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: failed to read config file '%s': %w", abeerr.ErrInvalidConfiguration, path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config file '%s': %w", abeerr.ErrInvalidConfiguration, path, err)
	}
	return cfg, nil
}

func applyEnvironment(cfg *Config) {
	cfg.SecretSource = getEnvOrDefault(EnvSecretSource, cfg.SecretSource)
	cfg.MasterSecret = getEnvOrDefault(EnvMasterSecret, cfg.MasterSecret)
	cfg.MasterSecretFile = getEnvOrDefault(EnvMasterSecretFile, cfg.MasterSecretFile)
	cfg.KMS.KeyID = getEnvOrDefault(EnvKMSKeyID, cfg.KMS.KeyID)
	cfg.KMS.SealedSecret = getEnvOrDefault(EnvKMSSealedSecret, cfg.KMS.SealedSecret)
	cfg.KMS.Region = getEnvOrDefault(EnvAWSRegion, cfg.KMS.Region)
	cfg.Vault.Path = getEnvOrDefault(EnvVaultPath, cfg.Vault.Path)
	cfg.Storage = getEnvOrDefault(EnvStorage, cfg.Storage)
	cfg.DBPath = getEnvOrDefault(EnvDBPath, cfg.DBPath)
	cfg.DBFilename = getEnvOrDefault(EnvDBFilename, cfg.DBFilename)
	cfg.Backup.Bucket = getEnvOrDefault(EnvBackupBucket, cfg.Backup.Bucket)
	cfg.Backup.Prefix = getEnvOrDefault(EnvBackupPrefix, cfg.Backup.Prefix)
	cfg.Backup.Region = getEnvOrDefault(EnvAWSRegion, cfg.Backup.Region)
	cfg.FieldConfigPath = getEnvOrDefault(EnvFieldConfig, cfg.FieldConfigPath)
	cfg.Log.Level = getEnvOrDefault(EnvLogLevel, cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault(EnvLogFormat, cfg.Log.Format)
}

// getEnvOrDefault returns the value of key, or defaultValue when it is unset or empty.
func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
