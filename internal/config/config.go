// Package config loads amrcore settings from an optional YAML file and
// AMRCORE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. AMRCORE_STORAGE_DRIVER.
const EnvPrefix = "AMRCORE"

const (
	keyStorageDriver    = "storage.driver"
	keySQLitePath       = "storage.sqlite_path"
	keyPostgresDSN      = "storage.postgres_dsn"
	keyBlobDriver       = "blob.driver"
	keyBlobFSRoot       = "blob.fs_root"
	keyS3Bucket         = "blob.s3.bucket"
	keyS3Region         = "blob.s3.region"
	keyS3Endpoint       = "blob.s3.endpoint"
	keyS3PathStyle      = "blob.s3.path_style"
	keyUploadMinRows    = "upload.min_rows"
	keyCaseTestFraction = "split.case_test_fraction"
	keyCaseSeed         = "split.case_seed"
	keyDrugTestFraction = "split.drug_test_fraction"
	keyDrugSeed         = "split.drug_seed"
	keyBinningMinCount  = "training.binning_min_count"
	keyCatalogPath      = "training.catalog_path"
	keyThreshold        = "predict.threshold"
	keyRetrainCron      = "retrain.cron"
	keyRetrainTimeout   = "retrain.timeout"
	keyLogLevel         = "log.level"
	keyLogFormat        = "log.format"
	keyMetricsAddr      = "metrics.addr"
)

// Storage selects the persistence backend.
type Storage struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// S3 configures the S3 artifact backend.
type S3 struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// Blob selects the artifact backend.
type Blob struct {
	Driver string
	FSRoot string
	S3     S3
}

// Split controls the case and per-drug partitioning.
type Split struct {
	CaseTestFraction float64
	CaseSeed         int64
	DrugTestFraction float64
	DrugSeed         int64
}

// Config is the resolved runtime configuration.
type Config struct {
	Storage         Storage
	Blob            Blob
	UploadMinRows   int
	Split           Split
	BinningMinCount int
	CatalogPath     string
	Threshold       float64
	RetrainCron     string
	RetrainTimeout  time.Duration
	LogLevel        string
	LogFormat       string
	MetricsAddr     string
}

// New returns a viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(keyStorageDriver, "sqlite")
	v.SetDefault(keySQLitePath, "amrcore.db")
	v.SetDefault(keyPostgresDSN, "")
	v.SetDefault(keyBlobDriver, "fs")
	v.SetDefault(keyBlobFSRoot, "artifacts")
	v.SetDefault(keyS3Bucket, "")
	v.SetDefault(keyS3Region, "")
	v.SetDefault(keyS3Endpoint, "")
	v.SetDefault(keyS3PathStyle, false)
	v.SetDefault(keyUploadMinRows, 300)
	v.SetDefault(keyCaseTestFraction, 0.1)
	v.SetDefault(keyCaseSeed, 0)
	v.SetDefault(keyDrugTestFraction, 0.2)
	v.SetDefault(keyDrugSeed, 0)
	v.SetDefault(keyBinningMinCount, 10)
	v.SetDefault(keyCatalogPath, "")
	v.SetDefault(keyThreshold, 0.5)
	v.SetDefault(keyRetrainCron, "")
	v.SetDefault(keyRetrainTimeout, "2h")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, "text")
	v.SetDefault(keyMetricsAddr, "")
	return v
}

// Load reads path (when non-empty) on top of the defaults and environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper resolves and validates a Config from v.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Storage: Storage{
			Driver:      strings.ToLower(v.GetString(keyStorageDriver)),
			SQLitePath:  v.GetString(keySQLitePath),
			PostgresDSN: v.GetString(keyPostgresDSN),
		},
		Blob: Blob{
			Driver: strings.ToLower(v.GetString(keyBlobDriver)),
			FSRoot: v.GetString(keyBlobFSRoot),
			S3: S3{
				Bucket:    v.GetString(keyS3Bucket),
				Region:    v.GetString(keyS3Region),
				Endpoint:  v.GetString(keyS3Endpoint),
				PathStyle: v.GetBool(keyS3PathStyle),
			},
		},
		UploadMinRows: v.GetInt(keyUploadMinRows),
		Split: Split{
			CaseTestFraction: v.GetFloat64(keyCaseTestFraction),
			CaseSeed:         v.GetInt64(keyCaseSeed),
			DrugTestFraction: v.GetFloat64(keyDrugTestFraction),
			DrugSeed:         v.GetInt64(keyDrugSeed),
		},
		BinningMinCount: v.GetInt(keyBinningMinCount),
		CatalogPath:     v.GetString(keyCatalogPath),
		Threshold:       v.GetFloat64(keyThreshold),
		RetrainCron:     v.GetString(keyRetrainCron),
		RetrainTimeout:  v.GetDuration(keyRetrainTimeout),
		LogLevel:        v.GetString(keyLogLevel),
		LogFormat:       strings.ToLower(v.GetString(keyLogFormat)),
		MetricsAddr:     v.GetString(keyMetricsAddr),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket required when blob.driver is s3")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	if c.UploadMinRows < 0 {
		return fmt.Errorf("upload.min_rows must not be negative")
	}
	if !fractionOK(c.Split.CaseTestFraction) || !fractionOK(c.Split.DrugTestFraction) {
		return fmt.Errorf("split fractions must lie in (0, 1)")
	}
	if c.BinningMinCount < 0 {
		return fmt.Errorf("training.binning_min_count must not be negative")
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("predict.threshold must lie in (0, 1)")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func fractionOK(f float64) bool { return f > 0 && f < 1 }
