// Package config loads process configuration from EQUINECORE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"equinecore/internal/blob"

	"github.com/caarlos0/env/v11"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Metrics drivers.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
	MetricsNone       = "none"
)

// Config is the full runtime configuration. Defaults apply to unset variables.
type Config struct {
	StorageDriver string `env:"EQUINECORE_STORAGE_DRIVER" envDefault:"sqlite"`
	SQLitePath    string `env:"EQUINECORE_SQLITE_PATH"    envDefault:"equinecore.db"`
	PostgresDSN   string `env:"EQUINECORE_POSTGRES_DSN"`

	BlobDriver      string `env:"EQUINECORE_BLOB_DRIVER"         envDefault:"fs"`
	BlobFSRoot      string `env:"EQUINECORE_BLOB_FS_ROOT"        envDefault:"./catalogdata"`
	BlobS3Bucket    string `env:"EQUINECORE_BLOB_S3_BUCKET"`
	BlobS3Region    string `env:"EQUINECORE_BLOB_S3_REGION"      envDefault:"us-east-1"`
	BlobS3Endpoint  string `env:"EQUINECORE_BLOB_S3_ENDPOINT"`
	BlobS3PathStyle bool   `env:"EQUINECORE_BLOB_S3_PATH_STYLE"`

	// CatalogKey names a blob key to load the catalog from. Empty selects the
	// embedded default catalog.
	CatalogKey string `env:"EQUINECORE_CATALOG_KEY"`

	CareRecordLimit  int     `env:"EQUINECORE_CARE_RECORD_LIMIT" envDefault:"100"`
	CareCacheSize    int     `env:"EQUINECORE_CARE_CACHE_SIZE"   envDefault:"1024"`
	BatchConcurrency int     `env:"EQUINECORE_BATCH_CONCURRENCY" envDefault:"8"`
	StabilityFloor   float64 `env:"EQUINECORE_STABILITY_FLOOR"   envDefault:"-3"`
	DevMode          bool    `env:"EQUINECORE_DEV_MODE"`

	LogLevel      string `env:"EQUINECORE_LOG_LEVEL"      envDefault:"info"`
	LogFormat     string `env:"EQUINECORE_LOG_FORMAT"     envDefault:"json"`
	MetricsDriver string `env:"EQUINECORE_METRICS_DRIVER" envDefault:"prometheus"`
}

// Load parses the process environment and validates the result.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the supplied variables instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and numeric bounds.
func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.StorageDriver, StorageMemory, StorageSQLite, StoragePostgres) {
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	if !oneOf(c.BlobDriver, string(blob.DriverFilesystem), string(blob.DriverMemory), string(blob.DriverS3)) {
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.BlobDriver))
	}
	if c.BlobDriver == string(blob.DriverS3) && strings.TrimSpace(c.BlobS3Bucket) == "" {
		errs = append(errs, errors.New("EQUINECORE_BLOB_S3_BUCKET required for s3 blob driver"))
	}
	if !oneOf(c.MetricsDriver, MetricsPrometheus, MetricsExpvar, MetricsNone) {
		errs = append(errs, fmt.Errorf("unknown metrics driver %q", c.MetricsDriver))
	}
	if !oneOf(c.LogFormat, "json", "console") {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.CareRecordLimit <= 0 {
		errs = append(errs, fmt.Errorf("care record limit must be positive, got %d", c.CareRecordLimit))
	}
	if c.CareCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("care cache size must be positive, got %d", c.CareCacheSize))
	}
	if c.BatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("batch concurrency must be positive, got %d", c.BatchConcurrency))
	}
	return errors.Join(errs...)
}

// Blob returns the blob backend selection.
func (c Config) Blob() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.BlobDriver),
		FSRoot: c.BlobFSRoot,
		S3: blob.S3Config{
			Bucket:    c.BlobS3Bucket,
			Region:    c.BlobS3Region,
			Endpoint:  c.BlobS3Endpoint,
			PathStyle: c.BlobS3PathStyle,
		},
	}
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
