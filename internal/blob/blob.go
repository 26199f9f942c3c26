// Package blob selects the blob backend catalog documents are read from.
// Callers depend on core.Store; only this package imports the infra drivers.
package blob

import (
	"context"
	"fmt"

	"equinecore/internal/blob/core"
	"equinecore/internal/infra/blob/fs"
	"equinecore/internal/infra/blob/memory"
	"equinecore/internal/infra/blob/s3"
)

type (
	// Store is the blob backend contract.
	Store = core.Store
	// Object describes a stored document.
	Object = core.Object
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Driver identifies a backend.
	Driver = core.Driver
	// S3Config parameterises the S3 backend.
	S3Config = s3.Config
)

const (
	// DriverFilesystem selects the local directory backend.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 selects the S3 compatible backend.
	DriverS3 = core.DriverS3
	// DriverMemory selects the in-process backend.
	DriverMemory = core.DriverMemory
)

// Config chooses and parameterises a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open builds the configured store. An empty driver means filesystem.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
