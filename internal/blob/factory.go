package blob

import (
	"amrcore/internal/config"
	"amrcore/internal/infra/blob/fs"
	"amrcore/internal/infra/blob/memory"
	"amrcore/internal/infra/blob/s3"
	"context"
	"fmt"
)

// Open selects a Store implementation from the blob configuration.
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return fs.New(cfg.FSRoot)
	case DriverS3:
		return s3.New(ctx, s3.Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
