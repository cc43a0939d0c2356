// Package blob selects a blob store backend for the commit audit sink.
package blob

import (
	"context"
	"fmt"
	"os"

	"entsession/internal/blob/core"
	"entsession/internal/infra/blob/fs"
	"entsession/internal/infra/blob/memory"
	"entsession/internal/infra/blob/s3"
)

// Open selects a core.Store implementation using environment variables.
//
//	ENTSESSION_BLOB_DRIVER: fs|s3|memory (default fs)
//	ENTSESSION_BLOB_FS_ROOT: directory root when driver=fs (default ./auditdata)
//	(S3 specific variables documented in the s3 package)
func Open(ctx context.Context) (core.Store, error) {
	driver := os.Getenv("ENTSESSION_BLOB_DRIVER")
	if driver == "" {
		driver = string(core.DriverFilesystem)
	}
	switch core.Driver(driver) {
	case core.DriverFilesystem:
		root := os.Getenv("ENTSESSION_BLOB_FS_ROOT")
		return fs.New(root)
	case core.DriverS3:
		return s3.OpenFromEnv(ctx)
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
