// Package logstore archives final job logs when a stop intent asks for log
// collection. The worker writes live logs under a local directory keyed by
// the job's unique name; archival copies them to durable storage.
package logstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"experiment-scheduler/internal/config"
)

// Archiver persists the final log file for a job and returns its location.
// A missing log file is not an error; jobs that never started have no logs.
type Archiver interface {
	Archive(ctx context.Context, jobName string) (string, error)
}

// New chooses an archiver: S3 when a bucket is configured, local otherwise.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.LogsS3Bucket != "" {
		return newS3Archiver(ctx, cfg)
	}
	return &localArchiver{logsDir: cfg.LogsDir, archiveDir: cfg.LogsArchiveDir}, nil
}

func logPath(logsDir, jobName string) string {
	return filepath.Join(logsDir, jobName+".log")
}

// localArchiver copies the log file into the archive directory.
type localArchiver struct {
	logsDir    string
	archiveDir string
}

func (a *localArchiver) Archive(_ context.Context, jobName string) (string, error) {
	src, err := os.Open(logPath(a.logsDir, jobName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file for %s: %w", jobName, err)
	}
	defer src.Close()

	dstPath := logPath(a.archiveDir, jobName)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("create archive file for %s: %w", jobName, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy logs for %s: %w", jobName, err)
	}
	return dstPath, nil
}
