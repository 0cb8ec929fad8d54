package storage

import (
	"context"
	"time"
)

// Ledger records staging runs and the files each run wrote.
type Ledger interface {
	// BeginRun opens a run record and returns its id.
	BeginRun(ctx context.Context, root, dest string, started time.Time) (int64, error)

	// RecordFile stores one staged destination file of a run.
	RecordFile(ctx context.Context, runID int64, f StagedFile) error

	// FinishRun closes a run. A nil runErr marks it successful.
	FinishRun(ctx context.Context, runID int64, finished time.Time, runErr error) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// RunFiles returns the files recorded for a run in staging order.
	RunFiles(ctx context.Context, runID int64) ([]StagedFile, error)

	Close() error
}

type Run struct {
	ID         int64
	Root       string
	Dest       string
	StartedAt  time.Time
	FinishedAt time.Time
	Success    bool
	Error      string
	FileCount  int
}

type StagedFile struct {
	Family string
	Source string
	Dest   string
	Size   int64
	SHA256 string
}
