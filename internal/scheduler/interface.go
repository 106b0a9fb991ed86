package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/conduit/internal/artifact"
	"github.com/mattjoyce/conduit/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/conduit/internal/scheduler RunStore

// RunStore defines the run database operations used by housekeeping.
type RunStore interface {
	RecoverOrphans(ctx context.Context, reason string) ([]string, error)
	PruneAttemptOutput(ctx context.Context, cutoff time.Time) (int64, error)
	PruneReports(ctx context.Context) (int64, error)
}

// ArtifactPruner removes expired artifact archives.
type ArtifactPruner interface {
	Prune(ctx context.Context) (artifact.PruneReport, error)
}

// CachePruner removes cache archives not written for a while.
type CachePruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (artifact.PruneReport, error)
}

// Pruners groups the on-disk stores swept on each tick. Nil members are
// skipped.
type Pruners struct {
	Artifacts  ArtifactPruner
	Caches     CachePruner
	Workspaces workspace.Manager
}
