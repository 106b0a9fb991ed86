package workspace

import (
	"context"
	"time"
)

// Workspace is the private directory tree of one job attempt.
//
// BuildDir holds a fresh copy of the project and is where scripts run.
// MetaDir holds generated scripts and control markers.
type Workspace struct {
	ID       string
	Dir      string
	BuildDir string
	MetaDir  string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs attempt workspace lifecycle.
type Manager interface {
	// Create initializes a workspace for id. When projectDir is set its
	// contents are copied into BuildDir.
	Create(ctx context.Context, id, projectDir string) (Workspace, error)

	// Open resolves an existing workspace.
	Open(ctx context.Context, id string) (Workspace, error)

	// Remove deletes a workspace.
	Remove(ctx context.Context, id string) error

	// Cleanup removes stale workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
