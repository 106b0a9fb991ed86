// Package artifact stores job artifacts and caches as tar+zstd archives on
// local disk.
package artifact

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/pipeline"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrExpired  = errors.New("artifact expired")
	// ErrCorrupt means the archive no longer matches its recorded digest.
	ErrCorrupt = errors.New("artifact digest mismatch")
)

const (
	archiveExt  = ".tar.zst"
	manifestExt = ".json"
)

// Ref names the artifacts of one job in one pipeline run.
type Ref struct {
	RunID string
	Job   string
}

// Manifest describes a stored archive.
type Manifest struct {
	RunID     string     `json:"run_id"`
	Job       string     `json:"job"`
	Name      string     `json:"name,omitempty"`
	Files     []string   `json:"files"`
	Size      int64      `json:"size"`
	Digest    string     `json:"digest"`
	CreatedAt time.Time  `json:"created_at"`
	ExpireAt  *time.Time `json:"expire_at,omitempty"`
}

// Expired reports whether the manifest is past its expiry at now.
func (m Manifest) Expired(now time.Time) bool {
	return m.ExpireAt != nil && !now.Before(*m.ExpireAt)
}

// PruneReport summarizes a prune pass.
type PruneReport struct {
	Removed int   `json:"removed"`
	Bytes   int64 `json:"bytes"`
}

// Store keeps artifacts under root/<run>/<job key>.tar.zst with a JSON
// manifest next to each archive. Each job writes only its own files, and
// archives appear by atomic rename, so readers never see partial data.
type Store struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a store rooted at root.
func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Store{root: filepath.Clean(root), now: time.Now, logger: log.WithComponent("artifact")}, nil
}

// Root is the store's directory.
func (s *Store) Root() string { return s.root }

// Save snapshots the files declared by spec from buildDir.
func (s *Store) Save(ctx context.Context, ref Ref, buildDir string, spec *pipeline.Artifacts) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	if spec == nil {
		return Manifest{}, fmt.Errorf("job %q declares no artifacts", ref.Job)
	}
	archivePath, manifestPath, err := s.paths(ref)
	if err != nil {
		return Manifest{}, err
	}

	include := append([]string(nil), spec.Paths...)
	include = append(include, spec.Reports.JUnit...)
	if cr := spec.Reports.CoverageReport; cr != nil {
		include = append(include, cr.Path)
	}
	files, err := collect(buildDir, include, spec.Exclude)
	if err != nil {
		return Manifest{}, err
	}
	if len(files) == 0 {
		s.logger.Warn("no files matched artifact paths", "run_id", ref.RunID, "job", ref.Job)
	}

	now := s.now().UTC()
	m := Manifest{
		RunID:     ref.RunID,
		Job:       ref.Job,
		Name:      spec.Name,
		Files:     files,
		CreatedAt: now,
	}
	if !spec.Never {
		expire := spec.ExpireIn
		if expire <= 0 {
			expire = pipeline.DefaultExpireIn
		}
		at := now.Add(expire)
		m.ExpireAt = &at
	}

	m.Digest, m.Size, err = writeAtomic(archivePath, func(w io.Writer) (string, int64, error) {
		return writeArchive(w, buildDir, files)
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("save artifacts of %q: %w", ref.Job, err)
	}
	if err := writeManifest(manifestPath, m); err != nil {
		return Manifest{}, err
	}
	s.logger.Debug("artifacts saved", "run_id", ref.RunID, "job", ref.Job, "files", len(files), "bytes", m.Size)
	return m, nil
}

// Stat returns the manifest for ref.
func (s *Store) Stat(ref Ref) (Manifest, error) {
	_, manifestPath, err := s.paths(ref)
	if err != nil {
		return Manifest{}, err
	}
	return readManifest(manifestPath)
}

// Restore extracts the artifacts of ref into dst and verifies the digest.
func (s *Store) Restore(ctx context.Context, ref Ref, dst string) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	rc, m, err := s.Open(ref)
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()

	digest, _, err := extractArchive(rc, dst)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if digest != m.Digest {
		return m, fmt.Errorf("%w: %s has %s, manifest says %s", ErrCorrupt, ref.Job, digest, m.Digest)
	}
	return m, nil
}

// Open returns the raw archive of ref. Expired archives are reported as
// ErrExpired even before housekeeping removes them.
func (s *Store) Open(ref Ref) (io.ReadCloser, Manifest, error) {
	archivePath, manifestPath, err := s.paths(ref)
	if err != nil {
		return nil, Manifest{}, err
	}
	m, err := readManifest(manifestPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	if m.Expired(s.now()) {
		return nil, m, fmt.Errorf("%w: %s expired at %s", ErrExpired, ref.Job, m.ExpireAt.Format(time.RFC3339))
	}
	f, err := os.Open(archivePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, m, fmt.Errorf("%w: archive of %s is missing", ErrNotFound, ref.Job)
	}
	if err != nil {
		return nil, m, fmt.Errorf("open archive: %w", err)
	}
	return f, m, nil
}

// List returns the manifests of a run ordered by job name.
func (s *Store) List(runID string) ([]Manifest, error) {
	if err := validateSegment(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var out []Manifest
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), manifestExt) {
			continue
		}
		m, err := readManifest(filepath.Join(s.root, runID, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable manifest", "path", e.Name(), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out, nil
}

// Prune removes expired archives and empty run directories.
func (s *Store) Prune(ctx context.Context) (PruneReport, error) {
	var report PruneReport
	runs, err := os.ReadDir(s.root)
	if err != nil {
		return report, fmt.Errorf("read artifact directory: %w", err)
	}
	now := s.now()
	for _, run := range runs {
		if !run.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, run.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return report, fmt.Errorf("read run directory: %w", err)
		}
		remaining := 0
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !strings.HasSuffix(e.Name(), manifestExt) {
				if !strings.HasSuffix(e.Name(), archiveExt) {
					remaining++
				}
				continue
			}
			manifestPath := filepath.Join(dir, e.Name())
			m, err := readManifest(manifestPath)
			if err != nil || !m.Expired(now) {
				remaining++
				continue
			}
			archivePath := strings.TrimSuffix(manifestPath, manifestExt) + archiveExt
			if err := os.Remove(archivePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				return report, fmt.Errorf("remove archive: %w", err)
			}
			if err := os.Remove(manifestPath); err != nil {
				return report, fmt.Errorf("remove manifest: %w", err)
			}
			report.Removed++
			report.Bytes += m.Size
		}
		if remaining == 0 {
			_ = os.Remove(dir)
		}
	}
	return report, nil
}

// DeleteRun removes every artifact of a run.
func (s *Store) DeleteRun(runID string) error {
	if err := validateSegment(runID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, runID))
}

func (s *Store) paths(ref Ref) (archivePath, manifestPath string, err error) {
	if err := validateSegment(ref.RunID); err != nil {
		return "", "", err
	}
	if ref.Job == "" {
		return "", "", fmt.Errorf("job name is empty")
	}
	base := filepath.Join(s.root, ref.RunID, jobKey(ref.Job))
	return base + archiveExt, base + manifestExt, nil
}

// jobKey turns an arbitrary job name into a stable file name.
func jobKey(job string) string {
	sum := blake3.Sum256([]byte(job))
	return hex.EncodeToString(sum[:12])
}

func validateSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid identifier %q", s)
	}
	return nil
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place once fill succeeds.
func writeAtomic(target string, fill func(io.Writer) (string, int64, error)) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	digest, size, err := fill(tmp)
	if err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", 0, fmt.Errorf("rename into place: %w", err)
	}
	return digest, size, nil
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	_, _, err = writeAtomic(path, func(w io.Writer) (string, int64, error) {
		n, err := w.Write(data)
		return "", int64(n), err
	})
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, ErrNotFound
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", filepath.Base(path), err)
	}
	return m, nil
}
