package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/pipeline"
	"github.com/mattjoyce/conduit/internal/trigger"
)

// DefaultCacheKey is used when a cache declares no key or its key files
// are all missing.
const DefaultCacheKey = "default"

// CacheStore keeps best-effort caches under root/<namespace>/<key>.tar.zst.
// A pull refreshes the archive's modification time, which Prune uses as
// the last-used time.
type CacheStore struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// NewCacheStore returns a cache store rooted at root.
func NewCacheStore(root string) (*CacheStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &CacheStore{root: filepath.Clean(root), now: time.Now, logger: log.WithComponent("cache")}, nil
}

// ResolveKey computes the concrete key of c. Literal keys are expanded
// against vars. File keys hash the contents of the listed files in buildDir.
func (s *CacheStore) ResolveKey(c pipeline.Cache, vars trigger.Variables, buildDir string) (string, error) {
	if len(c.KeyFiles) == 0 {
		key := strings.TrimSpace(vars.Expand(c.Key))
		if key == "" {
			key = DefaultCacheKey
		}
		return key, nil
	}

	h := blake3.New()
	found := 0
	files := append([]string(nil), c.KeyFiles...)
	sort.Strings(files)
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(buildDir, filepath.FromSlash(f)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read cache key file %s: %w", f, err)
		}
		_, _ = io.WriteString(h, f+"\x00")
		_, _ = h.Write(data)
		found++
	}
	key := DefaultCacheKey
	if found > 0 {
		key = hex.EncodeToString(h.Sum(nil))[:40]
	}
	if prefix := strings.TrimSpace(vars.Expand(c.KeyPrefix)); prefix != "" {
		key = prefix + "-" + key
	}
	return key, nil
}

// Pull extracts the first existing key into dst and returns it. ErrNotFound
// means a cold cache.
func (s *CacheStore) Pull(ctx context.Context, namespace string, keys []string, dst string) (string, error) {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p, err := s.path(namespace, key)
		if err != nil {
			return "", err
		}
		f, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("open cache %q: %w", key, err)
		}
		_, _, err = extractArchive(f, dst)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("extract cache %q: %w", key, err)
		}
		now := s.now()
		_ = os.Chtimes(p, now, now)
		return key, nil
	}
	return "", ErrNotFound
}

// Push archives paths from srcDir under key, replacing any previous archive.
func (s *CacheStore) Push(ctx context.Context, namespace, key, srcDir string, paths []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := s.path(namespace, key)
	if err != nil {
		return 0, err
	}
	files, err := collect(srcDir, paths, nil)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	if _, _, err := writeAtomic(p, func(w io.Writer) (string, int64, error) {
		return writeArchive(w, srcDir, files)
	}); err != nil {
		return 0, fmt.Errorf("push cache %q: %w", key, err)
	}
	s.logger.Debug("cache pushed", "namespace", namespace, "key", key, "files", len(files))
	return len(files), nil
}

// Prune removes caches not used within olderThan.
func (s *CacheStore) Prune(ctx context.Context, olderThan time.Duration) (PruneReport, error) {
	var report PruneReport
	if olderThan <= 0 {
		return report, fmt.Errorf("olderThan must be positive")
	}
	cutoff := s.now().Add(-olderThan)
	namespaces, err := os.ReadDir(s.root)
	if err != nil {
		return report, fmt.Errorf("read cache directory: %w", err)
	}
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, ns.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return report, fmt.Errorf("read cache namespace: %w", err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !strings.HasSuffix(e.Name(), archiveExt) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return report, fmt.Errorf("remove cache: %w", err)
			}
			report.Removed++
			report.Bytes += info.Size()
		}
	}
	return report, nil
}

func (s *CacheStore) path(namespace, key string) (string, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := validateSegment(namespace); err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("cache key is empty")
	}
	return filepath.Join(s.root, url.PathEscape(namespace), url.PathEscape(key)+archiveExt), nil
}
