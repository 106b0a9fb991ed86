package artifact

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/conduit/internal/rules"
)

// collect walks root and returns the slash-separated relative paths of the
// files selected by include minus exclude. A pattern that selects a
// directory selects everything beneath it.
func collect(root string, include, exclude []string) ([]string, error) {
	include = normalizePatterns(include)
	exclude = normalizePatterns(exclude)
	if len(include) == 0 {
		return nil, nil
	}

	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if selected(exclude, rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if selected(include, rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func normalizePatterns(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(p)), "./"), "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// selected reports whether rel or one of its parent directories matches.
func selected(patterns []string, rel string) bool {
	for candidate := rel; candidate != "." && candidate != ""; candidate = path.Dir(candidate) {
		for _, p := range patterns {
			if rules.MatchGlob(p, candidate) {
				return true
			}
		}
		if !strings.Contains(candidate, "/") {
			break
		}
	}
	return false
}

// writeArchive streams files (relative to root) into w as tar+zstd and
// returns the blake3 digest and size of the compressed stream.
func writeArchive(w io.Writer, root string, files []string) (string, int64, error) {
	hasher := blake3.New()
	counter := &countingWriter{}
	zw, err := zstd.NewWriter(io.MultiWriter(w, hasher, counter), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return "", 0, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, rel := range files {
		if err := addFile(tw, root, rel); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return "", 0, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return "", 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("close zstd: %w", err)
	}
	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

func addFile(tw *tar.Writer, root, rel string) error {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(full); err != nil {
			return fmt.Errorf("read symlink %s: %w", rel, err)
		}
	} else if !info.Mode().IsRegular() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Uname, hdr.Gname = "", ""
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	return nil
}

// extractArchive unpacks a tar+zstd stream into dst and returns the digest
// of the compressed bytes it consumed.
func extractArchive(r io.Reader, dst string) (string, int, error) {
	hasher := blake3.New()
	tee := io.TeeReader(r, hasher)
	zr, err := zstd.NewReader(tee, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return "", 0, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	files := 0
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", files, fmt.Errorf("read archive: %w", err)
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return "", files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", files, fmt.Errorf("create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", files, fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			_ = os.Remove(target)
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return "", files, fmt.Errorf("create %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return "", files, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := f.Close(); err != nil {
				return "", files, err
			}
			files++
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return "", files, fmt.Errorf("symlink %s points outside the workspace", hdr.Name)
			}
			if _, err := safeJoin(dst, path.Join(path.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return "", files, fmt.Errorf("symlink %s points outside the workspace", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", files, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return "", files, fmt.Errorf("create symlink %s: %w", hdr.Name, err)
			}
			files++
		}
	}

	// Drain the rest of the stream so the digest covers every byte.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return "", files, fmt.Errorf("drain archive: %w", err)
	}
	return "blake3:" + hex.EncodeToString(hasher.Sum(nil)), files, nil
}

func safeJoin(root, name string) (string, error) {
	slashed := filepath.ToSlash(name)
	if path.IsAbs(slashed) {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	clean := path.Clean(slashed)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
