package slave

import (
	"archive/zip"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxArchiveBytes caps the uncompressed size of an artifact archive.
const maxArchiveBytes = 200 * 1024 * 1024

const tooBigEntry = "_ARCHIVE_TOO_BIG_"

// BuildArchive expands the task's glob patterns against the leaked test
// directory and zips the matches under their paths relative to it.
// Matches that resolve outside the directory are skipped. If the
// matched files together exceed maxArchiveBytes the archive is replaced
// by one explanatory entry. No matches means no archive.
func BuildArchive(testDir string, globs []string) ([]byte, error) {
	if testDir == "" || len(globs) == 0 {
		return nil, nil
	}
	realDir, err := filepath.EvalSymlinks(testDir)
	if err != nil {
		return nil, fmt.Errorf("op=slave.archive dir=%s: %w", testDir, err)
	}

	matched := map[string]struct{}{}
	var totalSize int64
	for _, g := range globs {
		paths, err := doublestar.FilepathGlob(filepath.Join(realDir, g))
		if err != nil {
			slog.Warn("bad artifact glob", "glob", g, "err", err)
			continue
		}
		for _, p := range paths {
			canonical, err := filepath.EvalSymlinks(p)
			if err != nil {
				slog.Warn("skipping unresolvable match", "path", p, "err", err)
				continue
			}
			if canonical != realDir && !strings.HasPrefix(canonical, realDir+string(os.PathSeparator)) {
				slog.Warn("glob matched file outside test dir, skipping",
					"glob", g, "path", canonical, "test_dir", realDir)
				continue
			}
			info, err := os.Stat(canonical)
			if err != nil || info.IsDir() {
				continue
			}
			if _, ok := matched[canonical]; ok {
				continue
			}
			matched[canonical] = struct{}{}
			totalSize += info.Size()
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}
	if totalSize > maxArchiveBytes {
		return tooBigArchive(totalSize)
	}

	paths := make([]string, 0, len(matched))
	for p := range matched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, p := range paths {
		rel, err := filepath.Rel(realDir, p)
		if err != nil {
			return nil, fmt.Errorf("op=slave.archive path=%s: %w", p, err)
		}
		rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
		w, err := zw.Create(rel)
		if err != nil {
			return nil, fmt.Errorf("op=slave.archive path=%s: %w", p, err)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("op=slave.archive path=%s: %w", p, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("op=slave.archive path=%s: %w", p, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("op=slave.archive: %w", err)
	}
	return buf.Bytes(), nil
}

func tooBigArchive(totalSize int64) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(tooBigEntry)
	if err != nil {
		return nil, fmt.Errorf("op=slave.archive: %w", err)
	}
	fmt.Fprintf(w, "Size of matched uncompressed test artifacts exceeded maximum size (%d bytes > %d bytes)!",
		totalSize, maxArchiveBytes)
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("op=slave.archive: %w", err)
	}
	return buf.Bytes(), nil
}
