package client

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/disttest/internal/usecase"
)

const downloadAttempts = 3

// FetchOptions selects what to download for a job.
type FetchOptions struct {
	OutDir    string
	Logs      bool
	Artifacts bool
}

// Fetch downloads logs and artifact archives for every finished
// attempt of a job into opts.OutDir. Archives are extracted next to
// the downloaded zip, one directory per attempt. Downloads run in
// parallel since the links point straight at the blob store.
func (c *Client) Fetch(ctx context.Context, jobID string, opts FetchOptions) error {
	if !opts.Logs && !opts.Artifacts {
		return fmt.Errorf("op=client.fetch: nothing selected, pass logs or artifacts")
	}
	tasks, err := c.Tasks(ctx, jobID, "finished")
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("op=client.fetch: %w", err)
	}

	type download struct {
		link, path string
		archive    bool
	}
	var downloads []download
	for _, t := range tasks {
		prefix := filepath.Join(opts.OutDir, attemptFilePrefix(t))
		if opts.Logs {
			if t.StdoutLink != "" {
				downloads = append(downloads, download{t.StdoutLink, prefix + ".stdout", false})
			}
			if t.StderrLink != "" {
				downloads = append(downloads, download{t.StderrLink, prefix + ".stderr", false})
			}
		}
		if opts.Artifacts && t.ArtifactArchiveLink != "" {
			downloads = append(downloads, download{t.ArtifactArchiveLink, prefix + ".zip", true})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU() * 2)
	for _, d := range downloads {
		g.Go(func() error {
			if err := c.download(gctx, d.link, d.path); err != nil {
				return err
			}
			if d.archive {
				return extractZip(d.path, opts.OutDir)
			}
			return nil
		})
	}
	return g.Wait()
}

// attemptFilePrefix builds a filesystem-safe name unique per attempt.
func attemptFilePrefix(t usecase.TaskView) string {
	return strings.Join([]string{
		safeName(t.TaskID), safeName(strconv.Itoa(t.Attempt)), safeName(t.Description),
	}, ".")
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}

// download fetches link into path, retrying transient failures. An
// existing file is assumed complete from an earlier run.
func (c *Client) download(ctx context.Context, link, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	op := func() error {
		if err := c.downloadOnce(ctx, link, path); err != nil {
			_ = os.Remove(path)
			return err
		}
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), downloadAttempts-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=client.download path=%s: %w", path, err)
	}
	return nil
}

func (c *Client) downloadOnce(ctx context.Context, link, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// extractZip unpacks an archive into outDir/<zip basename>/. Entry
// names are confined to the destination.
func extractZip(path, outDir string) error {
	dest := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(path), ".zip"))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("op=client.extract path=%s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		target := filepath.Join(dest, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			continue
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("op=client.extract path=%s: %w", path, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("op=client.extract path=%s: %w", path, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
