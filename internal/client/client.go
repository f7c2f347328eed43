// Package client talks to the master on behalf of the CLI: submit a
// job, poll its status, cancel it and download its logs and artifacts.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	osuser "os/user"
	"strings"
	"time"

	"github.com/fairyhunter13/disttest/internal/config"
	"github.com/fairyhunter13/disttest/internal/domain"
	"github.com/fairyhunter13/disttest/internal/usecase"
)

// Client is the master API client. All write endpoints go through the
// digest transport; read endpoints are open on the server side but the
// transport is harmless there.
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	LastJobPath string
}

// New builds a Client from the shared configuration.
func New(cfg config.Config) *Client {
	return &Client{
		BaseURL: strings.TrimRight(cfg.MasterURL, "/"),
		HTTP: &http.Client{
			Timeout:   time.Minute,
			Transport: &DigestTransport{Username: cfg.User, Password: cfg.Password},
		},
		LastJobPath: cfg.LastJobPath,
	}
}

// NewJobID generates a job id unique across users and invocations,
// optionally prefixed with a human-readable name.
func NewJobID(prefix string) string {
	name := "unknown"
	if u, err := osuser.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	id := fmt.Sprintf("%s.%d.%d", name, time.Now().Unix(), os.Getpid())
	if prefix != "" {
		id = prefix + "." + id
	}
	return id
}

// Submit posts a job. jobJSON must be the task list document; it is
// checked for well-formedness before upload so the caller gets a local
// error instead of a server one.
func (c *Client) Submit(ctx context.Context, jobID string, jobJSON []byte) error {
	var spec usecase.JobSpec
	if err := json.Unmarshal(jobJSON, &spec); err != nil {
		return fmt.Errorf("op=client.submit: malformed job document: %w", err)
	}
	err := c.postForm(ctx, "/submit_job", url.Values{
		"job_id":   {jobID},
		"job_json": {string(jobJSON)},
	})
	if err != nil {
		return err
	}
	c.saveLastJobID(jobID)
	return nil
}

// RetryTask schedules the next attempt of a failed task. Slaves call
// this after recording a failure.
func (c *Client) RetryTask(ctx context.Context, task domain.Task) error {
	b, err := task.Marshal()
	if err != nil {
		return fmt.Errorf("op=client.retry: %w", err)
	}
	return c.postForm(ctx, "/retry_task", url.Values{"task_json": {string(b)}})
}

// Cancel cancels every unfinished task of a job.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.postForm(ctx, "/cancel_job", url.Values{"job_id": {jobID}})
}

// JobStatus fetches the job's aggregate counters.
func (c *Client) JobStatus(ctx context.Context, jobID string) (usecase.JobSummary, error) {
	var sum usecase.JobSummary
	err := c.getJSON(ctx, "/job_status", url.Values{"job_id": {jobID}}, &sum)
	return sum, err
}

// Tasks lists the job's attempts, optionally filtered by status.
func (c *Client) Tasks(ctx context.Context, jobID, status string) ([]usecase.TaskView, error) {
	params := url.Values{"job_id": {jobID}}
	if status != "" {
		params.Set("status", status)
	}
	var tasks []usecase.TaskView
	err := c.getJSON(ctx, "/tasks", params, &tasks)
	return tasks, err
}

// JobURL returns the dashboard page for a job.
func (c *Client) JobURL(jobID string) string {
	return c.BaseURL + "/job?" + url.Values{"job_id": {jobID}}.Encode()
}

// LoadLastJobID returns the id of the most recently submitted job, or
// "" when none was recorded.
func (c *Client) LoadLastJobID() string {
	if c.LastJobPath == "" {
		return ""
	}
	b, err := os.ReadFile(c.LastJobPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (c *Client) saveLastJobID(jobID string) {
	if c.LastJobPath == "" {
		return
	}
	if err := os.WriteFile(c.LastJobPath, []byte(jobID), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not record last job id: %v\n", err)
	}
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("op=client.post path=%s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=client.post path=%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=client.post path=%s: %s", path, serverError(resp))
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("op=client.post path=%s: %w", path, err)
	}
	if out.Status != "SUCCESS" {
		return fmt.Errorf("op=client.post path=%s: unexpected status %q", path, out.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("op=client.get path=%s: %w", path, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("op=client.get path=%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=client.get path=%s: %s", path, serverError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("op=client.get path=%s: %w", path, err)
	}
	return nil
}

// serverError extracts the error envelope the master writes, falling
// back to the bare status line.
func serverError(resp *http.Response) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Sprintf("%s: %s", resp.Status, envelope.Error.Message)
	}
	return resp.Status
}
