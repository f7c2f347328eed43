// Command disttest is the CLI for the dist-test service: submit a job
// described by a JSON task list, watch it, cancel it, or fetch its
// logs and artifacts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/disttest/internal/client"
	"github.com/fairyhunter13/disttest/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}
	if err := cfg.EnsureClientConfigured(); err != nil {
		fatal(err)
	}
	c := client.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "submit":
		submit(ctx, c, os.Args[2:])
	case "watch":
		watch(ctx, c, os.Args[2:])
	case "cancel":
		cancel(ctx, c, os.Args[2:])
	case "fetch":
		fetch(ctx, c, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [<args>]
Commands:
    submit  Submit a JSON file listing tasks and watch it run
    watch   Watch an already-submitted job
    cancel  Cancel a previously submitted job
    fetch   Fetch test logs and artifacts from a previous job
%s <command> -h may provide further info
`, os.Args[0], os.Args[0])
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func submit(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	name := fs.String("name", "", "job name prefix, mangled for additional uniqueness")
	fs.StringVar(name, "n", "", "shorthand for -name")
	noWait := fs.Bool("no-wait", false, "submit and exit without watching the job")
	outDir, logs, artifacts := fetchFlags(fs)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: disttest submit [options] <job-json-path>")
		os.Exit(1)
	}

	jobJSON, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatal(err)
	}
	jobID := client.NewJobID(*name)
	if err := c.Submit(ctx, jobID, jobJSON); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Submitted job %s\n", jobID)
	if *noWait {
		fmt.Fprintf(os.Stderr, "Watch your results at %s\n", c.JobURL(jobID))
		return
	}

	code := watchJob(ctx, c, jobID)
	if *logs || *artifacts {
		err := c.Fetch(ctx, jobID, client.FetchOptions{OutDir: *outDir, Logs: *logs, Artifacts: *artifacts})
		if err != nil {
			fatal(err)
		}
	}
	os.Exit(code)
}

func watch(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	_ = fs.Parse(args)
	os.Exit(watchJob(ctx, c, jobIDFromArgs(c, fs.Args())))
}

func cancel(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	_ = fs.Parse(args)
	jobID := jobIDFromArgs(c, fs.Args())
	if err := c.Cancel(ctx, jobID); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Canceled job %s\n", jobID)
}

func fetch(ctx context.Context, c *client.Client, args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	outDir, logs, artifacts := fetchFlags(fs)
	_ = fs.Parse(args)

	err := c.Fetch(ctx, jobIDFromArgs(c, fs.Args()), client.FetchOptions{
		OutDir: *outDir, Logs: *logs, Artifacts: *artifacts,
	})
	if err != nil {
		fatal(err)
	}
}

// fetchFlags registers the download options shared by submit and
// fetch, each with a short alias.
func fetchFlags(fs *flag.FlagSet) (outDir *string, logs, artifacts *bool) {
	outDir = fs.String("output-dir", "dist-test-results", "directory into which to download results")
	fs.StringVar(outDir, "d", "dist-test-results", "shorthand for -output-dir")
	logs = fs.Bool("logs", false, "download logs")
	fs.BoolVar(logs, "l", false, "shorthand for -logs")
	artifacts = fs.Bool("artifacts", false, "download artifacts")
	fs.BoolVar(artifacts, "a", false, "shorthand for -artifacts")
	return outDir, logs, artifacts
}

func watchJob(ctx context.Context, c *client.Client, jobID string) int {
	fmt.Fprintf(os.Stderr, "Watch your results at %s\n", c.JobURL(jobID))
	// Jenkins and friends export BUILD_ID; there a plain log reads
	// better than cursor movement.
	interactive := os.Getenv("BUILD_ID") == ""
	code, err := c.Watch(ctx, jobID, os.Stdout, interactive)
	if err != nil {
		fatal(err)
	}
	return code
}

// jobIDFromArgs takes the explicit job id argument, falling back to
// the most recently submitted job.
func jobIDFromArgs(c *client.Client, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if jobID := c.LoadLastJobID(); jobID != "" {
		fmt.Fprintf(os.Stderr, "Using most recently submitted job id: %s\n", jobID)
		return jobID
	}
	fmt.Fprintln(os.Stderr, "no job id given and no previously submitted job found")
	os.Exit(1)
	return ""
}
