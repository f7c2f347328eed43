// Package autoscaler sizes the slave fleet against queue depth: grow
// fast on backlog, shrink slowly when idle.
package autoscaler

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// Fleet resizes the managed group of slave instances.
type Fleet interface {
	TargetSize(ctx context.Context) (int, error)
	Resize(ctx context.Context, size int) error
}

var targetSizeRe = regexp.MustCompile(`targetSize: (\d+)`)

// GCloudFleet drives a GCE managed instance group through the gcloud
// CLI.
type GCloudFleet struct {
	Group string
}

// TargetSize reads the group's current target size.
func (f *GCloudFleet) TargetSize(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "gcloud", "compute", "instance-groups", "managed",
		"describe", f.Group).Output()
	if err != nil {
		return 0, fmt.Errorf("op=fleet.target_size group=%s: %w", f.Group, err)
	}
	m := targetSizeRe.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("op=fleet.target_size group=%s: no targetSize in describe output", f.Group)
	}
	return strconv.Atoi(string(m[1]))
}

// Resize sets the group's target size.
func (f *GCloudFleet) Resize(ctx context.Context, size int) error {
	err := exec.CommandContext(ctx, "gcloud", "compute", "instance-groups", "managed",
		"resize", f.Group, "--size="+strconv.Itoa(size)).Run()
	if err != nil {
		return fmt.Errorf("op=fleet.resize group=%s size=%d: %w", f.Group, size, err)
	}
	return nil
}
