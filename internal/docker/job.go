package docker

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// JobSpec describes a one-shot plugin container.
type JobSpec struct {
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Binds  []string
	CPU    string
	Memory string
}

// RunJob creates and starts a batch container. Unlike a service
// workload it never restarts and publishes no ports; it reads and
// writes through its bind mounts and exits.
func (c *Client) RunJob(ctx context.Context, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Cmd,
		Env:   spec.Env,
	}
	hostCfg := &container.HostConfig{
		Binds:     spec.Binds,
		Resources: jobResources(spec.CPU, spec.Memory),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	r, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

// jobResources translates advisory quantity strings into docker limits.
// Unparseable quantities are skipped: limits are advisory, not a
// validation surface.
func jobResources(cpu, memory string) container.Resources {
	var res container.Resources
	if nano, ok := parseCPUQuantity(cpu); ok {
		res.NanoCPUs = nano
	}
	if bytes, ok := parseMemoryQuantity(memory); ok {
		res.Memory = bytes
	}
	return res
}

func parseCPUQuantity(q string) (int64, bool) {
	q = strings.TrimSpace(q)
	if q == "" {
		return 0, false
	}
	if strings.HasSuffix(q, "m") {
		milli, err := strconv.ParseInt(strings.TrimSuffix(q, "m"), 10, 64)
		if err != nil || milli <= 0 {
			return 0, false
		}
		return milli * 1_000_000, true
	}
	cores, err := strconv.ParseFloat(q, 64)
	if err != nil || cores <= 0 {
		return 0, false
	}
	return int64(math.Round(cores * 1_000_000_000)), true
}

var memorySuffixes = []struct {
	suffix string
	factor int64
}{
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
	{"G", 1_000_000_000},
	{"M", 1_000_000},
	{"K", 1_000},
}

func parseMemoryQuantity(q string) (int64, bool) {
	q = strings.TrimSpace(q)
	if q == "" {
		return 0, false
	}
	for _, s := range memorySuffixes {
		if strings.HasSuffix(q, s.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(q, s.suffix), 10, 64)
			if err != nil || n <= 0 {
				return 0, false
			}
			return n * s.factor, true
		}
	}
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
