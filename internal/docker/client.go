package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/opencontainers/go-digest"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	var ping types.Ping
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ResolveDigest resolves a mutable image reference to its repository
// content digest, pulling the image if it is not present locally.
func (c *Client) ResolveDigest(ctx context.Context, imageRef string) (digest.Digest, error) {
	if strings.TrimSpace(imageRef) == "" {
		return "", fmt.Errorf("image reference cannot be empty")
	}
	inspect, _, err := c.inner.ImageInspectWithRaw(ctx, imageRef)
	if client.IsErrNotFound(err) {
		reader, pullErr := c.inner.ImagePull(ctx, imageRef, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("pull image %s: %w", imageRef, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		inspect, _, err = c.inner.ImageInspectWithRaw(ctx, imageRef)
	}
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", imageRef, err)
	}
	for _, repoDigest := range inspect.RepoDigests {
		if idx := strings.LastIndex(repoDigest, "@"); idx >= 0 {
			d, parseErr := digest.Parse(repoDigest[idx+1:])
			if parseErr != nil {
				continue
			}
			return d, nil
		}
	}
	// Image built locally and never pushed: fall back to the image ID.
	d, parseErr := digest.Parse(inspect.ID)
	if parseErr != nil {
		return "", fmt.Errorf("image %s has no resolvable digest", imageRef)
	}
	return d, nil
}

// WaitForStop blocks until the container stops and returns the exit code.
func (c *Client) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	if strings.TrimSpace(containerID) == "" {
		return 0, fmt.Errorf("container id cannot be empty")
	}
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Logs copies the container's demultiplexed output stream into w.
func (c *Client) Logs(ctx context.Context, containerID string, w io.Writer) error {
	if strings.TrimSpace(containerID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	reader, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()
	if _, err := stdcopy.StdCopy(w, w, reader); err != nil {
		return fmt.Errorf("copy container logs: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Inner exposes the underlying docker client for advanced operations.
func (c *Client) Inner() *client.Client {
	return c.inner
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
