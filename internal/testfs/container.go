//go:build e2e

package testfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// -----------------------------------------------------------------------------
// Container - privileged sandbox with /dev/fuse
// -----------------------------------------------------------------------------

// Sandbox describes the container a run executes in.
type Sandbox struct {
	Image string
	Binds []string          // host:container[:ro]
	Env   []string          // KEY=value
	Tmpfs map[string]string // path -> mount options
}

// Container is a running privileged container that accepts exec requests.
type Container struct {
	client *client.Client
	id     string
}

// NewContainer pulls the image, then creates and starts an idle container.
// FUSE needs /dev/fuse and CAP_SYS_ADMIN, so the container is privileged.
func NewContainer(ctx context.Context, sb Sandbox) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if err := pullImage(ctx, cli, sb.Image); err != nil {
		_ = cli.Close()
		return nil, err
	}

	cfg := &container.Config{
		Image: sb.Image,
		Cmd:   []string{"sleep", "infinity"},
		Env:   sb.Env,
	}
	hostCfg := &container.HostConfig{
		Privileged: true,
		Binds:      sb.Binds,
		Tmpfs:      sb.Tmpfs,
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("create container: %w", err)
	}
	c := &Container{client: cli, id: resp.ID}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.Close(ctx)
		return nil, fmt.Errorf("start container: %w", err)
	}
	return c, nil
}

// Exec runs argv inside the container and waits for it. A non-zero exit is
// reported in the result, not as an error. stdin is optional.
func (c *Container) Exec(ctx context.Context, argv []string, stdin []byte) (RunResult, error) {
	start := time.Now()
	created, err := c.client.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("exec create: %w", err)
	}

	hijack, err := c.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return RunResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer hijack.Close()

	if stdin != nil {
		if _, err := hijack.Conn.Write(stdin); err != nil {
			return RunResult{}, fmt.Errorf("write stdin: %w", err)
		}
		if err := hijack.CloseWrite(); err != nil {
			return RunResult{}, fmt.Errorf("close stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, hijack.Reader); err != nil {
		return RunResult{}, fmt.Errorf("read output: %w", err)
	}

	inspect, err := c.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return RunResult{
		Argv:     argv,
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}, nil
}

// Close force-removes the container, tearing down any mounts left inside it.
func (c *Container) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	defer func() { _ = c.client.Close() }()
	err := c.client.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
	c.client = nil
	return err
}

// pullImage pulls the image; the daemon reuses a cached copy.
func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}
