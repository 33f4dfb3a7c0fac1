package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerManager runs sandboxes as local containers, mainly for development.
// Each Provision starts a long-lived container; commands are exec'd into it
// so state persists across Run calls within one attempt.
type DockerManager struct {
	client *client.Client
	image  string
}

func NewDockerManager(image string) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}
	return &DockerManager{client: cli, image: image}, nil
}

func (m *DockerManager) Provision(ctx context.Context, template string, env map[string]string) (*Handle, error) {
	envs := make([]string, 0, len(env))
	for k, v := range env {
		envs = append(envs, k+"="+v)
	}
	resp, err := m.client.ContainerCreate(ctx, &container.Config{
		Image:  m.image,
		Cmd:    []string{"sleep", "infinity"},
		Env:    envs,
		Labels: map[string]string{"cloudagent.template": template},
	}, &container.HostConfig{
		AutoRemove: false,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return &Handle{ID: resp.ID}, nil
}

func (m *DockerManager) Run(ctx context.Context, h *Handle, command string, timeout time.Duration, onOutput OutputFunc) (*CommandResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exec, err := m.client.ContainerExecCreate(runCtx, h.ID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}
	attach, err := m.client.ContainerExecAttach(runCtx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	var stdoutW io.Writer = &stdout
	if onOutput != nil {
		stdoutW = io.MultiWriter(&stdout, writerFunc(onOutput))
	}
	_, err = stdcopy.StdCopy(stdoutW, &stderr, attach.Reader)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeoutExceeded
		}
		return nil, fmt.Errorf("exec stream broken: %w", err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, ErrTimeoutExceeded
	}

	inspect, err := m.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}
	return &CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (m *DockerManager) WriteFile(ctx context.Context, h *Handle, filePath string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return fmt.Errorf("failed to build tar: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to build tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to build tar: %w", err)
	}

	dir := path.Dir(filePath)
	if _, err := m.Run(ctx, h, "mkdir -p "+dir, time.Minute, nil); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", dir, err)
	}
	if err := m.client.CopyToContainer(ctx, h.ID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy file into container: %w", err)
	}
	return nil
}

func (m *DockerManager) ReadFile(ctx context.Context, h *Handle, filePath string) ([]byte, error) {
	rc, _, err := m.client.CopyFromContainer(ctx, h.ID, filePath)
	if err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "No such container:path") {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to copy file from container: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrFileNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func (m *DockerManager) Destroy(ctx context.Context, h *Handle) error {
	err := m.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", h.ID, err)
	}
	return nil
}

func (m *DockerManager) Close() error {
	return m.client.Close()
}

type writerFunc OutputFunc

func (w writerFunc) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w(chunk)
	return len(p), nil
}
