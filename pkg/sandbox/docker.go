package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/pragnya-works/edward/pkg/config"
)

const (
	labelManaged   = "edward.sandbox"
	labelUser      = "edward.user"
	labelChat      = "edward.chat"
	labelSandboxID = "edward.sandbox_id"

	containerUser = "node"
	containerHome = "/home/node"

	memoryLimitBytes = 1 << 30
	pidsLimit        = int64(100)

	defaultExecTimeout = config.DefaultExecTimeout

	// Per-stream capture cap for container execs. The gateway applies its
	// own, tighter caps on top.
	execOutputCap = 10 * 1024 * 1024

	execTruncationMarker = "\n... [output truncated]"

	// Per-file cap for archive reads.
	maxArchiveFileSize = 20 * 1024 * 1024
)

// DockerDriver implements Driver on the docker engine API.
type DockerDriver struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

// NewDockerDriver connects to the docker daemon and verifies it responds.
func NewDockerDriver(image string, logger *slog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &DockerDriver{
		client: cli,
		image:  image,
		logger: logger.With("component", "sandbox.docker"),
	}, nil
}

// Close closes the docker client connection.
func (d *DockerDriver) Close() error {
	return d.client.Close()
}

func (d *DockerDriver) Create(ctx context.Context, userID, chatID, sandboxID string) (string, error) {
	config := &containertypes.Config{
		Image:      d.image,
		User:       containerUser,
		WorkingDir: containerHome,
		Cmd:        []string{"sleep", "infinity"},
		Labels: map[string]string{
			labelManaged:   "true",
			labelUser:      userID,
			labelChat:      chatID,
			labelSandboxID: sandboxID,
		},
		NetworkDisabled: true,
	}
	pids := pidsLimit
	hostConfig := &containertypes.HostConfig{
		Resources: containertypes.Resources{
			Memory:    memoryLimitBytes,
			PidsLimit: &pids,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, "edward-sandbox-"+sandboxID)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, containertypes.StartOptions{}); err != nil {
		_ = d.Destroy(ctx, resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	// Prepare the workspace. mkdir runs as root so chmod can hand the
	// directory to the node user.
	prep, err := d.Exec(ctx, resp.ID, []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && chmod 755 %s && chown %s %s", Workdir, Workdir, containerUser, Workdir)}, ExecOptions{User: "root"})
	if err != nil {
		_ = d.Destroy(ctx, resp.ID)
		return "", fmt.Errorf("failed to prepare workspace: %w", err)
	}
	if prep.ExitCode != 0 {
		_ = d.Destroy(ctx, resp.ID)
		return "", fmt.Errorf("failed to prepare workspace: exit %d: %s", prep.ExitCode, prep.Stderr)
	}

	d.logger.Info("sandbox container created",
		"sandbox_id", sandboxID, "chat_id", chatID, "container_id", resp.ID[:12])
	return resp.ID, nil
}

func (d *DockerDriver) EnsureRunning(ctx context.Context, containerID string) error {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	switch {
	case info.State.Paused:
		return d.client.ContainerUnpause(ctx, containerID)
	case !info.State.Running:
		return d.client.ContainerStart(ctx, containerID, containertypes.StartOptions{})
	}
	return nil
}

func (d *DockerDriver) Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	workdir := opts.Workdir
	if workdir == "" {
		workdir = Workdir
	}
	user := opts.User
	if user == "" {
		user = containerUser
	}

	execCreate, err := d.client.ContainerExecCreate(execCtx, containerID, containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workdir,
		User:         user,
		Env:          opts.Env,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(execCtx, execCreate.ID, containertypes.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	stdout := newCappedBuffer(execOutputCap)
	stderr := newCappedBuffer(execOutputCap)
	if _, err := stdcopy.StdCopy(stdout, stderr, resp.Reader); err != nil {
		if execCtx.Err() != nil {
			return ExecResult{}, fmt.Errorf("exec timed out after %s: %w", timeout, execCtx.Err())
		}
		return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	result := ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if opts.FailOnError && result.ExitCode != 0 {
		return result, fmt.Errorf("%w: %s exited %d: %s", ErrCommandFailed, argv[0], result.ExitCode, firstLine(result.Stderr))
	}
	return result, nil
}

func (d *DockerDriver) PutArchive(ctx context.Context, containerID string, archive io.Reader, path string) error {
	if err := d.client.CopyToContainer(ctx, containerID, path, archive, containertypes.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy archive into container: %w", err)
	}
	return nil
}

func (d *DockerDriver) Archive(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	reader, _, err := d.client.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to copy archive from container: %w", err)
	}
	return reader, nil
}

func (d *DockerDriver) ListFiles(ctx context.Context, containerID string) ([]FileInfo, error) {
	result, err := d.Exec(ctx, containerID, []string{"find", ".", "-type", "f", "-printf", "%s %p\n"}, ExecOptions{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("failed to list files: exit %d: %s", result.ExitCode, firstLine(result.Stderr))
	}

	var files []FileInfo
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var size int64
		var rel string
		if _, err := fmt.Sscanf(line, "%d %s", &size, &rel); err != nil {
			continue
		}
		if size > maxArchiveFileSize {
			continue
		}
		files = append(files, FileInfo{Path: strings.TrimPrefix(rel, "./"), Size: size})
	}
	return files, nil
}

func (d *DockerDriver) Alive(ctx context.Context, containerID string) (bool, error) {
	info, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return info.State.Running || info.State.Paused, nil
}

func (d *DockerDriver) Destroy(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerDriver) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	containers, err := d.client.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		out = append(out, ManagedContainer{
			ContainerID: c.ID,
			SandboxID:   c.Labels[labelSandboxID],
			ChatID:      c.Labels[labelChat],
		})
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes and appends a marker once on
// overflow.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) <= room {
		return b.buf.Write(p)
	}
	b.buf.Write(p[:room])
	b.buf.WriteString(execTruncationMarker)
	b.truncated = true
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
