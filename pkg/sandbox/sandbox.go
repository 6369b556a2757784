// Package sandbox manages per-chat build containers: a docker-backed
// driver, a Redis-backed state store mapping chats to live sandboxes,
// and a provisioning manager that serializes container creation per chat.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// Workdir is the workspace path inside every sandbox container.
const Workdir = "/home/node/edward"

var (
	// ErrNotFound is returned when no sandbox exists for the lookup.
	ErrNotFound = errors.New("sandbox not found")

	// ErrProvisionContention is returned when the provisioning lock could
	// not be acquired and no other provisioner produced a sandbox in time.
	ErrProvisionContention = errors.New("sandbox provisioning contention")

	// ErrCommandFailed is returned by Exec with FailOnError set when the
	// command exits non-zero.
	ErrCommandFailed = errors.New("sandbox command failed")
)

// State is the persisted record for one sandbox.
type State struct {
	SandboxID   string    `json:"sandboxId"`
	UserID      string    `json:"userId"`
	ChatID      string    `json:"chatId"`
	ContainerID string    `json:"containerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ExecOptions tunes one container exec.
type ExecOptions struct {
	Timeout time.Duration
	User    string
	Workdir string
	Env     []string

	// FailOnError turns a non-zero exit into ErrCommandFailed.
	FailOnError bool
}

// ExecResult is the captured outcome of a container exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileInfo describes one file in the sandbox workspace, path relative
// to Workdir.
type FileInfo struct {
	Path string
	Size int64
}

// ManagedContainer is one container carrying the sandbox label, as seen
// by the reconciler.
type ManagedContainer struct {
	ContainerID string
	SandboxID   string
	ChatID      string
}

// Driver is the container backend. Implementations are safe for
// concurrent use.
type Driver interface {
	// Create builds and starts a labelled container for the sandbox and
	// prepares the workspace directory. Returns the container ID.
	Create(ctx context.Context, userID, chatID, sandboxID string) (string, error)

	// EnsureRunning unpauses or restarts a stopped container.
	EnsureRunning(ctx context.Context, containerID string) error

	// Exec runs argv in the container and captures demuxed stdio.
	Exec(ctx context.Context, containerID string, argv []string, opts ExecOptions) (ExecResult, error)

	// PutArchive extracts a tar stream into path inside the container.
	PutArchive(ctx context.Context, containerID string, archive io.Reader, path string) error

	// Archive returns a tar stream of path from the container.
	Archive(ctx context.Context, containerID, path string) (io.ReadCloser, error)

	// ListFiles enumerates workspace files with sizes.
	ListFiles(ctx context.Context, containerID string) ([]FileInfo, error)

	// Alive reports whether the container exists and is running.
	Alive(ctx context.Context, containerID string) (bool, error)

	// Destroy force-removes the container. Removing an absent container
	// is not an error.
	Destroy(ctx context.Context, containerID string) error

	// ListManaged returns all containers carrying the sandbox label.
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
}
