package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pragnya-works/edward/pkg/build"
	"github.com/pragnya-works/edward/pkg/events"
	"github.com/pragnya-works/edward/pkg/models"
	"github.com/pragnya-works/edward/pkg/sandbox"
)

// PipelineRunner executes the build pipeline for a workspace.
type PipelineRunner interface {
	Run(ctx context.Context, req build.Request) (*build.Result, error)
}

// BuildStore is the builds persistence the build handler needs.
type BuildStore interface {
	MarkBuildBuilding(ctx context.Context, id string) error
	FinishBuild(ctx context.Context, id string, status models.BuildStatus, previewURL, errorLog string, diagnostics []models.BuildDiagnostic, durationMs int64) error
}

// SandboxStates resolves sandbox IDs to their live records.
type SandboxStates interface {
	Get(ctx context.Context, sandboxID string) (*sandbox.State, error)
}

// RunEventSink appends events to a run's ordered log. Optional on the
// build handler; builds without an attached run skip it.
type RunEventSink interface {
	Publish(ctx context.Context, runID string, event events.StreamEvent) (int64, error)
}

// BuildHandler runs the preview build pipeline for a claimed build job
// and records the outcome on the build row.
type BuildHandler struct {
	builds   BuildStore
	states   SandboxStates
	pipeline PipelineRunner
	sink     RunEventSink
	logger   *slog.Logger
}

// NewBuildHandler wires the build handler. sink may be nil.
func NewBuildHandler(builds BuildStore, states SandboxStates, pipeline PipelineRunner, sink RunEventSink, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{
		builds:   builds,
		states:   states,
		pipeline: pipeline,
		sink:     sink,
		logger:   logger.With("component", "queue.build"),
	}
}

// Handle runs the pipeline. A failed build completes the job: the
// failure lives on the build row, and retrying a deterministic compile
// error would burn attempts for nothing.
func (h *BuildHandler) Handle(ctx context.Context, job *models.Job) error {
	p := job.Payload
	state, err := h.states.Get(ctx, p.SandboxID)
	if err != nil {
		return fmt.Errorf("resolve sandbox %s: %w", p.SandboxID, err)
	}

	if err := h.builds.MarkBuildBuilding(ctx, p.BuildID); err != nil {
		return fmt.Errorf("mark build building: %w", err)
	}

	result, err := h.pipeline.Run(ctx, build.Request{
		BuildID:     p.BuildID,
		UserID:      p.UserID,
		ChatID:      p.ChatID,
		SandboxID:   p.SandboxID,
		ContainerID: state.ContainerID,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	if err := h.builds.FinishBuild(ctx, p.BuildID, result.Status, result.PreviewURL,
		result.ErrorLog, result.Diagnostics, result.Duration.Milliseconds()); err != nil {
		return fmt.Errorf("finish build: %w", err)
	}

	h.publishToRun(ctx, p, result)
	h.logger.Info("build finished", "build_id", p.BuildID, "status", result.Status)
	return nil
}

// publishToRun mirrors the terminal build status into the run event log
// when the build was triggered by a run.
func (h *BuildHandler) publishToRun(ctx context.Context, p models.JobPayload, result *build.Result) {
	if h.sink == nil || p.RunID == "" {
		return
	}
	event := events.NewBuildStatusEvent(p.ChatID, result.Status, p.BuildID, result.PreviewURL, result.ErrorLog)
	if _, err := h.sink.Publish(ctx, p.RunID, event); err != nil {
		h.logger.Warn("failed to publish build status to run",
			"run_id", p.RunID, "build_id", p.BuildID, "error", err)
	}
}

// Backupper snapshots a sandbox workspace to object storage.
type Backupper interface {
	Backup(ctx context.Context, containerID, userID, chatID string) error
}

// BackupHandler snapshots the sandbox workspace after a run.
type BackupHandler struct {
	states SandboxStates
	backup Backupper
	logger *slog.Logger
}

// NewBackupHandler wires the backup handler.
func NewBackupHandler(states SandboxStates, backup Backupper, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		states: states,
		backup: backup,
		logger: logger.With("component", "queue.backup"),
	}
}

// Handle backs up the sandbox named by the payload.
func (h *BackupHandler) Handle(ctx context.Context, job *models.Job) error {
	p := job.Payload
	state, err := h.states.Get(ctx, p.SandboxID)
	if err != nil {
		return fmt.Errorf("resolve sandbox %s: %w", p.SandboxID, err)
	}
	if err := h.backup.Backup(ctx, state.ContainerID, p.UserID, p.ChatID); err != nil {
		return fmt.Errorf("backup sandbox %s: %w", p.SandboxID, err)
	}
	h.logger.Info("backup complete", "sandbox_id", p.SandboxID, "chat_id", p.ChatID)
	return nil
}

// Destroyer tears down a sandbox and its state.
type Destroyer interface {
	Destroy(ctx context.Context, sandboxID string) error
}

// CleanupHandler destroys expired or abandoned sandboxes.
type CleanupHandler struct {
	destroyer Destroyer
	logger    *slog.Logger
}

// NewCleanupHandler wires the cleanup handler.
func NewCleanupHandler(destroyer Destroyer, logger *slog.Logger) *CleanupHandler {
	return &CleanupHandler{
		destroyer: destroyer,
		logger:    logger.With("component", "queue.cleanup"),
	}
}

// Handle destroys the payload's sandbox. A sandbox that is already gone
// counts as success; cleanup is idempotent.
func (h *CleanupHandler) Handle(ctx context.Context, job *models.Job) error {
	p := job.Payload
	if err := h.destroyer.Destroy(ctx, p.SandboxID); err != nil {
		return fmt.Errorf("destroy sandbox %s: %w", p.SandboxID, err)
	}
	h.logger.Info("sandbox cleaned up", "sandbox_id", p.SandboxID, "reason", p.Reason)
	return nil
}

// Handlers assembles the per-type dispatch map the pool workers use.
func Handlers(buildH *BuildHandler, backupH *BackupHandler, cleanupH *CleanupHandler) map[models.JobType]Handler {
	return map[models.JobType]Handler{
		models.JobTypeBuild:   buildH,
		models.JobTypeBackup:  backupH,
		models.JobTypeCleanup: cleanupH,
	}
}
