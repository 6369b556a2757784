package storage

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"

	"github.com/pragnya-works/edward/pkg/sandbox"
)

// BackupService streams workspace backups and snapshots to object
// storage and restores them into fresh containers. Implements
// sandbox.Restorer.
type BackupService struct {
	store  ObjectStore
	driver sandbox.Driver
	logger *slog.Logger
}

// NewBackupService wires the service.
func NewBackupService(store ObjectStore, driver sandbox.Driver, logger *slog.Logger) *BackupService {
	return &BackupService{
		store:  store,
		driver: driver,
		logger: logger.With("component", "storage.backup"),
	}
}

// Backup writes both the tar-gz backup and the snapshot for the chat.
func (b *BackupService) Backup(ctx context.Context, containerID, userID, chatID string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(sandbox.WriteBackup(ctx, b.driver, containerID, pw))
	}()
	if err := b.store.Upload(ctx, BackupKey(userID, chatID), pr, "application/gzip"); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	snap, err := sandbox.BuildSnapshot(ctx, b.driver, containerID)
	if err != nil {
		return fmt.Errorf("failed to build snapshot: %w", err)
	}
	encoded, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := b.store.Upload(ctx, SnapshotKey(userID, chatID), bytes.NewReader(encoded), "application/gzip"); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}

	b.logger.Info("workspace backed up", "chat_id", chatID, "files", snap.FileCount)
	return nil
}

// Restore populates a fresh container's workspace: snapshot fast path,
// tar backup fallback. A chat with no stored state restores nothing.
func (b *BackupService) Restore(ctx context.Context, containerID, userID, chatID string) error {
	if restored, err := b.restoreFromSnapshot(ctx, containerID, userID, chatID); err == nil {
		b.logger.Info("workspace restored from snapshot", "chat_id", chatID, "files", restored)
		return nil
	} else if !isNotFound(err) {
		b.logger.Warn("snapshot restore failed, falling back to backup", "chat_id", chatID, "error", err)
	}

	body, err := b.store.Download(ctx, BackupKey(userID, chatID))
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	defer body.Close()

	var restoreTar bytes.Buffer
	restored, err := sandbox.FilterRestoreArchive(body, &restoreTar)
	if err != nil {
		return err
	}
	if restored == 0 {
		return nil
	}
	if err := b.driver.PutArchive(ctx, containerID, &restoreTar, sandbox.Workdir); err != nil {
		return err
	}
	b.logger.Info("workspace restored from backup", "chat_id", chatID, "files", restored)
	return nil
}

func (b *BackupService) restoreFromSnapshot(ctx context.Context, containerID, userID, chatID string) (int, error) {
	body, err := b.store.Download(ctx, SnapshotKey(userID, chatID))
	if err != nil {
		return 0, err
	}
	defer body.Close()

	snap, err := sandbox.DecodeSnapshot(body)
	if err != nil {
		return 0, err
	}
	if len(snap.Files) == 0 {
		return 0, nil
	}

	archive, err := snapshotTar(snap.Files)
	if err != nil {
		return 0, err
	}
	if err := b.driver.PutArchive(ctx, containerID, archive, sandbox.Workdir); err != nil {
		return 0, err
	}
	return len(snap.Files), nil
}

// snapshotTar builds a tar of snapshot files, skipping any entry whose
// path fails the archive safety rules.
func snapshotTar(files map[string]string) (io.Reader, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		rel := path.Clean(p)
		if !sandbox.SafeArchivePath(rel) || sandbox.IsSensitivePath(rel) {
			continue
		}
		content := files[p]
		if err := tw.WriteHeader(&tar.Header{
			Name:     rel,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}); err != nil {
			return nil, fmt.Errorf("failed to write snapshot entry %s: %w", rel, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, fmt.Errorf("failed to write snapshot entry %s: %w", rel, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// isNotFound matches both our store fakes and the S3 NoSuchKey error
// surface without binding to the smithy error types.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound interface{ ErrorCode() string }
	if errors.As(err, &notFound) {
		code := notFound.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return errors.Is(err, ErrObjectNotFound)
}

// ErrObjectNotFound is the store-agnostic missing-object sentinel; the
// S3 implementation surfaces the SDK's coded errors instead.
var ErrObjectNotFound = errors.New("object not found")
