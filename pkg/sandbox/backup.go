package sandbox

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// sensitiveSegments are path components that never leave or enter a
// workspace via backup archives.
var sensitiveSegments = map[string]bool{
	".git": true, ".ssh": true, ".npmrc": true, ".yarnrc": true,
	".yarnrc.yml": true, ".pypirc": true, ".netrc": true,
	".dockercfg": true, ".dockerconfigjson": true,
	"id_rsa": true, "id_rsa.pub": true,
	"id_ed25519": true, "id_ed25519.pub": true,
	"id_ecdsa": true, "id_ecdsa.pub": true,
	"id_dsa": true, "id_dsa.pub": true,
}

var sensitiveExtensions = map[string]bool{
	".pem": true, ".key": true, ".p12": true, ".pfx": true,
}

var allowedEnvFiles = map[string]bool{
	".env.example": true, ".env.sample": true,
	".env.template": true, ".env.dist": true,
}

// Backup-time ephemera; restores never see these either because backups
// exclude them at write time.
var backupExcludedSegments = map[string]bool{
	"node_modules": true, ".next": true, ".cache": true,
	".turbo": true, "coverage": true,
}

// IsSensitivePath reports whether a workdir-relative path may carry
// credentials and must be excluded from backup and restore.
func IsSensitivePath(rel string) bool {
	segments := strings.Split(rel, "/")
	for _, seg := range segments {
		if sensitiveSegments[seg] {
			return true
		}
		// .env, .env.local, .env.production and friends stay out.
		if strings.HasPrefix(seg, ".env") && !allowedEnvFiles[seg] {
			return true
		}
	}
	if strings.Contains(rel, ".aws/credentials") {
		return true
	}
	return sensitiveExtensions[path.Ext(rel)]
}

// SafeArchivePath validates an archive entry path for restore: no parent
// traversal, no absolute paths, no backslashes, NUL, or double slashes.
func SafeArchivePath(rel string) bool {
	if rel == "" || strings.HasPrefix(rel, "/") {
		return false
	}
	if strings.ContainsAny(rel, "\\\x00") || strings.Contains(rel, "//") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// WriteBackup streams a filtered tar-gz of the workspace to w. Entry
// paths are relative to the workdir basename so archives restore
// regardless of the base path that produced them.
func WriteBackup(ctx context.Context, driver Driver, containerID string, w io.Writer) error {
	archive, err := driver.Archive(ctx, containerID, Workdir)
	if err != nil {
		return err
	}
	defer archive.Close()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	tr := tar.NewReader(archive)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read workspace archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := stripWorkdirPrefix(hdr.Name)
		if rel == "" || IsSensitivePath(rel) || hasBackupExcludedSegment(rel) {
			continue
		}
		if hdr.Size > maxArchiveFileSize {
			continue
		}

		out := *hdr
		out.Name = path.Base(Workdir) + "/" + rel
		if err := tw.WriteHeader(&out); err != nil {
			return fmt.Errorf("failed to write backup entry %s: %w", rel, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return fmt.Errorf("failed to copy backup entry %s: %w", rel, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize backup tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize backup gzip: %w", err)
	}
	return nil
}

// FilterRestoreArchive reads a tar-gz backup and produces a plain tar
// suitable for extraction into the workdir: sensitive and unsafe entries
// are dropped and every entry is re-rooted by stripping the single
// leading base directory the archiving side used, whatever its name.
func FilterRestoreArchive(src io.Reader, dst io.Writer) (int, error) {
	gz, err := gzip.NewReader(src)
	if err != nil {
		return 0, fmt.Errorf("failed to decompress backup: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	tw := tar.NewWriter(dst)
	restored := 0

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("failed to read backup archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimLeft(hdr.Name, "/"))
		if name == "." || name == ".." || strings.HasPrefix(name, "../") {
			continue
		}
		// Base-less top-level entries have no workspace-relative home.
		i := strings.IndexByte(name, '/')
		if i < 0 {
			continue
		}
		rel := name[i+1:]
		if !SafeArchivePath(rel) || IsSensitivePath(rel) {
			continue
		}

		out := *hdr
		out.Name = rel
		if err := tw.WriteHeader(&out); err != nil {
			return restored, fmt.Errorf("failed to write restore entry %s: %w", rel, err)
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return restored, fmt.Errorf("failed to copy restore entry %s: %w", rel, err)
		}
		restored++
	}

	if err := tw.Close(); err != nil {
		return restored, fmt.Errorf("failed to finalize restore tar: %w", err)
	}
	return restored, nil
}

func hasBackupExcludedSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if backupExcludedSegments[seg] {
			return true
		}
	}
	return false
}
