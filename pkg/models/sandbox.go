package models

import "time"

// Sandbox is an ephemeral container workspace bound to a single chat.
// The record lives in the KV store under sandbox:<id> together with the
// chat:sandbox:<chatId> index; both carry the same TTL and are refreshed
// as a pair.
type Sandbox struct {
	ID                  string    `json:"id"`
	ContainerID         string    `json:"container_id"`
	UserID              string    `json:"user_id"`
	ChatID              string    `json:"chat_id"`
	ExpiresAt           time.Time `json:"expires_at"`
	ScaffoldedFramework string    `json:"scaffolded_framework,omitempty"`
	RequestedPackages   []string  `json:"requested_packages,omitempty"`
}

// SandboxFile is one workspace file entry returned by the container driver.
type SandboxFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// SnapshotVersion is the on-disk snapshot format version.
const SnapshotVersion = 1

// SandboxSnapshot is the gzipped-JSON snapshot of the text files in a
// sandbox workspace, stored next to the tar backup in object storage.
type SandboxSnapshot struct {
	Version     int               `json:"version"`
	GeneratedAt time.Time         `json:"generatedAt"`
	FileCount   int               `json:"fileCount"`
	Files       map[string]string `json:"files"`
}

// ExecResult is the outcome of one command executed inside a sandbox.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}
