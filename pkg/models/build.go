package models

import "time"

// BuildStatus is the lifecycle status of a preview build.
type BuildStatus string

// Build status values.
const (
	BuildStatusQueued   BuildStatus = "queued"
	BuildStatusBuilding BuildStatus = "building"
	BuildStatusSuccess  BuildStatus = "success"
	BuildStatusFailed   BuildStatus = "failed"
)

// Build records one preview build of a sandbox workspace.
type Build struct {
	ID            string            `json:"id"`
	ChatID        string            `json:"chat_id"`
	UserID        string            `json:"user_id"`
	SandboxID     string            `json:"sandbox_id,omitempty"`
	MessageID     string            `json:"message_id"`
	Status        BuildStatus       `json:"status"`
	ErrorLog      string            `json:"error_log,omitempty"`
	PreviewURL    string            `json:"preview_url,omitempty"`
	Diagnostics   []BuildDiagnostic `json:"diagnostics,omitempty"`
	BuildDuration int64             `json:"build_duration,omitempty"` // milliseconds
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// BuildDiagnostic is one structured error extracted from build output.
type BuildDiagnostic struct {
	Tool    string `json:"tool"` // tsc, vite, next, npm
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PackageManager identifies the detected package manager of a workspace.
type PackageManager string

// Package manager values; empty means no package.json is present.
const (
	PackageManagerPnpm PackageManager = "pnpm"
	PackageManagerYarn PackageManager = "yarn"
	PackageManagerNpm  PackageManager = "npm"
	PackageManagerNone PackageManager = ""
)
