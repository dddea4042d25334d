// Package store provides typed data access over the relational database with
// an explicit transactional unit-of-work.
package store

import (
	"encoding/json"
	"time"
)

// ProcessStatus tracks whether the task agent has absorbed a message.
type ProcessStatus string

const (
	ProcessPending ProcessStatus = "pending"
	ProcessSuccess ProcessStatus = "success"
	ProcessFailed  ProcessStatus = "failed"
)

// TaskStatus is the task state machine. Pending and running are non-terminal;
// success and failed are terminal and trigger skill learning.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether the status is success or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// Valid reports whether the status is one of the four known states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSuccess, TaskFailed:
		return true
	}
	return false
}

// ProjectConfig is the per-project runtime configuration blob.
type ProjectConfig struct {
	BufferMaxTurns       int  `json:"buffer_max_turns"`
	BufferMaxOverflow    int  `json:"buffer_max_overflow"`
	BufferTTLSeconds     int  `json:"buffer_ttl_seconds"`
	SkillLearningEnabled bool `json:"skill_learning_enabled"`
	LLMDeadlineSeconds   int  `json:"llm_deadline_seconds"`
}

// DefaultProjectConfig returns the documented defaults.
func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		BufferMaxTurns:       16,
		BufferMaxOverflow:    16,
		BufferTTLSeconds:     8,
		SkillLearningEnabled: true,
		LLMDeadlineSeconds:   120,
	}
}

// BufferTTL returns the buffer timer TTL as a duration.
func (c ProjectConfig) BufferTTL() time.Duration {
	return time.Duration(c.BufferTTLSeconds) * time.Second
}

// Project is the tenant boundary. All other entities belong to exactly one
// project. The secret is stored peppered and hashed, never in the clear.
type Project struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	SecretHash string        `json:"-"`
	Config     ProjectConfig `json:"config"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Session is an ordered conversation owned by a project.
type Session struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	DisplayTitle       string    `json:"display_title,omitempty"`
	DisableTaskTracking bool     `json:"disable_task_tracking"`
	CreatedAt          time.Time `json:"created_at"`
}

// Message is an atomic conversational turn. Immutable after insert except for
// ProcessStatus. Seq is a per-session monotonic insertion id and the
// staleness-check tiebreaker.
type Message struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Role          string          `json:"role"`
	Parts         json.RawMessage `json:"parts"`
	ProcessStatus ProcessStatus   `json:"session_task_process_status"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TaskData is the structured payload of a task.
type TaskData struct {
	TaskDescription string   `json:"task_description"`
	Progresses      []string `json:"progresses"`
	UserPreferences []string `json:"user_preferences"`
	SOPThinking     string   `json:"sop_thinking,omitempty"`
}

// Task is a bucket of consecutive messages within a session. Orders are
// 1-based, dense, and monotonic within a session.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Order         int        `json:"order"`
	Status        TaskStatus `json:"status"`
	Data          TaskData   `json:"data"`
	RawMessageIDs []string   `json:"raw_message_ids"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Disk is a namespaced artifact bucket owned by a project.
type Disk struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	UserID    string    `db:"user_id" json:"user_id,omitempty"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AssetMeta describes an artifact's content: either inline text or an
// external blob reference, content-addressed by SHA-256.
type AssetMeta struct {
	SHA256     string `json:"sha256"`
	MIME       string `json:"mime"`
	SizeBytes  int64  `json:"size_bytes"`
	InlineText string `json:"inline_text,omitempty"`
	BlobKey    string `json:"blob_key,omitempty"`
}

// Artifact is a (path, filename) under a disk.
type Artifact struct {
	ID        string    `json:"id"`
	DiskID    string    `json:"disk_id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	AssetMeta AssetMeta `json:"asset_meta"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullPath joins path and filename for display.
func (a *Artifact) FullPath() string {
	p := a.Path
	if p == "" || p == "/" {
		return "/" + a.Filename
	}
	if p[len(p)-1] == '/' {
		return p + a.Filename
	}
	return p + "/" + a.Filename
}

// AgentSkill is a named unit in the skill library. The authoritative name and
// description live in the /SKILL.md front-matter on the skill's disk; the row
// mirrors them for querying.
type AgentSkill struct {
	ID          string    `db:"id" json:"id"`
	ProjectID   string    `db:"project_id" json:"project_id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	DiskID      string    `db:"disk_id" json:"disk_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// LearningSpace aggregates sessions to learn from and the skills produced.
type LearningSpace struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SandboxLog maps a unified sandbox UUID to a backend-specific id and records
// executed commands and exfiltrated files. Persists after the backend is gone.
type SandboxLog struct {
	ID              string    `json:"id"` // unified sandbox uuid
	ProjectID       string    `json:"project_id"`
	BackendID       string    `json:"backend_id"`
	HistoryCommands []string  `json:"history_commands"`
	GeneratedFiles  []string  `json:"generated_files"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
