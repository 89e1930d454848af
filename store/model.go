package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle statuses. Exactly one holds at any time, and deleting is
// terminal: once written it is never reverted, only followed by row
// deletion. That write doubles as the per-session teardown mutex.
const (
	StatusCreating = "creating"
	StatusReady    = "ready"
	StatusFailed   = "failed"
	StatusDeleting = "deleting"
)

// Container statuses. A non-null container_id always carries ready or
// failed, never creating.
const (
	ContainerCreating = "creating"
	ContainerReady    = "ready"
	ContainerFailed   = "failed"
)

// Container health probe outcomes.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Setup steps, the durable progress marker of the creation pipeline.
const (
	SetupPending  = "pending"
	SetupWorktree = "worktree"
	SetupSandbox  = "sandbox"
	SetupTmux     = "tmux"
	SetupComplete = "complete"
)

// StringList is a []string stored as a JSON text column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		return json.Unmarshal([]byte(v), l)
	case []byte:
		return json.Unmarshal(v, l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}

// Session is the durable session row.
type Session struct {
	ID          string `json:"id" db:"id"`
	Title       string `json:"title" db:"title"`
	AgentType   string `json:"agent_type" db:"agent_type"`
	Status      string `json:"lifecycle_status" db:"lifecycle_status"`
	AutoApprove bool   `json:"auto_approve" db:"auto_approve"`

	WorkingDirectory string  `json:"working_directory" db:"working_directory"`
	WorktreePath     *string `json:"worktree_path,omitempty" db:"worktree_path"`
	BranchName       *string `json:"branch_name,omitempty" db:"branch_name"`
	BaseBranch       *string `json:"base_branch,omitempty" db:"base_branch"`

	ContainerID              *string    `json:"container_id,omitempty" db:"container_id"`
	ContainerStatus          *string    `json:"container_status,omitempty" db:"container_status"`
	ContainerHealthStatus    *string    `json:"container_health_status,omitempty" db:"container_health_status"`
	ContainerHealthCheckedAt *time.Time `json:"container_health_checked_at,omitempty" db:"container_health_checked_at"`

	SetupStatus string  `json:"setup_status" db:"setup_status"`
	SetupError  *string `json:"setup_error,omitempty" db:"setup_error"`

	ExtraMounts    StringList `json:"extra_mounts" db:"extra_mounts"`
	AllowedDomains StringList `json:"allowed_domains" db:"allowed_domains"`

	SortOrder      int        `json:"sort_order" db:"sort_order"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
}

// Sandboxed reports whether this session runs its agent inside a container.
func (s *Session) Sandboxed() bool {
	return s.AutoApprove
}

// HasWorktree reports whether this session owns an isolated worktree.
func (s *Session) HasWorktree() bool {
	return s.WorktreePath != nil && *s.WorktreePath != ""
}
