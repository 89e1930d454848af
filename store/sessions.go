package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = sql.ErrNoRows

const sessionColumns = `id, title, agent_type, lifecycle_status, auto_approve,
	working_directory, worktree_path, branch_name, base_branch,
	container_id, container_status, container_health_status, container_health_checked_at,
	setup_status, setup_error, extra_mounts, allowed_domains,
	sort_order, created_at, updated_at, last_activity_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.Title, &s.AgentType, &s.Status, &s.AutoApprove,
		&s.WorkingDirectory, &s.WorktreePath, &s.BranchName, &s.BaseBranch,
		&s.ContainerID, &s.ContainerStatus, &s.ContainerHealthStatus, &s.ContainerHealthCheckedAt,
		&s.SetupStatus, &s.SetupError, &s.ExtraMounts, &s.AllowedDomains,
		&s.SortOrder, &s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusCreating
	}
	if sess.SetupStatus == "" {
		sess.SetupStatus = SetupPending
	}

	_, err := s.db.Exec(`INSERT INTO sessions (
		id, title, agent_type, lifecycle_status, auto_approve,
		working_directory, worktree_path, branch_name, base_branch,
		container_id, container_status,
		setup_status, setup_error, extra_mounts, allowed_domains,
		sort_order, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.AgentType, sess.Status, sess.AutoApprove,
		sess.WorkingDirectory, sess.WorktreePath, sess.BranchName, sess.BaseBranch,
		sess.ContainerID, sess.ContainerStatus,
		sess.SetupStatus, sess.SetupError, sess.ExtraMounts, sess.AllowedDomains,
		sess.SortOrder, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by sort order, then creation time.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY sort_order, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsByStatus returns all sessions in the given lifecycle status.
func (s *Store) ListSessionsByStatus(status string) ([]*Session, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions WHERE lifecycle_status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionIDs returns the set of all session ids.
func (s *Store) ListSessionIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// DeleteSession removes a session row.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UpdateLifecycleStatus sets the lifecycle status unconditionally.
func (s *Store) UpdateLifecycleStatus(id, status string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET lifecycle_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update lifecycle status: %w", err)
	}
	return nil
}

// MarkDeleting atomically transitions a session into the deleting state.
// It returns false if the session was already deleting (or gone), which is
// the signal for callers to back off: deleting is terminal and acts as the
// per-session teardown mutex.
func (s *Store) MarkDeleting(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET lifecycle_status = ?, updated_at = ?
		 WHERE id = ? AND lifecycle_status != ?`,
		StatusDeleting, time.Now().UTC(), id, StatusDeleting,
	)
	if err != nil {
		return false, fmt.Errorf("mark deleting: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateSetup records the current setup step and any setup error.
func (s *Store) UpdateSetup(id, setupStatus string, setupError *string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET setup_status = ?, setup_error = ?, updated_at = ? WHERE id = ?`,
		setupStatus, setupError, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update setup: %w", err)
	}
	return nil
}

// UpdateWorktree records the worktree created for a session.
func (s *Store) UpdateWorktree(id, worktreePath, branchName, baseBranch string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET worktree_path = ?, branch_name = ?, base_branch = ?, updated_at = ? WHERE id = ?`,
		worktreePath, branchName, baseBranch, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update worktree: %w", err)
	}
	return nil
}

// UpdateContainer records the container id and status together so a real
// container id is never left alongside a stale status.
func (s *Store) UpdateContainer(id string, containerID *string, containerStatus *string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET container_id = ?, container_status = ?, updated_at = ? WHERE id = ?`,
		containerID, containerStatus, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update container: %w", err)
	}
	return nil
}

// UpdateContainerHealth records the latest health probe result.
func (s *Store) UpdateContainerHealth(id, healthStatus string, checkedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET container_health_status = ?, container_health_checked_at = ?, updated_at = ? WHERE id = ?`,
		healthStatus, checkedAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update container health: %w", err)
	}
	return nil
}

// TouchActivity bumps the last-activity timestamp. Used as a cheap liveness
// signal for running/waiting sessions.
func (s *Store) TouchActivity(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch activity: %w", err)
	}
	return nil
}

// CountWorktrees returns the number of sessions that reference a worktree.
func (s *Store) CountWorktrees() (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(DISTINCT worktree_path) FROM sessions WHERE worktree_path IS NOT NULL AND worktree_path != ''`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count worktrees: %w", err)
	}
	return count, nil
}

// SessionsSharingWorktree returns the other sessions referencing the same
// worktree path. Siblings must agree on branch retention at delete time.
func (s *Store) SessionsSharingWorktree(worktreePath, excludeID string) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE worktree_path = ? AND id != ?`,
		worktreePath, excludeID,
	)
	if err != nil {
		return nil, fmt.Errorf("sessions sharing worktree: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
