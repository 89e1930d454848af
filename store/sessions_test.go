package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "burrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(id string) *Session {
	return &Session{
		ID:               id,
		Title:            "Add dark mode",
		AgentType:        "claude",
		WorkingDirectory: "/home/me/project",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateSession(newTestSession("abc123")))

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ID)
	assert.Equal(t, StatusCreating, got.Status)
	assert.Equal(t, SetupPending, got.SetupStatus)
	assert.False(t, got.Sandboxed())
	assert.False(t, got.HasWorktree())
}

func TestGetSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkDeleting_IsTerminal(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("abc123")))

	ok, err := s.MarkDeleting("abc123")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second attempt must report the session as already claimed.
	ok, err = s.MarkDeleting("abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleting, got.Status)
}

func TestMarkDeleting_MissingSession(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.MarkDeleting("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateContainer_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("abc123")))

	cid := "deadbeef"
	status := ContainerReady
	require.NoError(t, s.UpdateContainer("abc123", &cid, &status))

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, "deadbeef", *got.ContainerID)
	require.NotNil(t, got.ContainerStatus)
	assert.Equal(t, ContainerReady, *got.ContainerStatus)

	// Clearing both together
	require.NoError(t, s.UpdateContainer("abc123", nil, nil))
	got, err = s.GetSession("abc123")
	require.NoError(t, err)
	assert.Nil(t, got.ContainerID)
	assert.Nil(t, got.ContainerStatus)
}

func TestUpdateSetupAndWorktree(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("abc123")))

	require.NoError(t, s.UpdateWorktree("abc123", "/data/worktrees/add-dark-mode", "feature/add-dark-mode", "main"))
	setupErr := "restarted during setup"
	require.NoError(t, s.UpdateSetup("abc123", SetupWorktree, &setupErr))

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	assert.True(t, got.HasWorktree())
	assert.Equal(t, "feature/add-dark-mode", *got.BranchName)
	assert.Equal(t, SetupWorktree, got.SetupStatus)
	require.NotNil(t, got.SetupError)
	assert.Equal(t, "restarted during setup", *got.SetupError)
}

func TestStringListColumns(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession("abc123")
	sess.ExtraMounts = StringList{"/data/cache:/cache"}
	sess.AllowedDomains = StringList{"api.anthropic.com", "github.com"}
	require.NoError(t, s.CreateSession(sess))

	got, err := s.GetSession("abc123")
	require.NoError(t, err)
	assert.Equal(t, StringList{"/data/cache:/cache"}, got.ExtraMounts)
	assert.Equal(t, StringList{"api.anthropic.com", "github.com"}, got.AllowedDomains)
}

func TestListSessionsByStatusAndIDs(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("a")))
	require.NoError(t, s.CreateSession(newTestSession("b")))
	require.NoError(t, s.UpdateLifecycleStatus("b", StatusReady))

	creating, err := s.ListSessionsByStatus(StatusCreating)
	require.NoError(t, err)
	require.Len(t, creating, 1)
	assert.Equal(t, "a", creating[0].ID)

	ids, err := s.ListSessionIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	_, ok := ids["a"]
	assert.True(t, ok)
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("a")))
	require.NoError(t, s.DeleteSession("a"))

	_, err := s.GetSession("a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing row is not an error
	require.NoError(t, s.DeleteSession("a"))
}

func TestCountWorktreesAndSiblings(t *testing.T) {
	s := openTestStore(t)
	a := newTestSession("a")
	wt := "/data/worktrees/shared"
	a.WorktreePath = &wt
	require.NoError(t, s.CreateSession(a))

	b := newTestSession("b")
	b.WorktreePath = &wt
	require.NoError(t, s.CreateSession(b))

	require.NoError(t, s.CreateSession(newTestSession("c")))

	count, err := s.CountWorktrees()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	siblings, err := s.SessionsSharingWorktree(wt, "a")
	require.NoError(t, err)
	require.Len(t, siblings, 1)
	assert.Equal(t, "b", siblings[0].ID)
}

func TestTouchActivity(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(newTestSession("a")))

	now := time.Now()
	require.NoError(t, s.TouchActivity("a", now))

	got, err := s.GetSession("a")
	require.NoError(t, err)
	require.NotNil(t, got.LastActivityAt)
	assert.WithinDuration(t, now, *got.LastActivityAt, 2*time.Second)
}
