package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/burrow/config"
	"github.com/grovetools/burrow/git"
	"github.com/grovetools/burrow/sandbox"
	"github.com/grovetools/burrow/status"
	"github.com/grovetools/burrow/store"
	"github.com/grovetools/burrow/tmux"
)

type fakeWorktrees struct {
	createErr error
	deleted   []string
	created   int
}

func (f *fakeWorktrees) CreateWorktree(ctx context.Context, req git.CreateWorktreeRequest) (*git.CreateWorktreeResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &git.CreateWorktreeResult{
		WorktreePath: filepath.Join("/worktrees", req.FeatureName),
		BranchName:   git.BranchNameFor(req.FeatureName),
		BaseBranch:   req.BaseBranch,
	}, nil
}

func (f *fakeWorktrees) DeleteWorktree(ctx context.Context, worktreePath, projectPath string, deleteBranch bool) error {
	f.deleted = append(f.deleted, worktreePath)
	return nil
}

func (f *fakeWorktrees) GetMainRepoFromWorktree(ctx context.Context, worktreePath string) (string, error) {
	return "/projects/main", nil
}

type fakeSandboxes struct {
	createErr error
	running   bool
	health    *sandbox.HealthReport
	destroyed []string
	created   int
}

func (f *fakeSandboxes) EnsureImage(ctx context.Context) error { return nil }

func (f *fakeSandboxes) CreateContainer(ctx context.Context, req sandbox.CreateRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return "container-" + req.SessionID, nil
}

func (f *fakeSandboxes) IsRunning(ctx context.Context, idOrName string) bool { return f.running }

func (f *fakeSandboxes) VerifyHealth(ctx context.Context, containerID, expected string) sandbox.HealthReport {
	if f.health != nil {
		return *f.health
	}
	return sandbox.HealthReport{Healthy: true}
}

func (f *fakeSandboxes) DestroyContainer(ctx context.Context, idOrName string) error {
	f.destroyed = append(f.destroyed, idOrName)
	return nil
}

type fakeMux struct {
	newErr   error
	sessions map[string]bool
	killed   []string
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: make(map[string]bool)}
}

func (f *fakeMux) NewSession(ctx context.Context, runner tmux.Runner, name, workdir, shellCommand string) error {
	if f.newErr != nil {
		return f.newErr
	}
	f.sessions[name] = true
	return nil
}

func (f *fakeMux) HasSession(ctx context.Context, runner tmux.Runner, name string) (bool, error) {
	return f.sessions[name], nil
}

func (f *fakeMux) KillSession(ctx context.Context, runner tmux.Runner, name string) error {
	f.killed = append(f.killed, name)
	delete(f.sessions, name)
	return nil
}

func (f *fakeMux) RefreshClient(ctx context.Context, runner tmux.Runner, name string) error {
	return nil
}

func (f *fakeMux) AttachCommand(runner tmux.Runner, name string) (string, []string) {
	argv := runner.AttachArgs([]string{"tmux", "attach-session", "-t", "=" + name})
	return argv[0], argv[1:]
}

type testEnv struct {
	ctrl      *Controller
	db        *store.Store
	worktrees *fakeWorktrees
	sandboxes *fakeSandboxes
	mux       *fakeMux
	hub       *status.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	worktrees := &fakeWorktrees{}
	sandboxes := &fakeSandboxes{running: true}
	mux := newFakeMux()
	hub := status.NewHub(db, func(ctx context.Context) ([]string, error) { return nil, nil })

	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	return &testEnv{
		ctrl:      NewController(db, worktrees, sandboxes, mux, hub, cfg),
		db:        db,
		worktrees: worktrees,
		sandboxes: sandboxes,
		mux:       mux,
		hub:       hub,
	}
}

func (e *testEnv) createSession(t *testing.T, req CreateSessionRequest) *store.Session {
	t.Helper()
	sess, err := e.ctrl.CreateSession(req)
	require.NoError(t, err)
	return sess
}

func baseRequest() CreateSessionRequest {
	return CreateSessionRequest{
		Title:            "Add Dark Mode",
		AgentType:        "claude",
		WorkingDirectory: "/projects/main",
	}
}

func TestCreateSession_StartsCreating(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, store.StatusCreating, sess.Status)
	assert.Equal(t, store.SetupPending, sess.SetupStatus)

	rec, ok := e.hub.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusCreating, rec.LifecycleStatus)
}

func TestRunSetup_PlainSession(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())

	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	assert.Equal(t, store.SetupComplete, got.SetupStatus)
	assert.Zero(t, e.worktrees.created, "plain sessions get no worktree")
	assert.Zero(t, e.sandboxes.created, "unsandboxed sessions get no container")
	assert.True(t, e.mux.sessions[tmux.SessionName("claude", sess.ID)])
}

func TestRunSetup_IsolatedSandboxedSession(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.Isolated = true
	req.BaseBranch = "main"
	req.AutoApprove = true
	sess := e.createSession(t, req)

	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
	require.True(t, got.HasWorktree())
	require.NotNil(t, got.ContainerID)
	assert.Equal(t, "container-"+sess.ID, *got.ContainerID)
	assert.Equal(t, store.ContainerReady, *got.ContainerStatus)
	assert.Equal(t, 1, e.worktrees.created)
	assert.Equal(t, 1, e.sandboxes.created)
}

func TestRunSetup_IsIdempotentPerStep(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.Isolated = true
	req.AutoApprove = true
	sess := e.createSession(t, req)

	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	assert.Equal(t, 1, e.worktrees.created, "completed steps must not repeat")
	assert.Equal(t, 1, e.sandboxes.created)
}

func TestRunSetup_FailureMarksSessionFailed(t *testing.T) {
	e := newTestEnv(t)
	e.sandboxes.createErr = fmt.Errorf("runtime unavailable")

	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)

	require.Error(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.SetupError)
	assert.Contains(t, *got.SetupError, "runtime unavailable")
	require.NotNil(t, got.ContainerStatus)
	assert.Equal(t, store.ContainerFailed, *got.ContainerStatus)
}

func TestStartTmuxSession_UsesContainerWorkdirWhenSandboxed(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)

	cid := "abc123"
	ready := store.ContainerReady
	require.NoError(t, e.db.UpdateContainer(sess.ID, &cid, &ready))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sandbox.WorkspaceMount, e.ctrl.workdirFor(got))

	runner := e.ctrl.RunnerFor(got)
	_, ok := runner.(tmux.ContainerRunner)
	assert.True(t, ok, "sandboxed session with a container execs into it")
}

func TestDeleteSession_TearsEverythingDown(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.Isolated = true
	req.AutoApprove = true
	sess := e.createSession(t, req)
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	require.NoError(t, e.ctrl.DeleteSession(context.Background(), sess.ID))

	_, err := e.ctrl.GetSession(sess.ID)
	require.Error(t, err, "row must be gone")
	assert.Len(t, e.mux.killed, 1)
	assert.Len(t, e.sandboxes.destroyed, 1)
	assert.Len(t, e.worktrees.deleted, 1)

	_, cached := e.hub.Get(sess.ID)
	assert.False(t, cached, "status cache entry must be cleared")
}

func TestDeleteSession_DeletingIsTerminal(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())
	require.NoError(t, e.db.UpdateLifecycleStatus(sess.ID, store.StatusDeleting))

	require.NoError(t, e.ctrl.DeleteSession(context.Background(), sess.ID))

	// The concurrent delete owns teardown; this call must not touch anything.
	assert.Empty(t, e.mux.killed)
	assert.Empty(t, e.sandboxes.destroyed)

	got, err := e.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDeleting, got.Status)
}

func TestDeleteSession_MissingSessionIsNoop(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.ctrl.DeleteSession(context.Background(), "no-such-id"))
}

func TestDeleteSession_PreservesSharedWorktree(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.Isolated = true
	a := e.createSession(t, req)
	require.NoError(t, e.ctrl.RunSetup(context.Background(), a.ID))

	got, err := e.ctrl.GetSession(a.ID)
	require.NoError(t, err)

	// A second session referencing the same worktree (a fork).
	b := e.createSession(t, baseRequest())
	require.NoError(t, e.db.UpdateWorktree(b.ID, *got.WorktreePath, "feature/add-dark-mode", "main"))

	require.NoError(t, e.ctrl.DeleteSession(context.Background(), a.ID))
	assert.Empty(t, e.worktrees.deleted, "a shared worktree must survive")
}

func TestRecoverSessions_FinishesInterruptedDelete(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)

	cid := "orphan-1"
	ready := store.ContainerReady
	require.NoError(t, e.db.UpdateContainer(sess.ID, &cid, &ready))
	require.NoError(t, e.db.UpdateLifecycleStatus(sess.ID, store.StatusDeleting))

	wt := "/worktrees/add-dark-mode"
	require.NoError(t, e.db.UpdateWorktree(sess.ID, wt, "feature/add-dark-mode", "main"))

	e.ctrl.RecoverSessions(context.Background())

	_, err := e.db.GetSession(sess.ID)
	assert.Equal(t, store.ErrNotFound, err, "row must be deleted")
	assert.Equal(t, []string{"orphan-1"}, e.sandboxes.destroyed)
	assert.Empty(t, e.worktrees.deleted, "worktrees survive crash recovery")
}

func TestRecoverSessions_FailsInterruptedSetup(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)

	cid := "orphan-2"
	ready := store.ContainerReady
	require.NoError(t, e.db.UpdateContainer(sess.ID, &cid, &ready))

	e.ctrl.RecoverSessions(context.Background())

	got, err := e.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.SetupError)
	assert.Equal(t, "restarted during setup", *got.SetupError)
	assert.Nil(t, got.ContainerID, "orphaned container reference must be cleared")
	assert.Equal(t, []string{"orphan-2"}, e.sandboxes.destroyed)
}

func TestRunSetup_RecordsContainerHealth(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)

	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContainerHealthStatus)
	assert.Equal(t, store.HealthHealthy, *got.ContainerHealthStatus)
	assert.NotNil(t, got.ContainerHealthCheckedAt)
}

func TestRecoverSessions_LiveSandboxedSessionSurvivesStartupSync(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	// A daemon restart: a fresh hub and controller over the same database.
	// The host tmux server reports no sessions; this session's tmux lives
	// inside its still-running container.
	hub := status.NewHub(e.db, func(ctx context.Context) ([]string, error) { return nil, nil })
	ctrl := NewController(e.db, e.worktrees, e.sandboxes, e.mux, hub, config.Default())

	ctrl.RecoverSessions(context.Background())
	hub.SyncFromTmux(context.Background())

	rec, ok := hub.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, status.StatusIdle, rec.Status,
		"a live sandboxed session must not be seeded dead at startup")
	assert.Equal(t, store.StatusReady, rec.LifecycleStatus)
}

func TestRecoverSessions_FailsUnhealthyContainer(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	e.sandboxes.health = &sandbox.HealthReport{Error: "egress firewall is not active"}

	e.ctrl.RecoverSessions(context.Background())

	got, err := e.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
	require.NotNil(t, got.ContainerHealthStatus)
	assert.Equal(t, store.HealthUnhealthy, *got.ContainerHealthStatus)
	require.NotNil(t, got.SetupError)
	assert.Contains(t, *got.SetupError, "health verification")
	assert.NotEmpty(t, e.sandboxes.destroyed, "an unhealthy container must not keep running")
}

func TestRecoverSessions_FailsDeadReadySessions(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	// Simulate the multiplexer dying with the daemon.
	e.mux.sessions = map[string]bool{}

	e.ctrl.RecoverSessions(context.Background())

	got, err := e.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)
}

func TestRecoverSessions_LeavesLiveReadySessionsAlone(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	e.ctrl.RecoverSessions(context.Background())

	got, err := e.db.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, got.Status)
}

func TestIsSessionAlive(t *testing.T) {
	e := newTestEnv(t)
	sess := e.createSession(t, baseRequest())
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, e.ctrl.IsSessionAlive(context.Background(), got))

	e.mux.sessions = map[string]bool{}
	assert.False(t, e.ctrl.IsSessionAlive(context.Background(), got))
}

func TestIsSessionAlive_SandboxedNeedsRunningContainer(t *testing.T) {
	e := newTestEnv(t)
	req := baseRequest()
	req.AutoApprove = true
	sess := e.createSession(t, req)
	require.NoError(t, e.ctrl.RunSetup(context.Background(), sess.ID))

	got, err := e.ctrl.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, e.ctrl.IsSessionAlive(context.Background(), got))

	e.sandboxes.running = false
	assert.False(t, e.ctrl.IsSessionAlive(context.Background(), got),
		"a stopped container means dead even with a multiplexer entry")
}
