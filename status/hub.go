// Package status maintains the in-memory activity cache for sessions and
// fans updates out to subscribers. The hub is the single source of "what is
// the agent doing right now"; durable lifecycle state lives in the store.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grovetools/burrow/logging"
	"github.com/grovetools/burrow/store"
	"github.com/grovetools/burrow/tmux"
)

// Activity statuses reported by agents.
const (
	StatusRunning = "running"
	StatusWaiting = "waiting"
	StatusIdle    = "idle"
	StatusDead    = "dead"
)

const (
	cleanupInterval   = 5 * time.Minute
	heartbeatInterval = 30 * time.Second

	// staleAfter marks entries with no update as stale. Terminal dead
	// entries are left alone.
	staleAfter = 10 * time.Minute

	// syncFreshness keeps recent live updates from being overwritten by
	// startup reconciliation.
	syncFreshness = 60 * time.Second
)

// Update is a partial status report for one session. Empty fields are
// merged per field policy: SetupStatus and LifecycleStatus are sticky and
// carry over from the cached record when omitted.
type Update struct {
	SessionID       string `json:"sessionId"`
	Status          string `json:"status"`
	ToolName        string `json:"toolName,omitempty"`
	Message         string `json:"message,omitempty"`
	SetupStatus     string `json:"setupStatus,omitempty"`
	LifecycleStatus string `json:"lifecycleStatus,omitempty"`
}

// Record is the cached state of one session.
type Record struct {
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	ToolName        string    `json:"toolName,omitempty"`
	Message         string    `json:"message,omitempty"`
	SetupStatus     string    `json:"setupStatus,omitempty"`
	LifecycleStatus string    `json:"lifecycleStatus,omitempty"`
	Stale           bool      `json:"stale"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Subscriber receives every published record, synchronously.
type Subscriber func(Record)

// SessionReader is the slice of the store the hub needs.
type SessionReader interface {
	ListSessions() ([]*store.Session, error)
	ListSessionIDs() (map[string]struct{}, error)
	TouchActivity(id string, at time.Time) error
}

// Hub is the status cache and fan-out point. Construct one per process and
// pass it by reference; there is no package-level instance.
type Hub struct {
	db        SessionReader
	listLive  func(ctx context.Context) ([]string, error)
	log       *logrus.Entry
	clock     func() time.Time

	mu    sync.Mutex
	cache map[string]Record

	subMu     sync.Mutex
	subs      map[int]Subscriber
	nextSubID int
	heartbeat *time.Ticker
	hbDone    chan struct{}

	syncMu sync.Mutex

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewHub creates a status hub. listLive enumerates live multiplexer session
// names and is used only by SyncFromTmux.
func NewHub(db SessionReader, listLive func(ctx context.Context) ([]string, error)) *Hub {
	return &Hub{
		db:          db,
		listLive:    listLive,
		log:         logging.NewLogger("status"),
		clock:       time.Now,
		cache:       make(map[string]Record),
		subs:        make(map[int]Subscriber),
		stopCleanup: make(chan struct{}),
	}
}

// Start launches the cleanup timer. It runs regardless of subscriber count
// so the cache stays bounded even with no one watching.
func (h *Hub) Start() {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.CleanupStale()
			case <-h.stopCleanup:
				return
			}
		}
	}()
}

// Stop halts the cleanup and heartbeat timers.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCleanup) })

	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.stopHeartbeatLocked()
}

// UpdateStatus merges an update into the session's cached record, clears
// the stale flag, touches the activity timestamp for running/waiting, and
// fans the result out to all subscribers.
func (h *Hub) UpdateStatus(u Update) {
	h.mu.Lock()
	rec := h.cache[u.SessionID]
	rec.SessionID = u.SessionID
	rec.Status = u.Status
	rec.ToolName = u.ToolName
	rec.Message = u.Message
	if u.SetupStatus != "" {
		rec.SetupStatus = u.SetupStatus
	}
	if u.LifecycleStatus != "" {
		rec.LifecycleStatus = u.LifecycleStatus
	}
	rec.Stale = false
	rec.UpdatedAt = h.clock()
	h.cache[u.SessionID] = rec
	h.mu.Unlock()

	// Running and waiting are the cheap liveness signal worth a DB write;
	// idle ticks are not.
	if u.Status == StatusRunning || u.Status == StatusWaiting {
		if err := h.db.TouchActivity(u.SessionID, rec.UpdatedAt); err != nil {
			h.log.WithError(err).WithField("session", u.SessionID).Warn("failed to touch activity")
		}
	}

	h.publish(rec)
}

// Get returns the cached record for a session.
func (h *Hub) Get(sessionID string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.cache[sessionID]
	return rec, ok
}

// Snapshot returns a copy of every cached record.
func (h *Hub) Snapshot() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, 0, len(h.cache))
	for _, rec := range h.cache {
		out = append(out, rec)
	}
	return out
}

// ClearSession drops the cached record for a session. Called on delete.
func (h *Hub) ClearSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cache, sessionID)
}

// Subscribe registers a callback for every published record and returns an
// unsubscribe function. The heartbeat timer runs only while at least one
// subscriber is connected.
func (h *Hub) Subscribe(fn Subscriber) func() {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = fn

	if h.heartbeat == nil {
		h.startHeartbeatLocked()
	}

	return func() {
		h.subMu.Lock()
		defer h.subMu.Unlock()
		delete(h.subs, id)
		if len(h.subs) == 0 {
			h.stopHeartbeatLocked()
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(rec Record) {
	h.subMu.Lock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.subMu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
}

// startHeartbeatLocked begins re-broadcasting cached records periodically
// so idle SSE connections stay warm. Caller holds subMu.
func (h *Hub) startHeartbeatLocked() {
	h.heartbeat = time.NewTicker(heartbeatInterval)
	h.hbDone = make(chan struct{})
	ticker, done := h.heartbeat, h.hbDone
	go func() {
		for {
			select {
			case <-ticker.C:
				for _, rec := range h.Snapshot() {
					h.publish(rec)
				}
			case <-done:
				return
			}
		}
	}()
}

func (h *Hub) stopHeartbeatLocked() {
	if h.heartbeat != nil {
		h.heartbeat.Stop()
		close(h.hbDone)
		h.heartbeat = nil
	}
}

// CleanupStale drops cache entries whose sessions no longer exist and
// flags entries with no recent update as stale. Dead entries are terminal
// and are not re-flagged.
func (h *Hub) CleanupStale() {
	ids, err := h.db.ListSessionIDs()
	if err != nil {
		h.log.WithError(err).Warn("cleanup: failed to list session ids")
		ids = nil
	}

	now := h.clock()
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, rec := range h.cache {
		if ids != nil {
			if _, exists := ids[id]; !exists {
				delete(h.cache, id)
				continue
			}
		}
		if rec.Status != StatusDead && !rec.Stale && now.Sub(rec.UpdatedAt) > staleAfter {
			rec.Stale = true
			h.cache[id] = rec
		}
	}
}

// SyncFromTmux reconciles the cache against live multiplexer sessions at
// startup. Sessions with a live multiplexer session seed as idle, the rest
// as dead; entries updated within the last minute are left alone. If the
// multiplexer cannot be queried at all, every session seeds as dead rather
// than leaving the cache empty.
func (h *Hub) SyncFromTmux(ctx context.Context) {
	h.syncMu.Lock()
	defer h.syncMu.Unlock()

	sessions, err := h.db.ListSessions()
	if err != nil {
		h.log.WithError(err).Error("sync: failed to list sessions")
		return
	}

	live := make(map[string]bool)
	names, err := h.listLive(ctx)
	if err != nil {
		h.log.WithError(err).Warn("sync: multiplexer query failed, seeding all sessions dead")
	} else {
		for _, name := range names {
			live[name] = true
		}
	}

	now := h.clock()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sess := range sessions {
		if rec, ok := h.cache[sess.ID]; ok && now.Sub(rec.UpdatedAt) < syncFreshness {
			continue
		}

		status := StatusDead
		if live[tmux.SessionName(sess.AgentType, sess.ID)] {
			status = StatusIdle
		}
		h.cache[sess.ID] = Record{
			SessionID:       sess.ID,
			Status:          status,
			SetupStatus:     sess.SetupStatus,
			LifecycleStatus: sess.Status,
			UpdatedAt:       now,
		}
	}
}
