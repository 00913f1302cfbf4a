// Package queue serializes agent container runs per workspace and
// bounds how many run at once. One mutex guards all queue state and is
// held only across in-memory mutation, never across I/O.
package queue

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/sandbox"
	"github.com/nanogridbot/ngb/internal/store"
	"github.com/nanogridbot/ngb/pkg/agentio"
)

// DefaultSessionID is the synthetic session id a task run reports when
// the workspace has no pending message to borrow one from.
const DefaultSessionID = "default"

// Runner executes one agent container. Implemented by sandbox.Launcher.
type Runner interface {
	Run(ctx context.Context, req sandbox.RunRequest) (agentio.Output, error)
}

// Persistence is the slice of the store the queue needs.
type Persistence interface {
	GetSession(ctx context.Context, groupFolder string) (string, error)
	SetSession(ctx context.Context, groupFolder, sessionID string) error
	GetGroupByFolder(ctx context.Context, folder string) (*store.Group, error)
	RecordRequestMetric(ctx context.Context, m *store.RequestMetric) error
}

// EnqueueResult tells the caller what happened to an enqueued item.
type EnqueueResult int

const (
	// Started means the workspace was idle and a worker was launched.
	Started EnqueueResult = iota
	// Queued means every worker slot is busy; the workspace waits its
	// turn in FIFO order.
	Queued
	// Appended means the workspace already has a running worker which
	// will pick the item up.
	Appended
)

func (r EnqueueResult) String() string {
	switch r {
	case Started:
		return "started"
	case Queued:
		return "queued"
	case Appended:
		return "appended"
	default:
		return "unknown"
	}
}

// messageItem is one queued message check.
type messageItem struct {
	sessionID string
	since     *time.Time
}

// workspaceState is the per-jid queue entry.
type workspaceState struct {
	jid             string
	folder          string
	active          bool
	pendingMessages []messageItem
	pendingTasks    []store.Task
	retryCount      int
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Active     int
	Waiting    int
	Workspaces int
}

// Manager owns all workspace queues.
type Manager struct {
	cfg    *config.Config
	runner Runner
	db     Persistence
	log    *slog.Logger

	mu          sync.Mutex
	states      map[string]*workspaceState
	activeCount int
	waiting     []string
	wg          sync.WaitGroup

	// sleepFn is swapped by tests to observe backoff without waiting.
	sleepFn func(time.Duration)
}

func NewManager(cfg *config.Config, runner Runner, db Persistence, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		runner:  runner,
		db:      db,
		log:     log,
		states:  make(map[string]*workspaceState),
		sleepFn: time.Sleep,
	}
}

// EnqueueMessageCheck queues a message check for jid. since, when set,
// narrows the agent prompt to messages after that instant.
func (m *Manager) EnqueueMessageCheck(jid, folder, sessionID string, since *time.Time) EnqueueResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureState(jid, folder)
	st.pendingMessages = append(st.pendingMessages, messageItem{sessionID: sessionID, since: since})
	return m.activate(st)
}

// EnqueueTask queues a scheduled task run for jid. When the workspace
// has no pending message, a placeholder message with the synthetic
// session id is pushed so task runs always find a session id at the
// message-queue head.
func (m *Manager) EnqueueTask(jid, folder string, task store.Task) EnqueueResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureState(jid, folder)
	if len(st.pendingMessages) == 0 {
		st.pendingMessages = append(st.pendingMessages, messageItem{sessionID: DefaultSessionID})
	}
	st.pendingTasks = append(st.pendingTasks, task)
	return m.activate(st)
}

// ensureState returns the state for jid, creating it on first use.
// Caller holds the lock.
func (m *Manager) ensureState(jid, folder string) *workspaceState {
	st, ok := m.states[jid]
	if !ok {
		st = &workspaceState{jid: jid, folder: folder}
		m.states[jid] = st
	}
	if folder != "" {
		st.folder = folder
	}
	return st
}

// activate starts a worker for st when a slot is free, or parks the
// workspace in the waiting list. Caller holds the lock.
func (m *Manager) activate(st *workspaceState) EnqueueResult {
	if st.active {
		return Appended
	}
	if m.activeCount < m.cfg.Queue.MaxConcurrent {
		st.active = true
		m.activeCount++
		m.wg.Add(1)
		go m.worker(st.jid)
		return Started
	}
	if !slices.Contains(m.waiting, st.jid) {
		m.waiting = append(m.waiting, st.jid)
	}
	return Queued
}

// Snapshot reports current occupancy.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:     m.activeCount,
		Waiting:    len(m.waiting),
		Workspaces: len(m.states),
	}
}

// Wait blocks until every worker has drained. Used by shutdown and
// tests; new enqueues during the wait extend it.
func (m *Manager) Wait() {
	m.wg.Wait()
}
