// Package orchestrator ties the runtime together: it polls stored
// messages, routes them into the workspace queue, and owns the
// lifecycle of the scheduler, the IPC watcher, and the channel
// adapters.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/queue"
	"github.com/nanogridbot/ngb/internal/router"
	"github.com/nanogridbot/ngb/internal/store"
	"github.com/nanogridbot/ngb/internal/workspace"
)

const retentionInterval = time.Hour

// Queue is the slice of queue.Manager the orchestrator drives.
type Queue interface {
	EnqueueMessageCheck(jid, folder, sessionID string, since *time.Time) queue.EnqueueResult
	Snapshot() queue.Stats
}

// Watcher is the slice of ipc.Watcher the orchestrator drives.
type Watcher interface {
	Watch(jid string)
	Stop()
}

// TaskScheduler is the scheduler lifecycle the orchestrator owns.
type TaskScheduler interface {
	Start()
	Stop()
}

// Channels is the adapter manager lifecycle. May be nil when no
// platform is configured.
type Channels interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context)
	Counts() (connected, total int)
}

// Persistence is the slice of the store the orchestrator needs.
type Persistence interface {
	MessagesSince(ctx context.Context, since time.Time) ([]store.Message, error)
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ConsumeToken(ctx context.Context, token string) (*store.AccessToken, error)
	GetWorkspace(ctx context.Context, id string) (*store.Workspace, error)
	BindChannel(ctx context.Context, b *store.ChannelBinding) error
}

// Health is the runtime snapshot served by the ops API.
type Health struct {
	Healthy           bool  `json:"healthy"`
	ChannelsConnected int   `json:"channels_connected"`
	ChannelsTotal     int   `json:"channels_total"`
	RegisteredGroups  int   `json:"registered_groups"`
	ActiveContainers  int   `json:"active_containers"`
	PendingTasks      int   `json:"pending_tasks"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// Orchestrator runs the message loop and owns subsystem lifecycles.
type Orchestrator struct {
	cfg      *config.Config
	db       Persistence
	q        Queue
	router   *router.Router
	watcher  Watcher
	sched    TaskScheduler
	channels Channels
	log      *slog.Logger

	healthy  atomic.Bool
	started  time.Time
	lastSeen time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *config.Config, db Persistence, q Queue, r *router.Router, w Watcher, sched TaskScheduler, ch Channels, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		db:       db,
		q:        q,
		router:   r,
		watcher:  w,
		sched:    sched,
		channels: ch,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start brings the runtime up: data directories, group registry, IPC
// watchers, channel adapters, scheduler, and the poll loops. Messages
// stored before this instant are never delivered.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.ensureDataDirs(); err != nil {
		return err
	}
	if err := o.router.Registry().Load(ctx); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, g := range o.router.Registry().All() {
		o.seedWorkspace(g.Folder)
		o.watcher.Watch(g.JID)
	}
	if o.channels != nil {
		if err := o.channels.StartAll(ctx); err != nil {
			return fmt.Errorf("start channels: %w", err)
		}
	}
	o.sched.Start()

	o.started = time.Now()
	o.lastSeen = o.started
	o.healthy.Store(true)

	o.wg.Add(1)
	go o.runMessageLoop()
	if o.cfg.Store.RetentionDays > 0 {
		o.wg.Add(1)
		go o.runRetentionLoop()
	}
	o.log.Info("orchestrator started",
		"groups", o.router.Registry().Len(), "poll_ms", o.cfg.PollIntervalMS)
	return nil
}

// Stop shuts the loops down, then the subsystems in reverse order of
// their start.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	o.sched.Stop()
	o.watcher.Stop()
	if o.channels != nil {
		o.channels.StopAll(ctx)
	}
	o.healthy.Store(false)
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) runMessageLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(time.Duration(o.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.pollMessages(context.Background())
		}
	}
}

// pollMessages reads everything newer than last_seen, advances
// last_seen past it, and routes the last inbound message of each chat.
// Evaluating only the burst tail bounds container invocations per
// poll.
func (o *Orchestrator) pollMessages(ctx context.Context) {
	msgs, err := o.db.MessagesSince(ctx, o.lastSeen)
	if err != nil {
		o.log.Error("message poll failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	last := make(map[string]store.Message)
	for _, m := range msgs {
		if m.Timestamp.After(o.lastSeen) {
			o.lastSeen = m.Timestamp
		}
		if m.IsFromMe {
			continue
		}
		last[m.ChatJID] = m
	}

	for _, m := range last {
		if o.handlePairing(ctx, &m) {
			continue
		}
		v := o.router.Route(&m)
		if !v.Matched {
			continue
		}
		ts := m.Timestamp
		sessionID := fmt.Sprintf("msg-%d", ts.UnixMilli())
		res := o.q.EnqueueMessageCheck(v.GroupJID, v.GroupFolder, sessionID, &ts)
		o.log.Debug("message routed", "jid", v.GroupJID, "folder", v.GroupFolder, "enqueue", res)
	}
}

// RegisterGroup persists the binding and begins watching its IPC
// directory.
func (o *Orchestrator) RegisterGroup(ctx context.Context, g *store.Group) error {
	if err := o.router.Registry().Register(ctx, g); err != nil {
		return err
	}
	o.seedWorkspace(g.Folder)
	o.watcher.Watch(g.JID)
	return nil
}

// seedWorkspace makes sure the group folder exists and carries the
// agent's instruction files. Failures are logged, not fatal: the
// launcher will surface a missing folder on the first run anyway.
func (o *Orchestrator) seedWorkspace(folder string) {
	dir := filepath.Join(o.cfg.GroupsDir, folder)
	created, err := workspace.Seed(dir)
	if err != nil {
		o.log.Warn("workspace seed failed", "folder", folder, "error", err)
		return
	}
	if len(created) > 0 {
		o.log.Debug("workspace seeded", "folder", folder, "files", created)
	}
}

// UnregisterGroup drops the binding. The IPC watcher keeps polling the
// now-idle directory, which is harmless.
func (o *Orchestrator) UnregisterGroup(ctx context.Context, jid string) error {
	return o.router.Registry().Unregister(ctx, jid)
}

// Health reports the runtime snapshot.
func (o *Orchestrator) Health() Health {
	stats := o.q.Snapshot()
	var connected, total int
	if o.channels != nil {
		connected, total = o.channels.Counts()
	}
	var uptime int64
	if !o.started.IsZero() {
		uptime = int64(time.Since(o.started).Seconds())
	}
	return Health{
		Healthy:           o.healthy.Load(),
		ChannelsConnected: connected,
		ChannelsTotal:     total,
		RegisteredGroups:  o.router.Registry().Len(),
		ActiveContainers:  stats.Active,
		PendingTasks:      stats.Waiting,
		UptimeSeconds:     uptime,
	}
}

func (o *Orchestrator) runRetentionLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.purgeExpired(context.Background())
		}
	}
}

func (o *Orchestrator) purgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(o.cfg.Store.RetentionDays) * 24 * time.Hour)
	n, err := o.db.PurgeMessagesBefore(ctx, cutoff)
	if err != nil {
		o.log.Error("message retention purge failed", "error", err)
		return
	}
	if n > 0 {
		o.log.Info("expired messages purged", "count", n, "cutoff", cutoff)
	}
}

func (o *Orchestrator) ensureDataDirs() error {
	dirs := []string{
		o.cfg.GroupsDir,
		filepath.Join(o.cfg.DataDir, "global"),
		filepath.Join(o.cfg.DataDir, "sessions"),
		filepath.Join(o.cfg.DataDir, "ipc"),
		o.cfg.StoreDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure data dir %s: %w", d, err)
		}
	}
	return nil
}
