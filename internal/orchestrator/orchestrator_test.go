package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/queue"
	"github.com/nanogridbot/ngb/internal/router"
	"github.com/nanogridbot/ngb/internal/store"
)

type fakePersistence struct {
	mu         sync.Mutex
	messages   []store.Message
	tokens     map[string]*store.AccessToken
	workspaces map[string]*store.Workspace
	bindings   []store.ChannelBinding
	purged     []time.Time
	purgeErr   error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{
		tokens:     make(map[string]*store.AccessToken),
		workspaces: make(map[string]*store.Workspace),
	}
}

func (f *fakePersistence) MessagesSince(ctx context.Context, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakePersistence) PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.purged = append(f.purged, cutoff)
	return 3, nil
}

func (f *fakePersistence) ConsumeToken(ctx context.Context, token string) (*store.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.Used {
		return nil, nil
	}
	t.Used = true
	return t, nil
}

func (f *fakePersistence) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspaces[id], nil
}

func (f *fakePersistence) BindChannel(ctx context.Context, b *store.ChannelBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, *b)
	return nil
}

type enqueueCall struct {
	jid       string
	folder    string
	sessionID string
	since     time.Time
}

type fakeQueue struct {
	mu    sync.Mutex
	calls []enqueueCall
	stats queue.Stats
}

func (f *fakeQueue) EnqueueMessageCheck(jid, folder, sessionID string, since *time.Time) queue.EnqueueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := enqueueCall{jid: jid, folder: folder, sessionID: sessionID}
	if since != nil {
		c.since = *since
	}
	f.calls = append(f.calls, c)
	return queue.Started
}

func (f *fakeQueue) Snapshot() queue.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeQueue) snapshot() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueueCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeWatcher struct {
	mu      sync.Mutex
	watched []string
	stopped bool
}

func (f *fakeWatcher) Watch(jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, jid)
}

func (f *fakeWatcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fakeScheduler struct {
	started, stopped bool
}

func (f *fakeScheduler) Start() { f.started = true }
func (f *fakeScheduler) Stop()  { f.stopped = true }

type fakeChannels struct {
	startErr         error
	started, stopped bool
	connected, total int
}

func (f *fakeChannels) StartAll(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeChannels) StopAll(ctx context.Context) { f.stopped = true }

func (f *fakeChannels) Counts() (int, int) { return f.connected, f.total }

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]*store.Group
}

func (f *fakeGroupStore) UpsertGroup(ctx context.Context, g *store.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.JID] = g
	return nil
}

func (f *fakeGroupStore) DeleteGroup(ctx context.Context, jid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, jid)
	return nil
}

func (f *fakeGroupStore) ListGroups(ctx context.Context) ([]store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

type fakeOutbound struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (f *fakeOutbound) Send(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, jid+"|"+text)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	db      *fakePersistence
	q       *fakeQueue
	watcher *fakeWatcher
	sched   *fakeScheduler
	out     *fakeOutbound
	ch      *fakeChannels
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.GroupsDir = filepath.Join(dir, "groups")
	cfg.StoreDir = filepath.Join(dir, "store")
	cfg.Store.RetentionDays = 0

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := &fakeOutbound{}
	reg := router.NewRegistry(&fakeGroupStore{groups: make(map[string]*store.Group)}, log)
	r := router.New(reg, out, cfg.AssistantName, log)

	db := newFakePersistence()
	q := &fakeQueue{}
	w := &fakeWatcher{}
	sched := &fakeScheduler{}
	ch := &fakeChannels{connected: 2, total: 3}

	return &fixture{
		orch:    New(cfg, db, q, r, w, sched, ch, log),
		db:      db,
		q:       q,
		watcher: w,
		sched:   sched,
		out:     out,
		ch:      ch,
	}
}

func (fx *fixture) register(t *testing.T, g *store.Group) {
	t.Helper()
	if err := fx.orch.RegisterGroup(context.Background(), g); err != nil {
		t.Fatalf("RegisterGroup: %v", err)
	}
}

func TestPollRoutesTriggeredMessage(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{
		JID: "telegram:100", Name: "Andy", Folder: "demo", RequiresTrigger: true,
	})

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fx.db.messages = []store.Message{
		{ChatJID: "telegram:100", Content: "@Andy hello", Timestamp: ts},
	}

	fx.orch.pollMessages(context.Background())

	calls := fx.q.snapshot()
	if len(calls) != 1 {
		t.Fatalf("enqueues = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.jid != "telegram:100" || c.folder != "demo" {
		t.Errorf("enqueue = %+v", c)
	}
	if want := fmt.Sprintf("msg-%d", ts.UnixMilli()); c.sessionID != want {
		t.Errorf("sessionID = %q, want %q", c.sessionID, want)
	}
	if !c.since.Equal(ts) {
		t.Errorf("since = %v, want message timestamp %v", c.since, ts)
	}
}

func TestPollIgnoresUnmatchedMessage(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{
		JID: "telegram:100", Name: "Andy", Folder: "demo", RequiresTrigger: true,
	})

	fx.db.messages = []store.Message{
		{ChatJID: "telegram:100", Content: "hello everyone", Timestamp: time.Now()},
	}
	fx.orch.pollMessages(context.Background())

	if calls := fx.q.snapshot(); len(calls) != 0 {
		t.Errorf("enqueues = %+v, want none", calls)
	}
}

func TestPollTakesLastMessagePerBurst(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:1", Folder: "fa"})
	fx.register(t, &store.Group{JID: "telegram:2", Folder: "fb"})

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fx.db.messages = []store.Message{
		{ChatJID: "telegram:1", Content: "one", Timestamp: base},
		{ChatJID: "telegram:1", Content: "two", Timestamp: base.Add(time.Second)},
		{ChatJID: "telegram:1", Content: "three", Timestamp: base.Add(2 * time.Second)},
		{ChatJID: "telegram:2", Content: "other", Timestamp: base.Add(time.Second)},
	}
	fx.orch.pollMessages(context.Background())

	calls := fx.q.snapshot()
	if len(calls) != 2 {
		t.Fatalf("enqueues = %+v, want one per chat", calls)
	}
	bySession := make(map[string]string)
	for _, c := range calls {
		bySession[c.jid] = c.sessionID
	}
	if want := fmt.Sprintf("msg-%d", base.Add(2*time.Second).UnixMilli()); bySession["telegram:1"] != want {
		t.Errorf("burst tail session = %q, want %q", bySession["telegram:1"], want)
	}

	if !fx.orch.lastSeen.Equal(base.Add(2 * time.Second)) {
		t.Errorf("last_seen = %v, want max observed", fx.orch.lastSeen)
	}

	// A second poll sees nothing new; the boundary comparison is strict.
	fx.orch.pollMessages(context.Background())
	if calls := fx.q.snapshot(); len(calls) != 2 {
		t.Errorf("repoll enqueued again: %+v", calls)
	}
}

func TestPollSkipsOwnMessages(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:1", Folder: "fa"})

	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fx.db.messages = []store.Message{
		{ChatJID: "telegram:1", Content: "echo", Timestamp: ts, IsFromMe: true},
	}
	fx.orch.pollMessages(context.Background())

	if calls := fx.q.snapshot(); len(calls) != 0 {
		t.Errorf("own message enqueued: %+v", calls)
	}
	if !fx.orch.lastSeen.Equal(ts) {
		t.Errorf("last_seen = %v, own messages must still advance it", fx.orch.lastSeen)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !fx.sched.started || !fx.ch.started {
		t.Error("subsystems not started")
	}
	h := fx.orch.Health()
	if !h.Healthy || h.ChannelsConnected != 2 || h.ChannelsTotal != 3 {
		t.Errorf("Health() = %+v", h)
	}

	fx.orch.Stop(ctx)
	if !fx.sched.stopped || !fx.watcher.stopped || !fx.ch.stopped {
		t.Error("subsystems not stopped")
	}
	if fx.orch.Health().Healthy {
		t.Error("still healthy after stop")
	}
}

func TestStartFailsFastOnChannelError(t *testing.T) {
	fx := newFixture(t)
	fx.ch.startErr = errors.New("bad token")

	if err := fx.orch.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a broken channel")
	}
	if fx.sched.started {
		t.Error("scheduler started after channel failure")
	}
	if fx.orch.Health().Healthy {
		t.Error("healthy after failed start")
	}
}

func TestStartSeedsWatcherFromRegistry(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:1", Folder: "fa"})
	fx.register(t, &store.Group{JID: "discord:2", Folder: "fb"})
	fx.watcher.watched = nil

	if err := fx.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fx.orch.Stop(context.Background())

	fx.watcher.mu.Lock()
	n := len(fx.watcher.watched)
	fx.watcher.mu.Unlock()
	if n != 2 {
		t.Errorf("watched jids = %d, want 2", n)
	}
}

func TestHealthCounters(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:1", Folder: "fa"})
	fx.q.stats = queue.Stats{Active: 2, Waiting: 4, Workspaces: 6}

	h := fx.orch.Health()
	if h.RegisteredGroups != 1 || h.ActiveContainers != 2 || h.PendingTasks != 4 {
		t.Errorf("Health() = %+v", h)
	}
}

func TestRegisterGroupWatchesJID(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:9", Folder: "demo"})

	fx.watcher.mu.Lock()
	defer fx.watcher.mu.Unlock()
	if len(fx.watcher.watched) != 1 || fx.watcher.watched[0] != "telegram:9" {
		t.Errorf("watched = %v", fx.watcher.watched)
	}
}

func TestUnregisterGroup(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:9", Folder: "demo"})

	if err := fx.orch.UnregisterGroup(context.Background(), "telegram:9"); err != nil {
		t.Fatalf("UnregisterGroup: %v", err)
	}
	if fx.orch.router.Registry().Get("telegram:9") != nil {
		t.Error("group survived unregister")
	}
}

func TestPurgeExpired(t *testing.T) {
	fx := newFixture(t)
	fx.orch.cfg.Store.RetentionDays = 30

	fx.orch.purgeExpired(context.Background())

	fx.db.mu.Lock()
	defer fx.db.mu.Unlock()
	if len(fx.db.purged) != 1 {
		t.Fatalf("purge calls = %d, want 1", len(fx.db.purged))
	}
	wantCutoff := time.Now().Add(-30 * 24 * time.Hour)
	if d := fx.db.purged[0].Sub(wantCutoff); d < -time.Minute || d > time.Minute {
		t.Errorf("cutoff = %v, want about %v", fx.db.purged[0], wantCutoff)
	}
}

func TestParsePairCommand(t *testing.T) {
	tests := []struct {
		content string
		token   string
		ok      bool
	}{
		{"/pair abc123", "abc123", true},
		{"  /pair abc123  ", "abc123", true},
		{"@Nano pair abc123", "abc123", true},
		{"@nano PAIR abc123", "abc123", true},
		{"/pair", "", false},
		{"/pair a b", "", false},
		{"@Other pair abc", "", false},
		{"pair abc123", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		token, ok := parsePairCommand(tt.content, "Nano")
		if token != tt.token || ok != tt.ok {
			t.Errorf("parsePairCommand(%q) = %q, %v; want %q, %v", tt.content, token, ok, tt.token, tt.ok)
		}
	}
}

func TestPairingFlow(t *testing.T) {
	fx := newFixture(t)
	fx.db.tokens["tok-1"] = &store.AccessToken{Token: "tok-1", WorkspaceID: "ws-1"}
	fx.db.workspaces["ws-1"] = &store.Workspace{ID: "ws-1", Name: "Demo", Folder: "demo"}

	fx.db.messages = []store.Message{
		{ChatJID: "telegram:77", Content: "/pair tok-1", Timestamp: time.Now()},
	}
	fx.orch.pollMessages(context.Background())

	g := fx.orch.router.Registry().Get("telegram:77")
	if g == nil || g.Folder != "demo" || !g.RequiresTrigger {
		t.Fatalf("registered group = %+v", g)
	}
	fx.db.mu.Lock()
	if len(fx.db.bindings) != 1 || fx.db.bindings[0].ChannelJID != "telegram:77" || fx.db.bindings[0].WorkspaceID != "ws-1" {
		t.Errorf("bindings = %+v", fx.db.bindings)
	}
	fx.db.mu.Unlock()

	fx.watcher.mu.Lock()
	watched := len(fx.watcher.watched)
	fx.watcher.mu.Unlock()
	if watched != 1 {
		t.Errorf("watcher seeded %d jids, want 1", watched)
	}

	fx.out.mu.Lock()
	defer fx.out.mu.Unlock()
	if len(fx.out.sends) != 1 || !strings.Contains(fx.out.sends[0], "Paired with workspace Demo") {
		t.Errorf("sends = %v", fx.out.sends)
	}
	if calls := fx.q.snapshot(); len(calls) != 0 {
		t.Errorf("pair command also hit the queue: %+v", calls)
	}
}

func TestPairingRejectsUsedToken(t *testing.T) {
	fx := newFixture(t)
	fx.db.tokens["tok-1"] = &store.AccessToken{Token: "tok-1", WorkspaceID: "ws-1", Used: true}

	fx.db.messages = []store.Message{
		{ChatJID: "telegram:77", Content: "/pair tok-1", Timestamp: time.Now()},
	}
	fx.orch.pollMessages(context.Background())

	if fx.orch.router.Registry().Get("telegram:77") != nil {
		t.Error("used token registered a group")
	}
	fx.out.mu.Lock()
	defer fx.out.mu.Unlock()
	if len(fx.out.sends) != 1 || !strings.Contains(fx.out.sends[0], "invalid or already used") {
		t.Errorf("sends = %v", fx.out.sends)
	}
}

func TestPairingIgnoredForRegisteredChat(t *testing.T) {
	fx := newFixture(t)
	fx.register(t, &store.Group{JID: "telegram:77", Folder: "demo", RequiresTrigger: true})
	fx.db.tokens["tok-1"] = &store.AccessToken{Token: "tok-1", WorkspaceID: "ws-1"}

	fx.db.messages = []store.Message{
		{ChatJID: "telegram:77", Content: "/pair tok-1", Timestamp: time.Now()},
	}
	fx.orch.pollMessages(context.Background())

	fx.db.mu.Lock()
	defer fx.db.mu.Unlock()
	if fx.db.tokens["tok-1"].Used {
		t.Error("registered chat consumed a pairing token")
	}
}
