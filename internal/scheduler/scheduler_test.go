package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/queue"
	"github.com/nanogridbot/ngb/internal/store"
)

type fakeTaskStore struct {
	mu       sync.Mutex
	tasks    map[int64]*store.Task
	nextID   int64
	dueCalls int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[int64]*store.Task)}
}

func (f *fakeTaskStore) put(t store.Task) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	f.tasks[t.ID] = &t
	return t.ID
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, t *store.Task) (int64, error) {
	return f.put(*t), nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, id int64) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) DueTasks(ctx context.Context, now time.Time) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls++
	var due []store.Task
	for _, t := range f.tasks {
		if t.Status == store.TaskActive && t.NextRun != nil && !t.NextRun.After(now) {
			due = append(due, *t)
		}
	}
	for i := 0; i < len(due); i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].NextRun.Before(*due[i].NextRun) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}
	return due, nil
}

func (f *fakeTaskStore) UpdateTaskNextRun(ctx context.Context, id int64, nextRun *time.Time, lastRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.NextRun = nextRun
	if lastRun.IsZero() {
		t.LastRun = nil
	} else {
		lr := lastRun
		t.LastRun = &lr
	}
	return nil
}

func (f *fakeTaskStore) UpdateTaskStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id].Status = status
	return nil
}

type enqueueRec struct {
	jid    string
	folder string
	taskID int64
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	recs []enqueueRec
}

func (f *fakeEnqueuer) EnqueueTask(jid, folder string, task store.Task) queue.EnqueueResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, enqueueRec{jid: jid, folder: folder, taskID: task.ID})
	return queue.Started
}

func (f *fakeEnqueuer) snapshot() []enqueueRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]enqueueRec, len(f.recs))
	copy(out, f.recs)
	return out
}

func testScheduler(db *fakeTaskStore, q *fakeEnqueuer, now time.Time) *Scheduler {
	s := New(db, q, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return now }
	return s
}

func TestNormalizeCron(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0 9 * * *", "0 0 9 * * * *", false},
		{"30 0 9 * * *", "30 0 9 * * * *", false},
		{"15 0 9 * * 1 2026", "15 0 9 * * 1 2026", false},
		{"  0   9 * * *  ", "0 0 9 * * * *", false},
		{"* * *", "", true},
		{"* * * * * * * *", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeCron(tt.in)
		if tt.wantErr {
			if err == nil || !faults.Is(err, faults.Config) {
				t.Errorf("normalizeCron(%q) err = %v, want Config fault", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("normalizeCron(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"5m", 5 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"45", 45 * time.Second, false},
		{"0", 0, true},
		{"-5s", 0, true},
		{"xs", 0, true},
		{"10x", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseInterval(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseInterval(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestNextRunCron(t *testing.T) {
	task := &store.Task{ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *"}

	before := time.Date(2026, 1, 1, 8, 59, 30, 0, time.UTC)
	next, err := NextRun(task, before)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next before boundary = %v, want %v", next, want)
	}

	after := time.Date(2026, 1, 1, 9, 0, 30, 0, time.UTC)
	next, err = NextRun(task, after)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next after boundary = %v, want %v", next, want)
	}
}

func TestNextRunCronInvalid(t *testing.T) {
	task := &store.Task{ScheduleType: store.ScheduleCron, ScheduleValue: "* * * * x"}
	if _, err := NextRun(task, time.Now()); !faults.Is(err, faults.Config) {
		t.Errorf("NextRun(invalid cron) = %v, want Config fault", err)
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &store.Task{ScheduleType: store.ScheduleInterval, ScheduleValue: "90"}
	next, err := NextRun(task, now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	if want := now.Add(90 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	future := now.Add(time.Hour)
	task := &store.Task{ScheduleType: store.ScheduleOnce, NextRun: &future}
	next, err := NextRun(task, now)
	if err != nil || next == nil || !next.Equal(future) {
		t.Errorf("future once = %v, %v; want %v", next, err, future)
	}

	past := now.Add(-time.Hour)
	task = &store.Task{ScheduleType: store.ScheduleOnce, NextRun: &past}
	next, err = NextRun(task, now)
	if err != nil || next != nil {
		t.Errorf("past once = %v, %v; want nil, nil", next, err)
	}

	task = &store.Task{ScheduleType: store.ScheduleOnce, ScheduleValue: "2026-03-01T13:30:00Z"}
	next, err = NextRun(task, now)
	if err != nil || next == nil || !next.Equal(now.Add(90*time.Minute)) {
		t.Errorf("once from value = %v, %v", next, err)
	}

	task = &store.Task{ScheduleType: store.ScheduleOnce, ScheduleValue: "tomorrow-ish"}
	if _, err = NextRun(task, now); !faults.Is(err, faults.Config) {
		t.Errorf("bad once value = %v, want Config fault", err)
	}
}

func TestNextRunUnknownType(t *testing.T) {
	task := &store.Task{ScheduleType: "hourly"}
	if _, err := NextRun(task, time.Now()); !faults.Is(err, faults.Config) {
		t.Errorf("unknown type = %v, want Config fault", err)
	}
}

func TestTickFiresCronAndAdvances(t *testing.T) {
	db := newFakeTaskStore()
	due := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	id := db.put(store.Task{
		GroupFolder: "demo", Prompt: "morning digest",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
		Status: store.TaskActive, NextRun: &due,
	})
	q := &fakeEnqueuer{}
	now := time.Date(2026, 1, 1, 9, 0, 30, 0, time.UTC)
	s := testScheduler(db, q, now)

	s.tick(context.Background())

	recs := q.snapshot()
	if len(recs) != 1 || recs[0].jid != "task:demo" || recs[0].folder != "demo" {
		t.Fatalf("enqueues = %+v", recs)
	}
	got, _ := db.GetTask(context.Background(), id)
	if got.Status != store.TaskActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if want := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", got.NextRun, want)
	}
	if got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Errorf("last_run = %v, want %v", got.LastRun, now)
	}
}

func TestTickOnceCompletes(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	id := db.put(store.Task{
		GroupFolder: "demo", ScheduleType: store.ScheduleOnce,
		Status: store.TaskActive, NextRun: &past,
	})
	q := &fakeEnqueuer{}
	s := testScheduler(db, q, now)

	s.tick(context.Background())

	if recs := q.snapshot(); len(recs) != 1 {
		t.Fatalf("enqueues = %+v, want one", recs)
	}
	got, _ := db.GetTask(context.Background(), id)
	if got.Status != store.TaskCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.NextRun == nil || !got.NextRun.Equal(past) {
		t.Errorf("next_run = %v, want untouched %v", got.NextRun, past)
	}

	// A completed task never fires again.
	s.tick(context.Background())
	if recs := q.snapshot(); len(recs) != 1 {
		t.Errorf("completed task refired: %+v", recs)
	}
}

func TestTickUsesTargetChatJID(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	db.put(store.Task{
		GroupFolder: "demo", ScheduleType: store.ScheduleInterval, ScheduleValue: "1h",
		Status: store.TaskActive, NextRun: &due, TargetChatJID: "telegram:55",
	})
	q := &fakeEnqueuer{}
	s := testScheduler(db, q, now)

	s.tick(context.Background())

	if recs := q.snapshot(); len(recs) != 1 || recs[0].jid != "telegram:55" {
		t.Errorf("enqueues = %+v, want target jid", recs)
	}
}

func TestTickIsolatesBrokenTask(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-2 * time.Minute)
	later := now.Add(-time.Minute)
	brokenID := db.put(store.Task{
		GroupFolder: "broken", ScheduleType: store.ScheduleCron, ScheduleValue: "mangled",
		Status: store.TaskActive, NextRun: &earlier,
	})
	goodID := db.put(store.Task{
		GroupFolder: "good", ScheduleType: store.ScheduleInterval, ScheduleValue: "10m",
		Status: store.TaskActive, NextRun: &later,
	})
	q := &fakeEnqueuer{}
	s := testScheduler(db, q, now)

	s.tick(context.Background())

	recs := q.snapshot()
	if len(recs) != 2 {
		t.Fatalf("enqueues = %+v, want both tasks fired", recs)
	}
	broken, _ := db.GetTask(context.Background(), brokenID)
	if broken.Status != store.TaskPaused {
		t.Errorf("broken task status = %s, want paused", broken.Status)
	}
	good, _ := db.GetTask(context.Background(), goodID)
	if good.Status != store.TaskActive || good.NextRun == nil || !good.NextRun.Equal(now.Add(10*time.Minute)) {
		t.Errorf("good task = %+v", good)
	}
}

func TestScheduleComputesFirstRun(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 8, 59, 30, 0, time.UTC)
	s := testScheduler(db, &fakeEnqueuer{}, now)

	task := &store.Task{GroupFolder: "demo", Prompt: "digest", ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *"}
	id, err := s.Schedule(context.Background(), task)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, _ := db.GetTask(context.Background(), id)
	if got.Status != store.TaskActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC); got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", got.NextRun, want)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	db := newFakeTaskStore()
	s := testScheduler(db, &fakeEnqueuer{}, time.Now())

	_, err := s.Schedule(context.Background(), &store.Task{
		GroupFolder: "demo", ScheduleType: store.ScheduleInterval, ScheduleValue: "soon",
	})
	if !faults.Is(err, faults.Config) {
		t.Fatalf("Schedule(bad interval) = %v, want Config fault", err)
	}
	if len(db.tasks) != 0 {
		t.Error("invalid task was persisted")
	}
}

func TestPauseResume(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := testScheduler(db, &fakeEnqueuer{}, now)

	task := &store.Task{GroupFolder: "demo", ScheduleType: store.ScheduleInterval, ScheduleValue: "30m"}
	id, err := s.Schedule(context.Background(), task)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	if err := s.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := db.GetTask(context.Background(), id)
	if paused.Status != store.TaskPaused {
		t.Errorf("status = %s, want paused", paused.Status)
	}
	if paused.NextRun == nil || !paused.NextRun.Equal(now.Add(30*time.Minute)) {
		t.Errorf("pause moved next_run to %v", paused.NextRun)
	}

	if err := s.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, _ := db.GetTask(context.Background(), id)
	if resumed.Status != store.TaskActive {
		t.Errorf("status = %s, want active", resumed.Status)
	}
	want := now.Add(30 * time.Minute)
	if resumed.NextRun == nil || !resumed.NextRun.Equal(want) {
		t.Errorf("resumed next_run = %v, want %v", resumed.NextRun, want)
	}

	// Pausing again must not disturb the resume result.
	if err := s.Pause(context.Background(), id); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	again, _ := db.GetTask(context.Background(), id)
	if again.NextRun == nil || !again.NextRun.Equal(want) {
		t.Errorf("next_run after pause = %v, want %v", again.NextRun, want)
	}
}

func TestResumeExpiredOnce(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	id := db.put(store.Task{
		GroupFolder: "demo", ScheduleType: store.ScheduleOnce,
		Status: store.TaskPaused, NextRun: &past,
	})
	q := &fakeEnqueuer{}
	s := testScheduler(db, q, now)

	if err := s.Resume(context.Background(), id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got, _ := db.GetTask(context.Background(), id)
	if got.Status != store.TaskActive || got.NextRun != nil {
		t.Errorf("resumed expired once = %+v, want active with no next_run", got)
	}

	s.tick(context.Background())
	if recs := q.snapshot(); len(recs) != 0 {
		t.Errorf("expired once task fired: %+v", recs)
	}
}

func TestCancel(t *testing.T) {
	db := newFakeTaskStore()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	id := db.put(store.Task{
		GroupFolder: "demo", ScheduleType: store.ScheduleInterval, ScheduleValue: "5m",
		Status: store.TaskActive, NextRun: &due,
	})
	q := &fakeEnqueuer{}
	s := testScheduler(db, q, now)

	if err := s.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s.tick(context.Background())
	if recs := q.snapshot(); len(recs) != 0 {
		t.Errorf("cancelled task fired: %+v", recs)
	}
}

func TestStartStop(t *testing.T) {
	db := newFakeTaskStore()
	s := New(db, &fakeEnqueuer{}, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		db.mu.Lock()
		n := db.dueCalls
		db.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	db.mu.Lock()
	n := db.dueCalls
	db.mu.Unlock()
	if n < 2 {
		t.Errorf("ticks observed = %d, want at least 2", n)
	}
}
