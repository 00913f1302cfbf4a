// Package scheduler fires stored tasks when they come due and computes
// their next occurrence.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nanogridbot/ngb/internal/queue"
	"github.com/nanogridbot/ngb/internal/store"
)

const defaultTick = 60 * time.Second

// Enqueuer hands a due task to the workspace queue. Implemented by
// queue.Manager.
type Enqueuer interface {
	EnqueueTask(jid, folder string, task store.Task) queue.EnqueueResult
}

// TaskPersistence is the slice of the store the scheduler needs.
type TaskPersistence interface {
	CreateTask(ctx context.Context, t *store.Task) (int64, error)
	GetTask(ctx context.Context, id int64) (*store.Task, error)
	DueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	UpdateTaskNextRun(ctx context.Context, id int64, nextRun *time.Time, lastRun time.Time) error
	UpdateTaskStatus(ctx context.Context, id int64, status string) error
}

// Scheduler owns the due-task loop.
type Scheduler struct {
	db  TaskPersistence
	q   Enqueuer
	log *slog.Logger

	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Scheduler ticking at interval; zero or negative means
// the 60 second default.
func New(db TaskPersistence, q Enqueuer, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultTick
	}
	return &Scheduler{
		db:       db,
		q:        q,
		log:      log,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("scheduler started", "tick", s.interval)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background())
		}
	}
}

// tick enqueues every due task and advances its schedule. A failure on
// one task never skips the rest.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	due, err := s.db.DueTasks(ctx, now)
	if err != nil {
		s.log.Error("due task query failed", "error", err)
		return
	}
	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

func (s *Scheduler) fire(ctx context.Context, t *store.Task, now time.Time) {
	jid := t.TargetChatJID
	if jid == "" {
		jid = "task:" + t.GroupFolder
	}
	res := s.q.EnqueueTask(jid, t.GroupFolder, *t)
	s.log.Info("task fired", "task", t.ID, "folder", t.GroupFolder, "jid", jid, "enqueue", res)

	if t.ScheduleType == store.ScheduleOnce {
		if err := s.db.UpdateTaskStatus(ctx, t.ID, store.TaskCompleted); err != nil {
			s.log.Error("task completion failed", "task", t.ID, "error", err)
		}
		return
	}

	next, err := NextRun(t, now)
	if err != nil {
		// The schedule was valid when stored, so something edited it
		// out from under us. Pause rather than refiring every tick.
		s.log.Error("next run computation failed, pausing task", "task", t.ID, "error", err)
		if serr := s.db.UpdateTaskStatus(ctx, t.ID, store.TaskPaused); serr != nil {
			s.log.Error("task pause failed", "task", t.ID, "error", serr)
		}
		return
	}
	if err := s.db.UpdateTaskNextRun(ctx, t.ID, next, now); err != nil {
		s.log.Error("next run update failed", "task", t.ID, "error", err)
	}
}

// Schedule computes the first run, marks the task active, and persists
// it. Returns the new task id.
func (s *Scheduler) Schedule(ctx context.Context, t *store.Task) (int64, error) {
	next, err := NextRun(t, s.now())
	if err != nil {
		return 0, err
	}
	t.NextRun = next
	t.Status = store.TaskActive
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	id, err := s.db.CreateTask(ctx, t)
	if err != nil {
		return 0, err
	}
	t.ID = id
	s.log.Info("task scheduled", "task", id, "folder", t.GroupFolder, "type", t.ScheduleType, "next_run", next)
	return id, nil
}

// Cancel marks the task cancelled. It stops coming due but stays in
// the store for inspection.
func (s *Scheduler) Cancel(ctx context.Context, id int64) error {
	return s.db.UpdateTaskStatus(ctx, id, store.TaskCancelled)
}

// Pause suspends the task without touching next_run.
func (s *Scheduler) Pause(ctx context.Context, id int64) error {
	return s.db.UpdateTaskStatus(ctx, id, store.TaskPaused)
}

// Resume recomputes next_run from now and reactivates the task. A once
// task whose moment has passed resumes with no next_run and never
// fires.
func (s *Scheduler) Resume(ctx context.Context, id int64) error {
	t, err := s.db.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	next, err := NextRun(t, s.now())
	if err != nil {
		return err
	}
	var lastRun time.Time
	if t.LastRun != nil {
		lastRun = *t.LastRun
	}
	if err := s.db.UpdateTaskNextRun(ctx, id, next, lastRun); err != nil {
		return err
	}
	return s.db.UpdateTaskStatus(ctx, id, store.TaskActive)
}
