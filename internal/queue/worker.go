package queue

import (
	"context"
	"time"

	"github.com/nanogridbot/ngb/internal/sandbox"
	"github.com/nanogridbot/ngb/internal/store"
)

// worker processes one workspace until its queues drain, then hands its
// slot to the next waiting workspace. Every activation gets a fresh
// worker; a worker never outlives its drain.
func (m *Manager) worker(jid string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		st := m.states[jid]
		var (
			isTask bool
			task   store.Task
			item   messageItem
		)
		switch {
		case len(st.pendingTasks) > 0:
			task = st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			isTask = true
			// Tasks borrow the session id at the message-queue head;
			// EnqueueTask guarantees one is there.
			if len(st.pendingMessages) > 0 {
				item = st.pendingMessages[0]
			} else {
				item = messageItem{sessionID: DefaultSessionID}
			}
		case len(st.pendingMessages) > 0:
			item = st.pendingMessages[0]
			st.pendingMessages = st.pendingMessages[1:]
		default:
			m.drain(st)
			m.mu.Unlock()
			return
		}
		folder := st.folder
		m.mu.Unlock()

		failed := m.runOne(jid, folder, isTask, task, item)

		m.mu.Lock()
		if !failed {
			st.retryCount = 0
			m.mu.Unlock()
			continue
		}
		st.retryCount++
		rc := st.retryCount
		if rc >= m.cfg.Queue.MaxRetries {
			m.log.Error("workspace retry budget exhausted, clearing queues",
				"jid", jid, "dropped_messages", len(st.pendingMessages), "dropped_tasks", len(st.pendingTasks))
			st.pendingMessages = nil
			st.pendingTasks = nil
			st.retryCount = 0
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		m.sleepFn(backoff(rc))
	}
}

// drain releases the workspace's slot and promotes the next waiting
// workspace on a fresh worker. Caller holds the lock.
func (m *Manager) drain(st *workspaceState) {
	st.active = false
	m.activeCount--
	if len(m.waiting) == 0 {
		return
	}
	next := m.waiting[0]
	m.waiting = m.waiting[1:]
	ns := m.states[next]
	ns.active = true
	m.activeCount++
	m.wg.Add(1)
	go m.worker(next)
}

// runOne executes a single queue item and records its request metric.
// Returns true when the launch itself failed; an agent-reported error
// status is a successful launch.
func (m *Manager) runOne(jid, folder string, isTask bool, task store.Task, item messageItem) bool {
	ctx := context.Background()
	start := time.Now()

	sessionID, err := m.db.GetSession(ctx, folder)
	if err != nil {
		m.log.Warn("session lookup failed", "folder", folder, "error", err)
	}
	if sessionID == "" {
		sessionID = item.sessionID
	}

	req := sandbox.RunRequest{
		GroupFolder: folder,
		SessionID:   sessionID,
		ChatJID:     jid,
		IsMain:      folder == m.cfg.MainGroup,
	}
	kind := "message"
	if isTask {
		kind = "task"
		req.Prompt = task.Prompt
	} else {
		req.Prompt = "Check messages"
		if item.since != nil {
			req.Prompt += " since " + item.since.UTC().Format(time.RFC3339)
		}
	}

	if g, err := m.db.GetGroupByFolder(ctx, folder); err != nil {
		m.log.Warn("group lookup failed", "folder", folder, "error", err)
	} else if g != nil && g.ContainerConfig != nil {
		req.AdditionalMounts = g.ContainerConfig.AdditionalMounts
		req.Env = g.ContainerConfig.Env
		if g.ContainerConfig.TimeoutS > 0 {
			req.Timeout = time.Duration(g.ContainerConfig.TimeoutS) * time.Second
		}
	}

	out, runErr := m.runner.Run(ctx, req)

	status := out.Status
	if runErr != nil {
		status = "error"
		m.log.Warn("container run failed", "jid", jid, "kind", kind, "error", runErr)
	} else if out.NewSessionID != "" {
		if err := m.db.SetSession(ctx, folder, out.NewSessionID); err != nil {
			m.log.Warn("session persist failed", "folder", folder, "error", err)
		}
	}

	metric := &store.RequestMetric{
		GroupFolder: folder,
		ChatJID:     jid,
		Kind:        kind,
		SessionID:   sessionID,
		Status:      status,
		DurationMS:  time.Since(start).Milliseconds(),
		CreatedAt:   start,
	}
	if err := m.db.RecordRequestMetric(ctx, metric); err != nil {
		m.log.Warn("request metric failed", "jid", jid, "error", err)
	}

	return runErr != nil
}

// backoff returns the sleep before the next attempt after rc
// consecutive failures: 5, 10, 20, 40 seconds.
func backoff(rc int) time.Duration {
	return time.Duration(5*(1<<(rc-1))) * time.Second
}
