// Package store defines the persistence contracts and entities shared by
// every subsystem. Backends live in the sqlite (default, embedded) and pg
// subpackages; callers depend on the narrow interfaces below.
package store

import (
	"context"
	"time"
)

// MessageStore persists chat messages.
type MessageStore interface {
	// SaveMessage upserts by message id.
	SaveMessage(ctx context.Context, m *Message) error
	// MessagesSince returns messages with timestamp strictly greater than
	// since, ascending.
	MessagesSince(ctx context.Context, since time.Time) ([]Message, error)
	// RecentMessages returns the newest limit messages of a chat in
	// ascending timestamp order.
	RecentMessages(ctx context.Context, chatJID string, limit int) ([]Message, error)
	// PurgeMessagesBefore deletes messages older than cutoff and reports
	// how many rows went away.
	PurgeMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GroupStore persists registered groups.
type GroupStore interface {
	UpsertGroup(ctx context.Context, g *Group) error
	// GetGroup returns (nil, nil) when the jid is not registered.
	GetGroup(ctx context.Context, jid string) (*Group, error)
	// GetGroupByFolder returns any group bound to folder, (nil, nil) if none.
	GetGroupByFolder(ctx context.Context, folder string) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	DeleteGroup(ctx context.Context, jid string) error
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) (int64, error)
	// GetTask returns (nil, nil) when the id does not exist.
	GetTask(ctx context.Context, id int64) (*Task, error)
	// ListTasks returns tasks for a folder, or all tasks when folder is "".
	ListTasks(ctx context.Context, folder string) ([]Task, error)
	// DueTasks returns active tasks with next_run <= now, ascending by
	// next_run.
	DueTasks(ctx context.Context, now time.Time) ([]Task, error)
	// UpdateTaskNextRun records a run and its next occurrence. A nil next
	// clears next_run so the task never comes due again.
	UpdateTaskNextRun(ctx context.Context, id int64, next *time.Time, lastRun time.Time) error
	UpdateTaskStatus(ctx context.Context, id int64, status string) error
	DeleteTask(ctx context.Context, id int64) error
}

// MetricsStore records container and request audit rows.
type MetricsStore interface {
	// StartContainerMetric opens an audit row before a container run and
	// returns the id to close it with.
	StartContainerMetric(ctx context.Context, groupFolder, sessionID string, startTime time.Time) (int64, error)
	CloseContainerMetric(ctx context.Context, id int64, status string, endTime time.Time, durationMS int64, errMsg string) error
	RecordRequestMetric(ctx context.Context, m *RequestMetric) error
}

// WorkspaceStore persists workspaces, single-use access tokens, and
// channel bindings.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, w *Workspace) error
	// GetWorkspace returns (nil, nil) when the id does not exist.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	GetWorkspaceByFolder(ctx context.Context, folder string) (*Workspace, error)
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	// DeleteWorkspace removes the workspace along with its tokens and
	// bindings.
	DeleteWorkspace(ctx context.Context, id string) error

	CreateToken(ctx context.Context, t *AccessToken) error
	// ConsumeToken flips used exactly once; returns (nil, nil) when the
	// token is unknown or already used.
	ConsumeToken(ctx context.Context, token string) (*AccessToken, error)
	ListTokens(ctx context.Context, workspaceID string) ([]AccessToken, error)

	BindChannel(ctx context.Context, b *ChannelBinding) error
	ListBindings(ctx context.Context) ([]ChannelBinding, error)
	DeleteBinding(ctx context.Context, channelJID string) error
}

// SessionStore persists the latest agent session id per workspace folder.
type SessionStore interface {
	// GetSession returns "" when no session is recorded for the folder.
	GetSession(ctx context.Context, groupFolder string) (string, error)
	SetSession(ctx context.Context, groupFolder, sessionID string) error
}

// Store is the full persistence surface a backend implements.
type Store interface {
	MessageStore
	GroupStore
	TaskStore
	MetricsStore
	WorkspaceStore
	SessionStore

	Ping(ctx context.Context) error
	Close() error
}
