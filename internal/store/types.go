package store

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one chat message as recorded by a channel adapter.
// Immutable after storage.
type Message struct {
	ID         string
	ChatJID    string
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	IsFromMe   bool
	Role       string
}

// Mount is a declarative additional bind mount carried in a group's
// container config. Validated by the sandbox layer before use.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	Mode          string `json:"mode,omitempty"`
}

// GroupContainerConfig is the opaque per-group container attribute bag.
type GroupContainerConfig struct {
	AdditionalMounts []Mount           `json:"additional_mounts,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutS         int               `json:"timeout_s,omitempty"`
}

// Group binds a chat jid to a workspace folder.
type Group struct {
	JID             string
	Name            string
	Folder          string
	TriggerPattern  string
	ContainerConfig *GroupContainerConfig
	RequiresTrigger bool
}

// Task schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Task is a scheduled prompt for a workspace.
type Task struct {
	ID            int64
	GroupFolder   string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	Status        string
	NextRun       *time.Time
	CreatedAt     time.Time
	LastRun       *time.Time
	ContextMode   string
	TargetChatJID string
}

// ContainerMetric audits one sandbox invocation. Inserted at start,
// closed exactly once at completion.
type ContainerMetric struct {
	ID          int64
	GroupFolder string
	SessionID   string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	DurationMS  *int64
	Error       string
}

// RequestMetric audits one processed queue item.
type RequestMetric struct {
	ID          int64
	GroupFolder string
	ChatJID     string
	Kind        string // "message" or "task"
	SessionID   string
	Status      string
	DurationMS  int64
	CreatedAt   time.Time
}

// Workspace is a named agent working directory that chats can bind to.
type Workspace struct {
	ID        string
	Name      string
	Folder    string
	CreatedAt time.Time
}

// AccessToken authorizes at most one channel binding; used flips true on
// consumption and never back.
type AccessToken struct {
	Token       string
	WorkspaceID string
	Used        bool
	CreatedAt   time.Time
}

// ChannelBinding records which workspace a chat jid was paired to.
type ChannelBinding struct {
	ChannelJID  string
	WorkspaceID string
	CreatedAt   time.Time
}

// WorkspaceSession is the latest agent session id per workspace folder,
// passed back on the next invocation to resume context.
type WorkspaceSession struct {
	GroupFolder string
	SessionID   string
	UpdatedAt   time.Time
}
