package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/ipc"
	"github.com/nanogridbot/ngb/pkg/agentio"
)

// Session states.
const (
	SessionCreated = "created"
	SessionStarted = "started"
	SessionClosed  = "closed"
)

// SessionJID returns the synthetic jid a shell session exchanges IPC
// under.
func SessionJID(groupFolder string) string {
	return "shell:" + groupFolder
}

// Session is a long-lived detached agent container driven through the
// IPC directory instead of stdin/stdout. Used by the shell path.
type Session struct {
	GroupFolder   string
	SessionID     string
	ContainerName string

	cfg    *config.Config
	cli    RuntimeCLI
	log    *slog.Logger
	ipcDir string

	mu       sync.Mutex
	state    string
	external bool
}

func NewSession(cfg *config.Config, cli RuntimeCLI, log *slog.Logger, groupFolder, sessionID string) *Session {
	return &Session{
		GroupFolder:   groupFolder,
		SessionID:     sessionID,
		ContainerName: fmt.Sprintf("ngb-%s-%s", groupFolder, uuid.NewString()),
		cfg:           cfg,
		cli:           cli,
		log:           log,
		ipcDir:        ipc.Dir(cfg.DataDir, SessionJID(groupFolder)),
		state:         SessionCreated,
	}
}

// FromExisting wraps an already-running container so it can be driven
// and shut down. Liveness cannot be probed for such a session.
func FromExisting(cfg *config.Config, cli RuntimeCLI, log *slog.Logger, groupFolder, sessionID, containerName string) *Session {
	return &Session{
		GroupFolder:   groupFolder,
		SessionID:     sessionID,
		ContainerName: containerName,
		cfg:           cfg,
		cli:           cli,
		log:           log,
		ipcDir:        ipc.Dir(cfg.DataDir, SessionJID(groupFolder)),
		state:         SessionStarted,
		external:      true,
	}
}

// State returns the lifecycle state string.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start validates mounts, creates the IPC directories, and launches the
// container detached. Allowed exactly once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionCreated {
		state := s.state
		s.mu.Unlock()
		return faults.New(faults.Container, "session %s is %s", s.ContainerName, state)
	}
	s.mu.Unlock()

	for _, d := range []string{filepath.Join(s.ipcDir, "input"), filepath.Join(s.ipcDir, "output")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return faults.Wrap(faults.Container, err, "create session ipc dir")
		}
	}

	v := &MountValidator{
		GroupsDir: s.cfg.GroupsDir,
		DataDir:   s.cfg.DataDir,
		StoreDir:  s.cfg.StoreDir,
		BaseDir:   s.cfg.BaseDir,
	}
	isMain := s.GroupFolder == s.cfg.MainGroup
	mounts, err := v.Build(s.GroupFolder, SessionJID(s.GroupFolder), isMain, nil)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if err := os.MkdirAll(m.Host, 0o755); err != nil {
			return faults.Wrap(faults.Container, err, "create mount dir %s", m.Host)
		}
	}

	args := []string{
		"run", "-d",
		"--name", s.ContainerName,
		"--network=" + s.cfg.Container.Network,
		"--memory=" + s.cfg.Container.Memory,
		"--cpus=" + s.cfg.Container.CPUs,
	}
	for _, m := range mounts {
		args = append(args, "-v", m.arg())
	}
	for _, kv := range mergedEnv(s.cfg.Container.Env, nil) {
		args = append(args, "-e", kv)
	}
	args = append(args, s.cfg.Container.Image)

	res, err := s.cli.Run(ctx, nil, args...)
	if err != nil {
		return faults.Wrap(faults.Container, err, "start session container")
	}
	if res.ExitCode != 0 {
		return faults.New(faults.Container, "start session container: %s", strings.TrimSpace(string(res.Stderr)))
	}

	s.mu.Lock()
	s.state = SessionStarted
	s.mu.Unlock()
	s.log.Info("session started", "group", s.GroupFolder, "container", s.ContainerName)
	return nil
}

// Send delivers one line of user input to the agent via an atomically
// written input file.
func (s *Session) Send(text string) error {
	if err := s.requireStarted(); err != nil {
		return err
	}
	_, err := ipc.WriteTimed(filepath.Join(s.ipcDir, "input"), "input", agentio.SessionInput{
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SessionID: s.SessionID,
	})
	return err
}

// Receive drains the session output directory and returns the agent's
// responses in write order. Each file is consumed exactly once.
func (s *Session) Receive() ([]string, error) {
	if err := s.requireStarted(); err != nil {
		return nil, err
	}
	outDir := filepath.Join(s.ipcDir, "output")
	names, err := ipc.ListJSON(outDir)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, name := range names {
		path := filepath.Join(outDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.Warn("session output unreadable", "file", name, "error", err)
			continue
		}
		texts = append(texts, sessionText(data))
		if err := os.Remove(path); err != nil {
			s.log.Warn("session output cleanup failed", "file", name, "error", err)
		}
	}
	return texts, nil
}

// Alive probes the container state. Always false for sessions attached
// to an externally started container.
func (s *Session) Alive(ctx context.Context) bool {
	s.mu.Lock()
	started := s.state == SessionStarted
	external := s.external
	s.mu.Unlock()
	if !started || external {
		return false
	}
	res, err := s.cli.Run(ctx, nil, "inspect", "-f", "{{.State.Running}}", s.ContainerName)
	if err != nil || res.ExitCode != 0 {
		return false
	}
	return strings.TrimSpace(string(res.Stdout)) == "true"
}

// Close asks the agent to shut down, force-removes the container, and
// deletes the IPC directory. Safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionClosed
	s.mu.Unlock()

	data, _ := json.Marshal(agentio.ShutdownSignal{Shutdown: true})
	if err := ipc.WriteAtomic(filepath.Join(s.ipcDir, "input"), ipc.ShutdownFile, data); err != nil {
		s.log.Warn("session shutdown sentinel failed", "container", s.ContainerName, "error", err)
	}

	if _, err := s.cli.Run(ctx, nil, "kill", s.ContainerName); err != nil {
		s.log.Debug("session kill failed", "container", s.ContainerName, "error", err)
	}
	if _, err := s.cli.Run(ctx, nil, "rm", "-f", s.ContainerName); err != nil {
		s.log.Debug("session remove failed", "container", s.ContainerName, "error", err)
	}
	if err := os.RemoveAll(s.ipcDir); err != nil {
		s.log.Warn("session ipc cleanup failed", "dir", s.ipcDir, "error", err)
	}
	s.log.Info("session closed", "group", s.GroupFolder, "container", s.ContainerName)
	return nil
}

func (s *Session) requireStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStarted {
		return faults.New(faults.Container, "session %s is %s", s.ContainerName, s.state)
	}
	return nil
}

// sessionText extracts the text field from a session output document,
// falling back to the raw content for non-JSON payloads.
func sessionText(data []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err == nil {
		if v, ok := doc["text"].(string); ok {
			return v
		}
	}
	return string(data)
}
