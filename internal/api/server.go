// Package api serves the ops HTTP surface: health probes, group and task
// listings, and an inbound message webhook for platforms that deliver over
// HTTP instead of a persistent connection.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/orchestrator"
	"github.com/nanogridbot/ngb/internal/store"
)

// Persistence is the slice of the store the API reads and writes.
type Persistence interface {
	SaveMessage(ctx context.Context, m *store.Message) error
	ListGroups(ctx context.Context) ([]store.Group, error)
	ListTasks(ctx context.Context, folder string) ([]store.Task, error)
}

// Server is the admin/health HTTP server.
type Server struct {
	cfg    config.APIConfig
	db     Persistence
	health func() orchestrator.Health
	log    *slog.Logger

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the ops API server. health is polled per request, so it
// must be safe for concurrent use.
func NewServer(cfg config.APIConfig, db Persistence, health func() orchestrator.Health, log *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		health: health,
		log:    log,
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// Liveness probe, always unauthenticated.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("GET /api/health", s.authMiddleware(s.handleHealth))
	mux.HandleFunc("GET /api/groups", s.authMiddleware(s.handleGroups))
	mux.HandleFunc("GET /api/tasks", s.authMiddleware(s.handleTasks))
	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.handleInboundMessage))

	s.mux = mux
	return mux
}

// Start begins serving and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: mux,
	}

	s.log.Info("api server starting", "addr", s.cfg.Listen)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return faults.Wrap(faults.Other, err, "api server")
	}
	return nil
}

// authMiddleware enforces the static bearer token when one is configured.
// Without a token the API trusts its loopback bind.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			if bearerToken(r) != s.cfg.AuthToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health().Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

type groupInfo struct {
	JID             string `json:"jid"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder"`
	TriggerPattern  string `json:"trigger_pattern,omitempty"`
	RequiresTrigger bool   `json:"requires_trigger"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.db.ListGroups(r.Context())
	if err != nil {
		s.log.Error("list groups failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list groups failed"})
		return
	}

	infos := make([]groupInfo, 0, len(groups))
	for _, g := range groups {
		infos = append(infos, groupInfo{
			JID:             g.JID,
			Name:            g.Name,
			Folder:          g.Folder,
			TriggerPattern:  g.TriggerPattern,
			RequiresTrigger: g.RequiresTrigger,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": infos})
}

type taskInfo struct {
	ID            int64      `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	tasks, err := s.db.ListTasks(r.Context(), folder)
	if err != nil {
		s.log.Error("list tasks failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list tasks failed"})
		return
	}

	infos := make([]taskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, taskInfo{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
			CreatedAt:     t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": infos})
}

// inboundMessage is the webhook body for platforms that deliver inbound
// traffic over HTTP (slack, feishu, wecom, dingtalk callbacks, or any
// custom bridge). The message lands in the store and the poll loop picks
// it up like any other.
type inboundMessage struct {
	ID         string    `json:"id,omitempty"`
	ChatJID    string    `json:"chat_jid"`
	Sender     string    `json:"sender,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleInboundMessage(w http.ResponseWriter, r *http.Request) {
	var req inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	if req.ChatJID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_jid and content are required"})
		return
	}

	if req.ID == "" {
		req.ID = "api-" + uuid.NewString()
	}
	if req.Sender == "" {
		req.Sender = "api"
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	msg := &store.Message{
		ID:         req.ID,
		ChatJID:    req.ChatJID,
		Sender:     req.Sender,
		SenderName: req.SenderName,
		Content:    req.Content,
		Timestamp:  req.Timestamp,
		IsFromMe:   false,
		Role:       store.RoleUser,
	}
	if err := s.db.SaveMessage(r.Context(), msg); err != nil {
		s.log.Error("save webhook message failed", "chat_jid", req.ChatJID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "save message failed"})
		return
	}

	s.log.Debug("webhook message stored", "chat_jid", req.ChatJID, "id", req.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID, "status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
