package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// GroupPersistence is the slice of the store the registry needs.
type GroupPersistence interface {
	UpsertGroup(ctx context.Context, g *store.Group) error
	DeleteGroup(ctx context.Context, jid string) error
	ListGroups(ctx context.Context) ([]store.Group, error)
}

// Registry is the in-memory view of registered groups, backed by the
// store. Reads are lock-cheap; writes go through the store first so a
// crash never leaves the cache ahead of persistence.
type Registry struct {
	db  GroupPersistence
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]*store.Group
}

func NewRegistry(db GroupPersistence, log *slog.Logger) *Registry {
	return &Registry{
		db:     db,
		log:    log,
		groups: make(map[string]*store.Group),
	}
}

// Load replaces the cache with the store's current contents.
func (r *Registry) Load(ctx context.Context) error {
	groups, err := r.db.ListGroups(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]*store.Group, len(groups))
	for _, g := range groups {
		m[g.JID] = &g
	}
	r.mu.Lock()
	r.groups = m
	r.mu.Unlock()
	r.log.Info("group registry loaded", "groups", len(groups))
	return nil
}

// Register validates the group, persists it, and updates the cache.
// Re-registering an existing jid overwrites the binding.
func (r *Registry) Register(ctx context.Context, g *store.Group) error {
	if err := ValidateFolder(g.Folder); err != nil {
		return err
	}
	if err := r.db.UpsertGroup(ctx, g); err != nil {
		return err
	}
	r.mu.Lock()
	r.groups[g.JID] = g
	r.mu.Unlock()
	r.log.Info("group registered", "jid", g.JID, "folder", g.Folder)
	return nil
}

// Unregister removes the binding from the store and the cache.
func (r *Registry) Unregister(ctx context.Context, jid string) error {
	if err := r.db.DeleteGroup(ctx, jid); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.groups, jid)
	r.mu.Unlock()
	r.log.Info("group unregistered", "jid", jid)
	return nil
}

// Get returns the group bound to jid, or nil.
func (r *Registry) Get(jid string) *store.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[jid]
}

// GetByFolder returns the group whose workspace folder matches, or nil.
func (r *Registry) GetByFolder(folder string) *store.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.Folder == folder {
			return g
		}
	}
	return nil
}

// All returns the registered groups sorted by folder.
func (r *Registry) All() []*store.Group {
	r.mu.RLock()
	out := make([]*store.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// JIDs returns the registered jids in no particular order.
func (r *Registry) JIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for jid := range r.groups {
		out = append(out, jid)
	}
	return out
}

// Len reports the number of registered groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// ValidateFolder enforces the workspace folder invariant: a single
// path component with no traversal. The folder names a directory under
// groups_dir and leaks into container names and mount paths.
func ValidateFolder(folder string) error {
	if folder == "" {
		return faults.New(faults.Config, "group folder must not be empty")
	}
	if strings.Contains(folder, "..") || strings.ContainsAny(folder, "/\\\x00") {
		return faults.New(faults.Security, "group folder traversal: %q", folder)
	}
	if folder == "." {
		return faults.New(faults.Security, "group folder traversal: %q", folder)
	}
	return nil
}
