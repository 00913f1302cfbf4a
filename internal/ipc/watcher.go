package ipc

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanogridbot/ngb/pkg/agentio"
)

// Sender delivers agent output back to a chat. The watcher does not know
// about platforms; routing to the owning adapter happens behind this
// interface.
type Sender interface {
	SendResponse(ctx context.Context, jid, text string) error
}

// Watcher polls the output directory of every watched jid and forwards
// each file's text to the sender. Files are consumed exactly once:
// deleted after processing whether or not the parse or send succeeded.
type Watcher struct {
	dataDir  string
	interval time.Duration
	sender   Sender
	log      *slog.Logger

	mu      sync.Mutex
	nudges  map[string]chan struct{}
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	fsw     *fsnotify.Watcher
}

func NewWatcher(dataDir string, interval time.Duration, sender Sender, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &Watcher{
		dataDir:  dataDir,
		interval: interval,
		sender:   sender,
		log:      log,
		nudges:   make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		// Polling alone is fully correct; inotify only shortens latency.
		log.Warn("fsnotify unavailable, falling back to pure polling", "error", err)
		return w
	}
	w.fsw = fsw
	w.wg.Add(1)
	go w.forwardEvents()
	return w
}

// Watch starts a poller for jid. Idempotent; safe at any time before
// Stop.
func (w *Watcher) Watch(jid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.nudges[jid]; ok {
		return
	}
	nudge := make(chan struct{}, 1)
	w.nudges[jid] = nudge

	dir := OutputDir(w.dataDir, jid)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("ipc output dir create failed", "jid", jid, "error", err)
	} else if w.fsw != nil {
		if err := w.fsw.Add(dir); err != nil {
			w.log.Warn("ipc inotify add failed", "jid", jid, "error", err)
		}
	}

	w.wg.Add(1)
	go w.poll(jid, nudge)
	w.log.Debug("watching ipc", "jid", jid)
}

// Watched returns the currently watched jids.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	jids := make([]string, 0, len(w.nudges))
	for jid := range w.nudges {
		jids = append(jids, jid)
	}
	return jids
}

// Stop terminates every poller at its next wake and waits for them.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()
}

// WriteInput atomically writes value as input-{ms}.json for jid.
func (w *Watcher) WriteInput(jid string, value any) (string, error) {
	return WriteTimed(InputDir(w.dataDir, jid), "input", value)
}

// WriteOutput atomically writes value as output-{ms}.json for jid.
func (w *Watcher) WriteOutput(jid string, value any) (string, error) {
	return WriteTimed(OutputDir(w.dataDir, jid), "output", value)
}

func (w *Watcher) poll(jid string, nudge <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-nudge:
		}
		w.drain(jid)
	}
}

// drain processes every completed output file for jid in name order.
func (w *Watcher) drain(jid string) {
	dir := OutputDir(w.dataDir, jid)
	names, err := ListJSON(dir)
	if err != nil {
		w.log.Warn("ipc list failed", "jid", jid, "error", err)
		return
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			w.log.Warn("ipc read failed", "jid", jid, "file", name, "error", err)
			continue
		}
		if text := agentio.ExtractText(data); text != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := w.sender.SendResponse(ctx, jid, text); err != nil {
				w.log.Warn("ipc dispatch failed", "jid", jid, "file", name, "error", err)
			}
			cancel()
		}
		// Consume exactly once: the file goes away regardless of the
		// dispatch outcome.
		if err := os.Remove(path); err != nil {
			w.log.Warn("ipc cleanup failed", "jid", jid, "file", name, "error", err)
		}
	}
}

// forwardEvents turns inotify create/rename events into poller nudges so
// output lands faster than the poll interval. Polling remains the
// correctness mechanism.
func (w *Watcher) forwardEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			jid := w.jidForPath(ev.Name)
			if jid == "" {
				continue
			}
			w.mu.Lock()
			nudge, ok := w.nudges[jid]
			w.mu.Unlock()
			if ok {
				select {
				case nudge <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Debug("inotify error", "error", err)
		}
	}
}

// jidForPath maps an event path {data_dir}/ipc/{jid}/output/f back to
// its jid.
func (w *Watcher) jidForPath(path string) string {
	rel, err := filepath.Rel(filepath.Join(w.dataDir, "ipc"), path)
	if err != nil {
		return ""
	}
	segs := strings.Split(rel, string(filepath.Separator))
	if len(segs) < 2 || segs[1] != "output" {
		return ""
	}
	return segs[0]
}
