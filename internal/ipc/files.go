// Package ipc implements the file-based exchange between the host and
// sandboxed agents. Producers write under a .tmp- name and rename into
// place; consumers never read dotfiles and delete after a successful
// read. That discipline is the only synchronization between the two
// sides.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nanogridbot/ngb/internal/faults"
)

// ShutdownFile is the sentinel a session writes to its input dir to ask
// the agent to exit.
const ShutdownFile = "_shutdown.json"

// Dir returns the IPC root for a jid.
func Dir(dataDir, jid string) string {
	return filepath.Join(dataDir, "ipc", jid)
}

// InputDir returns the host-to-agent directory for a jid.
func InputDir(dataDir, jid string) string {
	return filepath.Join(Dir(dataDir, jid), "input")
}

// OutputDir returns the agent-to-host directory for a jid.
func OutputDir(dataDir, jid string) string {
	return filepath.Join(Dir(dataDir, jid), "output")
}

// WriteAtomic writes data to dir/name via a dot-prefixed temp file and
// rename, so a reader never observes a partial file.
func WriteAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return faults.Wrap(faults.Container, err, "create ipc dir")
	}
	tmp := filepath.Join(dir, ".tmp-"+name)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return faults.Wrap(faults.Container, err, "write ipc temp file")
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return faults.Wrap(faults.Container, err, "publish ipc file")
	}
	return nil
}

// WriteTimed marshals value and writes it as {prefix}-{unix_ms}.json,
// bumping the millisecond stamp when a same-named file already exists so
// rapid writes keep distinct, ordered names. Returns the final name.
func WriteTimed(dir, prefix string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", faults.Wrap(faults.Container, err, "encode ipc payload")
	}
	ts := time.Now().UnixMilli()
	for {
		name := fmt.Sprintf("%s-%d.json", prefix, ts)
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			ts++
			continue
		}
		return name, WriteAtomic(dir, name, data)
	}
}

// ListJSON returns the .json file names in dir sorted ascending,
// excluding dotfiles (in-flight temp writes) and non-json entries. A
// missing directory yields an empty list.
func ListJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.Container, err, "list ipc dir")
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
