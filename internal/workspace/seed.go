// Package workspace seeds instruction files into group folders so the
// sandboxed agent finds its operating context on the first run.
package workspace

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// AgentsFile is the operating guide the agent reads from its working
// directory inside the container.
const AgentsFile = "AGENTS.md"

// templateFiles lists the templates to seed, in order.
var templateFiles = []string{
	AgentsFile,
}

// Seed creates the group folder if needed and writes any missing
// template files into it. Existing files are never overwritten, so
// groups are free to edit their copies. Returns the list of files that
// were created.
func Seed(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(dir, name)
		if err != nil {
			slog.Warn("workspace: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template if it doesn't exist yet. Returns
// true when the file was created.
func seedTemplate(dir, name string) (bool, error) {
	dstPath := filepath.Join(dir, name)

	// O_EXCL keeps a concurrent seeder or an operator's hand-written
	// file from being clobbered.
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
