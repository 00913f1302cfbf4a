package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

// MountSpec is one -v argument: host path, container path, access mode.
type MountSpec struct {
	Host      string
	Container string
	Mode      string
}

func (m MountSpec) arg() string {
	return fmt.Sprintf("%s:%s:%s", m.Host, m.Container, m.Mode)
}

// MountValidator builds the ordered bind-mount list for a container run.
// Additional mounts from group config are untrusted and are checked
// against the allowed host roots before use.
type MountValidator struct {
	GroupsDir string
	DataDir   string
	StoreDir  string
	BaseDir   string
}

// Build returns the ordered mount list: group workspace, global data,
// sessions, the per-jid IPC dir, the project root for the main group,
// then each validated additional mount.
func (v *MountValidator) Build(groupFolder, chatJID string, isMain bool, additional []store.Mount) ([]MountSpec, error) {
	mounts := []MountSpec{
		{Host: filepath.Join(v.GroupsDir, groupFolder), Container: "/workspace/group", Mode: "rw"},
		{Host: filepath.Join(v.DataDir, "global"), Container: "/workspace/global", Mode: "ro"},
		{Host: filepath.Join(v.DataDir, "sessions"), Container: "/workspace/sessions", Mode: "rw"},
		{Host: filepath.Join(v.DataDir, "ipc", chatJID), Container: "/workspace/ipc", Mode: "rw"},
	}
	if isMain {
		mounts = append(mounts, MountSpec{Host: v.BaseDir, Container: "/workspace/project", Mode: "ro"})
	}

	for _, m := range additional {
		if m.HostPath == "" || m.ContainerPath == "" {
			continue
		}
		spec, err := v.validate(m)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, spec)
	}
	return mounts, nil
}

func (v *MountValidator) validate(m store.Mount) (MountSpec, error) {
	for _, p := range []string{m.HostPath, m.ContainerPath} {
		if strings.Contains(p, "..") || strings.ContainsRune(p, 0) {
			return MountSpec{}, faults.New(faults.Security, "mount path traversal: %q", p)
		}
	}
	if !v.allowed(m.HostPath) {
		return MountSpec{}, faults.New(faults.Security, "disallowed mount host path: %q", m.HostPath)
	}
	mode := "ro"
	if m.Mode == "rw" {
		mode = "rw"
	}
	return MountSpec{Host: m.HostPath, Container: m.ContainerPath, Mode: mode}, nil
}

// allowed reports whether host sits under one of the permitted roots.
func (v *MountValidator) allowed(host string) bool {
	for _, root := range []string{v.GroupsDir, v.DataDir, v.StoreDir, v.BaseDir} {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, host)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}
