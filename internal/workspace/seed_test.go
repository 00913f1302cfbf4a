package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSeedCreatesGuide(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dev")

	created, err := Seed(dir)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(created) != 1 || created[0] != AgentsFile {
		t.Fatalf("created = %v, want [%s]", created, AgentsFile)
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatalf("read guide: %v", err)
	}
	if !strings.Contains(string(data), "/workspace/group") {
		t.Errorf("guide does not describe the workspace layout: %q", data)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	if _, err := Seed(dir); err != nil {
		t.Fatalf("first Seed: %v", err)
	}
	created, err := Seed(dir)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second Seed created %v, want none", created)
	}
}

func TestSeedKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("# my own instructions\n")
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), custom, 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := Seed(dir)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created = %v, want none", created)
	}

	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(custom) {
		t.Errorf("existing file was overwritten: %q", data)
	}
}
