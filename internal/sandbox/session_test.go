package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nanogridbot/ngb/internal/ipc"
	"github.com/nanogridbot/ngb/pkg/agentio"
)

func TestSessionStartDetachedArgs(t *testing.T) {
	cfg := testConfig(t)
	cli := &fakeCLI{}
	s := NewSession(cfg, cli, discardLogger(), "demo", "sess-1")

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.State() != SessionStarted {
		t.Errorf("state = %q, want started", s.State())
	}

	args := cli.call(0)
	if args[0] != "run" || args[1] != "-d" {
		t.Fatalf("argv prefix = %v, want run -d", args[:2])
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--rm") || strings.Contains(joined, " -i ") {
		t.Errorf("detached argv carries one-shot flags: %s", joined)
	}
	ipcMount := ipc.Dir(cfg.DataDir, "shell:demo") + ":/workspace/ipc:rw"
	if !strings.Contains(joined, ipcMount) {
		t.Errorf("argv missing ipc mount %q: %s", ipcMount, joined)
	}
	if args[len(args)-1] != cfg.Container.Image {
		t.Errorf("last arg = %q, want image", args[len(args)-1])
	}

	// input/ and output/ exist before the container runs.
	for _, d := range []string{"input", "output"} {
		if _, err := os.Stat(filepath.Join(ipc.Dir(cfg.DataDir, "shell:demo"), d)); err != nil {
			t.Errorf("ipc %s dir missing: %v", d, err)
		}
	}

	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded, want error")
	}
}

func TestSessionSendReceive(t *testing.T) {
	cfg := testConfig(t)
	cli := &fakeCLI{}
	s := NewSession(cfg, cli, discardLogger(), "demo", "sess-7")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Send("hello agent"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	inDir := ipc.InputDir(cfg.DataDir, "shell:demo")
	names, err := ipc.ListJSON(inDir)
	if err != nil || len(names) != 1 {
		t.Fatalf("input files = %v, %v, want one file", names, err)
	}
	if !strings.HasPrefix(names[0], "input-") {
		t.Errorf("input file name = %q, want input-{ms}.json", names[0])
	}
	data, err := os.ReadFile(filepath.Join(inDir, names[0]))
	if err != nil {
		t.Fatalf("read input file: %v", err)
	}
	var in agentio.SessionInput
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("input file not json: %v", err)
	}
	if in.Text != "hello agent" || in.SessionID != "sess-7" || in.Timestamp == "" {
		t.Errorf("input payload = %+v", in)
	}

	outDir := ipc.OutputDir(cfg.DataDir, "shell:demo")
	if err := ipc.WriteAtomic(outDir, "output-1.json", []byte(`{"text":"first"}`)); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := ipc.WriteAtomic(outDir, "output-2.json", []byte("raw line")); err != nil {
		t.Fatalf("write output: %v", err)
	}

	texts, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "raw line" {
		t.Errorf("Receive() = %v, want [first, raw line]", texts)
	}
	left, _ := ipc.ListJSON(outDir)
	if len(left) != 0 {
		t.Errorf("%d output files survived receive, want 0", len(left))
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cli := &fakeCLI{}
	s := NewSession(cfg, cli, discardLogger(), "demo", "sess-9")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.State() != SessionClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
	// run + kill + rm.
	if cli.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", cli.callCount())
	}
	if kill := cli.call(1); kill[0] != "kill" {
		t.Errorf("second call = %v, want kill", kill)
	}
	if rm := cli.call(2); rm[0] != "rm" || rm[1] != "-f" {
		t.Errorf("third call = %v, want rm -f", rm)
	}
	if _, err := os.Stat(ipc.Dir(cfg.DataDir, "shell:demo")); !os.IsNotExist(err) {
		t.Errorf("ipc dir survived close")
	}

	calls := cli.callCount()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if cli.callCount() != calls {
		t.Errorf("second Close() issued CLI calls")
	}
	if err := s.Send("late"); err == nil {
		t.Error("Send() after close succeeded, want error")
	}
}

func TestSessionAlive(t *testing.T) {
	cfg := testConfig(t)
	cli := &fakeCLI{handler: func(ctx context.Context, args []string) (*RunResult, error) {
		if args[0] == "inspect" {
			return &RunResult{Stdout: []byte("true\n")}, nil
		}
		return &RunResult{}, nil
	}}
	s := NewSession(cfg, cli, discardLogger(), "demo", "s")

	if s.Alive(context.Background()) {
		t.Error("created session reports alive")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Alive(context.Background()) {
		t.Error("started session with running container reports dead")
	}
}

func TestFromExisting(t *testing.T) {
	cfg := testConfig(t)
	cli := &fakeCLI{}
	s := FromExisting(cfg, cli, discardLogger(), "demo", "sess-old", "ngb-demo-abc")

	if s.State() != SessionStarted {
		t.Errorf("state = %q, want started", s.State())
	}
	if s.Alive(context.Background()) {
		t.Error("external session reports alive")
	}
	if cli.callCount() != 0 {
		t.Errorf("Alive() probed an external container")
	}
	if err := s.Send("ping"); err != nil {
		t.Errorf("Send() on external session error = %v", err)
	}
}
