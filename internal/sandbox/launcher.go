package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
	"github.com/nanogridbot/ngb/pkg/agentio"
)

// RunRequest describes one agent invocation.
type RunRequest struct {
	GroupFolder      string
	Prompt           string
	SessionID        string
	ChatJID          string
	IsMain           bool
	AdditionalMounts []store.Mount
	// Timeout overrides the configured default when positive.
	Timeout time.Duration
	// Env is merged over the configured container env.
	Env map[string]string
}

// Launcher runs one-shot agent containers. It never retries; the queue
// owns retry policy.
type Launcher struct {
	cfg     *config.Config
	cli     RuntimeCLI
	metrics store.MetricsStore
	breaker *Breaker
	tracer  trace.Tracer
	log     *slog.Logger
}

func NewLauncher(cfg *config.Config, cli RuntimeCLI, metrics store.MetricsStore, log *slog.Logger) *Launcher {
	return &Launcher{
		cfg:     cfg,
		cli:     cli,
		metrics: metrics,
		breaker: NewBreaker(cfg.Container.Breaker.Threshold, time.Duration(cfg.Container.Breaker.CooldownS)*time.Second),
		tracer:  otel.Tracer("ngb/sandbox"),
		log:     log,
	}
}

// Validator returns the mount validator bound to the configured roots.
func (l *Launcher) Validator() *MountValidator {
	return &MountValidator{
		GroupsDir: l.cfg.GroupsDir,
		DataDir:   l.cfg.DataDir,
		StoreDir:  l.cfg.StoreDir,
		BaseDir:   l.cfg.BaseDir,
	}
}

// Run launches one container, feeds it the request over stdin, and
// parses its stdout. A non-zero container exit with parseable output is
// not an error; the parsed status carries the meaning.
func (l *Launcher) Run(ctx context.Context, req RunRequest) (agentio.Output, error) {
	if err := l.breaker.Allow(); err != nil {
		return agentio.Output{}, err
	}

	ctx, span := l.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		attribute.String("group.folder", req.GroupFolder),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	start := time.Now()
	metricID, err := l.metrics.StartContainerMetric(ctx, req.GroupFolder, req.SessionID, start)
	if err != nil {
		l.log.Warn("container metric open failed", "group", req.GroupFolder, "error", err)
	}

	mounts, err := l.Validator().Build(req.GroupFolder, req.ChatJID, req.IsMain, req.AdditionalMounts)
	if err != nil {
		l.closeMetric(metricID, "error", start, err)
		l.recordFailure(span, err)
		return agentio.Output{}, err
	}
	if err := l.ensureDirs(mounts); err != nil {
		l.closeMetric(metricID, "error", start, err)
		l.recordFailure(span, err)
		return agentio.Output{}, err
	}

	name := fmt.Sprintf("ngb-%s-%s", req.GroupFolder, uuid.NewString())
	args := l.runArgs(name, mounts, req.Env)

	stdin, err := json.Marshal(agentio.Input{
		Prompt:      req.Prompt,
		SessionID:   req.SessionID,
		GroupFolder: req.GroupFolder,
		ChatJID:     req.ChatJID,
		IsMain:      req.IsMain,
	})
	if err != nil {
		wrapped := faults.Wrap(faults.Container, err, "encode agent input")
		l.closeMetric(metricID, "error", start, wrapped)
		l.recordFailure(span, wrapped)
		return agentio.Output{}, wrapped
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.cfg.ContainerTimeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := l.cli.Run(runCtx, stdin, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.removeContainer(name)
			wrapped := faults.New(faults.Timeout, "container %s exceeded %s", name, timeout)
			l.closeMetric(metricID, "timeout", start, wrapped)
			l.recordFailure(span, wrapped)
			return agentio.Output{}, wrapped
		}
		wrapped := faults.Wrap(faults.Container, err, "run container %s", name)
		l.closeMetric(metricID, "error", start, wrapped)
		l.recordFailure(span, wrapped)
		return agentio.Output{}, wrapped
	}

	out := agentio.ParseOutput(res.Stdout, res.Stderr)
	l.closeMetric(metricID, out.Status, start, nil)
	l.breaker.Record(false)
	span.SetAttributes(attribute.String("agent.status", out.Status))
	return out, nil
}

// runArgs assembles the one-shot argv: run --rm --name ... --network
// --memory --cpus -i, mounts, env pairs, image.
func (l *Launcher) runArgs(name string, mounts []MountSpec, extraEnv map[string]string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network=" + l.cfg.Container.Network,
		"--memory=" + l.cfg.Container.Memory,
		"--cpus=" + l.cfg.Container.CPUs,
		"-i",
	}
	for _, m := range mounts {
		args = append(args, "-v", m.arg())
	}
	for _, kv := range mergedEnv(l.cfg.Container.Env, extraEnv) {
		args = append(args, "-e", kv)
	}
	return append(args, l.cfg.Container.Image)
}

// ensureDirs creates the standard mount sources so a first run against a
// fresh workspace does not fail on a missing directory. Additional mount
// sources are the operator's responsibility.
func (l *Launcher) ensureDirs(mounts []MountSpec) error {
	for _, m := range mounts {
		switch m.Container {
		case "/workspace/group", "/workspace/global", "/workspace/sessions", "/workspace/ipc":
			if err := os.MkdirAll(m.Host, 0o755); err != nil {
				return faults.Wrap(faults.Container, err, "create mount dir %s", m.Host)
			}
		}
	}
	return nil
}

// removeContainer force-removes a container left behind by a timed-out
// run. Best effort.
func (l *Launcher) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.cli.Run(ctx, nil, "rm", "-f", name); err != nil {
		l.log.Warn("container cleanup failed", "name", name, "error", err)
	}
}

func (l *Launcher) closeMetric(id int64, status string, start time.Time, cause error) {
	if id == 0 {
		return
	}
	end := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.metrics.CloseContainerMetric(ctx, id, status, end, end.Sub(start).Milliseconds(), msg); err != nil {
		l.log.Warn("container metric close failed", "id", id, "error", err)
	}
}

func (l *Launcher) recordFailure(span trace.Span, err error) {
	// Security rejections are deterministic; they should not open the
	// breaker and mask a config mistake as an outage.
	if faults.KindOf(err) != faults.Security {
		l.breaker.Record(true)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// mergedEnv flattens base overlaid with extra into sorted KEY=VALUE
// pairs so argv stays deterministic.
func mergedEnv(base, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}
