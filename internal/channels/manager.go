package channels

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nanogridbot/ngb/internal/faults"
)

// Manager owns the registered channel adapters, handling their
// lifecycle and routing outbound messages to whichever adapter claims
// the jid. Each platform gets its own outbound rate limiter so a burst
// of agent responses cannot trip platform flood control.
type Manager struct {
	log *slog.Logger

	perSecond float64
	burst     int

	mu       sync.RWMutex
	channels []Channel
	limiters map[string]*rate.Limiter
}

// NewManager creates a channel manager. Adapters are registered
// externally via Register before StartAll. A perSecond of zero or less
// disables rate limiting.
func NewManager(perSecond float64, burst int, log *slog.Logger) *Manager {
	return &Manager{
		log:       log,
		perSecond: perSecond,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register adds an adapter. Registration order is start order; jid
// dispatch scans in the same order.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = append(m.channels, ch)

	limit := rate.Limit(m.perSecond)
	burst := m.burst
	if m.perSecond <= 0 {
		limit = rate.Inf
		burst = 1
	} else if burst <= 0 {
		burst = 1
	}
	m.limiters[ch.Name()] = rate.NewLimiter(limit, burst)
}

// StartAll starts every registered adapter concurrently and fails fast
// on the first error.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	chs := make([]Channel, len(m.channels))
	copy(chs, m.channels)
	m.mu.RUnlock()

	if len(chs) == 0 {
		m.log.Warn("no channels enabled")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chs {
		g.Go(func() error {
			m.log.Info("starting channel", "channel", ch.Name())
			if err := ch.Start(gctx); err != nil {
				return faults.Wrap(faults.Channel, err, "start %s channel", ch.Name())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.log.Info("all channels started", "count", len(chs))
	return nil
}

// StopAll stops the adapters in reverse registration order. Errors are
// logged, not returned; shutdown keeps going.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	chs := make([]Channel, len(m.channels))
	copy(chs, m.channels)
	m.mu.RUnlock()

	for i := len(chs) - 1; i >= 0; i-- {
		ch := chs[i]
		m.log.Info("stopping channel", "channel", ch.Name())
		if err := ch.Stop(ctx); err != nil {
			m.log.Error("error stopping channel", "channel", ch.Name(), "error", err)
		}
	}
}

// Send delivers text to the first adapter that claims the jid. The
// platform's rate limiter gates the call before it reaches the
// adapter.
func (m *Manager) Send(ctx context.Context, jid, text string) error {
	m.mu.RLock()
	var target Channel
	for _, ch := range m.channels {
		if ch.OwnsJID(jid) {
			target = ch
			break
		}
	}
	var limiter *rate.Limiter
	if target != nil {
		limiter = m.limiters[target.Name()]
	}
	m.mu.RUnlock()

	if target == nil {
		return faults.New(faults.Channel, "no channel owns jid %s", jid)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return faults.Wrap(faults.RateLimitExceeded, err, "rate limit wait for %s", target.Name())
		}
	}

	return target.SendMessage(ctx, jid, text)
}

// Counts reports connected and total adapters for health checks.
func (m *Manager) Counts() (connected, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.Connected() {
			connected++
		}
	}
	return connected, len(m.channels)
}

// Get returns the adapter for a platform name, or nil.
func (m *Manager) Get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		if ch.Name() == name {
			return ch
		}
	}
	return nil
}
