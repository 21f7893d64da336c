package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"betsync-service/internal/config"
	"betsync-service/internal/logger"
)

// Prober reads the platform connectivity signal. It returns the determined
// online state, or an error when the signal could not be read at all; an
// error never causes a transition.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) { return f(ctx) }

// Monitor maintains a single cached online/offline boolean and notifies
// subscribers only on transition edges. Both the periodic poll and
// event-driven ReportChange calls funnel through the same edge-triggered
// transition, so subscribers never see duplicate consecutive values.
type Monitor struct {
	cfg    config.ConnectivityConfig
	prober Prober

	mu          sync.Mutex
	online      bool
	subscribers map[int]func(bool)
	nextID      int
	started     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(cfg config.ConnectivityConfig, prober Prober) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:         cfg,
		prober:      prober,
		online:      cfg.AssumeOnline,
		subscribers: make(map[int]func(bool)),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the polling loop. Startup never blocks on the first probe.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.probeOnce()

		ticker := time.NewTicker(m.cfg.GetPollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.probeOnce()
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) probeOnce() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.GetProbeTimeout())
	defer cancel()

	online, err := m.prober.Probe(ctx)
	if err != nil {
		// Signal unreadable: retain the last known value.
		logger.Log.Debug("Connectivity probe inconclusive", zap.Error(err))
		return
	}

	m.setOnline(online)
}

// ReportChange ingests an event-driven platform callback.
func (m *Monitor) ReportChange(online bool) {
	m.setOnline(online)
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	callbacks := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		callbacks = append(callbacks, fn)
	}
	m.mu.Unlock()

	logger.Log.Info("Connectivity changed", zap.Bool("online", online))
	for _, fn := range callbacks {
		fn(online)
	}
}

// Online returns the cached state; it never blocks.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers an edge-triggered callback and returns its
// unsubscribe handle.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}
