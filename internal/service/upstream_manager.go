package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgate/gateway/internal/domain/aggregator"
	"github.com/mcpgate/gateway/internal/domain/upstream"
)

// connState holds the runtime health-tracking state for one upstream.
// There is no persistent connection to hold open -- every call to the
// upstream is a fresh session -- so what this tracks is the outcome of
// the last discovery attempt and the backoff schedule for the next one.
type connState struct {
	status         upstream.ConnectionStatus
	lastError      string
	retryCount     int
	connectedSince time.Time
	cancelRetry    context.CancelFunc
	mu             sync.Mutex
}

// UpstreamManager periodically refreshes each upstream's discovered tool
// set and tracks its reachability, retrying unreachable upstreams with
// exponential backoff and resetting the backoff once a connection has
// proven stable.
type UpstreamManager struct {
	store      upstream.UpstreamStore
	aggregator *aggregator.Aggregator
	states     map[string]*connState
	mu         sync.RWMutex
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool

	backoffBase            time.Duration
	backoffCap             time.Duration
	maxRetries             int
	stabilityDuration      time.Duration
	stabilityCheckInterval time.Duration

	ready chan struct{}
}

// NewUpstreamManager creates a new UpstreamManager.
func NewUpstreamManager(store upstream.UpstreamStore, agg *aggregator.Aggregator, logger *slog.Logger) *UpstreamManager {
	mgr := newUnstartedManager(store, agg, logger)
	go mgr.stabilityChecker()
	close(mgr.ready)
	return mgr
}

// NewUpstreamManagerUnstarted creates a manager without signaling background
// goroutines to start. Callers MUST call Init() once timing fields (if
// overridden) are set. Intended for tests.
func NewUpstreamManagerUnstarted(store upstream.UpstreamStore, agg *aggregator.Aggregator, logger *slog.Logger) *UpstreamManager {
	mgr := newUnstartedManager(store, agg, logger)
	go mgr.stabilityChecker()
	return mgr
}

func newUnstartedManager(store upstream.UpstreamStore, agg *aggregator.Aggregator, logger *slog.Logger) *UpstreamManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &UpstreamManager{
		store:                  store,
		aggregator:             agg,
		states:                 make(map[string]*connState),
		logger:                 logger,
		ctx:                    ctx,
		cancel:                 cancel,
		backoffBase:            1 * time.Second,
		backoffCap:             60 * time.Second,
		maxRetries:             10,
		stabilityDuration:      5 * time.Minute,
		stabilityCheckInterval: 1 * time.Minute,
		ready:                  make(chan struct{}),
	}
}

// Init signals background goroutines that configuration is ready to be read.
func (m *UpstreamManager) Init() {
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
}

// StartAll runs an initial discovery pass against every enabled upstream.
func (m *UpstreamManager) StartAll(ctx context.Context) error {
	upstreams, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list upstreams: %w", err)
	}

	var wg sync.WaitGroup
	for i := range upstreams {
		u := upstreams[i]
		if !u.Enabled {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.refresh(u.Name)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return errors.New("timeout waiting for all upstreams to start")
	}
}

func (m *UpstreamManager) stateFor(name string) *connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		st = &connState{status: upstream.StatusConnecting}
		m.states[name] = st
	}
	return st
}

// refresh runs discovery once against name and schedules a retry on failure.
func (m *UpstreamManager) refresh(name string) {
	st := m.stateFor(name)

	count, err := m.aggregator.RefreshUpstream(m.ctx, name)
	if err != nil {
		st.mu.Lock()
		st.status = upstream.StatusError
		st.lastError = err.Error()
		st.mu.Unlock()
		m.logger.Error("upstream discovery failed", "upstream", name, "error", err)
		m.scheduleRetry(name, st)
		return
	}

	st.mu.Lock()
	st.status = upstream.StatusConnected
	st.lastError = ""
	st.retryCount = 0
	st.connectedSince = time.Now()
	st.mu.Unlock()

	m.logger.Info("upstream discovered", "upstream", name, "tools", count)
}

// Stop clears the tracked state for an upstream and cancels any pending retry.
func (m *UpstreamManager) Stop(name string) error {
	m.mu.Lock()
	st, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("upstream %s not managed", name)
	}
	delete(m.states, name)
	m.mu.Unlock()

	st.mu.Lock()
	if st.cancelRetry != nil {
		st.cancelRetry()
		st.cancelRetry = nil
	}
	st.mu.Unlock()
	return nil
}

// Restart re-runs discovery for an upstream immediately.
func (m *UpstreamManager) Restart(ctx context.Context, name string) error {
	_ = m.Stop(name)
	m.refresh(name)
	return nil
}

// Status returns the tracked status and last error for an upstream.
func (m *UpstreamManager) Status(name string) (upstream.ConnectionStatus, string) {
	m.mu.RLock()
	st, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return upstream.StatusDisconnected, ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, st.lastError
}

// AllConnected returns true if at least one upstream is reachable.
func (m *UpstreamManager) AllConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.states {
		st.mu.Lock()
		status := st.status
		st.mu.Unlock()
		if status == upstream.StatusConnected {
			return true
		}
	}
	return false
}

// StatusAll returns the status of every tracked upstream.
func (m *UpstreamManager) StatusAll() map[string]upstream.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]upstream.ConnectionStatus, len(m.states))
	for name, st := range m.states {
		st.mu.Lock()
		result[name] = st.status
		st.mu.Unlock()
	}
	return result
}

// Close cancels all pending retries and stops background checking.
func (m *UpstreamManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	states := make([]*connState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.states = make(map[string]*connState)
	m.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.cancelRetry != nil {
			st.cancelRetry()
		}
		st.mu.Unlock()
	}

	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

// SetBackoffBase overrides the base backoff duration (exported for tests).
func (m *UpstreamManager) SetBackoffBase(d time.Duration) {
	m.backoffBase = d
}

func (m *UpstreamManager) calcBackoffDelay(retryCount int) time.Duration {
	delay := m.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > m.backoffCap {
			return m.backoffCap
		}
	}
	if delay > m.backoffCap {
		return m.backoffCap
	}
	return delay
}

func (m *UpstreamManager) scheduleRetry(name string, st *connState) {
	st.mu.Lock()
	if st.retryCount >= m.maxRetries {
		st.status = upstream.StatusError
		st.lastError = fmt.Sprintf("max retries (%d) exceeded", m.maxRetries)
		st.mu.Unlock()
		m.logger.Error("max discovery retries exceeded", "upstream", name, "retries", m.maxRetries)
		return
	}

	delay := m.calcBackoffDelay(st.retryCount)
	st.retryCount++
	attempt := st.retryCount
	st.status = upstream.StatusConnecting

	retryCtx, retryCancel := context.WithCancel(m.ctx)
	st.cancelRetry = retryCancel
	st.mu.Unlock()

	m.logger.Info("scheduling discovery retry", "upstream", name, "attempt", attempt, "delay", delay)

	go func() {
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return
		}

		m.mu.RLock()
		current, ok := m.states[name]
		m.mu.RUnlock()
		if !ok || current != st {
			return
		}

		m.refresh(name)
	}()
}

func (m *UpstreamManager) stabilityChecker() {
	select {
	case <-m.ready:
	case <-m.ctx.Done():
		return
	}

	ticker := time.NewTicker(m.stabilityCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkStability()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *UpstreamManager) checkStability() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	for name, st := range m.states {
		st.mu.Lock()
		if st.status == upstream.StatusConnected &&
			st.retryCount > 0 &&
			!st.connectedSince.IsZero() &&
			now.Sub(st.connectedSince) >= m.stabilityDuration {
			m.logger.Info("resetting retry count after stable connection",
				"upstream", name,
				"stable_since", st.connectedSince,
				"previous_retries", st.retryCount)
			st.retryCount = 0
		}
		st.mu.Unlock()
	}
}
