package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mcpgate/gateway/internal/domain/aggregator"
	"github.com/mcpgate/gateway/internal/domain/broadcast"
	"github.com/mcpgate/gateway/internal/domain/upstream"
	"github.com/mcpgate/gateway/internal/port/outbound"
)

// --- Mock MCPClient for Manager tests ---

// mgrMockMCPClient implements outbound.MCPClient for testing the UpstreamManager.
// Each upstream's ListTools behavior can be controlled independently by name.
type mgrMockMCPClient struct {
	mu         sync.Mutex
	listErr    map[string]error
	listCalls  map[string]int
	failUntil  map[string]int32
	attemptCnt map[string]*atomic.Int32
}

func newMgrMockMCPClient() *mgrMockMCPClient {
	return &mgrMockMCPClient{
		listErr:    make(map[string]error),
		listCalls:  make(map[string]int),
		failUntil:  make(map[string]int32),
		attemptCnt: make(map[string]*atomic.Int32),
	}
}

func (m *mgrMockMCPClient) setFailUntil(name string, n int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUntil[name] = n
	m.attemptCnt[name] = &atomic.Int32{}
}

func (m *mgrMockMCPClient) attempts(name string) int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.attemptCnt[name]
	if !ok {
		return 0
	}
	return c.Load()
}

func (m *mgrMockMCPClient) ListTools(_ context.Context, u *upstream.Upstream) ([]outbound.ToolInfo, error) {
	m.mu.Lock()
	m.listCalls[u.Name]++
	counter, hasCounter := m.attemptCnt[u.Name]
	failUntil, hasFail := m.failUntil[u.Name]
	m.mu.Unlock()

	if hasCounter {
		n := counter.Add(1)
		if hasFail && n <= failUntil {
			return nil, errors.New("connection refused")
		}
	}

	m.mu.Lock()
	err := m.listErr[u.Name]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []outbound.ToolInfo{{Name: "echo", Description: "echoes input"}}, nil
}

func (m *mgrMockMCPClient) CallTool(_ context.Context, _ *upstream.Upstream, _ string, _ json.RawMessage) (*outbound.CallResult, error) {
	return &outbound.CallResult{Content: json.RawMessage(`{}`)}, nil
}

func (m *mgrMockMCPClient) ListResources(_ context.Context, _ *upstream.Upstream) ([]outbound.ResourceInfo, error) {
	return nil, nil
}

func (m *mgrMockMCPClient) ReadResource(_ context.Context, _ *upstream.Upstream, _ string) (*outbound.CallResult, error) {
	return &outbound.CallResult{}, nil
}

func (m *mgrMockMCPClient) ListPrompts(_ context.Context, _ *upstream.Upstream) ([]outbound.PromptInfo, error) {
	return nil, nil
}

func (m *mgrMockMCPClient) GetPrompt(_ context.Context, _ *upstream.Upstream, _ string, _ json.RawMessage) (*outbound.CallResult, error) {
	return &outbound.CallResult{}, nil
}

func (m *mgrMockMCPClient) ServerInfo(_ context.Context, _ *upstream.Upstream) (*outbound.ServerInfo, error) {
	return &outbound.ServerInfo{Name: "mock"}, nil
}

var _ outbound.MCPClient = (*mgrMockMCPClient)(nil)

// --- Mock UpstreamStore for Manager tests ---

type mgrMockUpstreamStore struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream.Upstream
}

func newMgrMockUpstreamStore() *mgrMockUpstreamStore {
	return &mgrMockUpstreamStore{upstreams: make(map[string]*upstream.Upstream)}
}

func (s *mgrMockUpstreamStore) List(_ context.Context) ([]upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]upstream.Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		result = append(result, *u)
	}
	return result, nil
}

func (s *mgrMockUpstreamStore) Get(_ context.Context, name string) (*upstream.Upstream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.upstreams[name]
	if !ok {
		return nil, upstream.ErrUpstreamNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *mgrMockUpstreamStore) Add(_ context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreams[u.Name] = u
	return nil
}

func (s *mgrMockUpstreamStore) Update(_ context.Context, u *upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upstreams[u.Name]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	s.upstreams[u.Name] = u
	return nil
}

func (s *mgrMockUpstreamStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.upstreams[name]; !ok {
		return upstream.ErrUpstreamNotFound
	}
	delete(s.upstreams, name)
	return nil
}

func (s *mgrMockUpstreamStore) Replace(_ context.Context, upstreams []upstream.Upstream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreams = make(map[string]*upstream.Upstream, len(upstreams))
	for i := range upstreams {
		u := upstreams[i]
		s.upstreams[u.Name] = &u
	}
	return nil
}

var _ upstream.UpstreamStore = (*mgrMockUpstreamStore)(nil)

// --- Test helpers ---

func testManagerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testManagerEnv wires a manager over a real Aggregator backed by a mock
// store and mock MCPClient, so discovery success/failure can be controlled
// per upstream by name.
func testManagerEnv(t *testing.T, upstreams ...*upstream.Upstream) (*UpstreamManager, *mgrMockMCPClient, *mgrMockUpstreamStore) {
	t.Helper()

	store := newMgrMockUpstreamStore()
	for _, u := range upstreams {
		_ = store.Add(context.Background(), u)
	}

	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	cache := upstream.NewToolCache()
	bcast := broadcast.NewEngine(client, logger)
	agg := aggregator.New(store, cache, client, bcast, logger)

	mgr := NewUpstreamManager(store, agg, logger)
	return mgr, client, store
}

func mkUpstream(name string, enabled bool) *upstream.Upstream {
	return &upstream.Upstream{
		Name:      name,
		URL:       "http://localhost:9000/" + name,
		Transport: upstream.TransportStreamableHTTP,
		Enabled:   enabled,
		Timeout:   5 * time.Second,
	}
}

// --- StartAll tests ---

func TestUpstreamManager_StartAll_StartsEnabledUpstreams(t *testing.T) {
	u1 := mkUpstream("server-1", true)
	u2 := mkUpstream("server-2", true)
	u3 := mkUpstream("disabled-server", false)

	mgr, client, _ := testManagerEnv(t, u1, u2, u3)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	if err := mgr.StartAll(ctx); err != nil {
		t.Fatalf("StartAll() unexpected error: %v", err)
	}

	s1, _ := mgr.Status("server-1")
	if s1 != upstream.StatusConnected {
		t.Errorf("status(server-1) = %q, want %q", s1, upstream.StatusConnected)
	}
	s2, _ := mgr.Status("server-2")
	if s2 != upstream.StatusConnected {
		t.Errorf("status(server-2) = %q, want %q", s2, upstream.StatusConnected)
	}

	client.mu.Lock()
	_, disabledCalled := client.listCalls["disabled-server"]
	client.mu.Unlock()
	if disabledCalled {
		t.Error("disabled upstream should not have been discovered")
	}
}

func TestUpstreamManager_StartAll_EmptyUpstreams(t *testing.T) {
	mgr, _, _ := testManagerEnv(t)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() with no upstreams should not error: %v", err)
	}
}

// --- refresh / Restart tests ---

func TestUpstreamManager_Restart_Success(t *testing.T) {
	u := mkUpstream("server-1", true)
	mgr, _, _ := testManagerEnv(t, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Restart(context.Background(), "server-1"); err != nil {
		t.Fatalf("Restart() unexpected error: %v", err)
	}

	status, lastErr := mgr.Status("server-1")
	if status != upstream.StatusConnected {
		t.Errorf("Status() = %q, want %q", status, upstream.StatusConnected)
	}
	if lastErr != "" {
		t.Errorf("Status() lastErr = %q, want empty", lastErr)
	}
}

func TestUpstreamManager_FailTriggersRetry(t *testing.T) {
	u := mkUpstream("server-1", true)

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	client.setFailUntil("server-1", 2) // fail first 2 attempts, succeed on 3rd
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcast.NewEngine(client, logger), logger)

	mgr := NewUpstreamManager(store, agg, logger)
	mgr.SetBackoffBase(10 * time.Millisecond)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() unexpected error: %v", err)
	}

	status, _ := mgr.Status("server-1")
	if status != upstream.StatusConnecting && status != upstream.StatusError {
		t.Errorf("Status() after failed discovery = %q, want Connecting or Error", status)
	}

	time.Sleep(200 * time.Millisecond)

	status, _ = mgr.Status("server-1")
	if status != upstream.StatusConnected {
		t.Errorf("Status() after retries = %q, want %q", status, upstream.StatusConnected)
	}
}

// --- Stop tests ---

func TestUpstreamManager_Stop_Managed(t *testing.T) {
	u := mkUpstream("server-1", true)
	mgr, _, _ := testManagerEnv(t, u)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Restart(context.Background(), "server-1"); err != nil {
		t.Fatalf("Restart(): %v", err)
	}

	if err := mgr.Stop("server-1"); err != nil {
		t.Fatalf("Stop() unexpected error: %v", err)
	}

	status, _ := mgr.Status("server-1")
	if status != upstream.StatusDisconnected {
		t.Errorf("Status() after Stop() = %q, want %q", status, upstream.StatusDisconnected)
	}
}

func TestUpstreamManager_Stop_NotManaged(t *testing.T) {
	mgr, _, _ := testManagerEnv(t)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Stop("nonexistent"); err == nil {
		t.Fatal("Stop() unmanaged upstream should return error")
	}
}

func TestUpstreamManager_Stop_CancelsPendingRetry(t *testing.T) {
	u := mkUpstream("server-1", true)

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	client.setFailUntil("server-1", 1<<20) // always fail
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcast.NewEngine(client, logger), logger)

	mgr := NewUpstreamManager(store, agg, logger)
	mgr.SetBackoffBase(1 * time.Second) // long backoff so retry is pending
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	_ = mgr.StartAll(context.Background())
	time.Sleep(50 * time.Millisecond)

	if err := mgr.Stop("server-1"); err != nil {
		t.Fatalf("Stop() unexpected error: %v", err)
	}

	status, _ := mgr.Status("server-1")
	if status != upstream.StatusDisconnected {
		t.Errorf("Status() after Stop() with pending retry = %q, want %q", status, upstream.StatusDisconnected)
	}
}

// --- Status tests ---

func TestUpstreamManager_Status_NotManaged(t *testing.T) {
	mgr, _, _ := testManagerEnv(t)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	status, _ := mgr.Status("nonexistent")
	if status != upstream.StatusDisconnected {
		t.Errorf("Status() unmanaged = %q, want %q", status, upstream.StatusDisconnected)
	}
}

func TestUpstreamManager_AllConnected(t *testing.T) {
	u1 := mkUpstream("server-1", true)
	mgr, _, _ := testManagerEnv(t, u1)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if mgr.AllConnected() {
		t.Error("AllConnected() = true before any discovery, want false")
	}

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll(): %v", err)
	}
	if !mgr.AllConnected() {
		t.Error("AllConnected() = false, want true (at least one connected)")
	}
}

func TestUpstreamManager_StatusAll(t *testing.T) {
	u1 := mkUpstream("server-1", true)
	u2 := mkUpstream("server-2", true)
	mgr, _, _ := testManagerEnv(t, u1, u2)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll(): %v", err)
	}

	statuses := mgr.StatusAll()
	if len(statuses) != 2 {
		t.Fatalf("StatusAll() returned %d entries, want 2", len(statuses))
	}
	if statuses["server-1"] != upstream.StatusConnected {
		t.Errorf("StatusAll()[server-1] = %q, want %q", statuses["server-1"], upstream.StatusConnected)
	}
}

// --- Backoff tests ---

func TestUpstreamManager_BackoffExponential(t *testing.T) {
	u := mkUpstream("server-1", true)

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	client.setFailUntil("server-1", 1<<20)
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcast.NewEngine(client, logger), logger)

	mgr := NewUpstreamManager(store, agg, logger)
	mgr.SetBackoffBase(5 * time.Millisecond)
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	_ = mgr.StartAll(context.Background())
	time.Sleep(500 * time.Millisecond)

	if got := client.attempts("server-1"); got < 3 {
		t.Errorf("expected at least 3 retry attempts, got %d", got)
	}
}

func TestUpstreamManager_BackoffMaxRetries(t *testing.T) {
	u := mkUpstream("server-1", true)

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	client.setFailUntil("server-1", 1<<20)
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcast.NewEngine(client, logger), logger)

	mgr := NewUpstreamManager(store, agg, logger)
	mgr.SetBackoffBase(1 * time.Millisecond)
	mgr.backoffCap = 2 * time.Millisecond
	mgr.maxRetries = 10
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	_ = mgr.StartAll(context.Background())
	time.Sleep(200 * time.Millisecond)

	if got := client.attempts("server-1"); got > 12 {
		t.Errorf("expected max ~11 attempts (1 initial + 10 retries), got %d", got)
	}

	status, lastErr := mgr.Status("server-1")
	if status != upstream.StatusError {
		t.Errorf("Status() after max retries = %q, want %q", status, upstream.StatusError)
	}
	if lastErr == "" {
		t.Error("Status() lastErr should not be empty after max retries")
	}
}

func TestUpstreamManager_BackoffCapAt60s(t *testing.T) {
	mgr := &UpstreamManager{
		backoffBase: 1 * time.Second,
		backoffCap:  60 * time.Second,
	}

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, c := range cases {
		if got := mgr.calcBackoffDelay(c.retryCount); got != c.want {
			t.Errorf("calcBackoffDelay(%d) = %v, want %v", c.retryCount, got, c.want)
		}
	}
}

// --- Stability reset tests ---

func TestUpstreamManager_StabilityReset(t *testing.T) {
	u := mkUpstream("server-1", true)

	store := newMgrMockUpstreamStore()
	_ = store.Add(context.Background(), u)
	logger := testManagerLogger()
	client := newMgrMockMCPClient()
	cache := upstream.NewToolCache()
	agg := aggregator.New(store, cache, client, broadcast.NewEngine(client, logger), logger)

	mgr := NewUpstreamManagerUnstarted(store, agg, logger)
	mgr.stabilityDuration = 50 * time.Millisecond
	mgr.stabilityCheckInterval = 10 * time.Millisecond
	mgr.Init()
	defer goleak.VerifyNone(t)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Restart(context.Background(), "server-1"); err != nil {
		t.Fatalf("Restart(): %v", err)
	}

	st := mgr.stateFor("server-1")
	st.mu.Lock()
	st.retryCount = 5
	st.connectedSince = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	st.mu.Lock()
	rc := st.retryCount
	st.mu.Unlock()
	if rc != 0 {
		t.Errorf("retryCount after stability reset = %d, want 0", rc)
	}
}

// --- Close tests ---

func TestUpstreamManager_Close_ClearsAllState(t *testing.T) {
	u1 := mkUpstream("server-1", true)
	u2 := mkUpstream("server-2", true)

	mgr, _, _ := testManagerEnv(t, u1, u2)
	defer goleak.VerifyNone(t)

	if err := mgr.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll(): %v", err)
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if len(mgr.StatusAll()) != 0 {
		t.Error("StatusAll() after Close() should be empty")
	}
}
