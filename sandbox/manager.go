package sandbox

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Manager keeps track of live sandboxes by ID so they can be addressed
// across calls and released together on shutdown.
type Manager struct {
	logger   *zap.Logger
	engine   Engine
	defaults []Option

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	closed    bool
	// inflight counts Create and Run calls that have not finished provisioning
	inflight sync.WaitGroup
}

// NewManager creates a manager whose sandboxes start from defaults
func NewManager(logger *zap.Logger, engine Engine, defaults ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:    logger,
		engine:    engine,
		defaults:  defaults,
		sandboxes: make(map[string]*Sandbox),
	}
}

func (m *Manager) options(opts []Option) []Option {
	all := make([]Option, 0, len(m.defaults)+len(opts))
	all = append(all, m.defaults...)
	return append(all, opts...)
}

// begin registers an in-flight call. It fails once CloseAll has started.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.inflight.Add(1)
	return nil
}

// Create provisions and registers a sandbox. opts apply after the defaults.
// A sandbox that finishes provisioning after CloseAll started is torn down
// and ErrClosed is returned.
func (m *Manager) Create(ctx context.Context, opts ...Option) (*Sandbox, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}
	defer m.inflight.Done()

	s, err := New(ctx, m.engine, m.logger, m.options(opts)...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("Manager closed while sandbox was provisioning", zap.String("sandbox_id", s.ID()))
		_ = s.Close()
		return nil, ErrClosed
	}
	m.sandboxes[s.ID()] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the live sandbox registered under id
func (m *Manager) Get(id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return s, nil
}

// Close unregisters the sandbox and tears it down
func (m *Manager) Close(ctx context.Context, id string) (TeardownReport, error) {
	m.mu.Lock()
	s, ok := m.sandboxes[id]
	delete(m.sandboxes, id)
	m.mu.Unlock()

	if !ok {
		return TeardownReport{}, ErrSandboxNotFound
	}
	return s.Teardown(ctx), nil
}

// CloseAll stops accepting new sandboxes, waits for in-flight calls (bounded
// by ctx) and tears down every registered sandbox.
func (m *Manager) CloseAll(ctx context.Context) []TeardownReport {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Stopped waiting for in-flight sandboxes", zap.Error(ctx.Err()))
	}

	m.mu.Lock()
	sandboxes := m.sandboxes
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	if len(sandboxes) == 0 {
		return nil
	}
	m.logger.Info("Closing all sandboxes", zap.Int("count", len(sandboxes)))

	reports := make([]TeardownReport, 0, len(sandboxes))
	for _, id := range sortedKeys(sandboxes) {
		reports = append(reports, sandboxes[id].Teardown(ctx))
	}
	return reports
}

// Len returns the number of registered sandboxes
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes)
}

// IDs returns the registered sandbox IDs in sorted order
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.sandboxes)
}

// Run executes code in a throwaway sandbox that is torn down before
// returning. The sandbox is never registered.
func (m *Manager) Run(ctx context.Context, req ExecuteRequest, opts ...Option) (ExecuteResult, error) {
	if err := m.begin(); err != nil {
		return ExecuteResult{}, err
	}
	defer m.inflight.Done()

	var result ExecuteResult
	err := With(ctx, m.engine, m.logger, func(s *Sandbox) error {
		var err error
		result, err = s.Execute(ctx, req)
		return err
	}, m.options(opts)...)
	return result, err
}

func sortedKeys(sandboxes map[string]*Sandbox) []string {
	ids := make([]string, 0, len(sandboxes))
	for id := range sandboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
