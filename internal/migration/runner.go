package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrAlreadyApplied = errors.New("data migration already applied")

// Applied describes a completed data migration.
type Applied struct {
	Name      string    `json:"name"`
	Records   int       `json:"records"`
	AppliedAt time.Time `json:"appliedAt"`
}

// VersionStore remembers which data migrations have run.
type VersionStore interface {
	Get(ctx context.Context, name string) (*Applied, error)
	// Record fails with ErrAlreadyApplied if name was recorded before.
	Record(ctx context.Context, a *Applied) error
	List(ctx context.Context) ([]*Applied, error)
}

// Runner executes named data migrations at most once each.
type Runner struct {
	versions VersionStore
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewRunner creates a runner.
func NewRunner(versions VersionStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{versions: versions, logger: logger}
}

// Run executes fn unless name has already been applied. fn returns the number
// of records it wrote. ran is false when the migration was skipped.
func (r *Runner) Run(ctx context.Context, name string, fn func(ctx context.Context) (int, error)) (ran bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := r.versions.Get(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", name, err)
	}
	if prev != nil {
		r.logger.Info("data migration already applied, skipping",
			"name", name, "appliedAt", prev.AppliedAt, "records", prev.Records)
		return false, nil
	}

	n, err := fn(ctx)
	if err != nil {
		return true, fmt.Errorf("data migration %s: %w", name, err)
	}
	if err := r.versions.Record(ctx, &Applied{Name: name, Records: n, AppliedAt: time.Now().UTC()}); err != nil {
		return true, fmt.Errorf("record %s: %w", name, err)
	}
	r.logger.Info("data migration applied", "name", name, "records", n)
	return true, nil
}

// MemoryVersionStore keeps applied migrations in memory.
type MemoryVersionStore struct {
	mu      sync.RWMutex
	applied map[string]*Applied
}

// NewMemoryVersionStore creates an empty store.
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{applied: make(map[string]*Applied)}
}

func (m *MemoryVersionStore) Get(ctx context.Context, name string) (*Applied, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.applied[name]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryVersionStore) Record(ctx context.Context, a *Applied) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[a.Name]; ok {
		return ErrAlreadyApplied
	}
	cp := *a
	m.applied[a.Name] = &cp
	return nil
}

func (m *MemoryVersionStore) List(ctx context.Context) ([]*Applied, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Applied, 0, len(m.applied))
	for _, a := range m.applied {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

var _ VersionStore = (*MemoryVersionStore)(nil)
