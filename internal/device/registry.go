package device

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the durable store of system records. It keeps every record
// in memory, keyed by identity, with a secondary index from display name to
// identity, and writes through to a Repository before updating the cache.
//
// Registry does not serialise read-modify-write sequences on one record;
// the reconciliation engine owns that. All methods are safe for concurrent
// use.
type Registry struct {
	repo   Repository
	logger Logger
	now    func() time.Time

	mu     sync.RWMutex
	byID   map[string]*Record
	byName map[string]string
}

// NewRegistry creates an empty registry over repo. Call Open before use.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		logger: noopLogger{},
		now:    time.Now,
		byID:   make(map[string]*Record),
		byName: make(map[string]string),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Open loads every persisted record and rebuilds the name index.
func (r *Registry) Open(ctx context.Context) error {
	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading systems: %w", err)
	}

	byID := make(map[string]*Record, len(records))
	byName := make(map[string]string, len(records))
	for i := range records {
		rec := records[i].DeepCopy()
		byID[rec.ID] = rec
		byName[rec.Name] = rec.ID
	}

	r.mu.Lock()
	r.byID, r.byName = byID, byName
	r.mu.Unlock()

	r.logger.Info("system registry loaded", "count", len(records))
	return nil
}

// Lookup resolves key as an identity first, then as a display name.
// viaAlias is true when key matched a name rather than an identity.
func (r *Registry) Lookup(_ context.Context, key string) (rec *Record, viaAlias bool, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cached, ok := r.byID[key]; ok {
		return cached.DeepCopy(), false, nil
	}
	if id, ok := r.byName[key]; ok {
		return r.byID[id].DeepCopy(), true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Get returns the record stored under identity id. Names are not resolved.
func (r *Registry) Get(_ context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cached, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cached.DeepCopy(), nil
}

// Put durably writes rec, replacing any record with the same identity.
// When Put returns nil the write has been committed to the repository.
// Returns ErrExists if rec's name belongs to another identity.
func (r *Registry) Put(ctx context.Context, rec *Record) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.byName[rec.Name]; ok && owner != rec.ID {
		return fmt.Errorf("%w: name %q is bound to %s", ErrExists, rec.Name, owner)
	}

	stored := rec.DeepCopy()
	stored.UpdatedAt = r.now().UTC()
	if prev, ok := r.byID[rec.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}

	if err := r.repo.Upsert(ctx, stored); err != nil {
		return fmt.Errorf("persisting system %s: %w", rec.ID, err)
	}

	if prev, ok := r.byID[rec.ID]; ok && prev.Name != stored.Name {
		delete(r.byName, prev.Name)
	}
	r.byID[stored.ID] = stored
	r.byName[stored.Name] = stored.ID

	rec.CreatedAt, rec.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// Seed inserts each record whose identity is not yet present and returns
// the identities it created. Existing records are never modified, so
// persisted state always wins over static descriptors. A seed whose name is
// already bound to a different identity fails with ErrExists; records
// created before the failure stay created.
func (r *Registry) Seed(ctx context.Context, records []*Record) ([]string, error) {
	var created []string
	for _, seed := range records {
		if err := ValidateRecord(seed); err != nil {
			return created, fmt.Errorf("seeding %s: %w", seed.ID, err)
		}

		r.mu.Lock()
		if _, ok := r.byID[seed.ID]; ok {
			r.mu.Unlock()
			continue
		}
		if owner, ok := r.byName[seed.Name]; ok {
			r.mu.Unlock()
			return created, fmt.Errorf("seeding %s: %w: name %q is bound to %s", seed.ID, ErrExists, seed.Name, owner)
		}

		rec := seed.DeepCopy()
		now := r.now().UTC()
		rec.CreatedAt, rec.UpdatedAt = now, now
		if err := r.repo.Create(ctx, rec); err != nil {
			r.mu.Unlock()
			return created, fmt.Errorf("seeding %s: %w", seed.ID, err)
		}
		r.byID[rec.ID] = rec
		r.byName[rec.Name] = rec.ID
		r.mu.Unlock()

		created = append(created, rec.ID)
		r.logger.Info("system seeded", "id", rec.ID, "name", rec.Name, "backend", rec.Backend)
	}
	return created, nil
}

// Identities returns every identity, sorted.
func (r *Registry) Identities(_ context.Context) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// List returns copies of every record, ordered by name.
func (r *Registry) List(_ context.Context) []Record {
	r.mu.RLock()
	records := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		records = append(records, *rec.DeepCopy())
	}
	r.mu.RUnlock()

	slices.SortFunc(records, func(a, b Record) int {
		return strings.Compare(a.Name, b.Name)
	})
	return records
}

// Stats summarises the registry for health and metrics reporting.
type Stats struct {
	Total        int
	ByBackend    map[Backend]int
	ByPowerState map[PowerState]int
	Pending      int
	NeverProbed  int
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:        len(r.byID),
		ByBackend:    make(map[Backend]int),
		ByPowerState: make(map[PowerState]int),
	}
	for _, rec := range r.byID {
		stats.ByBackend[rec.Backend]++
		stats.ByPowerState[rec.PowerState]++
		if rec.Pending != nil {
			stats.Pending++
		}
		if rec.LastCheckedAt == nil {
			stats.NeverProbed++
		}
	}
	return stats
}
