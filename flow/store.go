package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for unknown or reaped flow ids.
var ErrNotFound = errors.New("flow: not found")

// DefaultTTL is how long a flow is kept after its last update.
const DefaultTTL = 30 * time.Minute

// entry holds one execution. The committed record is replaced whole on every
// update, so readers never observe a partly applied transition.
type entry struct {
	mu      sync.Mutex
	exec    atomic.Pointer[Execution]
	removed atomic.Bool
	// pinned is set once removal has been scheduled; later updates then keep
	// the shortened lifetime.
	pinned bool
}

// Store is the concurrency-safe owner of every Execution. Each entry has its own
// lock, so updating one flow never blocks another.
type Store struct {
	cache   *ttlcache.Cache[string, *entry]
	ttl     time.Duration
	log     zerolog.Logger
	hooks   []func(id string)
	now     func() time.Time
	started atomic.Bool
	stop    sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets how long flows are kept after their last update.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

// WithRemovalHook registers fn to run whenever a flow leaves the store, either
// by Delete or by expiry. Hooks must not call back into the Store.
func WithRemovalHook(fn func(id string)) StoreOption {
	return func(s *Store) {
		s.hooks = append(s.hooks, fn)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store. Call Start to run the background reaper.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		ttl: DefaultTTL,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	s.cache = ttlcache.New(
		ttlcache.WithTTL[string, *entry](s.ttl),
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)
	s.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
		// Deletes run their hooks in Delete.
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		e := item.Value()
		if e.removed.Swap(true) {
			return
		}
		s.log.Debug().Str("flow_id", item.Key()).Msg("flow expired")
		s.runHooks(item.Key())
	})
	return s
}

// Start runs the reaper until Close is called. It returns immediately.
func (s *Store) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.cache.Start()
}

// Close stops the reaper.
func (s *Store) Close() {
	s.stop.Do(func() {
		if s.started.Load() {
			s.cache.Stop()
		}
	})
}

func (s *Store) runHooks(id string) {
	for _, fn := range s.hooks {
		fn(id)
	}
}

func (s *Store) lookup(id string) (*entry, bool) {
	item := s.cache.Get(id)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	e := item.Value()
	if e.removed.Load() {
		return nil, false
	}
	return e, true
}

// Create inserts a new idle execution for cfg and returns a snapshot of it.
func (s *Store) Create(cfg Config) (*Execution, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	now := s.now()
	exec := &Execution{
		ID:        id.String(),
		Type:      TypeAuthorizationCodePKCE,
		Status:    StatusIdle,
		StartedAt: now,
		UpdatedAt: now,
		Steps:     []Step{},
		Config:    cfg.Clone(),
	}
	e := &entry{}
	e.exec.Store(exec)
	s.cache.Set(exec.ID, e, ttlcache.DefaultTTL)
	s.log.Debug().Str("flow_id", exec.ID).Msg("flow created")
	return exec.Clone(), nil
}

// Get returns a snapshot of the execution. Mutating the snapshot has no effect
// on the store.
func (s *Store) Get(id string) (*Execution, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return e.exec.Load().Clone(), true
}

// Update applies fn to a private copy of the execution under the entry lock.
// If fn succeeds the copy replaces the stored record and the flow's lifetime
// is refreshed; if it fails the record is left unchanged and fn's error is
// returned. Unknown ids return ErrNotFound and never create an entry.
func (s *Store) Update(id string, fn func(*Execution) error) (*Execution, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return nil, ErrNotFound
	}

	next := e.exec.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	e.exec.Store(next)
	if !e.pinned {
		s.cache.Set(id, e, ttlcache.DefaultTTL)
		// Lost a race with the reaper: do not resurrect the entry.
		if e.removed.Load() {
			s.cache.Delete(id)
		}
	}
	return next.Clone(), nil
}

// Delete removes the flow and runs the removal hooks.
func (s *Store) Delete(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if e.removed.Swap(true) {
		return ErrNotFound
	}
	s.cache.Delete(id)
	s.log.Debug().Str("flow_id", id).Msg("flow deleted")
	s.runHooks(id)
	return nil
}

// ScheduleRemoval shortens the flow's remaining lifetime to after. Later updates
// do not extend it again.
func (s *Store) ScheduleRemoval(id string, after time.Duration) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed.Load() {
		return ErrNotFound
	}
	if after <= 0 {
		after = time.Millisecond
	}
	e.pinned = true
	s.cache.Set(id, e, after)
	return nil
}

// Len returns the number of flows held, including expired ones not yet reaped.
func (s *Store) Len() int {
	return s.cache.Len()
}
