package state

import (
	"context"
	"sync"
	"time"

	"github.com/JonMunkholm/sheetbot/internal/logging"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	TTL           time.Duration
	SweepInterval time.Duration
	OnEvict       EvictFunc

	// Now overrides the clock in tests.
	Now func() time.Time
}

type memoryEntry struct {
	state   ConversationState
	touched time.Time
}

// keyLock is a per-conversation lock shared by every Update waiting on that
// key. Holding it means owning the single slot in sem, so waiters can give up
// when their context ends. refs counts holders plus waiters so the last one
// out can drop it.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	ttl     time.Duration
	sweep   time.Duration
	onEvict EvictFunc
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*memoryEntry
	locks   map[string]*keyLock
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	s := &MemoryStore{
		ttl:     opts.TTL,
		sweep:   opts.SweepInterval,
		onEvict: opts.OnEvict,
		now:     opts.Now,
		entries: make(map[string]*memoryEntry),
		locks:   make(map[string]*keyLock),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.sweep <= 0 {
		s.sweep = DefaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *MemoryStore) Load(ctx context.Context, key string) (ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ConversationState{}, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || s.expired(e) {
		return ConversationState{}, nil
	}
	return e.state, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn func(*ConversationState) error) error {
	lock, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer s.release(key, lock)

	var (
		current ConversationState
		stale   *ConversationState
	)
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		if s.expired(e) {
			old := e.state
			stale = &old
			delete(s.entries, key)
		} else {
			current = e.state
		}
	}
	s.mu.Unlock()

	if stale != nil {
		s.evicted(ctx, key, *stale)
	}

	next := current
	if err := fn(&next); err != nil {
		return err
	}

	now := s.now()
	next.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[key] = &memoryEntry{state: next, touched: now}
	return nil
}

// acquire takes key's lock, creating it on first use.
func (s *MemoryStore) acquire(ctx context.Context, key string) (*keyLock, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	lock, ok := s.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.drop(key, lock)
		return nil, err
	}
	select {
	case lock.sem <- struct{}{}:
		return lock, nil
	case <-ctx.Done():
		s.drop(key, lock)
		return nil, ctx.Err()
	}
}

func (s *MemoryStore) release(key string, lock *keyLock) {
	<-lock.sem
	s.drop(key, lock)
}

func (s *MemoryStore) drop(key string, lock *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

func (s *MemoryStore) expired(e *memoryEntry) bool {
	return s.now().Sub(e.touched) > s.ttl
}

// Sweep evicts every idle record whose key is not being updated and returns
// how many were evicted.
func (s *MemoryStore) Sweep(ctx context.Context) int {
	type victim struct {
		key   string
		state ConversationState
	}
	var victims []victim

	s.mu.Lock()
	for key, e := range s.entries {
		if _, busy := s.locks[key]; busy || !s.expired(e) {
			continue
		}
		victims = append(victims, victim{key: key, state: e.state})
		delete(s.entries, key)
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.evicted(ctx, v.key, v.state)
	}
	return len(victims)
}

func (s *MemoryStore) evicted(ctx context.Context, key string, st ConversationState) {
	logging.WithFields(ctx, "conversation_id", key).Debug("conversation state evicted",
		"had_file", st.HasFile(),
	)
	if s.onEvict != nil {
		s.onEvict(ctx, key, st)
	}
}

// Run sweeps every SweepInterval until ctx is done or the store is closed.
func (s *MemoryStore) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.isClosed() {
				return nil
			}
			if n := s.Sweep(ctx); n > 0 {
				logging.FromContext(ctx).Info("evicted idle conversations", "count", n)
			}
		}
	}
}

// Len returns the number of stored records, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close rejects further calls. Records are dropped without eviction hooks.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = make(map[string]*memoryEntry)
	return nil
}
