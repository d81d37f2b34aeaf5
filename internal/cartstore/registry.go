package cartstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/foodee-cart/internal/persist"
	"github.com/rs/zerolog"
)

// Registry owns one Store per browsing session. Stores are created on the
// first request of a session and dropped when the session ends or has been
// idle for longer than Options.IdleTTL.
type Registry struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu       sync.Mutex
	stores   map[string]*Store
	lastUsed map[string]time.Time
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "registry").Logger(),
		now:      time.Now,
		stores:   make(map[string]*Store),
		lastUsed: make(map[string]time.Time),
	}
}

// Open returns the store of the session identified by key, creating it on
// first use. The session's credentials replace the ones the store held
// before; a change drops the previous login's lines. The store is loaded
// on every call until a load has been applied, and a store whose load
// failed is still returned together with the error.
func (r *Registry) Open(ctx context.Context, key string, session Session) (*Store, error) {
	r.mu.Lock()
	store, ok := r.stores[key]
	r.lastUsed[key] = r.now()
	if ok {
		r.mu.Unlock()
		store.SetSession(session)
		if store.NeedsReload() {
			return store, store.Refresh(ctx)
		}
		return store, nil
	}
	store = NewStore(key, session, r.opts)
	r.stores[key] = store
	r.mu.Unlock()

	r.log.Debug().Str("session", key).Msg("cart session opened")
	if err := store.Refresh(ctx); err != nil {
		r.log.Warn().Err(err).Str("session", key).Msg("initial cart load failed")
		return store, err
	}
	return store, nil
}

func (r *Registry) Get(key string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[key]
	return store, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stores)
}

// End drops the session's store and its persisted anonymous cart.
func (r *Registry) End(ctx context.Context, key string) error {
	r.mu.Lock()
	_, ok := r.stores[key]
	delete(r.stores, key)
	delete(r.lastUsed, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	r.log.Debug().Str("session", key).Msg("cart session ended")
	if r.opts.Persister == nil {
		return nil
	}
	if err := r.opts.Persister.Delete(ctx, key); err != nil && !errors.Is(err, persist.ErrCartNotFound) {
		return fmt.Errorf("end session: %w: %s", ErrRequestFailed, err.Error())
	}
	return nil
}

// ResetUser empties the in-memory carts of every session logged in as
// userID and reports how many were reset.
func (r *Registry) ResetUser(userID string) int {
	if userID == "" {
		return 0
	}
	r.mu.Lock()
	matched := make([]*Store, 0, 1)
	for _, store := range r.stores {
		if store.Session().UserID() == userID {
			matched = append(matched, store)
		}
	}
	r.mu.Unlock()

	for _, store := range matched {
		store.Reset()
	}
	return len(matched)
}

// Evict drops the stores not opened for longer than Options.IdleTTL and
// reports how many were dropped. Persisted anonymous carts are kept; they
// expire on their own.
func (r *Registry) Evict() int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, used := range r.lastUsed {
		if used.Before(cutoff) {
			delete(r.stores, key)
			delete(r.lastUsed, key)
			evicted++
		}
	}
	return evicted
}

// RunEviction calls Evict every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				r.log.Debug().Int("evicted", n).Int("remaining", r.Len()).Msg("evicted idle cart sessions")
			}
		}
	}
}
