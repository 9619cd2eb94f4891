// Package workpool resolves work pool names to their definitions, caching
// them with a freshness window and a hard staleness ceiling.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"poolplane/internal/logger"
	"poolplane/internal/store"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL          = 30 * time.Second
	DefaultStaleCeiling = 10 * time.Minute
)

// Source loads pool definitions. Implementations return an error wrapping
// store.ErrNotFound when the pool does not exist.
type Source interface {
	GetWorkPool(ctx context.Context, name string) (*store.WorkPool, error)
}

// Options configures a Registry.
type Options struct {
	TTL          time.Duration
	StaleCeiling time.Duration
	Logger       *slog.Logger
}

type entry struct {
	pool      store.WorkPool
	fetchedAt time.Time
}

// Registry is a read-mostly cache of pool definitions shared by all job builds.
type Registry struct {
	source  Source
	ttl     time.Duration
	ceiling time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// NewRegistry creates a registry over src.
func NewRegistry(src Source, opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StaleCeiling <= 0 {
		opts.StaleCeiling = DefaultStaleCeiling
	}
	if opts.StaleCeiling < opts.TTL {
		opts.StaleCeiling = opts.TTL
	}
	if opts.Logger == nil {
		opts.Logger = logger.New()
	}
	return &Registry{
		source:  src,
		ttl:     opts.TTL,
		ceiling: opts.StaleCeiling,
		logger:  opts.Logger,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Resolve returns the pool definition for name.
//
// A fresh cached value is returned as is. A value older than the TTL but
// younger than the ceiling is returned immediately while a single background
// refresh runs. Past the ceiling the caller waits for a refresh and gets a
// StaleConfigError if it fails.
func (r *Registry) Resolve(ctx context.Context, name string) (store.WorkPool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	var age time.Duration
	if ok {
		age = r.now().Sub(e.fetchedAt)
		switch {
		case age < r.ttl:
			return e.pool, nil
		case age < r.ceiling:
			r.refreshAsync(name)
			return e.pool, nil
		}
	}

	// A failed load is transient whether or not the pool was ever cached;
	// only a missing definition is final.
	pool, err := r.refresh(ctx, name)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return store.WorkPool{}, err
		}
		return store.WorkPool{}, &StaleConfigError{Name: name, Age: age, Err: err}
	}
	return pool, nil
}

// Invalidate drops the cached definition for name.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Run refreshes every cached pool once per TTL until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range r.cachedNames() {
				if _, err := r.refresh(ctx, name); err != nil {
					r.logger.Warn("periodic work pool refresh failed", "pool", name, "error", err)
				}
			}
		}
	}
}

func (r *Registry) cachedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

func (r *Registry) refreshAsync(name string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl)
		defer cancel()
		if _, err := r.refresh(ctx, name); err != nil {
			r.logger.Warn("serving last known good work pool", "pool", name, "error", err)
		}
	}()
}

// refresh loads name from the source. Concurrent refreshes of the same pool
// share one source call.
func (r *Registry) refresh(ctx context.Context, name string) (store.WorkPool, error) {
	v, err, _ := r.group.Do(name, func() (any, error) {
		pool, err := r.source.GetWorkPool(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				r.Invalidate(name)
				return nil, &NotFoundError{Name: name}
			}
			return nil, fmt.Errorf("failed to load work pool %s: %w", name, err)
		}

		r.mu.Lock()
		r.entries[name] = entry{pool: *pool, fetchedAt: r.now()}
		r.mu.Unlock()
		return *pool, nil
	})
	if err != nil {
		return store.WorkPool{}, err
	}
	return v.(store.WorkPool), nil
}
