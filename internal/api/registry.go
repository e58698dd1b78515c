package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chat-widget/internal/backend"
	"github.com/ashureev/chat-widget/internal/domain"
	"github.com/ashureev/chat-widget/internal/session"
	"github.com/ashureev/chat-widget/internal/store"
)

const sweepInterval = 5 * time.Minute

// Registry holds one session controller per widget instance, keyed by
// identity.WidgetKey. Controllers are created on first use and evicted from
// memory after a period of inactivity; their persisted state is untouched.
type Registry struct {
	repo    store.Repository
	backend backend.Backend
	opts    session.Options
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	ready    chan struct{} // closed once ctrl or err is set
	ctrl     *session.Controller
	err      error
	lastSeen time.Time
	watchers int
}

// NewRegistry creates an empty registry.
func NewRegistry(repo store.Repository, be backend.Backend, opts session.Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:    repo,
		backend: be,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*registryEntry),
	}
}

// Get returns the controller for key, loading it from storage on first use.
// A storage read failure is returned and nothing is cached, so the next call
// retries the load.
func (r *Registry) Get(ctx context.Context, key string) (*session.Controller, error) {
	e, err := r.acquire(ctx, key, false)
	if err != nil {
		return nil, err
	}
	return e.ctrl, nil
}

// Watch returns the controller for key and pins it in memory until release
// is called. Used by long-lived connections.
func (r *Registry) Watch(ctx context.Context, key string) (ctrl *session.Controller, release func(), err error) {
	e, err := r.acquire(ctx, key, true)
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	return e.ctrl, func() {
		once.Do(func() {
			r.mu.Lock()
			e.watchers--
			e.lastSeen = r.now()
			r.mu.Unlock()
		})
	}, nil
}

func (r *Registry) acquire(ctx context.Context, key string, watch bool) (*registryEntry, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &registryEntry{ready: make(chan struct{})}
		r.entries[key] = e
	}
	r.mu.Unlock()

	// Storage reads run outside r.mu; concurrent callers for the same key
	// wait for the first one.
	if !ok {
		r.load(ctx, key, e)
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}

	r.mu.Lock()
	e.lastSeen = r.now()
	if watch {
		e.watchers++
	}
	r.mu.Unlock()
	return e, nil
}

func (r *Registry) load(ctx context.Context, key string, e *registryEntry) {
	ctrl := session.New(store.Namespace(r.repo, key), r.backend, r.opts, r.logger.With("widget", key))
	err := ctrl.Load(ctx)

	r.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("load widget %s: %w", key, err)
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.logger.Error("Failed to load widget state", "widget", key, "error", err)
	} else {
		e.ctrl = ctrl
		e.lastSeen = r.now()
		r.logger.Debug("Widget controller created", "widget", key)
	}
	r.mu.Unlock()
	close(e.ready)
}

// Len returns the number of controllers in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts controllers idle for longer than ttl. Controllers with an
// exchange in flight or an open connection are kept.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, e := range r.entries {
		if e.ctrl == nil || e.watchers > 0 || e.lastSeen.After(cutoff) {
			continue
		}
		if e.ctrl.State() == domain.StateAwaitingResponse {
			continue
		}
		delete(r.entries, key)
		evicted++
	}
	return evicted
}

// StartSweeper runs a background goroutine that periodically evicts idle
// controllers and deletes persisted widget state older than retention.
func (r *Registry) StartSweeper(ctx context.Context, idleTTL, retention time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Widget sweeper started", "interval", sweepInterval, "idle_ttl", idleTTL, "retention", retention)

		for {
			select {
			case <-ticker.C:
				r.sweepOnce(ctx, idleTTL, retention)
			case <-ctx.Done():
				r.logger.Info("Widget sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Registry) sweepOnce(ctx context.Context, idleTTL, retention time.Duration) {
	if evicted := r.Sweep(idleTTL); evicted > 0 {
		r.logger.Info("Evicted idle widget controllers", "count", evicted, "remaining", r.Len())
	}

	// Retention applies to storage only; a controller still in memory keeps
	// its state until it is evicted.
	deleted, err := r.repo.CleanupStale(ctx, retention)
	if err != nil {
		r.logger.Error("Failed to clean up stale widget state", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("Deleted stale widget state", "rows", deleted)
	}
}
