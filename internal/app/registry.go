package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rtpcast/internal/observe"
	"github.com/MrWong99/rtpcast/internal/pipeline"
	"github.com/MrWong99/rtpcast/internal/stream"
)

var (
	// ErrDuplicateID is returned by [Registry.Create] when a stream with the
	// same id is registered.
	ErrDuplicateID = errors.New("app: stream id already registered")

	// ErrNotFound is returned for an id that is not registered.
	ErrNotFound = errors.New("app: stream not found")
)

type streams = map[string]*pipeline.Supervisor

// Registry owns the running streams keyed by id.
//
// Reads go through an immutable map snapshot and never block. Create and
// Destroy for the same id are mutually exclusive; operations on different
// ids run in parallel. All methods are safe for concurrent use.
type Registry struct {
	deps pipeline.Deps
	log  *slog.Logger

	cur atomic.Pointer[streams]

	// wmu serializes map replacement only; it is never held while a stream
	// starts or stops.
	wmu sync.Mutex

	lmu   sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry returns an empty registry whose streams are built with deps.
func NewRegistry(deps pipeline.Deps) *Registry {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{deps: deps, log: deps.Logger, locks: make(map[string]*idLock)}
	r.cur.Store(&streams{})
	return r
}

// lock takes the per-id lock and returns its release function.
func (r *Registry) lock(id string) func() {
	r.lmu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.lmu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.lmu.Lock()
		if l.refs--; l.refs == 0 {
			delete(r.locks, id)
		}
		r.lmu.Unlock()
	}
}

// update publishes a modified copy of the stream map.
func (r *Registry) update(fn func(m streams)) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	next := maps.Clone(*r.cur.Load())
	fn(next)
	r.cur.Store(&next)
}

func (r *Registry) lookup(id string) (*pipeline.Supervisor, bool) {
	sup, ok := (*r.cur.Load())[id]
	return sup, ok
}

// Create validates cfg, builds and starts its stream and registers it. The
// stream is registered once PLAYING was requested; it goes live
// asynchronously. A validation error wraps [stream.ErrInvalidConfig], a
// taken id returns [ErrDuplicateID] and a build failure is a
// *[pipeline.ConstructionError]. Nothing is registered on error.
func (r *Registry) Create(ctx context.Context, cfg stream.Config) (stream.Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return stream.Snapshot{}, err
	}
	ctx, span := observe.StartStreamSpan(ctx, "create", cfg.ID)
	defer span.End()

	unlock := r.lock(cfg.ID)
	defer unlock()

	if _, ok := r.lookup(cfg.ID); ok {
		return stream.Snapshot{}, fmt.Errorf("%w: %q", ErrDuplicateID, cfg.ID)
	}

	sup := pipeline.New(cfg, r.deps)
	if err := sup.Start(ctx); err != nil {
		observe.FailSpan(span, "start failed", err)
		return stream.Snapshot{}, err
	}

	r.update(func(m streams) { m[cfg.ID] = sup })
	r.deps.Metrics.StreamsActive.Add(ctx, 1)
	observe.Logger(ctx).Info("app: stream created", "stream_id", cfg.ID, "source", cfg.Source, "dest", cfg.Addr())
	return sup.Snapshot(), nil
}

// Destroy unregisters the stream and tears it down. Returns [ErrNotFound]
// for an unknown id. The stream is unregistered even if the teardown
// reports an error.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	ctx, span := observe.StartStreamSpan(ctx, "destroy", id)
	defer span.End()

	unlock := r.lock(id)
	defer unlock()

	sup, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	r.update(func(m streams) { delete(m, id) })
	r.deps.Metrics.StreamsActive.Add(ctx, -1)

	if err := sup.Stop(ctx); err != nil {
		observe.FailSpan(span, "stop failed", err)
		return fmt.Errorf("app: destroy stream %q: %w", id, err)
	}
	observe.Logger(ctx).Info("app: stream destroyed", "stream_id", id)
	return nil
}

// Get returns the snapshot of stream id.
func (r *Registry) Get(id string) (stream.Snapshot, error) {
	sup, ok := r.lookup(id)
	if !ok {
		return stream.Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return sup.Snapshot(), nil
}

// List returns the snapshots of every registered stream sorted by id.
func (r *Registry) List() []stream.Snapshot {
	m := *r.cur.Load()
	ids := slices.Sorted(maps.Keys(m))
	out := make([]stream.Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id].Snapshot())
	}
	return out
}

// Len returns the number of registered streams.
func (r *Registry) Len() int { return len(*r.cur.Load()) }

// Failed returns the ids of registered streams whose status is failed.
func (r *Registry) Failed() []string {
	var ids []string
	for _, snap := range r.List() {
		if snap.Status == stream.StatusFailed {
			ids = append(ids, snap.ID)
		}
	}
	return ids
}

// CreateAll creates every stream in cfgs concurrently and returns the
// joined errors of those that failed.
func (r *Registry) CreateAll(ctx context.Context, cfgs []stream.Config) error {
	errs := make([]error, len(cfgs))
	var g errgroup.Group
	for i, cfg := range cfgs {
		g.Go(func() error {
			if _, err := r.Create(ctx, cfg); err != nil {
				errs[i] = fmt.Errorf("stream %q: %w", cfg.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Shutdown destroys every registered stream concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	ids := slices.Sorted(maps.Keys(*r.cur.Load()))
	r.log.Info("app: stopping streams", "count", len(ids))

	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			if err := r.Destroy(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
