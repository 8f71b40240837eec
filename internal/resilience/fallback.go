package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend of a [Group] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

type backend[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary backend and its fallbacks, each behind its own
// [Breaker]. Backends are tried in registration order.
//
// Backends must be added before the group is shared between goroutines.
type Group[T any] struct {
	cfg      BreakerConfig
	log      *slog.Logger
	backends []backend[T]
}

// NewGroup returns a group with primary as its first backend. cfg is the
// template for every backend's breaker; its Name is replaced by the backend
// name.
func NewGroup[T any](primaryName string, primary T, cfg BreakerConfig) *Group[T] {
	cfg = cfg.withDefaults()
	g := &Group[T]{cfg: cfg, log: cfg.Logger}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback backend.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.backends = append(g.backends, backend[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Names returns the backend names in the order they are tried.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.backends))
	for i, b := range g.backends {
		names[i] = b.name
	}
	return names
}

// Breaker returns the breaker of the named backend, or nil.
func (g *Group[T]) Breaker(name string) *Breaker {
	for _, b := range g.backends {
		if b.name == name {
			return b.breaker
		}
	}
	return nil
}

// Do calls fn on each backend in turn until one succeeds and returns its
// result. It stops early once ctx is done. When every backend fails the
// error wraps [ErrAllFailed] and the last backend error.
//
// Do is a function rather than a method because methods cannot declare
// type parameters.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, b := range g.backends {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := b.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx, b.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			g.log.Debug("resilience: skipping backend, circuit open", "backend", b.name)
		case errors.Is(err, context.Canceled):
			return zero, err
		default:
			g.log.Warn("resilience: backend failed, trying next", "backend", b.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
