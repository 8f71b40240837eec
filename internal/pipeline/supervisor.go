// Package pipeline owns the runtime of one stream: it builds the stream's
// graph from the sink bin and a source adapter, activates it and runs the
// message loop that reacts to what the engine reports on the pipeline bus.
//
// Activation follows the engine's startup protocol. PLAYING is requested
// once; the loop then requests PAUSED when the root confirms NULL → READY
// and PLAYING when it confirms READY → PAUSED. The stream counts as live
// only after the root reports PLAYING.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtpcast/internal/announce"
	"github.com/MrWong99/rtpcast/internal/notify"
	"github.com/MrWong99/rtpcast/internal/observe"
	"github.com/MrWong99/rtpcast/internal/sender"
	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// Deps holds the collaborators of a [Supervisor].
type Deps struct {
	// Engine creates the graph elements. Required.
	Engine media.Engine

	// Sources builds the source adapter for the stream. Required.
	Sources source.Factory

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Notifier receives title and status changes. Defaults to notify.Discard.
	Notifier notify.Notifier

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// PollTimeout bounds one bus wait of the message loop. Zero waits
	// indefinitely; an expired wait just polls again.
	PollTimeout time.Duration

	// AnnounceInterval is the period of announcer streams. Zero selects
	// announce.DefaultPeriod.
	AnnounceInterval time.Duration

	// Clock defaults to time.Now. It seeds the RTP timestamp offset and the
	// announcement instants.
	Clock func() time.Time
}

// run is the state of one activation.
type run struct {
	pipe    media.Pipeline
	graph   *sender.Graph
	adapter source.Adapter
	sched   *announce.Scheduler
	cancel  context.CancelFunc
	done    chan struct{}
	live    chan struct{}
	once    sync.Once
}

// Supervisor runs one stream. All exported methods are safe for concurrent
// use.
type Supervisor struct {
	cfg  stream.Config
	deps Deps
	log  *slog.Logger

	// mu serializes Start and Stop.
	mu  sync.Mutex
	cur *run

	// smu guards the observable state below. The loop never takes mu.
	smu     sync.Mutex
	snap    stream.Snapshot
	tags    map[string]string
	current func() string
	active  *run
}

// New returns a stopped supervisor for cfg.
func New(cfg stream.Config, deps Deps) *Supervisor {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Discard
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Supervisor{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.With("stream_id", cfg.ID),
		snap: snapshotOf(cfg, stream.StatusStopped),
	}
}

func snapshotOf(cfg stream.Config, status stream.Status) stream.Snapshot {
	return stream.Snapshot{
		ID:       cfg.ID,
		DestHost: cfg.DestHost,
		DestPort: cfg.DestPort,
		Source:   cfg.Source,
		Status:   status,
		State:    media.StateNull,
	}
}

// Config returns the stream configuration.
func (s *Supervisor) Config() stream.Config { return s.cfg }

// pipelineName is the name of the stream's top-level pipeline.
func (s *Supervisor) pipelineName() string { return "pipeline-" + s.cfg.ID }

// Start builds the graph, requests PLAYING and starts the message loop. It
// returns once the request is accepted. An engine that completes the change
// synchronously makes the stream live at once; otherwise use
// [Supervisor.WaitLive] to wait for the engine to confirm. Any failure is a *[ConstructionError] and
// leaves nothing behind.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return ErrAlreadyRunning
	}
	defer func() { s.deps.Metrics.RecordStreamStart(ctx, string(s.cfg.Source), err) }()

	fail := func(stage Stage, cause error) error {
		s.log.Error("pipeline: construction failed", "stage", stage, "err", cause)
		return &ConstructionError{ID: s.cfg.ID, Stage: stage, Err: cause}
	}

	adapter, err := s.deps.Sources(s.cfg)
	if err != nil {
		return fail(StageAdapter, err)
	}
	graph, err := sender.Build(s.deps.Engine, s.cfg, sender.WithClock(s.deps.Clock))
	if err != nil {
		return fail(StageSink, errors.Join(err, adapter.Close()))
	}
	pipe, err := s.deps.Engine.NewPipeline(s.pipelineName())
	if err != nil {
		return fail(StagePipeline, errors.Join(err, adapter.Close()))
	}
	r := &run{pipe: pipe, graph: graph, adapter: adapter, live: make(chan struct{}), done: make(chan struct{})}
	if err := adapter.Attach(pipe, graph.Sink); err != nil {
		return fail(StageAttach, errors.Join(err, s.teardown(r)))
	}

	s.reset(r)
	ret := pipe.SetState(media.StatePlaying)
	if ret == media.StateChangeFailure {
		cause := fmt.Errorf("engine refused PLAYING%s", busErrors(ctx, pipe.Bus()))
		// The stream is never registered, so nobody is told about it.
		s.setHalted(stream.StatusFailed, cause.Error())
		close(r.done)
		return fail(StageActivate, errors.Join(cause, s.teardown(r)))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	go s.loop(loopCtx, r)

	if a, ok := adapter.(*source.Announcer); ok {
		r.sched = announce.NewScheduler(a, s.deps.AnnounceInterval,
			announce.WithClock(s.deps.Clock),
			announce.WithLogger(s.log),
			announce.WithObserver(func(took time.Duration, err error) {
				s.deps.Metrics.RecordAnnouncement(loopCtx, took, err)
			}),
		)
		r.sched.Start(loopCtx)
	}

	s.cur = r
	s.log.Info("pipeline: started", "source", s.cfg.Source, "dest", s.cfg.Addr())
	s.notifyStatus(stream.StatusStarting)
	if ret == media.StateChangeSuccess {
		s.markLive(r)
	}
	return nil
}

// busErrors collects the text of Error messages already queued on bus.
func busErrors(ctx context.Context, bus media.Bus) string {
	var detail string
	for {
		msg, err := bus.Poll(ctx, time.Millisecond)
		if err != nil {
			return detail
		}
		if e, ok := msg.(media.Error); ok {
			detail += fmt.Sprintf(": %s: %s", e.Src, e.Text)
		}
	}
}

func (s *Supervisor) reset(r *run) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.snap = snapshotOf(s.cfg, stream.StatusStarting)
	s.snap.StartedAt = s.deps.Clock()
	s.tags = make(map[string]string)
	s.active = r
	s.current = nil
	if c, ok := r.adapter.(interface{ Current() string }); ok {
		s.current = c.Current
	}
}

// Stop stops the announcement scheduler, ends the message loop and tears the
// graph down: PAUSED, READY and NULL are requested in turn, every element is
// removed and the adapter is closed. Stop on a stopped supervisor does
// nothing. If ctx ends while waiting for the loop, teardown still happens and
// the context error is returned with any teardown error.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cur
	if r == nil {
		return nil
	}
	s.cur = nil

	if r.sched != nil {
		r.sched.Stop()
	}
	r.cancel()

	var waitErr error
	select {
	case <-r.done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("pipeline: waiting for message loop: %w", ctx.Err())
	}

	err := errors.Join(waitErr, s.teardown(r))

	s.smu.Lock()
	switch s.snap.Status {
	case stream.StatusFailed, stream.StatusDrained:
	default:
		s.snap.Status = stream.StatusStopped
	}
	s.snap.Live = false
	s.snap.State = r.pipe.State()
	s.smu.Unlock()

	s.log.Info("pipeline: stopped")
	s.notifyStatus(stream.StatusStopped)
	return err
}

// teardown brings the pipeline down one state at a time, removes every
// element and closes the adapter.
func (s *Supervisor) teardown(r *run) error {
	var errs []error
	for _, target := range []media.State{media.StatePaused, media.StateReady, media.StateNull} {
		if r.pipe.State() <= target {
			continue
		}
		if ret := r.pipe.SetState(target); ret == media.StateChangeFailure {
			errs = append(errs, fmt.Errorf("pipeline: %s refused %s", r.pipe.Name(), target))
		}
	}
	if elems := r.pipe.Elements(); len(elems) > 0 {
		if err := r.pipe.Remove(elems...); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: remove elements: %w", err))
		}
	}
	if err := r.adapter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: close adapter: %w", err))
	}
	return errors.Join(errs...)
}

// Snapshot returns the current view of the stream.
func (s *Supervisor) Snapshot() stream.Snapshot {
	s.smu.Lock()
	snap, current := s.snap, s.current
	s.smu.Unlock()
	if current != nil {
		snap.CurrentItem = current()
	}
	return snap
}

// Wait blocks until the message loop of the current activation has ended or
// ctx is done. It returns immediately when the supervisor is not running.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.smu.Lock()
	r := s.active
	s.smu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitLive blocks until the pipeline reached PLAYING, either synchronously
// in Start or confirmed later on the bus. It returns
// [ErrHalted] if the loop ends first.
func (s *Supervisor) WaitLive(ctx context.Context) error {
	s.smu.Lock()
	r := s.active
	s.smu.Unlock()
	if r == nil {
		return ErrNotStarted
	}
	select {
	case <-r.live:
		return nil
	case <-r.done:
		select {
		case <-r.live:
			return nil
		default:
		}
		if last := s.Snapshot().LastError; last != "" {
			return fmt.Errorf("%w: %s", ErrHalted, last)
		}
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) notifyStatus(status stream.Status) {
	s.deps.Notifier.Notify(notify.Event{
		StreamID: s.cfg.ID,
		Kind:     notify.KindStatus,
		Value:    string(status),
		Time:     s.deps.Clock(),
	})
}
