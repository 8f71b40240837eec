package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/rtpcast/internal/notify"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
)

// loop consumes the pipeline bus until a terminal message arrives or ctx is
// cancelled by Stop.
func (s *Supervisor) loop(ctx context.Context, r *run) {
	defer close(r.done)
	// A halted stream must not keep announcing.
	defer r.cancel()
	bus := r.pipe.Bus()
	for {
		msg, err := bus.Poll(ctx, s.deps.PollTimeout)
		switch {
		case errors.Is(err, media.ErrTimeout):
			continue
		case err != nil:
			s.log.Debug("pipeline: message loop ended", "err", err)
			return
		}
		if !s.dispatch(ctx, r, msg) {
			return
		}
	}
}

// dispatch handles one message and reports whether the loop continues.
func (s *Supervisor) dispatch(ctx context.Context, r *run, msg media.Message) bool {
	s.deps.Metrics.RecordBusMessage(ctx, msg.Type().String())

	switch m := msg.(type) {
	case media.EndOfStream:
		s.log.Info("pipeline: end of stream", "src", m.Src)
		s.halt(stream.StatusDrained, "")
		return false

	case media.Warning:
		s.log.Warn("pipeline: warning", "src", m.Src, "text", m.Text, "debug", m.Debug)
		return true

	case media.Error:
		s.log.Error("pipeline: error", "src", m.Src, "text", m.Text, "debug", m.Debug)
		s.fail(ctx, fmt.Sprintf("%s: %s", m.Src, m.Text))
		return false

	case media.StateChanged:
		if m.Src != r.pipe.Name() {
			return true
		}
		return s.stateChanged(ctx, r, m)

	case media.Tag:
		s.tag(m)
		return true

	case media.AboutToFinish, media.PadAdded:
		if err := r.adapter.Handle(msg); err != nil {
			s.log.Error("pipeline: source adapter failed", "message", msg.Type(), "err", err)
			s.fail(ctx, err.Error())
			return false
		}
		return true
	}
	return true
}

// stateChanged records a confirmed root transition and continues the
// startup protocol.
func (s *Supervisor) stateChanged(ctx context.Context, r *run, m media.StateChanged) bool {
	s.deps.Metrics.RecordStateTransition(ctx, m.Old.String(), m.New.String())
	s.log.Debug("pipeline: state changed", "old", m.Old, "new", m.New, "pending", m.Pending)

	s.smu.Lock()
	s.snap.State = m.New
	s.smu.Unlock()

	var next media.State
	switch {
	case m.Old == media.StateNull && m.New == media.StateReady:
		next = media.StatePaused
	case m.Old == media.StateReady && m.New == media.StatePaused:
		next = media.StatePlaying
	}
	if next != media.StateVoid {
		if ret := r.pipe.SetState(next); ret == media.StateChangeFailure {
			s.fail(ctx, fmt.Sprintf("%s refused %s", r.pipe.Name(), next))
			return false
		}
	}

	if m.New == media.StatePlaying {
		s.markLive(r)
	}
	return true
}

// markLive records that the pipeline reached PLAYING. Only the first call
// per run has an effect, and a halted stream stays halted.
func (s *Supervisor) markLive(r *run) {
	r.once.Do(func() {
		s.smu.Lock()
		if s.snap.Status != stream.StatusStarting {
			s.smu.Unlock()
			return
		}
		s.snap.Live = true
		s.snap.Status = stream.StatusPlaying
		s.snap.State = media.StatePlaying
		s.smu.Unlock()
		close(r.live)
		s.log.Info("pipeline: live")
		s.notifyStatus(stream.StatusPlaying)
	})
}

// tag publishes a tag value only when it differs from the last one seen for
// the same key.
func (s *Supervisor) tag(m media.Tag) {
	s.smu.Lock()
	if prev, seen := s.tags[m.Key]; seen && prev == m.Value {
		s.smu.Unlock()
		return
	}
	s.tags[m.Key] = m.Value
	if m.Key == "title" {
		s.snap.Title = m.Value
	}
	s.smu.Unlock()

	s.deps.Notifier.Notify(notify.Event{
		StreamID: s.cfg.ID,
		Kind:     notify.KindTag,
		Key:      m.Key,
		Value:    m.Value,
		Time:     s.deps.Clock(),
	})
}

func (s *Supervisor) fail(ctx context.Context, reason string) {
	s.deps.Metrics.RecordStreamFailure(ctx, string(s.cfg.Source))
	s.halt(stream.StatusFailed, reason)
}

func (s *Supervisor) halt(status stream.Status, reason string) {
	s.setHalted(status, reason)
	s.notifyStatus(status)
}

func (s *Supervisor) setHalted(status stream.Status, reason string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.snap.Status = status
	s.snap.Live = false
	if reason != "" {
		s.snap.LastError = reason
	}
}
