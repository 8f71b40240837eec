package pipeline_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/rtpcast/internal/notify"
	"github.com/MrWong99/rtpcast/internal/pipeline"
	"github.com/MrWong99/rtpcast/internal/sender"
	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
	"github.com/MrWong99/rtpcast/pkg/media/mock"
)

// recorder is a notify.Notifier that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) values(kind notify.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev.Value)
		}
	}
	return out
}

func testConfig(kind stream.Kind) stream.Config {
	return stream.Config{ID: "s1", DestHost: "localhost", DestPort: 5004, Source: kind}
}

func newSupervisor(t *testing.T, eng media.Engine, kind stream.Kind, n notify.Notifier) *pipeline.Supervisor {
	t.Helper()
	factory := source.NewFactory(eng, source.Options{
		Playlist: func() (*source.Playlist, error) {
			return source.NewPlaylist([]string{"/music/a.flac", "/music/b.flac"})
		},
	})
	s := pipeline.New(testConfig(kind), pipeline.Deps{
		Engine:           eng,
		Sources:          factory,
		Notifier:         n,
		AnnounceInterval: 20 * time.Millisecond,
		Clock:            func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisor_BootstrapRequests(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	eng.PipelineResults[media.StatePlaying] = media.StateChangeAsync
	s := newSupervisor(t, eng, stream.KindTest, nil)
	ctx := ctxTimeout(t)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Snapshot().Status; got != stream.StatusStarting {
		t.Errorf("status after Start = %q, want starting", got)
	}

	pipe := eng.Pipeline("pipeline-s1")
	if pipe == nil {
		t.Fatal("pipeline-s1 not created")
	}
	// A child transition never triggers a request.
	pipe.Post(media.StateChanged{Src: "udp-sink-s1", Old: media.StateNull, New: media.StateReady})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StateNull, New: media.StateReady, Pending: media.StatePlaying})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StateReady, New: media.StatePaused, Pending: media.StatePlaying})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StatePaused, New: media.StatePlaying})

	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}
	want := []media.State{media.StatePlaying, media.StatePaused, media.StatePlaying}
	if got := pipe.StateRequests(); !slices.Equal(got, want) {
		t.Errorf("state requests = %v, want %v", got, want)
	}
	snap := s.Snapshot()
	if !snap.Live || snap.Status != stream.StatusPlaying || snap.State != media.StatePlaying {
		t.Errorf("snapshot = %+v, want live and playing", snap)
	}

	// Every other root transition leaves the request log alone.
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StatePlaying, New: media.StatePaused})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StatePaused, New: media.StateReady})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StateReady, New: media.StateNull})
	eventually(t, func() bool { return s.Snapshot().State == media.StateNull })
	if got := pipe.StateRequests(); !slices.Equal(got, want) {
		t.Errorf("state requests after step-down = %v, want %v", got, want)
	}
	if !s.Snapshot().Live {
		t.Error("stream no longer live after a transition it did not request")
	}

	if err := s.Start(ctx); !errors.Is(err, pipeline.ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	want = append(want, media.StatePaused, media.StateReady, media.StateNull)
	if got := pipe.StateRequests(); !slices.Equal(got, want) {
		t.Errorf("state requests after Stop = %v, want %v", got, want)
	}
	if len(pipe.Elements()) != 0 || len(pipe.Removed()) != 2 {
		t.Errorf("after Stop: %d elements left, removed %v", len(pipe.Elements()), pipe.Removed())
	}
	if got := s.Snapshot().Status; got != stream.StatusStopped {
		t.Errorf("status after Stop = %q, want stopped", got)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSupervisor_SynchronousPlaying(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	rec := &recorder{}
	s := newSupervisor(t, eng, stream.KindTest, rec)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := s.Snapshot()
	if !snap.Live || snap.Status != stream.StatusPlaying || snap.State != media.StatePlaying {
		t.Errorf("snapshot after Start = %+v, want live and playing", snap)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := s.WaitLive(waitCtx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}

	// A later confirmation on the bus is not announced twice.
	pipe := eng.Pipeline("pipeline-s1")
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StatePaused, New: media.StatePlaying})
	pipe.Post(media.EndOfStream{Src: "udp-sink-s1"})
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	want := []string{string(stream.StatusStarting), string(stream.StatusPlaying), string(stream.StatusDrained)}
	if got := rec.values(notify.KindStatus); !slices.Equal(got, want) {
		t.Errorf("status notifications = %v, want %v", got, want)
	}
	if got := pipe.StateRequests(); !slices.Equal(got, []media.State{media.StatePlaying}) {
		t.Errorf("state requests = %v, want only the initial PLAYING", got)
	}
}

func TestSupervisor_TagDeduplication(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	rec := &recorder{}
	s := newSupervisor(t, eng, stream.KindPlaylist, rec)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pipe := eng.Pipeline("pipeline-s1")
	for _, title := range []string{"a", "a", "b", "b", "a"} {
		pipe.Post(media.Tag{Src: "playlist-s1", Key: "title", Value: title})
	}
	pipe.Post(media.Tag{Src: "playlist-s1", Key: "artist", Value: "a"})
	pipe.Post(media.EndOfStream{Src: "udp-sink-s1"})

	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, want := rec.values(notify.KindTag), []string{"a", "b", "a", "a"}; !slices.Equal(got, want) {
		t.Errorf("tag notifications = %v, want %v", got, want)
	}
	snap := s.Snapshot()
	if snap.Title != "a" {
		t.Errorf("Title = %q, want a", snap.Title)
	}
	if snap.Status != stream.StatusDrained {
		t.Errorf("Status = %q, want drained", snap.Status)
	}
	if got := rec.values(notify.KindStatus); !slices.Contains(got, string(stream.StatusDrained)) {
		t.Errorf("status notifications = %v, want drained among them", got)
	}
}

func TestSupervisor_ErrorHaltsStream(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	eng.PipelineResults[media.StatePlaying] = media.StateChangeAsync
	s := newSupervisor(t, eng, stream.KindTest, nil)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pipe := eng.Pipeline("pipeline-s1")
	pipe.Post(media.Warning{Src: "udp-sink-s1", Text: "send failed"})
	pipe.Post(media.Error{Src: "udp-sink-s1", Text: "boom", Debug: "socket closed"})

	if err := s.WaitLive(ctx); !errors.Is(err, pipeline.ErrHalted) {
		t.Fatalf("WaitLive error = %v, want ErrHalted", err)
	}
	snap := s.Snapshot()
	if snap.Status != stream.StatusFailed || snap.LastError != "udp-sink-s1: boom" {
		t.Errorf("snapshot = %+v, want failed with LastError", snap)
	}

	// Halting leaves the graph in place until Stop.
	if len(pipe.Elements()) == 0 {
		t.Error("graph was torn down before Stop")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Snapshot().Status; got != stream.StatusFailed {
		t.Errorf("status after Stop = %q, want failed to be kept", got)
	}
}

func TestSupervisor_ConstructionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		kind      stream.Kind
		setup     func(*mock.Engine)
		wantStage pipeline.Stage
		wantErr   error
	}{
		{
			name: "filtered link fails",
			kind: stream.KindTest,
			setup: func(e *mock.Engine) {
				e.LinkErrors["to-48kHz-resample->pre-rtp-conv"] = media.ErrNotNegotiated
			},
			wantStage: pipeline.StageSink,
			wantErr:   sender.ErrLink,
		},
		{
			name:      "speech missing",
			kind:      stream.KindAnnouncer,
			setup:     func(e *mock.Engine) { e.MakeErrors["speech"] = media.ErrNoFactory },
			wantStage: pipeline.StageAttach,
			wantErr:   media.ErrNoFactory,
		},
		{
			name:      "engine refuses",
			kind:      stream.KindTest,
			setup:     func(e *mock.Engine) { e.PipelineResults[media.StatePlaying] = media.StateChangeFailure },
			wantStage: pipeline.StageActivate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := mock.NewEngine()
			tt.setup(eng)
			rec := &recorder{}
			s := newSupervisor(t, eng, tt.kind, rec)

			err := s.Start(ctxTimeout(t))
			var ce *pipeline.ConstructionError
			if !errors.As(err, &ce) {
				t.Fatalf("Start error = %v, want *ConstructionError", err)
			}
			if ce.ID != "s1" || ce.Stage != tt.wantStage {
				t.Errorf("ConstructionError = {%s %s}, want {s1 %s}", ce.ID, ce.Stage, tt.wantStage)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want it to wrap %v", err, tt.wantErr)
			}
			if p := eng.Pipeline("pipeline-s1"); p != nil && len(p.Elements()) != 0 {
				t.Errorf("%d elements survived the failed start", len(p.Elements()))
			}
			if err := s.WaitLive(context.Background()); !errors.Is(err, pipeline.ErrNotStarted) && !errors.Is(err, pipeline.ErrHalted) {
				t.Errorf("WaitLive after failed start = %v", err)
			}
			if got := rec.values(notify.KindStatus); len(got) != 0 {
				t.Errorf("status notifications for a stream that never started: %v", got)
			}
		})
	}
}

func TestSupervisor_AdapterError(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	factory := source.NewFactory(eng, source.Options{
		Playlist: func() (*source.Playlist, error) { return nil, source.ErrEmptyPlaylist },
	})
	s := pipeline.New(testConfig(stream.KindPlaylist), pipeline.Deps{Engine: eng, Sources: factory})

	err := s.Start(context.Background())
	var ce *pipeline.ConstructionError
	if !errors.As(err, &ce) || ce.Stage != pipeline.StageAdapter {
		t.Fatalf("Start error = %v, want adapter stage", err)
	}
	if !errors.Is(err, source.ErrEmptyPlaylist) {
		t.Errorf("error = %v, want ErrEmptyPlaylist", err)
	}
	if len(eng.MakeCalls) != 0 {
		t.Errorf("elements made before the adapter existed: %v", eng.MakeCalls)
	}
}

func TestSupervisor_PlaylistEndToEnd(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	eng.PipelineResults[media.StatePlaying] = media.StateChangeAsync
	s := newSupervisor(t, eng, stream.KindPlaylist, nil)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	udp := eng.Element("udp-sink-s1")
	if udp == nil {
		t.Fatal("udp-sink-s1 not created")
	}
	if host, _ := udp.Get("host"); host != "localhost" {
		t.Errorf("udp host = %v, want localhost", host)
	}
	if port, _ := udp.Get("port"); port != 5004 {
		t.Errorf("udp port = %v, want 5004", port)
	}

	dec := eng.Element("playlist-s1")
	uri := func() any { v, _ := dec.Get("uri"); return v }
	if got := uri(); got != "file:///music/a.flac" {
		t.Fatalf("initial uri = %v", got)
	}

	pipe := eng.Pipeline("pipeline-s1")
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StateNull, New: media.StateReady, Pending: media.StatePlaying})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StateReady, New: media.StatePaused, Pending: media.StatePlaying})
	pipe.Post(media.StateChanged{Src: pipe.Name(), Old: media.StatePaused, New: media.StatePlaying})
	if err := s.WaitLive(ctx); err != nil {
		t.Fatalf("WaitLive: %v", err)
	}

	for _, want := range []string{"/music/b.flac", "/music/a.flac", "/music/b.flac"} {
		pipe.Post(media.AboutToFinish{Src: "playlist-s1"})
		eventually(t, func() bool { return s.Snapshot().CurrentItem == want })
		if got := uri(); got != "file://"+want {
			t.Errorf("uri = %v, want file://%s", got, want)
		}
	}
}

func TestSupervisor_AnnouncerScheduler(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	s := newSupervisor(t, eng, stream.KindAnnouncer, nil)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	feed := eng.Element("announce-src-s1")
	eventually(t, func() bool { return len(feed.Pushed()) >= 2 })
	if got := string(feed.Pushed()[0]); got != "12:00:00" {
		t.Errorf("announced %q, want 12:00:00", got)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n := len(feed.Pushed())
	time.Sleep(60 * time.Millisecond)
	if got := len(feed.Pushed()); got != n {
		t.Errorf("%d announcements after Stop", got-n)
	}
}

func TestSupervisor_AnnouncerStopsWhenHalted(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	s := newSupervisor(t, eng, stream.KindAnnouncer, nil)
	ctx := ctxTimeout(t)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	feed := eng.Element("announce-src-s1")
	eventually(t, func() bool { return len(feed.Pushed()) >= 1 })

	eng.Pipeline("pipeline-s1").Post(media.Error{Src: "announce-parse-s1", Text: "boom"})
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := s.Snapshot().Status; got != stream.StatusFailed {
		t.Fatalf("status = %q, want failed", got)
	}

	// Let a firing that raced the error finish.
	time.Sleep(40 * time.Millisecond)
	n := len(feed.Pushed())
	time.Sleep(150 * time.Millisecond)
	if got := len(feed.Pushed()); got != n {
		t.Errorf("%d announcements pushed into a failed stream", got-n)
	}
}
