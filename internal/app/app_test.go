package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rtpcast/internal/app"
	"github.com/MrWong99/rtpcast/internal/config"
	"github.com/MrWong99/rtpcast/internal/source"
	"github.com/MrWong99/rtpcast/internal/speech"
	"github.com/MrWong99/rtpcast/internal/stream"
	"github.com/MrWong99/rtpcast/pkg/media"
	"github.com/MrWong99/rtpcast/pkg/media/mock"
)

// testConfig returns a config with two test-tone streams.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Streams: []stream.Config{
			cfg("s1", stream.KindTest),
			cfg("s2", stream.KindTest),
		},
	}
}

func newApp(t *testing.T, c *config.Config, eng *mock.Engine, opts ...app.Option) *app.App {
	t.Helper()
	m, _ := newTestMetrics(t)
	opts = append([]app.Option{
		app.WithEngine(eng),
		app.WithMetrics(m),
		app.WithPlaylist(func() (*source.Playlist, error) {
			return source.NewPlaylist([]string{"/music/a.flac"})
		}),
	}, opts...)
	a, err := app.New(c, nil, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), mock.NewEngine())
	if a.Registry() == nil || a.Hub() == nil {
		t.Fatal("New() left registry or hub nil")
	}
	if a.Registry().Len() != 0 {
		t.Errorf("streams created before Run: %d", a.Registry().Len())
	}
}

func TestNew_NoEngine(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), nil); err == nil {
		t.Fatal("New() without engine or registry succeeded")
	}
}

type nopSynth struct{}

func (nopSynth) Synthesize(context.Context, string) ([]byte, error) { return nil, nil }

func TestNew_FromRegistry(t *testing.T) {
	t.Parallel()

	errNoSpeech := errors.New("speech backend down")
	newReg := func(speechErr error) (*config.Registry, *speech.Synthesizer) {
		var got speech.Synthesizer
		reg := config.NewRegistry()
		reg.RegisterEngine(config.DefaultEngine, func(_ config.MediaConfig, s speech.Synthesizer) (media.Engine, error) {
			got = s
			return mock.NewEngine(), nil
		})
		reg.RegisterSpeech(config.DefaultSpeech, func(config.SpeechConfig) (speech.Synthesizer, error) {
			if speechErr != nil {
				return nil, speechErr
			}
			return nopSynth{}, nil
		})
		return reg, &got
	}

	tests := []struct {
		name      string
		speechErr error
		announcer bool
		wantErr   bool
		wantSynth bool
	}{
		{name: "synthesizer passed to engine", wantSynth: true},
		{name: "speech failure tolerated", speechErr: errNoSpeech},
		{name: "speech failure with announcer", speechErr: errNoSpeech, announcer: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := testConfig()
			if tt.announcer {
				c.Streams = append(c.Streams, cfg("clock", stream.KindAnnouncer))
			}
			reg, synth := newReg(tt.speechErr)
			m, _ := newTestMetrics(t)
			log := slog.New(slog.NewTextHandler(io.Discard, nil))

			a, err := app.New(c, reg, app.WithMetrics(m), app.WithLogger(log))
			if tt.wantErr {
				if !errors.Is(err, errNoSpeech) {
					t.Fatalf("New() error = %v, want %v", err, errNoSpeech)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
			if got := *synth != nil; got != tt.wantSynth {
				t.Errorf("engine got synthesizer = %v, want %v", got, tt.wantSynth)
			}
		})
	}
}

func TestNew_SpeechFallback(t *testing.T) {
	t.Parallel()

	errDown := errors.New("coqui down")
	tests := []struct {
		name       string
		primaryErr error
		wantType   string
	}{
		{name: "both available", wantType: "*resilience.SpeechFallback"},
		{name: "primary unavailable", primaryErr: errDown, wantType: "app_test.nopSynth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got speech.Synthesizer
			reg := config.NewRegistry()
			reg.RegisterEngine(config.DefaultEngine, func(_ config.MediaConfig, s speech.Synthesizer) (media.Engine, error) {
				got = s
				return mock.NewEngine(), nil
			})
			reg.RegisterSpeech("coqui", func(config.SpeechConfig) (speech.Synthesizer, error) {
				if tt.primaryErr != nil {
					return nil, tt.primaryErr
				}
				return nopSynth{}, nil
			})
			reg.RegisterSpeech("tone", func(config.SpeechConfig) (speech.Synthesizer, error) { return nopSynth{}, nil })

			c := testConfig()
			c.Streams = append(c.Streams, cfg("clock", stream.KindAnnouncer))
			c.Speech = config.SpeechConfig{Name: "coqui", BaseURL: "http://localhost:5002", Fallback: "tone"}
			m, _ := newTestMetrics(t)
			a, err := app.New(c, reg, app.WithMetrics(m), app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
			if typ := fmt.Sprintf("%T", got); typ != tt.wantType {
				t.Errorf("engine synthesizer = %s, want %s", typ, tt.wantType)
			}
		})
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()

	c := testConfig()
	c.Media.Engine = "gst"
	reg := config.NewRegistry()
	reg.RegisterSpeech(config.DefaultSpeech, func(config.SpeechConfig) (speech.Synthesizer, error) { return nopSynth{}, nil })

	_, err := app.New(c, reg)
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("New() error = %v, want ErrNotRegistered", err)
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	eng := mock.NewEngine()
	c := testConfig()
	a := newApp(t, c, eng)
	if err := a.Registry().CreateAll(context.Background(), c.Streams); err != nil {
		t.Fatalf("CreateAll: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", code)
	}
	if code, body := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200 (body %s)", code, body)
	}
	if code, _ := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", code)
	}

	eng.Pipeline("pipeline-s2").Post(media.Error{Src: "udp-sink-s2", Text: "unreachable"})
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, body := get("/readyz")
		if code == http.StatusServiceUnavailable {
			if !strings.Contains(body, "s2") {
				t.Errorf("/readyz body = %s, want failed stream named", body)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("/readyz never reported the failed stream")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_MetricsHandler(t *testing.T) {
	t.Parallel()

	scrape := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "rtpcast_streams_active 2\n")
	})
	a := newApp(t, testConfig(), mock.NewEngine(), app.WithMetricsHandler(scrape))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "rtpcast_streams_active 2\n" {
		t.Errorf("/metrics body = %q, want the injected handler's output", body)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	eng := mock.NewEngine()
	old := testConfig()
	a := newApp(t, old, eng, app.WithLevelVar(level))
	ctx := context.Background()
	if err := a.Registry().CreateAll(ctx, old.Streams); err != nil {
		t.Fatalf("CreateAll: %v", err)
	}
	if level.Level() != slog.LevelInfo {
		t.Fatalf("initial level = %v, want info", level.Level())
	}

	changed := cfg("s1", stream.KindTest)
	changed.DestPort = 6000
	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Streams = []stream.Config{changed, cfg("s3", stream.KindPlaylist)}

	a.Reload(ctx, old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level after reload = %v, want debug", level.Level())
	}
	var ids []string
	for _, s := range a.Registry().List() {
		ids = append(ids, s.ID)
	}
	if want := []string{"s1", "s3"}; !slices.Equal(ids, want) {
		t.Errorf("streams after reload = %v, want %v", ids, want)
	}
	snap, err := a.Registry().Get("s1")
	if err != nil {
		t.Fatalf("Get(s1): %v", err)
	}
	if snap.DestPort != 6000 {
		t.Errorf("s1 dest port = %d, want 6000", snap.DestPort)
	}
	if got := len(eng.ElementsByFactory("udpsink")); got != 4 {
		t.Errorf("sink graphs built = %d, want 4", got)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	eng := mock.NewEngine()
	a := newApp(t, testConfig(), eng, app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	url := fmt.Sprintf("http://%s/healthz", ln.Addr())
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("/healthz status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.Registry().Len() != 2 {
		t.Errorf("running streams = %d, want 2", a.Registry().Len())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if a.Registry().Len() != 0 {
		t.Errorf("streams left after Shutdown: %d", a.Registry().Len())
	}
	for _, p := range []string{"pipeline-s1", "pipeline-s2"} {
		reqs := eng.Pipeline(p).StateRequests()
		if reqs[len(reqs)-1] != media.StateNull {
			t.Errorf("%s last state request = %v, want NULL", p, reqs[len(reqs)-1])
		}
	}
}
