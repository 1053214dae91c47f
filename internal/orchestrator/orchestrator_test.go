package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine/enginetest"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/metrics"
	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/playback"
)

const manifest = "http://origin.test/static/abc_dash/manifest.mpd"

type fixture struct {
	o        *Orchestrator
	factory  *enginetest.Factory
	registry *prometheus.Registry
	out      *bytes.Buffer
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ManifestURL = manifest
	cfg.SkipPreflight = true
	cfg.TUI = false
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PollInterval = 100 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, setup func(*enginetest.Engine)) *fixture {
	t.Helper()
	f := &fixture{
		factory:  enginetest.NewFactory(setup),
		registry: prometheus.NewRegistry(),
		out:      &bytes.Buffer{},
	}
	o, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		Version:  "test",
		Stdout:   f.out,
		Factory:  f.factory,
		Target:   &enginetest.Target{},
		Registry: f.registry,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.o = o
	return f
}

// start runs the orchestrator in the background and returns its result
// channel.
func (f *fixture) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.o.Run(ctx) }()
	return done
}

func (f *fixture) waitEngine(t *testing.T) *enginetest.Engine {
	t.Helper()
	waitFor(t, "engine created", func() bool { return f.factory.Last() != nil })
	return f.factory.Last()
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q", w)
		}
	}
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}


// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_PlaysUntilCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.InitialQuality = "1"
	cfg.PrintMetrics = true
	f := newFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	eng := f.waitEngine(t)
	if eng.URL() != manifest {
		t.Errorf("engine URL = %q, want %q", eng.URL(), manifest)
	}
	eng.LoadManifest()

	waitFor(t, "initial quality pinned once Ready", func() bool {
		calls := eng.ManualQualityCalls()
		return len(calls) == 1 && calls[0] == 1
	})
	waitFor(t, "manual switch counted", func() bool {
		v, ok := metrics.Lookup(f.registry, "dashplayer_quality_switches_total", "mode", "manual")
		return ok && v == 1
	})

	if code := getStatus(t, "http://"+f.o.APIAddr()+"/ready"); code != http.StatusOK {
		t.Errorf("/ready = %d, want 200", code)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertContains(t, f.out.String(),
		"go-ffmpeg-dash-player Exit Summary",
		"Manifest:               "+manifest,
		"Sessions Loaded:        1",
		"Manual Overrides:     1",
		"dashplayer_sessions_total 1",
	)

	if got := eng.Resets(); got != 1 {
		t.Errorf("engine resets = %d, want exactly 1", got)
	}
	if got := f.o.Controller().Snapshot().Status; got != playback.StatusDisposed {
		t.Errorf("final status = %v, want disposed", got)
	}
}

func TestRun_DurationStopsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Duration = 150 * time.Millisecond
	cfg.ListenAddr = ""
	f := newFixture(t, cfg, nil)

	start := time.Now()
	if err := wait(t, f.start(context.Background())); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.Duration {
		t.Errorf("Run returned after %v, want >= %v", elapsed, cfg.Duration)
	}
	if addr := f.o.APIAddr(); addr != "" {
		t.Errorf("APIAddr() = %q, want empty", addr)
	}
	if strings.Contains(f.out.String(), "Control API was") {
		t.Error("summary should not mention the control API")
	}
}

func TestRun_HeadlessLoadFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = ""
	f := newFixture(t, cfg, func(e *enginetest.Engine) {
		e.SetInitError(errors.New("cannot bind surface"))
	})

	err := wait(t, f.start(context.Background()))
	if err == nil || !strings.Contains(err.Error(), "load manifest") {
		t.Errorf("Run() error = %v, want a load manifest failure", err)
	}
}

func TestRun_LoadFailureKeepsAPI(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, func(e *enginetest.Engine) {
		e.SetInitError(errors.New("cannot bind surface"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	f.waitEngine(t)
	waitFor(t, "errored status", func() bool {
		return f.o.Controller().Snapshot().Status == playback.StatusErrored
	})

	if code := getStatus(t, "http://"+f.o.APIAddr()+"/ready"); code != http.StatusServiceUnavailable {
		t.Errorf("/ready = %d, want 503", code)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertContains(t, f.out.String(), "Final State:            errored")
}

// =============================================================================
// Tests: catalog and diagnostics
// =============================================================================

func catalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /videos", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"videos":[{"id":"abc","name":"Intro","duration":"12.5"},{"id":"xyz","name":"Demo","duration":"60.0"}],"count":2}`)
	})
	mux.HandleFunc("GET /video/abc/details", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"video_id":"abc","dash_url":"/static/abc_dash/manifest.mpd"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_ListCatalog(t *testing.T) {
	srv := catalogServer(t)
	cfg := testConfig()
	cfg.ManifestURL = ""
	cfg.ListCatalog = true
	cfg.CatalogURL = srv.URL
	f := newFixture(t, cfg, nil)

	if err := f.o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertContains(t, f.out.String(), "Intro", "Demo", "2 videos at "+srv.URL)
	if f.factory.Last() != nil {
		t.Error("listing must not create an engine")
	}
}

func TestRun_VideoIDResolvesThroughCatalog(t *testing.T) {
	srv := catalogServer(t)
	cfg := testConfig()
	cfg.ManifestURL = ""
	cfg.VideoID = "abc"
	cfg.CatalogURL = srv.URL
	f := newFixture(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	eng := f.waitEngine(t)
	if want := srv.URL + "/static/abc_dash/manifest.mpd"; eng.URL() != want {
		t.Errorf("engine URL = %q, want %q", eng.URL(), want)
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_PrintCmd(t *testing.T) {
	cfg := testConfig()
	cfg.PrintCmd = true
	cfg.FFmpegPath = "/opt/ffmpeg/bin/ffmpeg"
	f := newFixture(t, cfg, nil)

	if err := f.o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	assertContains(t, f.out.String(), "/opt/ffmpeg/bin/ffmpeg ", manifest)
	if f.factory.Last() != nil {
		t.Error("-print-cmd must not create an engine")
	}
}

func TestNew_InvalidCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.CatalogURL = "not a url"

	f := newFixture(t, cfg, nil)
	if f.o.resolver() != nil {
		t.Error("a bad catalog url without a video id only disables the catalog")
	}

	cfg = testConfig()
	cfg.CatalogURL = "not a url"
	cfg.VideoID = "abc"
	cfg.ManifestURL = ""
	if _, err := New(cfg, nil, Options{Factory: enginetest.NewFactory(nil), Registry: prometheus.NewRegistry()}); err == nil {
		t.Error("New() should fail when the video id needs an invalid catalog")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FFmpegPath = "/usr/local/bin/ffmpeg"
	cfg.Headers = []string{"X-Test: 1"}
	cfg.BackoffInitial = time.Second
	cfg.MaxRestarts = 9
	cfg.Verbose = true

	ec := engineConfig(cfg, nil)
	if ec.FFmpeg.BinaryPath != "/usr/local/bin/ffmpeg" {
		t.Errorf("BinaryPath = %q", ec.FFmpeg.BinaryPath)
	}
	if ec.FFmpeg.ProbePath != cfg.FFprobePath {
		t.Errorf("ProbePath = %q, want %q", ec.FFmpeg.ProbePath, cfg.FFprobePath)
	}
	if ec.FFmpeg.UserAgent != cfg.UserAgent {
		t.Errorf("UserAgent = %q, want %q", ec.FFmpeg.UserAgent, cfg.UserAgent)
	}
	if !reflect.DeepEqual(ec.FFmpeg.Headers, []string{"X-Test: 1"}) {
		t.Errorf("Headers = %q", ec.FFmpeg.Headers)
	}
	if ec.Backoff.Initial != time.Second {
		t.Errorf("Backoff.Initial = %v, want 1s", ec.Backoff.Initial)
	}
	if ec.Backoff.Multiplier != cfg.BackoffMultiply {
		t.Errorf("Backoff.Multiplier = %v, want %v", ec.Backoff.Multiplier, cfg.BackoffMultiply)
	}
	if ec.MaxRestarts != 9 {
		t.Errorf("MaxRestarts = %d, want 9", ec.MaxRestarts)
	}
	if !ec.Verbose {
		t.Error("Verbose should be set")
	}
	if ec.FFmpeg.ManifestURL != "" {
		t.Errorf("ManifestURL = %q, the manifest is bound per engine", ec.FFmpeg.ManifestURL)
	}
}
