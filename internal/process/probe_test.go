package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const dashProbeJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 640, "height": 360, "tags": {"id": "0", "variant_bitrate": "800000"}},
    {"index": 1, "codec_name": "h264", "codec_type": "video", "width": 1280, "height": 720, "tags": {"id": "1", "variant_bitrate": "1400000"}},
    {"index": 2, "codec_name": "h264", "codec_type": "video", "width": 1920, "height": 1080, "bit_rate": "2800000", "tags": {"id": "2"}},
    {"index": 3, "codec_name": "aac", "codec_type": "audio", "tags": {"id": "3", "variant_bitrate": "128000"}}
  ],
  "format": {"duration": "634.567000"}
}`

func TestParseProbeOutput(t *testing.T) {
	report, err := ParseProbeOutput([]byte(dashProbeJSON))
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Representations) != 3 {
		t.Fatalf("got %d representations, want 3 video", len(report.Representations))
	}
	want := []Representation{
		{VideoIndex: 0, ID: "0", Codec: "h264", Width: 640, Height: 360, BitrateBps: 800_000},
		{VideoIndex: 1, ID: "1", Codec: "h264", Width: 1280, Height: 720, BitrateBps: 1_400_000},
		{VideoIndex: 2, ID: "2", Codec: "h264", Width: 1920, Height: 1080, BitrateBps: 2_800_000},
	}
	for i, w := range want {
		if report.Representations[i] != w {
			t.Errorf("rep[%d] = %+v, want %+v", i, report.Representations[i], w)
		}
	}
	if report.Duration != 634567*time.Millisecond {
		t.Errorf("Duration = %v", report.Duration)
	}
}

func TestParseProbeOutput_Errors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{"no streams", `{"streams":[]}`, ErrNoRepresentations},
		{"audio only", `{"streams":[{"codec_type":"audio"}]}`, ErrNoRepresentations},
		{"empty object", `{}`, ErrNoRepresentations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProbeOutput([]byte(tt.json)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := ParseProbeOutput([]byte(`{not json`)); err == nil {
		t.Error("invalid JSON accepted")
	}
}

func TestParseProbeOutput_NonNumericBitrate(t *testing.T) {
	report, err := ParseProbeOutput([]byte(`{"streams":[{"codec_type":"video","tags":{"variant_bitrate":"n/a"}}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if report.Representations[0].BitrateBps != 0 || report.Duration != 0 {
		t.Errorf("report = %+v", report)
	}
}

// writeScript creates an executable fake ffprobe.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbe_FakeBinary(t *testing.T) {
	jsonPath := filepath.Join(t.TempDir(), "out.json")
	if err := os.WriteFile(jsonPath, []byte(dashProbeJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultFFmpegConfig("http://h/abc_dash/manifest.mpd")
	cfg.ProbePath = writeScript(t, "cat "+jsonPath+"\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := NewFFmpegRunner(cfg).Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(report.Representations) != 3 {
		t.Errorf("representations = %d", len(report.Representations))
	}
}

func TestProbe_Failure(t *testing.T) {
	cfg := DefaultFFmpegConfig("http://h/missing.mpd")
	cfg.ProbePath = writeScript(t, "echo 'HTTP error 404 Not Found' >&2\nexit 1\n")

	_, err := NewFFmpegRunner(cfg).Probe(context.Background())
	if err == nil {
		t.Fatal("Probe succeeded on failing ffprobe")
	}
	if got := err.Error(); !strings.Contains(got, "404") {
		t.Errorf("error does not carry stderr: %q", got)
	}
}

func TestProbe_CancelledContext(t *testing.T) {
	cfg := DefaultFFmpegConfig("http://h/m.mpd")
	cfg.ProbePath = writeScript(t, "sleep 5\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if _, err := NewFFmpegRunner(cfg).Probe(ctx); err == nil {
		t.Error("Probe succeeded with cancelled context")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Probe ignored context cancellation")
	}
}

func TestFFprobeFor(t *testing.T) {
	tests := []string{"", "f", "ffmpeg", "/nonexistent/ffmpeg", "/usr/bin/avconv", "/path/to/ffmpeg-custom"}
	for _, path := range tests {
		if got := FFprobeFor(path); got != "ffprobe" {
			t.Errorf("FFprobeFor(%q) = %q, want ffprobe", path, got)
		}
	}

	dir := t.TempDir()
	probe := filepath.Join(dir, "ffprobe")
	if err := os.WriteFile(probe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if got := FFprobeFor(filepath.Join(dir, "ffmpeg")); got != probe {
		t.Errorf("FFprobeFor sibling = %q, want %q", got, probe)
	}
}
