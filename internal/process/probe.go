package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrNoRepresentations is returned when a manifest has no video streams.
var ErrNoRepresentations = errors.New("manifest has no video representations")

// ProbeResult is the subset of "ffprobe -show_streams -show_format" output
// we read.
type ProbeResult struct {
	Streams []ProbeStream `json:"streams"`
	Format  ProbeFormat   `json:"format"`
}

// ProbeStream is one stream in the manifest. DASH inputs expose one stream
// per representation.
type ProbeStream struct {
	Index     int        `json:"index"`
	CodecName string     `json:"codec_name"`
	CodecType string     `json:"codec_type"`
	Width     int        `json:"width"`
	Height    int        `json:"height"`
	BitRate   string     `json:"bit_rate"`
	Tags      StreamTags `json:"tags"`
}

// StreamTags carries the DASH representation attributes.
type StreamTags struct {
	ID             string `json:"id"`
	VariantBitrate string `json:"variant_bitrate"`
}

// ProbeFormat holds container level fields.
type ProbeFormat struct {
	Duration string `json:"duration"`
}

// Representation is a playable video rendition.
type Representation struct {
	// VideoIndex is the position among video streams, used for -map 0:v:N.
	VideoIndex int
	ID         string
	Codec      string
	Width      int
	Height     int
	BitrateBps int64
}

// ProbeReport is the parsed result of probing a manifest.
type ProbeReport struct {
	Representations []Representation
	Duration        time.Duration
}

// Probe runs ffprobe against the configured manifest.
func (r *FFmpegRunner) Probe(ctx context.Context) (ProbeReport, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
	}
	args = append(args, r.inputArgs()...)
	args = append(args, r.config.ManifestURL)

	cmd := exec.CommandContext(ctx, r.findFFprobe(), args...)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return ProbeReport{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return ProbeReport{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return ParseProbeOutput(output)
}

// ParseProbeOutput converts ffprobe JSON into a ProbeReport.
func ParseProbeOutput(data []byte) (ProbeReport, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return ProbeReport{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var report ProbeReport
	if secs, err := strconv.ParseFloat(result.Format.Duration, 64); err == nil && secs > 0 {
		report.Duration = time.Duration(secs * float64(time.Second))
	}

	for _, s := range result.Streams {
		if s.CodecType != "video" {
			continue
		}
		bitrate, _ := strconv.ParseInt(s.Tags.VariantBitrate, 10, 64)
		if bitrate <= 0 {
			bitrate, _ = strconv.ParseInt(s.BitRate, 10, 64)
		}
		report.Representations = append(report.Representations, Representation{
			VideoIndex: len(report.Representations),
			ID:         s.Tags.ID,
			Codec:      s.CodecName,
			Width:      s.Width,
			Height:     s.Height,
			BitrateBps: bitrate,
		})
	}

	if len(report.Representations) == 0 {
		return report, ErrNoRepresentations
	}
	return report, nil
}

// findFFprobe returns the configured ffprobe, one next to ffmpeg, or
// "ffprobe" from PATH.
func (r *FFmpegRunner) findFFprobe() string {
	if r.config.ProbePath != "" {
		return r.config.ProbePath
	}
	return FFprobeFor(r.config.BinaryPath)
}

// FFprobeFor locates ffprobe next to an ffmpeg binary path.
func FFprobeFor(ffmpegPath string) string {
	if filepath.Base(ffmpegPath) == "ffmpeg" && ffmpegPath != "ffmpeg" {
		candidate := filepath.Join(filepath.Dir(ffmpegPath), "ffprobe")
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate
		}
	}
	return "ffprobe"
}

// ProbeAvailable reports whether ffprobe is on PATH.
func ProbeAvailable() bool {
	_, err := exec.LookPath("ffprobe")
	return err == nil
}
