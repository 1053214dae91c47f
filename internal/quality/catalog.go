// Package quality derives the selectable quality ladder from engine-reported
// representations.
package quality

import (
	"fmt"
	"sort"

	"github.com/randomizedcoder/go-ffmpeg-dash-player/internal/engine"
)

// Level is one selectable rendition. Index is the engine's quality index and
// is never renumbered.
type Level struct {
	Index      int    `json:"index"`
	BitrateBps int64  `json:"bitrate_bps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Label      string `json:"label"`
}

// Catalog is one generation of levels, tagged with the session that
// produced it.
type Catalog struct {
	SessionID uint64  `json:"session_id"`
	Levels    []Level `json:"levels"`
}

// resolutionTiers is ordered from highest to lowest threshold.
var resolutionTiers = []struct {
	minHeight int
	name      string
}{
	{2160, "4K"},
	{1440, "1440p"},
	{1080, "1080p"},
	{720, "720p"},
	{480, "480p"},
	{360, "360p"},
	{240, "240p"},
}

// Build converts engine bitrate info into a catalog sorted by bitrate,
// highest first. Equal bitrates keep their engine order. A repeated quality
// index keeps only its first occurrence.
func Build(sessionID uint64, infos []engine.BitrateInfo) Catalog {
	seen := make(map[int]bool, len(infos))
	levels := make([]Level, 0, len(infos))
	for _, info := range infos {
		if seen[info.QualityIndex] {
			continue
		}
		seen[info.QualityIndex] = true
		levels = append(levels, Level{
			Index:      info.QualityIndex,
			BitrateBps: info.Bitrate,
			Width:      info.Width,
			Height:     info.Height,
			Label:      Label(info.Width, info.Height, info.Bitrate),
		})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].BitrateBps > levels[j].BitrateBps
	})

	return Catalog{SessionID: sessionID, Levels: levels}
}

// Lookup returns the level with the given engine index.
func (c Catalog) Lookup(index int) (Level, bool) {
	for _, l := range c.Levels {
		if l.Index == index {
			return l, true
		}
	}
	return Level{}, false
}

// Contains reports whether index is part of this catalog generation.
func (c Catalog) Contains(index int) bool {
	_, ok := c.Lookup(index)
	return ok
}

// Empty reports whether the catalog has no levels.
func (c Catalog) Empty() bool {
	return len(c.Levels) == 0
}

// Label formats a level label such as "1080p (2.8 Mbps)".
func Label(width, height int, bitrateBps int64) string {
	return fmt.Sprintf("%s (%s)", ResolutionLabel(width, height), FormatBitrate(bitrateBps))
}

// ResolutionLabel maps a height onto its named tier. The highest threshold
// not above height wins; anything under 240 lines is reported as WxH.
func ResolutionLabel(width, height int) string {
	for _, tier := range resolutionTiers {
		if height >= tier.minHeight {
			return tier.name
		}
	}
	return fmt.Sprintf("%dx%d", width, height)
}

// FormatBitrate renders bits per second as "X.Y Mbps" from 1000 kbps up,
// otherwise as whole "X Kbps".
func FormatBitrate(bps int64) string {
	kbps := float64(bps) / 1000
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", kbps/1000)
	}
	return fmt.Sprintf("%.0f Kbps", kbps)
}
