package stream

import "strings"

// Quality is a named capture preset.
type Quality struct {
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	BitRate int    `json:"bitRate"`
	MaxFPS  int    `json:"maxFps"`
}

const (
	QualityLow    = "low"
	QualityMedium = "medium"
	QualityHigh   = "high"
)

var presets = map[string]Quality{
	QualityLow:    {Name: QualityLow, Width: 854, Height: 480, BitRate: 1_000_000, MaxFPS: 15},
	QualityMedium: {Name: QualityMedium, Width: 1280, Height: 720, BitRate: 2_500_000, MaxFPS: 24},
	QualityHigh:   {Name: QualityHigh, Width: 1920, Height: 1080, BitRate: 6_000_000, MaxFPS: 30},
}

// ParseQuality resolves a preset name, case-insensitively.
func ParseQuality(name string) (Quality, bool) {
	q, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return q, ok
}

// Presets lists every preset from lowest to highest.
func Presets() []Quality {
	return []Quality{presets[QualityLow], presets[QualityMedium], presets[QualityHigh]}
}

// fit scales the preset box to the device orientation. Portrait devices get
// a portrait capture size.
func (q Quality) fit(width, height int) (int, int) {
	w, h := q.Width, q.Height
	if width > 0 && height > width {
		w, h = h, w
	}
	return w, h
}
