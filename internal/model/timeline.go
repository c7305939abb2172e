package model

import "math"

// MinSpeed is the floor applied to clip playback speed.
const MinSpeed = 0.01

// Resolution is the project canvas size in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Project is the hydrated timeline document.
type Project struct {
	ID         string     `json:"id,omitempty"`
	Resolution Resolution `json:"resolution"`
	FPS        int        `json:"fps"`
	Layers     []Layer    `json:"layers"`
	// AssetBaseURL resolves relative clip sources.
	AssetBaseURL string `json:"assetBaseUrl,omitempty"`
}

// Layer groups clips of a single type.
type Layer struct {
	ID    string    `json:"id,omitempty"`
	Type  LayerType `json:"type"`
	Clips []Clip    `json:"clips"`
}

// Clip is a timed reference to media or text. Type-specific fields are
// optional and only consulted for the matching layer type.
type Clip struct {
	ID       string  `json:"id"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Offset   float64 `json:"offset"`
	Speed    float64 `json:"speed"`

	Src      string `json:"src,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// Volume is the gain of an audio clip.
	Volume *float64 `json:"volume,omitempty"`
	// AudioVolume is the gain of a video clip's embedded audio.
	AudioVolume *float64 `json:"audioVolume,omitempty"`

	Text string `json:"text,omitempty"`
}

// EffectiveSpeed returns the clip speed clamped to MinSpeed. A zero value
// means "unset" and maps to 1.
func (c Clip) EffectiveSpeed() float64 {
	if c.Speed == 0 || math.IsNaN(c.Speed) {
		return 1
	}
	if c.Speed < MinSpeed {
		return MinSpeed
	}
	return c.Speed
}

// EffectiveOffset returns the offset clamped to be non-negative.
func (c Clip) EffectiveOffset() float64 {
	if c.Offset < 0 || math.IsNaN(c.Offset) {
		return 0
	}
	return c.Offset
}

// EffectiveDuration returns the duration clamped to be non-negative.
func (c Clip) EffectiveDuration() float64 {
	if c.Duration < 0 || math.IsNaN(c.Duration) {
		return 0
	}
	return c.Duration
}

// End returns the exclusive end of the clip's active interval.
func (c Clip) End() float64 {
	return c.Start + c.EffectiveDuration()
}

// Active reports whether t lies within [Start, End).
func (c Clip) Active(t float64) bool {
	return t >= c.Start && t < c.End()
}

// SourceTime maps timeline time t onto the clip's source media time.
func (c Clip) SourceTime(t float64) float64 {
	return c.EffectiveOffset() + (t-c.Start)*c.EffectiveSpeed()
}

// Gain resolves the audio gain for a clip on a layer of type lt.
func (c Clip) Gain(lt LayerType) float64 {
	var v *float64
	switch lt {
	case LayerAudio:
		v = c.Volume
	case LayerVideo:
		v = c.AudioVolume
	default:
		return 0
	}
	if v == nil {
		return 1
	}
	if *v < 0 || math.IsNaN(*v) {
		return 0
	}
	return *v
}

// Duration returns the end of the last clip across all layers.
func (p *Project) Duration() float64 {
	var end float64
	for _, layer := range p.Layers {
		for _, clip := range layer.Clips {
			if e := clip.End(); e > end {
				end = e
			}
		}
	}
	return end
}

// TimeRange is a half-open interval [Start, End) in seconds.
type TimeRange struct {
	Start float64 `json:"start" validate:"min=0"`
	End   float64 `json:"end" validate:"min=0"`
}

// Duration returns End-Start, never negative.
func (r TimeRange) Duration() float64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}
