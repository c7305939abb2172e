package model

// Job states
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// CanTransition reports whether s -> next is a legal lifecycle step.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateWaiting:
		return next == JobStateActive || next == JobStateFailed
	case JobStateActive:
		return next == JobStateCompleted || next == JobStateFailed
	default:
		return false
	}
}

// Output formats
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatWebM OutputFormat = "webm"
	FormatGIF  OutputFormat = "gif"
)

// Extension returns the container file extension including the dot.
func (f OutputFormat) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type used when uploading the artifact.
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatWebM:
		return "video/webm"
	case FormatGIF:
		return "image/gif"
	default:
		return "video/mp4"
	}
}

// Quality presets
type Quality string

const (
	QualityLow    Quality = "low"
	QualityWeb    Quality = "web"
	QualitySocial Quality = "social"
	QualityStudio Quality = "studio"
)

// qualityCRF maps presets to compression intensity; lower is higher quality.
var qualityCRF = map[Quality]int{
	QualityLow:    30,
	QualityWeb:    23,
	QualitySocial: 20,
	QualityStudio: 14,
}

// CRF returns the compression intensity for q, falling back to the web preset.
func (q Quality) CRF() int {
	if crf, ok := qualityCRF[q]; ok {
		return crf
	}
	return qualityCRF[QualityWeb]
}

// Layer types
type LayerType string

const (
	LayerVideo LayerType = "video"
	LayerAudio LayerType = "audio"
	LayerImage LayerType = "image"
	LayerText  LayerType = "text"
)

// CarriesAudio reports whether clips on this layer can contribute sound.
func (t LayerType) CarriesAudio() bool {
	return t == LayerVideo || t == LayerAudio
}

// Event types
const (
	EventRenderCompleted = "render.completed"
	EventRenderFailed    = "render.failed"
)
