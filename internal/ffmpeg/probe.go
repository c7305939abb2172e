package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoAudioStream is returned when a probed source has no audio stream.
var ErrNoAudioStream = errors.New("no audio stream")

// Protocol whitelists passed to ffmpeg and ffprobe. A remote source may not
// reach local files and a local source may not reach the network.
const (
	RemoteProtocols = "http,https,tcp,tls"
	LocalProtocols  = "file"
)

// ProtocolsFor returns the whitelist for one input.
func ProtocolsFor(src string) string {
	scheme, _, ok := strings.Cut(src, "://")
	if ok && (strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https")) {
		return RemoteProtocols
	}
	return LocalProtocols
}

type probeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Prober inspects media with ffprobe.
type Prober struct {
	runner Runner
	binary string
}

// NewProber creates a prober. An empty binary means "ffprobe" on PATH.
func NewProber(runner Runner, binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{runner: runner, binary: binary}
}

// ProbeAudio returns nil when src carries at least one audio stream and
// ErrNoAudioStream when it carries none.
func (p *Prober) ProbeAudio(ctx context.Context, src string) error {
	args := []string{
		"-v", "error",
		"-protocol_whitelist", ProtocolsFor(src),
		"-select_streams", "a",
		"-show_entries", "stream=index,codec_type",
		"-of", "json",
		src,
	}
	out, err := p.runner.Run(ctx, p.binary, args)
	if err != nil {
		return fmt.Errorf("probe %s: %w", src, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return fmt.Errorf("probe %s: invalid output: %w", src, err)
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "audio" {
			return nil
		}
	}
	return ErrNoAudioStream
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-protocol_whitelist", ProtocolsFor(path),
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}
	out, err := p.runner.Run(ctx, p.binary, args)
	if err != nil {
		return 0, fmt.Errorf("probe duration %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("probe duration %s: invalid output: %w", path, err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return 0, fmt.Errorf("probe duration %s: %w", path, err)
	}
	return d, nil
}
