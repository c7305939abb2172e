package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/reelforge/render/internal/ffmpeg"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Prober confirms a source carries an audio stream.
type Prober interface {
	ProbeAudio(ctx context.Context, src string) error
}

// Request describes one merge.
type Request struct {
	JobID        string
	Project      *model.Project
	Range        model.TimeRange
	Format       model.OutputFormat
	IncludeAudio bool
	FastStart    bool
	// VideoPath is the video-only artifact. On success it is replaced in place.
	VideoPath string
	// TempPath returns a fresh path in the job's scratch directory.
	TempPath func(suffix string) string
}

// Outcome reports what Merge did.
type Outcome struct {
	Skipped bool
	Reason  string
	Entries int
}

// Skip reasons
const (
	SkipFormat     = "format has no audio"
	SkipDisabled   = "audio disabled"
	SkipEmptyRange = "empty range"
	SkipNoEntries  = "no audio entries"
)

// Compositor builds the mixed track and merges it into the video.
type Compositor struct {
	runner           ffmpeg.Runner
	prober           Prober
	resolver         *source.Resolver
	binary           string
	audioBitrate     string
	probeConcurrency int
	log              *zap.Logger
}

// Config holds the tunables of a Compositor.
type Config struct {
	Binary           string
	AudioBitrate     string
	ProbeConcurrency int
}

// NewCompositor creates an audio compositor.
func NewCompositor(runner ffmpeg.Runner, prober Prober, resolver *source.Resolver, cfg Config, log *zap.Logger) *Compositor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "192k"
	}
	if cfg.ProbeConcurrency < 1 {
		cfg.ProbeConcurrency = 1
	}
	return &Compositor{
		runner:           runner,
		prober:           prober,
		resolver:         resolver,
		binary:           cfg.Binary,
		audioBitrate:     cfg.AudioBitrate,
		probeConcurrency: cfg.ProbeConcurrency,
		log:              log,
	}
}

// Merge mixes every contributing clip over req.Range and remuxes the track
// into req.VideoPath. Clip-level problems drop the clip; a failing mix or
// remux fails the merge and leaves req.VideoPath untouched.
func (c *Compositor) Merge(ctx context.Context, req Request) (Outcome, error) {
	log := c.log.With(zap.String("job_id", req.JobID))

	switch {
	case req.Format == model.FormatGIF:
		return Outcome{Skipped: true, Reason: SkipFormat}, nil
	case !req.IncludeAudio:
		return Outcome{Skipped: true, Reason: SkipDisabled}, nil
	case req.Range.Duration() <= 0:
		return Outcome{Skipped: true, Reason: SkipEmptyRange}, nil
	}

	entries := Candidates(req.Project, c.resolver.WithSandbox(filepath.Dir(req.VideoPath)), req.Range, log)
	entries, err := c.probe(ctx, entries, log)
	if err != nil {
		return Outcome{}, err
	}
	if len(entries) == 0 {
		log.Info("no audio entries, keeping video-only output")
		return Outcome{Skipped: true, Reason: SkipNoEntries}, nil
	}

	graph, err := BuildGraph(entries)
	if err != nil {
		return Outcome{}, err
	}

	mixPath := req.TempPath(".wav")
	defer removeQuiet(mixPath)
	if _, err := c.runner.Run(ctx, c.binary, MixArgs(entries, graph, req.Range.Duration(), mixPath)); err != nil {
		return Outcome{}, fmt.Errorf("audio mix: %w", err)
	}

	muxPath := req.TempPath(req.Format.Extension())
	defer removeQuiet(muxPath)
	if _, err := c.runner.Run(ctx, c.binary, RemuxArgs(req.VideoPath, mixPath, muxPath, req.Format, req.FastStart, c.audioBitrate)); err != nil {
		return Outcome{}, fmt.Errorf("audio remux: %w", err)
	}

	if err := Replace(muxPath, req.VideoPath); err != nil {
		return Outcome{}, err
	}

	log.Info("audio merged", zap.Int("entries", len(entries)))
	return Outcome{Entries: len(entries)}, nil
}

// probe drops entries whose source has no audio stream or cannot be probed.
// Order is preserved. Only cancellation is returned as an error.
func (c *Compositor) probe(ctx context.Context, entries []Entry, log *zap.Logger) ([]Entry, error) {
	keep := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.probeConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			err := c.prober.ProbeAudio(gctx, e.Source)
			if err == nil {
				keep[i] = true
				return nil
			}
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ffmpeg.ErrNoAudioStream) {
				log.Debug("source has no audio stream", zap.String("clip_id", e.ClipID))
			} else {
				log.Warn("audio probe failed", zap.String("clip_id", e.ClipID), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := entries[:0:0]
	for i, e := range entries {
		if keep[i] {
			out = append(out, e)
		}
	}
	return out, nil
}

// MixArgs renders graph to a stereo PCM file of exactly duration seconds.
func MixArgs(entries []Entry, graph *Graph, duration float64, out string) []string {
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	for _, e := range entries {
		args = append(args, "-protocol_whitelist", ffmpeg.ProtocolsFor(e.Source), "-i", e.Source)
	}
	return append(args,
		"-filter_complex", graph.String(),
		"-map", "["+MixLabel+"]",
		"-c:a", "pcm_s16le",
		"-ac", "2",
		"-ar", strconv.Itoa(SampleRate),
		"-t", num(duration),
		out,
	)
}

// RemuxArgs copies the video stream of video and encodes the audio of mix
// into out.
func RemuxArgs(video, mix, out string, format model.OutputFormat, fastStart bool, bitrate string) []string {
	codec := "aac"
	if format == model.FormatWebM {
		codec = "libopus"
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", video,
		"-i", mix,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", codec,
		"-b:a", bitrate,
	}
	if fastStart && format == model.FormatMP4 {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

// Replace moves src over dst. When a rename is not possible it copies src
// next to dst, renames the copy into place, and removes src.
func Replace(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	partial := dst + ".partial"
	if err := copyFile(src, partial); err != nil {
		removeQuiet(partial)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := os.Rename(partial, dst); err != nil {
		removeQuiet(partial)
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	removeQuiet(src)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func removeQuiet(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
