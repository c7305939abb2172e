// Package encoder turns a frame stream into a video-only container.
package encoder

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/reelforge/render/internal/compositor"
	"github.com/reelforge/render/internal/ffmpeg"
	"github.com/reelforge/render/internal/model"
	"go.uber.org/zap"
)

// Options describe the encoded output.
type Options struct {
	Format    model.OutputFormat
	Quality   model.Quality
	FPS       int
	Width     int
	Height    int
	FastStart bool
}

type process interface {
	Stdin() io.WriteCloser
	Wait() error
	Kill() error
}

type startFunc func(ctx context.Context, binary string, args []string, opts ffmpeg.Options) (process, error)

// Encoder runs ffmpeg with frames piped to stdin.
type Encoder struct {
	binary      string
	webmBitrate string
	log         *zap.Logger
	start       startFunc
}

// New creates an encoder. webmBitrate is an ffmpeg bitrate such as "4M".
func New(binary, webmBitrate string, log *zap.Logger) *Encoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if webmBitrate == "" {
		webmBitrate = "4M"
	}
	return &Encoder{
		binary:      binary,
		webmBitrate: webmBitrate,
		log:         log,
		start: func(ctx context.Context, binary string, args []string, opts ffmpeg.Options) (process, error) {
			return ffmpeg.Start(ctx, binary, args, opts)
		},
	}
}

// BuildArgs returns the ffmpeg arguments that read image frames from stdin
// and write a video-only file at outPath.
func (e *Encoder) BuildArgs(opts Options, outPath string) []string {
	fps := strconv.Itoa(opts.FPS)
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", fps,
		"-i", "pipe:0",
	}

	switch opts.Format {
	case model.FormatGIF:
		filter := fmt.Sprintf("fps=%s,scale=%d:-1:flags=lanczos,split[s0][s1];[s0]palettegen[p];[s1][p]paletteuse", fps, opts.Width)
		args = append(args, "-vf", filter, "-an", "-loop", "0")
	case model.FormatWebM:
		args = append(args,
			"-vf", scaleFilter(opts),
			"-c:v", "libvpx-vp9",
			"-b:v", e.webmBitrate,
			"-pix_fmt", "yuv420p",
			"-an",
		)
	default:
		args = append(args,
			"-vf", scaleFilter(opts),
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", strconv.Itoa(opts.Quality.CRF()),
			"-pix_fmt", "yuv420p",
		)
		if opts.FastStart {
			args = append(args, "-movflags", "+faststart")
		}
		args = append(args, "-an")
	}

	return append(args, outPath)
}

func scaleFilter(opts Options) string {
	return fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height)
}

// EncodeStream writes every frame received on frames to a new ffmpeg process
// and waits for it to finish. onFrame, if set, is called after each frame is
// written. It returns the number of frames written.
func (e *Encoder) EncodeStream(ctx context.Context, frames <-chan compositor.Frame, opts Options, outPath string, onFrame func(n int)) (int, error) {
	args := e.BuildArgs(opts, outPath)
	proc, err := e.start(ctx, e.binary, args, ffmpeg.Options{Stdin: true})
	if err != nil {
		return 0, err
	}

	written := 0
	for {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
			_ = proc.Wait()
			return written, ctx.Err()
		case f, ok := <-frames:
			if !ok {
				if err := proc.Wait(); err != nil {
					return written, fmt.Errorf("encode %s: %w", opts.Format, err)
				}
				e.log.Debug("encode finished", zap.Int("frames", written), zap.String("format", string(opts.Format)))
				return written, nil
			}
			if _, err := proc.Stdin().Write(f.Data); err != nil {
				// The process exiting closes the pipe; its exit status is the useful error.
				_ = proc.Kill()
				if waitErr := proc.Wait(); waitErr != nil {
					return written, fmt.Errorf("encode %s: %w", opts.Format, waitErr)
				}
				return written, fmt.Errorf("encode %s: write frame %d: %w", opts.Format, f.Index, err)
			}
			written++
			if onFrame != nil {
				onFrame(written)
			}
		}
	}
}
