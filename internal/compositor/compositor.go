// Package compositor evaluates a timeline over a time range and streams the
// resulting frames in order.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"

	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/source"
	"go.uber.org/zap"
)

// Frame is one encoded still image at a timeline timestamp.
type Frame struct {
	Index int
	Time  float64
	Data  []byte
}

// Scene is an opened, evaluable scene. It is used by a single render.
type Scene interface {
	Frame(ctx context.Context, t float64) ([]byte, error)
	Close() error
}

// SceneRenderer opens scenes for hydrated projects.
type SceneRenderer interface {
	Open(ctx context.Context, project *model.Project, width, height int) (Scene, error)
}

// Spec is the input to Stream.
type Spec struct {
	Project *model.Project
	Range   model.TimeRange
	FPS     int
	Width   int
	Height  int
}

// Compositor produces frame sequences.
type Compositor struct {
	renderer SceneRenderer
	resolver *source.Resolver
	log      *zap.Logger
}

// New creates a compositor.
func New(renderer SceneRenderer, resolver *source.Resolver, log *zap.Logger) *Compositor {
	return &Compositor{renderer: renderer, resolver: resolver, log: log}
}

// TargetSize applies scale to res and rounds each side to an even number,
// which yuv420p output requires. Sides never drop below 2.
func TargetSize(res model.Resolution, scale float64) (int, int) {
	if scale <= 0 || scale > 1 || math.IsNaN(scale) {
		scale = 1
	}
	return even(float64(res.Width) * scale), even(float64(res.Height) * scale)
}

func even(v float64) int {
	n := int(math.Round(v/2)) * 2
	if n < 2 {
		return 2
	}
	return n
}

// FrameCount returns how many frames cover r at fps.
func FrameCount(r model.TimeRange, fps int) int {
	if fps <= 0 || r.Duration() <= 0 {
		return 0
	}
	return int(math.Ceil(r.Duration()*float64(fps) - 1e-9))
}

// FrameTime returns the timestamp of frame i.
func FrameTime(r model.TimeRange, fps, i int) float64 {
	return r.Start + float64(i)/float64(fps)
}

// Sanitize returns a copy of p in which every media clip's source has been
// run through the resolver. Clips whose source is rejected are dropped and
// logged; text clips are kept as-is.
func (c *Compositor) Sanitize(p *model.Project) *model.Project {
	out := *p
	out.Layers = make([]model.Layer, 0, len(p.Layers))

	var base *url.URL
	if p.AssetBaseURL != "" {
		b, err := c.resolver.ParseBase(p.AssetBaseURL)
		if err != nil {
			c.log.Warn("asset base url rejected", zap.String("base", p.AssetBaseURL), zap.Error(err))
		} else {
			base = b
		}
	}

	for _, layer := range p.Layers {
		kept := layer
		kept.Clips = make([]model.Clip, 0, len(layer.Clips))
		for _, clip := range layer.Clips {
			if layer.Type == model.LayerText || clip.Src == "" {
				kept.Clips = append(kept.Clips, clip)
				continue
			}
			resolved, err := c.resolver.Resolve(clip.Src, base)
			if err != nil {
				c.log.Warn("dropping clip with rejected source",
					zap.String("clip_id", clip.ID),
					zap.String("layer", string(layer.Type)),
					zap.Error(err),
				)
				continue
			}
			clip.Src = resolved
			kept.Clips = append(kept.Clips, clip)
		}
		out.Layers = append(out.Layers, kept)
	}
	return &out
}

// Stream evaluates the scene at every frame timestamp of spec.Range and sends
// the frames to out in order. out is closed when Stream returns.
func (c *Compositor) Stream(ctx context.Context, spec Spec, out chan<- Frame) error {
	defer close(out)

	if spec.Project == nil {
		return errors.New("compositor: nil project")
	}
	total := FrameCount(spec.Range, spec.FPS)
	if total == 0 {
		return nil
	}

	scene, err := c.renderer.Open(ctx, spec.Project, spec.Width, spec.Height)
	if err != nil {
		return fmt.Errorf("failed to open scene: %w", err)
	}
	defer func() {
		if err := scene.Close(); err != nil {
			c.log.Warn("failed to close scene", zap.Error(err))
		}
	}()

	for i := 0; i < total; i++ {
		t := FrameTime(spec.Range, spec.FPS, i)
		data, err := scene.Frame(ctx, t)
		if err != nil {
			return fmt.Errorf("frame %d at %.3fs: %w", i, t, err)
		}
		select {
		case out <- Frame{Index: i, Time: t, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
