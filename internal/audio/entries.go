// Package audio rebuilds the soundtrack of a render range from the clips that
// contribute sound, mixes it, and remuxes it into the encoded video.
package audio

import (
	"math"
	"net/url"

	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/source"
	"go.uber.org/zap"
)

// OverlapEpsilon is the shortest overlap, in seconds, worth mixing.
const OverlapEpsilon = 0.001

// Entry is the part of one clip's audio that falls inside the render range,
// in source-media and output-delay coordinates.
type Entry struct {
	ClipID     string
	Source     string
	SourceFrom float64
	SourceTo   float64
	DelayMs    int64
	Speed      float64
	Volume     float64
}

// PlanEntry maps clip onto rng. It returns false when the clip does not
// meaningfully overlap the range. Source is copied from the clip unchanged.
func PlanEntry(clip model.Clip, layerType model.LayerType, rng model.TimeRange) (Entry, bool) {
	overlapStart := math.Max(rng.Start, clip.Start)
	overlapEnd := math.Min(rng.End, clip.End())
	if overlapEnd-overlapStart <= OverlapEpsilon {
		return Entry{}, false
	}

	return Entry{
		ClipID:     clip.ID,
		Source:     clip.Src,
		SourceFrom: clip.SourceTime(overlapStart),
		SourceTo:   clip.SourceTime(overlapEnd),
		DelayMs:    int64(math.Round(math.Max(0, overlapStart-rng.Start) * 1000)),
		Speed:      clip.EffectiveSpeed(),
		Volume:     clip.Gain(layerType),
	}, true
}

// Candidates enumerates every video or audio clip with a source, drops the
// ones whose source the resolver rejects or that miss rng, and returns the
// rest in timeline order with resolved sources.
func Candidates(p *model.Project, resolver *source.Resolver, rng model.TimeRange, log *zap.Logger) []Entry {
	var base *url.URL
	if p.AssetBaseURL != "" {
		b, err := resolver.ParseBase(p.AssetBaseURL)
		if err != nil {
			log.Warn("asset base url rejected", zap.Error(err))
		} else {
			base = b
		}
	}

	var entries []Entry
	for _, layer := range p.Layers {
		if !layer.Type.CarriesAudio() {
			continue
		}
		for _, clip := range layer.Clips {
			if clip.Src == "" {
				continue
			}
			resolved, err := resolver.Resolve(clip.Src, base)
			if err != nil {
				log.Warn("skipping audio from rejected source", zap.String("clip_id", clip.ID), zap.Error(err))
				continue
			}
			entry, ok := PlanEntry(clip, layer.Type, rng)
			if !ok {
				continue
			}
			entry.Source = resolved
			entries = append(entries, entry)
		}
	}
	return entries
}
