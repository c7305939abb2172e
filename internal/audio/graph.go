package audio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Stage is one filter applied to a branch before mixing.
type Stage interface {
	Filter() string
}

// Trim keeps source time [Start, End).
type Trim struct{ Start, End float64 }

// ResetPTS restarts timestamps at zero after a trim.
type ResetPTS struct{}

// Tempo changes playback rate without changing pitch. Ratio must be in
// [MinTempo, MaxTempo].
type Tempo struct{ Ratio float64 }

// Delay pads the branch with leading silence on every channel.
type Delay struct{ Ms int64 }

// Gain scales amplitude.
type Gain struct{ Volume float64 }

// Stereo normalizes sample format and layout so branches can be mixed.
type Stereo struct{ SampleRate int }

func (s Trim) Filter() string {
	return "atrim=start=" + num(s.Start) + ":end=" + num(s.End)
}

func (ResetPTS) Filter() string { return "asetpts=PTS-STARTPTS" }

func (s Tempo) Filter() string { return "atempo=" + num(s.Ratio) }

func (s Delay) Filter() string { return fmt.Sprintf("adelay=delays=%d:all=1", s.Ms) }

func (s Gain) Filter() string { return "volume=" + num(s.Volume) }

func (s Stereo) Filter() string {
	return fmt.Sprintf("aformat=sample_fmts=fltp:sample_rates=%d:channel_layouts=stereo", s.SampleRate)
}

// Branch is the stage chain applied to one input stream.
type Branch struct {
	Input  int
	Stages []Stage
}

func (b Branch) label() string { return fmt.Sprintf("a%d", b.Input) }

// Mix sums every branch. Output lasts as long as the longest branch.
type Mix struct {
	Inputs int
}

func (m Mix) Filter() string {
	return fmt.Sprintf("amix=inputs=%d:duration=longest:dropout_transition=0:normalize=0", m.Inputs)
}

// MixLabel is the output pad of the mix stage.
const MixLabel = "mix"

// SampleRate of the mixed track.
const SampleRate = 48000

// Graph is the full mix: one branch per entry plus the mix stage.
type Graph struct {
	Branches []Branch
	Mix      Mix
}

// BuildBranch returns the stages for a single entry fed from input index.
func BuildBranch(input int, e Entry) Branch {
	stages := []Stage{
		Trim{Start: e.SourceFrom, End: e.SourceTo},
		ResetPTS{},
	}
	for _, r := range TempoChain(e.Speed) {
		stages = append(stages, Tempo{Ratio: r})
	}
	if e.DelayMs > 0 {
		stages = append(stages, Delay{Ms: e.DelayMs})
	}
	if e.Volume != 1 {
		stages = append(stages, Gain{Volume: e.Volume})
	}
	stages = append(stages, Stereo{SampleRate: SampleRate})
	return Branch{Input: input, Stages: stages}
}

// BuildGraph maps entries, in order, onto inputs 0..n-1.
func BuildGraph(entries []Entry) (*Graph, error) {
	if len(entries) == 0 {
		return nil, errors.New("audio graph: no entries")
	}
	g := &Graph{Mix: Mix{Inputs: len(entries)}}
	for i, e := range entries {
		if e.SourceTo <= e.SourceFrom {
			return nil, fmt.Errorf("audio graph: entry %s has empty source window", e.ClipID)
		}
		g.Branches = append(g.Branches, BuildBranch(i, e))
	}
	return g, nil
}

// String serializes the graph as an ffmpeg -filter_complex value.
func (g *Graph) String() string {
	var sb strings.Builder
	for _, b := range g.Branches {
		fmt.Fprintf(&sb, "[%d:a]", b.Input)
		for i, s := range b.Stages {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(s.Filter())
		}
		fmt.Fprintf(&sb, "[%s];", b.label())
	}
	for _, b := range g.Branches {
		fmt.Fprintf(&sb, "[%s]", b.label())
	}
	fmt.Fprintf(&sb, "%s[%s]", g.Mix.Filter(), MixLabel)
	return sb.String()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
