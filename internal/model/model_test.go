package model

import (
	"math"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func TestJobState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobState
		want     bool
	}{
		{JobStateWaiting, JobStateActive, true},
		{JobStateWaiting, JobStateFailed, true},
		{JobStateWaiting, JobStateCompleted, false},
		{JobStateActive, JobStateCompleted, true},
		{JobStateActive, JobStateFailed, true},
		{JobStateActive, JobStateWaiting, false},
		{JobStateCompleted, JobStateActive, false},
		{JobStateFailed, JobStateActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestQuality_CRF(t *testing.T) {
	want := map[Quality]int{QualityLow: 30, QualityWeb: 23, QualitySocial: 20, QualityStudio: 14, "bogus": 23}
	for q, crf := range want {
		if got := q.CRF(); got != crf {
			t.Errorf("%s: got %d, want %d", q, got, crf)
		}
	}
}

func TestClip_SourceTimeMonotonic(t *testing.T) {
	speeds := []float64{0.0001, 0.25, 0.5, 1, 1.7, 3, 10}
	for _, speed := range speeds {
		c := Clip{Start: 2, Duration: 5, Offset: 1.5, Speed: speed}
		prev := math.Inf(-1)
		for i := 0; i < 500; i++ {
			tl := c.Start + float64(i)*c.Duration/500
			if !c.Active(tl) {
				t.Fatalf("speed %v: %v should be active", speed, tl)
			}
			st := c.SourceTime(tl)
			if st <= prev {
				t.Fatalf("speed %v: source time not strictly increasing at %v", speed, tl)
			}
			prev = st
		}
	}
}

func TestClip_Clamping(t *testing.T) {
	c := Clip{Speed: -2, Offset: -1, Duration: -3}
	if c.EffectiveSpeed() != MinSpeed {
		t.Errorf("expected speed floor, got %v", c.EffectiveSpeed())
	}
	if c.EffectiveOffset() != 0 {
		t.Errorf("expected offset 0, got %v", c.EffectiveOffset())
	}
	if c.End() != c.Start {
		t.Errorf("expected empty interval, got end %v", c.End())
	}
	if (Clip{}).EffectiveSpeed() != 1 {
		t.Error("unset speed should default to 1")
	}
}

func TestClip_EffectiveSpeed(t *testing.T) {
	tests := []struct {
		name  string
		speed float64
		want  float64
	}{
		{"omitted", 0, 1},
		{"nan", math.NaN(), 1},
		{"below floor", 0.001, MinSpeed},
		{"negative", -0.5, MinSpeed},
		{"at floor", MinSpeed, MinSpeed},
		{"slow", 0.5, 0.5},
		{"fast", 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Clip{Speed: tt.speed}).EffectiveSpeed(); got != tt.want {
				t.Errorf("EffectiveSpeed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClip_Active_Exclusive(t *testing.T) {
	c := Clip{Start: 1, Duration: 2}
	if c.Active(3) {
		t.Error("end bound must be exclusive")
	}
	if !c.Active(1) {
		t.Error("start bound must be inclusive")
	}
}

func TestClip_Gain(t *testing.T) {
	audio := Clip{Volume: ptr(0.5), AudioVolume: ptr(0.9)}
	if g := audio.Gain(LayerAudio); g != 0.5 {
		t.Errorf("audio clip gain: got %v", g)
	}
	if g := audio.Gain(LayerVideo); g != 0.9 {
		t.Errorf("video clip gain: got %v", g)
	}
	if g := (Clip{}).Gain(LayerVideo); g != 1 {
		t.Errorf("default gain: got %v", g)
	}
	if g := (Clip{Volume: ptr(-1)}).Gain(LayerAudio); g != 0 {
		t.Errorf("negative gain: got %v", g)
	}
	if g := audio.Gain(LayerText); g != 0 {
		t.Errorf("text gain: got %v", g)
	}
}

func TestProject_Duration(t *testing.T) {
	p := Project{Layers: []Layer{
		{Type: LayerVideo, Clips: []Clip{{Start: 0, Duration: 4}}},
		{Type: LayerText, Clips: []Clip{{Start: 3, Duration: 5}}},
	}}
	if d := p.Duration(); d != 8 {
		t.Errorf("expected 8, got %v", d)
	}
}
