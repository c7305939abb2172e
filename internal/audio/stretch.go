package audio

import "math"

// Tempo ratios accepted by a single atempo stage.
const (
	MinTempo = 0.5
	MaxTempo = 2.0
)

// TempoChain splits speed into stage ratios within [MinTempo, MaxTempo]
// whose product is speed. Speed 1 yields an empty chain.
func TempoChain(speed float64) []float64 {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		return nil
	}

	var chain []float64
	r := speed
	for r > MaxTempo {
		chain = append(chain, MaxTempo)
		r /= MaxTempo
	}
	for r < MinTempo {
		chain = append(chain, MinTempo)
		r /= MinTempo
	}
	if math.Abs(r-1) > 1e-9 {
		chain = append(chain, r)
	}
	return chain
}
