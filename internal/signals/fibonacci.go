package signals

import "math"

// Retracement and extension ratios measured from the swing high.
var (
	RetracementRatios = [5]float64{0.236, 0.382, 0.500, 0.618, 0.786}
	ExtensionRatios   = [2]float64{0.272, 0.618}
)

// FibLevels is the level set derived from one swing. A zero level is
// inactive.
type FibLevels struct {
	SwingHigh    float64    `json:"swingHigh"`
	SwingLow     float64    `json:"swingLow"`
	Retracements [5]float64 `json:"retracements"`
	Extensions   [2]float64 `json:"extensions"`
}

// ComputeFibLevels derives levels from a swing. A non-positive range
// yields an all-zero set.
func ComputeFibLevels(swingHigh, swingLow float64) FibLevels {
	levels := FibLevels{SwingHigh: swingHigh, SwingLow: swingLow}
	span := swingHigh - swingLow
	if !(span > 0) || math.IsInf(span, 0) {
		return levels
	}
	for i, r := range RetracementRatios {
		levels.Retracements[i] = swingHigh - span*r
	}
	for i, r := range ExtensionRatios {
		levels.Extensions[i] = swingHigh + span*r
	}
	return levels
}

// Levels returns all seven levels, retracements first.
func (f FibLevels) Levels() []float64 {
	out := make([]float64, 0, len(f.Retracements)+len(f.Extensions))
	out = append(out, f.Retracements[:]...)
	return append(out, f.Extensions[:]...)
}

// Near reports whether price lies within tolerance (relative) of any
// active level.
func (f FibLevels) Near(price, tolerance float64) bool {
	for _, level := range f.Levels() {
		if level == 0 {
			continue
		}
		if math.Abs(price-level)/math.Abs(level) < tolerance {
			return true
		}
	}
	return false
}
