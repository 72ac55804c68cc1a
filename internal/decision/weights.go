package decision

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/atlas-desktop/confluence-engine/internal/signals"
)

// ErrInvalidWeights is returned when a weight table fails validation.
var ErrInvalidWeights = errors.New("invalid family weights")

const weightTolerance = 1e-9

// Weights maps each family to its share of the final score.
type Weights map[signals.Family]float64

// DefaultWeights returns the standard weight table.
func DefaultWeights() Weights {
	return Weights{
		signals.Trend:         0.25,
		signals.MeanReversion: 0.15,
		signals.Liquidity:     0.20,
		signals.Momentum:      0.15,
		signals.Volatility:    0.05,
		signals.Harmonic:      0.10,
		signals.Pattern:       0.05,
		signals.Arbitrage:     0.05,
	}
}

// Validate checks that the table holds exactly one non-negative weight per
// family and that the weights sum to 1.
func (w Weights) Validate() error {
	known := make(map[signals.Family]bool, len(signals.Families))
	for _, f := range signals.Families {
		known[f] = true
		if _, ok := w[f]; !ok {
			return fmt.Errorf("%w: missing family %q", ErrInvalidWeights, f)
		}
	}

	families := make([]string, 0, len(w))
	for f := range w {
		families = append(families, string(f))
	}
	sort.Strings(families)

	sum := 0.0
	for _, name := range families {
		f := signals.Family(name)
		v := w[f]
		if !known[f] {
			return fmt.Errorf("%w: unknown family %q", ErrInvalidWeights, f)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: family %q has weight %v", ErrInvalidWeights, f, v)
		}
		sum += v
	}

	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.12f, want 1", ErrInvalidWeights, sum)
	}
	return nil
}
