package signals

// Family identifies one of the eight scoring families.
type Family string

const (
	Trend         Family = "trend"
	MeanReversion Family = "mean_reversion"
	Liquidity     Family = "liquidity"
	Momentum      Family = "momentum"
	Volatility    Family = "volatility"
	Harmonic      Family = "harmonic"
	Pattern       Family = "pattern"
	Arbitrage     Family = "arbitrage"
)

// Families lists every family in evaluation order.
var Families = []Family{
	Trend, MeanReversion, Liquidity, Momentum,
	Volatility, Harmonic, Pattern, Arbitrage,
}

// Rule is one signal slot of a family. It returns its contribution and
// whether it fired; only fired rules count towards the family average.
type Rule func(s *Snapshot) (float64, bool)

// FamilySpec is a family's rule list plus an optional scaling applied to
// the averaged score.
type FamilySpec struct {
	Rules []Rule
	Scale func(s *Snapshot) float64
}

// Rule tuning constants.
const (
	HarmonicTolerance = 0.002
	momentumBars      = 10
)

func onIf(cond bool, v float64) (float64, bool) {
	if cond {
		return v, true
	}
	return 0, false
}

func either(up, down bool, v float64) (float64, bool) {
	switch {
	case up:
		return v, true
	case down:
		return -v, true
	default:
		return 0, false
	}
}

func highVolume(s *Snapshot) bool {
	return s.AvgVolume > 0 && s.Volume > s.AvgVolume*1.5
}

// DefaultFamilies returns the standard rule table.
func DefaultFamilies() map[Family]FamilySpec {
	return map[Family]FamilySpec{
		Trend: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					golden := s.SMA50 > s.SMA200 && s.SMA50Prev <= s.SMA200Prev
					death := s.SMA50 < s.SMA200 && s.SMA50Prev >= s.SMA200Prev
					return either(golden, death, 1.0)
				},
				func(s *Snapshot) (float64, bool) {
					return either(s.MACD > s.MACDSignal && s.MACD > 0, s.MACD < s.MACDSignal && s.MACD < 0, 0.5)
				},
			},
			Scale: func(s *Snapshot) float64 {
				if s.ADX > 25 {
					return 1.2
				}
				return 1.0
			},
		},
		MeanReversion: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					return either(s.RSI < 30, s.RSI > 70, 1.0)
				},
				func(s *Snapshot) (float64, bool) {
					return either(s.BBLower > 0 && s.Close < s.BBLower, s.BBUpper > 0 && s.Close > s.BBUpper, 0.8)
				},
			},
		},
		Liquidity: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					return onIf(highVolume(s), s.Imbalance)
				},
				func(s *Snapshot) (float64, bool) {
					return either(s.OBV > s.OBVPrev, s.OBV < s.OBVPrev, 0.5)
				},
			},
		},
		Momentum: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					if s.CloseAgo <= 0 {
						return 0, false
					}
					change := (s.Close - s.CloseAgo) / s.CloseAgo * 100
					return either(change > 2, change < -2, 1.0)
				},
				func(s *Snapshot) (float64, bool) {
					return either(s.CCI > 100, s.CCI < -100, 0.6)
				},
			},
		},
		Volatility: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					return onIf(s.AvgATR > 0 && s.ATR > s.AvgATR*1.5, 0.5)
				},
			},
		},
		Harmonic: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					if s.Fib == nil || !s.Fib.Near(s.Close, HarmonicTolerance) {
						return 0, false
					}
					return either(s.RSI < 35, s.RSI > 65, 1.0)
				},
			},
		},
		Pattern: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					return either(s.ChannelHigh > 0 && s.Close > s.ChannelHigh*1.01, s.Close < s.ChannelLow*0.99, 0.7)
				},
			},
		},
		Arbitrage: {
			Rules: []Rule{
				func(s *Snapshot) (float64, bool) {
					return onIf(s.ATRAgo > 0 && s.ATR < s.ATRAgo*0.8 && highVolume(s), 0.5)
				},
			},
		},
	}
}
