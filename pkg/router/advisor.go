package router

// ContextBand classifies how close a prompt comes to a target's window.
type ContextBand int

const (
	BandSafe ContextBand = iota
	BandRisky
	BandOverflow
)

// Advise computes the band for estimated prompt tokens against a context
// window. Unknown windows (zero) are treated as safe.
func Advise(estimatedTokens, maxContextTokens int, warnRatio float64) ContextBand {
	if maxContextTokens <= 0 {
		return BandSafe
	}
	usage := float64(estimatedTokens) / float64(maxContextTokens)
	switch {
	case usage >= 1:
		return BandOverflow
	case usage >= warnRatio:
		return BandRisky
	default:
		return BandSafe
	}
}

// partition splits targets by band, preserving order within each band.
func partition(targets []*Target, estimatedTokens int, warnRatio float64) (safe, risky, overflow []*Target) {
	for _, t := range targets {
		switch Advise(estimatedTokens, t.MaxContextTokens, warnRatio) {
		case BandSafe:
			safe = append(safe, t)
		case BandRisky:
			risky = append(risky, t)
		default:
			overflow = append(overflow, t)
		}
	}
	return safe, risky, overflow
}
