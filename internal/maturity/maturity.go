// Package maturity derives the knowledge base's current developmental tier
// from its total trace count, and the thresholds that tier implies. Grounded
// on the original maturity.py service.
package maturity

// Tier is the knowledge base's developmental stage.
type Tier string

const (
	Seed    Tier = "seed"    // < 1,000 traces
	Growing Tier = "growing" // 1,000 - 100,000 traces
	Mature  Tier = "mature"  // > 100,000 traces
)

const (
	seedCeiling    = 1_000
	growingCeiling = 100_000
)

// TierFor classifies the knowledge base by total trace count.
func TierFor(traceCount int) Tier {
	switch {
	case traceCount < seedCeiling:
		return Seed
	case traceCount < growingCeiling:
		return Growing
	default:
		return Mature
	}
}

// ValidationThreshold is the confirmation count needed to promote a trace
// from pending to validated at this tier.
func ValidationThreshold(tier Tier) int {
	switch tier {
	case Seed:
		return 1
	case Growing:
		return 2
	default:
		return 3
	}
}

// ShouldApplyTemporalDecay reports whether trust downscaling runs at this
// tier. Disabled in SEED to avoid penalizing the only knowledge available.
func ShouldApplyTemporalDecay(tier Tier) bool {
	return tier != Seed
}

// DecayMultiplier is the per-cycle trust_score *= factor applied by the
// consolidation worker's trust-downscaling sub-job.
func DecayMultiplier(tier Tier) float64 {
	switch tier {
	case Seed:
		return 1.0
	case Growing:
		return 0.995
	default:
		return 0.990
	}
}
