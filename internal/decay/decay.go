// Package decay implements temporal decay (half-life based freshness) and
// memory temperature classification, grounded on the original decay.py and
// temperature.py services.
package decay

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/commontrace/engine/internal/model"
)

// DefaultHalfLifeDays is used when none of a trace's tags match the table.
// A var rather than a const so LoadHalfLifeRules can override it from an
// operator-supplied config file.
var DefaultHalfLifeDays = 365

// halfLifeRules is the domain-specific half-life table (days). Frontend
// frameworks churn fastest; infrastructure knowledge is most stable.
var halfLifeRules = map[string]int{
	"react": 180, "vue": 180, "next": 180, "nuxt": 180, "svelte": 180, "angular": 180,
	"tailwind": 270, "css": 270,

	"fastapi": 365, "django": 365, "flask": 365, "express": 365, "rails": 365,
	"spring": 365, "node": 365, "python": 365, "javascript": 365, "typescript": 365,
	"rust": 365, "go": 365,

	"docker": 730, "kubernetes": 730, "postgres": 730, "redis": 730, "nginx": 730,
	"linux": 730, "terraform": 730, "aws": 548, "gcp": 548,
}

// halfLifeRuleFile is the on-disk shape of an operator-supplied override
// table, the same declarative-YAML-table idiom the teacher uses for its
// reflex rule files, applied here to a much smaller document:
//
//	rules:
//	  react: 180
//	  kubernetes: 730
//	default_days: 365
type halfLifeRuleFile struct {
	Rules       map[string]int `yaml:"rules"`
	DefaultDays int            `yaml:"default_days"`
}

// LoadHalfLifeRules reads a YAML override file and replaces the built-in
// half-life table wholesale when the file's rules map is non-empty; an
// empty rules map leaves the table untouched. Entries are tag -> half-life
// days; an empty or zero default_days leaves DefaultHalfLifeDays untouched.
func LoadHalfLifeRules(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read half-life rules %s: %w", path, err)
	}
	var f halfLifeRuleFile
	if err := yaml.Unmarshal(body, &f); err != nil {
		return fmt.Errorf("parse half-life rules %s: %w", path, err)
	}
	if len(f.Rules) > 0 {
		halfLifeRules = f.Rules
	}
	if f.DefaultDays > 0 {
		DefaultHalfLifeDays = f.DefaultDays
	}
	return nil
}

// HalfLifeDays returns the minimum half-life across all tags that match the
// table (most volatile domain wins), or DefaultHalfLifeDays if none match.
func HalfLifeDays(tags []string) int {
	best := 0
	for _, t := range tags {
		if days, ok := halfLifeRules[t]; ok {
			if best == 0 || days < best {
				best = days
			}
		}
	}
	if best == 0 {
		return DefaultHalfLifeDays
	}
	return best
}

// TemporalDecayFactor computes the [0.3, 1.0] decay factor for ranking.
// Retrieval resets the freshness anchor (Hebbian): recently-used knowledge
// stays fresh even if it was created long ago.
func TemporalDecayFactor(now, createdAt time.Time, lastRetrievedAt *time.Time, halfLifeDays *int) float64 {
	halfLife := DefaultHalfLifeDays
	if halfLifeDays != nil && *halfLifeDays > 0 {
		halfLife = *halfLifeDays
	}

	anchor := createdAt
	if lastRetrievedAt != nil {
		anchor = *lastRetrievedAt
	}

	ageDays := now.Sub(anchor).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}

	raw := math.Pow(2, -ageDays/float64(halfLife))
	return math.Max(0.3, raw)
}

var multipliers = map[model.Temperature]float64{
	model.TemperatureHot:    1.15,
	model.TemperatureWarm:   1.05,
	model.TemperatureCool:   1.0,
	model.TemperatureCold:   0.85,
	model.TemperatureFrozen: 0.70,
}

// TemperatureMultiplier returns the search-ranking multiplier for a
// temperature; unknown/empty returns 1.0 (neutral, backward-compatible).
func TemperatureMultiplier(t *model.Temperature) float64 {
	if t == nil {
		return 1.0
	}
	if m, ok := multipliers[*t]; ok {
		return m
	}
	return 1.0
}

// ClassifyParams bundles what ClassifyTemperature needs to know about a trace.
type ClassifyParams struct {
	Now             time.Time
	CreatedAt       time.Time
	LastRetrievedAt *time.Time
	RetrievalCount  int
	TrustScore      float64
}

// ClassifyTemperature applies the rule table from the original service in
// its exact evaluation order: trust-floor checks first (FROZEN, then COLD),
// then the retrieval-recency ladder.
func ClassifyTemperature(p ClassifyParams) model.Temperature {
	ageDays := p.Now.Sub(p.CreatedAt).Hours() / 24
	if ageDays < 1 {
		ageDays = 1
	}

	var daysSinceRetrieval *float64
	if p.LastRetrievedAt != nil {
		d := p.Now.Sub(*p.LastRetrievedAt).Hours() / 24
		daysSinceRetrieval = &d
	}

	retrievalFreq := float64(p.RetrievalCount) / ageDays

	// FROZEN: trust < -1 AND (never retrieved OR not retrieved in 180+ days).
	if p.TrustScore < -1 {
		if daysSinceRetrieval == nil || *daysSinceRetrieval > 180 {
			return model.TemperatureFrozen
		}
	}

	// COLD: trust < 0, regardless of retrieval.
	if p.TrustScore < 0 {
		return model.TemperatureCold
	}

	// COLD: not retrieved in 90+ days.
	if daysSinceRetrieval != nil && *daysSinceRetrieval > 90 {
		return model.TemperatureCold
	}
	if daysSinceRetrieval == nil && ageDays > 90 {
		return model.TemperatureCold
	}

	// HOT: high retrieval frequency or very recent retrieval.
	if retrievalFreq > 0.1 {
		return model.TemperatureHot
	}
	if daysSinceRetrieval != nil && *daysSinceRetrieval <= 7 {
		return model.TemperatureHot
	}

	// WARM: retrieved in the last 30 days.
	if daysSinceRetrieval != nil && *daysSinceRetrieval <= 30 {
		return model.TemperatureWarm
	}

	// COOL: retrieved in the 30-90 day range.
	if daysSinceRetrieval != nil && *daysSinceRetrieval <= 90 {
		return model.TemperatureCool
	}

	// New traces (<30 days) with no retrievals get the benefit of the doubt.
	if ageDays <= 30 {
		return model.TemperatureWarm
	}

	return model.TemperatureCool
}
