// Package risk turns a task feature vector into a risk score and an escalation tier.
package risk

import (
	"fmt"
	"math"
	"sort"

	"riskroute/internal/config"
	"riskroute/internal/domain"
)

// Scorer is immutable after construction; build a new one on config reload.
type Scorer struct {
	weights map[string]float64
	medium  float64
	high    float64
}

// NewScorer builds a scorer from the risk section of the config.
func NewScorer(cfg *config.Config) Scorer {
	w := make(map[string]float64, len(cfg.Risk.Weights))
	for k, v := range cfg.Risk.Weights {
		w[k] = v
	}
	return Scorer{weights: w, medium: cfg.Risk.Thresholds.Medium, high: cfg.Risk.Thresholds.High}
}

// Score is a weighted sum of clamped features. Missing features count as 1.0.
func (s Scorer) Score(features domain.Features) float64 {
	total := 0.0
	for _, name := range domain.FeatureNames {
		v, ok := features[name]
		if !ok || math.IsNaN(v) {
			v = 1
		}
		total += s.weights[name] * clamp(v)
	}
	return clamp(total)
}

// Tier partitions a score by the configured thresholds.
func (s Scorer) Tier(score float64) domain.Tier {
	switch {
	case score >= s.high:
		return domain.TierHigh
	case score >= s.medium:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

// Threshold returns the lowest score that lands in tier.
func (s Scorer) Threshold(tier domain.Tier) float64 {
	switch tier {
	case domain.TierHigh:
		return s.high
	case domain.TierMedium:
		return s.medium
	default:
		return 0
	}
}

// Validate rejects feature vectors that cannot be scored: unknown names and non-finite values.
func Validate(features domain.Features) error {
	known := map[string]bool{}
	for _, name := range domain.FeatureNames {
		known[name] = true
	}
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !known[name] {
			return fmt.Errorf("unknown feature %q", name)
		}
		v := features[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("feature %q is not a finite number", name)
		}
	}
	return nil
}

// FromEvaluation folds runner signals and worker confidence into the feature vector.
// The result is a new map; the input is not modified.
func FromEvaluation(features domain.Features, ev domain.Evaluation, confidence float64) domain.Features {
	out := features.Clone()
	if ev.CoverageDelta < 0 {
		out[domain.FeatureCoverageDrop] = clamp(-ev.CoverageDelta)
	} else {
		out[domain.FeatureCoverageDrop] = 0
	}
	severity := 0.0
	for _, f := range ev.Findings {
		severity = math.Max(severity, f.Severity.Weight())
	}
	out[domain.FeatureStaticSeverity] = severity
	out[domain.FeatureConfidenceNegated] = clamp(1 - confidence)
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
