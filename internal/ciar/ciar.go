// Package ciar implements the Certainty-Impact-Age-Recency significance
// scorer used to gate promotion into L2 Working Memory and to recompute a
// fact's relevance on every read, per the four-component product formula:
//
//	ciar_score = certainty * impact * age_decay * recency_boost
//
// Each component is independently computable and is grounded in the
// relevance/decay/access-boost heuristics used by the teacher's evolving
// memory store, generalized here into named, testable rules.
package ciar

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// Components holds the four independently-computed CIAR factors.
type Components struct {
	Certainty   float64
	Impact      float64
	AgeDecay    float64
	RecencyBoost float64
}

// Score multiplies the four components.
func (c Components) Score() float64 {
	return c.Certainty * c.Impact * c.AgeDecay * c.RecencyBoost
}

// Input describes everything the scorer needs about a candidate fact.
type Input struct {
	Content           string
	FactType          string
	ExplicitCertainty *float64 // caller override, if the extractor already scored certainty
	ExplicitImpact    *float64 // caller override, if the extractor already scored impact
	Important         bool
	AccessCount       int
	CreatedAt         time.Time
	Now               time.Time
	Lambda            float64 // per-day age_decay rate; 0 selects defaultLambda
	MaxAgeDays        float64 // age_days cap; 0 selects defaultMaxAgeDays
}

var (
	hedgeRe      = regexp.MustCompile(`(?i)\b(maybe|perhaps|might|could be|not sure)\b`)
	moderateRe   = regexp.MustCompile(`(?i)\b(usually|often|generally|typically)\b`)
	emphaticRe   = regexp.MustCompile(`(?i)\b(i prefer|i always|always|never|definitely|certainly|must|required)\b`)
)

// impactWeights maps fact_type to its base impact weight, per the
// preference/constraint/entity/mention table. Types not listed fall back to
// 0.5.
var impactWeights = map[string]float64{
	"instruction":  1.0,
	"preference":   0.9,
	"constraint":   0.8,
	"relationship": 0.7,
	"entity":       0.6,
	"event":        0.5,
	"mention":      0.3,
}

const (
	defaultLambda     = 0.1   // per-day age_decay rate
	defaultMaxAgeDays = 365.0 // age_days is capped here before decaying
	minAgeScore       = 0.1   // age_decay never drops below this
	boostFactor       = 0.05  // scales the logarithmic recency term
	maxBoost          = 0.3   // recency_boost never exceeds 1+maxBoost
)

// CalculateComponents computes the four CIAR components for the given input.
func CalculateComponents(in Input) Components {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	certainty := inferCertainty(in)
	impact := inferImpact(in)
	ageDecay := ageDecayFor(in, now)
	recencyBoost := recencyBoostFor(in.AccessCount)

	return Components{
		Certainty:    certainty,
		Impact:       impact,
		AgeDecay:     ageDecay,
		RecencyBoost: recencyBoost,
	}
}

func ageDecayFor(in Input, now time.Time) float64 {
	if in.CreatedAt.IsZero() {
		return 1.0
	}
	lambda := in.Lambda
	if lambda <= 0 {
		lambda = defaultLambda
	}
	maxAgeDays := in.MaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	ageDays := now.Sub(in.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if ageDays > maxAgeDays {
		ageDays = maxAgeDays
	}
	return math.Max(minAgeScore, math.Exp(-lambda*ageDays))
}

// Score is a convenience wrapper returning only the product.
func Score(in Input) float64 {
	return CalculateComponents(in).Score()
}

// ExceedsThreshold reports whether the given score clears the configured
// minimum CIAR floor.
func ExceedsThreshold(score, minCIAR float64) bool {
	return score >= minCIAR
}

func inferCertainty(in Input) float64 {
	if in.ExplicitCertainty != nil {
		c := *in.ExplicitCertainty
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		return c
	}
	text := in.Content
	switch {
	case emphaticRe.MatchString(text):
		return 1.0
	case moderateRe.MatchString(text):
		return 0.8
	case hedgeRe.MatchString(text):
		return 0.4
	default:
		return 0.7
	}
}

func inferImpact(in Input) float64 {
	var base float64
	if in.ExplicitImpact != nil {
		base = *in.ExplicitImpact
	} else {
		var ok bool
		base, ok = impactWeights[strings.ToLower(strings.TrimSpace(in.FactType))]
		if !ok {
			base = 0.5
		}
	}
	if in.AccessCount > 10 {
		base *= 1.1
	}
	if in.Important {
		base *= 1.2
	}
	return math.Min(1.0, base)
}

// recencyBoostFor implements 1 + boost_factor*ln(1+access_count), capped at
// 1+max_boost. Zero accesses yields exactly 1.0 (neutral, no boost yet).
// At access_count=1 this log form gives ~1.035, not the ~1.05 a linear
// reading of the worked example would suggest; see DESIGN.md's Open
// Questions for the reconciliation.
func recencyBoostFor(accessCount int) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	boost := 1 + boostFactor*math.Log1p(float64(accessCount))
	if boost > 1+maxBoost {
		boost = 1 + maxBoost
	}
	return boost
}
