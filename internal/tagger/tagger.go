// Package tagger fuses per-model classifier predictions into canonical track
// tags: it filters weak predictions, elects a master tag per track, splits
// rodent tags by device-local mass thresholds, and derives whole-recording
// annotations such as multiple-animal detection.
package tagger

import (
	"sort"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
)

// Demotion messages recorded on predictions that fail a filter rule.
const (
	MsgLowConfidence = "Low confidence - no tag"
	MsgLowClarity    = "Confusion between two classes (similar confidence)"
	MsgHighNovelty   = "High novelty"
)

// Outcome classifies one prediction against the tagging thresholds.
type Outcome int

const (
	// OutcomeClear passes all filter rules.
	OutcomeClear Outcome = iota
	// OutcomeUnidentified failed a rule and was demoted.
	OutcomeUnidentified
	// OutcomeIgnored carries a label on the global ignore list.
	OutcomeIgnored
)

// ClassifyPrediction applies the filter rules in order. The first failing
// rule demotes the prediction to unidentified and records why.
func ClassifyPrediction(p *domain.Prediction, cfg config.Tagging) Outcome {
	for _, ignored := range cfg.IgnoreTags {
		if p.Label == ignored {
			return OutcomeIgnored
		}
	}
	// A false-positive call with reasonable clarity stands on its own; demoting
	// it to unidentified would hide the classifier's verdict from the
	// false-positive filter.
	if p.Label == domain.TagFalsePositive && p.Clarity > cfg.MinTagClaritySecondary {
		return OutcomeClear
	}
	switch {
	case p.Confidence < cfg.MinTagConfidence:
		p.Message = MsgLowConfidence
	case p.Clarity < cfg.MinTagClarity:
		p.Message = MsgLowClarity
	case p.AverageNovelty > cfg.MaxTagNovelty:
		p.Message = MsgHighNovelty
	default:
		return OutcomeClear
	}
	p.Tag = domain.TagUnidentified
	return OutcomeUnidentified
}

// ClassifyTracks splits tracks into clear and unclear. A track is clear when
// at least one of its predictions survives the filter rules.
func ClassifyTracks(tracks []*domain.Track, cfg config.Tagging) (clear, unclear []*domain.Track) {
	for _, track := range tracks {
		trackClear := false
		for _, p := range track.Predictions {
			if ClassifyPrediction(p, cfg) == OutcomeClear {
				trackClear = true
			}
		}
		if trackClear {
			clear = append(clear, track)
		} else {
			unclear = append(unclear, track)
		}
	}
	return clear, unclear
}

// trackConfidence is the confidence used for whole-recording scoring: the
// master tag's when resolved, otherwise the best per-model confidence.
func trackConfidence(t *domain.Track) float64 {
	if t.Master != nil {
		return t.Master.Confidence
	}
	return t.MaxConfidence()
}

func isAnimal(t *domain.Track) bool {
	if t.Master == nil {
		return false
	}
	return t.Master.Tag != domain.TagFalsePositive && t.Master.Tag != domain.TagUnidentified
}

// MultipleAnimalConfidence scores the evidence that more than one animal is
// present. Animal-bearing tracks are sorted by start time; every pair that
// overlaps by more than a second contributes the lower of its confidences,
// and the maximum over pairs wins.
func MultipleAnimalConfidence(tracks []*domain.Track) float64 {
	animals := make([]*domain.Track, 0, len(tracks))
	for _, t := range tracks {
		if isAnimal(t) {
			animals = append(animals, t)
		}
	}
	sort.SliceStable(animals, func(i, j int) bool {
		return animals[i].StartS < animals[j].StartS
	})
	confidence := 0.0
	for i := 0; i < len(animals)-1; i++ {
		for j := i + 1; j < len(animals); j++ {
			if animals[j].StartS+1 < animals[i].EndS {
				pair := min(trackConfidence(animals[i]), trackConfidence(animals[j]))
				confidence = max(confidence, pair)
			}
		}
	}
	return confidence
}
