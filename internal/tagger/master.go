package tagger

import (
	"sort"

	"github.com/cacophony-monitoring/processing/internal/domain"
)

type candidate struct {
	model domain.ModelConfig
	pred  *domain.Prediction
}

// useTag reports whether a prediction may take part in master tag election.
func useTag(model domain.ModelConfig, pred *domain.Prediction, wallabyDevice bool) bool {
	if pred.Tag == "" {
		return false
	}
	if model.Ignores(pred.Tag) {
		return false
	}
	if model.Wallaby && !wallabyDevice {
		return false
	}
	return true
}

// MasterTag elects the canonical prediction for one track. It returns
// (nil, nil) when no prediction survives filtering; ties break by input
// order, so the result is deterministic for a given prediction list.
func MasterTag(predictions []*domain.Prediction, models map[int64]domain.ModelConfig, wallabyDevice bool) (*domain.ModelConfig, *domain.Prediction) {
	survivors := make([]candidate, 0, len(predictions))
	byModel := make(map[int64]candidate, len(predictions))
	for _, pred := range predictions {
		if pred == nil {
			continue
		}
		model, ok := models[pred.ModelID]
		if !ok || !useTag(model, pred, wallabyDevice) {
			continue
		}
		c := candidate{model: model, pred: pred}
		survivors = append(survivors, c)
		byModel[model.ID] = c
	}

	// Substitute submodels for their parents where the parent's tag names a
	// surviving submodel. Submodels never stand on their own.
	reduced := make([]candidate, 0, len(survivors))
	for _, c := range survivors {
		if c.model.Submodel {
			continue
		}
		if c.model.Reclassify == nil {
			reduced = append(reduced, c)
			continue
		}
		if subID, ok := c.model.Reclassify[c.pred.Tag]; ok {
			if sub, ok := byModel[subID]; ok {
				reduced = append(reduced, sub)
				continue
			}
		}
		reduced = append(reduced, c)
	}
	if len(reduced) == 0 {
		return nil, nil
	}

	ranked := make([]candidate, 0, len(reduced))
	for _, c := range reduced {
		if c.pred.Tag == domain.TagUnidentified {
			continue
		}
		if _, ok := c.model.Rank(c.pred.Tag); !ok {
			continue
		}
		ranked = append(ranked, c)
	}
	if len(ranked) == 0 {
		first := reduced[0]
		return &first.model, first.pred
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, _ := ranked[i].model.Rank(ranked[i].pred.Tag)
		rj, _ := ranked[j].model.Rank(ranked[j].pred.Tag)
		return ri > rj
	})
	best := ranked[0]
	return &best.model, best.pred
}

// DefaultMaster is the synthesized master prediction for tracks where no
// model produced a usable tag.
func DefaultMaster() *domain.Prediction {
	return &domain.Prediction{Tag: domain.TagUnidentified, Confidence: 0}
}
