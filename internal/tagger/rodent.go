package tagger

import (
	"github.com/cacophony-monitoring/processing/internal/domain"
)

// Thermal frame dimensions in pixels.
const (
	FrameWidth  = 160
	FrameHeight = 120
)

// RodentSpecies splits a rodent-tagged track into rat or mouse using the
// device's grid of per-cell mass thresholds. For every non-blank position
// with mass, each grid cell covered by the bounding box votes rat when the
// mass exceeds that cell's threshold and mouse otherwise; cells with no
// threshold data abstain. The count comparison is order independent.
// A missing or degenerate grid abstains entirely and keeps the rodent tag.
func RodentSpecies(track *domain.Track, rt *domain.RatThreshold) string {
	if rt == nil || rt.GridSize <= 0 {
		return domain.TagRodent
	}
	grid := rt.GridSize
	ratCount, mouseCount := 0, 0
	for _, p := range track.Positions {
		if p.Blank || p.Mass == 0 {
			continue
		}
		xStart := int(p.X) / grid
		xEnd := int(p.X+p.Width) / grid
		yStart := int(p.Y) / grid
		yEnd := int(p.Y+p.Height) / grid
		for y := yStart; y <= yEnd; y++ {
			if y < 0 || y >= len(rt.Thresholds) {
				continue
			}
			row := rt.Thresholds[y]
			for x := xStart; x <= xEnd; x++ {
				if x < 0 || x >= len(row) || row[x] == nil {
					continue
				}
				if p.Mass > *row[x] {
					ratCount++
				} else {
					mouseCount++
				}
			}
		}
	}
	if ratCount > mouseCount {
		return domain.TagRat
	}
	return domain.TagMouse
}
