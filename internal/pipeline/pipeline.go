// Package pipeline implements the per-recording-type workflows: thermal and
// IR tracking/classification, audio analysis and conversion, and trail
// camera image detection. Each handler runs inside one worker, owns its temp
// directory, and talks to the recording service through its own API session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/cacophony-monitoring/processing/internal/domain"
)

const downloadBasename = "recording"

// APIFactory builds a fresh API session. Sessions are per worker and never
// shared, so every handler invocation gets its own.
type APIFactory func() (domain.API, error)

// Handler processes one job to completion or error.
type Handler func(ctx context.Context, job *domain.Job) error

// makeTempDir creates a job-scoped directory under base. The cleanup
// function removes it with everything inside.
func makeTempDir(base string) (string, func(), error) {
	dir := filepath.Join(base, "job-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("op=pipeline.makeTempDir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Extensions for MIME types the detection library resolves poorly.
var mimeExtensions = map[string]string{
	"video/3gpp":   ".3gpp",
	"audio/3gpp":   ".3gpp",
	"audio/wav":    ".wav",
	"audio/x-flac": ".flac",
}

// extensionForMIME maps a MIME type to a file extension, or "" when the type
// is unsupported.
func extensionForMIME(mt string) string {
	if ext, ok := mimeExtensions[mt]; ok {
		return ext
	}
	if m := mimetype.Lookup(mt); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ""
}

// sidecarPath is the JSON exchange file beside the artifact: same name with
// a .txt extension.
func sidecarPath(file string) string {
	ext := filepath.Ext(file)
	return strings.TrimSuffix(file, ext) + ".txt"
}

// writeSidecar serializes the recording (with any attached tracks) beside
// the downloaded artifact for the classifier to read.
func writeSidecar(rec *domain.Recording) (string, error) {
	path := sidecarPath(rec.Filename)
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("op=pipeline.writeSidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("op=pipeline.writeSidecar: %w", err)
	}
	return path, nil
}

// expandCommand substitutes {key} placeholders in a command template.
func expandCommand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

type classifyOutput struct {
	Algorithm       json.RawMessage      `json:"algorithm"`
	TrackingTime    *float64             `json:"tracking_time"`
	ThumbnailRegion json.RawMessage      `json:"thumbnail_region"`
	Models          []domain.ModelConfig `json:"models"`
	Tracks          []*domain.Track      `json:"tracks"`
}

// decodeClassifyResult parses tracker/classifier sidecar output and resolves
// each prediction's model name. The raw algorithm document is returned
// separately so callers can exchange it for an algorithm id.
func decodeClassifyResult(raw []byte) (*domain.ClassifyResult, json.RawMessage, error) {
	var out classifyOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("op=pipeline.decodeClassifyResult: %w", err)
	}
	models := make(map[int64]domain.ModelConfig, len(out.Models))
	for _, m := range out.Models {
		models[m.ID] = m
	}
	result := &domain.ClassifyResult{
		TrackingTime:    out.TrackingTime,
		ThumbnailRegion: out.ThumbnailRegion,
		ModelsByID:      models,
		Tracks:          out.Tracks,
	}
	for _, track := range result.Tracks {
		for _, pred := range track.Predictions {
			if m, ok := models[pred.ModelID]; ok {
				pred.ModelName = m.Name
			}
		}
	}
	return result, out.Algorithm, nil
}

// trackTagData is the structured payload attached to a track tag.
func trackTagData(p *domain.Prediction, name, modelUsed string) map[string]any {
	data := map[string]any{
		"name":                  name,
		"clarity":               p.Clarity,
		"all_class_confidences": p.AllClassConfidences,
	}
	if modelUsed != "" {
		data["model_used"] = modelUsed
	}
	if p.ClassifyTime != nil {
		data["classify_time"] = *p.ClassifyTime
	}
	if p.Message != "" {
		data["message"] = p.Message
	}
	if p.Label != "" {
		data["raw_tag"] = p.Label
	}
	if p.RatThreshVersion != nil {
		data["rat_thresh_version"] = *p.RatThreshVersion
	}
	return data
}

// addTrackTag posts one prediction as a track tag. Predictions without a tag
// are skipped silently, mirroring the classifier's "no opinion" case.
func addTrackTag(ctx context.Context, api domain.API, rec *domain.Recording, trackID int64, p *domain.Prediction, name, modelUsed string) error {
	if p == nil || p.Tag == "" {
		return nil
	}
	_, err := api.AddTrackTag(ctx, rec, trackID, domain.TrackTagRequest{
		What:       p.Tag,
		Confidence: p.Confidence,
		Data:       trackTagData(p, name, modelUsed),
	})
	return err
}
