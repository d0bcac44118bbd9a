package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/internal/observability"
)

// The analysis models resample everything to 48 kHz, so frequency axes are
// normalized against its Nyquist frequency.
const audioNyquist = 24000.0

const mp3BitRate = "128k"

// Audio handles audio analysis (species identification) and mp3 conversion.
type Audio struct {
	Conf   *config.Config
	NewAPI APIFactory
	Runner domain.Runner
}

// NewAudio builds the audio pipeline handlers.
func NewAudio(conf *config.Config, newAPI APIFactory, runner domain.Runner) *Audio {
	return &Audio{Conf: conf, NewAPI: newAPI, Runner: runner}
}

type audioAnalysis struct {
	AnalysisResult audioResult `json:"analysis_result"`
}

type audioResult struct {
	SpeciesIdentify        []audioSegment  `json:"species_identify"`
	CacophonyIndex         json.RawMessage `json:"cacophony_index,omitempty"`
	CacophonyIndexVersion  json.RawMessage `json:"cacophony_index_version,omitempty"`
	Chirps                 json.RawMessage `json:"chirps,omitempty"`
	RegionCode             string          `json:"region_code,omitempty"`
	SpeciesIdentifyVersion json.RawMessage `json:"species_identify_version,omitempty"`
	NonBirdTags            json.RawMessage `json:"non_bird_tags,omitempty"`
}

type audioSegment struct {
	TrackID     int64            `json:"track_id,omitempty"`
	BeginS      float64          `json:"begin_s"`
	EndS        float64          `json:"end_s"`
	FreqStart   *float64         `json:"freq_start,omitempty"`
	FreqEnd     *float64         `json:"freq_end,omitempty"`
	Model       string           `json:"model,omitempty"`
	Predictions []audioTagResult `json:"predictions"`
}

type audioTagResult struct {
	Species       []string  `json:"species"`
	Likelihood    []float64 `json:"likelihood"`
	RawTag        string    `json:"raw_tag,omitempty"`
	RawConfidence *float64  `json:"raw_confidence,omitempty"`
	Model         string    `json:"model,omitempty"`
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// segmentPosition maps a detected segment onto a normalized rectangle: time
// over the recording duration on the x axis, frequency over Nyquist on y.
func segmentPosition(seg audioSegment, duration float64) domain.Position {
	pos := domain.Position{Scale: "linear"}
	if duration > 0 {
		pos.X = round2(seg.BeginS / duration)
		pos.Width = round2((seg.EndS - seg.BeginS) / duration)
	}
	if seg.FreqStart != nil && seg.FreqEnd != nil {
		pos.Y = round2(*seg.FreqStart / audioNyquist)
		pos.Height = round2((*seg.FreqEnd - *seg.FreqStart) / audioNyquist)
		pos.MinFreq = seg.FreqStart
		pos.MaxFreq = seg.FreqEnd
	}
	return pos
}

// segmentTags flattens one analysis prediction into track tag requests. A
// prediction with no species is posted as unidentified.
func segmentTags(p audioTagResult) []domain.TrackTagRequest {
	data := map[string]any{"name": "Master"}
	if p.Model != "" {
		data["model_used"] = p.Model
	}
	if p.RawTag != "" {
		data["raw_tag"] = p.RawTag
	}
	if len(p.Species) == 0 {
		confidence := 0.0
		if p.RawConfidence != nil {
			confidence = *p.RawConfidence
		}
		return []domain.TrackTagRequest{{What: domain.TagUnidentified, Confidence: confidence, Data: data}}
	}
	tags := make([]domain.TrackTagRequest, 0, len(p.Species))
	for i, species := range p.Species {
		confidence := 0.0
		if i < len(p.Likelihood) {
			confidence = p.Likelihood[i]
		}
		tags = append(tags, domain.TrackTagRequest{What: species, Confidence: confidence, Data: data})
	}
	return tags
}

// Process runs the analysis command over an audio recording and posts the
// detected segments as tracks with tags. In the FINISHED (re-analysis) state
// only tracks without an automatic tag are re-tagged; in the retrack state
// existing tracks are re-analysed in place.
func (a *Audio) Process(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.audio.process")
	defer span.End()

	rec := job.Recording
	logger := observability.WorkerLogger("audio.analysis", rec.ID)
	api, err := a.NewAPI()
	if err != nil {
		return err
	}

	ext := extensionForMIME(rec.RawMIMEType)
	if ext == "" {
		// Nothing we can do with this type. Mirror the raw key so the
		// recording leaves the queue.
		logger.Error("not processing",
			slog.Any("error", domain.ErrUnsupportedMIME),
			slog.String("mime_type", rec.RawMIMEType))
		return api.ReportDone(ctx, rec, job.JobKey, rec.RawFileKey, rec.RawMIMEType, nil)
	}

	dir, cleanup, err := makeTempDir(a.Conf.TempDir)
	if err != nil {
		return err
	}
	defer cleanup()

	rec.Filename = filepath.Join(dir, downloadBasename+ext)
	logger.Debug("downloading recording", slog.String("file", rec.Filename))
	if err := api.DownloadFile(ctx, job.RawJWT, rec.Filename); err != nil {
		return err
	}

	reanalyse := rec.ProcessingState == domain.StateFinished
	analyseTracks := reanalyse || rec.ProcessingState == domain.StateRetrack
	if analyseTracks {
		tracks, err := api.GetTrackInfo(ctx, rec.ID)
		if err != nil {
			return err
		}
		rec.Tracks = tracks
	}
	if _, err := writeSidecar(rec); err != nil {
		return err
	}

	command := expandCommand(a.Conf.Audio.AnalysisCommand, map[string]string{
		"folder":         dir,
		"basename":       filepath.Base(rec.Filename),
		"tag":            a.Conf.Audio.AnalysisTag,
		"analyse_tracks": strconv.FormatBool(analyseTracks),
	})
	logger.Info("analysing", slog.String("file", rec.Filename))
	raw, err := a.Runner.Run(ctx, command, sidecarPath(rec.Filename))
	if err != nil {
		return err
	}
	var analysis audioAnalysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return fmt.Errorf("op=audio.Process: decode analysis: %w", err)
	}
	result := analysis.AnalysisResult

	algorithm, err := json.Marshal(map[string]string{"algorithm": a.Conf.Audio.AnalysisTag})
	if err != nil {
		return err
	}
	algorithmID, err := api.GetAlgorithmID(ctx, algorithm)
	if err != nil {
		return err
	}

	existing := make(map[int64]*domain.Track, len(rec.Tracks))
	for _, t := range rec.Tracks {
		existing[t.ID] = t
	}

	for _, seg := range result.SpeciesIdentify {
		trackID := seg.TrackID
		if trackID != 0 {
			if prior, ok := existing[trackID]; ok && reanalyse && prior.HasAutomaticTag() {
				continue
			}
		} else {
			track := &domain.Track{
				StartS:    seg.BeginS,
				EndS:      seg.EndS,
				Positions: []domain.Position{segmentPosition(seg, rec.Duration)},
			}
			trackID, err = api.AddTrack(ctx, rec, track, algorithmID)
			if err != nil {
				return err
			}
		}
		for _, pred := range seg.Predictions {
			for _, tag := range segmentTags(pred) {
				if _, err := api.AddTrackTag(ctx, rec, trackID, tag); err != nil {
					return err
				}
			}
		}
	}

	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", analysisMetadata(result)); err != nil {
		return err
	}
	logger.Info("finished analysis")
	return nil
}

// analysisMetadata surfaces the recording-level analysis outputs, such as
// the cacophony index and region code, into additionalMetadata.
func analysisMetadata(result audioResult) map[string]any {
	analysis := map[string]any{}
	if result.CacophonyIndex != nil {
		analysis["cacophony_index"] = result.CacophonyIndex
	}
	if result.CacophonyIndexVersion != nil {
		analysis["cacophony_index_version"] = result.CacophonyIndexVersion
	}
	if result.Chirps != nil {
		analysis["chirps"] = result.Chirps
	}
	if result.RegionCode != "" {
		analysis["region_code"] = result.RegionCode
	}
	if result.SpeciesIdentifyVersion != nil {
		analysis["species_identify_version"] = result.SpeciesIdentifyVersion
	}
	if result.NonBirdTags != nil {
		analysis["non_bird_tags"] = result.NonBirdTags
	}
	return map[string]any{"additionalMetadata": map[string]any{"analysis": analysis}}
}

// Convert re-encodes a raw audio upload to mp3 and reports the new file key
// and MIME type. Unsupported input types mirror the raw key unchanged.
func (a *Audio) Convert(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.audio.convert")
	defer span.End()

	rec := job.Recording
	logger := observability.WorkerLogger("audio.convert", rec.ID)
	api, err := a.NewAPI()
	if err != nil {
		return err
	}

	ext := extensionForMIME(rec.RawMIMEType)
	if ext == "" {
		logger.Error("mirroring raw key",
			slog.Any("error", domain.ErrUnsupportedMIME),
			slog.String("mime_type", rec.RawMIMEType))
		return api.ReportDone(ctx, rec, job.JobKey, rec.RawFileKey, rec.RawMIMEType, nil)
	}

	dir, cleanup, err := makeTempDir(a.Conf.TempDir)
	if err != nil {
		return err
	}
	defer cleanup()

	input := filepath.Join(dir, downloadBasename+ext)
	logger.Debug("downloading recording", slog.String("file", input))
	if err := api.DownloadFile(ctx, job.RawJWT, input); err != nil {
		return err
	}

	output := filepath.Join(dir, downloadBasename+".mp3")
	command := fmt.Sprintf("ffmpeg -loglevel warning -i %q -b:a %s %q", input, mp3BitRate, output)
	if err := a.Runner.Exec(ctx, command); err != nil {
		return err
	}

	logger.Debug("uploading converted file", slog.String("file", output))
	newKey, err := api.UploadFile(ctx, output)
	if err != nil {
		return err
	}
	if err := api.ReportDone(ctx, rec, job.JobKey, newKey, "audio/mp3", nil); err != nil {
		return err
	}
	logger.Info("finished conversion")
	return nil
}
