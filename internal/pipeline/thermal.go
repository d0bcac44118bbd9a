package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"

	"go.opentelemetry.io/otel"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/internal/observability"
	"github.com/cacophony-monitoring/processing/internal/tagger"
)

var tracer = otel.Tracer("processing/pipeline")

// metadataSourcePI marks recordings whose metadata was generated on the
// device; their thumbnails are recalculated during classification.
const metadataSourcePI = "PI"

// Thermal handles tracking and classification for thermal and IR video.
type Thermal struct {
	Conf   *config.Config
	NewAPI APIFactory
	Runner domain.Runner
}

// NewThermal builds the thermal/IR pipeline handlers.
func NewThermal(conf *config.Config, newAPI APIFactory, runner domain.Runner) *Thermal {
	return &Thermal{Conf: conf, NewAPI: newAPI, Runner: runner}
}

func videoExtension(rec *domain.Recording) string {
	if rec.Type == domain.TypeIRRaw {
		return ".mp4"
	}
	return ".cptv"
}

func (t *Thermal) cacheClip(duration float64) bool {
	return t.Conf.Thermal.CacheClipsBiggerThan > 0 && duration > t.Conf.Thermal.CacheClipsBiggerThan
}

// Track runs the tracker over a fresh recording (tracking state) or over its
// existing tracks (retrack state). New tracks are created on the service;
// retracked tracks are updated, or archived when the tracker dropped them.
func (t *Thermal) Track(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.thermal.track")
	defer span.End()

	rec := job.Recording
	logger := observability.WorkerLogger("tracking", rec.ID)
	api, err := t.NewAPI()
	if err != nil {
		return err
	}
	dir, cleanup, err := makeTempDir(t.Conf.TempDir)
	if err != nil {
		return err
	}
	defer cleanup()

	rec.Filename = filepath.Join(dir, downloadBasename+videoExtension(rec))
	logger.Debug("downloading recording")
	if err := api.DownloadFile(ctx, job.RawJWT, rec.Filename); err != nil {
		return err
	}

	retrack := rec.ProcessingState == domain.StateRetrack
	if retrack {
		tracks, err := api.GetTrackInfo(ctx, rec.ID)
		if err != nil {
			return err
		}
		rec.Tracks = tracks
		if _, err := writeSidecar(rec); err != nil {
			return err
		}
	}

	command := expandCommand(t.Conf.Thermal.TrackCmd, map[string]string{
		"source":         rec.Filename,
		"cache":          strconv.FormatBool(t.cacheClip(rec.Duration)),
		"retrack":        strconv.FormatBool(retrack),
		"classify_image": t.Conf.Thermal.ClassifyImage,
		"temp_dir":       t.Conf.TempDir,
	})
	logger.Info("tracking", slog.String("file", rec.Filename))
	raw, err := t.Runner.Run(ctx, command, sidecarPath(rec.Filename))
	if err != nil {
		return err
	}
	result, algorithm, err := decodeClassifyResult(raw)
	if err != nil {
		return err
	}
	result.AlgorithmID, err = api.GetAlgorithmID(ctx, algorithm)
	if err != nil {
		return err
	}

	for _, track := range result.Tracks {
		switch {
		case retrack && len(track.Positions) == 0:
			err = api.ArchiveTrack(ctx, rec, track.ID)
		case retrack:
			err = api.UpdateTrack(ctx, rec, track)
		default:
			track.ID, err = api.AddTrack(ctx, rec, track, result.AlgorithmID)
		}
		if err != nil {
			return err
		}
	}

	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", trackingMetadata(result)); err != nil {
		return err
	}
	logger.Info("finished tracking")
	return nil
}

// Classify runs the classifier over a recording's existing tracks (analyse
// and reprocess states), fuses per-model predictions into master tags, posts
// track tags, and applies the false-positive filter and the track cap.
func (t *Thermal) Classify(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.thermal.classify")
	defer span.End()

	rec := job.Recording
	logger := observability.WorkerLogger("classify", rec.ID)
	api, err := t.NewAPI()
	if err != nil {
		return err
	}
	dir, cleanup, err := makeTempDir(t.Conf.TempDir)
	if err != nil {
		return err
	}
	defer cleanup()

	rec.Filename = filepath.Join(dir, downloadBasename+videoExtension(rec))
	logger.Debug("downloading recording")
	if err := api.DownloadFile(ctx, job.RawJWT, rec.Filename); err != nil {
		return err
	}
	tracks, err := api.GetTrackInfo(ctx, rec.ID)
	if err != nil {
		return err
	}
	rec.Tracks = tracks
	if _, err := writeSidecar(rec); err != nil {
		return err
	}

	// Recordings ingested from device-side metadata carry no thumbnails, so
	// the classifier is asked to recalculate them.
	calculateThumbnails := rec.MetadataSource == metadataSourcePI
	command := expandCommand(t.Conf.Thermal.ClassifyCmd, map[string]string{
		"source":         rec.Filename,
		"cache":          strconv.FormatBool(t.cacheClip(rec.Duration)),
		"classify_image": t.Conf.Thermal.ClassifyImage,
		"temp_dir":       t.Conf.TempDir,
	})
	if calculateThumbnails {
		command += " --calculate-thumbnails"
	}
	logger.Info("classifying", slog.String("file", rec.Filename))
	raw, err := t.Runner.Run(ctx, command, sidecarPath(rec.Filename))
	if err != nil {
		return err
	}
	result, _, err := decodeClassifyResult(raw)
	if err != nil {
		return err
	}

	tagger.ClassifyTracks(result.Tracks, t.Conf.Thermal.Tagging)
	if err := t.resolveMasterTags(ctx, api, rec, result); err != nil {
		return err
	}

	for _, track := range result.Tracks {
		for _, pred := range track.Predictions {
			if err := addTrackTag(ctx, api, rec, track.ID, pred, pred.ModelName, ""); err != nil {
				return err
			}
		}
		if err := addTrackTag(ctx, api, rec, track.ID, track.Master, t.Conf.Thermal.MasterTag, track.Master.ModelName); err != nil {
			return err
		}
	}

	survivors, err := t.filterFalsePositives(ctx, api, rec, result.Tracks)
	if err != nil {
		return err
	}
	survivors, err = t.capTracks(ctx, api, rec, survivors)
	if err != nil {
		return err
	}
	result.Tracks = survivors

	if calculateThumbnails {
		for _, track := range result.Tracks {
			if err := api.UpdateTrack(ctx, rec, track); err != nil {
				return err
			}
		}
	}

	multiple := tagger.MultipleAnimalConfidence(result.Tracks)
	if multiple > t.Conf.Thermal.Tagging.MinConfidence {
		logger.Debug("multiple animals detected", slog.Float64("confidence", multiple))
		tag := domain.RecordingTag{Event: domain.TagMultipleAnimals, Confidence: multiple}
		if err := api.TagRecording(ctx, rec, tag); err != nil {
			return err
		}
	}

	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", classifyMetadata(result)); err != nil {
		return err
	}
	logger.Info("finished classifying")
	return nil
}

// resolveMasterTags elects a master prediction per track, applying the
// rodent split when the device has mass thresholds for the capture time.
func (t *Thermal) resolveMasterTags(ctx context.Context, api domain.API, rec *domain.Recording, result *domain.ClassifyResult) error {
	wallaby := t.Conf.IsWallabyDevice(rec.DeviceID)
	ratThresh, err := api.GetRatThreshold(ctx, rec.DeviceID, rec.RecordingDateTime)
	if err != nil {
		return fmt.Errorf("op=thermal.resolveMasterTags: %w", err)
	}
	for _, track := range result.Tracks {
		model, master := tagger.MasterTag(track.Predictions, result.ModelsByID, wallaby)
		if master == nil {
			master = tagger.DefaultMaster()
		}
		if ratThresh != nil && master.Tag == domain.TagRodent {
			if species := tagger.RodentSpecies(track, ratThresh); species != domain.TagRodent {
				master.Tag = species
				version := ratThresh.Version
				master.RatThreshVersion = &version
			}
		}
		if model != nil {
			master.ModelName = model.Name
		}
		track.Master = master
	}
	return nil
}

// falsePositivePrediction returns the prediction justifying archival of a
// track, or nil when the track should be kept. An unidentified master still
// hides a false positive when some model called it one confidently enough.
func falsePositivePrediction(track *domain.Track, minConfidence float64) *domain.Prediction {
	master := track.Master
	if master == nil {
		return nil
	}
	if master.Tag == domain.TagFalsePositive && master.Confidence >= minConfidence {
		return master
	}
	if master.Tag == domain.TagUnidentified {
		for _, pred := range track.Predictions {
			if pred.Label == domain.TagFalsePositive && pred.Confidence >= minConfidence {
				return pred
			}
		}
	}
	return nil
}

func (t *Thermal) filterFalsePositives(ctx context.Context, api domain.API, rec *domain.Recording, tracks []*domain.Track) ([]*domain.Track, error) {
	if !t.Conf.Thermal.FilterFalsePositive {
		return tracks, nil
	}
	good := make([]*domain.Track, 0, len(tracks))
	confidence := 1.0
	for _, track := range tracks {
		fp := falsePositivePrediction(track, t.Conf.Thermal.FalsePositiveMinConfidence)
		if fp == nil {
			good = append(good, track)
			continue
		}
		confidence = min(confidence, fp.Confidence)
		if err := api.ArchiveTrack(ctx, rec, track.ID); err != nil {
			return nil, err
		}
	}
	if len(good) == 0 && len(tracks) > 0 {
		tag := domain.RecordingTag{Event: domain.TagAllTracksFiltered, Confidence: confidence}
		if err := api.TagRecording(ctx, rec, tag); err != nil {
			return nil, err
		}
	}
	return good, nil
}

// fpScore penalizes confidently false-positive tracks in the track-cap sort.
func fpScore(t *domain.Track) float64 {
	if t.Master != nil && t.Master.Tag == domain.TagFalsePositive {
		return -t.Master.Confidence
	}
	return 0
}

func trackingScore(t *domain.Track) float64 {
	if t.TrackingScore != nil {
		return *t.TrackingScore
	}
	return 0
}

func (t *Thermal) capTracks(ctx context.Context, api domain.API, rec *domain.Recording, tracks []*domain.Track) ([]*domain.Track, error) {
	maxTracks := t.Conf.Thermal.MaxTracks
	if maxTracks <= 0 || len(tracks) <= maxTracks {
		return tracks, nil
	}
	ordered := make([]*domain.Track, len(tracks))
	copy(ordered, tracks)
	sort.SliceStable(ordered, func(i, j int) bool {
		fi, fj := fpScore(ordered[i]), fpScore(ordered[j])
		if fi != fj {
			return fi > fj
		}
		return trackingScore(ordered[i]) > trackingScore(ordered[j])
	})
	tag := domain.RecordingTag{Event: domain.TagTracksLimited, Confidence: 1}
	if err := api.TagRecording(ctx, rec, tag); err != nil {
		return nil, err
	}
	for _, dropped := range ordered[maxTracks:] {
		if err := api.ArchiveTrack(ctx, rec, dropped.ID); err != nil {
			return nil, err
		}
	}
	return ordered[:maxTracks], nil
}

func trackingMetadata(result *domain.ClassifyResult) map[string]any {
	additional := map[string]any{"algorithm": result.AlgorithmID}
	if result.TrackingTime != nil {
		additional["tracking_time"] = *result.TrackingTime
	}
	if result.ThumbnailRegion != nil {
		additional["thumbnail_region"] = result.ThumbnailRegion
	}
	return map[string]any{"additionalMetadata": additional}
}

func classifyMetadata(result *domain.ClassifyResult) map[string]any {
	metadata := trackingMetadata(result)
	models := map[string]any{}
	for _, m := range result.ModelsByID {
		if m.ClassifyTime != nil {
			models[m.Name] = map[string]any{"classify_time": *m.ClassifyTime}
		}
	}
	metadata["additionalMetadata"].(map[string]any)["models"] = models
	return metadata
}
