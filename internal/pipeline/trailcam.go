package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/internal/observability"
)

// Trailcam handles trail camera still images: it runs the detector command
// and posts one track per detection with a Master tag.
type Trailcam struct {
	Conf   *config.Config
	NewAPI APIFactory
	Runner domain.Runner
}

// NewTrailcam builds the trail camera pipeline handler.
func NewTrailcam(conf *config.Config, newAPI APIFactory, runner domain.Runner) *Trailcam {
	return &Trailcam{Conf: conf, NewAPI: newAPI, Runner: runner}
}

type trailcamOutput struct {
	Images              []trailcamImage   `json:"images"`
	DetectionCategories map[string]string `json:"detection_categories"`
	Info                struct {
		DetectorMetadata json.RawMessage `json:"detector_metadata"`
	} `json:"info"`
}

type trailcamImage struct {
	Detections []trailcamDetection `json:"detections"`
}

type trailcamDetection struct {
	Category string     `json:"category"`
	Conf     float64    `json:"conf"`
	BBox     [4]float64 `json:"bbox"`
}

// position converts the detector's top-left-origin normalized bbox to the
// service's bottom-left origin.
func (d trailcamDetection) position() domain.Position {
	top := d.BBox[1]
	height := d.BBox[3]
	return domain.Position{
		X:      d.BBox[0],
		Y:      1 - (top + height),
		Width:  d.BBox[2],
		Height: height,
	}
}

// Analyse runs the detector over one trail camera image.
func (t *Trailcam) Analyse(ctx context.Context, job *domain.Job) error {
	ctx, span := tracer.Start(ctx, "pipeline.trailcam.analyse")
	defer span.End()

	rec := job.Recording
	logger := observability.WorkerLogger("trail.analysis", rec.ID)
	api, err := t.NewAPI()
	if err != nil {
		return err
	}

	ext := extensionForMIME(rec.RawMIMEType)
	if ext == "" {
		logger.Error("not processing",
			slog.Any("error", domain.ErrUnsupportedMIME),
			slog.String("mime_type", rec.RawMIMEType))
		return api.ReportDone(ctx, rec, job.JobKey, rec.RawFileKey, rec.RawMIMEType, nil)
	}

	dir, cleanup, err := makeTempDir(t.Conf.TempDir)
	if err != nil {
		return err
	}
	defer cleanup()

	input := filepath.Join(dir, fmt.Sprintf("%s-%d%s", downloadBasename, rec.ID, ext))
	logger.Debug("downloading trail image", slog.String("file", input))
	if err := api.DownloadFile(ctx, job.RawJWT, input); err != nil {
		return err
	}

	outfile := strings.TrimSuffix(input, ext) + ".json"
	command := expandCommand(t.Conf.Trailcam.RunCmd, map[string]string{
		"folder":   dir,
		"basename": filepath.Base(input),
		"outfile":  filepath.Base(outfile),
	})
	logger.Info("running detector", slog.String("command", command))
	if err := t.Runner.Exec(ctx, command); err != nil {
		return err
	}
	raw, err := os.ReadFile(outfile)
	if err != nil {
		return fmt.Errorf("op=trailcam.Analyse: read detector output: %w", err)
	}
	var out trailcamOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return &domain.MalformedOutputError{Path: outfile, Err: err}
	}
	if len(out.Images) == 0 {
		return fmt.Errorf("op=trailcam.Analyse: detector reported no images")
	}

	algorithm, err := json.Marshal(map[string]json.RawMessage{"algorithm": out.Info.DetectorMetadata})
	if err != nil {
		return err
	}
	algorithmID, err := api.GetAlgorithmID(ctx, algorithm)
	if err != nil {
		return err
	}

	for _, detection := range out.Images[0].Detections {
		track := &domain.Track{Positions: []domain.Position{detection.position()}}
		trackID, err := api.AddTrack(ctx, rec, track, algorithmID)
		if err != nil {
			return err
		}
		tag := domain.TrackTagRequest{
			What:       out.DetectionCategories[detection.Category],
			Confidence: detection.Conf,
			Data:       map[string]any{"name": "Master"},
		}
		if _, err := api.AddTrackTag(ctx, rec, trackID, tag); err != nil {
			return err
		}
	}

	if err := api.ReportDone(ctx, rec, job.JobKey, "", "", nil); err != nil {
		return err
	}
	logger.Info("finished trail analysis")
	return nil
}
