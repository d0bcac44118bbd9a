// Package domain defines the core entities and ports for the processing
// worker host: recordings, tracks, model predictions, and the interfaces to
// the recording service and the classifier subprocess.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Recording types as reported by the recording service.
const (
	TypeThermalRaw    = "thermalRaw"
	TypeIRRaw         = "irRaw"
	TypeAudio         = "audio"
	TypeTrailcamImage = "trailcam-image"
)

// Processing states.
const (
	StateTracking  = "tracking"
	StateRetrack   = "retrack"
	StateAnalyse   = "analyse"
	StateReprocess = "reprocess"
	StateToMP3     = "toMp3"
	StateFinished  = "FINISHED"
)

// Well-known tags.
const (
	TagFalsePositive     = "false-positive"
	TagUnidentified      = "unidentified"
	TagMultipleAnimals   = "multiple animals"
	TagAllTracksFiltered = "all tracks filtered"
	TagTracksLimited     = "tracks limited"
	TagRodent            = "rodent"
	TagRat               = "rat"
	TagMouse             = "mouse"
)

// Recording is the worker's transient view of one unit of work. Known fields
// are typed; everything else the service sent is preserved verbatim in Extra
// so the sidecar file round-trips unknown fields to the classifier.
type Recording struct {
	ID                int64
	Type              string
	ProcessingState   string
	DeviceID          int64
	RecordingDateTime string
	Duration          float64
	RawMIMEType       string
	RawFileKey        string
	MetadataSource    string
	Location          json.RawMessage
	Extra             map[string]json.RawMessage

	// Filename is set by the handler once the raw artifact has been
	// downloaded; it is written into the sidecar for the classifier.
	Filename string
	// Tracks holds pre-existing track info for retrack/reprocess sidecars.
	Tracks []*Track
}

type recordingJSON struct {
	ID                int64           `json:"id"`
	Type              string          `json:"type"`
	ProcessingState   string          `json:"processingState"`
	DeviceID          int64           `json:"DeviceId"`
	RecordingDateTime string          `json:"recordingDateTime,omitempty"`
	Duration          float64         `json:"duration,omitempty"`
	RawMIMEType       string          `json:"rawMimeType,omitempty"`
	RawFileKey        string          `json:"rawFileKey,omitempty"`
	MetadataSource    string          `json:"metadataSource,omitempty"`
	Location          json.RawMessage `json:"location,omitempty"`
	Filename          string          `json:"filename,omitempty"`
	Tracks            []*Track        `json:"tracks,omitempty"`
}

var recordingKnownFields = map[string]bool{
	"id": true, "type": true, "processingState": true, "DeviceId": true,
	"recordingDateTime": true, "duration": true, "rawMimeType": true,
	"rawFileKey": true, "metadataSource": true, "location": true,
	"filename": true, "tracks": true,
}

// UnmarshalJSON decodes the known fields and stashes the rest in Extra.
func (r *Recording) UnmarshalJSON(data []byte) error {
	var known recordingJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	r.ID = known.ID
	r.Type = known.Type
	r.ProcessingState = known.ProcessingState
	r.DeviceID = known.DeviceID
	r.RecordingDateTime = known.RecordingDateTime
	r.Duration = known.Duration
	r.RawMIMEType = known.RawMIMEType
	r.RawFileKey = known.RawFileKey
	r.MetadataSource = known.MetadataSource
	r.Location = known.Location
	r.Filename = known.Filename
	r.Tracks = known.Tracks
	r.Extra = map[string]json.RawMessage{}
	for k, v := range all {
		if !recordingKnownFields[k] {
			r.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-emits the known fields plus the preserved extras.
func (r Recording) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(recordingJSON{
		ID:                r.ID,
		Type:              r.Type,
		ProcessingState:   r.ProcessingState,
		DeviceID:          r.DeviceID,
		RecordingDateTime: r.RecordingDateTime,
		Duration:          r.Duration,
		RawMIMEType:       r.RawMIMEType,
		RawFileKey:        r.RawFileKey,
		MetadataSource:    r.MetadataSource,
		Location:          r.Location,
		Filename:          r.Filename,
		Tracks:            r.Tracks,
	})
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Job is one dispatch of work handed out by the service.
type Job struct {
	Recording *Recording
	RawJWT    string
	JobKey    string
}

// Position is one bounding box of a track. Thermal trackers emit integral
// pixel coordinates; audio and trailcam pipelines emit normalized [0,1]
// rectangles, so the coordinates are floats.
type Position struct {
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Mass    float64  `json:"mass,omitempty"`
	Blank   bool     `json:"blank,omitempty"`
	Order   *int     `json:"order,omitempty"`
	Scale   string   `json:"scale,omitempty"`
	MinFreq *float64 `json:"minFreq,omitempty"`
	MaxFreq *float64 `json:"maxFreq,omitempty"`
}

// Track is a spatio-temporal segment of a recording.
type Track struct {
	ID            int64           `json:"id,omitempty"`
	StartS        float64         `json:"start_s"`
	EndS          float64         `json:"end_s"`
	Positions     []Position      `json:"positions"`
	TrackingScore *float64        `json:"tracking_score,omitempty"`
	Thumbnail     json.RawMessage `json:"thumbnail,omitempty"`
	Predictions   []*Prediction   `json:"predictions,omitempty"`

	// ExistingTags holds the tags already on the track when it was fetched
	// from the service; used by the audio pipelines to skip tracks that
	// already carry an automatic tag.
	ExistingTags []ExistingTag `json:"tags,omitempty"`

	// Master is the resolved canonical prediction; it is never serialized
	// with the track itself.
	Master *Prediction `json:"-"`
}

// ExistingTag is a tag already attached to a track on the service side.
type ExistingTag struct {
	ID        int64  `json:"id"`
	What      string `json:"what"`
	Automatic bool   `json:"automatic"`
}

// HasAutomaticTag reports whether any existing tag was machine generated.
func (t *Track) HasAutomaticTag() bool {
	for _, tag := range t.ExistingTags {
		if tag.Automatic {
			return true
		}
	}
	return false
}

// PostData is the track payload sent to the service when creating or
// updating a track.
func (t *Track) PostData() map[string]any {
	data := map[string]any{
		"positions": t.Positions,
		"start_s":   t.StartS,
		"end_s":     t.EndS,
	}
	if t.TrackingScore != nil {
		data["tracking_score"] = *t.TrackingScore
	}
	if t.ID != 0 {
		data["id"] = t.ID
	}
	if t.Thumbnail != nil {
		data["thumbnail"] = t.Thumbnail
	}
	return data
}

// MaxConfidence is the highest confidence over the track's predictions.
func (t *Track) MaxConfidence() float64 {
	best := 0.0
	for _, p := range t.Predictions {
		if p.Confidence > best {
			best = p.Confidence
		}
	}
	return best
}

// Prediction is one model's opinion about one track. An empty Tag means the
// model offered no tag at all (distinct from TagUnidentified).
type Prediction struct {
	Tag                 string             `json:"tag,omitempty"`
	Label               string             `json:"label,omitempty"`
	Confidence          float64            `json:"confidence"`
	Clarity             float64            `json:"clarity"`
	AverageNovelty      float64            `json:"average_novelty"`
	AllClassConfidences map[string]float64 `json:"all_class_confidences,omitempty"`
	Predictions         json.RawMessage    `json:"predictions,omitempty"`
	PredictionFrames    json.RawMessage    `json:"prediction_frames,omitempty"`
	ClassifyTime        *float64           `json:"classify_time,omitempty"`
	ModelID             int64              `json:"model_id"`
	ModelName           string             `json:"-"`
	Message             string             `json:"message,omitempty"`
	RatThreshVersion    *int               `json:"-"`
}

// ModelConfig is a static per-classifier descriptor reported by the
// subprocess alongside its results. TagScores must contain a "default" key.
type ModelConfig struct {
	ID           int64              `json:"id"`
	Name         string             `json:"name"`
	ModelFile    string             `json:"model_file"`
	Wallaby      bool               `json:"wallaby"`
	Submodel     bool               `json:"submodel"`
	Reclassify   map[string]int64   `json:"reclassify,omitempty"`
	IgnoredTags  []string           `json:"ignored_tags,omitempty"`
	TagScores    map[string]float64 `json:"tag_scores"`
	ClassifyTime *float64           `json:"classify_time,omitempty"`
}

// Ignores reports whether tag is in the model's ignored set.
func (m ModelConfig) Ignores(tag string) bool {
	for _, t := range m.IgnoredTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Rank returns the model's score for a tag, falling back to the mandatory
// "default" entry when no tag-specific score exists. The second return is
// false when neither exists.
func (m ModelConfig) Rank(tag string) (float64, bool) {
	if s, ok := m.TagScores[tag]; ok {
		return s, true
	}
	s, ok := m.TagScores["default"]
	return s, ok
}

// ClassifyResult is the parsed output of one tracker/classifier invocation.
type ClassifyResult struct {
	AlgorithmID     int64
	TrackingTime    *float64
	ThumbnailRegion json.RawMessage
	ModelsByID      map[int64]ModelConfig
	Tracks          []*Track
}

// RatThreshold is a device-local grid of mass thresholds used to split
// "rodent" into rat or mouse. A nil cell means no data for that cell.
type RatThreshold struct {
	GridSize   int          `json:"gridSize"`
	Version    int          `json:"version"`
	Thresholds [][]*float64 `json:"thresholds"`
}

// TrackTagRequest carries one track tag to the service.
type TrackTagRequest struct {
	What       string
	Confidence float64
	Data       map[string]any
}

// RecordingTag is a whole-recording annotation such as "multiple animals".
type RecordingTag struct {
	Event      string
	What       string
	Confidence float64
}

// API is the port to the recording service. Implementations hold their own
// authenticated session; a session is never shared across workers.
type API interface {
	NextJob(ctx context.Context, recordingType, state string) (*Job, error)
	ReportDone(ctx context.Context, rec *Recording, jobKey, newFileKey, newMIMEType string, metadata map[string]any) error
	ReportFailed(ctx context.Context, recordingID int64, jobKey string) error
	DownloadFile(ctx context.Context, rawJWT, path string) error
	UploadFile(ctx context.Context, path string) (string, error)
	AddTrack(ctx context.Context, rec *Recording, track *Track, algorithmID int64) (int64, error)
	UpdateTrack(ctx context.Context, rec *Recording, track *Track) error
	ArchiveTrack(ctx context.Context, rec *Recording, trackID int64) error
	AddTrackTag(ctx context.Context, rec *Recording, trackID int64, tag TrackTagRequest) (int64, error)
	GetTrackInfo(ctx context.Context, recordingID int64) ([]*Track, error)
	GetAlgorithmID(ctx context.Context, algorithm json.RawMessage) (int64, error)
	TagRecording(ctx context.Context, rec *Recording, tag RecordingTag) error
	GetRatThreshold(ctx context.Context, deviceID int64, atTime string) (*RatThreshold, error)
}

// Runner executes the classifier subprocess and returns the raw sidecar
// JSON. Exec runs a command that produces only file side effects, such as an
// ffmpeg re-encode.
type Runner interface {
	Run(ctx context.Context, command, sidecarPath string) ([]byte, error)
	Exec(ctx context.Context, command string) error
}

// Clock abstracts time for the dispatcher and processors.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }
