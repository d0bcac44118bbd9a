package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cacophony-monitoring/processing/internal/config"
	"github.com/cacophony-monitoring/processing/internal/domain"
)

// mockAPI is a testify mock of the recording service port.
type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) NextJob(ctx context.Context, recordingType, state string) (*domain.Job, error) {
	args := m.Called(ctx, recordingType, state)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func (m *mockAPI) ReportDone(ctx context.Context, rec *domain.Recording, jobKey, newFileKey, newMIMEType string, metadata map[string]any) error {
	return m.Called(ctx, rec, jobKey, newFileKey, newMIMEType, metadata).Error(0)
}

func (m *mockAPI) ReportFailed(ctx context.Context, recordingID int64, jobKey string) error {
	return m.Called(ctx, recordingID, jobKey).Error(0)
}

func (m *mockAPI) DownloadFile(ctx context.Context, rawJWT, path string) error {
	return m.Called(ctx, rawJWT, path).Error(0)
}

func (m *mockAPI) UploadFile(ctx context.Context, path string) (string, error) {
	args := m.Called(ctx, path)
	return args.String(0), args.Error(1)
}

func (m *mockAPI) AddTrack(ctx context.Context, rec *domain.Recording, track *domain.Track, algorithmID int64) (int64, error) {
	args := m.Called(ctx, rec, track, algorithmID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAPI) UpdateTrack(ctx context.Context, rec *domain.Recording, track *domain.Track) error {
	return m.Called(ctx, rec, track).Error(0)
}

func (m *mockAPI) ArchiveTrack(ctx context.Context, rec *domain.Recording, trackID int64) error {
	return m.Called(ctx, rec, trackID).Error(0)
}

func (m *mockAPI) AddTrackTag(ctx context.Context, rec *domain.Recording, trackID int64, tag domain.TrackTagRequest) (int64, error) {
	args := m.Called(ctx, rec, trackID, tag)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAPI) GetTrackInfo(ctx context.Context, recordingID int64) ([]*domain.Track, error) {
	args := m.Called(ctx, recordingID)
	tracks, _ := args.Get(0).([]*domain.Track)
	return tracks, args.Error(1)
}

func (m *mockAPI) GetAlgorithmID(ctx context.Context, algorithm json.RawMessage) (int64, error) {
	args := m.Called(ctx, algorithm)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockAPI) TagRecording(ctx context.Context, rec *domain.Recording, tag domain.RecordingTag) error {
	return m.Called(ctx, rec, tag).Error(0)
}

func (m *mockAPI) GetRatThreshold(ctx context.Context, deviceID int64, atTime string) (*domain.RatThreshold, error) {
	args := m.Called(ctx, deviceID, atTime)
	rt, _ := args.Get(0).(*domain.RatThreshold)
	return rt, args.Error(1)
}

var _ domain.API = (*mockAPI)(nil)

func fixedAPI(api domain.API) APIFactory {
	return func() (domain.API, error) { return api, nil }
}

// fakeRunner returns canned sidecar output and records every command.
type fakeRunner struct {
	sidecar  []byte
	runErr   error
	execFn   func(ctx context.Context, command string) error
	commands []string
}

func (r *fakeRunner) Run(_ context.Context, command, _ string) ([]byte, error) {
	r.commands = append(r.commands, command)
	if r.runErr != nil {
		return nil, r.runErr
	}
	return r.sidecar, nil
}

func (r *fakeRunner) Exec(ctx context.Context, command string) error {
	r.commands = append(r.commands, command)
	if r.execFn != nil {
		return r.execFn(ctx, command)
	}
	return nil
}

var _ domain.Runner = (*fakeRunner)(nil)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		TempDir: t.TempDir(),
		Thermal: config.Thermal{
			TrackCmd:                   "track {source} cache={cache} retrack={retrack}",
			ClassifyCmd:                "classify {source}",
			MasterTag:                  "Master",
			FalsePositiveMinConfidence: 0.7,
			MaxTracks:                  10,
			Tagging: config.Tagging{
				MinConfidence:          0.4,
				MinTagConfidence:       0.8,
				MaxTagNovelty:          0.7,
				MinTagClarity:          0.2,
				MinTagClaritySecondary: 0.05,
			},
		},
		Audio: config.Audio{
			AnalysisCommand: "analyse {folder}/{basename} tag={tag} tracks={analyse_tracks}",
			AnalysisTag:     "v1.2.0",
		},
		Trailcam: config.Trailcam{RunCmd: "{folder}|{outfile}"},
	}
}

func TestExtensionForMIME(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ".wav", extensionForMIME("audio/wav"))
	assert.Equal(t, ".3gpp", extensionForMIME("video/3gpp"))
	assert.Equal(t, ".flac", extensionForMIME("audio/x-flac"))
	assert.Equal(t, ".mp3", extensionForMIME("audio/mpeg"))
	assert.Empty(t, extensionForMIME("application/x-nonsense"))
}

func TestSidecarPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/tmp/job/recording.txt", sidecarPath("/tmp/job/recording.cptv"))
	assert.Equal(t, "/tmp/job/recording.txt", sidecarPath("/tmp/job/recording.mp4"))
}

func TestExpandCommand(t *testing.T) {
	t.Parallel()
	got := expandCommand("run {source} --cache={cache}", map[string]string{
		"source": "/tmp/a.cptv",
		"cache":  "true",
	})
	assert.Equal(t, "run /tmp/a.cptv --cache=true", got)
}

func TestTrackTagData(t *testing.T) {
	t.Parallel()
	classifyTime := 1.5
	p := &domain.Prediction{
		Tag:                 "possum",
		Label:               "possum",
		Clarity:             0.6,
		AllClassConfidences: map[string]float64{"possum": 0.9},
		ClassifyTime:        &classifyTime,
		Message:             "Low confidence - no tag",
	}
	data := trackTagData(p, "resnet", "original")
	assert.Equal(t, "resnet", data["name"])
	assert.Equal(t, "original", data["model_used"])
	assert.Equal(t, 1.5, data["classify_time"])
	assert.Equal(t, "Low confidence - no tag", data["message"])
	assert.Equal(t, "possum", data["raw_tag"])

	bare := trackTagData(&domain.Prediction{Tag: "cat"}, "Master", "")
	assert.NotContains(t, bare, "model_used")
	assert.NotContains(t, bare, "message")
	assert.NotContains(t, bare, "raw_tag")
	assert.NotContains(t, bare, "classify_time")
}

func TestDecodeClassifyResult(t *testing.T) {
	t.Parallel()
	raw := []byte(`{
		"algorithm": {"model_name": "inc3"},
		"tracking_time": 4.5,
		"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
		"tracks": [
			{"start_s": 0, "end_s": 3, "positions": [],
			 "predictions": [{"tag": "possum", "confidence": 0.9, "model_id": 1}]}
		]
	}`)
	result, algorithm, err := decodeClassifyResult(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model_name":"inc3"}`, string(algorithm))
	require.NotNil(t, result.TrackingTime)
	assert.Equal(t, 4.5, *result.TrackingTime)
	require.Len(t, result.Tracks, 1)
	assert.Equal(t, "original", result.Tracks[0].Predictions[0].ModelName)
	assert.Contains(t, result.ModelsByID, int64(1))
}

func TestDecodeClassifyResultMalformed(t *testing.T) {
	t.Parallel()
	_, _, err := decodeClassifyResult([]byte("not json"))
	assert.Error(t, err)
}

func TestWriteSidecarRoundTripsExtras(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rec := &domain.Recording{}
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": 5, "type": "audio", "processingState": "analyse",
		"comment": "cicadas", "cacophonyIndex": [1, 2]
	}`), rec))
	rec.Filename = dir + "/recording.mp3"

	path, err := writeSidecar(rec)
	require.NoError(t, err)
	assert.Equal(t, dir+"/recording.txt", path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var roundTrip map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &roundTrip))
	assert.JSONEq(t, `"cicadas"`, string(roundTrip["comment"]))
	assert.JSONEq(t, `[1,2]`, string(roundTrip["cacophonyIndex"]))
}
