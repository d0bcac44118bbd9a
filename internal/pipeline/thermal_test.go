package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cacophony-monitoring/processing/internal/domain"
)

func thermalJob(state string) *domain.Job {
	return &domain.Job{
		Recording: &domain.Recording{
			ID:              1,
			Type:            domain.TypeThermalRaw,
			ProcessingState: state,
			DeviceID:        7,
			Duration:        10,
		},
		RawJWT: "dl-jwt",
		JobKey: "key-1",
	}
}

const trackingSidecar = `{
	"algorithm": {"tracker_version": 10},
	"tracking_time": 2.5,
	"tracks": [
		{"start_s": 0, "end_s": 3, "positions": [{"x": 1, "y": 2, "width": 3, "height": 4}]},
		{"start_s": 5, "end_s": 8, "positions": [{"x": 9, "y": 2, "width": 3, "height": 4}]}
	]
}`

func TestTrackAddsNewTracks(t *testing.T) {
	t.Parallel()
	api := &mockAPI{}
	api.On("DownloadFile", mock.Anything, "dl-jwt", mock.Anything).Return(nil)
	api.On("GetAlgorithmID", mock.Anything, mock.Anything).Return(int64(3), nil)
	api.On("AddTrack", mock.Anything, mock.Anything, mock.Anything, int64(3)).Return(int64(20), nil)
	api.On("ReportDone", mock.Anything, mock.Anything, "key-1", "", "",
		mock.MatchedBy(func(md map[string]any) bool {
			additional, ok := md["additionalMetadata"].(map[string]any)
			return ok && additional["algorithm"] == int64(3) && additional["tracking_time"] == 2.5
		})).Return(nil)

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(trackingSidecar)})
	require.NoError(t, pipe.Track(context.Background(), thermalJob(domain.StateTracking)))
	api.AssertNumberOfCalls(t, "AddTrack", 2)
	api.AssertNotCalled(t, "GetTrackInfo", mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestTrackRetrackUpdatesAndArchives(t *testing.T) {
	t.Parallel()
	// One surviving track and one the tracker dropped.
	sidecar := `{
		"algorithm": {"tracker_version": 10},
		"tracks": [
			{"id": 20, "start_s": 0, "end_s": 3, "positions": [{"x": 1, "y": 2, "width": 3, "height": 4}]},
			{"id": 21, "start_s": 5, "end_s": 8, "positions": []}
		]
	}`
	api := &mockAPI{}
	api.On("DownloadFile", mock.Anything, "dl-jwt", mock.Anything).Return(nil)
	api.On("GetTrackInfo", mock.Anything, int64(1)).Return([]*domain.Track{{ID: 20}, {ID: 21}}, nil)
	api.On("GetAlgorithmID", mock.Anything, mock.Anything).Return(int64(3), nil)
	api.On("UpdateTrack", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tr *domain.Track) bool { return tr.ID == 20 })).Return(nil)
	api.On("ArchiveTrack", mock.Anything, mock.Anything, int64(21)).Return(nil)
	api.On("ReportDone", mock.Anything, mock.Anything, "key-1", "", "", mock.Anything).Return(nil)

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(sidecar)})
	require.NoError(t, pipe.Track(context.Background(), thermalJob(domain.StateRetrack)))
	api.AssertNotCalled(t, "AddTrack", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestTrackUsesIRExtension(t *testing.T) {
	t.Parallel()
	api := &mockAPI{}
	api.On("DownloadFile", mock.Anything, "dl-jwt",
		mock.MatchedBy(func(path string) bool { return path[len(path)-4:] == ".mp4" })).Return(nil)
	api.On("GetAlgorithmID", mock.Anything, mock.Anything).Return(int64(3), nil)
	api.On("AddTrack", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	api.On("ReportDone", mock.Anything, mock.Anything, mock.Anything, "", "", mock.Anything).Return(nil)

	job := thermalJob(domain.StateTracking)
	job.Recording.Type = domain.TypeIRRaw
	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(trackingSidecar)})
	require.NoError(t, pipe.Track(context.Background(), job))
	api.AssertExpectations(t)
}

const classifySidecar = `{
	"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
	"tracks": [
		{"id": 10, "start_s": 0, "end_s": 8, "tracking_score": 7, "positions": [],
		 "predictions": [{"tag": "possum", "label": "possum", "confidence": 0.95,
		                  "clarity": 0.6, "average_novelty": 0.2, "model_id": 1}]},
		{"id": 11, "start_s": 2, "end_s": 6, "tracking_score": 3, "positions": [],
		 "predictions": [{"tag": "cat", "label": "cat", "confidence": 0.9,
		                  "clarity": 0.5, "average_novelty": 0.1, "model_id": 1}]}
	]
}`

func classifyAPI() *mockAPI {
	api := &mockAPI{}
	api.On("DownloadFile", mock.Anything, "dl-jwt", mock.Anything).Return(nil)
	api.On("GetTrackInfo", mock.Anything, int64(1)).Return([]*domain.Track{}, nil)
	api.On("GetRatThreshold", mock.Anything, int64(7), mock.Anything).Return(nil, nil)
	api.On("AddTrackTag", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	api.On("ReportDone", mock.Anything, mock.Anything, "key-1", "", "", mock.Anything).Return(nil)
	return api
}

func TestClassifyTagsOverlappingAnimals(t *testing.T) {
	t.Parallel()
	api := classifyAPI()
	api.On("TagRecording", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tag domain.RecordingTag) bool {
			return tag.Event == domain.TagMultipleAnimals && tag.Confidence == 0.9
		})).Return(nil)

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(classifySidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))

	// One model tag plus one master tag per track.
	api.AssertNumberOfCalls(t, "AddTrackTag", 4)
	api.AssertNotCalled(t, "ArchiveTrack", mock.Anything, mock.Anything, mock.Anything)
	api.AssertExpectations(t)
}

func TestClassifyMasterTagPayload(t *testing.T) {
	t.Parallel()
	api := classifyAPI()
	api.On("TagRecording", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(classifySidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))

	var masters []domain.TrackTagRequest
	for _, call := range api.Calls {
		if call.Method != "AddTrackTag" {
			continue
		}
		tag := call.Arguments.Get(3).(domain.TrackTagRequest)
		if tag.Data["name"] == "Master" {
			masters = append(masters, tag)
		}
	}
	require.Len(t, masters, 2)
	assert.Equal(t, "possum", masters[0].What)
	assert.Equal(t, "original", masters[0].Data["model_used"])
}

func TestClassifyDemotesLowConfidence(t *testing.T) {
	t.Parallel()
	sidecar := `{
		"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
		"tracks": [
			{"id": 10, "start_s": 0, "end_s": 8, "positions": [],
			 "predictions": [{"tag": "cat", "label": "cat", "confidence": 0.5,
			                  "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]}
		]
	}`
	api := classifyAPI()

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(sidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))

	for _, call := range api.Calls {
		if call.Method != "AddTrackTag" {
			continue
		}
		tag := call.Arguments.Get(3).(domain.TrackTagRequest)
		assert.Equal(t, domain.TagUnidentified, tag.What)
		if tag.Data["name"] != "Master" {
			assert.Equal(t, "Low confidence - no tag", tag.Data["message"])
			assert.Equal(t, "cat", tag.Data["raw_tag"])
		}
	}
	api.AssertNotCalled(t, "TagRecording", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassifyFiltersAllFalsePositives(t *testing.T) {
	t.Parallel()
	sidecar := `{
		"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
		"tracks": [
			{"id": 10, "start_s": 0, "end_s": 3, "positions": [],
			 "predictions": [{"tag": "false-positive", "label": "false-positive",
			                  "confidence": 0.95, "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]},
			{"id": 11, "start_s": 4, "end_s": 8, "positions": [],
			 "predictions": [{"tag": "false-positive", "label": "false-positive",
			                  "confidence": 0.9, "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]}
		]
	}`
	api := classifyAPI()
	api.On("ArchiveTrack", mock.Anything, mock.Anything, int64(10)).Return(nil)
	api.On("ArchiveTrack", mock.Anything, mock.Anything, int64(11)).Return(nil)
	// The tag carries the weakest false-positive confidence.
	api.On("TagRecording", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tag domain.RecordingTag) bool {
			return tag.Event == domain.TagAllTracksFiltered && tag.Confidence == 0.9
		})).Return(nil)

	conf := testConfig(t)
	conf.Thermal.FilterFalsePositive = true
	pipe := NewThermal(conf, fixedAPI(api), &fakeRunner{sidecar: []byte(sidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))
	api.AssertExpectations(t)
}

func TestClassifyCapsTracks(t *testing.T) {
	t.Parallel()
	sidecar := `{
		"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
		"tracks": [
			{"id": 10, "start_s": 0, "end_s": 2, "tracking_score": 7, "positions": [],
			 "predictions": [{"tag": "possum", "label": "possum", "confidence": 0.95,
			                  "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]},
			{"id": 11, "start_s": 5, "end_s": 9, "tracking_score": 3, "positions": [],
			 "predictions": [{"tag": "cat", "label": "cat", "confidence": 0.9,
			                  "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]}
		]
	}`
	api := classifyAPI()
	api.On("TagRecording", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tag domain.RecordingTag) bool {
			return tag.Event == domain.TagTracksLimited && tag.Confidence == 1
		})).Return(nil)
	api.On("ArchiveTrack", mock.Anything, mock.Anything, int64(11)).Return(nil)

	conf := testConfig(t)
	conf.Thermal.MaxTracks = 1
	pipe := NewThermal(conf, fixedAPI(api), &fakeRunner{sidecar: []byte(sidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))
	api.AssertNumberOfCalls(t, "ArchiveTrack", 1)
	api.AssertExpectations(t)
}

func TestClassifyRecalculatesThumbnailsForPIMetadata(t *testing.T) {
	t.Parallel()
	api := classifyAPI()
	api.On("TagRecording", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	api.On("UpdateTrack", mock.Anything, mock.Anything,
		mock.MatchedBy(func(tr *domain.Track) bool { return tr.ID == 10 || tr.ID == 11 })).Return(nil)

	job := thermalJob(domain.StateAnalyse)
	job.Recording.MetadataSource = "PI"
	runner := &fakeRunner{sidecar: []byte(classifySidecar)}
	pipe := NewThermal(testConfig(t), fixedAPI(api), runner)
	require.NoError(t, pipe.Classify(context.Background(), job))

	require.Len(t, runner.commands, 1)
	assert.Contains(t, runner.commands[0], "--calculate-thumbnails")
	api.AssertNumberOfCalls(t, "UpdateTrack", 2)
	api.AssertExpectations(t)
}

func TestClassifySkipsThumbnailsWithoutPIMetadata(t *testing.T) {
	t.Parallel()
	api := classifyAPI()
	api.On("TagRecording", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	runner := &fakeRunner{sidecar: []byte(classifySidecar)}
	pipe := NewThermal(testConfig(t), fixedAPI(api), runner)
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))

	require.Len(t, runner.commands, 1)
	assert.NotContains(t, runner.commands[0], "--calculate-thumbnails")
	api.AssertNotCalled(t, "UpdateTrack", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassifySplitsRodent(t *testing.T) {
	t.Parallel()
	sidecar := `{
		"models": [{"id": 1, "name": "original", "tag_scores": {"default": 1}}],
		"tracks": [
			{"id": 10, "start_s": 0, "end_s": 3,
			 "positions": [{"x": 10, "y": 10, "width": 5, "height": 5, "mass": 50}],
			 "predictions": [{"tag": "rodent", "label": "rodent", "confidence": 0.95,
			                  "clarity": 0.6, "average_novelty": 0.1, "model_id": 1}]}
		]
	}`
	heavy := 20.0
	rt := &domain.RatThreshold{
		GridSize: 20,
		Version:  3,
		Thresholds: [][]*float64{
			{&heavy}, // cell (0,0): anything over 20 grams is a rat
		},
	}
	api := &mockAPI{}
	api.On("DownloadFile", mock.Anything, "dl-jwt", mock.Anything).Return(nil)
	api.On("GetTrackInfo", mock.Anything, int64(1)).Return([]*domain.Track{}, nil)
	api.On("GetRatThreshold", mock.Anything, int64(7), mock.Anything).Return(rt, nil)
	api.On("AddTrackTag", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)
	api.On("ReportDone", mock.Anything, mock.Anything, "key-1", "", "", mock.Anything).Return(nil)

	pipe := NewThermal(testConfig(t), fixedAPI(api), &fakeRunner{sidecar: []byte(sidecar)})
	require.NoError(t, pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse)))

	var master *domain.TrackTagRequest
	for _, call := range api.Calls {
		if call.Method != "AddTrackTag" {
			continue
		}
		tag := call.Arguments.Get(3).(domain.TrackTagRequest)
		if tag.Data["name"] == "Master" {
			master = &tag
		}
	}
	require.NotNil(t, master)
	assert.Equal(t, domain.TagRat, master.What)
	assert.Equal(t, 3, master.Data["rat_thresh_version"])
}

func TestClassifySubprocessErrorSurfaces(t *testing.T) {
	t.Parallel()
	api := classifyAPI()
	runner := &fakeRunner{runErr: &domain.SubprocessError{ExitCode: 2, Stderr: "boom"}}
	pipe := NewThermal(testConfig(t), fixedAPI(api), runner)
	err := pipe.Classify(context.Background(), thermalJob(domain.StateAnalyse))
	var spErr *domain.SubprocessError
	require.ErrorAs(t, err, &spErr)
	api.AssertNotCalled(t, "ReportDone",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
