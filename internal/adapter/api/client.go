// Package api implements the authenticated HTTP client for the recording
// service. Each worker holds its own Client; sessions are never shared
// across workers.
package api

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cacophony-monitoring/processing/internal/domain"
	"github.com/cacophony-monitoring/processing/pkg/textx"
)

const (
	defaultTimeout  = 60 * time.Second
	downloadTimeout = 5 * time.Minute

	// tokenSafetyMargin is subtracted from the token's claimed expiry so we
	// re-authenticate before the server starts rejecting.
	tokenSafetyMargin = 30 * time.Second
)

// Client talks to the recording service. It re-authenticates once on a 401
// and surfaces every other non-2xx as a *domain.StatusError.
type Client struct {
	baseURL  string
	user     string
	password string
	hc       *http.Client

	token       string
	tokenExpiry time.Time
}

// New constructs a Client. No network traffic happens until the first call.
func New(baseURL, user, password string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		hc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// authenticate posts credentials and stores the bearer token. Transient
// transport failures are retried with exponential backoff; an auth rejection
// is permanent.
func (c *Client) authenticate(ctx context.Context) error {
	op := func() error {
		form := url.Values{}
		form.Set("email", c.user)
		form.Set("password", c.password)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/v1/users/authenticate", strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&domain.StatusError{
				Op: "api.authenticate", Status: resp.StatusCode, Body: snippet(body),
			})
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=api.authenticate: %w", err))
		}
		c.token = out.Token
		c.tokenExpiry = tokenExpiry(out.Token)
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(op, backoff.WithContext(expo, ctx))
}

// tokenExpiry decodes the exp claim without verifying the signature; the
// client only needs it to schedule re-authentication.
func tokenExpiry(token string) time.Time {
	raw := token
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[i+1:]
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time.Add(-tokenSafetyMargin)
}

func (c *Client) ensureAuth(ctx context.Context) error {
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return nil
	}
	return c.authenticate(ctx)
}

// do runs one authenticated request. On a 401 it re-authenticates once and
// retries; a second 401 surfaces. The build func is called per attempt so
// request bodies can be re-read.
func (c *Client) do(ctx context.Context, op string, timeout time.Duration, build func() (*http.Request, error)) (*http.Response, error) {
	if err := c.ensureAuth(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := c.attempt(ctx, build)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if err := c.authenticate(ctx); err != nil {
			cancel()
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		resp, err = c.attempt(ctx, build)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			_ = resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("op=%s: %w", op, domain.ErrAuthExpired)
		}
	}
	// The caller owns resp.Body; tie the timeout to body consumption.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", c.token)
	return c.hc.Do(req)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// doJSON runs a request expecting a 2xx JSON response decoded into out.
// out may be nil when the body is irrelevant.
func (c *Client) doJSON(ctx context.Context, op string, out any, build func() (*http.Request, error)) error {
	resp, err := c.do(ctx, op, defaultTimeout, build)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.StatusError{Op: op, Status: resp.StatusCode, Body: snippet(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=%s: decode response: %w", op, err)
	}
	return nil
}

func formRequest(method, rawURL string, form url.Values) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequest(method, rawURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}
}

// NextJob polls the processing queue. A 204 yields (nil, nil).
func (c *Client) NextJob(ctx context.Context, recordingType, state string) (*domain.Job, error) {
	const op = "api.NextJob"
	u := fmt.Sprintf("%s/api/v1/processing?type=%s&state=%s",
		c.baseURL, url.QueryEscape(recordingType), url.QueryEscape(state))
	resp, err := c.do(ctx, op, defaultTimeout, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.StatusError{Op: op, Status: resp.StatusCode, Body: snippet(body)}
	}
	var out struct {
		Recording *domain.Recording `json:"recording"`
		RawJWT    string            `json:"rawJWT"`
		JobKey    string            `json:"jobKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("op=%s: decode response: %w", op, err)
	}
	if out.Recording == nil {
		return nil, fmt.Errorf("op=%s: response missing recording", op)
	}
	return &domain.Job{Recording: out.Recording, RawJWT: out.RawJWT, JobKey: out.JobKey}, nil
}

// ReportDone reports successful completion with optional field updates.
func (c *Client) ReportDone(ctx context.Context, rec *domain.Recording, jobKey, newFileKey, newMIMEType string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if newMIMEType != "" {
		metadata["fileMimeType"] = newMIMEType
	}
	result, err := json.Marshal(map[string]any{"fieldUpdates": metadata})
	if err != nil {
		return fmt.Errorf("op=api.ReportDone: %w", err)
	}
	form := url.Values{}
	form.Set("id", strconv.FormatInt(rec.ID, 10))
	form.Set("jobKey", jobKey)
	form.Set("success", "true")
	form.Set("complete", "true")
	form.Set("result", string(result))
	if newFileKey != "" {
		form.Set("newProcessedFileKey", newFileKey)
	}
	return c.doJSON(ctx, "api.ReportDone", nil,
		formRequest(http.MethodPut, c.baseURL+"/api/v1/processing", form))
}

// ReportFailed reports that a job failed so the service can re-queue it.
func (c *Client) ReportFailed(ctx context.Context, recordingID int64, jobKey string) error {
	form := url.Values{}
	form.Set("id", strconv.FormatInt(recordingID, 10))
	form.Set("jobKey", jobKey)
	form.Set("success", "false")
	form.Set("complete", "false")
	return c.doJSON(ctx, "api.ReportFailed", nil,
		formRequest(http.MethodPut, c.baseURL+"/api/v1/processing", form))
}

// DownloadFile streams the raw artifact behind a signed URL to path.
func (c *Client) DownloadFile(ctx context.Context, rawJWT, path string) error {
	const op = "api.DownloadFile"
	u := c.baseURL + "/api/v1/signedUrl?jwt=" + url.QueryEscape(rawJWT)
	resp, err := c.do(ctx, op, downloadTimeout, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &domain.StatusError{Op: op, Status: resp.StatusCode, Body: snippet(body)}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return nil
}

// UploadFile uploads a processed artifact and returns its file key. The
// multipart data part carries the SHA-1 of the file body.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	const op = "api.UploadFile"
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	sum := sha1.Sum(raw)
	data, err := json.Marshal(map[string]string{"fileHash": hex.EncodeToString(sum[:])})
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}

	var out struct {
		FileKey string `json:"fileKey"`
	}
	err = c.doJSON(ctx, op, &out, func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("data", string(data)); err != nil {
			return nil, err
		}
		part, err := w.CreateFormFile("file", "file")
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/processing/processed", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}
	return out.FileKey, nil
}

// AddTrack posts a new track and returns the service-assigned id.
func (c *Client) AddTrack(ctx context.Context, rec *domain.Recording, track *domain.Track, algorithmID int64) (int64, error) {
	data, err := json.Marshal(track.PostData())
	if err != nil {
		return 0, fmt.Errorf("op=api.AddTrack: %w", err)
	}
	form := url.Values{}
	form.Set("data", string(data))
	form.Set("algorithmId", strconv.FormatInt(algorithmID, 10))
	var out struct {
		TrackID int64 `json:"trackId"`
	}
	u := fmt.Sprintf("%s/api/v1/processing/%d/tracks", c.baseURL, rec.ID)
	if err := c.doJSON(ctx, "api.AddTrack", &out, formRequest(http.MethodPost, u, form)); err != nil {
		return 0, err
	}
	return out.TrackID, nil
}

// UpdateTrack replaces the data of an existing track.
func (c *Client) UpdateTrack(ctx context.Context, rec *domain.Recording, track *domain.Track) error {
	data, err := json.Marshal(track.PostData())
	if err != nil {
		return fmt.Errorf("op=api.UpdateTrack: %w", err)
	}
	form := url.Values{}
	form.Set("data", string(data))
	u := fmt.Sprintf("%s/api/v1/processing/%d/tracks/%d", c.baseURL, rec.ID, track.ID)
	return c.doJSON(ctx, "api.UpdateTrack", nil, formRequest(http.MethodPost, u, form))
}

// ArchiveTrack marks a track archived.
func (c *Client) ArchiveTrack(ctx context.Context, rec *domain.Recording, trackID int64) error {
	u := fmt.Sprintf("%s/api/v1/processing/%d/tracks/%d/archive", c.baseURL, rec.ID, trackID)
	return c.doJSON(ctx, "api.ArchiveTrack", nil, formRequest(http.MethodPost, u, url.Values{}))
}

// AddTrackTag posts one tag for a track and returns the tag id.
func (c *Client) AddTrackTag(ctx context.Context, rec *domain.Recording, trackID int64, tag domain.TrackTagRequest) (int64, error) {
	data, err := json.Marshal(tag.Data)
	if err != nil {
		return 0, fmt.Errorf("op=api.AddTrackTag: %w", err)
	}
	form := url.Values{}
	form.Set("what", tag.What)
	form.Set("confidence", strconv.FormatFloat(tag.Confidence, 'f', -1, 64))
	form.Set("data", string(data))
	var out struct {
		TrackTagID int64 `json:"trackTagId"`
	}
	u := fmt.Sprintf("%s/api/v1/processing/%d/tracks/%d/tags", c.baseURL, rec.ID, trackID)
	if err := c.doJSON(ctx, "api.AddTrackTag", &out, formRequest(http.MethodPost, u, form)); err != nil {
		return 0, err
	}
	return out.TrackTagID, nil
}

// GetTrackInfo fetches the existing tracks of a recording, normalizing the
// service's start/end field names.
func (c *Client) GetTrackInfo(ctx context.Context, recordingID int64) ([]*domain.Track, error) {
	var out struct {
		Tracks []struct {
			ID        int64             `json:"id"`
			Start     float64           `json:"start"`
			End       float64           `json:"end"`
			Positions []domain.Position `json:"positions"`
			Tags      []struct {
				ID        int64  `json:"id"`
				What      string `json:"what"`
				Automatic bool   `json:"automatic"`
			} `json:"tags"`
		} `json:"tracks"`
	}
	u := fmt.Sprintf("%s/api/v1/recordings/%d/tracks", c.baseURL, recordingID)
	err := c.doJSON(ctx, "api.GetTrackInfo", &out, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	tracks := make([]*domain.Track, 0, len(out.Tracks))
	for _, t := range out.Tracks {
		track := &domain.Track{
			ID:        t.ID,
			StartS:    t.Start,
			EndS:      t.End,
			Positions: t.Positions,
		}
		for _, tag := range t.Tags {
			track.ExistingTags = append(track.ExistingTags, domain.ExistingTag{
				ID: tag.ID, What: tag.What, Automatic: tag.Automatic,
			})
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// GetAlgorithmID registers an algorithm descriptor and returns its id.
func (c *Client) GetAlgorithmID(ctx context.Context, algorithm json.RawMessage) (int64, error) {
	form := url.Values{}
	form.Set("algorithm", string(algorithm))
	var out struct {
		AlgorithmID int64 `json:"algorithmId"`
	}
	u := c.baseURL + "/api/v1/processing/algorithm"
	if err := c.doJSON(ctx, "api.GetAlgorithmID", &out, formRequest(http.MethodPost, u, form)); err != nil {
		return 0, err
	}
	return out.AlgorithmID, nil
}

// TagRecording attaches a whole-recording tag such as "multiple animals".
func (c *Client) TagRecording(ctx context.Context, rec *domain.Recording, tag domain.RecordingTag) error {
	payload := map[string]any{
		"automatic":  true,
		"confidence": tag.Confidence,
	}
	if tag.Event != "" {
		payload["event"] = tag.Event
	} else {
		// The service represents plain animal tags this way.
		payload["event"] = "just wandering about"
		payload["animal"] = tag.What
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=api.TagRecording: %w", err)
	}
	form := url.Values{}
	form.Set("tag", string(data))
	u := fmt.Sprintf("%s/api/v1/recordings/%d/tags", c.baseURL, rec.ID)
	return c.doJSON(ctx, "api.TagRecording", nil, formRequest(http.MethodPost, u, form))
}

// GetRatThreshold fetches the device's rodent mass-threshold grid at the
// recording's capture time. A missing grid yields (nil, nil).
func (c *Client) GetRatThreshold(ctx context.Context, deviceID int64, atTime string) (*domain.RatThreshold, error) {
	const op = "api.GetRatThreshold"
	u := fmt.Sprintf("%s/api/v1/processing/ratthresh/%d?at-time=%s",
		c.baseURL, deviceID, url.QueryEscape(atTime))
	resp, err := c.do(ctx, op, defaultTimeout, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.StatusError{Op: op, Status: resp.StatusCode, Body: snippet(body)}
	}
	var out struct {
		DeviceHistoryEntry struct {
			Settings struct {
				RatThresh *domain.RatThreshold `json:"ratThresh"`
			} `json:"settings"`
		} `json:"deviceHistoryEntry"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("op=%s: decode response: %w", op, err)
	}
	rt := out.DeviceHistoryEntry.Settings.RatThresh
	// A grid without a positive cell size cannot be applied; treat it as
	// absent rather than handing it to the tagger.
	if rt != nil && rt.GridSize <= 0 {
		return nil, nil
	}
	return rt, nil
}

func snippet(b []byte) string {
	return textx.Truncate(textx.SanitizeText(string(b)), 512)
}
