package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WhisperXConfig configures a WhisperXEngine.
type WhisperXConfig struct {
	// BaseURL of the WhisperX runner sidecar.
	BaseURL string
	// Model name passed to the recognizer load (e.g. "medium").
	Model       string
	Device      string
	ComputeType string
	BatchSize   int
	// HFToken is forwarded to the diarizer load.
	HFToken string
}

// WhisperXEngine implements Engine against the WhisperX runner HTTP API:
//
//	POST   /models/{recognizer|aligner|diarizer}   load one model
//	DELETE /models/{recognizer|aligner|diarizer}   unload it
//	POST   /recognize | /align | /diarize          run the resident model
//	POST   /release                                free everything resident
//
// Model load and unload calls are retried with exponential backoff since
// they are cheap to repeat; run calls are issued exactly once.
type WhisperXEngine struct {
	cfg        WhisperXConfig
	httpClient *http.Client
}

func NewWhisperXEngine(cfg WhisperXConfig) *WhisperXEngine {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhisperXEngine{
		cfg:        cfg,
		httpClient: &http.Client{},
	}
}

func (e *WhisperXEngine) LoadRecognizer(ctx context.Context) (Recognizer, error) {
	err := e.loadModel(ctx, "recognizer", map[string]any{
		"model":        e.cfg.Model,
		"device":       e.cfg.Device,
		"compute_type": e.cfg.ComputeType,
		"batch_size":   e.cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("loading recognizer: %w", err)
	}
	return &wxRecognizer{engine: e}, nil
}

func (e *WhisperXEngine) LoadAligner(ctx context.Context, language string) (Aligner, error) {
	err := e.loadModel(ctx, "aligner", map[string]any{
		"language": language,
		"device":   e.cfg.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("loading aligner: %w", err)
	}
	return &wxAligner{engine: e, language: language}, nil
}

func (e *WhisperXEngine) LoadDiarizer(ctx context.Context) (Diarizer, error) {
	err := e.loadModel(ctx, "diarizer", map[string]any{
		"hf_token": e.cfg.HFToken,
		"device":   e.cfg.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("loading diarizer: %w", err)
	}
	return &wxDiarizer{engine: e}, nil
}

// Release frees whatever the runner still holds in accelerator memory.
func (e *WhisperXEngine) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.postRetry(ctx, "/release", nil, nil)
}

func (e *WhisperXEngine) loadModel(ctx context.Context, phase string, opts map[string]any) error {
	return e.postRetry(ctx, "/models/"+phase, opts, nil)
}

func (e *WhisperXEngine) unloadModel(phase string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bo := backoff.WithContext(newBackoff(), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.cfg.BaseURL+"/models/"+phase, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return e.checkResponse(req)
	}, bo)
}

// postRetry POSTs JSON with bounded retries on transport errors and 5xx.
func (e *WhisperXEngine) postRetry(ctx context.Context, path string, in, out any) error {
	bo := backoff.WithContext(newBackoff(), ctx)
	return backoff.Retry(func() error {
		return e.post(ctx, path, in, out)
	}, bo)
}

// post POSTs JSON exactly once. 5xx responses come back as retryable
// errors, 4xx as permanent ones.
func (e *WhisperXEngine) post(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encoding request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: server error %d", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: decoding response: %w", path, err))
		}
	}
	return nil
}

func (e *WhisperXEngine) checkResponse(req *http.Request) error {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: server error %d", req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return backoff.Permanent(fmt.Errorf("%s: status %d", req.URL.Path, resp.StatusCode))
	}
	return nil
}

func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return bo
}

type wxRecognizer struct {
	engine *WhisperXEngine
}

func (r *wxRecognizer) Recognize(ctx context.Context, audioPath string) (Recognition, error) {
	var out Recognition
	err := r.engine.post(ctx, "/recognize", map[string]any{"audio_path": audioPath}, &out)
	if err != nil {
		return Recognition{}, fmt.Errorf("recognizing %s: %w", audioPath, unwrapPermanent(err))
	}
	return out, nil
}

func (r *wxRecognizer) Close() error {
	return r.engine.unloadModel("recognizer")
}

type wxAligner struct {
	engine   *WhisperXEngine
	language string
}

func (a *wxAligner) Align(ctx context.Context, audioPath string, segments []RawSegment) ([]RawSegment, error) {
	var out struct {
		Segments []RawSegment `json:"segments"`
	}
	err := a.engine.post(ctx, "/align", map[string]any{
		"audio_path": audioPath,
		"language":   a.language,
		"segments":   segments,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("aligning %s: %w", audioPath, unwrapPermanent(err))
	}
	return out.Segments, nil
}

func (a *wxAligner) Close() error {
	return a.engine.unloadModel("aligner")
}

type wxDiarizer struct {
	engine *WhisperXEngine
}

func (d *wxDiarizer) Assign(ctx context.Context, audioPath string, segments []RawSegment) ([]RawSegment, error) {
	var out struct {
		Segments []RawSegment `json:"segments"`
	}
	err := d.engine.post(ctx, "/diarize", map[string]any{
		"audio_path": audioPath,
		"segments":   segments,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("diarizing %s: %w", audioPath, unwrapPermanent(err))
	}
	return out.Segments, nil
}

func (d *wxDiarizer) Close() error {
	return d.engine.unloadModel("diarizer")
}

// unwrapPermanent strips the backoff marker so callers see the cause.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
