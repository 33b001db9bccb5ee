package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// runnerStub is a minimal in-memory WhisperX runner.
type runnerStub struct {
	mu       sync.Mutex
	requests []string

	recognizeStatus int
	recognition     Recognition
}

func (s *runnerStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()

		switch r.URL.Path {
		case "/recognize":
			if s.recognizeStatus != 0 {
				w.WriteHeader(s.recognizeStatus)
				return
			}
			json.NewEncoder(w).Encode(s.recognition)
		case "/align", "/diarize":
			var in struct {
				Segments []RawSegment `json:"segments"`
			}
			json.NewDecoder(r.Body).Decode(&in)
			json.NewEncoder(w).Encode(map[string]any{"segments": in.Segments})
		default:
			// model load/unload and release endpoints
			w.WriteHeader(http.StatusOK)
		}
	})
}

func newTestEngine(t *testing.T, stub *runnerStub) *WhisperXEngine {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewWhisperXEngine(WhisperXConfig{
		BaseURL:     srv.URL,
		Model:       "medium",
		Device:      "cuda",
		ComputeType: "float16",
		BatchSize:   8,
	})
}

func TestWhisperXRecognizeFlow(t *testing.T) {
	stub := &runnerStub{
		recognition: Recognition{
			Language: "en",
			Segments: []RawSegment{{Start: 0, End: 2.5, Text: "hello"}},
		},
	}
	engine := newTestEngine(t, stub)

	rec, err := engine.LoadRecognizer(context.Background())
	if err != nil {
		t.Fatalf("LoadRecognizer: %v", err)
	}
	out, err := rec.Recognize(context.Background(), "/tmp/a.wav")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if out.Language != "en" || len(out.Segments) != 1 || out.Segments[0].Text != "hello" {
		t.Errorf("recognition = %+v", out)
	}

	want := []string{
		"POST /models/recognizer",
		"POST /recognize",
		"DELETE /models/recognizer",
	}
	if len(stub.requests) != len(want) {
		t.Fatalf("requests = %v, want %v", stub.requests, want)
	}
	for i := range want {
		if stub.requests[i] != want[i] {
			t.Errorf("request[%d] = %q, want %q", i, stub.requests[i], want[i])
		}
	}
}

// TestWhisperXLoadRetries checks that a transient 500 on model load is
// retried, while run calls surface the failure directly.
func TestWhisperXLoadRetries(t *testing.T) {
	var loads int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models/recognizer" {
			loads++
			if loads == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := NewWhisperXEngine(WhisperXConfig{BaseURL: srv.URL})
	if _, err := engine.LoadRecognizer(context.Background()); err != nil {
		t.Fatalf("LoadRecognizer: %v", err)
	}
	if loads != 2 {
		t.Errorf("load attempts = %d, want 2", loads)
	}
}

func TestWhisperXRecognizeServerError(t *testing.T) {
	stub := &runnerStub{recognizeStatus: http.StatusInternalServerError}
	engine := newTestEngine(t, stub)

	rec, err := engine.LoadRecognizer(context.Background())
	if err != nil {
		t.Fatalf("LoadRecognizer: %v", err)
	}
	defer rec.Close()

	if _, err := rec.Recognize(context.Background(), "/tmp/a.wav"); err == nil {
		t.Fatal("expected error from failing recognize")
	}

	// The run call must not have been retried.
	var recognizes int
	for _, r := range stub.requests {
		if r == "POST /recognize" {
			recognizes++
		}
	}
	if recognizes != 1 {
		t.Errorf("recognize attempts = %d, want 1", recognizes)
	}
}
