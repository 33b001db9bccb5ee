package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/krdn/voice-recognition/internal/status"
	"github.com/krdn/voice-recognition/internal/storage"
)

type scriptedSub struct {
	msgs   []*status.Message
	closed chan struct{}
}

func (s *scriptedSub) Receive(time.Duration) (*status.Message, error) {
	if len(s.msgs) == 0 {
		return nil, nil
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func (s *scriptedSub) Close() error {
	close(s.closed)
	return nil
}

type fakeNotes struct {
	note       storage.Note
	transcript *storage.Transcript
	analysis   *storage.Analysis
}

func (f *fakeNotes) GetNote(id string) (storage.Note, error) {
	if id != f.note.ID {
		return storage.Note{}, storage.ErrNotFound
	}
	return f.note, nil
}

func (f *fakeNotes) GetTranscript(noteID string) (storage.Transcript, error) {
	if f.transcript == nil {
		return storage.Transcript{}, storage.ErrNotFound
	}
	return *f.transcript, nil
}

func (f *fakeNotes) GetAnalysis(noteID string) (storage.Analysis, error) {
	if f.analysis == nil {
		return storage.Analysis{}, storage.ErrNotFound
	}
	return *f.analysis, nil
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", path, err)
	}
	return conn
}

func TestStatusWSForwardsUntilTerminal(t *testing.T) {
	sub := &scriptedSub{
		msgs: []*status.Message{
			nil, // one empty poll before events arrive
			{NoteID: "n1", Status: status.STT, Progress: 10},
			{NoteID: "n1", Status: status.STTDone, Progress: 50},
			{NoteID: "n1", Status: status.Completed, Progress: 100},
		},
		closed: make(chan struct{}),
	}
	srv := httptest.NewServer(NewHandler(Deps{
		Subscribe:      func(string) (Subscription, error) { return sub, nil },
		Notes:          &fakeNotes{},
		ReceiveTimeout: 10 * time.Millisecond,
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/notes/n1/status")
	defer conn.Close()

	want := []status.Message{
		{NoteID: "n1", Status: status.STT, Progress: 10},
		{NoteID: "n1", Status: status.STTDone, Progress: 50},
		{NoteID: "n1", Status: status.Completed, Progress: 100},
	}
	var got []status.Message
	for range want {
		var m status.Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("reading status message: %v", err)
		}
		got = append(got, m)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("forwarded messages mismatch (-want +got):\n%s", diff)
	}

	// Terminal status ends the stream and releases the subscription.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to close after terminal status")
	}
	select {
	case <-sub.closed:
	case <-time.After(time.Second):
		t.Error("subscription was not closed")
	}
}

func TestStatusWSClientDisconnect(t *testing.T) {
	sub := &scriptedSub{closed: make(chan struct{})}
	srv := httptest.NewServer(NewHandler(Deps{
		Subscribe:      func(string) (Subscription, error) { return sub, nil },
		Notes:          &fakeNotes{},
		ReceiveTimeout: 10 * time.Millisecond,
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/notes/n1/status")
	conn.Close()

	select {
	case <-sub.closed:
	case <-time.After(2 * time.Second):
		t.Error("subscription was not closed after client disconnect")
	}
}

func TestGetNoteFull(t *testing.T) {
	summary := "short recap"
	notes := &fakeNotes{
		note: storage.Note{ID: "n1", Title: "standup", AudioPath: "/data/a.wav", Language: "ko", Status: "completed"},
		transcript: &storage.Transcript{
			NoteID:       "n1",
			SegmentsJSON: `[{"speaker":"SPEAKER_00","start":0,"end":1.5,"text":"hello"}]`,
			FullText:     "hello",
		},
		analysis: &storage.Analysis{
			NoteID:          "n1",
			Summary:         &summary,
			TopicsJSON:      `["standup"]`,
			KeywordsJSON:    `["hello"]`,
			ActionItemsJSON: `[]`,
		},
	}
	srv := httptest.NewServer(NewHandler(Deps{Notes: notes}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/notes/n1")
	if err != nil {
		t.Fatalf("GET /notes/n1: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Language   string `json:"language"`
		Transcript *struct {
			FullText string `json:"full_text"`
		} `json:"transcript"`
		Analysis *struct {
			Summary *string `json:"summary"`
		} `json:"analysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.ID != "n1" || body.Status != "completed" || body.Language != "ko" {
		t.Errorf("note fields = %+v", body)
	}
	if body.Transcript == nil || body.Transcript.FullText != "hello" {
		t.Errorf("transcript = %+v", body.Transcript)
	}
	if body.Analysis == nil || body.Analysis.Summary == nil || *body.Analysis.Summary != summary {
		t.Errorf("analysis = %+v", body.Analysis)
	}
}

func TestGetNotePending(t *testing.T) {
	notes := &fakeNotes{note: storage.Note{ID: "n1", Status: "processing"}}
	srv := httptest.NewServer(NewHandler(Deps{Notes: notes}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/notes/n1")
	if err != nil {
		t.Fatalf("GET /notes/n1: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := body["transcript"]; ok {
		t.Error("pending note should not carry a transcript")
	}
	if _, ok := body["analysis"]; ok {
		t.Error("pending note should not carry an analysis")
	}
}

func TestGetNoteNotFound(t *testing.T) {
	srv := httptest.NewServer(NewHandler(Deps{Notes: &fakeNotes{note: storage.Note{ID: "other"}}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/notes/missing")
	if err != nil {
		t.Fatalf("GET /notes/missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
