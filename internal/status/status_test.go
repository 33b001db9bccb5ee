package status

import (
	"encoding/json"
	"testing"
)

func TestChannelFor(t *testing.T) {
	if got := ChannelFor("n1"); got != "voice:status:n1" {
		t.Errorf("ChannelFor(n1) = %q, want voice:status:n1", got)
	}
}

// TestMessageWireFormat pins the event JSON consumed by bridge clients.
func TestMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(Message{NoteID: "n1", Status: STTDone, Progress: 50})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"note_id":"n1","status":"stt_done","progress":50}`
	if string(data) != want {
		t.Errorf("wire format = %s, want %s", data, want)
	}
}

func TestTerminal(t *testing.T) {
	terminal := []Status{Completed, Failed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	active := []Status{Queued, Processing, STT, STTDone, Analyzing, AnalyzingDone}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}
