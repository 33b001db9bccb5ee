// Package bridge relays a job's status events to live WebSocket clients and
// exposes the read-only endpoint clients use to fetch final state.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/krdn/voice-recognition/internal/status"
	"github.com/krdn/voice-recognition/internal/storage"
)

// Subscription is one job's status feed.
type Subscription interface {
	Receive(timeout time.Duration) (*status.Message, error)
	Close() error
}

// SubscribeFunc opens a subscription on a job's status channel.
type SubscribeFunc func(noteID string) (Subscription, error)

// NoteReader is the read-only slice of the store the bridge serves.
type NoteReader interface {
	GetNote(id string) (storage.Note, error)
	GetTranscript(noteID string) (storage.Transcript, error)
	GetAnalysis(noteID string) (storage.Analysis, error)
}

type Deps struct {
	Subscribe SubscribeFunc
	Notes     NoteReader
	// ReceiveTimeout bounds each poll of the subscription; a disconnected
	// client is noticed within roughly this interval.
	ReceiveTimeout time.Duration
	Logger         *slog.Logger
}

var upgrader = websocket.Upgrader{
	// The bridge sits behind the API gateway; origin policy is enforced there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewHandler builds the bridge router.
func NewHandler(deps Deps) http.Handler {
	if deps.ReceiveTimeout <= 0 {
		deps.ReceiveTimeout = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/ws/notes/{noteID}/status", handleStatusWS(deps))
	r.Get("/notes/{noteID}", handleGetNote(deps))
	return r
}

// handleStatusWS forwards status events to the client until the job reaches
// a terminal state or the client goes away. There is no replay: a client
// connecting after completion sees no events and should query final state.
func handleStatusWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		noteID := chi.URLParam(r, "noteID")
		log := deps.Logger.With("note_id", noteID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub, err := deps.Subscribe(noteID)
		if err != nil {
			log.Error("subscribing to status channel", "error", err)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
			return
		}
		defer sub.Close()

		// Clients never send data; the read pump exists to notice closes.
		disconnected := make(chan struct{})
		go func() {
			defer close(disconnected)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-disconnected:
				return
			default:
			}

			msg, err := sub.Receive(deps.ReceiveTimeout)
			if err != nil {
				log.Warn("receiving status event", "error", err)
				return
			}
			if msg == nil {
				continue
			}

			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if msg.Status.Terminal() {
				return
			}
		}
	}
}

type noteResponse struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	AudioPath  string          `json:"audio_path"`
	Language   string          `json:"language,omitempty"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Transcript *transcriptBody `json:"transcript,omitempty"`
	Analysis   *analysisBody   `json:"analysis,omitempty"`
}

type transcriptBody struct {
	Segments json.RawMessage `json:"segments"`
	FullText string          `json:"full_text"`
}

type analysisBody struct {
	Summary     *string         `json:"summary"`
	Topics      json.RawMessage `json:"topics"`
	Keywords    json.RawMessage `json:"keywords"`
	ActionItems json.RawMessage `json:"action_items"`
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		noteID := chi.URLParam(r, "noteID")

		note, err := deps.Notes.GetNote(noteID)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "note not found", http.StatusNotFound)
			return
		}
		if err != nil {
			deps.Logger.Error("loading note", "note_id", noteID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := noteResponse{
			ID:        note.ID,
			Title:     note.Title,
			AudioPath: note.AudioPath,
			Language:  note.Language,
			Status:    note.Status,
			CreatedAt: note.CreatedAt,
			UpdatedAt: note.UpdatedAt,
		}

		if t, err := deps.Notes.GetTranscript(noteID); err == nil {
			resp.Transcript = &transcriptBody{
				Segments: json.RawMessage(t.SegmentsJSON),
				FullText: t.FullText,
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			deps.Logger.Error("loading transcript", "note_id", noteID, "error", err)
		}

		if a, err := deps.Notes.GetAnalysis(noteID); err == nil {
			resp.Analysis = &analysisBody{
				Summary:     a.Summary,
				Topics:      json.RawMessage(a.TopicsJSON),
				Keywords:    json.RawMessage(a.KeywordsJSON),
				ActionItems: json.RawMessage(a.ActionItemsJSON),
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			deps.Logger.Error("loading analysis", "note_id", noteID, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
