package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Note is the owning record for one uploaded audio file. The pipeline only
// writes its status and language columns; everything else belongs to the
// API layer.
type Note struct {
	ID        string
	Title     string
	AudioPath string
	Language  string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transcript is the insert-once transcription result for a note. Segments
// are stored as a JSON array in a text column.
type Transcript struct {
	ID           string
	NoteID       string
	SegmentsJSON string
	FullText     string
	CreatedAt    time.Time
}

// Analysis is the insert-once analysis result for a note. A degraded run is
// stored with a NULL summary and empty JSON arrays rather than being absent.
type Analysis struct {
	ID              string
	NoteID          string
	Summary         *string
	TopicsJSON      string
	KeywordsJSON    string
	ActionItemsJSON string
	CreatedAt       time.Time
}
