// Package report exports processed notes to an xlsx workbook for offline
// review.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/krdn/voice-recognition/internal/storage"
)

const sheetName = "Notes"

var header = []string{"ID", "Title", "Status", "Language", "Created", "Transcript Chars", "Summary", "Topics", "Keywords", "Action Items"}

// Store is the read-only slice of the database the exporter needs.
type Store interface {
	ListNotes() ([]storage.Note, error)
	GetTranscript(noteID string) (storage.Transcript, error)
	GetAnalysis(noteID string) (storage.Analysis, error)
}

type Exporter struct {
	store  Store
	logger *slog.Logger
}

func NewExporter(store Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, logger: logger}
}

// Export writes every note, with its analysis when one exists, to path.
// Notes that have not finished analysis get empty analysis columns.
func (e *Exporter) Export(path string) (int, error) {
	notes, err := e.store.ListNotes()
	if err != nil {
		return 0, fmt.Errorf("listing notes: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return 0, fmt.Errorf("naming sheet: %w", err)
	}
	for col, name := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, name); err != nil {
			return 0, fmt.Errorf("writing header: %w", err)
		}
	}

	for i, n := range notes {
		row := []interface{}{
			n.ID,
			n.Title,
			n.Status,
			n.Language,
			n.CreatedAt.Format("2006-01-02 15:04:05"),
			"", "", "", "", "",
		}

		tr, err := e.store.GetTranscript(n.ID)
		switch {
		case err == nil:
			row[5] = len([]rune(tr.FullText))
		case errors.Is(err, storage.ErrNotFound):
			// not transcribed yet
		default:
			return 0, fmt.Errorf("loading transcript for %s: %w", n.ID, err)
		}

		a, err := e.store.GetAnalysis(n.ID)
		switch {
		case err == nil:
			if a.Summary != nil {
				row[6] = *a.Summary
			}
			row[7] = joinJSONList(a.TopicsJSON)
			row[8] = joinJSONList(a.KeywordsJSON)
			row[9] = joinActionItems(a.ActionItemsJSON)
		case errors.Is(err, storage.ErrNotFound):
			// note not analyzed yet, leave the columns empty
		default:
			return 0, fmt.Errorf("loading analysis for %s: %w", n.ID, err)
		}

		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return 0, fmt.Errorf("writing row for %s: %w", n.ID, err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("saving workbook: %w", err)
	}
	e.logger.Info("report exported", "path", path, "notes", len(notes))
	return len(notes), nil
}

// joinJSONList renders a JSON string array as a comma separated cell value.
// Malformed JSON is kept verbatim so nothing is silently dropped.
func joinJSONList(raw string) string {
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return raw
	}
	return strings.Join(items, ", ")
}

func joinActionItems(raw string) string {
	var items []struct {
		Text     string  `json:"text"`
		Assignee *string `json:"assignee"`
	}
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return raw
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Assignee != nil && *it.Assignee != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", it.Text, *it.Assignee))
		} else {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "; ")
}
