// Package pipeline is the state machine that drives one job from dequeue to
// a terminal state: transcription, persistence hand-off, analysis,
// finalization, with a status event published at each step.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/krdn/voice-recognition/internal/analysis"
	"github.com/krdn/voice-recognition/internal/queue"
	"github.com/krdn/voice-recognition/internal/status"
	"github.com/krdn/voice-recognition/internal/storage"
	"github.com/krdn/voice-recognition/internal/stt"
)

// Progress estimates published with each state transition.
const (
	progressSTT           = 10
	progressSTTDone       = 50
	progressAnalyzing     = 70
	progressAnalyzingDone = 90
	progressCompleted     = 100
	progressFailed        = 0
)

// Transcriber is the resource-managed transcription stage.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (stt.Result, error)
}

// Analyzer is the analysis stage. It degrades instead of failing.
type Analyzer interface {
	Analyze(ctx context.Context, fullText, language string) analysis.Result
}

// Store is the slice of the durable store the orchestrator writes.
type Store interface {
	UpdateNoteStatus(id, st string) error
	SetNoteLanguage(id, language, st string) error
	SaveTranscript(t storage.Transcript) error
	SaveAnalysis(a storage.Analysis) error
}

// Publisher emits transient status events. Publish errors never fail a job.
type Publisher interface {
	Publish(noteID string, st status.Status, progress int) error
}

// Orchestrator runs jobs to a terminal state. It is the sole writer of the
// note's status, transcript, and analysis while a job is in flight.
type Orchestrator struct {
	transcriber Transcriber
	analyzer    Analyzer
	store       Store
	publisher   Publisher
	logger      *slog.Logger
}

func NewOrchestrator(t Transcriber, a Analyzer, s Store, p Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		transcriber: t,
		analyzer:    a,
		store:       s,
		publisher:   p,
		logger:      logger,
	}
}

// Process runs one job synchronously to a terminal state. Any stage or
// persistence error moves the job straight to failed with no retry;
// already-committed partial results (a transcript before a later failure)
// stay durable. Durable checkpoints commit before their status event is
// published, so a subscriber never observes "done" before the data is
// queryable.
func (o *Orchestrator) Process(ctx context.Context, job queue.Job) error {
	log := o.logger.With("note_id", job.NoteID)
	log.Info("job started", "audio", job.AudioPath)

	if err := o.store.UpdateNoteStatus(job.NoteID, string(status.Processing)); err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("marking note processing: %w", err))
	}

	o.publish(log, job.NoteID, status.STT, progressSTT)
	transcript, err := o.transcriber.Transcribe(ctx, job.AudioPath)
	if err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("transcription stage: %w", err))
	}

	segJSON, err := json.Marshal(transcript.Segments)
	if err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("encoding segments: %w", err))
	}
	if err := o.store.SaveTranscript(storage.Transcript{
		NoteID:       job.NoteID,
		SegmentsJSON: string(segJSON),
		FullText:     transcript.FullText,
	}); err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("persisting transcript: %w", err))
	}
	if err := o.store.SetNoteLanguage(job.NoteID, transcript.Language, string(status.Analyzing)); err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("recording language: %w", err))
	}
	o.publish(log, job.NoteID, status.STTDone, progressSTTDone)

	o.publish(log, job.NoteID, status.Analyzing, progressAnalyzing)
	result := o.analyzer.Analyze(ctx, transcript.FullText, transcript.Language)

	topicsJSON, _ := json.Marshal(result.Topics)
	keywordsJSON, _ := json.Marshal(result.Keywords)
	itemsJSON, _ := json.Marshal(result.ActionItems)
	if err := o.store.SaveAnalysis(storage.Analysis{
		NoteID:          job.NoteID,
		Summary:         result.Summary,
		TopicsJSON:      string(topicsJSON),
		KeywordsJSON:    string(keywordsJSON),
		ActionItemsJSON: string(itemsJSON),
	}); err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("persisting analysis: %w", err))
	}
	o.publish(log, job.NoteID, status.AnalyzingDone, progressAnalyzingDone)

	// Best-effort completion: an empty (degraded) analysis still completes
	// the job; the transcript is the primary value.
	if err := o.store.UpdateNoteStatus(job.NoteID, string(status.Completed)); err != nil {
		return o.fail(log, job.NoteID, fmt.Errorf("marking note completed: %w", err))
	}
	o.publish(log, job.NoteID, status.Completed, progressCompleted)

	log.Info("job completed", "language", transcript.Language, "segments", len(transcript.Segments))
	return nil
}

// fail writes the terminal failed status best-effort and publishes the
// terminal event. Partial results already committed are not rolled back.
func (o *Orchestrator) fail(log *slog.Logger, noteID string, cause error) error {
	log.Error("job failed", "error", cause)

	if err := o.store.UpdateNoteStatus(noteID, string(status.Failed)); err != nil {
		log.Error("writing failed status", "error", err)
	}
	o.publish(log, noteID, status.Failed, progressFailed)
	return cause
}

func (o *Orchestrator) publish(log *slog.Logger, noteID string, st status.Status, progress int) {
	if err := o.publisher.Publish(noteID, st, progress); err != nil {
		log.Warn("publishing status event", "status", st, "error", err)
	}
}
