// Package stt drives an audio file through the transcription engine's three
// sub-phases (recognition, alignment, diarization) while keeping at most one
// model resident in accelerator memory at a time.
package stt

import (
	"context"
	"log/slog"
	"math"
	"strings"
)

// DefaultSpeaker labels segments when diarization did not run or did not
// attribute a speaker.
const DefaultSpeaker = "SPEAKER_00"

// Segment is a time-bounded, speaker-attributed span of transcribed text.
type Segment struct {
	Speaker    string   `json:"speaker"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// Result is the output of a completed transcription stage. Zero segments is
// a valid result, not an error.
type Result struct {
	Segments []Segment `json:"segments"`
	FullText string    `json:"full_text"`
	Language string    `json:"language"`
}

// RawSegment is a draft segment as emitted by the engine, before
// normalization.
type RawSegment struct {
	Speaker string   `json:"speaker,omitempty"`
	Start   float64  `json:"start"`
	End     float64  `json:"end"`
	Text    string   `json:"text"`
	Score   *float64 `json:"score,omitempty"`
}

// Recognition is the output of the speech-recognition sub-phase.
type Recognition struct {
	Language string       `json:"language"`
	Segments []RawSegment `json:"segments"`
}

// Engine is the black-box transcription service. Each Load call makes one
// phase's model resident in accelerator memory; the returned handle's Close
// releases it. Release frees anything still resident and is safe to call
// when nothing is.
type Engine interface {
	LoadRecognizer(ctx context.Context) (Recognizer, error)
	LoadAligner(ctx context.Context, language string) (Aligner, error)
	LoadDiarizer(ctx context.Context) (Diarizer, error)
	Release() error
}

// Recognizer runs speech recognition on raw audio.
type Recognizer interface {
	Recognize(ctx context.Context, audioPath string) (Recognition, error)
	Close() error
}

// Aligner produces word-level timings for draft segments.
type Aligner interface {
	Align(ctx context.Context, audioPath string, segments []RawSegment) ([]RawSegment, error)
	Close() error
}

// Diarizer assigns speaker labels to segments.
type Diarizer interface {
	Assign(ctx context.Context, audioPath string, segments []RawSegment) ([]RawSegment, error)
	Close() error
}

// Stage sequences the sub-phases with a load, use, release discipline: each
// phase handle is closed on every exit path of its scope, and Release runs
// once more unconditionally when the stage exits.
type Stage struct {
	engine  Engine
	diarize bool
	logger  *slog.Logger
}

// NewStage builds a Stage. diarize should be false when no diarization
// credential is configured; the sub-phase is then skipped entirely.
func NewStage(engine Engine, diarize bool, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{engine: engine, diarize: diarize, logger: logger}
}

// Transcribe runs the full stage on one audio file.
func (s *Stage) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	// Final sweep for anything a failed phase left resident.
	defer func() {
		if err := s.engine.Release(); err != nil {
			s.logger.Warn("releasing engine resources", "error", err)
		}
	}()

	rec, err := s.recognize(ctx, audioPath)
	if err != nil {
		return Result{}, err
	}
	s.logger.Info("speech recognition done",
		"audio", audioPath, "language", rec.Language, "segments", len(rec.Segments))

	segments := rec.Segments
	if len(segments) > 0 {
		segments, err = s.align(ctx, audioPath, rec.Language, segments)
		if err != nil {
			return Result{}, err
		}

		if s.diarize {
			segments, err = s.assignSpeakers(ctx, audioPath, segments)
			if err != nil {
				return Result{}, err
			}
		}
	}

	return normalize(segments, rec.Language), nil
}

func (s *Stage) recognize(ctx context.Context, audioPath string) (Recognition, error) {
	rec, err := s.engine.LoadRecognizer(ctx)
	if err != nil {
		return Recognition{}, err
	}
	defer s.closePhase("recognizer", rec)
	return rec.Recognize(ctx, audioPath)
}

func (s *Stage) align(ctx context.Context, audioPath, language string, segments []RawSegment) ([]RawSegment, error) {
	al, err := s.engine.LoadAligner(ctx, language)
	if err != nil {
		return nil, err
	}
	defer s.closePhase("aligner", al)
	return al.Align(ctx, audioPath, segments)
}

func (s *Stage) assignSpeakers(ctx context.Context, audioPath string, segments []RawSegment) ([]RawSegment, error) {
	di, err := s.engine.LoadDiarizer(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closePhase("diarizer", di)
	return di.Assign(ctx, audioPath, segments)
}

func (s *Stage) closePhase(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		s.logger.Warn("releasing phase model", "phase", name, "error", err)
	}
}

// normalize applies the output contract: default speaker label, timestamps
// rounded to 2 decimals, confidence to 3, trimmed text, and full text joined
// with single spaces in segment order.
func normalize(raw []RawSegment, language string) Result {
	segments := make([]Segment, 0, len(raw))
	texts := make([]string, 0, len(raw))

	for _, rs := range raw {
		speaker := rs.Speaker
		if speaker == "" {
			speaker = DefaultSpeaker
		}
		text := strings.TrimSpace(rs.Text)

		seg := Segment{
			Speaker: speaker,
			Start:   round(rs.Start, 2),
			End:     round(rs.End, 2),
			Text:    text,
		}
		if rs.Score != nil {
			conf := round(*rs.Score, 3)
			seg.Confidence = &conf
		}

		segments = append(segments, seg)
		texts = append(texts, text)
	}

	return Result{
		Segments: segments,
		FullText: strings.Join(texts, " "),
		Language: language,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
