package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krdn/voice-recognition/internal/analysis"
	"github.com/krdn/voice-recognition/internal/bridge"
	"github.com/krdn/voice-recognition/internal/config"
	"github.com/krdn/voice-recognition/internal/ollama"
	"github.com/krdn/voice-recognition/internal/pipeline"
	"github.com/krdn/voice-recognition/internal/queue"
	"github.com/krdn/voice-recognition/internal/report"
	"github.com/krdn/voice-recognition/internal/status"
	"github.com/krdn/voice-recognition/internal/storage"
	"github.com/krdn/voice-recognition/internal/stt"
	"github.com/krdn/voice-recognition/internal/worker"
)

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the audio processing worker pool (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	fmt.Fprintf(os.Stderr, "voiced version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Connecting to Redis at %s...", cfg.Redis.Addr)
	rc, err := queue.Connect(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rc.Close()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Degraded analysis is acceptable, so an unreachable Ollama only warns.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if !ollamaClient.IsRunning(ctx) {
		printWarning("Ollama is not reachable at %s; analysis will be degraded", cfg.Ollama.BaseURL)
	} else if !ollamaClient.HasModel(ctx, cfg.Ollama.Model) {
		printWarning("model %s is not available; analysis will be degraded", cfg.Ollama.Model)
	}

	engine := stt.NewWhisperXEngine(stt.WhisperXConfig{
		BaseURL:     cfg.Whisper.EngineURL,
		Model:       cfg.Whisper.Model,
		Device:      cfg.Whisper.Device,
		ComputeType: cfg.Whisper.ComputeType,
		BatchSize:   cfg.Whisper.BatchSize,
		HFToken:     cfg.Whisper.HFToken,
	})
	if !cfg.Whisper.DiarizationEnabled() {
		slog.Info("speaker diarization disabled, no HuggingFace token configured")
	}

	stage := stt.NewStage(engine, cfg.Whisper.DiarizationEnabled(), slog.Default())
	analyzer := analysis.NewAnalyzer(ollamaClient, cfg.Ollama.Model,
		cfg.Analysis.MaxChars, cfg.Analysis.Timeout, slog.Default())
	orchestrator := pipeline.NewOrchestrator(stage, analyzer, store,
		status.NewPublisher(rc), slog.Default())

	w := worker.New(queue.New(rc), orchestrator, cfg.Worker.DequeueTimeout, slog.Default())
	slog.Info("worker pool started", "workers", cfg.Worker.Count, "queue", queue.Key)
	worker.RunPool(ctx, w, cfg.Worker.Count)

	fmt.Fprintln(os.Stderr, "shutting down...")
	return nil
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status bridge and read-only note API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	fmt.Fprintf(os.Stderr, "voiced version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := queue.Connect(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rc.Close()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	subscriber := status.NewSubscriber(rc)
	handler := bridge.NewHandler(bridge.Deps{
		Subscribe: func(noteID string) (bridge.Subscription, error) {
			return subscriber.Subscribe(noteID)
		},
		Notes:          store,
		ReceiveTimeout: cfg.Bridge.ReceiveTimeout,
		Logger:         slog.Default(),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "voiced listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Create a note for an audio file and queue it for processing",
	Long: `Create a note for an audio file and queue it for processing.

Examples:
  voiced enqueue --audio ./standup.wav --title "Monday standup"
  voiced enqueue --audio /data/uploads/memo.m4a`,
	RunE: func(cmd *cobra.Command, args []string) error {
		audio, _ := cmd.Flags().GetString("audio")
		title, _ := cmd.Flags().GetString("title")

		if audio == "" {
			return fmt.Errorf("--audio is required")
		}
		if _, err := os.Stat(audio); err != nil {
			return fmt.Errorf("audio file: %w", err)
		}
		if title == "" {
			title = audio
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		note, err := store.CreateNote(storage.Note{Title: title, AudioPath: audio})
		if err != nil {
			return fmt.Errorf("creating note: %w", err)
		}

		rc, err := queue.Connect(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Password)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rc.Close()

		if err := queue.New(rc).Enqueue(queue.Job{NoteID: note.ID, AudioPath: audio}); err != nil {
			return fmt.Errorf("enqueuing job: %w", err)
		}

		printSuccess("Queued note %s", note.ID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("audio", "", "path to the audio file")
	enqueueCmd.Flags().String("title", "", "title for the note (default: audio path)")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export notes and analyses to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := report.NewExporter(store, slog.Default()).Export(output)
		if err != nil {
			return err
		}

		printSuccess("Exported %d notes to %s", n, output)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("output", "notes.xlsx", "output file path")
}
