package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Whisper  WhisperConfig
	Ollama   OllamaConfig
	Analysis AnalysisConfig
	Worker   WorkerConfig
	Bridge   BridgeConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

type StorageConfig struct {
	DataDir string
}

type WhisperConfig struct {
	// EngineURL is the base URL of the WhisperX runner sidecar.
	EngineURL   string
	Model       string
	Device      string
	ComputeType string
	BatchSize   int
	// HFToken enables speaker diarization when set. Placeholder tokens
	// from an unedited .env ("hf_your...") count as unset.
	HFToken string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type AnalysisConfig struct {
	MaxChars int
	Timeout  time.Duration
}

type WorkerConfig struct {
	Count          int
	DequeueTimeout time.Duration
}

type BridgeConfig struct {
	// ReceiveTimeout bounds each subscription poll; it is also the upper
	// bound on how long a client disconnect goes unnoticed.
	ReceiveTimeout time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8090,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Whisper: WhisperConfig{
			EngineURL:   "http://localhost:9090",
			Model:       "medium",
			Device:      "cuda",
			ComputeType: "float16",
			BatchSize:   8,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Analysis: AnalysisConfig{
			MaxChars: 6000,
			Timeout:  120 * time.Second,
		},
		Worker: WorkerConfig{
			Count:          1,
			DequeueTimeout: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			ReceiveTimeout: time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional .env file in the working
// directory, then applies VOICE_* environment overrides on top of defaults.
func Load() (Config, error) {
	// Missing .env is fine; the environment alone may be complete.
	_ = godotenv.Load()
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	setString(getenv, "VOICE_REDIS_ADDR", &cfg.Redis.Addr)
	setString(getenv, "VOICE_REDIS_PASSWORD", &cfg.Redis.Password)
	setString(getenv, "VOICE_DATA_DIR", &cfg.Storage.DataDir)
	setString(getenv, "VOICE_WHISPER_ENGINE_URL", &cfg.Whisper.EngineURL)
	setString(getenv, "VOICE_WHISPER_MODEL", &cfg.Whisper.Model)
	setString(getenv, "VOICE_WHISPER_DEVICE", &cfg.Whisper.Device)
	setString(getenv, "VOICE_WHISPER_COMPUTE_TYPE", &cfg.Whisper.ComputeType)
	setString(getenv, "VOICE_HF_TOKEN", &cfg.Whisper.HFToken)
	setString(getenv, "VOICE_OLLAMA_URL", &cfg.Ollama.BaseURL)
	setString(getenv, "VOICE_OLLAMA_MODEL", &cfg.Ollama.Model)
	setString(getenv, "VOICE_LOG_LEVEL", &cfg.Log.Level)

	if err := setInt(getenv, "VOICE_SERVER_PORT", &cfg.Server.Port); err != nil {
		return Config{}, err
	}
	if err := setInt(getenv, "VOICE_REDIS_DB", &cfg.Redis.DB); err != nil {
		return Config{}, err
	}
	if err := setInt(getenv, "VOICE_WHISPER_BATCH_SIZE", &cfg.Whisper.BatchSize); err != nil {
		return Config{}, err
	}
	if err := setInt(getenv, "VOICE_ANALYSIS_MAX_CHARS", &cfg.Analysis.MaxChars); err != nil {
		return Config{}, err
	}
	if err := setInt(getenv, "VOICE_WORKER_COUNT", &cfg.Worker.Count); err != nil {
		return Config{}, err
	}
	if err := setDuration(getenv, "VOICE_ANALYSIS_TIMEOUT", &cfg.Analysis.Timeout); err != nil {
		return Config{}, err
	}
	if err := setDuration(getenv, "VOICE_DEQUEUE_TIMEOUT", &cfg.Worker.DequeueTimeout); err != nil {
		return Config{}, err
	}
	if err := setDuration(getenv, "VOICE_BRIDGE_RECEIVE_TIMEOUT", &cfg.Bridge.ReceiveTimeout); err != nil {
		return Config{}, err
	}

	if cfg.Worker.Count < 1 {
		return Config{}, fmt.Errorf("VOICE_WORKER_COUNT must be at least 1, got %d", cfg.Worker.Count)
	}

	// An unedited .env ships a "hf_your..." placeholder; treat it as no token.
	if strings.HasPrefix(cfg.Whisper.HFToken, "hf_your") {
		cfg.Whisper.HFToken = ""
	}

	return cfg, nil
}

// DiarizationEnabled reports whether a diarization credential is configured.
func (c WhisperConfig) DiarizationEnabled() bool {
	return c.HFToken != ""
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}
