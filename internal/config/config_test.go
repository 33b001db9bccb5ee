package config

import (
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(envMap(nil))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want localhost:6379", cfg.Redis.Addr)
	}
	if cfg.Analysis.MaxChars != 6000 {
		t.Errorf("Analysis.MaxChars = %d, want 6000", cfg.Analysis.MaxChars)
	}
	if cfg.Worker.DequeueTimeout != 5*time.Second {
		t.Errorf("Worker.DequeueTimeout = %v, want 5s", cfg.Worker.DequeueTimeout)
	}
	if cfg.Bridge.ReceiveTimeout != time.Second {
		t.Errorf("Bridge.ReceiveTimeout = %v, want 1s", cfg.Bridge.ReceiveTimeout)
	}
	if cfg.Whisper.DiarizationEnabled() {
		t.Error("diarization enabled without a token")
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"VOICE_REDIS_ADDR":             "redis.internal:6382",
		"VOICE_REDIS_DB":               "2",
		"VOICE_WORKER_COUNT":           "3",
		"VOICE_HF_TOKEN":               "hf_abc123",
		"VOICE_BRIDGE_RECEIVE_TIMEOUT": "250ms",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Redis.Addr != "redis.internal:6382" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Redis.DB)
	}
	if cfg.Worker.Count != 3 {
		t.Errorf("Worker.Count = %d, want 3", cfg.Worker.Count)
	}
	if !cfg.Whisper.DiarizationEnabled() {
		t.Error("diarization disabled with a real token")
	}
	if cfg.Bridge.ReceiveTimeout != 250*time.Millisecond {
		t.Errorf("Bridge.ReceiveTimeout = %v, want 250ms", cfg.Bridge.ReceiveTimeout)
	}
}

func TestLoadPlaceholderToken(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"VOICE_HF_TOKEN": "hf_your_token_here",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Whisper.DiarizationEnabled() {
		t.Error("placeholder token should not enable diarization")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":      {"VOICE_WORKER_COUNT": "three"},
		"bad duration": {"VOICE_ANALYSIS_TIMEOUT": "long"},
		"zero workers": {"VOICE_WORKER_COUNT": "0"},
	}
	for name, env := range cases {
		if _, err := loadWith(envMap(env)); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}
