package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear relevant env vars
	envVars := []string{
		"SERVICE_PRINCIPAL", "HTTP_PORT", "METRICS_PORT",
		"VOICE_ENABLED", "VOICE_MODE", "VOICE_LANGUAGE_CODE", "VOICE_SAMPLE_RATE_HZ",
		"VOICE_CONNECT_TIMEOUT",
		"TURN_SILENCE_TIMEOUT", "TURN_FALLBACK_TIMEOUT", "TURN_MAX_AUDIO_BYTES", "TURN_MAX_PARTIALS",
		"CONTEXT_TOKEN_BUDGET", "CONTEXT_THRESHOLD_PCT", "CONTEXT_RECENT_WINDOW", "CONTEXT_PERSIST_EVERY",
		"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_PRINCIPAL",
		"POSTGRES_ENABLED", "POSTGRES_DSN",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-interview-relay" {
		t.Errorf("expected default principal 'svc-interview-relay', got %s", cfg.Service.Principal)
	}
	if cfg.Service.HTTPPort != "8080" {
		t.Errorf("expected default HTTP port '8080', got %s", cfg.Service.HTTPPort)
	}

	// Voice defaults
	if !cfg.Voice.Enabled {
		t.Error("expected voice enabled by default")
	}
	if cfg.Voice.Mode != "batched" {
		t.Errorf("expected default mode 'batched', got %s", cfg.Voice.Mode)
	}
	if cfg.Voice.LanguageCode != "en-US" {
		t.Errorf("expected default language 'en-US', got %s", cfg.Voice.LanguageCode)
	}
	if cfg.Voice.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate 16000, got %d", cfg.Voice.SampleRateHz)
	}
	if cfg.Voice.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout 10s, got %v", cfg.Voice.ConnectTimeout)
	}

	// Turn defaults
	if cfg.Turn.SilenceTimeout != 2*time.Second {
		t.Errorf("expected default silence timeout 2s, got %v", cfg.Turn.SilenceTimeout)
	}
	if cfg.Turn.FallbackTimeout != 1*time.Second {
		t.Errorf("expected default fallback timeout 1s, got %v", cfg.Turn.FallbackTimeout)
	}
	if cfg.Turn.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes, got %d", cfg.Turn.MaxAudioBytes)
	}
	if cfg.Turn.MaxPartials != 500 {
		t.Errorf("expected default max partials 500, got %d", cfg.Turn.MaxPartials)
	}

	// Context defaults
	if cfg.Context.TokenBudget != 8000 {
		t.Errorf("expected default token budget 8000, got %d", cfg.Context.TokenBudget)
	}
	if cfg.Context.ThresholdPct != 75 {
		t.Errorf("expected default threshold 75, got %d", cfg.Context.ThresholdPct)
	}
	if cfg.Context.RecentWindow != 10 {
		t.Errorf("expected default recent window 10, got %d", cfg.Context.RecentWindow)
	}
	if cfg.Context.PersistEvery != 5 {
		t.Errorf("expected default persist cadence 5, got %d", cfg.Context.PersistEvery)
	}

	// Kafka disabled by default
	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("VOICE_MODE", "duplex")
	os.Setenv("VOICE_SAMPLE_RATE_HZ", "24000")
	os.Setenv("TURN_SILENCE_TIMEOUT", "1500ms")
	os.Setenv("CONTEXT_RECENT_WINDOW", "6")
	os.Setenv("KAFKA_BROKERS", "broker-1:9092, broker-2:9092")
	defer func() {
		os.Unsetenv("VOICE_MODE")
		os.Unsetenv("VOICE_SAMPLE_RATE_HZ")
		os.Unsetenv("TURN_SILENCE_TIMEOUT")
		os.Unsetenv("CONTEXT_RECENT_WINDOW")
		os.Unsetenv("KAFKA_BROKERS")
	}()

	cfg := Load()

	if cfg.Voice.Mode != "duplex" {
		t.Errorf("expected mode 'duplex', got %s", cfg.Voice.Mode)
	}
	if cfg.Voice.SampleRateHz != 24000 {
		t.Errorf("expected sample rate 24000, got %d", cfg.Voice.SampleRateHz)
	}
	if cfg.Turn.SilenceTimeout != 1500*time.Millisecond {
		t.Errorf("expected silence timeout 1.5s, got %v", cfg.Turn.SilenceTimeout)
	}
	if cfg.Context.RecentWindow != 6 {
		t.Errorf("expected recent window 6, got %d", cfg.Context.RecentWindow)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "broker-1:9092" || cfg.Kafka.Brokers[1] != "broker-2:9092" {
		t.Errorf("expected two trimmed brokers, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	os.Setenv("VOICE_SAMPLE_RATE_HZ", "not-a-number")
	os.Setenv("TURN_SILENCE_TIMEOUT", "soon")
	os.Setenv("TURN_MAX_AUDIO_BYTES", "many")
	defer func() {
		os.Unsetenv("VOICE_SAMPLE_RATE_HZ")
		os.Unsetenv("TURN_SILENCE_TIMEOUT")
		os.Unsetenv("TURN_MAX_AUDIO_BYTES")
	}()

	cfg := Load()

	if cfg.Voice.SampleRateHz != 16000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.Voice.SampleRateHz)
	}
	if cfg.Turn.SilenceTimeout != 2*time.Second {
		t.Errorf("expected default silence timeout on invalid input, got %v", cfg.Turn.SilenceTimeout)
	}
	if cfg.Turn.MaxAudioBytes != 5*1024*1024 {
		t.Errorf("expected default max audio bytes on invalid input, got %d", cfg.Turn.MaxAudioBytes)
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	os.Unsetenv("KAFKA_PRINCIPAL")

	defer os.Unsetenv("SERVICE_PRINCIPAL")

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
