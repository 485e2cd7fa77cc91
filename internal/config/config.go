// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the root configuration for the relay service.
type Configuration struct {
	Service  ServiceConfig
	Voice    VoiceConfig
	Turn     TurnConfig
	Context  ContextConfig
	Kafka    KafkaConfig
	Postgres PostgresConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	MetricsPort string
}

// VoiceConfig holds voice backend settings shared by both variants.
type VoiceConfig struct {
	Enabled        bool
	Mode           string // "batched" or "duplex"
	LanguageCode   string
	SampleRateHz   int
	ConnectTimeout time.Duration

	// Duplex (realtime speech-to-speech) upstream.
	RealtimeURL   string
	RealtimeModel string
	RealtimeVoice string

	// Batched variant reply pipeline.
	OpenAIKey  string
	ChatModel  string
	TTSModel   string
	TTSVoice   string
}

// TurnConfig holds turn-taking timeouts and per-utterance guardrails.
type TurnConfig struct {
	SilenceTimeout  time.Duration
	FallbackTimeout time.Duration
	MaxAudioBytes   int64
	MaxPartials     int
}

// ContextConfig holds conversation context budget settings.
type ContextConfig struct {
	TokenBudget  int // instruction-size budget of the backend, in tokens
	ThresholdPct int // compaction triggers above this percentage of the budget
	RecentWindow int // entries kept verbatim after compaction
	PersistEvery int // persist raw history every N finalized entries
	SummaryModel string
}

// KafkaConfig holds transcript event publishing settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// PostgresConfig holds durable transcript store settings.
type PostgresConfig struct {
	Enabled bool
	DSN     string
}

// Load reads configuration from environment variables with defaults.
func Load() *Configuration {
	servicePrincipal := envOrDefault("SERVICE_PRINCIPAL", "svc-interview-relay")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   servicePrincipal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Voice: VoiceConfig{
			Enabled:        envOrDefaultBool("VOICE_ENABLED", true),
			Mode:           envOrDefault("VOICE_MODE", "batched"),
			LanguageCode:   envOrDefault("VOICE_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("VOICE_SAMPLE_RATE_HZ", 16000),
			ConnectTimeout: envOrDefaultDuration("VOICE_CONNECT_TIMEOUT", 10*time.Second),
			RealtimeURL:    envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			RealtimeModel:  envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
			RealtimeVoice:  envOrDefault("REALTIME_VOICE", "alloy"),
			OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
			ChatModel:      envOrDefault("CHAT_MODEL", "gpt-4o"),
			TTSModel:       envOrDefault("TTS_MODEL", "tts-1"),
			TTSVoice:       envOrDefault("TTS_VOICE", "nova"),
		},
		Turn: TurnConfig{
			SilenceTimeout:  envOrDefaultDuration("TURN_SILENCE_TIMEOUT", 2*time.Second),
			FallbackTimeout: envOrDefaultDuration("TURN_FALLBACK_TIMEOUT", 1*time.Second),
			MaxAudioBytes:   envOrDefaultInt64("TURN_MAX_AUDIO_BYTES", 5*1024*1024),
			MaxPartials:     envOrDefaultInt("TURN_MAX_PARTIALS", 500),
		},
		Context: ContextConfig{
			TokenBudget:  envOrDefaultInt("CONTEXT_TOKEN_BUDGET", 8000),
			ThresholdPct: envOrDefaultInt("CONTEXT_THRESHOLD_PCT", 75),
			RecentWindow: envOrDefaultInt("CONTEXT_RECENT_WINDOW", 10),
			PersistEvery: envOrDefaultInt("CONTEXT_PERSIST_EVERY", 5),
			SummaryModel: envOrDefault("CONTEXT_SUMMARY_MODEL", "gpt-4o-mini"),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "interview.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "interview.transcript.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", servicePrincipal),
		},
		Postgres: PostgresConfig{
			Enabled: envOrDefaultBool("POSTGRES_ENABLED", false),
			DSN:     os.Getenv("POSTGRES_DSN"),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
