package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Service       ServiceConfig
	HTTP          HTTPConfig
	STT           STTConfig
	Segmenter     SegmenterConfig
	Dispatcher    DispatcherConfig
	Review        ReviewConfig
	Events        EventsConfig
	Kafka         KafkaConfig
	Storage       StorageConfig
	Ingest        IngestConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Principal string
	GRPCPort  string
	Env       string
}

type HTTPConfig struct {
	Port      string
	UploadDir string
	// MaxUploadBytes bounds multipart uploads to /v1/transcribe.
	MaxUploadBytes int64
}

type STTConfig struct {
	Provider      string // mock, google, whisper
	LanguageCode  string
	SampleRateHz  int
	AudioEncoding string
	Model         string
	WhisperURL    string
	WhisperAPIKey string
}

type SegmenterConfig struct {
	SampleRateHz     int
	Channels         int
	MinDuration      time.Duration
	MinSilence       time.Duration
	SilenceThreshold float64 // dBFS
	OutputDir        string
}

type DispatcherConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	PersistTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

type ReviewConfig struct {
	ConfidenceThreshold float64
}

type EventsConfig struct {
	HeartbeatInterval time.Duration
	SubscriberBuffer  int
}

type KafkaConfig struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	GroupID   string
	Principal string
	Relay     bool
}

type StorageConfig struct {
	Driver        string // memory, mongo
	MongoURI      string
	MongoDatabase string
}

type IngestConfig struct {
	WatchDir      string
	SettleDelay   time.Duration
	CatchUp       bool
	StreamURL     string
	StreamSystem  string
	DefaultSystem string
}

type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsPort string
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first and never overrides variables that
// are already set.
func Load() *Config {
	_ = godotenv.Load()

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-radio-transcriber")

	return &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			Env:       envOrDefault("ENV", "prod"),
		},
		HTTP: HTTPConfig{
			Port:           envOrDefault("HTTP_PORT", "8080"),
			UploadDir:      envOrDefault("UPLOAD_DIR", "uploads"),
			MaxUploadBytes: envOrDefaultInt64("MAX_UPLOAD_BYTES", 64*1024*1024),
		},
		STT: STTConfig{
			Provider:      envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:  envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:  envOrDefaultInt("STT_SAMPLE_RATE_HZ", 8000),
			AudioEncoding: envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
			Model:         envOrDefault("STT_MODEL", ""),
			WhisperURL:    envOrDefault("WHISPER_URL", "http://localhost:8000"),
			WhisperAPIKey: envOrDefault("WHISPER_API_KEY", ""),
		},
		Segmenter: SegmenterConfig{
			SampleRateHz:     envOrDefaultInt("SEGMENT_SAMPLE_RATE_HZ", 8000),
			Channels:         envOrDefaultInt("SEGMENT_CHANNELS", 1),
			MinDuration:      envOrDefaultDuration("SEGMENT_MIN_DURATION", 2*time.Second),
			MinSilence:       envOrDefaultDuration("SEGMENT_MIN_SILENCE", 500*time.Millisecond),
			SilenceThreshold: envOrDefaultFloat("SEGMENT_SILENCE_THRESHOLD_DBFS", -40),
			OutputDir:        envOrDefault("SEGMENT_OUTPUT_DIR", "segments"),
		},
		Dispatcher: DispatcherConfig{
			Workers:        envOrDefaultInt("DISPATCH_WORKERS", 2),
			QueueSize:      envOrDefaultInt("DISPATCH_QUEUE_SIZE", 64),
			MaxAttempts:    envOrDefaultInt("DISPATCH_MAX_ATTEMPTS", 3),
			AttemptTimeout: envOrDefaultDuration("DISPATCH_ATTEMPT_TIMEOUT", 2*time.Minute),
			PersistTimeout: envOrDefaultDuration("DISPATCH_PERSIST_TIMEOUT", 30*time.Second),
			BackoffBase:    envOrDefaultDuration("DISPATCH_BACKOFF_BASE", 2*time.Second),
			BackoffMax:     envOrDefaultDuration("DISPATCH_BACKOFF_MAX", 30*time.Second),
		},
		Review: ReviewConfig{
			ConfidenceThreshold: envOrDefaultFloat("REVIEW_CONFIDENCE_THRESHOLD", 0.5),
		},
		Events: EventsConfig{
			HeartbeatInterval: envOrDefaultDuration("EVENTS_HEARTBEAT_INTERVAL", 25*time.Second),
			SubscriberBuffer:  envOrDefaultInt("EVENTS_SUBSCRIBER_BUFFER", 32),
		},
		Kafka: KafkaConfig{
			Enabled:   envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:   envOrDefaultList("KAFKA_BROKERS", nil),
			Topic:     envOrDefault("KAFKA_TOPIC_CALLS", "radio.call.updated"),
			GroupID:   envOrDefault("KAFKA_GROUP_ID", ""),
			Principal: envOrDefault("KAFKA_PRINCIPAL", principal),
			Relay:     envOrDefaultBool("KAFKA_RELAY_ENABLED", false),
		},
		Storage: StorageConfig{
			Driver:        envOrDefault("STORAGE_DRIVER", "memory"),
			MongoURI:      envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: envOrDefault("MONGO_DATABASE", "radio"),
		},
		Ingest: IngestConfig{
			WatchDir:      envOrDefault("INGEST_WATCH_DIR", ""),
			SettleDelay:   envOrDefaultDuration("INGEST_SETTLE_DELAY", 2*time.Second),
			CatchUp:       envOrDefaultBool("INGEST_CATCH_UP", true),
			StreamURL:     envOrDefault("INGEST_STREAM_URL", ""),
			StreamSystem:  envOrDefault("INGEST_STREAM_SYSTEM", ""),
			DefaultSystem: envOrDefault("INGEST_DEFAULT_SYSTEM", "default"),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   envOrDefault("LOG_FORMAT", "json"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
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

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
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
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
