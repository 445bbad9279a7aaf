package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration sourced from the environment.
type Config struct {
	AppName          string
	HTTPListenAddr   string
	MetricsAddr      string
	StaticRoot       string
	StaticBucket     string
	StaticPrefix     string
	PostgresURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	ObjectEndpoint   string
	ObjectRegion     string
	ObjectAccessKey  string
	ObjectSecretKey  string
	ObjectUseSSL     bool
	ShutdownTimeout  time.Duration
	HealthcheckProbe time.Duration
	OTLPEndpoint     string

	WS WebSocketConfig
}

// WebSocketConfig tunes the gateway and its connections.
type WebSocketConfig struct {
	MaxMessageBytes    int
	ReadBufferBytes    int
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	CloseGracePeriod   time.Duration
}

// Load reads configuration from the environment while applying sensible defaults
// for local development. Postgres, Redis and object storage stay disabled
// unless their address is set.
func Load() (Config, error) {
	cfg := Config{
		AppName:          getEnv("APP_NAME", "wsframe"),
		HTTPListenAddr:   getEnv("HTTP_LISTEN_ADDR", ":8888"),
		MetricsAddr:      getEnv("METRICS_LISTEN_ADDR", ":9090"),
		StaticRoot:       getEnv("STATIC_ROOT", "."),
		StaticBucket:     os.Getenv("STATIC_BUCKET"),
		StaticPrefix:     os.Getenv("STATIC_PREFIX"),
		PostgresURL:      os.Getenv("POSTGRES_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          getInt("REDIS_DB", 0),
		ObjectEndpoint:   os.Getenv("OBJECT_ENDPOINT"),
		ObjectRegion:     getEnv("OBJECT_REGION", "us-east-1"),
		ObjectAccessKey:  os.Getenv("OBJECT_ACCESS_KEY"),
		ObjectSecretKey:  os.Getenv("OBJECT_SECRET_KEY"),
		ObjectUseSSL:     getBool("OBJECT_USE_SSL", false),
		ShutdownTimeout:  getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		HealthcheckProbe: getDuration("HEALTHCHECK_INTERVAL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		WS: WebSocketConfig{
			MaxMessageBytes:    getInt("WS_MAX_MESSAGE_BYTES", 1<<20),
			ReadBufferBytes:    getInt("WS_READ_BUFFER_BYTES", 4096),
			HeartbeatInterval:  getDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTolerance: getInt("WS_HEARTBEAT_TOLERANCE", 2),
			SendBuffer:         getInt("WS_SEND_BUFFER", 64),
			WriteTimeout:       getDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			CloseGracePeriod:   getDuration("WS_CLOSE_GRACE", 2*time.Second),
		},
	}

	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, fmt.Errorf("object storage credentials must be provided when OBJECT_ENDPOINT is set")
	}
	if cfg.StaticBucket != "" && cfg.ObjectEndpoint == "" {
		return Config{}, fmt.Errorf("STATIC_BUCKET requires OBJECT_ENDPOINT")
	}
	if cfg.WS.ReadBufferBytes < 1 {
		return Config{}, fmt.Errorf("WS_READ_BUFFER_BYTES must be positive, got %d", cfg.WS.ReadBufferBytes)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
