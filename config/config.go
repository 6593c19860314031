package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	JWTSecret       string
	LogLevel        string
	LogFormat       string
	EventBufferSize int
	Redis           RedisConfig
	ICE             ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ICEConfig is applied identically to every peer connection in the process.
type ICEConfig struct {
	Servers           []webrtc.ICEServer
	CandidatePoolSize uint8
}

const (
	DefaultCandidatePoolSize = 10
	DefaultEventBufferSize   = 256
)

// DefaultSTUNURLs is used when neither STUN_URLS nor ICE_SERVERS_JSON is set.
var DefaultSTUNURLs = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func Load() (*Config, error) {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := splitCommaSeparated(originsStr)

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	poolSize, err := getEnvInt("ICE_CANDIDATE_POOL_SIZE", DefaultCandidatePoolSize)
	if err != nil {
		return nil, err
	}
	if poolSize < 0 || poolSize > 255 {
		return nil, fmt.Errorf("ICE_CANDIDATE_POOL_SIZE: %d out of range [0, 255]", poolSize)
	}
	bufferSize, err := getEnvInt("EVENT_BUFFER_SIZE", DefaultEventBufferSize)
	if err != nil {
		return nil, err
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("EVENT_BUFFER_SIZE: must be positive, got %d", bufferSize)
	}

	servers, err := parseICEServersFromValues(os.Getenv(envICEServersJSON), os.Getenv(envStunURLs))
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:  origins,
		JWTSecret:       getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		EventBufferSize: bufferSize,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       db,
		},
		ICE: ICEConfig{
			Servers:           servers,
			CandidatePoolSize: uint8(poolSize),
		},
	}, nil
}

// WebRTC returns the peer connection configuration shared by every connection.
func (c ICEConfig) WebRTC() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           c.Servers,
		ICECandidatePoolSize: c.CandidatePoolSize,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
