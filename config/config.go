package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server and worker configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Sessions SessionsConfig
	Broker   BrokerConfig
}

// WebRTCConfig holds STUN/TURN ICE server URLs for WebRTC.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/interviews?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Disabled bool // single-instance mode: no cross-instance relay, leaves handled inline
}

// JWTConfig holds JWT validation settings. Tokens are issued by the account service.
type JWTConfig struct {
	Secret string
}

// SessionsConfig controls call-session housekeeping.
type SessionsConfig struct {
	MaxAge        time.Duration // active sessions older than this are expired by the sweeper
	SweepSchedule string        // cron schedule, e.g. "@every 10m"
}

// BrokerConfig controls the signaling websocket.
type BrokerConfig struct {
	ReadLimit  int64
	SendBuffer int
}

// ClientConfig holds settings for the headless call client.
type ClientConfig struct {
	ServerURL string
	BrokerURL string
	AuthToken string

	MeetingID string
	UserID    string
	UserName  string
	UserRole  string

	DiscoveryInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int
	LeaveTimeout      time.Duration

	WebRTC WebRTCConfig
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads server configuration from environment, with optional .env file.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "interviews"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Disabled: getEnv("REDIS_DISABLED", "false") == "true",
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", "change-me-in-production"),
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Sessions: SessionsConfig{
			MaxAge:        getEnvDuration("SESSION_MAX_AGE", 12*time.Hour),
			SweepSchedule: getEnv("SESSION_SWEEP_SCHEDULE", "@every 10m"),
		},
		Broker: BrokerConfig{
			ReadLimit:  int64(getEnvInt("BROKER_READ_LIMIT", 65536)),
			SendBuffer: getEnvInt("BROKER_SEND_BUFFER", 64),
		},
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET must not be empty")
	}
	return cfg, nil
}

// LoadClient reads call client configuration from environment, with optional .env file.
func LoadClient() (*ClientConfig, error) {
	loadDotEnv()

	cfg := &ClientConfig{
		ServerURL:         strings.TrimRight(getEnv("SERVER_URL", "http://localhost:8080"), "/"),
		BrokerURL:         getEnv("BROKER_URL", "ws://localhost:8080/ws"),
		AuthToken:         getEnv("AUTH_TOKEN", ""),
		MeetingID:         getEnv("MEETING_ID", ""),
		UserID:            getEnv("USER_ID", ""),
		UserName:          getEnv("USER_NAME", "Guest"),
		UserRole:          getEnv("USER_ROLE", "candidate"),
		DiscoveryInterval: getEnvDuration("DISCOVERY_INTERVAL", 3*time.Second),
		ReconnectDelay:    getEnvDuration("PEER_RECONNECT_DELAY", 3*time.Second),
		MaxReconnects:     getEnvInt("PEER_MAX_RECONNECTS", 3),
		LeaveTimeout:      getEnvDuration("LEAVE_TIMEOUT", 5*time.Second),
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
	}
	if cfg.MeetingID == "" {
		return nil, fmt.Errorf("MEETING_ID is required")
	}
	return cfg, nil
}

func loadDotEnv() {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
