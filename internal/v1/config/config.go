package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration.
type Config struct {
	// Listener
	Port       string
	CORSOrigin string

	// Roles
	GatewayMode    bool
	WorkerPortBase int
	WorkerPortMax  int

	// Moderation
	OwnerKey string

	// Arena tunables
	TickRateHz        int
	MaxRoomPlayers    int
	RoomCapacity      int
	MaxActiveRooms    int
	QuizMinPlayers    int
	RequireRouteToken bool
	PersistentRooms   []string

	// Optional presence bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Misc
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
}

// Defaults for arena tunables. Invalid or missing values fall back silently.
const (
	DefaultPort           = "3001"
	DefaultTickRateHz     = 20
	DefaultMaxRoomPlayers = 50
	DefaultRoomCapacity   = 120
	DefaultMaxActiveRooms = 64
	DefaultQuizMinPlayers = 1
	DefaultWorkerPortBase = 3101
	DefaultWorkerPortMax  = 3132
)

// ValidateEnv validates all environment variables and returns a Config.
// Returns an error if any required variable is invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	} else if !isValidPort(cfg.Port) {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.CORSOrigin = os.Getenv("CORS_ORIGIN")
	cfg.OwnerKey = os.Getenv("OWNER_KEY")

	cfg.GatewayMode = os.Getenv("GATEWAY_MODE") == "true"
	cfg.WorkerPortBase = getEnvInt("WORKER_PORT_BASE", DefaultWorkerPortBase)
	cfg.WorkerPortMax = getEnvInt("WORKER_PORT_MAX", DefaultWorkerPortMax)
	if cfg.WorkerPortMax < cfg.WorkerPortBase {
		errs = append(errs, fmt.Sprintf("WORKER_PORT_MAX (%d) must not be below WORKER_PORT_BASE (%d)", cfg.WorkerPortMax, cfg.WorkerPortBase))
	}

	cfg.TickRateHz = clampInt(getEnvInt("TICK_RATE_HZ", DefaultTickRateHz), 1, 33)
	cfg.MaxRoomPlayers = clampInt(getEnvInt("MAX_ROOM_PLAYERS", DefaultMaxRoomPlayers), 1, 500)
	cfg.RoomCapacity = clampInt(getEnvInt("ROOM_CAPACITY", DefaultRoomCapacity), cfg.MaxRoomPlayers, 1000)
	cfg.MaxActiveRooms = clampInt(getEnvInt("MAX_ACTIVE_ROOMS", DefaultMaxActiveRooms), 1, 4096)
	cfg.QuizMinPlayers = clampInt(getEnvInt("QUIZ_MIN_PLAYERS", DefaultQuizMinPlayers), 1, cfg.MaxRoomPlayers)
	cfg.RequireRouteToken = os.Getenv("REQUIRE_ROUTE_TOKEN") == "true"
	for _, code := range strings.Split(os.Getenv("PERSISTENT_ROOMS"), ",") {
		if code = strings.TrimSpace(code); code != "" {
			cfg.PersistentRooms = append(cfg.PersistentRooms, code)
		}
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// AllowedOrigins splits CORS_ORIGIN into its entries. Empty or "*" means
// allow all.
func (c *Config) AllowedOrigins() []string {
	if c.CORSOrigin == "" || c.CORSOrigin == "*" {
		return nil
	}
	parts := strings.Split(c.CORSOrigin, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	return isValidPort(parts[1])
}

func getEnvInt(key string, def int) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// getEnvOrDefault returns the value of the environment variable or a default
// value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"gateway_mode", cfg.GatewayMode,
		"worker_port_base", cfg.WorkerPortBase,
		"worker_port_max", cfg.WorkerPortMax,
		"owner_key", redactSecret(cfg.OwnerKey),
		"tick_rate_hz", cfg.TickRateHz,
		"max_room_players", cfg.MaxRoomPlayers,
		"room_capacity", cfg.RoomCapacity,
		"redis_enabled", cfg.RedisEnabled,
		"go_env", cfg.GoEnv,
	)
}

// redactSecret redacts a secret by showing only the first 4 characters.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}
