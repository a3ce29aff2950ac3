package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all configuration for the server, daemon, and CLI binaries.
// All three read the same struct; each binary uses the fields it needs.
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Server TLS (optional; when both are set the server serves TLS)
	TLSCertPath string
	TLSKeyPath  string
	// ClientCAPath enables mutual TLS for daemon connections when set.
	ClientCAPath string

	// Auth
	JWTPublicKeyPath  string
	JWTPrivateKeyPath string
	TokenTTL          time.Duration
	// TrustedCIDRs bypass JWT auth (daemon, localhost tooling).
	TrustedCIDRs []string

	// Server metadata cache
	DatabasePath string

	// Daemon settings
	DaemonPort   int
	DaemonHost   string
	DaemonURL    string // server→daemon HTTP base URL
	ServerURL    string // daemon/CLI→server WebSocket URL
	AssistantBin string
	LauncherBin  string

	// Transcript store root (~/.claude/projects unless overridden)
	StoreRoot string

	// Approval round-trip deadline
	ApprovalTimeout time.Duration

	// Debug settings
	DebugModules string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("VLAUDE_DATA_DIR", defaultDataDir())

	return &Config{
		// Server
		Port: getEnvInt("VLAUDE_PORT", 3000),
		Host: getEnv("VLAUDE_HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		TLSCertPath:  getEnv("VLAUDE_TLS_CERT", ""),
		TLSKeyPath:   getEnv("VLAUDE_TLS_KEY", ""),
		ClientCAPath: getEnv("VLAUDE_CLIENT_CA", ""),

		// Auth
		JWTPublicKeyPath:  getEnv("VLAUDE_JWT_PUBLIC_KEY", filepath.Join(dataDir, "keys", "jwt.pub.pem")),
		JWTPrivateKeyPath: getEnv("VLAUDE_JWT_PRIVATE_KEY", filepath.Join(dataDir, "keys", "jwt.pem")),
		TokenTTL:          getEnvDuration("VLAUDE_TOKEN_TTL", 90*24*time.Hour),
		TrustedCIDRs:      getEnvList("VLAUDE_TRUSTED_CIDRS", []string{"127.0.0.0/8", "::1/128"}),

		DatabasePath: getEnv("VLAUDE_DB_PATH", filepath.Join(dataDir, "vlaude.sqlite")),

		// Daemon
		DaemonPort:   getEnvInt("VLAUDE_DAEMON_PORT", 3001),
		DaemonHost:   getEnv("VLAUDE_DAEMON_HOST", "127.0.0.1"),
		DaemonURL:    getEnv("VLAUDE_DAEMON_URL", "http://127.0.0.1:3001"),
		ServerURL:    getEnv("VLAUDE_SERVER_URL", "ws://127.0.0.1:3000"),
		AssistantBin: getEnv("VLAUDE_ASSISTANT_BIN", "claude"),
		LauncherBin:  getEnv("VLAUDE_LAUNCHER_BIN", ""), // empty = run the assistant directly

		StoreRoot: getEnv("VLAUDE_STORE_ROOT", defaultStoreRoot()),

		ApprovalTimeout: getEnvDuration("VLAUDE_APPROVAL_TIMEOUT", 30*time.Second),

		// Debug
		DebugModules: getEnv("DEBUG", ""),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".vlaude")
}

func defaultStoreRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
