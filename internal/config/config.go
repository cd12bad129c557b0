// Package config loads agent and server settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/xerrors"
)

// RecoveryMode decides what happens to a session left open by a crashed agent.
type RecoveryMode string

const (
	RecoveryAsk     RecoveryMode = "ask"
	RecoveryResume  RecoveryMode = "resume"
	RecoveryDiscard RecoveryMode = "discard"
)

type Agent struct {
	ServerURL      string
	CompanyKey     string
	Email          string
	Password       string
	DataDir        string
	HealthInterval time.Duration
	Recovery       RecoveryMode
	LogLevel       string
	LogFormat      string
	MetricsAddr    string
	Autostart      bool
}

// DBPath is the local durable store file.
func (a *Agent) DBPath() string { return filepath.Join(a.DataDir, "agent.db") }

// PolicyCachePath is the last-known policy document.
func (a *Agent) PolicyCachePath() string { return filepath.Join(a.DataDir, "policy.json") }

// ScreenshotDir holds captures waiting for upload.
func (a *Agent) ScreenshotDir() string { return filepath.Join(a.DataDir, "screenshots") }

// LockPath guards against two agents sharing a data dir.
func (a *Agent) LockPath() string { return filepath.Join(a.DataDir, "agent.lock") }

type Server struct {
	Env       string
	Addr      string
	DBName    string
	UploadDir string
	AdminKey  string
	LogLevel  string
	LogFormat string
}

// LoadAgent reads agent settings. Environment variables win over .env values.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, xerrors.Errorf("resolve config dir: %w", err)
		}
		dataDir = filepath.Join(base, "worksync")
	}

	health, err := getSeconds("HEALTH_CHECK_INTERVAL_SEC", 10)
	if err != nil {
		return nil, err
	}
	autostart, err := getBool("AUTOSTART", false)
	if err != nil {
		return nil, err
	}

	c := &Agent{
		ServerURL:      strings.TrimRight(getEnv("SERVER_URL", "http://localhost:8080"), "/"),
		CompanyKey:     getEnv("COMPANY_KEY", ""),
		Email:          getEnv("AGENT_EMAIL", ""),
		Password:       getEnv("AGENT_PASSWORD", ""),
		DataDir:        dataDir,
		HealthInterval: health,
		Recovery:       RecoveryMode(strings.ToLower(getEnv("RECOVERY_MODE", string(RecoveryAsk)))),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		Autostart:      autostart,
	}
	switch c.Recovery {
	case RecoveryAsk, RecoveryResume, RecoveryDiscard:
	default:
		return nil, xerrors.Errorf("RECOVERY_MODE %q: want ask, resume or discard", c.Recovery)
	}
	if c.CompanyKey == "" {
		return nil, xerrors.New("COMPANY_KEY is required")
	}
	return c, nil
}

// LoadServer reads reference ingestion server settings.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	return &Server{
		Env:       getEnv("ENV", "dev"),
		Addr:      getEnv("SERVER_PORT", ":8080"),
		DBName:    getEnv("DB_NAME", "central_monitor.db"),
		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),
		AdminKey:  getEnv("ADMIN_KEY", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getSeconds(key string, fallback int) (time.Duration, error) {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, xerrors.Errorf("%s=%q: want a positive number of seconds", key, raw)
	}
	return time.Duration(n) * time.Second, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := getEnv(key, strconv.FormatBool(fallback))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, xerrors.Errorf("%s=%q: %w", key, raw, err)
	}
	return b, nil
}
