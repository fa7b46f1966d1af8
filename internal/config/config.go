// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sandbox modes.
const (
	SandboxModeLocal  = "local"
	SandboxModeDocker = "docker"
)

// Transcript backends.
const (
	TranscriptSQLite = "sqlite"
	TranscriptMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	GRPCPort           string // empty disables the gRPC health server
	FrontendURL        string
	MaxRequestBodySize int64
	Model              ModelConfig
	Sandbox            SandboxConfig
	Transcript         TranscriptConfig
	RateLimit          RateLimitConfig
	ConversationLog    ConversationLogConfig
}

// ModelConfig describes the model backend and the session defaults.
type ModelConfig struct {
	BaseURL        string
	DefaultModel   string
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
	MaxToolRounds  int
}

// SandboxConfig controls how tool snippets are executed.
type SandboxConfig struct {
	Mode         string
	Timeout      time.Duration
	NodeBinary   string
	PythonBinary string
	NodeImage    string
	PythonImage  string
	Runtime      string // Docker runtime: "" = default (runc), "runsc" = gVisor
	MaxOutput    int
}

// TranscriptConfig selects the transcript store.
type TranscriptConfig struct {
	Backend string
	DBPath  string
}

// RateLimitConfig throttles chat requests per client address.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// fileConfig is the optional YAML overlay. Values set here replace the
// built-in defaults; environment variables still win.
type fileConfig struct {
	Port        string `yaml:"port"`
	GRPCPort    string `yaml:"grpc_port"`
	FrontendURL string `yaml:"frontend_url"`
	Model       struct {
		BaseURL       string   `yaml:"base_url"`
		Default       string   `yaml:"default"`
		MaxTokens     int      `yaml:"max_tokens"`
		Temperature   *float64 `yaml:"temperature"`
		SystemPrompt  string   `yaml:"system_prompt"`
		MaxToolRounds *int     `yaml:"max_tool_rounds"`
	} `yaml:"model"`
	Sandbox struct {
		Mode         string `yaml:"mode"`
		Timeout      string `yaml:"timeout"`
		NodeBinary   string `yaml:"node_binary"`
		PythonBinary string `yaml:"python_binary"`
		NodeImage    string `yaml:"node_image"`
		PythonImage  string `yaml:"python_image"`
		Runtime      string `yaml:"runtime"`
	} `yaml:"sandbox"`
	Transcript struct {
		Backend string `yaml:"backend"`
		DBPath  string `yaml:"db_path"`
	} `yaml:"transcript"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:               "8000",
		MaxRequestBodySize: 1 << 20,
		Model: ModelConfig{
			BaseURL:        "http://localhost:1234",
			DefaultModel:   "openai/gpt-oss-120b",
			MaxTokens:      1000,
			Temperature:    0.7,
			SystemPrompt:   "You are a friendly assistant. Reply concisely and naturally.",
			ProbeTimeout:   5 * time.Second,
			RequestTimeout: 30 * time.Second,
			MaxToolRounds:  1,
		},
		Sandbox: SandboxConfig{
			Mode:         SandboxModeLocal,
			Timeout:      10 * time.Second,
			NodeBinary:   "node",
			PythonBinary: "python3",
			NodeImage:    "node:20-alpine",
			PythonImage:  "python:3.12-alpine",
			MaxOutput:    64 * 1024,
		},
		Transcript: TranscriptConfig{
			Backend: TranscriptSQLite,
			DBPath:  ":memory:",
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 30,
			WindowDuration:    time.Minute,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   false,
			Dir:       "./data/logs/conversations",
			QueueSize: 1000,
		},
	}
}

// Load reads configuration from the optional CONFIG_FILE and then from
// environment variables.
func Load() (*Config, error) {
	base := Defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := applyFile(base, path); err != nil {
			return nil, err
		}
	}

	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", base.ConversationLog.QueueSize)
	if queueSize <= 0 {
		queueSize = base.ConversationLog.QueueSize
	}

	cfg := &Config{
		Port:               getEnv("PORT", base.Port),
		GRPCPort:           getEnv("GRPC_PORT", base.GRPCPort),
		FrontendURL:        getEnv("FRONTEND_URL", base.FrontendURL),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", int(base.MaxRequestBodySize))),
		Model: ModelConfig{
			BaseURL:        strings.TrimRight(getEnv("MODEL_BASE_URL", base.Model.BaseURL), "/"),
			DefaultModel:   getEnv("MODEL_ID", base.Model.DefaultModel),
			MaxTokens:      getEnvInt("MODEL_MAX_TOKENS", base.Model.MaxTokens),
			Temperature:    getEnvFloat("MODEL_TEMPERATURE", base.Model.Temperature),
			SystemPrompt:   getEnv("SYSTEM_PROMPT", base.Model.SystemPrompt),
			ProbeTimeout:   getEnvDuration("MODEL_PROBE_TIMEOUT", base.Model.ProbeTimeout),
			RequestTimeout: getEnvDuration("MODEL_REQUEST_TIMEOUT", base.Model.RequestTimeout),
			MaxToolRounds:  getEnvInt("MAX_TOOL_ROUNDS", base.Model.MaxToolRounds),
		},
		Sandbox: SandboxConfig{
			Mode:         strings.ToLower(getEnv("SANDBOX_MODE", base.Sandbox.Mode)),
			Timeout:      getEnvDuration("SANDBOX_TIMEOUT", base.Sandbox.Timeout),
			NodeBinary:   getEnv("SANDBOX_NODE_BINARY", base.Sandbox.NodeBinary),
			PythonBinary: getEnv("SANDBOX_PYTHON_BINARY", base.Sandbox.PythonBinary),
			NodeImage:    getEnv("SANDBOX_NODE_IMAGE", base.Sandbox.NodeImage),
			PythonImage:  getEnv("SANDBOX_PYTHON_IMAGE", base.Sandbox.PythonImage),
			Runtime:      getEnv("CONTAINER_RUNTIME", base.Sandbox.Runtime),
			MaxOutput:    getEnvInt("SANDBOX_MAX_OUTPUT", base.Sandbox.MaxOutput),
		},
		Transcript: TranscriptConfig{
			Backend: strings.ToLower(getEnv("TRANSCRIPT_BACKEND", base.Transcript.Backend)),
			DBPath:  getEnv("TRANSCRIPT_DB_PATH", base.Transcript.DBPath),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", base.RateLimit.RequestsPerWindow),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", base.RateLimit.WindowDuration),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", base.ConversationLog.Enabled),
			Dir:       getEnv("CONVERSATION_LOG_DIR", base.ConversationLog.Dir),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Port, fc.Port)
	setString(&cfg.GRPCPort, fc.GRPCPort)
	setString(&cfg.FrontendURL, fc.FrontendURL)
	setString(&cfg.Model.BaseURL, fc.Model.BaseURL)
	setString(&cfg.Model.DefaultModel, fc.Model.Default)
	setString(&cfg.Model.SystemPrompt, fc.Model.SystemPrompt)
	if fc.Model.MaxTokens > 0 {
		cfg.Model.MaxTokens = fc.Model.MaxTokens
	}
	if fc.Model.Temperature != nil {
		cfg.Model.Temperature = *fc.Model.Temperature
	}
	if fc.Model.MaxToolRounds != nil {
		cfg.Model.MaxToolRounds = *fc.Model.MaxToolRounds
	}
	setString(&cfg.Sandbox.Mode, fc.Sandbox.Mode)
	setString(&cfg.Sandbox.NodeBinary, fc.Sandbox.NodeBinary)
	setString(&cfg.Sandbox.PythonBinary, fc.Sandbox.PythonBinary)
	setString(&cfg.Sandbox.NodeImage, fc.Sandbox.NodeImage)
	setString(&cfg.Sandbox.PythonImage, fc.Sandbox.PythonImage)
	setString(&cfg.Sandbox.Runtime, fc.Sandbox.Runtime)
	if fc.Sandbox.Timeout != "" {
		d, err := time.ParseDuration(fc.Sandbox.Timeout)
		if err != nil {
			return fmt.Errorf("parse sandbox.timeout: %w", err)
		}
		cfg.Sandbox.Timeout = d
	}
	setString(&cfg.Transcript.Backend, fc.Transcript.Backend)
	setString(&cfg.Transcript.DBPath, fc.Transcript.DBPath)
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("MODEL_BASE_URL cannot be empty")
	}
	if c.Model.DefaultModel == "" {
		return fmt.Errorf("MODEL_ID cannot be empty")
	}
	if c.Model.MaxTokens <= 0 {
		return fmt.Errorf("MODEL_MAX_TOKENS must be > 0")
	}
	if c.Model.MaxToolRounds < 0 {
		return fmt.Errorf("MAX_TOOL_ROUNDS must be >= 0")
	}
	if c.Model.RequestTimeout <= 0 || c.Model.ProbeTimeout <= 0 {
		return fmt.Errorf("model timeouts must be > 0")
	}
	switch c.Sandbox.Mode {
	case SandboxModeLocal, SandboxModeDocker:
	default:
		return fmt.Errorf("SANDBOX_MODE must be %q or %q, got %q", SandboxModeLocal, SandboxModeDocker, c.Sandbox.Mode)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("SANDBOX_TIMEOUT must be > 0")
	}
	switch c.Transcript.Backend {
	case TranscriptSQLite:
		if c.Transcript.DBPath == "" {
			return fmt.Errorf("TRANSCRIPT_DB_PATH cannot be empty")
		}
	case TranscriptMemory:
	default:
		return fmt.Errorf("TRANSCRIPT_BACKEND must be %q or %q, got %q", TranscriptSQLite, TranscriptMemory, c.Transcript.Backend)
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate limit must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the HTTP API.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
