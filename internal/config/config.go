package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ServerPort    int    `env:"PORT" envDefault:"3000"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"GO_ENV" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings. The relational store also backs the durable queues.
	Database DatabaseConfig

	// GitHub hosting provider
	GitHub GitHubConfig

	// Gemini generator CLI
	Gemini GeminiConfig

	// Sandbox runtime
	Sandbox SandboxConfig

	// Queue tuning
	Queues QueueConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"coverforge"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"coverforge"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// GitHubConfig holds GitHub credentials and git identity settings.
type GitHubConfig struct {
	// Token is a PAT with repo scope. When empty the host runs in
	// development mode: permission checks pass and pull requests are mocked.
	Token string `env:"GITHUB_TOKEN" envDefault:""`

	// BotName and BotEmail identify commits pushed by the service.
	BotName  string `env:"GITHUB_BOT_NAME" envDefault:"coverforge-bot"`
	BotEmail string `env:"GITHUB_BOT_EMAIL" envDefault:"bot@coverforge.dev"`

	// CloneBasePath is the host directory under which per-job clones live.
	CloneBasePath string `env:"HOST_CLONE_BASE_PATH" envDefault:"/tmp/clones"`
}

// HasToken reports whether a credential is configured.
func (g *GitHubConfig) HasToken() bool {
	return g.Token != ""
}

// GeminiConfig holds generator settings. The CLI itself runs inside the
// sandbox; only the key and model name cross the boundary via environment.
type GeminiConfig struct {
	APIKey string `env:"GEMINI_API_KEY" envDefault:""`
	Model  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash-lite"`

	// Timeout bounds a single generator invocation.
	Timeout time.Duration `env:"GEMINI_TIMEOUT" envDefault:"120s"`
}

// SandboxConfig holds container sandbox settings.
type SandboxConfig struct {
	// Image is the base image commands run in. It must carry node and npm.
	Image string `env:"SANDBOX_IMAGE" envDefault:"node:20-bookworm"`

	// ToolchainVolume is the named docker volume holding the shared
	// toolchain (jest, typescript, generator CLI), mounted read-only.
	ToolchainVolume string `env:"TOOLCHAIN_VOLUME" envDefault:"coverforge-toolchain"`

	// InstallTimeout / TestTimeout bound dependency installs and test runs.
	InstallTimeout time.Duration `env:"SANDBOX_INSTALL_TIMEOUT" envDefault:"120s"`
	TestTimeout    time.Duration `env:"SANDBOX_TEST_TIMEOUT" envDefault:"90s"`

	// MaxOutputBytes caps captured command output (10 MiB).
	MaxOutputBytes int `env:"SANDBOX_MAX_OUTPUT_BYTES" envDefault:"10485760"`
}

// QueueConfig holds queue worker tuning.
type QueueConfig struct {
	ScanConcurrency    int           `env:"SCAN_QUEUE_CONCURRENCY" envDefault:"2"`
	ImproveConcurrency int           `env:"IMPROVE_QUEUE_CONCURRENCY" envDefault:"1"`
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`
	MaxAttempts        int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"2"`
	BaseRetryDelaySec  int           `env:"QUEUE_BASE_RETRY_DELAY_SEC" envDefault:"5"`
	KeepFinished       int           `env:"QUEUE_KEEP_FINISHED" envDefault:"100"`
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("clone_base", cfg.GitHub.CloneBasePath),
		slog.Bool("github_token_set", cfg.GitHub.HasToken()),
	)

	return cfg, nil
}
