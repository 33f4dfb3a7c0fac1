package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".cloudagent/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"cloudagent/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type QueueEnv struct {
	DBPath        string        `envconfig:"QUEUE_DB_PATH" default:".cloudagent/queue.db"`
	LeaseDuration time.Duration `envconfig:"QUEUE_LEASE_DURATION" default:"30m"`
	ReapSchedule  string        `envconfig:"QUEUE_REAP_SCHEDULE" default:"@every 1m"`
}

type SandboxEnv struct {
	Driver   string `envconfig:"SANDBOX_DRIVER" default:"remote"`
	Template string `envconfig:"SANDBOX_TEMPLATE" default:"cloud-agent-v1"`
	// Remote driver settings
	Endpoint string `envconfig:"SANDBOX_ENDPOINT"`
	// ProviderAPIKey authenticates against the sandbox provider, not the
	// cloudagent API.
	ProviderAPIKey string `envconfig:"SANDBOX_API_KEY"`
	// Docker driver settings
	Image string `envconfig:"SANDBOX_IMAGE" default:"cloudagent/sandbox:latest"`
}

type AgentEnv struct {
	ExecutionTimeout time.Duration `envconfig:"AGENT_EXECUTION_TIMEOUT" default:"30m"`
	MaxOutputFiles   int           `envconfig:"AGENT_MAX_OUTPUT_FILES" default:"64"`
	MaxFileSize      int64         `envconfig:"AGENT_MAX_FILE_SIZE" default:"10485760"`
}

type WorkerEnv struct {
	Concurrency int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	MaxAttempts int           `envconfig:"WORKER_MAX_ATTEMPTS" default:"3"`
	BackoffBase time.Duration `envconfig:"WORKER_BACKOFF_BASE" default:"10s"`
	BackoffMax  time.Duration `envconfig:"WORKER_BACKOFF_MAX" default:"10m"`
}

type CredentialsEnv struct {
	// VaultKey is a base64-encoded 32-byte AES key for credential blobs.
	VaultKey string `envconfig:"VAULT_KEY"`
	// System-default credentials used when a task carries none, or when
	// its encrypted credentials cannot be decrypted.
	AnthropicAPIKey      string `envconfig:"ANTHROPIC_API_KEY"`
	ClaudeCodeOAuthToken string `envconfig:"CLAUDE_CODE_OAUTH_TOKEN"`
	GithubToken          string `envconfig:"GITHUB_TOKEN"`
}

type Env struct {
	BaseEnv
	StorageEnv
	QueueEnv
	SandboxEnv
	AgentEnv
	WorkerEnv
	CredentialsEnv
}

const namespace = "CLOUDAGENT"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func QueueEnvFromEnv(env *Env) *QueueEnv {
	return &env.QueueEnv
}

func SandboxEnvFromEnv(env *Env) *SandboxEnv {
	return &env.SandboxEnv
}

func AgentEnvFromEnv(env *Env) *AgentEnv {
	return &env.AgentEnv
}

func WorkerEnvFromEnv(env *Env) *WorkerEnv {
	return &env.WorkerEnv
}

func CredentialsEnvFromEnv(env *Env) *CredentialsEnv {
	return &env.CredentialsEnv
}
