package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudagent-dev/cloudagent/internal/agent"
	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/config"
	"github.com/cloudagent-dev/cloudagent/internal/gitops"
	"github.com/cloudagent-dev/cloudagent/internal/queue"
	"github.com/cloudagent-dev/cloudagent/internal/sandbox"
	"github.com/cloudagent-dev/cloudagent/internal/scheduler"
	taskrepo "github.com/cloudagent-dev/cloudagent/internal/task/repositoryimpl"
	"github.com/cloudagent-dev/cloudagent/internal/vault"
	"github.com/cloudagent-dev/cloudagent/pkg/clog"
	"github.com/cloudagent-dev/cloudagent/pkg/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sentinel" {
		runSentinel()
		return
	}
	run()
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	broker, err := queue.NewSQLiteBroker(env.QueueEnv.DBPath, env.QueueEnv.LeaseDuration)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	var v *vault.Vault
	if env.CredentialsEnv.VaultKey != "" {
		v, err = vault.New(env.CredentialsEnv.VaultKey)
		if err != nil {
			slog.Error("failed to init vault", "error", err)
			os.Exit(1)
		}
	}
	defaults := vault.Credentials{
		AnthropicAPIKey:      env.CredentialsEnv.AnthropicAPIKey,
		ClaudeCodeOAuthToken: env.CredentialsEnv.ClaudeCodeOAuthToken,
		GithubToken:          env.CredentialsEnv.GithubToken,
	}

	var sandboxes sandbox.Manager
	switch env.SandboxEnv.Driver {
	case "docker":
		sandboxes, err = sandbox.NewDockerManager(env.SandboxEnv.Image)
		if err != nil {
			slog.Error("failed to init docker sandbox driver", "error", err)
			os.Exit(1)
		}
	default:
		if env.SandboxEnv.Endpoint == "" {
			slog.Error("CLOUDAGENT_SANDBOX_ENDPOINT is required for the remote driver")
			os.Exit(1)
		}
		sandboxes = sandbox.NewRemoteManager(env.SandboxEnv.Endpoint, env.SandboxEnv.ProviderAPIKey)
	}

	taskRepo := taskrepo.NewYAMLRepository(store)
	artifacts := artifact.NewStore(store, env.AgentEnv.MaxFileSize)
	invoker := agent.NewInvoker(sandboxes, artifacts, env.AgentEnv.ExecutionTimeout)
	publisher := gitops.NewPublisher(sandboxes)

	sched := scheduler.New(taskRepo, broker, sandboxes, invoker, publisher, artifacts, v, defaults, scheduler.Config{
		Concurrency:     env.WorkerEnv.Concurrency,
		MaxAttempts:     env.WorkerEnv.MaxAttempts,
		BackoffBase:     env.WorkerEnv.BackoffBase,
		BackoffMax:      env.WorkerEnv.BackoffMax,
		SandboxTemplate: env.SandboxEnv.Template,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reaper := queue.NewReaper(broker, env.QueueEnv.ReapSchedule)
	if err := reaper.Start(ctx); err != nil {
		slog.Error("failed to start lease reaper", "error", err)
		os.Exit(1)
	}
	defer reaper.Stop()

	slog.Info("worker starting",
		"concurrency", env.WorkerEnv.Concurrency,
		"sandbox_driver", env.SandboxEnv.Driver)

	sched.Run(ctx)
	slog.Info("worker stopped")
}
