package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	server "github.com/cloudagent-dev/cloudagent/internal"
	"github.com/cloudagent-dev/cloudagent/internal/artifact"
	"github.com/cloudagent-dev/cloudagent/internal/config"
	"github.com/cloudagent-dev/cloudagent/internal/queue"
	"github.com/cloudagent-dev/cloudagent/internal/task"
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

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
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

	// Setup queue
	broker, err := queue.NewSQLiteBroker(env.QueueEnv.DBPath, env.QueueEnv.LeaseDuration)
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	// Setup vault (optional; per-task credentials stay disabled without a key)
	var v *vault.Vault
	if env.CredentialsEnv.VaultKey != "" {
		v, err = vault.New(env.CredentialsEnv.VaultKey)
		if err != nil {
			slog.Error("failed to init vault", "error", err)
			os.Exit(1)
		}
	}

	taskRepo := taskrepo.NewYAMLRepository(store)
	artifacts := artifact.NewStore(store, env.AgentEnv.MaxFileSize)
	taskService := task.NewService(taskRepo, broker, v)
	taskServer := task.NewServer(taskService, artifacts)

	srv := server.NewServer(env, taskServer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
