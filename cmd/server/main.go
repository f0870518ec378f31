package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"willflow/internal/chat"
	"willflow/internal/config"
	"willflow/internal/flow"
	"willflow/internal/kb"
	"willflow/internal/ragflow"
	"willflow/internal/server"
	"willflow/internal/thread"
	"willflow/internal/user"
	"willflow/internal/util"
	"willflow/pkg/ai"
	"willflow/pkg/docstore"
	"willflow/pkg/queue"
	"willflow/pkg/storage"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	store, err := docstore.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init document store: %v", err)
	}

	objects, err := storage.NewMinioStore(
		cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	reconcileQueue, err := queue.NewReconcileQueue(queue.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.ReconcileStream,
	})
	if err != nil {
		log.Fatalf("failed to init reconcile queue: %v", err)
	}

	engine := ragflow.NewClient(cfg.RagflowURL, cfg.RagflowAPIKey)
	completer := ai.NewOpenRouterCompleter(cfg.OpenRouterURL, cfg.OpenRouterAPIKey)

	flows := flow.NewService(store)
	threads := thread.NewStore(store, flows)
	chatSvc := chat.NewService(threads, flows, completer)
	users := user.NewService(store)
	kbs := kb.NewService(store, engine, objects, reconcileQueue, completer, cfg.KBChatModel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := kb.NewWorker(kbs, reconcileQueue, cfg.ReconcileWorkers)
	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("reconcile worker stopped", "err", err)
		}
	}()

	httpServer := server.New(server.Config{
		Chat:           chatSvc,
		Threads:        threads,
		Flows:          flows,
		Users:          users,
		KBs:            kbs,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("willflow server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
