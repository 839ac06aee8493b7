package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cardwatch/cardwatch/db"
	"github.com/cardwatch/cardwatch/internal/analyzer"
	"github.com/cardwatch/cardwatch/internal/auth"
	"github.com/cardwatch/cardwatch/internal/compiler"
	"github.com/cardwatch/cardwatch/internal/config"
	"github.com/cardwatch/cardwatch/internal/dispatcher"
	"github.com/cardwatch/cardwatch/internal/embedding"
	"github.com/cardwatch/cardwatch/internal/evaluator"
	"github.com/cardwatch/cardwatch/internal/fx"
	"github.com/cardwatch/cardwatch/internal/handlers"
	"github.com/cardwatch/cardwatch/internal/llm"
	"github.com/cardwatch/cardwatch/internal/logger"
	"github.com/cardwatch/cardwatch/internal/orchestrator"
	"github.com/cardwatch/cardwatch/internal/router"
	"github.com/cardwatch/cardwatch/internal/store"
	"github.com/cardwatch/cardwatch/internal/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cardwatch",
		Short: "Natural-language transaction alerting service",
	}

	rootCmd.AddCommand(serveCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bootstrap() *config.Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := db.ConnectDatabase(cfg.Database.DSN); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			bootstrap()

			if err := db.MigrateDatabase(); err != nil {
				log.Fatalf("Migration failed: %v", err)
			}

			log.Println("Migrations complete")
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and evaluation workers",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := bootstrap()
			runServer(cfg)
		},
	}
}

func runServer(cfg *config.Config) {
	ctx := context.Background()

	if err := db.MigrateDatabase(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if err := auth.InitJWTSecret(); err != nil {
		log.Fatalf("Auth setup failed: %v", err)
	}

	zlog := logger.L()
	alertStore := store.New(db.DB)

	fxTable, err := fx.Load(cfg.FX.TablePath)
	if err != nil {
		log.Fatalf("Failed to load fx table: %v", err)
	}

	var embedder embedding.Embedder
	if cfg.Embedder.Provider == "local" {
		embedder = embedding.NewLocalEmbedder(cfg.Embedder.BaseURL, cfg.Embedder.Model, cfg.Embedder.Dim, cfg.Embedder.Timeout)
	} else {
		embedder, err = embedding.NewGeminiEmbedder(ctx, cfg.LLM.APIKey, cfg.Embedder.Model, cfg.Embedder.Dim)
		if err != nil {
			log.Fatalf("Failed to init embedder: %v", err)
		}
	}

	llmClient, err := llm.NewGeminiClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, cfg.LLM.RatePerSecond, cfg.LLM.Burst)
	if err != nil {
		log.Fatalf("Failed to init llm client: %v", err)
	}

	ruleCompiler := compiler.New(alertStore, embedder, llmClient, cfg.Compile, cfg.Eval.SQLTimeout, zlog)
	behavior := analyzer.New(alertStore, cfg.Travel.MaxKMH)
	eval := evaluator.New(alertStore, behavior, fxTable, cfg.Eval, zlog)
	disp := dispatcher.New(alertStore, cfg.Dispatch, cfg.SMTP, zlog)

	orch := orchestrator.New(eval, disp, cfg.Eval, cfg.Dispatch, zlog)
	orch.Notify = ws.BroadcastNotification
	orchestrator.Initialize(orch)

	handlers.Setup(alertStore, ruleCompiler)

	r := router.NewRouter(cfg.Server.IngestToken)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		zlog.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("http shutdown", zap.Error(err))
	}

	orchestrator.Shutdown()
	logger.Sync()
}
