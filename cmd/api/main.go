package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zhilog/api/internal/app"
	"zhilog/api/internal/cache"
	"zhilog/api/internal/config"
	"zhilog/api/internal/llm"
	"zhilog/api/internal/objstore"
	"zhilog/api/internal/search"
	"zhilog/api/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}

	deps := app.Deps{
		Store:       dataStore,
		Search:      searchService,
		IdleTimeout: cfg.StreamIdleTimeout,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		snapshots, err := cache.NewSnapshotStore(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: redis unavailable, thread snapshots disabled: %v", err)
		} else {
			defer snapshots.Close()
			deps.Snapshots = snapshots
		}
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := objstore.New(ctx, objstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("WARNING: object storage unavailable, paper files disabled: %v", err)
		} else {
			deps.Objects = objects
		}
	}

	switch cfg.ChatProvider {
	case "remote":
		if strings.TrimSpace(cfg.ChatGatewayURL) == "" {
			log.Printf("WARNING: remote chat provider selected but no gateway URL set, chat disabled")
		} else {
			deps.Streamer = llm.NewRemote(cfg.ChatGatewayURL)
		}
	default:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			log.Printf("WARNING: GEMINI_API_KEY not set, chat disabled")
		} else {
			gemini, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.ChatModel)
			if err != nil {
				log.Fatalf("gemini client failed: %v", err)
			}
			defer gemini.Close()
			deps.Streamer = gemini
		}
	}

	service := app.NewService(deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Streaming chat responses can far outlive a normal request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("ZhiLog API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
