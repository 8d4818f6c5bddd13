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

	"inkwell/api/internal/app"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/config"
	"inkwell/api/internal/crdt"
	"inkwell/api/internal/history"
	"inkwell/api/internal/hub"
	"inkwell/api/internal/presence"
	"inkwell/api/internal/search"
	"inkwell/api/internal/session"
	"inkwell/api/internal/store"
)

func main() {
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

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient)

	docManager := crdt.NewManager()
	presenceRegistry := presence.NewRegistry()
	syncHub := hub.New()

	var sessionStore *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session state and cross-instance sync")
		sessionStore, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessionStore.Close()

		bridge, err := hub.NewBridge(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis bridge failed: %v", err)
		}
		defer bridge.Close()
		syncHub.SetBridge(bridge)
	}

	service := app.New(cfg, app.Options{
		Store:    dataStore,
		Docs:     docManager,
		Presence: presenceRegistry,
		Hub:      syncHub,
		History:  history.NewEngine(dataStore, docManager),
		Search:   searchService,
		AuthPW:   authpw.NewService(dataStore),
		Sessions: sessionStore,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	// no Read/WriteTimeout here, the sync endpoint holds long-lived sockets
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkwell API listening on %s", cfg.Addr)
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
