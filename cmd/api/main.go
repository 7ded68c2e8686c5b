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

	"github.com/redis/go-redis/v9"

	"pulse/api/internal/app"
	"pulse/api/internal/authpw"
	"pulse/api/internal/broadcast"
	"pulse/api/internal/config"
	"pulse/api/internal/counter"
	"pulse/api/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis connection failed: %v", err)
	}
	cancel()

	var counters counter.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		log.Printf("Using PostgreSQL for counter storage")
		db, err := counter.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := counter.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
		counters = counter.NewPostgresStore(db)
	} else {
		log.Printf("Using Redis for counter storage")
		counters = counter.NewRedisStoreWithClient(redisClient)
	}

	sessions := session.NewRedisStoreWithClient(redisClient)
	accounts := authpw.NewService(authpw.NewRedisUserStore(redisClient))

	hub := broadcast.NewHub()
	service := app.New(cfg, counters, sessions, accounts, hub)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	apiServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	wsServer := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           broadcast.NewServer(hub, []byte(cfg.TokenSecret), cfg.HeartbeatInterval, cfg.HeartbeatTimeout).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Pulse API listening on %s", cfg.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server failed: %v", err)
		}
	}()

	go func() {
		log.Printf("Pulse broadcast listening on %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("broadcast server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.DropAll()
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("broadcast shutdown error: %v", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
