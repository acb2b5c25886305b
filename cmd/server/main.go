package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-service/internal/api/routes"
	"stream-service/internal/auth"
	"stream-service/internal/config"
	"stream-service/internal/database"
	"stream-service/internal/sink"
	"stream-service/internal/ws"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting stream service")

	// Redis is optional; without it the instance runs standalone.
	var redisClient *database.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisConnection(&cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
	} else {
		slog.Info("Redis disabled, running standalone")
	}

	validator := auth.NewJWTValidator(cfg.JWT.Secret)

	manager := ws.NewManager(cfg.Channels, validator, cfg.Options())

	var sinks sink.Multi
	if cfg.Kafka.Enabled {
		kafkaSink, err := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			slog.Error("Failed to create Kafka sink", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if cfg.MySQL.Enabled {
		store, err := sink.NewGormStore(cfg.MySQL.DSN)
		if err != nil {
			slog.Error("Failed to open metrics store", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, store)
	}
	if len(sinks) > 0 {
		manager.SetSink(sinks)
	}

	if redisClient != nil {
		manager.SetBridge(ws.NewRedisBridge(redisClient.GetClient()))
	}

	manager.Start()

	router := routes.NewRouter(manager, redisClient)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Shutdown(ctx); err != nil {
		slog.Error("Manager shutdown", "error", err)
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
