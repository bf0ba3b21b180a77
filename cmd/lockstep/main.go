package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/zsiec/lockstep/internal/config"
	"github.com/zsiec/lockstep/internal/engine"
	"github.com/zsiec/lockstep/internal/logger"
	"github.com/zsiec/lockstep/internal/registry"
	"github.com/zsiec/lockstep/internal/server"
	"github.com/zsiec/lockstep/pkg/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting Lockstep sync engine")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = connectRedis(ctx, cfg, log)
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).Error("Failed to close Redis connection")
			}
		}()
	}

	eng := engine.New(cfg, log)
	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start sync engine")
	}
	defer eng.Stop()

	if redisClient != nil {
		go runStatusPublisher(ctx, cfg, redisClient, eng, log)
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.Metrics, log)
	}

	srv := server.New(&cfg.Server, log, eng, redisClient)
	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Fatal("Server error")
	}

	log.Info("Shutdown complete")
}

func connectRedis(ctx context.Context, cfg *config.Config, log *logrus.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	log.Info("Connected to Redis successfully")

	return client
}

// runStatusPublisher advertises this node and its live status in the
// shared registry.
func runStatusPublisher(ctx context.Context, cfg *config.Config, client *redis.Client, eng *engine.Engine, log *logrus.Logger) {
	hostname, _ := os.Hostname()

	reg := registry.NewRedisRegistry(client, log, cfg.Redis.StatusTTL)
	node := registry.Node{
		ID:       hostname + "-" + fmt.Sprintf("%d", os.Getpid()),
		Hostname: hostname,
		Version:  version.GetInfo().Version,
	}

	pub := registry.NewPublisher(reg, node, cfg.Redis.PublishEvery, func() interface{} {
		return eng.Status()
	}, log)

	if err := pub.Run(ctx); err != nil {
		log.WithError(err).Error("Status publisher stopped")
	}
}

// startMetricsServer starts the standalone Prometheus metrics listener.
func startMetricsServer(cfg config.MetricsConfig, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("Starting metrics server")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server error")
	}
}
