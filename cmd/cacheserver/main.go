package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hostfleet/assetsync/internal/cacheserver"
	"github.com/hostfleet/assetsync/internal/config"
	"github.com/hostfleet/assetsync/internal/s3"
	"github.com/hostfleet/assetsync/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Setup(cfg.Log.Level, cfg.Log.JSON)
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	client, err := s3.NewClient(s3.Options{
		Endpoint: cfg.Store.Endpoint,
		Bucket:   cfg.Store.Bucket,
		Credentials: s3.Credentials{
			AccessKey: cfg.Store.AccessKey,
			SecretKey: cfg.Store.SecretKey,
			Region:    cfg.Store.Region,
		},
		UseSSL: cfg.Store.UseSSL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("could not build object store client")
	}

	server, err := cacheserver.New(client, cfg.Server.CacheDir, cfg.Server.CacheSizeLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize cache directory")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("cache_dir", cfg.Server.CacheDir).Msg("cache server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("cache server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
