package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/config"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/engine"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/handler"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/policy"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/recorder"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/registry"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/signaling"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/upload"
	pkgjwt "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/jwt"
	pkglog "github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/log"
	"github.com/KenXD2001/proctor-ai-sfu-server-sub000/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		pkglog.L().Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(pkglog.Config{Level: cfg.Log.Level, ServiceName: "proctor-sfu"})
	logger := pkglog.L()
	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting proctor sfu")

	if cfg.Auth.Secret == "" {
		logger.Fatal().Msg("auth.secret is required")
	}
	verifier := pkgjwt.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)

	eng, err := engine.NewPionEngine(engine.Options{
		ListenIP:     cfg.WebRTC.ListenIP,
		AnnouncedIP:  cfg.WebRTC.AnnouncedIP,
		PortMin:      uint16(cfg.WebRTC.PortMin),
		PortMax:      uint16(cfg.WebRTC.PortMax),
		RestartDelay: 2 * time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start media engine")
	}
	defer eng.Close()

	pol := policy.Default()
	if len(cfg.Roles.Hierarchy) > 0 {
		pol = policy.FromTable(cfg.Roles.Hierarchy)
	}

	reg := registry.New(eng, pol)

	var orch *recorder.Orchestrator
	var store storage.Storage
	if cfg.Recorder.Enabled {
		alloc, err := recorder.NewAllocator(cfg.Recorder.PortMin, cfg.Recorder.PortMax, nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("bad recorder port range")
		}

		var sink recorder.UploadSink
		if cfg.Upload.Enabled {
			store, err = buildStorage(cfg.Storage)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to initialize storage")
			}
			uploader := upload.New(store, upload.Config{
				Workers:    cfg.Upload.Workers,
				QueueSize:  cfg.Upload.QueueSize,
				MaxRetries: cfg.Upload.MaxRetries,
				RetryDelay: cfg.Upload.RetryDelay,
				KeyPrefix:  cfg.Upload.KeyPrefix,
			})
			uploader.Start()
			defer uploader.Stop()
			sink = uploader
			logger.Info().Str("driver", cfg.Storage.Driver).Msg("recording upload enabled")
		}

		orch = recorder.New(recorder.Config{
			BasePath:              cfg.Recorder.BasePath,
			FFmpegPath:            cfg.Recorder.FFmpegPath,
			RestartWindow:         cfg.Recorder.RestartWindow,
			ProducerActiveTimeout: cfg.Recorder.ProducerActiveTimeout,
			EncoderReadyTimeout:   cfg.Recorder.EncoderReadyTimeout,
			ConnectSettle:         cfg.Recorder.ConnectSettle,
		}, alloc, nil, sink)
		defer orch.Close()
		logger.Info().Str("base_path", cfg.Recorder.BasePath).Msg("recording enabled")
	}

	wsHub := signaling.NewHub(signaling.WSConfig{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingInterval:   cfg.WebSocket.PingInterval,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})
	go wsHub.Run()

	svc := signaling.NewService(reg, pol, orch, wsHub)
	wsHandler := signaling.NewWSHandler(wsHub, svc, verifier)
	httpHandler := handler.NewHTTPHandler(reg, orch, eng, verifier, store, cfg.Upload.KeyPrefix)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(pkglog.GinMiddleware(*logger), gin.Recovery())
	router.GET("/ws", gin.WrapF(wsHandler.HandleWebSocket))
	httpHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("stopped")
}

func buildStorage(cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case "s3":
		return storage.NewS3Storage(context.Background(), cfg.S3)
	default:
		return storage.NewLocalStorage(cfg.Local)
	}
}
