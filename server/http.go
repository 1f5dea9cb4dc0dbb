package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"capture-worker/config"
	"capture-worker/constant"
	captureHandler "capture-worker/handler"
	"capture-worker/pkg/encoder"
	"capture-worker/pkg/rabbitmq"
	"capture-worker/repository"
	"capture-worker/service"
)

func RunHttp(cfg *config.Config, source service.FrameSource) {
	ctx, cancel := signal.NotifyContext(setupLogger(cfg), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Bool("isProduction", cfg.App.Environment == constant.EnvironmentProduction.String()).Send()
	if cfg.App.Environment == constant.EnvironmentProduction.String() {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := repository.NewStore(ctx, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Fatal().Err(err).Msg("failed to open chunk store")
	}
	defer store.Close()

	var conn *amqp.Connection
	var publisher rabbitmq.Publisher
	if cfg.Queue != nil && cfg.Queue.Enabled {
		conn, err = config.NewRabbitMQConn(ctx, cfg.Queue)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("NewRabbitMQConn")
			conn = nil
		} else {
			publisher, err = rabbitmq.NewPublisher(conn, cfg.Queue)
			if err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("failed to open batch event publisher")
			}
		}
	}

	batches := service.NewBatchService(store, publisher)

	if conn != nil {
		reprocessConsumer := rabbitmq.NewConsumer(conn, cfg.Queue, 1, captureHandler.ReprocessHandler)
		go func() {
			err := reprocessConsumer.Consume(ctx, captureHandler.ServiceDependencies{BatchService: batches})
			if err != nil && !errors.Is(err, context.Canceled) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("reprocess consumer error")
			}
		}()
	}

	controller := service.NewBitrateController(cfg.Bitrate)
	capture := service.NewCaptureService(cfg, store, source, encoder.NewFFmpegSession(), controller)
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		capture.Run(ctx)
	}()

	scheduler, err := service.StartMaintenance(ctx, store, cfg)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to start maintenance scheduler")
	} else {
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("maintenance scheduler shutdown")
			}
		}()
	}

	h := &captureHandler.Handler{
		Store:    store,
		Batches:  batches,
		Timeline: service.NewTimelineService(store),
		Capture:  capture,
	}

	r := gin.Default()
	addHealth(r)
	h.Register(r)

	handler := http.Server{
		Handler:           r,
		Addr:              fmt.Sprintf(":%s", cfg.Server.HttpPort),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("start http server")
		if err := handler.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
		}
	}()

	<-ctx.Done()
	zerolog.Ctx(ctx).Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := handler.Shutdown(shutdownCtx); err != nil {
		zerolog.Ctx(ctx).Error().Str("env", cfg.App.Environment).Msg(err.Error())
	}

	// the capture loop flushes its last segment to the store; the deferred
	// store close must not race it
	<-captureDone

	zerolog.Ctx(ctx).Info().Str("env", cfg.App.Environment).Msg("server shutdown")
}

func addHealth(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
}

func setupLogger(cfg *config.Config) context.Context {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.App.Environment == constant.EnvironmentDevelop.String() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Log to standard output
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := logger.WithContext(context.Background())

	return ctx
}
