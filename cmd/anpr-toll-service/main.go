package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"anpr-toll-service/internal/auth"
	"anpr-toll-service/internal/capture"
	"anpr-toll-service/internal/config"
	"anpr-toll-service/internal/db"
	"anpr-toll-service/internal/detector"
	httphandler "anpr-toll-service/internal/http"
	"anpr-toll-service/internal/http/middleware"
	"anpr-toll-service/internal/live"
	"anpr-toll-service/internal/logger"
	"anpr-toll-service/internal/ocr"
	"anpr-toll-service/internal/pipeline"
	"anpr-toll-service/internal/repository"
	"anpr-toll-service/internal/service"
	"anpr-toll-service/internal/storage"
	"anpr-toll-service/internal/vision"
)

// dnnBoxThreshold is the minimum localizer score for a plate box; the OCR
// confidence threshold is applied separately by the detector.
const dnnBoxThreshold = 0.5

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment, cfg.LogLevel)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	tollRepo := repository.NewTollRepository(database)
	processor := service.NewTollProcessor(tollRepo, nil, service.TollProcessorConfig{
		Amount:      cfg.Toll.Amount,
		DedupWindow: cfg.Toll.DedupWindow,
	}, appLogger)
	queryService := service.NewTollQueryService(tollRepo, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go processor.RunPruner(ctx, cfg.Toll.PruneInterval)

	encoder := vision.JPEGEncoder{Quality: cfg.Live.JPEGQuality}
	feed := live.NewPublisher(encoder, appLogger)
	plates := live.NewPlateBroadcaster(feed, cfg.Live.BroadcastInterval, appLogger)
	go plates.Run(ctx)

	var (
		status       httphandler.PipelineStatus
		pipelineDone chan struct{}
	)
	if cfg.Pipeline.Enabled {
		p, closers, err := buildPipeline(cfg, tollRepo, processor, feed, encoder, appLogger)
		defer closeAll(closers, appLogger)

		if err == nil {
			err = p.Start(ctx)
		}
		switch {
		case err == nil:
			status = p
			pipelineDone = make(chan struct{})
			go func() {
				defer close(pipelineDone)
				if err := p.Wait(); err != nil {
					appLogger.Error().Err(err).Msg("pipeline stopped with error")
				}
			}()
		case errors.Is(err, capture.ErrSourceUnavailable):
			// Keep serving history and exports without a camera.
			appLogger.Error().Err(err).Str("camera_id", cfg.Camera.ID).Msg("camera unavailable, pipeline not started")
		default:
			appLogger.Fatal().Err(err).Msg("failed to build pipeline")
		}
	} else {
		appLogger.Warn().Msg("pipeline disabled, serving queries only")
	}

	tokenParser := auth.NewParser(cfg.Auth.AccessSecret)

	handler := httphandler.NewHandler(queryService, feed, plates, status, processor, appLogger)
	authMiddleware := middleware.Auth(tokenParser)
	router := httphandler.NewRouter(handler, authMiddleware, cfg.Environment, httphandler.DBPinger(database), appLogger)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	appLogger.Info().Str("addr", addr).Str("camera_id", cfg.Camera.ID).Msg("starting ANPR toll service")

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error().Err(err).Msg("failed to start server")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	appLogger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The live feed closes when acquisition ends, which lets open streams
	// finish before the server drains.
	if pipelineDone != nil {
		select {
		case <-pipelineDone:
		case <-shutdownCtx.Done():
			appLogger.Warn().Msg("pipeline did not stop in time")
		}
	} else {
		feed.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("server forced to shutdown")
	}

	appLogger.Info().Msg("server exited")
}

// buildPipeline assembles capture, detection and billing for the configured
// camera. The returned closers must be closed even when err is non-nil.
func buildPipeline(
	cfg *config.Config,
	repo *repository.TollRepository,
	processor *service.TollProcessor,
	feed *live.Publisher,
	encoder vision.JPEGEncoder,
	log zerolog.Logger,
) (*pipeline.Pipeline, []io.Closer, error) {
	var closers []io.Closer

	spec, err := capture.ParseSpec(cfg.Camera.Source)
	if err != nil {
		return nil, closers, err
	}

	var localizer detector.Localizer
	if cfg.Detector.ModelPath != "" {
		dnn, err := vision.NewDNNLocalizer(cfg.Detector.ModelPath, dnnBoxThreshold)
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, dnn)
		localizer = dnn
		log.Info().Str("model", cfg.Detector.ModelPath).Msg("using DNN plate localizer")
	} else {
		contour := vision.NewContourLocalizer()
		closers = append(closers, contour)
		localizer = contour
		log.Info().Msg("using contour plate localizer")
	}

	recognizer, err := ocr.NewTesseractRecognizer(cfg.Detector.OCRLanguage)
	if err != nil {
		return nil, closers, fmt.Errorf("init OCR: %w", err)
	}
	closers = append(closers, recognizer)

	det := detector.New(localizer, recognizer, detector.Options{
		Threshold:          cfg.Detector.Confidence,
		WholeFrameFallback: true,
	}, log)

	var snapshots *pipeline.Snapshots
	r2Client, err := storage.NewR2Client(cfg.Storage)
	switch {
	case err == nil:
		snapshots = &pipeline.Snapshots{Encoder: encoder, Uploader: r2Client, Recorder: repo}
	case errors.Is(err, storage.ErrNotConfigured):
		log.Warn().Msg("R2 storage not configured, unauthorized vehicle snapshots will be disabled")
	default:
		return nil, closers, fmt.Errorf("init R2 client: %w", err)
	}

	p := pipeline.New(vision.NewCameraSource(spec, log), det, processor, feed, snapshots, pipeline.Config{
		CameraID:       cfg.Camera.ID,
		BufferCapacity: cfg.Pipeline.BufferCapacity,
		CommitRetries:  cfg.Pipeline.CommitRetries,
	}, log)
	return p, closers, nil
}

func closeAll(closers []io.Closer, log zerolog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
}
