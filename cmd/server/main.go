package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Jaini604/Simple-Video-Uploader/internal/alerts"
	"github.com/Jaini604/Simple-Video-Uploader/internal/artifacts"
	"github.com/Jaini604/Simple-Video-Uploader/internal/config"
	"github.com/Jaini604/Simple-Video-Uploader/internal/logging"
	"github.com/Jaini604/Simple-Video-Uploader/internal/media"
	"github.com/Jaini604/Simple-Video-Uploader/internal/metrics"
	"github.com/Jaini604/Simple-Video-Uploader/internal/routes"
	"github.com/Jaini604/Simple-Video-Uploader/internal/server"
	"github.com/Jaini604/Simple-Video-Uploader/internal/services"
	"github.com/Jaini604/Simple-Video-Uploader/internal/upload"
	"github.com/Jaini604/Simple-Video-Uploader/internal/util"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.IsDevelopment())

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	server.PrintBanner()

	deps := util.CheckDependencies(log, cfg.FFmpegPath, cfg.FFprobePath)
	if err := server.PrepareDirs(cfg, log); err != nil {
		return err
	}

	store, err := upload.NewDiskStore(cfg.ChunkDir())
	if err != nil {
		return err
	}
	merger, err := upload.NewMerger(store, cfg.PublicDir, logging.Component(log, "merge"))
	if err != nil {
		return err
	}

	index, err := artifacts.Open(cfg.IndexPath())
	if err != nil {
		return err
	}
	defer index.Close()

	notifier, err := alerts.New(cfg.DiscordWebhookURL, cfg.DiscordPingUserID, config.Version, logging.Component(log, "alerts"))
	if err != nil {
		return err
	}

	var conv media.Converter = media.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath, logging.Component(log, "ffmpeg"))
	mapping := cfg.TranscodeMap
	if !deps.Transcoding() {
		log.Warn().Strs("extensions", cfg.TranscodeExtensions()).Msg("ffmpeg unavailable, uploads will be served as merged")
		mapping = nil
	}
	processor := media.NewPostProcessor(conv, media.ProcessorConfig{
		Mapping:       mapping,
		MaxConcurrent: cfg.TranscodeLimit,
		Timeout:       cfg.TranscodeTimeout,
	}, logging.Component(log, "postprocess"))

	registry := upload.NewRegistry(cfg.MaxChunks)
	m := metrics.New(func() float64 { return float64(registry.Len()) })

	svc := services.NewUploadService(services.Deps{
		Store:        store,
		Registry:     registry,
		Merger:       merger,
		Processor:    processor,
		Index:        index,
		Alerts:       notifier,
		Metrics:      m,
		Log:          log,
		ChunkTimeout: cfg.ChunkTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.StartCleanup(ctx, config.CleanupInterval)
	go watchDiskSpace(ctx, log, cfg.PublicDir)

	srv := server.New(server.Deps{
		Config:  cfg,
		Uploads: routes.NewUploads(svc, cfg.ChunkSizeLimit, logging.Component(log, "http")),
		Core: &routes.Core{
			Config:      cfg,
			Sessions:    svc,
			Converter:   processor,
			Transcoding: deps.Transcoding(),
		},
		Metrics: m.Handler(),
		Log:     logging.Component(log, "http"),
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.EnvMode).Msg("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	notifier.ServerStarted(srv.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	notifier.ServerStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	notifier.Wait()
	return nil
}

func watchDiskSpace(ctx context.Context, log zerolog.Logger, path string) {
	util.LogDiskSpace(log, path, config.DiskSpaceMinGB)

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			util.LogDiskSpace(log, path, config.DiskSpaceMinGB)
		}
	}
}
