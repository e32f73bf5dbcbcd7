// main package for the audiobook-service
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

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/epub"
	"github.com/book-expert/audiobook-service/internal/library"
	"github.com/book-expert/audiobook-service/internal/pipeline"
	"github.com/book-expert/audiobook-service/internal/scanner"
	"github.com/book-expert/audiobook-service/internal/server"
	"github.com/book-expert/audiobook-service/internal/status"
	"github.com/book-expert/audiobook-service/internal/streaming"
	"github.com/book-expert/audiobook-service/internal/tts"
	"github.com/book-expert/audiobook-service/internal/worker"
)

const shutdownTimeout = 30 * time.Second

var envPaths = []string{".env", "../../.env"}

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadEnv(log *logger.Logger) {
	for _, path := range envPaths {
		err := godotenv.Load(path)
		if err == nil {
			log.Info("Loaded environment from %s", path)

			return
		}
	}

	log.Info("No .env file found, using process environment")
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "audiobook-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	loadEnv(bootstrapLog)

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "audiobook-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Build the storage backends and the pipeline
	backends, err := openBackends(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to open backends: %v", err)

		return err
	}

	defer backends.Close(finalLog)

	return serve(ctx, cfg, backends, finalLog)
}

func serve(parent context.Context, cfg *config.Config, backends *backends, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	synthesizer := tts.NewHTTPSynthesizer(cfg.TTS, log)
	orchestrator := pipeline.New(
		epub.NewExtractor(cfg.Pipeline.MinChapterChars),
		synthesizer,
		backends.objects,
		backends.jobs,
		log,
		pipeline.OptionsFromConfig(cfg.Pipeline),
	)

	workerErr := make(chan error, 1)

	var submitter scanner.Submitter = scanner.NewDirectSubmitter(backends.objects, orchestrator)

	if backends.natsConnection != nil {
		natsWorker := worker.NewNatsWorker(
			backends.natsConnection, cfg.NATS.SubmitSubject, backends.objects, orchestrator, log)

		go func() { workerErr <- natsWorker.Run(ctx) }()

		submitter = worker.NewNatsPublisher(backends.natsConnection, cfg.NATS.SubmitSubject)
	} else {
		close(workerErr)
	}

	gin.SetMode(cfg.Server.GinMode)

	router := server.NewRouter(server.Dependencies{
		Jobs:         orchestrator,
		Status:       status.NewService(backends.jobs),
		Library:      library.New(backends.objects, log),
		Streaming:    streaming.NewServer(backends.objects, log),
		Scanner:      scanner.New(backends.objects, submitter, log),
		TTSHealth:    synthesizer,
		StorageName:  backends.objectsName,
		JobStateName: backends.jobsName,
		Logger:       log,
	})

	httpServer := server.NewHTTPServer(cfg.Server.ListenAddr, router)
	serverErr := make(chan error, 1)

	go func() {
		log.System("Audiobook service listening on %s (storage: %s, job state: %s)",
			cfg.Server.ListenAddr, backends.objectsName, backends.jobsName)

		listenErr := httpServer.ListenAndServe()
		if listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serverErr <- listenErr
		}

		close(serverErr)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		log.System("Shutdown signal received")
	case listenErr := <-serverErr:
		if listenErr != nil {
			log.Error("HTTP server failed: %v", listenErr)
			runErr = fmt.Errorf("http server failed: %w", listenErr)
		}
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		log.Error("HTTP server forced to shutdown: %v", err)
	}

	err = orchestrator.Shutdown(shutdownCtx)
	if err != nil {
		log.Error("Pipeline shutdown incomplete: %v", err)
	}

	err = <-workerErr
	if err != nil {
		log.Error("Submission worker stopped with error: %v", err)
	}

	log.System("Audiobook service stopped")

	return runErr
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
