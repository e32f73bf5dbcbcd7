package main

import (
	"context"
	"fmt"
	"io"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-service/internal/config"
	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/jobstate"
	"github.com/book-expert/audiobook-service/internal/objectstore"
)

// backends holds the stores selected by configuration and everything that must be closed.
type backends struct {
	natsConnection *nats.Conn
	objects        core.ObjectStore
	objectsName    string
	jobs           core.JobStateStore
	jobsName       string
	closers        []io.Closer
}

func openBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backends, error) {
	result := &backends{objectsName: cfg.ObjectStore.Backend, jobsName: cfg.JobState.Backend}

	var jetstreamContext nats.JetStreamContext

	if cfg.UsesNATS() {
		natsConnection, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		result.natsConnection = natsConnection

		jetstreamContext, err = natsConnection.JetStream()
		if err != nil {
			result.Close(log)

			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}

		log.Info("Connected to NATS at %s", cfg.NATS.URL)
	}

	err := result.openObjects(ctx, cfg, jetstreamContext)
	if err != nil {
		result.Close(log)

		return nil, err
	}

	err = result.openJobs(cfg, jetstreamContext)
	if err != nil {
		result.Close(log)

		return nil, err
	}

	return result, nil
}

func (b *backends) openObjects(ctx context.Context, cfg *config.Config, js nats.JetStreamContext) error {
	switch cfg.ObjectStore.Backend {
	case config.BackendNATS:
		store, err := objectstore.NewNats(js, cfg.NATS.AudioObjectStoreBucket)
		if err != nil {
			return fmt.Errorf("failed to open NATS object store: %w", err)
		}

		b.objects = store
	case config.BackendS3:
		store, err := objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Bucket:          cfg.ObjectStore.Bucket,
			Region:          cfg.ObjectStore.Region,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to open S3 object store: %w", err)
		}

		b.objects = store
	case config.BackendFS:
		store, err := objectstore.NewFS(cfg.ObjectStore.RootDir)
		if err != nil {
			return fmt.Errorf("failed to open filesystem object store: %w", err)
		}

		b.objects = store
		b.closers = append(b.closers, store)
	case config.BackendMemory:
		b.objects = objectstore.NewMemory()
	default:
		return fmt.Errorf("%w: object_store.backend=%q", config.ErrUnknownBackend, cfg.ObjectStore.Backend)
	}

	return nil
}

func (b *backends) openJobs(cfg *config.Config, js nats.JetStreamContext) error {
	switch cfg.JobState.Backend {
	case config.BackendNATS:
		store, err := jobstate.NewKV(js, cfg.NATS.JobStateBucket)
		if err != nil {
			return fmt.Errorf("failed to open NATS job state bucket: %w", err)
		}

		b.jobs = store
	case config.BackendSQLite:
		store, err := jobstate.OpenSQLite(cfg.JobState.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open SQLite job state: %w", err)
		}

		b.jobs = store
		b.closers = append(b.closers, store)
	case config.BackendMemory:
		b.jobs = jobstate.NewMemory()
	default:
		return fmt.Errorf("%w: job_state.backend=%q", config.ErrUnknownBackend, cfg.JobState.Backend)
	}

	return nil
}

// Close releases stores in reverse order and drains the NATS connection last.
func (b *backends) Close(log *logger.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		err := b.closers[i].Close()
		if err != nil {
			log.Warn("Failed to close backend: %v", err)
		}
	}

	if b.natsConnection != nil {
		err := b.natsConnection.Drain()
		if err != nil {
			log.Warn("Failed to drain NATS connection: %v", err)
		}
	}
}
