// Package httpserver assembles the storage backend, object store, services,
// and background workers behind one HTTP listener.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/api"
	"github.com/tempora-io/tempora/internal/auth"
	"github.com/tempora-io/tempora/internal/config"
	"github.com/tempora-io/tempora/internal/governance"
	"github.com/tempora-io/tempora/internal/ics"
	"github.com/tempora-io/tempora/internal/mirror"
	"github.com/tempora-io/tempora/internal/objstore"
	"github.com/tempora-io/tempora/internal/onboarding"
	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/internal/storage/postgres"
	"github.com/tempora-io/tempora/internal/storage/sqlite"
	"github.com/tempora-io/tempora/internal/telemetry"
)

type Server struct {
	http      *http.Server
	scheduler *ics.Scheduler
	writer    *mirror.Writer
	logger    zerolog.Logger

	workersCancel context.CancelFunc
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	// init storage
	var store storage.Store
	var err error

	switch cfg.Storage.Type {
	case "postgres":
		store, err = postgres.New(cfg.Storage.PostgresURL, logger)
	case "sqlite":
		store, err = sqlite.New(cfg.Storage.SQLiteRoot, logger)
	default:
		err = errors.New("unknown storage type: " + cfg.Storage.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	var objects objstore.ObjectStore
	switch cfg.ObjStore.Type {
	case "s3":
		objects, err = objstore.NewS3(context.Background(), cfg.ObjStore.Bucket, cfg.ObjStore.Region, cfg.ObjStore.Endpoint, logger)
	case "fs":
		objects, err = objstore.NewFS(cfg.ObjStore.FileRoot, logger)
	default:
		err = errors.New("unknown object store type: " + cfg.ObjStore.Type)
	}
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	metrics := telemetry.New()
	bearer := auth.NewBearerAuth(cfg.Auth, logger)

	writer := mirror.NewWriter(
		mirror.DiscardClient{Logger: logger},
		cfg.Mirror.QueueCapacity,
		cfg.Mirror.MaxAttempts,
		metrics,
		logger,
	)

	feedSvc := ics.NewService(store, ics.NewFetcher(cfg.Feed.FetchTimeout), cfg.Feed, logger)
	feedSvc.SetIntentSink(writer)
	feedSvc.SetMetrics(metrics)
	scheduler := ics.NewScheduler(feedSvc, cfg.Feed, logger)

	onboardingSvc := onboarding.NewService(store, cfg.SessionRetention, logger)
	governanceSvc := governance.NewService(store, objects, logger)

	handler := api.New(cfg, store, bearer, onboardingSvc, feedSvc, scheduler, governanceSvc, metrics, logger).Routes()

	workersCtx, workersCancel := context.WithCancel(context.Background())
	writer.Start(workersCtx)
	scheduler.Start(workersCtx)

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		scheduler:     scheduler,
		writer:        writer,
		logger:        logger,
		workersCancel: workersCancel,
	}
	cleanup := func() {
		objects.Close()
		store.Close()
	}
	logger.Info().Msgf("listening on %s (storage=%s, objstore=%s)",
		cfg.HTTP.Addr, cfg.Storage.Type, cfg.ObjStore.Type)
	return srv, cleanup, nil
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.scheduler.Stop()
	s.writer.Stop()
	s.workersCancel()
	return err
}
