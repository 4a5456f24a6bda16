// Package server exposes the vexdb API over HTTP/JSON and gRPC. Both
// protocols share one listener, split by cmux on the connection's first
// bytes.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"

	"github.com/thebtf/vexdb/internal/backup"
	"github.com/thebtf/vexdb/internal/cache"
	"github.com/thebtf/vexdb/internal/config"
	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/ingest"
	"github.com/thebtf/vexdb/internal/job"
	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/internal/query"
	"github.com/thebtf/vexdb/internal/ratelimit"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/internal/tenant"
)

// Embedder turns query text into an embedding. The service ships without
// one; deployments wire a provider in to enable text search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service owns every process-wide component and the two API surfaces.
type Service struct {
	cfg *config.Config

	store    *storage.Engine
	handles  *storage.HandleCache
	registry *index.Registry
	queries  *query.Engine
	pipeline *ingest.Pipeline
	backups  *backup.Engine
	jobs     *job.Manager
	resolver *tenant.Resolver
	limiter  *ratelimit.Limiter
	kvStore  kv.Store
	embedder Embedder
	metrics  *metrics

	router  chi.Router
	httpSrv *http.Server
	grpcSrv *grpc.Server
	mux     cmux.CMux
	crons   []*cron.Cron
	started time.Time
}

// Option customizes optional service collaborators.
type Option func(*Service)

// WithEmbedder plugs in a text embedding provider, enabling the text
// search route.
func WithEmbedder(e Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// New wires the full component graph from configuration. It creates
// directories and opens the dataset store but does not listen yet; call
// Start for that.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	store, err := storage.NewEngine(cfg.Storage.Root)
	if err != nil {
		return nil, err
	}
	handles := storage.NewHandleCache(store)
	registry := index.NewRegistry(cfg.Server.Workers)

	var kvStore kv.Store
	if cfg.KV.URL != "" {
		rc, err := kv.ParseURL(cfg.KV.URL)
		if err != nil {
			return nil, err
		}
		kvStore = kv.NewBreaker(kv.NewRedis(rc))
	} else {
		kvStore = kv.NewMemory(cfg.Cache.MaxEntries)
	}

	var results *cache.Cache
	if cfg.Cache.Enabled {
		results = cache.New(kvStore)
	} else {
		results = cache.New(nil)
	}

	limiter := ratelimit.New(kvStore, ratelimit.Strategy(cfg.RateLimit.Strategy))
	limiter.SetDefault(cfg.RateLimit.Quota())

	resolver := tenant.NewResolver(tenantsFromConfig(cfg), limiter)

	queries := query.New(handles, registry, results)
	pipeline := ingest.New(store, handles, registry, queries)

	var sink backup.Sink
	if cfg.Backup.S3.Bucket != "" {
		sink, err = backup.NewS3Sink(context.Background(), backup.S3Config{
			Bucket:   cfg.Backup.S3.Bucket,
			Region:   cfg.Backup.S3.Region,
			Prefix:   cfg.Backup.S3.Prefix,
			Endpoint: cfg.Backup.S3.Endpoint,
		})
		if err != nil {
			return nil, err
		}
	}
	backups, err := backup.NewEngine(store, handles, pipeline, registry, backup.Options{
		Dir:       cfg.Backup.Dir,
		Retention: cfg.Retention(),
		Sink:      sink,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Jobs.Dir, 0o750); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		handles:  handles,
		registry: registry,
		queries:  queries,
		pipeline: pipeline,
		backups:  backups,
		jobs:     job.NewManager(cfg.Jobs.MaxAge.Std()),
		resolver: resolver,
		limiter:  limiter,
		kvStore:  kvStore,
		metrics:  newMetrics(),
		started:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.grpcSrv = s.newGRPCServer()
	return s, nil
}

func tenantsFromConfig(cfg *config.Config) []*tenant.Tenant {
	out := make([]*tenant.Tenant, 0, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		t := &tenant.Tenant{
			ID:          tc.ID,
			Active:      tc.IsActive(),
			Permissions: tc.Permissions,
			Quotas:      tenant.DefaultQuotas,
			APIKeys:     tc.ResolvedKeys(),
			Metadata:    tc.Metadata,
		}
		if tc.Quotas != nil {
			if tc.Quotas.MaxDatasets > 0 {
				t.Quotas.MaxDatasets = tc.Quotas.MaxDatasets
			}
			if tc.Quotas.MaxVectorsPerDataset > 0 {
				t.Quotas.MaxVectorsPerDataset = tc.Quotas.MaxVectorsPerDataset
			}
			if tc.Quotas.MaxBytes > 0 {
				t.Quotas.MaxBytes = tc.Quotas.MaxBytes
			}
		}
		if tc.RateLimit != nil {
			q := tc.RateLimit.Quota()
			t.RateLimits = &q
		}
		out = append(out, t)
	}
	return out
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Service) Router() http.Handler { return s.router }

// Start binds the listener and serves both protocols until Shutdown. It
// blocks until the listener closes.
func (s *Service) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return err
	}
	if s.cfg.Server.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		if err != nil {
			return err
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"h2", "http/1.1"},
		})
	}

	s.mux = cmux.New(ln)
	grpcL := s.mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := s.mux.Match(cmux.Any())

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Backup.Schedule != "" {
		c, err := s.backups.Schedule(s.cfg.Backup.Schedule)
		if err != nil {
			return err
		}
		s.crons = append(s.crons, c)
	}
	s.startJobSweeper()

	go func() {
		if err := s.grpcSrv.Serve(grpcL); err != nil && !errors.Is(err, cmux.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("gRPC server stopped")
		}
	}()
	go func() {
		if err := s.httpSrv.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	log.Info().Str("listen", s.cfg.Server.Listen).Msg("Server listening")
	err = s.mux.Serve()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// startJobSweeper removes aged job records and their output files hourly.
func (s *Service) startJobSweeper() {
	c := cron.New()
	_, _ = c.AddFunc("@hourly", func() { s.jobs.Sweep() })
	c.Start()
	s.crons = append(s.crons, c)
}

// Shutdown stops both servers and releases shared resources.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, c := range s.crons {
		c.Stop()
	}
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if s.mux != nil {
		s.mux.Close()
	}
	s.handles.Close()
	if cerr := s.kvStore.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info().Msg("Server stopped")
	return err
}
