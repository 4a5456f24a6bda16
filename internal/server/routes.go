package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// routes assembles the /api/v1 surface. Health probes skip authentication;
// everything else runs through tenant resolution and per-operation rate
// limiting.
func (s *Service) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/health/ready", s.handleReady)
		r.Get("/health/live", s.handleLive)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/metrics", s.requirePermission("admin", s.handleMetrics))
			r.Get("/metrics/prometheus", s.requirePermission("admin", s.handleMetricsPrometheus))

			r.Route("/datasets", func(r chi.Router) {
				r.With(s.rateLimit("create_dataset")).Post("/", s.handleCreateDataset)
				r.With(s.rateLimit("list_datasets")).Get("/", s.handleListDatasets)

				r.Route("/{datasetID}", func(r chi.Router) {
					r.With(s.rateLimit("get_dataset")).Get("/", s.handleGetDataset)
					r.With(s.rateLimit("delete_dataset")).Delete("/", s.handleDeleteDataset)
					r.With(s.rateLimit("get_dataset")).Get("/stats", s.handleDatasetStats)

					r.Route("/vectors", func(r chi.Router) {
						r.With(s.rateLimit("insert")).Post("/", s.handleInsertVector)
						r.With(s.rateLimit("batch_insert")).Post("/batch", s.handleBatchInsert)
						r.With(s.rateLimit("list_vectors")).Get("/", s.handleListVectors)
						r.With(s.rateLimit("get_vector")).Get("/{vectorID}", s.handleGetVector)
						r.With(s.rateLimit("update_vector")).Put("/{vectorID}", s.handleUpdateVector)
						r.With(s.rateLimit("delete_vector")).Delete("/{vectorID}", s.handleDeleteVector)
					})

					r.With(s.rateLimit("search")).
						Post("/search", withTimeout(s.cfg.Server.SearchTimeout.Std(), s.handleSearch))
					r.With(s.rateLimit("search")).
						Post("/search/text", withTimeout(s.cfg.Server.SearchTimeout.Std(), s.handleTextSearch))
					r.With(s.rateLimit("hybrid_search")).
						Post("/search/hybrid", withTimeout(s.cfg.Server.HybridTimeout.Std(), s.handleHybridSearch))

					r.Route("/index", func(r chi.Router) {
						r.With(s.rateLimit("index_operation")).Post("/", s.handleCreateIndex)
						r.With(s.rateLimit("get_dataset")).Get("/", s.handleIndexStats)
						r.With(s.rateLimit("index_operation")).Delete("/", s.handleDropIndex)
					})

					r.With(s.rateLimit("import")).Post("/import", s.handleImport)
					r.With(s.rateLimit("export")).Post("/export", s.handleExport)
				})
			})

			r.Get("/import/{jobID}", s.handleJobStatus)
			r.Get("/export/{jobID}", s.handleJobStatus)
			r.Get("/export/{jobID}/download", s.handleExportDownload)

			r.Route("/backups", func(r chi.Router) {
				r.With(s.rateLimit("backup")).Post("/", s.handleCreateBackup)
				r.Get("/", s.handleListBackups)
				r.Get("/{backupID}", s.handleGetBackup)
				r.Delete("/{backupID}", s.handleDeleteBackup)
				r.With(s.rateLimit("restore")).Post("/{backupID}/restore", s.handleRestoreBackup)
				r.Post("/{backupID}/cancel", s.handleCancelBackup)
			})

			r.Get("/rate-limits", s.handleRateLimits)
			r.Get("/admin/rate-limits/{tenantID}", s.requirePermission("admin", s.handleAdminGetRateLimits))
			r.Post("/admin/rate-limits/{tenantID}", s.requirePermission("admin", s.handleAdminSetRateLimits))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{
			ErrorCode: "not_found",
			Message:   "no such route",
			RequestID: requestIDFrom(r.Context()),
		})
	})
	return r
}
