package server

import (
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Dataset names double as directory names under the storage root.
var datasetNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// datasetFor resolves the routed dataset and enforces tenancy. Cross-tenant
// hits come back as NotFound.
func (s *Service) datasetFor(r *http.Request) (*models.Dataset, error) {
	return s.datasetByID(r.Context(), chi.URLParam(r, "datasetID"))
}

func (s *Service) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	var spec models.DatasetSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	if err := spec.Validate(); err != nil {
		writeError(w, r, verrors.Wrap(verrors.CodeValidation, err, "invalid dataset spec"))
		return
	}
	if !datasetNameRe.MatchString(spec.Name) {
		writeError(w, r, verrors.New(verrors.CodeValidation, "dataset name %q must match %s", spec.Name, datasetNameRe))
		return
	}
	spec = spec.WithDefaults()

	if err := s.checkDatasetQuota(t); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	ds := &models.Dataset{
		ID:          models.DatasetKey(t.ID, spec.Name),
		Name:        spec.Name,
		Description: spec.Description,
		Dimensions:  spec.Dimensions,
		Metric:      spec.Metric,
		IndexKind:   spec.IndexKind,
		TenantID:    t.ID,
		Metadata:    spec.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ds, spec.Overwrite); err != nil {
		writeError(w, r, err)
		return
	}
	if spec.Overwrite {
		s.handles.Invalidate(ds.ID)
		s.registry.Drop(ds.ID)
		s.queries.Invalidate(r.Context(), ds.ID)
	}
	writeJSON(w, http.StatusCreated, ds)
}

// checkDatasetQuota enforces the tenant's dataset cap.
func (s *Service) checkDatasetQuota(t *tenant.Tenant) error {
	if t.Quotas.MaxDatasets <= 0 {
		return nil
	}
	all, err := s.store.List()
	if err != nil {
		return err
	}
	owned := 0
	for _, ds := range all {
		if ds.TenantID == t.ID {
			owned++
		}
	}
	if owned >= t.Quotas.MaxDatasets {
		return verrors.New(verrors.CodeValidation, "dataset quota of %d reached", t.Quotas.MaxDatasets).
			WithDetail("max_datasets", t.Quotas.MaxDatasets)
	}
	return nil
}

func (s *Service) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	all, err := s.store.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	owned := make([]*models.Dataset, 0, len(all))
	for _, ds := range all {
		if ds.TenantID == t.ID {
			owned = append(owned, ds)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": owned, "total": len(owned)})
}

func (s *Service) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Service) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.handles.Invalidate(ds.ID)
	s.registry.Drop(ds.ID)
	s.queries.Invalidate(r.Context(), ds.ID)
	if err := s.store.Drop(ds.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": ds.ID})
}

func (s *Service) handleDatasetStats(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h, release, err := s.handles.Reader(ds.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count := h.Count()
	release()

	stats := models.DatasetStats{
		DatasetID:   ds.ID,
		VectorCount: count,
		SizeBytes:   s.store.DirSize(ds.ID),
	}
	if idx, ok := s.registry.Stats(ds.ID); ok {
		stats.Index = idx
	} else {
		stats.Index = models.IndexStats{Kind: models.IndexFlat, VectorCount: count, Trained: true}
	}
	writeJSON(w, http.StatusOK, stats)
}
