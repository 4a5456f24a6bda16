package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

const maxBatchSize = 10_000

// batchInsertRequest is the /vectors/batch body.
type batchInsertRequest struct {
	Vectors []*models.Vector      `json:"vectors"`
	Options *models.InsertOptions `json:"options,omitempty"`
}

func (s *Service) handleInsertVector(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var v models.Vector
	if err := decodeJSON(r, &v); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.checkVectorQuota(tenantFrom(r.Context()), ds, 1); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.pipeline.Insert(r.Context(), ds, []*models.Vector{&v}, nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Service) handleBatchInsert(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req batchInsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Vectors) == 0 {
		writeError(w, r, verrors.New(verrors.CodeValidation, "vectors array is required"))
		return
	}
	if len(req.Vectors) > maxBatchSize {
		writeError(w, r, verrors.New(verrors.CodeValidation, "batch of %d exceeds the %d limit", len(req.Vectors), maxBatchSize))
		return
	}
	if err := s.checkVectorQuota(tenantFrom(r.Context()), ds, len(req.Vectors)); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.pipeline.Insert(r.Context(), ds, req.Vectors, req.Options)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// checkVectorQuota enforces the tenant's per-dataset vector cap before an
// insert of n rows.
func (s *Service) checkVectorQuota(t *tenant.Tenant, ds *models.Dataset, n int) error {
	if t.Quotas.MaxVectorsPerDataset <= 0 {
		return nil
	}
	h, release, err := s.handles.Reader(ds.ID)
	if err != nil {
		return err
	}
	count := h.Count()
	release()
	if count+n > t.Quotas.MaxVectorsPerDataset {
		return verrors.New(verrors.CodeValidation, "vector quota of %d per dataset reached", t.Quotas.MaxVectorsPerDataset).
			WithDetail("max_vectors_per_dataset", t.Quotas.MaxVectorsPerDataset)
	}
	return nil
}

func (s *Service) handleListVectors(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	if limit < 0 || offset < 0 {
		writeError(w, r, verrors.New(verrors.CodeValidation, "limit and offset must be non-negative"))
		return
	}
	h, release, err := s.handles.Reader(ds.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer release()
	vectors, err := h.Scan(limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vectors": vectors,
		"total":   h.Count(),
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Service) handleGetVector(w http.ResponseWriter, r *http.Request) {
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
	defer release()
	v, err := h.FindByID(chi.URLParam(r, "vectorID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Service) handleUpdateVector(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var v models.Vector
	if err := decodeJSON(r, &v); err != nil {
		writeError(w, r, err)
		return
	}
	v.ID = chi.URLParam(r, "vectorID")
	if err := s.pipeline.Update(r.Context(), ds, &v); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &v)
}

func (s *Service) handleDeleteVector(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "vectorID")
	if err := s.pipeline.Delete(r.Context(), ds, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
