package server

import (
	"net/http"
	"time"

	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/ingest"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// indexRequest is the POST /index body.
type indexRequest struct {
	Type         models.IndexKind `json:"type,omitempty"`
	ForceRebuild bool             `json:"force_rebuild,omitempty"`
	HNSW         *hnswParams      `json:"hnsw,omitempty"`
	IVF          *ivfParams       `json:"ivf,omitempty"`
}

type hnswParams struct {
	M              int `json:"m,omitempty"`
	EfConstruction int `json:"ef_construction,omitempty"`
	EfSearch       int `json:"ef_search,omitempty"`
}

type ivfParams struct {
	Nlist  int `json:"nlist,omitempty"`
	Nprobe int `json:"nprobe,omitempty"`
}

func (req *indexRequest) config() index.Config {
	cfg := index.Config{Kind: req.Type, ForceRebuild: req.ForceRebuild}
	if req.HNSW != nil {
		cfg.HNSW = index.HNSWParams{M: req.HNSW.M, EfConstruction: req.HNSW.EfConstruction, EfSearch: req.HNSW.EfSearch}
	}
	if req.IVF != nil {
		cfg.IVF = index.IVFParams{Nlist: req.IVF.Nlist, Nprobe: req.IVF.Nprobe}
	}
	return cfg
}

// handleCreateIndex builds (or rebuilds) the dataset's index synchronously
// and returns the resulting stats. With force_rebuild unset, a build over
// an up-to-date index is a no-op.
func (s *Service) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req indexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		writeError(w, r, verrors.New(verrors.CodeValidation, "unknown index type %q", req.Type))
		return
	}

	stats, err := s.registry.Build(r.Context(), ds, req.config(), ingest.Source(s.handles, ds.ID))
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Persist an explicit type change so later auto-builds follow it.
	if req.Type != "" && req.Type != ds.IndexKind {
		ds.IndexKind = req.Type
		ds.UpdatedAt = time.Now().UTC()
		if err := s.store.WriteSidecar(ds); err != nil {
			writeError(w, r, err)
			return
		}
		s.handles.Invalidate(ds.ID)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats, ok := s.registry.Stats(ds.ID); ok {
		writeJSON(w, http.StatusOK, stats)
		return
	}
	h, release, err := s.handles.Reader(ds.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	count := h.Count()
	release()
	writeJSON(w, http.StatusOK, models.IndexStats{Kind: models.IndexFlat, VectorCount: count, Trained: true})
}

// handleDropIndex removes the approximate index; searches fall back to the
// exact flat scan.
func (s *Service) handleDropIndex(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.registry.Drop(ds.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": ds.ID})
}
