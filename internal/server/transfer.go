package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/internal/transfer"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// maxImportBytes caps a single uploaded import file.
const maxImportBytes = 1 << 30

// handleImport accepts a file upload (multipart "file" field or raw body),
// spools it to disk, and runs the import as an async job. The job id comes
// back immediately; progress is polled via /import/{job_id}.
func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := transfer.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts := &models.InsertOptions{
		SkipExisting: r.URL.Query().Get("skip_existing") == "true",
		Overwrite:    r.URL.Query().Get("overwrite") == "true",
	}

	src, err := importBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer src.Close()

	spool := filepath.Join(s.cfg.Jobs.Dir, "import-"+uuid.NewString()+format.Extension())
	f, err := os.Create(spool)
	if err != nil {
		writeError(w, r, verrors.Wrap(verrors.CodeStorage, err, "spool import upload"))
		return
	}
	_, err = io.Copy(f, io.LimitReader(src, maxImportBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(spool)
		writeError(w, r, verrors.Wrap(verrors.CodeStorage, err, "spool import upload"))
		return
	}

	t := tenantFrom(r.Context())
	j := s.jobs.Submit(models.JobImport, t.ID, ds.ID, transfer.ImportTask(s.pipeline, ds, format, spool, opts))
	writeJSON(w, http.StatusAccepted, j)
}

// importBody picks the upload stream out of the request: the "file" part
// of a multipart form, or the raw body for direct uploads.
func importBody(r *http.Request) (io.ReadCloser, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, verrors.Wrap(verrors.CodeValidation, err, "multipart upload needs a file field")
		}
		return f, nil
	}
	return r.Body, nil
}

// exportRequest is the POST /export body.
type exportRequest struct {
	Format string `json:"format,omitempty"`
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	ds, err := s.datasetFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req exportRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	format, err := transfer.ParseFormat(req.Format)
	if err != nil {
		writeError(w, r, err)
		return
	}

	t := tenantFrom(r.Context())
	j := s.jobs.Submit(models.JobExport, t.ID, ds.ID, transfer.ExportTask(s.handles, ds, format, s.cfg.Jobs.Dir))
	writeJSON(w, http.StatusAccepted, j)
}

// jobFor resolves a routed job and enforces tenancy.
func (s *Service) jobFor(r *http.Request) (*models.Job, error) {
	id := chi.URLParam(r, "jobID")
	j, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if err := tenant.Authorize(tenantFrom(r.Context()), j.TenantID, "job", id); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Service) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Service) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !j.Status.Terminal() {
		writeError(w, r, verrors.New(verrors.CodeValidation, "job %s is still %s", j.ID, j.Status))
		return
	}
	path, err := s.jobs.OutputPath(j.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(path))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	http.ServeFile(w, r, path)
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".csv":
		return transfer.FormatCSV.ContentType()
	case ".jsonl":
		return transfer.FormatJSONL.ContentType()
	default:
		return transfer.FormatJSON.ContentType()
	}
}
