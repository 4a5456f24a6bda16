package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/vexdb/internal/backup"
	"github.com/thebtf/vexdb/internal/tenant"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// createBackupRequest is the POST /backups body. Admins may back up the
// whole store by sending tenant_id ""; everyone else is scoped to their
// own datasets.
type createBackupRequest struct {
	Type       models.BackupType `json:"type,omitempty"`
	DatasetIDs []string          `json:"dataset_ids,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (s *Service) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	var req createBackupRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	scope := t.ID
	if t.Can("admin") && req.TenantID != t.ID {
		scope = req.TenantID
	}
	// Callers address datasets by name; the store keys them by tenant.
	ids := make([]string, 0, len(req.DatasetIDs))
	for _, name := range req.DatasetIDs {
		ids = append(ids, models.DatasetKey(scope, name))
	}
	record, err := s.backups.CreateAsync(backup.CreateRequest{
		Type:       req.Type,
		TenantID:   scope,
		DatasetIDs: ids,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

// backupFor resolves a routed backup record and enforces tenancy. Admins
// see every record.
func (s *Service) backupFor(r *http.Request) (*models.BackupRecord, error) {
	id := chi.URLParam(r, "backupID")
	record, err := s.backups.Get(id)
	if err != nil {
		return nil, err
	}
	t := tenantFrom(r.Context())
	if t.Can("admin") {
		return record, nil
	}
	if err := tenant.Authorize(t, record.TenantID, "backup", id); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) handleListBackups(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	scope := t.ID
	if t.Can("admin") && r.URL.Query().Get("all") == "true" {
		scope = ""
	}
	records := s.backups.List(scope)
	writeJSON(w, http.StatusOK, map[string]any{"backups": records, "total": len(records)})
}

func (s *Service) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	record, err := s.backupFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Service) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	record, err := s.backupFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.backups.Delete(r.Context(), record.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": record.ID})
}

func (s *Service) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	record, err := s.backupFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var opts models.RestoreOptions
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &opts); err != nil {
			writeError(w, r, err)
			return
		}
	}
	t := tenantFrom(r.Context())
	if !t.Can("admin") {
		// Non-admins can only restore into their own namespace.
		opts.TargetTenant = t.ID
	}
	result, err := s.backups.Restore(r.Context(), record.ID, &opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleCancelBackup(w http.ResponseWriter, r *http.Request) {
	record, err := s.backupFor(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if record.Status != models.BackupRunning {
		writeError(w, r, verrors.New(verrors.CodeValidation, "backup %s is %s, only running backups can be cancelled", record.ID, record.Status))
		return
	}
	if err := s.backups.Cancel(record.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": record.ID})
}
