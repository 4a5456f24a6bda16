// Package backup implements dataset export into checksummed tar.gz
// archives, restore with optional id remapping and integrity verification,
// an optional object-store replica, and retention sweeping.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/ingest"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

const (
	// DefaultRetention is how long completed backups are kept.
	DefaultRetention = 30 * 24 * time.Hour

	// restoreBatch is the insert batch size during restore.
	restoreBatch = 100

	// exportConcurrency bounds parallel per-dataset exports.
	exportConcurrency = 4

	datasetDirPrefix = "dataset_"
	recordSuffix     = ".record.json"
	archiveSuffix    = ".tar.gz"
)

// CreateRequest describes a backup to take.
type CreateRequest struct {
	Type       models.BackupType `json:"type"`
	TenantID   string            `json:"tenant_id,omitempty"`
	DatasetIDs []string          `json:"dataset_ids,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RestoreResult summarizes a restore run.
type RestoreResult struct {
	DatasetsRestored int      `json:"datasets_restored"`
	VectorsRestored  int      `json:"vectors_restored"`
	Errors           []string `json:"errors,omitempty"`
}

// datasetSchema is the schema.json payload inside an archive.
type datasetSchema struct {
	Dimensions int              `json:"dimensions"`
	Metric     models.Metric    `json:"metric"`
	IndexKind  models.IndexKind `json:"index_type"`
}

// systemMetadata is the system/config.json payload inside an archive.
type systemMetadata struct {
	BackupID       string            `json:"backup_id"`
	Type           models.BackupType `json:"type"`
	TenantID       string            `json:"tenant_id,omitempty"`
	DatasetCount   int               `json:"dataset_count"`
	DegradedToFull bool              `json:"degraded_to_full,omitempty"`
	BaseBackupID   string            `json:"base_backup_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Engine takes and restores backups. Archives and their records live under
// a local directory; a sink, when configured, holds a remote replica.
type Engine struct {
	store     *storage.Engine
	handles   *storage.HandleCache
	pipeline  *ingest.Pipeline
	registry  *index.Registry
	dir       string
	retention time.Duration
	sink      Sink

	mu      sync.Mutex
	records map[string]*models.BackupRecord
	cancels map[string]context.CancelFunc
}

// Options tunes the backup engine.
type Options struct {
	Dir       string
	Retention time.Duration
	Sink      Sink // nil disables the remote replica
}

// NewEngine creates a backup engine and loads any records already present
// in the backup directory.
func NewEngine(store *storage.Engine, handles *storage.HandleCache, pipeline *ingest.Pipeline, registry *index.Registry, opts Options) (*Engine, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, verrors.Wrap(verrors.CodeBackup, err, "create backup directory")
	}
	e := &Engine{
		store:     store,
		handles:   handles,
		pipeline:  pipeline,
		registry:  registry,
		dir:       opts.Dir,
		retention: opts.Retention,
		sink:      opts.Sink,
		records:   make(map[string]*models.BackupRecord),
		cancels:   make(map[string]context.CancelFunc),
	}
	if err := e.loadRecords(); err != nil {
		return nil, err
	}
	return e, nil
}

// Create takes a backup synchronously and returns its record. Incremental
// backups fall back to a full copy; the base backup, when one exists, is
// referenced in the record metadata.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.BackupRecord, error) {
	record, err := e.begin(req)
	if err != nil {
		return nil, err
	}
	return record, e.runToCompletion(ctx, record, req)
}

// CreateAsync starts a backup in the background and returns the running
// record immediately. A running backup can be stopped with Cancel; callers
// poll Get for the terminal status.
func (e *Engine) CreateAsync(req CreateRequest) (*models.BackupRecord, error) {
	record, err := e.begin(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[record.ID] = cancel
	e.mu.Unlock()

	snapshot := *record
	go func() {
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.cancels, record.ID)
			e.mu.Unlock()
		}()
		if err := e.runToCompletion(ctx, record, req); err != nil {
			log.Error().Err(err).Str("backup_id", record.ID).Msg("Background backup failed")
		}
	}()
	return &snapshot, nil
}

// Cancel stops a running backup.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return verrors.New(verrors.CodeValidation, "backup %s is not running", id)
	}
	cancel()
	return nil
}

func (e *Engine) begin(req CreateRequest) (*models.BackupRecord, error) {
	if req.Type == "" {
		req.Type = models.BackupFull
	}
	if !req.Type.Valid() {
		return nil, verrors.New(verrors.CodeValidation, "unknown backup type %q", req.Type)
	}
	record := &models.BackupRecord{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Status:     models.BackupRunning,
		TenantID:   req.TenantID,
		DatasetIDs: req.DatasetIDs,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now().UTC(),
	}
	e.putRecord(record)
	return record, nil
}

func (e *Engine) runToCompletion(ctx context.Context, record *models.BackupRecord, req CreateRequest) error {
	if err := e.run(ctx, record, req); err != nil {
		record.Status = models.BackupFailed
		if ctx.Err() != nil {
			record.Status = models.BackupCancelled
		}
		record.Error = err.Error()
		e.putRecord(record)
		e.removeArchive(record.ID)
		return err
	}
	record.Status = models.BackupCompleted
	e.putRecord(record)
	log.Info().
		Str("backup_id", record.ID).
		Str("type", string(record.Type)).
		Int("datasets", len(record.DatasetIDs)).
		Int64("compressed_bytes", record.CompressedBytes).
		Msg("Backup completed")
	return nil
}

func (e *Engine) run(ctx context.Context, record *models.BackupRecord, req CreateRequest) error {
	start := time.Now()

	targets, err := e.targets(req)
	if err != nil {
		return err
	}
	record.DatasetIDs = make([]string, 0, len(targets))
	for _, ds := range targets {
		record.DatasetIDs = append(record.DatasetIDs, ds.ID)
	}
	sort.Strings(record.DatasetIDs)

	sys := systemMetadata{
		BackupID:     record.ID,
		Type:         record.Type,
		TenantID:     record.TenantID,
		DatasetCount: len(targets),
		CreatedAt:    record.CreatedAt,
	}
	if record.Type == models.BackupIncremental {
		if base := e.latestFull(record.TenantID, record.ID); base != "" {
			sys.BaseBackupID = base
		} else {
			sys.DegradedToFull = true
		}
		if record.Metadata == nil {
			record.Metadata = make(map[string]string)
		}
		if sys.DegradedToFull {
			record.Metadata["degraded_to_full"] = "true"
		}
	}

	staging, err := os.MkdirTemp(e.dir, "staging-")
	if err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "create staging directory")
	}
	defer os.RemoveAll(staging)

	root := filepath.Join(staging, record.ID)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for _, ds := range targets {
		g.Go(func() error {
			return e.exportDataset(gctx, ds, filepath.Join(root, datasetDirPrefix+ds.ID))
		})
	}
	if err := g.Wait(); err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "export datasets")
	}

	sysDir := filepath.Join(root, "system")
	if err := os.MkdirAll(sysDir, 0o750); err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "create system directory")
	}
	if err := writeJSON(filepath.Join(sysDir, "config.json"), sys); err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "write system metadata")
	}

	record.SizeBytes = dirSize(staging)
	checksum, compressed, err := writeArchive(staging, e.archivePath(record.ID))
	if err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "write archive")
	}
	record.Checksum = checksum
	record.CompressedBytes = compressed
	record.StorageURI = "file://" + e.archivePath(record.ID)

	if e.sink != nil {
		uri, err := e.sink.Put(ctx, record.ID+archiveSuffix, e.archivePath(record.ID))
		if err != nil {
			return verrors.Wrap(verrors.CodeBackup, err, "upload archive")
		}
		record.StorageURI = uri
	}

	record.DurationSeconds = time.Since(start).Seconds()
	return nil
}

// targets resolves the datasets covered by a request. Explicit ids must
// all exist; otherwise every dataset in scope is included.
func (e *Engine) targets(req CreateRequest) ([]*models.Dataset, error) {
	if len(req.DatasetIDs) > 0 {
		out := make([]*models.Dataset, 0, len(req.DatasetIDs))
		for _, id := range req.DatasetIDs {
			ds, err := e.store.ReadSidecar(id)
			if err != nil {
				return nil, err
			}
			if req.TenantID != "" && ds.TenantID != req.TenantID {
				return nil, verrors.NotFound("dataset", id)
			}
			out = append(out, ds)
		}
		return out, nil
	}

	all, err := e.store.List()
	if err != nil {
		return nil, err
	}
	if req.TenantID == "" {
		return all, nil
	}
	out := all[:0]
	for _, ds := range all {
		if ds.TenantID == req.TenantID {
			out = append(out, ds)
		}
	}
	return out, nil
}

// exportDataset writes one dataset's metadata, schema, and rows into dir.
func (e *Engine) exportDataset(ctx context.Context, ds *models.Dataset, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	h, release, err := e.handles.Reader(ds.ID)
	if err != nil {
		return err
	}
	defer release()

	rows, err := h.Scan(0, 0)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "metadata.json"), ds); err != nil {
		return err
	}
	schema := datasetSchema{Dimensions: ds.Dimensions, Metric: ds.Metric, IndexKind: ds.IndexKind}
	if err := writeJSON(filepath.Join(dir, "schema.json"), schema); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "data.json"), rows)
}

// Restore rebuilds datasets from a backup archive.
func (e *Engine) Restore(ctx context.Context, backupID string, opts *models.RestoreOptions) (*RestoreResult, error) {
	if opts == nil {
		opts = &models.RestoreOptions{}
	}
	record, err := e.Get(backupID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.BackupCompleted {
		return nil, verrors.New(verrors.CodeBackup, "backup %s is %s, not restorable", backupID, record.Status)
	}

	archive, cleanup, err := e.localArchive(ctx, record)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if opts.VerifyIntegrity {
		sum, err := checksumFile(archive)
		if err != nil {
			return nil, verrors.Wrap(verrors.CodeBackup, err, "checksum archive")
		}
		if sum != record.Checksum {
			return nil, verrors.New(verrors.CodeBackup, "archive checksum mismatch: have %s, want %s", sum, record.Checksum)
		}
	}

	extracted, err := os.MkdirTemp(e.dir, "restore-")
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeBackup, err, "create extraction directory")
	}
	defer os.RemoveAll(extracted)
	if err := extractArchive(archive, extracted); err != nil {
		return nil, verrors.Wrap(verrors.CodeBackup, err, "extract archive")
	}

	root := filepath.Join(extracted, record.ID)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeBackup, err, "read archive root")
	}

	result := &RestoreResult{}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), datasetDirPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, verrors.Wrap(verrors.CodeTimeout, err, "restore interrupted")
		}
		origID := strings.TrimPrefix(entry.Name(), datasetDirPrefix)
		n, err := e.restoreDataset(ctx, filepath.Join(root, entry.Name()), origID, opts)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", origID, err))
			continue
		}
		result.DatasetsRestored++
		result.VectorsRestored += n
	}
	log.Info().
		Str("backup_id", backupID).
		Int("datasets", result.DatasetsRestored).
		Int("vectors", result.VectorsRestored).
		Int("errors", len(result.Errors)).
		Msg("Restore finished")
	return result, nil
}

// restoreDataset recreates one dataset from its archive directory and
// returns how many vectors were inserted.
func (e *Engine) restoreDataset(ctx context.Context, dir, origID string, opts *models.RestoreOptions) (int, error) {
	var ds models.Dataset
	if err := readJSON(filepath.Join(dir, "metadata.json"), &ds); err != nil {
		return 0, err
	}
	var schema datasetSchema
	if err := readJSON(filepath.Join(dir, "schema.json"), &schema); err != nil {
		return 0, err
	}
	var rows []*models.Vector
	if err := readJSON(filepath.Join(dir, "data.json"), &rows); err != nil {
		return 0, err
	}

	if opts.TargetTenant != "" {
		ds.TenantID = opts.TargetTenant
	}
	// Remapping works on the tenant-visible name; the storage key is
	// rederived so the dataset resolves under the target tenant.
	if mapped, ok := opts.DatasetMapping[origID]; ok {
		ds.Name = mapped
	} else if mapped, ok := opts.DatasetMapping[ds.Name]; ok {
		ds.Name = mapped
	}
	ds.ID = models.DatasetKey(ds.TenantID, ds.Name)
	if !opts.RestoreMetadata {
		ds.Metadata = nil
	}
	ds.Dimensions = schema.Dimensions
	ds.Metric = schema.Metric
	ds.IndexKind = schema.IndexKind
	ds.UpdatedAt = time.Now().UTC()

	if err := e.store.Create(&ds, opts.OverwriteExisting); err != nil {
		return 0, err
	}

	inserted := 0
	for start := 0; start < len(rows); start += restoreBatch {
		end := start + restoreBatch
		if end > len(rows) {
			end = len(rows)
		}
		res, err := e.pipeline.Insert(ctx, &ds, rows[start:end], nil)
		if err != nil {
			return inserted, err
		}
		inserted += res.Inserted
	}

	if opts.RestoreIndexes && len(rows) > 0 {
		e.registry.ScheduleBuild(&ds, index.Config{}, ingest.Source(e.handles, ds.ID))
	}
	return inserted, nil
}

// localArchive ensures the archive is on local disk, fetching from the
// sink when the local copy is gone.
func (e *Engine) localArchive(ctx context.Context, record *models.BackupRecord) (string, func(), error) {
	path := e.archivePath(record.ID)
	if _, err := os.Stat(path); err == nil {
		return path, func() {}, nil
	}
	if e.sink == nil {
		return "", nil, verrors.NotFound("backup archive", record.ID)
	}
	tmp, err := os.CreateTemp(e.dir, "fetch-*"+archiveSuffix)
	if err != nil {
		return "", nil, verrors.Wrap(verrors.CodeBackup, err, "create download target")
	}
	tmp.Close()
	if err := e.sink.Fetch(ctx, record.ID+archiveSuffix, tmp.Name()); err != nil {
		os.Remove(tmp.Name())
		return "", nil, verrors.Wrap(verrors.CodeBackup, err, "fetch archive")
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}

// Get returns a backup record by id.
func (e *Engine) Get(id string) (*models.BackupRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.records[id]
	if !ok {
		return nil, verrors.NotFound("backup", id)
	}
	copied := *record
	return &copied, nil
}

// List returns all records, newest first, optionally scoped to a tenant.
func (e *Engine) List(tenantID string) []*models.BackupRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.BackupRecord, 0, len(e.records))
	for _, record := range e.records {
		if tenantID != "" && record.TenantID != tenantID {
			continue
		}
		copied := *record
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Delete removes a backup's record, archive, and sink replica.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.records[id]
	if ok {
		delete(e.records, id)
	}
	e.mu.Unlock()
	if !ok {
		return verrors.NotFound("backup", id)
	}

	e.removeArchive(id)
	os.Remove(e.recordPath(id))
	if e.sink != nil {
		if err := e.sink.Remove(ctx, id+archiveSuffix); err != nil {
			log.Warn().Err(err).Str("backup_id", id).Msg("Failed to delete sink replica")
		}
	}
	return nil
}

// Sweep deletes completed backups older than the retention window and
// returns how many were removed.
func (e *Engine) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-e.retention)
	var expired []string
	e.mu.Lock()
	for id, record := range e.records {
		if record.Status == models.BackupCompleted && record.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		if err := e.Delete(ctx, id); err != nil {
			log.Warn().Err(err).Str("backup_id", id).Msg("Retention sweep failed to delete backup")
		}
	}
	if len(expired) > 0 {
		log.Info().Int("deleted", len(expired)).Msg("Backup retention sweep finished")
	}
	return len(expired)
}

// Schedule starts periodic full backups on a cron expression plus an
// hourly retention sweep. The returned cron must be stopped on shutdown.
func (e *Engine) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if spec != "" {
		_, err := c.AddFunc(spec, func() {
			if _, err := e.Create(context.Background(), CreateRequest{Type: models.BackupFull}); err != nil {
				log.Error().Err(err).Msg("Scheduled backup failed")
			}
		})
		if err != nil {
			return nil, verrors.Wrap(verrors.CodeValidation, err, "invalid backup schedule")
		}
	}
	if _, err := c.AddFunc("@hourly", func() { e.Sweep(context.Background()) }); err != nil {
		return nil, verrors.Wrap(verrors.CodeBackup, err, "register retention sweep")
	}
	c.Start()
	return c, nil
}

// latestFull returns the newest completed full backup in scope, excluding
// the one being taken.
func (e *Engine) latestFull(tenantID, excludeID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best *models.BackupRecord
	for _, record := range e.records {
		if record.ID == excludeID || record.Type != models.BackupFull || record.Status != models.BackupCompleted {
			continue
		}
		if tenantID != "" && record.TenantID != tenantID {
			continue
		}
		if best == nil || record.CreatedAt.After(best.CreatedAt) {
			best = record
		}
	}
	if best == nil {
		return ""
	}
	return best.ID
}

// putRecord stores the record in memory and on disk.
func (e *Engine) putRecord(record *models.BackupRecord) {
	e.mu.Lock()
	copied := *record
	e.records[record.ID] = &copied
	e.mu.Unlock()
	if err := writeJSON(e.recordPath(record.ID), record); err != nil {
		log.Warn().Err(err).Str("backup_id", record.ID).Msg("Failed to persist backup record")
	}
}

// loadRecords restores the record table from the backup directory.
func (e *Engine) loadRecords() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return verrors.Wrap(verrors.CodeBackup, err, "read backup directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		var record models.BackupRecord
		if err := readJSON(filepath.Join(e.dir, entry.Name()), &record); err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable backup record")
			continue
		}
		e.records[record.ID] = &record
	}
	return nil
}

func (e *Engine) archivePath(id string) string {
	return filepath.Join(e.dir, id+archiveSuffix)
}

func (e *Engine) recordPath(id string) string {
	return filepath.Join(e.dir, id+recordSuffix)
}

func (e *Engine) removeArchive(id string) {
	os.Remove(e.archivePath(id))
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
