package backup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/internal/cache"
	"github.com/thebtf/vexdb/internal/index"
	"github.com/thebtf/vexdb/internal/ingest"
	"github.com/thebtf/vexdb/internal/kv"
	"github.com/thebtf/vexdb/internal/query"
	"github.com/thebtf/vexdb/internal/storage"
	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

type fixture struct {
	backups  *Engine
	store    *storage.Engine
	handles  *storage.HandleCache
	pipeline *ingest.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewEngine(t.TempDir())
	require.NoError(t, err)

	handles := storage.NewHandleCache(store)
	t.Cleanup(handles.Close)
	registry := index.NewRegistry(1)
	queries := query.New(handles, registry, cache.New(kv.NewMemory(100)))
	pipeline := ingest.New(store, handles, registry, queries)

	backups, err := NewEngine(store, handles, pipeline, registry, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return &fixture{backups: backups, store: store, handles: handles, pipeline: pipeline}
}

func (f *fixture) seedDataset(t *testing.T, id, tenantID string, n int) *models.Dataset {
	t.Helper()
	now := time.Now().UTC()
	ds := &models.Dataset{
		ID:         models.DatasetKey(tenantID, id),
		Name:       id,
		Dimensions: 3,
		Metric:     models.MetricCosine,
		IndexKind:  models.IndexFlat,
		TenantID:   tenantID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.store.Create(ds, false))

	vectors := make([]*models.Vector, n)
	for i := range vectors {
		vectors[i] = &models.Vector{
			ID:      id + "-v" + string(rune('a'+i)),
			Values:  []float32{float32(i), 1, 0},
			Content: "row " + string(rune('a'+i)),
		}
	}
	res, err := f.pipeline.Insert(context.Background(), ds, vectors, nil)
	require.NoError(t, err)
	require.Equal(t, n, res.Inserted)
	return ds
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.seedDataset(t, "ds1", "t1", 5)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)
	assert.Equal(t, models.BackupCompleted, record.Status)
	assert.NotEmpty(t, record.Checksum)
	assert.Equal(t, []string{models.DatasetKey("t1", "ds1")}, record.DatasetIDs)
	assert.Greater(t, record.CompressedBytes, int64(0))

	result, err := f.backups.Restore(ctx, record.ID, &models.RestoreOptions{
		DatasetMapping:  map[string]string{"ds1": "ds1-copy"},
		VerifyIntegrity: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DatasetsRestored)
	assert.Equal(t, 5, result.VectorsRestored)
	assert.Empty(t, result.Errors)

	// The embedding column must survive the round trip exactly.
	src, releaseSrc, err := f.handles.Reader(ds.ID)
	require.NoError(t, err)
	defer releaseSrc()
	dst, releaseDst, err := f.handles.Reader(models.DatasetKey("t1", "ds1-copy"))
	require.NoError(t, err)
	defer releaseDst()

	require.Equal(t, src.Count(), dst.Count())
	for _, id := range src.IDs() {
		want, err := src.FindByID(id)
		require.NoError(t, err)
		got, err := dst.FindByID(id)
		require.NoError(t, err)
		assert.Equal(t, want.Values, got.Values)
		assert.Equal(t, want.Content, got.Content)
	}
}

func TestBackupScopesToTenant(t *testing.T) {
	f := newFixture(t)
	f.seedDataset(t, "ds1", "t1", 2)
	f.seedDataset(t, "ds2", "t2", 2)

	record, err := f.backups.Create(context.Background(), CreateRequest{
		Type:     models.BackupFull,
		TenantID: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{models.DatasetKey("t1", "ds1")}, record.DatasetIDs)
}

func TestBackupExplicitUnknownDataset(t *testing.T) {
	f := newFixture(t)
	record, err := f.backups.Create(context.Background(), CreateRequest{
		Type:       models.BackupFull,
		DatasetIDs: []string{"missing"},
	})
	require.Error(t, err)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
	assert.Equal(t, models.BackupFailed, record.Status)
}

func TestIncrementalDegradesToFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 2)

	first, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupIncremental})
	require.NoError(t, err)
	assert.Equal(t, "true", first.Metadata["degraded_to_full"])

	full, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)
	require.Equal(t, models.BackupCompleted, full.Status)

	second, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupIncremental})
	require.NoError(t, err)
	assert.NotContains(t, second.Metadata, "degraded_to_full")
}

func TestRestoreDetectsCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 2)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)

	// Flip bytes in the archive.
	path := f.backups.archivePath(record.ID)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o640))

	_, err = f.backups.Restore(ctx, record.ID, &models.RestoreOptions{VerifyIntegrity: true})
	require.Error(t, err)
	assert.Equal(t, verrors.CodeBackup, verrors.CodeOf(err))
}

func TestRestoreWithoutOverwriteCollidesPerDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 2)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)

	result, err := f.backups.Restore(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, result.DatasetsRestored)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "ds1")
}

func TestRestoreUnknownBackup(t *testing.T) {
	f := newFixture(t)
	_, err := f.backups.Restore(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestDeleteRemovesArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 1)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)
	path := f.backups.archivePath(record.ID)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, f.backups.Delete(ctx, record.ID))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = f.backups.Get(record.ID)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestSweepDeletesExpiredCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 1)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)

	// Age the record past the retention window.
	f.backups.mu.Lock()
	f.backups.records[record.ID].CreatedAt = time.Now().Add(-31 * 24 * time.Hour)
	f.backups.mu.Unlock()

	assert.Equal(t, 1, f.backups.Sweep(ctx))
	_, err = f.backups.Get(record.ID)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestRecordsSurviveRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 1)

	record, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull})
	require.NoError(t, err)

	reloaded, err := NewEngine(f.store, f.handles, f.pipeline, index.NewRegistry(1), Options{Dir: f.backups.dir})
	require.NoError(t, err)
	got, err := reloaded.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Checksum, got.Checksum)
	assert.Equal(t, models.BackupCompleted, got.Status)
}

func TestListFiltersAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDataset(t, "ds1", "t1", 1)
	f.seedDataset(t, "ds2", "t2", 1)

	_, err := f.backups.Create(ctx, CreateRequest{Type: models.BackupFull, TenantID: "t1"})
	require.NoError(t, err)
	_, err = f.backups.Create(ctx, CreateRequest{Type: models.BackupFull, TenantID: "t2"})
	require.NoError(t, err)

	all := f.backups.List("")
	require.Len(t, all, 2)
	assert.False(t, all[0].CreatedAt.Before(all[1].CreatedAt))

	scoped := f.backups.List("t2")
	require.Len(t, scoped, 1)
	assert.Equal(t, "t2", scoped[0].TenantID)
}
