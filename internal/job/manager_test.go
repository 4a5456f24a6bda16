package job

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// waitStatus polls until the job reaches a terminal state.
func waitStatus(t *testing.T, m *Manager, id string) models.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.Get(id)
		require.NoError(t, err)
		if j.Status.Terminal() {
			return j.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return ""
}

func TestJobCompletes(t *testing.T) {
	m := NewManager(0)
	j := m.Submit(models.JobExport, "t1", "ds1", func(ctx context.Context, tr *Tracker) error {
		tr.SetTotal(3)
		tr.Add(3, 3, 0, 0)
		return nil
	})
	assert.Equal(t, models.JobPending, j.Status)

	assert.Equal(t, models.JobCompleted, waitStatus(t, m, j.ID))
	got, err := m.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Progress.Processed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestJobCompletedWithErrors(t *testing.T) {
	m := NewManager(0)
	j := m.Submit(models.JobImport, "t1", "ds1", func(ctx context.Context, tr *Tracker) error {
		tr.Add(2, 1, 1, 0)
		tr.AddError("row 2: bad dimensions")
		return nil
	})
	assert.Equal(t, models.JobCompletedWithErrors, waitStatus(t, m, j.ID))
	got, _ := m.Get(j.ID)
	assert.Equal(t, []string{"row 2: bad dimensions"}, got.Errors)
}

func TestJobFails(t *testing.T) {
	m := NewManager(0)
	j := m.Submit(models.JobBackup, "t1", "", func(ctx context.Context, tr *Tracker) error {
		return errors.New("disk full")
	})
	assert.Equal(t, models.JobFailed, waitStatus(t, m, j.ID))
	got, _ := m.Get(j.ID)
	assert.Contains(t, got.Errors, "disk full")
}

func TestJobCancel(t *testing.T) {
	m := NewManager(0)
	started := make(chan struct{})
	j := m.Submit(models.JobExport, "t1", "ds1", func(ctx context.Context, tr *Tracker) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	require.NoError(t, m.Cancel(j.ID))
	assert.Equal(t, models.JobCancelled, waitStatus(t, m, j.ID))

	// A finished job can no longer be cancelled.
	err := m.Cancel(j.ID)
	require.Error(t, err)
	assert.Equal(t, verrors.CodeValidation, verrors.CodeOf(err))
}

func TestCancelUnknownJob(t *testing.T) {
	m := NewManager(0)
	err := m.Cancel("nope")
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
}

func TestSweepRemovesAgedJobsAndOutputs(t *testing.T) {
	m := NewManager(time.Hour)
	artifact := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(artifact, []byte("{}"), 0o640))

	j := m.Submit(models.JobExport, "t1", "ds1", func(ctx context.Context, tr *Tracker) error {
		tr.SetOutput("/api/v1/export/x/download", artifact)
		return nil
	})
	waitStatus(t, m, j.ID)

	// Recent jobs survive.
	assert.Zero(t, m.Sweep())

	m.mu.Lock()
	old := time.Now().Add(-2 * time.Hour)
	m.jobs[j.ID].job.FinishedAt = &old
	m.mu.Unlock()

	assert.Equal(t, 1, m.Sweep())
	_, err := m.Get(j.ID)
	assert.Equal(t, verrors.CodeNotFound, verrors.CodeOf(err))
	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err))
}

func TestListScopesToTenant(t *testing.T) {
	m := NewManager(0)
	a := m.Submit(models.JobExport, "t1", "ds1", func(ctx context.Context, tr *Tracker) error { return nil })
	b := m.Submit(models.JobExport, "t2", "ds2", func(ctx context.Context, tr *Tracker) error { return nil })
	waitStatus(t, m, a.ID)
	waitStatus(t, m, b.ID)

	assert.Len(t, m.List(""), 2)
	scoped := m.List("t2")
	require.Len(t, scoped, 1)
	assert.Equal(t, b.ID, scoped[0].ID)
}
