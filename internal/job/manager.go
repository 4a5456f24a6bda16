// Package job tracks asynchronous import, export, and backup operations:
// UUID-keyed records with status transitions, streaming progress counters,
// best-effort cancellation, and sweeping of aged records and their output
// artifacts.
package job

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// DefaultMaxAge is how long finished jobs and their outputs are kept.
const DefaultMaxAge = 24 * time.Hour

// maxJobErrors bounds the error list kept per job.
const maxJobErrors = 100

// Task is the body of an async job. It reports progress through the
// tracker and honors ctx cancellation.
type Task func(ctx context.Context, tr *Tracker) error

// Manager owns the process-wide job table.
type Manager struct {
	maxAge time.Duration

	mu   sync.Mutex
	jobs map[string]*entry
}

type entry struct {
	job        models.Job
	cancel     context.CancelFunc
	outputPath string // local artifact removed at sweep
}

// NewManager creates a job manager. maxAge <= 0 selects the default.
func NewManager(maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{maxAge: maxAge, jobs: make(map[string]*entry)}
}

// Submit registers a job and runs its task on a new goroutine. The
// returned snapshot is the job in its pending state.
func (m *Manager) Submit(kind models.JobKind, tenantID, datasetID string, task Task) *models.Job {
	j := models.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    models.JobPending,
		TenantID:  tenantID,
		DatasetID: datasetID,
		CreatedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{job: j, cancel: cancel}
	m.mu.Lock()
	m.jobs[j.ID] = e
	m.mu.Unlock()

	go m.run(ctx, e, task)
	snapshot := j
	return &snapshot
}

func (m *Manager) run(ctx context.Context, e *entry, task Task) {
	defer e.cancel()

	now := time.Now().UTC()
	m.mu.Lock()
	e.job.Status = models.JobRunning
	e.job.StartedAt = &now
	m.mu.Unlock()

	err := task(ctx, &Tracker{manager: m, entry: e})

	finished := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	e.job.FinishedAt = &finished
	switch {
	case ctx.Err() != nil:
		e.job.Status = models.JobCancelled
	case err != nil:
		e.job.Status = models.JobFailed
		if len(e.job.Errors) < maxJobErrors {
			e.job.Errors = append(e.job.Errors, err.Error())
		}
	case len(e.job.Errors) > 0 || e.job.Progress.Failed > 0:
		e.job.Status = models.JobCompletedWithErrors
	default:
		e.job.Status = models.JobCompleted
	}
	log.Info().
		Str("job_id", e.job.ID).
		Str("kind", string(e.job.Kind)).
		Str("status", string(e.job.Status)).
		Int("processed", e.job.Progress.Processed).
		Msg("Job finished")
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, verrors.NotFound("job", id)
	}
	snapshot := e.job
	return &snapshot, nil
}

// OutputPath returns the local artifact of a completed job, if any.
func (m *Manager) OutputPath(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return "", verrors.NotFound("job", id)
	}
	if e.outputPath == "" {
		return "", verrors.NotFound("job output", id)
	}
	return e.outputPath, nil
}

// List returns jobs newest first, optionally scoped to a tenant.
func (m *Manager) List(tenantID string) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		if tenantID != "" && e.job.TenantID != tenantID {
			continue
		}
		snapshot := e.job
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cancellation of a running job. It is best-effort: the
// task notices on its next context check.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return verrors.NotFound("job", id)
	}
	if e.job.Status != models.JobRunning {
		return verrors.New(verrors.CodeValidation, "job %s is %s, only running jobs can be cancelled", id, e.job.Status)
	}
	e.cancel()
	return nil
}

// Sweep drops terminal jobs that finished before the max-age window and
// removes their output files. It returns how many were dropped.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.maxAge)
	var outputs []string
	m.mu.Lock()
	removed := 0
	for id, e := range m.jobs {
		if !e.job.Status.Terminal() || e.job.FinishedAt == nil || e.job.FinishedAt.After(cutoff) {
			continue
		}
		if e.outputPath != "" {
			outputs = append(outputs, e.outputPath)
		}
		delete(m.jobs, id)
		removed++
	}
	m.mu.Unlock()

	for _, path := range outputs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove swept job output")
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Job sweep finished")
	}
	return removed
}

// Tracker lets a running task publish progress on its job record.
type Tracker struct {
	manager *Manager
	entry   *entry
}

// ID returns the job's identifier.
func (tr *Tracker) ID() string {
	return tr.entry.job.ID
}

// SetTotal publishes the expected number of items.
func (tr *Tracker) SetTotal(n int) {
	tr.manager.mu.Lock()
	tr.entry.job.Progress.Total = n
	tr.manager.mu.Unlock()
}

// Add advances the progress counters.
func (tr *Tracker) Add(processed, succeeded, failed, skipped int) {
	tr.manager.mu.Lock()
	p := &tr.entry.job.Progress
	p.Processed += processed
	p.Succeeded += succeeded
	p.Failed += failed
	p.Skipped += skipped
	tr.manager.mu.Unlock()
}

// AddError records a non-fatal item error.
func (tr *Tracker) AddError(msg string) {
	tr.manager.mu.Lock()
	if len(tr.entry.job.Errors) < maxJobErrors {
		tr.entry.job.Errors = append(tr.entry.job.Errors, msg)
	}
	tr.manager.mu.Unlock()
}

// SetOutput records the job's artifact: the URI exposed to clients and
// the local path removed at sweep time.
func (tr *Tracker) SetOutput(uri, localPath string) {
	tr.manager.mu.Lock()
	tr.entry.job.OutputURI = uri
	tr.entry.outputPath = localPath
	tr.manager.mu.Unlock()
}
