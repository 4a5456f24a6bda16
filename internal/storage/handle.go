package storage

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

// Handle is an open view of one dataset's rows.
//
// Read handles serve the generation that was current at open time.
// Read-write handles hold the dataset write lock and stage mutations in
// memory until Commit, which writes a new generation and swaps CURRENT.
type Handle struct {
	engine  *Engine
	dir     string
	mode    Mode
	dataset *models.Dataset
	lock    *writeLock

	mu        sync.RWMutex
	gen       string
	committed *columns
	staged    *columns // read-write only, nil for readers
	dirty     bool
	fatal     bool
	idSet     map[string]struct{}
	pos       map[string]int // lazy id -> row index for the current view
}

// Dataset returns the sidecar attributes loaded at open.
func (h *Handle) Dataset() *models.Dataset { return h.dataset }

// Count returns the number of rows visible through this handle,
// including staged uncommitted appends on a writer.
func (h *Handle) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view().len()
}

// view picks the staged columns on a writer, committed on a reader.
// Callers hold h.mu.
func (h *Handle) view() *columns {
	if h.staged != nil {
		return h.staged
	}
	return h.committed
}

// Lookup returns the row index of a vector id in the current view.
func (h *Handle) Lookup(id string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos == nil {
		v := h.view()
		h.pos = make(map[string]int, v.len())
		for i, rowID := range v.ids {
			h.pos[rowID] = i
		}
	}
	i, ok := h.pos[id]
	return i, ok
}

// HasID reports whether a vector id exists in this handle's view.
func (h *Handle) HasID(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idSet[id]
	return ok
}

// Append stages a vector row. The handle must be read-write and the
// vector's dimensionality must match the dataset.
func (h *Handle) Append(v *models.Vector) error {
	if h.mode != ModeReadWrite {
		return verrors.New(verrors.CodeStorage, "append on read-only handle")
	}
	if len(v.Values) != h.dataset.Dimensions {
		return verrors.InvalidDimensions(h.dataset.Dimensions, len(v.Values))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal {
		return verrors.New(verrors.CodeStorage, "handle poisoned by earlier storage failure")
	}
	if _, dup := h.idSet[v.ID]; dup {
		return verrors.AlreadyExists("vector", v.ID)
	}
	if err := h.staged.appendRow(*v); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "stage vector row")
	}
	h.idSet[v.ID] = struct{}{}
	h.dirty = true
	h.pos = nil
	return nil
}

// DeleteByID stages removal of a vector. Returns NotFound when absent.
func (h *Handle) DeleteByID(id string) error {
	if h.mode != ModeReadWrite {
		return verrors.New(verrors.CodeStorage, "delete on read-only handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal {
		return verrors.New(verrors.CodeStorage, "handle poisoned by earlier storage failure")
	}
	idx := h.staged.indexOf(id)
	if idx < 0 {
		return verrors.NotFound("vector", id)
	}
	if err := h.staged.deleteRow(idx); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "delete vector row")
	}
	delete(h.idSet, id)
	h.dirty = true
	h.pos = nil
	return nil
}

// Overwrite replaces an existing row in place, preserving created_at.
func (h *Handle) Overwrite(v *models.Vector) error {
	if h.mode != ModeReadWrite {
		return verrors.New(verrors.CodeStorage, "overwrite on read-only handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal {
		return verrors.New(verrors.CodeStorage, "handle poisoned by earlier storage failure")
	}
	if len(v.Values) != h.dataset.Dimensions {
		return verrors.InvalidDimensions(h.dataset.Dimensions, len(v.Values))
	}
	idx := h.staged.indexOf(v.ID)
	if idx < 0 {
		return verrors.NotFound("vector", v.ID)
	}
	created := h.staged.createdAt[idx]
	if err := h.staged.deleteRow(idx); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "replace vector row")
	}
	if err := h.staged.appendRow(*v); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "stage overwritten row")
	}
	h.staged.createdAt[h.staged.len()-1] = created
	h.dirty = true
	h.pos = nil
	return nil
}

// Commit persists staged rows as a new generation and swaps CURRENT so
// readers observe the whole batch at once. A no-op when nothing is staged.
func (h *Handle) Commit() error {
	if h.mode != ModeReadWrite {
		return verrors.New(verrors.CodeStorage, "commit on read-only handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fatal {
		return verrors.New(verrors.CodeStorage, "handle poisoned by earlier storage failure")
	}
	if !h.dirty {
		return nil
	}

	gen, err := nextGen(h.gen)
	if err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "advance generation")
	}
	if err := h.staged.save(filepath.Join(h.dir, gen)); err != nil {
		h.fatal = true
		return verrors.Wrap(verrors.CodeStorage, err, "write generation")
	}
	if err := setCurrent(h.dir, gen); err != nil {
		h.fatal = true
		return err
	}

	// Old generation is unreferenced now; removal is best-effort since a
	// straggling reader may still hold files open on some platforms.
	if err := os.RemoveAll(filepath.Join(h.dir, h.gen)); err != nil {
		log.Warn().Err(err).Str("generation", h.gen).Msg("Failed to remove superseded generation")
	}

	h.gen = gen
	h.committed = h.staged
	h.staged = h.committed.clone()
	h.dirty = false
	return nil
}

// Get materializes the row at index i.
func (h *Handle) Get(i int) (*models.Vector, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	row, err := h.view().row(i)
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeStorage, err, "read vector row")
	}
	return &row, nil
}

// Embedding returns the raw float32 slice for row i without copying.
// Callers must not mutate it.
func (h *Handle) Embedding(i int) []float32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view().embedding(i)
}

// FindByID materializes the row with the given vector id.
func (h *Handle) FindByID(id string) (*models.Vector, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v := h.view()
	idx := v.indexOf(id)
	if idx < 0 {
		return nil, verrors.NotFound("vector", id)
	}
	row, err := v.row(idx)
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeStorage, err, "read vector row")
	}
	return &row, nil
}

// Scan materializes up to limit rows starting at offset, in insertion
// order. limit <= 0 means no cap.
func (h *Handle) Scan(limit, offset int) ([]*models.Vector, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v := h.view()
	n := v.len()
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil, nil
	}
	end := n
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*models.Vector, 0, end-offset)
	for i := offset; i < end; i++ {
		row, err := v.row(i)
		if err != nil {
			return nil, verrors.Wrap(verrors.CodeStorage, err, "read vector row")
		}
		out = append(out, &row)
	}
	return out, nil
}

// IDs returns all vector ids in insertion order.
func (h *Handle) IDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v := h.view()
	out := make([]string, v.len())
	copy(out, v.ids)
	return out
}

// Close releases the write lock, if held. Staged but uncommitted
// mutations are discarded.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = nil
	if h.lock != nil {
		err := h.lock.Release()
		h.lock = nil
		if err != nil {
			return verrors.Wrap(verrors.CodeStorage, err, "release write lock")
		}
	}
	return nil
}
