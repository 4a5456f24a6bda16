// Package storage implements the per-dataset on-disk columnar store.
//
// Each dataset owns a directory holding a JSON sidecar with its attributes
// and numbered generation directories with one tensor file per attribute. A
// CURRENT file names the live generation; commits write a fresh generation
// and swap CURRENT atomically, so readers see either pre- or post-commit
// state and never a partial write.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/vexdb/pkg/models"
	"github.com/thebtf/vexdb/pkg/verrors"
)

const (
	sidecarFile = "dataset.json"
	currentFile = "CURRENT"
	genPrefix   = "gen-"
)

// Mode selects how a handle may be used.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadWrite
)

// Engine manages dataset directories under a storage root.
type Engine struct {
	root string
}

// NewEngine creates an engine rooted at dir, creating it if needed.
func NewEngine(root string) (*Engine, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, verrors.Wrap(verrors.CodeStorage, err, "create storage root")
	}
	return &Engine{root: root}, nil
}

// Root returns the storage root path.
func (e *Engine) Root() string { return e.root }

// DatasetDir returns the directory for a dataset id.
func (e *Engine) DatasetDir(id string) string {
	return filepath.Join(e.root, id)
}

// Create initializes a dataset directory with its sidecar and an empty
// generation. Fails with AlreadyExists unless overwrite is set, in which
// case the directory is removed and recreated. Overwrite never touches a
// directory owned by a different tenant.
func (e *Engine) Create(ds *models.Dataset, overwrite bool) error {
	dir := e.DatasetDir(ds.ID)
	if _, err := os.Stat(filepath.Join(dir, sidecarFile)); err == nil {
		if !overwrite {
			return verrors.AlreadyExists("dataset", ds.ID)
		}
		existing, err := readSidecar(dir)
		if err != nil {
			return err
		}
		if existing.TenantID != ds.TenantID {
			return verrors.New(verrors.CodePermissionDenied, "dataset %s belongs to another tenant", ds.ID)
		}
		if err := os.RemoveAll(dir); err != nil {
			return verrors.Wrap(verrors.CodeStorage, err, "remove dataset for overwrite")
		}
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "create dataset directory")
	}
	if err := writeSidecar(dir, ds); err != nil {
		return err
	}
	empty := newColumns(ds.Dimensions)
	if err := empty.save(filepath.Join(dir, genPrefix+"000001")); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "write initial generation")
	}
	if err := setCurrent(dir, genPrefix+"000001"); err != nil {
		return err
	}
	return nil
}

// Drop removes a dataset directory entirely.
func (e *Engine) Drop(id string) error {
	dir := e.DatasetDir(id)
	if _, err := os.Stat(filepath.Join(dir, sidecarFile)); err != nil {
		return verrors.NotFound("dataset", id)
	}
	if err := os.RemoveAll(dir); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "remove dataset directory")
	}
	return nil
}

// ReadSidecar loads a dataset's attributes without opening a handle.
func (e *Engine) ReadSidecar(id string) (*models.Dataset, error) {
	return readSidecar(e.DatasetDir(id))
}

// WriteSidecar persists updated dataset attributes.
func (e *Engine) WriteSidecar(ds *models.Dataset) error {
	return writeSidecar(e.DatasetDir(ds.ID), ds)
}

// List returns the sidecars of every dataset under the root. Unreadable
// entries are skipped with a warning rather than failing the listing.
func (e *Engine) List() ([]*models.Dataset, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, verrors.Wrap(verrors.CodeStorage, err, "read storage root")
	}
	var datasets []*models.Dataset
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ds, err := readSidecar(filepath.Join(e.root, entry.Name()))
		if err != nil {
			log.Warn().Err(err).Str("dir", entry.Name()).Msg("Skipping unreadable dataset directory")
			continue
		}
		datasets = append(datasets, ds)
	}
	return datasets, nil
}

// DirSize returns the total bytes under a dataset directory.
func (e *Engine) DirSize(id string) int64 {
	var size int64
	_ = filepath.WalkDir(e.DatasetDir(id), func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size
}

// Open returns a handle on a dataset. Read-write handles acquire the
// per-dataset write lock with exponential backoff, serializing writers;
// readers never lock and operate on the generation current at open time.
func (e *Engine) Open(id string, mode Mode) (*Handle, error) {
	dir := e.DatasetDir(id)
	ds, err := readSidecar(dir)
	if err != nil {
		return nil, err
	}

	var lock *writeLock
	if mode == ModeReadWrite {
		lock = newWriteLock(dir)
		if err := lock.Acquire(); err != nil {
			return nil, verrors.Wrap(verrors.CodeStorage, err, "lock dataset for write")
		}
	}

	gen, err := getCurrent(dir)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return nil, err
	}
	cols, err := loadColumns(filepath.Join(dir, gen), ds.Dimensions)
	if err != nil {
		if lock != nil {
			_ = lock.Release()
		}
		return nil, verrors.Wrap(verrors.CodeStorage, err, "load dataset columns")
	}

	h := &Handle{
		engine:    e,
		dir:       dir,
		mode:      mode,
		dataset:   ds,
		gen:       gen,
		committed: cols,
		idSet:     make(map[string]struct{}, cols.len()),
	}
	for _, rowID := range cols.ids {
		h.idSet[rowID] = struct{}{}
	}
	if mode == ModeReadWrite {
		h.lock = lock
		h.staged = cols.clone()
	}
	return h, nil
}

func writeSidecar(dir string, ds *models.Dataset) error {
	encoded, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "encode dataset sidecar")
	}
	tmp := filepath.Join(dir, sidecarFile+".tmp")
	if err := os.WriteFile(tmp, encoded, 0o640); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "write dataset sidecar")
	}
	if err := os.Rename(tmp, filepath.Join(dir, sidecarFile)); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "swap dataset sidecar")
	}
	return nil
}

func readSidecar(dir string) (*models.Dataset, error) {
	data, err := os.ReadFile(filepath.Join(dir, sidecarFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, verrors.NotFound("dataset", filepath.Base(dir))
		}
		return nil, verrors.Wrap(verrors.CodeStorage, err, "read dataset sidecar")
	}
	var ds models.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, verrors.Wrap(verrors.CodeStorage, err, "decode dataset sidecar")
	}
	return &ds, nil
}

func getCurrent(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if err != nil {
		return "", verrors.Wrap(verrors.CodeStorage, err, "read CURRENT")
	}
	gen := strings.TrimSpace(string(data))
	if !strings.HasPrefix(gen, genPrefix) {
		return "", verrors.New(verrors.CodeStorage, "malformed CURRENT %q", gen)
	}
	return gen, nil
}

func setCurrent(dir, gen string) error {
	tmp := filepath.Join(dir, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(gen+"\n"), 0o640); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "write CURRENT")
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentFile)); err != nil {
		return verrors.Wrap(verrors.CodeStorage, err, "swap CURRENT")
	}
	return nil
}

func nextGen(gen string) (string, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(gen, genPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed generation %q: %w", gen, err)
	}
	return fmt.Sprintf("%s%06d", genPrefix, n+1), nil
}
