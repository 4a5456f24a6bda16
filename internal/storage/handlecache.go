package storage

import (
	"sync"
)

// HandleCache shares read handles across concurrent searches. Handles are
// reference-counted: an invalidated handle stays open until its last
// borrower releases it, then closes, and the next borrower reopens against
// the current generation.
type HandleCache struct {
	engine *Engine

	mu      sync.Mutex
	entries map[string]*cachedHandle
}

type cachedHandle struct {
	handle *Handle
	refs   int
	stale  bool
}

// NewHandleCache creates a cache over the engine.
func NewHandleCache(engine *Engine) *HandleCache {
	return &HandleCache{engine: engine, entries: make(map[string]*cachedHandle)}
}

// Reader borrows a read handle for a dataset. The returned release func
// must be called when the caller is done with it.
func (hc *HandleCache) Reader(datasetID string) (*Handle, func(), error) {
	hc.mu.Lock()
	entry, ok := hc.entries[datasetID]
	if ok && !entry.stale {
		entry.refs++
		hc.mu.Unlock()
		return entry.handle, hc.releaseFunc(datasetID, entry), nil
	}
	hc.mu.Unlock()

	// Open outside the lock; storage opens can hit disk.
	h, err := hc.engine.Open(datasetID, ModeRead)
	if err != nil {
		return nil, nil, err
	}

	hc.mu.Lock()
	if current, ok := hc.entries[datasetID]; ok && !current.stale {
		// Lost the race to another opener; use theirs.
		current.refs++
		hc.mu.Unlock()
		_ = h.Close()
		return current.handle, hc.releaseFunc(datasetID, current), nil
	}
	entry = &cachedHandle{handle: h, refs: 1}
	hc.entries[datasetID] = entry
	hc.mu.Unlock()
	return h, hc.releaseFunc(datasetID, entry), nil
}

func (hc *HandleCache) releaseFunc(datasetID string, entry *cachedHandle) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			hc.mu.Lock()
			entry.refs--
			closeNow := entry.stale && entry.refs == 0
			if closeNow && hc.entries[datasetID] == entry {
				delete(hc.entries, datasetID)
			}
			hc.mu.Unlock()
			if closeNow {
				_ = entry.handle.Close()
			}
		})
	}
}

// Invalidate marks a dataset's cached handle stale after a commit or drop.
// In-flight borrowers keep their snapshot; new borrowers reopen.
func (hc *HandleCache) Invalidate(datasetID string) {
	hc.mu.Lock()
	entry, ok := hc.entries[datasetID]
	if !ok {
		hc.mu.Unlock()
		return
	}
	entry.stale = true
	closeNow := entry.refs == 0
	if closeNow {
		delete(hc.entries, datasetID)
	}
	hc.mu.Unlock()
	if closeNow {
		_ = entry.handle.Close()
	}
}

// Close releases every cached handle regardless of borrowers. Used on
// shutdown only.
func (hc *HandleCache) Close() {
	hc.mu.Lock()
	entries := hc.entries
	hc.entries = make(map[string]*cachedHandle)
	hc.mu.Unlock()
	for _, entry := range entries {
		_ = entry.handle.Close()
	}
}
