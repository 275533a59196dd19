// Package frontier implements the crawl frontier: a durable, deduplicated
// FIFO of canonical artist ids persisted as a single JSON array.
//
// Every accepted mutation is written to disk before the call returns, by
// writing a temporary file next to the target and renaming it into place.
// A crash therefore loses at most the id that was popped and not yet
// processed. While open, the frontier holds an exclusive lock on
// "<path>.lock" so two crawls cannot share one queue file.
package frontier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var (
	// ErrEmpty is returned by Pop when nothing is queued.
	ErrEmpty = errors.New("frontier is empty")
	// ErrLocked is returned by Open when another process holds the frontier.
	ErrLocked = errors.New("frontier is locked by another crawl")
)

// IDSet is a set of canonical ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership. A nil set contains nothing.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

// Frontier is safe for concurrent use, although a crawl drives it from a
// single goroutine.
type Frontier struct {
	path   string
	lock   *flock.Flock
	logger *zap.Logger

	mu    sync.Mutex
	items []string
	index map[string]struct{}
}

// Option customizes a Frontier.
type Option func(*Frontier)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Frontier) {
		f.logger = logger
	}
}

// Open locks the frontier at path and loads any persisted queue.
func Open(path string, opts ...Option) (*Frontier, error) {
	if path == "" {
		return nil, errors.New("frontier path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create frontier dir: %w", err)
	}
	f := &Frontier{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: zap.NewNop(),
		index:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	ok, err := f.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire frontier lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	if _, err := f.Load(); err != nil {
		_ = f.lock.Unlock()
		return nil, err
	}
	return f, nil
}

// Path returns the queue file location.
func (f *Frontier) Path() string {
	return f.path
}

// Load reconstructs the queue from disk, replacing in-memory state. A
// missing file yields an empty queue. Duplicate ids in the file keep their
// first position.
func (f *Frontier) Load() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f.reset(nil)
		return []string{}, nil
	case err != nil:
		return nil, fmt.Errorf("read frontier: %w", err)
	}

	var ids []string
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("decode frontier %s: %w", f.path, err)
		}
	}
	f.reset(ids)
	f.logger.Debug("frontier loaded", zap.String("path", f.path), zap.Int("length", len(f.items)))
	return f.snapshotLocked(), nil
}

// Save overwrites the persisted queue with seq and adopts it in memory.
func (f *Frontier) Save(seq []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prevItems, prevIndex := f.items, f.index
	f.reset(seq)
	if err := f.persistLocked(); err != nil {
		f.items, f.index = prevItems, prevIndex
		return err
	}
	return nil
}

// Enqueue appends id unless it is empty, already queued, or explored. It
// reports whether id was added; an added id is on disk before return.
func (f *Frontier) Enqueue(id string, explored IDSet) (bool, error) {
	if id == "" || explored.Has(id) {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, queued := f.index[id]; queued {
		return false, nil
	}
	f.items = append(f.items, id)
	f.index[id] = struct{}{}
	if err := f.persistLocked(); err != nil {
		f.items = f.items[:len(f.items)-1]
		delete(f.index, id)
		return false, err
	}
	return true, nil
}

// Pop removes and returns the front id, persisting the shortened queue
// first.
func (f *Frontier) Pop() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return "", ErrEmpty
	}
	id := f.items[0]
	prev := f.items
	f.items = f.items[1:]
	delete(f.index, id)
	if err := f.persistLocked(); err != nil {
		f.items = prev
		f.index[id] = struct{}{}
		return "", err
	}
	return id, nil
}

// Prune drops every queued id present in explored and reports how many
// were removed.
func (f *Frontier) Prune(explored IDSet) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := make([]string, 0, len(f.items))
	for _, id := range f.items {
		if !explored.Has(id) {
			kept = append(kept, id)
		}
	}
	removed := len(f.items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	prevItems, prevIndex := f.items, f.index
	f.reset(kept)
	if err := f.persistLocked(); err != nil {
		f.items, f.index = prevItems, prevIndex
		return 0, err
	}
	return removed, nil
}

// Len returns the number of queued ids.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Snapshot returns a copy of the queue in FIFO order.
func (f *Frontier) Snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Close releases the lock. The queue file stays on disk.
func (f *Frontier) Close() error {
	if err := f.lock.Unlock(); err != nil {
		return fmt.Errorf("release frontier lock: %w", err)
	}
	return nil
}

func (f *Frontier) reset(ids []string) {
	f.items = make([]string, 0, len(ids))
	f.index = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := f.index[id]; dup {
			continue
		}
		f.items = append(f.items, id)
		f.index[id] = struct{}{}
	}
}

func (f *Frontier) snapshotLocked() []string {
	return append([]string{}, f.items...)
}

func (f *Frontier) persistLocked() error {
	data, err := json.Marshal(f.snapshotLocked())
	if err != nil {
		return fmt.Errorf("encode frontier: %w", err)
	}
	if err := writeFileAtomic(f.path, data); err != nil {
		return fmt.Errorf("persist frontier: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
