// Package staging hands out per-operation scratch directories under the temp
// area and tracks which of them are still in use, so the retention sweeper
// never removes an entry an operation is writing to.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kinds of operations that stage data.
const (
	KindUpload  = "upload"
	KindArchive = "zip"
	KindUnpack  = "unzip"
)

type Area struct {
	dir string

	mu      sync.Mutex
	entries map[string]*Entry
}

// New prepares the temp area at dir, creating it if needed.
func New(dir string) (*Area, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Area{dir: dir, entries: map[string]*Entry{}}, nil
}

func (a *Area) Dir() string { return a.dir }

// Begin registers a new entry of the given kind and creates its directory.
// The entry is registered before the directory exists, so a concurrent sweep
// can never see it unregistered.
func (a *Area) Begin(kind string) (*Entry, error) {
	name := kind + "-" + uuid.NewString()
	e := &Entry{area: a, name: name, path: filepath.Join(a.dir, name), Started: time.Now()}

	a.mu.Lock()
	a.entries[name] = e
	a.mu.Unlock()

	if err := os.Mkdir(e.path, 0o700); err != nil {
		a.forget(name)
		return nil, fmt.Errorf("create temp entry: %w", err)
	}
	return e, nil
}

// InUse reports whether the top-level temp entry called name is registered.
func (a *Area) InUse(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.entries[name]
	return ok
}

// Active returns the number of registered entries.
func (a *Area) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Area) forget(name string) {
	a.mu.Lock()
	delete(a.entries, name)
	a.mu.Unlock()
}

// Entry is one operation's scratch directory.
type Entry struct {
	area    *Area
	name    string
	path    string
	Started time.Time

	once sync.Once
	err  error
}

func (e *Entry) Name() string { return e.name }
func (e *Entry) Path() string { return e.path }

// File returns the path of name inside the entry. name must be a single
// component chosen by the caller, never client input.
func (e *Entry) File(name string) string {
	return filepath.Join(e.path, filepath.Base(name))
}

// Close removes the entry's directory and unregisters it. It is safe to call
// more than once.
func (e *Entry) Close() error {
	e.once.Do(func() {
		e.err = os.RemoveAll(e.path)
		e.area.forget(e.name)
	})
	return e.err
}
