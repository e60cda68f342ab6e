// Package tmp tracks the transient audio files the voice pipeline leaves
// on disk. Every file is held through a reference-counted Artifact; a
// background sweep deletes anything that outlives a safety timeout, so a
// leaked reference can never grow the disk without bound.
package tmp

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"jarvis/etc"
)

const (
	DefaultSafetyTimeout = 60 * time.Second
	DefaultGraceDelay    = 1 * time.Second
	defaultSweepEvery    = 10 * time.Second
)

// Artifact is a refcounted handle to one on-disk file. The creating call
// owns the first reference; every consumer that wants the file to stay
// alive calls Retain and pairs it with Release.
type Artifact struct {
	path      string
	createdAt time.Time

	mu   sync.Mutex
	refs int
	gone bool

	mgr *Manager
}

func (a *Artifact) Path() string { return a.path }

// Retain adds a reference. It reports false if the file was already
// reclaimed, in which case the caller must not touch the path.
func (a *Artifact) Retain() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gone {
		return false
	}
	a.refs++
	return true
}

// Release drops one reference. When the count reaches zero the manager
// schedules deletion after its grace delay. Releasing an already-reclaimed
// artifact is a no-op.
func (a *Artifact) Release() {
	a.mu.Lock()
	if a.gone {
		a.mu.Unlock()
		return
	}
	a.refs--
	drop := a.refs <= 0
	if drop {
		a.gone = true
	}
	a.mu.Unlock()

	if drop {
		a.mgr.scheduleDelete(a)
	}
}

type Manager struct {
	dir     string
	safety  time.Duration
	grace   time.Duration
	now     func() time.Time
	afterFn func(d time.Duration, f func())
	log     *log.Logger

	mu        sync.Mutex
	artifacts map[string]*Artifact

	done chan struct{}
	wg   sync.WaitGroup
}

type Option func(*Manager)

func WithSafetyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.safety = d }
}

func WithGraceDelay(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSynchronousDelete makes zero-refcount deletion happen inline instead
// of after the grace delay, for tests.
func WithSynchronousDelete() Option {
	return func(m *Manager) {
		m.afterFn = func(_ time.Duration, f func()) { f() }
	}
}

func NewManager(dir string, logger *log.Logger, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	m := &Manager{
		dir:       dir,
		safety:    DefaultSafetyTimeout,
		grace:     DefaultGraceDelay,
		now:       time.Now,
		log:       logger,
		artifacts: make(map[string]*Artifact),
		done:      make(chan struct{}),
	}
	m.afterFn = func(d time.Duration, f func()) {
		m.wg.Add(1)
		time.AfterFunc(d, func() {
			defer m.wg.Done()
			f()
		})
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m, nil
}

// NewFile creates a fresh temp file under the manager's directory and
// returns its acquired artifact.
func (m *Manager) NewFile(suffix string) (*Artifact, error) {
	path := filepath.Join(m.dir, etc.NewFreshID()+suffix)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	return m.Acquire(path), nil
}

// Acquire registers path with refcount 1. Re-acquiring a tracked path
// returns the existing artifact with an extra reference.
func (m *Manager) Acquire(path string) *Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.artifacts[path]; ok {
		a.mu.Lock()
		a.refs++
		a.mu.Unlock()
		return a
	}
	a := &Artifact{
		path:      path,
		createdAt: m.now(),
		refs:      1,
		mgr:       m,
	}
	m.artifacts[path] = a
	return a
}

func (m *Manager) scheduleDelete(a *Artifact) {
	m.afterFn(m.grace, func() {
		m.remove(a, "released")
	})
}

func (m *Manager) remove(a *Artifact, reason string) {
	m.mu.Lock()
	delete(m.artifacts, a.path)
	m.mu.Unlock()

	a.mu.Lock()
	a.gone = true
	a.mu.Unlock()

	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		m.log.Error("failed to remove temp file",
			"path", a.path, "error", err)
		return
	}
	m.log.Debug("removed temp file", "path", a.path, "reason", reason)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(defaultSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep force-deletes every artifact older than the safety timeout,
// whatever its refcount. Exported so tests can trigger it directly.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-m.safety)

	m.mu.Lock()
	var stale []*Artifact
	for _, a := range m.artifacts {
		if a.createdAt.Before(cutoff) {
			stale = append(stale, a)
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		m.log.Warn("sweeping stale temp file",
			"path", a.path, "age", m.now().Sub(a.createdAt))
		m.remove(a, "safety sweep")
	}
}

// Close stops the sweep loop and deletes everything still tracked.
func (m *Manager) Close() {
	close(m.done)

	m.mu.Lock()
	remaining := make([]*Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		remaining = append(remaining, a)
	}
	m.mu.Unlock()

	for _, a := range remaining {
		m.remove(a, "shutdown")
	}
	m.wg.Wait()
}
