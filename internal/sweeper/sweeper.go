// Package sweeper periodically removes abandoned entries from the temp area.
package sweeper

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"nasdrive/internal/logging"
)

// Registry tells the sweeper which top-level temp entries are still owned by
// a running operation.
type Registry interface {
	InUse(name string) bool
}

type State int32

const (
	Idle State = iota
	Sweeping
)

func (s State) String() string {
	if s == Sweeping {
		return "sweeping"
	}
	return "idle"
}

// Stats summarises one pass.
type Stats struct {
	Scanned int
	Removed int
	Skipped int // in use or not old enough
	Failed  int
}

type Sweeper struct {
	registry  Registry
	dir       string
	interval  time.Duration
	retention time.Duration
	logger    logging.Logger

	state  atomic.Int32
	passes atomic.Int64
}

func New(registry Registry, dir string, interval, retention time.Duration, logger logging.Logger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.New("sweeper: interval must be positive")
	}
	if retention < 0 {
		return nil, errors.New("sweeper: negative retention")
	}
	return &Sweeper{
		registry:  registry,
		dir:       dir,
		interval:  interval,
		retention: retention,
		logger:    logger.With("module", "sweeper"),
	}, nil
}

func (s *Sweeper) State() State { return State(s.state.Load()) }

// Passes returns the number of completed sweeps.
func (s *Sweeper) Passes() int64 { return s.passes.Load() }

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "temp sweeper started", "interval", s.interval.String(), "retention", s.retention.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "temp sweeper stopped")
			return nil
		case now := <-ticker.C:
			s.SweepOnce(ctx, now)
		}
	}
}

// SweepOnce removes every top-level entry that is not in use and whose
// modification time is older than the retention period at now.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) Stats {
	s.state.Store(int32(Sweeping))
	defer func() {
		s.state.Store(int32(Idle))
		s.passes.Add(1)
	}()

	var st Stats
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error(ctx, "read temp dir failed", "err", err)
		}
		return st
	}

	cutoff := now.Add(-s.retention)
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		st.Scanned++
		name := e.Name()
		if s.registry.InUse(name) {
			st.Skipped++
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				st.Failed++
				s.logger.Warn(ctx, "stat temp entry failed", "entry", name, "err", err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			st.Skipped++
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			st.Failed++
			s.logger.Warn(ctx, "remove temp entry failed", "entry", name, "err", err)
			continue
		}
		st.Removed++
	}

	if st.Removed > 0 || st.Failed > 0 {
		s.logger.Info(ctx, "temp sweep done", "removed", st.Removed, "skipped", st.Skipped, "failed", st.Failed)
	}
	return st
}
