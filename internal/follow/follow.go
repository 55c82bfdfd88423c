// Package follow streams task outputs as they are appended to the store, for
// `gocrew log-tasks-outputs --follow`. Changes are detected by watching the
// database directory; a slow poll covers filesystems without notifications.
package follow

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-crew/internal/persistence"
)

// Source is the slice of the store a Follower reads.
type Source interface {
	TaskOutputsAfter(ctx context.Context, afterSeq int64) ([]persistence.TaskOutput, error)
}

type Config struct {
	Source Source
	// DBPath is the database file; its directory is watched.
	DBPath string
	Logger *slog.Logger
	// Debounce collapses bursts of writes; defaults to 100ms.
	Debounce time.Duration
	// PollInterval forces a check even without events; defaults to 2s.
	PollInterval time.Duration
}

type Follower struct {
	source   Source
	dbPath   string
	logger   *slog.Logger
	debounce time.Duration
	poll     time.Duration
}

func New(cfg Config) *Follower {
	f := &Follower{
		source:   cfg.Source,
		dbPath:   filepath.Clean(cfg.DBPath),
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		poll:     cfg.PollInterval,
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.debounce <= 0 {
		f.debounce = 100 * time.Millisecond
	}
	if f.poll <= 0 {
		f.poll = 2 * time.Second
	}
	return f
}

// Run delivers every record with seq > afterSeq to fn, oldest first, then
// keeps delivering new records until ctx is done or fn returns an error.
// It returns nil when ctx is cancelled.
func (f *Follower) Run(ctx context.Context, afterSeq int64, fn func(persistence.TaskOutput) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(f.dbPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.dbPath), err)
	}

	last := afterSeq
	drain := func() error {
		recs, err := f.source.TaskOutputsAfter(ctx, last)
		if err != nil {
			// Interrupted mid-read: a normal stop, not a failure.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, rec := range recs {
			if err := fn(rec); err != nil {
				return err
			}
			last = rec.Seq
		}
		return nil
	}
	if err := drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !f.relevant(ev) || timerC != nil {
				continue
			}
			timerC = time.After(f.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("follow watcher error", "error", err)
		case <-timerC:
			timerC = nil
			if err := drain(); err != nil {
				return err
			}
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

// relevant reports writes to the database file or its -wal/-journal siblings.
func (f *Follower) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return strings.HasPrefix(filepath.Clean(ev.Name), f.dbPath)
}
