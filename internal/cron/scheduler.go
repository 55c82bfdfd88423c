// Package cron runs scheduled backups of the crew database. Each due run
// writes a VACUUM INTO snapshot to the backup directory and prunes old
// snapshots beyond the retention count.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and descriptors such as @daily.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	backupPrefix = "crew-"
	backupSuffix = ".db"
	backupLayout = "20060102T150405.000000000Z"
)

// Backuper writes a consistent copy of the database to dest.
type Backuper interface {
	Backup(ctx context.Context, dest string) error
}

// Config holds the dependencies for the backup scheduler.
type Config struct {
	Store    Backuper
	Dir      string
	Schedule string
	// Keep is the number of snapshots retained after each run; 0 keeps all.
	Keep     int
	Logger   *slog.Logger
	Bus      *bus.Bus
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler fires backups when the configured schedule is due.
type Scheduler struct {
	store    Backuper
	dir      string
	keep     int
	logger   *slog.Logger
	bus      *bus.Bus
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	schedule cronlib.Schedule
	expr     string
	nextRun  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns an idle scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("cron: store is required")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("cron: backup dir is required")
	}
	s := &Scheduler{
		store:    cfg.Store,
		dir:      cfg.Dir,
		keep:     cfg.Keep,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		now:      cfg.Now,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.SetSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedule replaces the cron expression; the next run is recomputed from
// now.
func (s *Scheduler) SetSchedule(expr string) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule = sched
	s.expr = expr
	s.nextRun = sched.Next(s.now())
	return nil
}

// NextRun reports when the next backup is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("backup scheduler started", "schedule", s.expr, "next_run_at", s.NextRun(), "dir", s.dir)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("backup scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	next := s.nextRun
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduled backup failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("scheduled backup completed", "next_run_at", next)
}

// RunOnce writes one timestamped snapshot into the backup dir, applies
// retention, and returns the snapshot path.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	dest := filepath.Join(s.dir, backupPrefix+s.now().UTC().Format(backupLayout)+backupSuffix)
	if err := s.store.Backup(ctx, dest); err != nil {
		audit.Record(ctx, audit.ActionBackup, audit.DecisionError, dest, err.Error())
		return "", err
	}
	pruned, err := Prune(s.dir, s.keep)
	if err != nil {
		s.logger.Warn("backup retention failed", "dir", s.dir, "error", err)
	}
	audit.Record(ctx, audit.ActionBackup, audit.DecisionOK, dest, fmt.Sprintf("pruned %d", len(pruned)))
	s.bus.Publish(bus.TopicBackupCompleted, bus.BackupCompletedEvent{Path: dest, Pruned: len(pruned)})
	return dest, nil
}

// Prune removes the oldest scheduler-named snapshots in dir so at most keep
// remain, and returns the removed paths. keep <= 0 disables pruning.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return nil, nil
	}
	// Names embed a fixed-width UTC timestamp, so lexical order is age order.
	sort.Strings(names)
	var removed []string
	for _, name := range names[:len(names)-keep] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", name, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
