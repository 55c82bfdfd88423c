package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/cron"
)

const backupLongDesc = `Back up the crew database.

Without flags a timestamped snapshot is written to the backup directory and
old snapshots beyond backup.keep are pruned. --out writes a single snapshot
to the given path instead.

--daemon keeps running and takes snapshots on the cron schedule from
--schedule or backup.schedule; without --schedule, edits to config.yaml are
picked up live. --save stores --schedule in config.yaml.`

type backupOptions struct {
	out      string
	schedule string
	daemon   bool
	save     bool
}

func newBackupCmd(a *app) *cobra.Command {
	var opts backupOptions
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the crew database",
		Long:  backupLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.backup(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Write the snapshot to this path")
	cmd.Flags().StringVar(&opts.schedule, "schedule", "", "Cron schedule, e.g. \"0 3 * * *\"")
	cmd.Flags().BoolVar(&opts.daemon, "daemon", false, "Run scheduled backups until interrupted")
	cmd.Flags().BoolVar(&opts.save, "save", false, "Store --schedule in config.yaml")
	cmd.MarkFlagsMutuallyExclusive("out", "daemon")
	cmd.MarkFlagsMutuallyExclusive("save", "daemon")
	return cmd
}

func (a *app) backup(ctx context.Context, opts backupOptions) error {
	const doing = "backing up the database"

	if opts.save {
		if opts.schedule != "" {
			if _, err := cron.NextRunTime(opts.schedule, time.Now()); err != nil {
				return failed("saving the backup schedule", err)
			}
		}
		if err := config.SetBackupSchedule(a.cfg.HomeDir, opts.schedule); err != nil {
			return failed("saving the backup schedule", err)
		}
		fmt.Fprintf(a.stdout, "Backup schedule saved: %q\n", opts.schedule)
		return nil
	}

	store, err := a.openStore()
	if err != nil {
		return failed(doing, err)
	}

	if opts.out != "" {
		if err := store.Backup(ctx, opts.out); err != nil {
			audit.Record(ctx, audit.ActionBackup, audit.DecisionError, opts.out, err.Error())
			return failed(doing, err)
		}
		audit.Record(ctx, audit.ActionBackup, audit.DecisionOK, opts.out, "manual")
		a.bus.Publish(bus.TopicBackupCompleted, bus.BackupCompletedEvent{Path: opts.out})
		fmt.Fprintf(a.stdout, "Backup written to %s\n", opts.out)
		return nil
	}

	schedule := opts.schedule
	if schedule == "" {
		schedule = a.cfg.Backup.Schedule
	}
	if opts.daemon && schedule == "" {
		return failed(doing, errors.New("no schedule: pass --schedule or set backup.schedule"))
	}
	if schedule == "" {
		// One-shot runs only need a parseable schedule for the scheduler.
		schedule = "@daily"
	}
	sched, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Dir:      a.cfg.Backup.Dir,
		Schedule: schedule,
		Keep:     a.cfg.Backup.Keep,
		Logger:   a.logger,
		Bus:      a.bus,
	})
	if err != nil {
		return failed(doing, err)
	}

	if !opts.daemon {
		path, err := sched.RunOnce(ctx)
		if err != nil {
			return failed(doing, err)
		}
		fmt.Fprintf(a.stdout, "Backup written to %s\n", path)
		return nil
	}
	return a.runBackupDaemon(ctx, sched, opts.schedule == "")
}

func (a *app) runBackupDaemon(ctx context.Context, sched *cron.Scheduler, watchConfig bool) error {
	sched.Start(ctx)
	defer sched.Stop()
	fmt.Fprintf(a.stdout, "Scheduled backups to %s, next at %s\n", a.cfg.Backup.Dir, sched.NextRun().Format("2006-01-02 15:04:05 MST"))

	var reloads <-chan config.ReloadEvent
	if watchConfig {
		w := config.NewWatcher(a.cfg.HomeDir, a.logger)
		if err := w.Start(ctx); err != nil {
			a.logger.Warn("config watcher unavailable; schedule changes need a restart", "error", err)
		} else {
			reloads = w.Events()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			cfg, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload failed", "error", err)
				continue
			}
			if cfg.Backup.Schedule == "" {
				a.logger.Warn("backup.schedule removed; keeping the previous schedule")
				continue
			}
			if err := sched.SetSchedule(cfg.Backup.Schedule); err != nil {
				a.logger.Error("invalid backup.schedule; keeping the previous schedule", "error", err)
				continue
			}
			a.logger.Info("backup schedule reloaded", "schedule", cfg.Backup.Schedule, "next_run_at", sched.NextRun())
		}
	}
}
