// backup_restore_drill seeds a crew database, snapshots it with
// Store.Backup, opens the snapshot as a fresh store and checks that the task
// output log and every memory category survived.
//
// Usage:
//
//	go run ./tools/verify/backup_restore_drill/
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-crew/internal/persistence"
)

const (
	kickoffs        = 8
	tasksPerKickoff = 5
	memoriesPerCat  = 10
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Printf("error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context) error {
	baseDir, err := os.MkdirTemp("", "gocrew-backup-drill-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "crew.db")
	backupPath := filepath.Join(baseDir, "backups", "crew-drill.db")

	store, err := persistence.Open(dbPath, persistence.Options{})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	for k := 0; k < kickoffs; k++ {
		kickoffID := fmt.Sprintf("drill-kickoff-%d", k)
		for i := 0; i < tasksPerKickoff; i++ {
			_, err := store.AppendTaskOutput(ctx, persistence.TaskOutput{
				TaskID:      fmt.Sprintf("task-%d", i),
				KickoffID:   kickoffID,
				TaskIndex:   i,
				Description: fmt.Sprintf("drill task %d", i),
				RawOutput:   fmt.Sprintf(`{"kickoff":%d,"task":%d}`, k, i),
			})
			if err != nil {
				return fmt.Errorf("append task output: %w", err)
			}
		}
	}
	for _, c := range persistence.MemoryCategories {
		for i := 0; i < memoriesPerCat; i++ {
			if _, err := store.WriteMemory(ctx, persistence.MemoryEntry{
				Category: c,
				Key:      fmt.Sprintf("%s-%d", c, i),
				Content:  fmt.Sprintf("drill memory %d", i),
			}); err != nil {
				return fmt.Errorf("write memory: %w", err)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, persistence.Options{})
	if err != nil {
		return fmt.Errorf("open restored copy: %w", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	outputs, err := restored.CountTaskOutputs(ctx)
	if err != nil {
		return fmt.Errorf("count task outputs: %w", err)
	}
	window, err := restored.FindTaskOutputsFrom(ctx, "task-2")
	if err != nil {
		return fmt.Errorf("replay window: %w", err)
	}
	version, err := restored.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("schema_version=%d\n", version)
	fmt.Printf("restored_task_outputs=%d\n", outputs)
	fmt.Printf("replay_window=%d\n", len(window))

	if want := kickoffs * tasksPerKickoff; outputs != want {
		return fmt.Errorf("restored %d task outputs, want %d", outputs, want)
	}
	if want := kickoffs*tasksPerKickoff - 2; len(window) != want {
		return fmt.Errorf("replay window has %d records, want %d", len(window), want)
	}
	if version != persistence.LatestSchemaVersion {
		return fmt.Errorf("schema version %d, want %d", version, persistence.LatestSchemaVersion)
	}
	for _, c := range persistence.MemoryCategories {
		n, err := restored.CountMemories(ctx, c)
		if err != nil {
			return fmt.Errorf("count %s: %w", c, err)
		}
		fmt.Printf("restored_%s=%d\n", c, n)
		if n != memoriesPerCat {
			return fmt.Errorf("restored %d %s entries, want %d", n, c, memoriesPerCat)
		}
	}
	return nil
}
