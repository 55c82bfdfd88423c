package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-crew/internal/persistence"
)

type result struct {
	code           int
	stdout, stderr string
}

func run(t *testing.T, home string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), append([]string{"--home", home}, args...), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func withStore(t *testing.T, home string, fn func(*persistence.Store)) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(home, "crew.db"), persistence.Options{})
	require.NoError(t, err)
	defer store.Close()
	fn(store)
}

func seed(t *testing.T, home string, taskIDs ...string) {
	t.Helper()
	withStore(t, home, func(store *persistence.Store) {
		for i, id := range taskIDs {
			_, err := store.AppendTaskOutput(context.Background(), persistence.TaskOutput{
				TaskID:         id,
				KickoffID:      "k1",
				TaskIndex:      i,
				Description:    "do " + id,
				ExpectedOutput: "result of " + id,
				RawOutput:      "output of " + id,
			})
			require.NoError(t, err)
		}
	})
}

func TestLogTasksOutputs_Empty(t *testing.T) {
	r := run(t, t.TempDir(), "log-tasks-outputs")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, noTaskOutputsMsg+"\n", r.stdout)
}

func TestLogTasksOutputs_ListsInOrder(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1", "T2")

	r := run(t, home, "log-tasks-outputs")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "Task 1: T1\nDescription: result of T1\n------\nTask 2: T2\nDescription: result of T2\n------\n", r.stdout)
}

func TestLogTasksOutputs_Latest(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1", "T2")

	r := run(t, home, "replay", "-t", "T2")
	require.Equal(t, 0, r.code, r.stderr)

	r = run(t, home, "log-tasks-outputs", "--latest", "--json")
	require.Equal(t, 0, r.code, r.stderr)
	lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
	require.Len(t, lines, 1, "only the replay kickoff is printed")
	var rec persistence.TaskOutput
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "T2", rec.TaskID)
	assert.True(t, rec.WasReplayed)

	r = run(t, t.TempDir(), "log-tasks-outputs", "--latest")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, noTaskOutputsMsg+"\n", r.stdout)
}

func TestLogTasksOutputs_JSON(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1", "T2")

	r := run(t, home, "log-tasks-outputs", "--json")
	require.Equal(t, 0, r.code, r.stderr)
	lines := strings.Split(strings.TrimSpace(r.stdout), "\n")
	require.Len(t, lines, 2)
	var rec persistence.TaskOutput
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "T2", rec.TaskID)
	assert.Equal(t, "output of T2", rec.RawOutput)
}

func TestReplay(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1", "T2", "T3")

	r := run(t, home, "replay", "-t", "T2")
	require.Equal(t, 0, r.code, r.stderr)
	assert.True(t, strings.HasPrefix(r.stdout, "Replaying the crew from task T2\n"))
	assert.Contains(t, r.stdout, "Replayed 2 tasks as kickoff ")

	withStore(t, home, func(store *persistence.Store) {
		recs, err := store.LoadTaskOutputs(context.Background())
		require.NoError(t, err)
		require.Len(t, recs, 5)
		assert.Equal(t, "T2", recs[3].TaskID)
		assert.True(t, recs[3].WasReplayed)
		assert.Equal(t, recs[1].Seq, recs[3].Supersedes)
		assert.Equal(t, "output of T2", recs[3].RawOutput)
	})
}

func TestReplay_UnknownTask(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1")

	r := run(t, home, "replay", "--task_id", "T9")
	assert.Equal(t, 1, r.code)
	assert.Equal(t, "Replaying the crew from task T9\n", r.stdout)
	assert.Equal(t, "An error occurred while replaying: replay: task \"T9\" not found in stored task outputs\n", r.stderr)
}

func TestReplay_RequiresTaskID(t *testing.T) {
	r := run(t, t.TempDir(), "replay")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "task_id")
}

func TestReplay_UnknownExecutor(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1")
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("replay:\n  executor: gpt\n"), 0o644))

	r := run(t, home, "replay", "-t", "T1")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "An error occurred while replaying: unknown replay executor \"gpt\"")
}

func TestResetMemories_NoFlags(t *testing.T) {
	home := filepath.Join(t.TempDir(), "untouched")
	r := run(t, home, "reset-memories")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, noCategoryMsg+"\n", r.stdout)
	_, err := os.Stat(home)
	assert.True(t, os.IsNotExist(err), "no state is created when nothing is selected")
}

func TestResetMemories_Selected(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1", "T2")
	withStore(t, home, func(store *persistence.Store) {
		for _, c := range persistence.MemoryCategories {
			_, err := store.WriteMemory(context.Background(), persistence.MemoryEntry{Category: c, Key: "k", Content: "remember " + string(c)})
			require.NoError(t, err)
		}
	})

	r := run(t, home, "reset-memories", "-l", "-k")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "✓ Long term memory has been reset. (1 removed)\n✓ Latest kickoff task outputs has been reset. (2 removed)\n", r.stdout)

	withStore(t, home, func(store *persistence.Store) {
		ctx := context.Background()
		n, err := store.CountTaskOutputs(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		for c, want := range map[persistence.Category]int{
			persistence.CategoryLongTerm:  0,
			persistence.CategoryShortTerm: 1,
			persistence.CategoryEntity:    1,
		} {
			got, err := store.CountMemories(ctx, c)
			require.NoError(t, err)
			assert.Equal(t, want, got, c)
		}
	})

	r = run(t, home, "reset-memories", "--all")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, 4, strings.Count(r.stdout, "has been reset"))
}

func TestBackup(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1")

	out := filepath.Join(t.TempDir(), "snap.db")
	r := run(t, home, "backup", "--out", out)
	require.Equal(t, 0, r.code, r.stderr)
	assert.Equal(t, "Backup written to "+out+"\n", r.stdout)
	_, err := os.Stat(out)
	require.NoError(t, err)

	r = run(t, home, "backup", "--out", out)
	assert.Equal(t, 1, r.code, "existing destinations are never overwritten")
	assert.Contains(t, r.stderr, "An error occurred while backing up the database:")

	r = run(t, home, "backup")
	require.Equal(t, 0, r.code, r.stderr)
	entries, err := os.ReadDir(filepath.Join(home, "backups"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestBackup_SaveSchedule(t *testing.T) {
	home := t.TempDir()

	r := run(t, home, "backup", "--schedule", "0 3 * * *", "--save")
	require.Equal(t, 0, r.code, r.stderr)
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "0 3 * * *")

	r = run(t, home, "backup", "--schedule", "every day", "--save")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "An error occurred while saving the backup schedule:")
}

func TestBackup_DaemonNeedsSchedule(t *testing.T) {
	r := run(t, t.TempDir(), "backup", "--daemon")
	assert.Equal(t, 1, r.code)
	assert.Contains(t, r.stderr, "no schedule")
}

func TestDoctor_JSON(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1")

	r := run(t, home, "doctor", "--json")
	require.Equal(t, 0, r.code, r.stderr)
	var diag struct {
		System  map[string]string `json:"system"`
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &diag))
	assert.Equal(t, Version, diag.System["version"])
	require.NotEmpty(t, diag.Results)
	for _, res := range diag.Results {
		if res.Name == "Database" {
			assert.Equal(t, "PASS", res.Status)
		}
	}
}

func TestDoctor_Text(t *testing.T) {
	r := run(t, t.TempDir(), "doctor")
	require.Equal(t, 0, r.code, r.stderr)
	assert.Contains(t, r.stdout, "gocrew doctor report")
	assert.Contains(t, r.stdout, "Database")
}

func TestVersion(t *testing.T) {
	home := filepath.Join(t.TempDir(), "none")
	r := run(t, home, "version")
	require.Equal(t, 0, r.code)
	assert.True(t, strings.HasPrefix(r.stdout, "gocrew "+Version))
	_, err := os.Stat(home)
	assert.True(t, os.IsNotExist(err))
}

func TestUnknownCommand(t *testing.T) {
	r := run(t, t.TempDir(), "kickoff")
	assert.Equal(t, 2, r.code)
	assert.Contains(t, r.stderr, "unknown command")
}

func TestAuditTrailRecordsReset(t *testing.T) {
	home := t.TempDir()
	seed(t, home, "T1")

	r := run(t, home, "reset-memories", "-k")
	require.Equal(t, 0, r.code, r.stderr)

	withStore(t, home, func(store *persistence.Store) {
		var n int
		require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'memory.reset' AND subject = 'kickoff_outputs';`).Scan(&n))
		assert.Equal(t, 1, n)
	})
	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "memory.reset")
}
