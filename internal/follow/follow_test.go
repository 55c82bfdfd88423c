package follow_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/go-crew/internal/follow"
	"github.com/basket/go-crew/internal/persistence"
)

func openStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crew.db")
	store, err := persistence.Open(path, persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func appendTask(t *testing.T, store *persistence.Store, taskID string) persistence.TaskOutput {
	t.Helper()
	rec, err := store.AppendTaskOutput(context.Background(), persistence.TaskOutput{TaskID: taskID, KickoffID: "k1", RawOutput: "out"})
	require.NoError(t, err)
	return rec
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) add(rec persistence.TaskOutput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, rec.TaskID)
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestFollower_DeliversBacklogThenNewRecords(t *testing.T) {
	store, path := openStore(t)
	appendTask(t, store, "T1")

	f := follow.New(follow.Config{Source: store, DBPath: path, Debounce: 10 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got collector
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, 0, got.add) }()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)

	appendTask(t, store, "T2")
	appendTask(t, store, "T3")
	require.Eventually(t, func() bool { return len(got.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"T1", "T2", "T3"}, got.snapshot())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("follower did not stop after cancel")
	}
}

func TestFollower_SkipsRecordsAtOrBeforeStart(t *testing.T) {
	store, path := openStore(t)
	first := appendTask(t, store, "T1")
	appendTask(t, store, "T2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got collector
	go func() { _ = follow.New(follow.Config{Source: store, DBPath: path}).Run(ctx, first.Seq, got.add) }()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"T2"}, got.snapshot())
}

func TestFollower_CallbackErrorStops(t *testing.T) {
	store, path := openStore(t)
	appendTask(t, store, "T1")

	stop := errors.New("stop")
	err := follow.New(follow.Config{Source: store, DBPath: path}).Run(context.Background(), 0, func(persistence.TaskOutput) error {
		return stop
	})
	require.ErrorIs(t, err, stop)
}

func TestFollower_MissingDirectory(t *testing.T) {
	store, _ := openStore(t)
	err := follow.New(follow.Config{Source: store, DBPath: filepath.Join(t.TempDir(), "nope", "crew.db")}).
		Run(context.Background(), 0, func(persistence.TaskOutput) error { return nil })
	require.Error(t, err)
}

// cancelingSource cancels the follow context from inside the read, the way an
// interrupt lands while a drain is in flight.
type cancelingSource struct {
	cancel context.CancelFunc
}

func (c cancelingSource) TaskOutputsAfter(ctx context.Context, _ int64) ([]persistence.TaskOutput, error) {
	c.cancel()
	return nil, ctx.Err()
}

func TestFollower_CancelDuringReadIsCleanStop(t *testing.T) {
	_, path := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := follow.New(follow.Config{Source: cancelingSource{cancel: cancel}, DBPath: path}).
		Run(ctx, 0, func(persistence.TaskOutput) error { return nil })
	require.NoError(t, err)
}

type brokenSource struct{}

func (brokenSource) TaskOutputsAfter(context.Context, int64) ([]persistence.TaskOutput, error) {
	return nil, errors.New("disk I/O error")
}

func TestFollower_ReadErrorSurfaces(t *testing.T) {
	_, path := openStore(t)
	err := follow.New(follow.Config{Source: brokenSource{}, DBPath: path}).
		Run(context.Background(), 0, func(persistence.TaskOutput) error { return nil })
	require.EqualError(t, err, "disk I/O error")
}
