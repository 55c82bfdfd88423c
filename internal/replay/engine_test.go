package replay_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/basket/go-crew/internal/bus"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/replay"
	"github.com/basket/go-crew/internal/replay/mocks"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "crew.db"), persistence.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedKickoff stores one kickoff's tasks and returns the stored records.
func seedKickoff(t *testing.T, store *persistence.Store, kickoff string, taskIDs ...string) []persistence.TaskOutput {
	t.Helper()
	out := make([]persistence.TaskOutput, 0, len(taskIDs))
	for i, id := range taskIDs {
		rec, err := store.AppendTaskOutput(context.Background(), persistence.TaskOutput{
			TaskID:         id,
			KickoffID:      kickoff,
			TaskIndex:      i,
			Description:    "do " + id,
			ExpectedOutput: "result of " + id,
			RawOutput:      "original " + id,
			Inputs:         map[string]any{"topic": "agents"},
		})
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func newEngine(t *testing.T, store replay.Store, exec replay.Executor, b *bus.Bus) *replay.Engine {
	t.Helper()
	e, err := replay.New(replay.Config{Store: store, Executor: exec, Bus: b})
	require.NoError(t, err)
	return e
}

func historyIDs(h []persistence.TaskOutput) []string {
	out := make([]string, len(h))
	for i, r := range h {
		out[i] = r.TaskID
	}
	return out
}

func TestReplay_FromMiddleTask(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	orig := seedKickoff(t, store, "k1", "T1", "T2", "T3")

	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req replay.TaskRequest) (replay.TaskResult, error) {
				assert.Equal(t, "T2", req.TaskID)
				assert.Equal(t, 0, req.Index)
				assert.Equal(t, []string{"T1"}, historyIDs(req.History))
				assert.Equal(t, "original T1", req.History[0].RawOutput)
				assert.Equal(t, "do T2", req.Description)
				assert.Equal(t, map[string]any{"topic": "agents"}, req.Inputs)
				assert.Equal(t, orig[1].Seq, req.Original.Seq)
				return replay.TaskResult{RawOutput: "new T2"}, nil
			}),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req replay.TaskRequest) (replay.TaskResult, error) {
				assert.Equal(t, "T3", req.TaskID)
				assert.Equal(t, []string{"T1", "T2"}, historyIDs(req.History))
				assert.Equal(t, "new T2", req.History[1].RawOutput, "history carries outputs produced in this replay")
				return replay.TaskResult{TaskID: "T3", RawOutput: "new T3"}, nil
			}),
	)

	s, err := newEngine(t, store, exec, nil).Replay(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, replay.StateSucceeded, s.State)
	assert.Equal(t, []string{"T2", "T3"}, s.Window.TaskIDs())
	require.Len(t, s.Records, 2)
	assert.False(t, s.FinishedAt.Before(s.StartedAt))

	all, err := store.LoadTaskOutputs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, orig, all[:3], "original records are untouched")

	for i, rec := range all[3:] {
		assert.Equal(t, s.ID, rec.KickoffID)
		assert.True(t, rec.WasReplayed)
		assert.Equal(t, orig[i+1].TaskID, rec.TaskID)
		assert.Equal(t, orig[i+1].Seq, rec.Supersedes)
		assert.Equal(t, orig[i+1].TaskIndex, rec.TaskIndex)
		assert.False(t, rec.CreatedAt.Before(orig[i+1].CreatedAt))
	}
	assert.Equal(t, "new T2", all[3].RawOutput)
	assert.Equal(t, "new T3", all[4].RawOutput)

	latest, err := store.LatestTaskOutput(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, "new T2", latest.RawOutput)
}

func TestReplay_WindowIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedKickoff(t, store, "k1", "T1", "T2", "T3")

	e := newEngine(t, store, replay.EchoExecutor{}, nil)
	first, err := e.Window(ctx, "T2")
	require.NoError(t, err)
	second, err := e.Window(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"T2", "T3"}, first.TaskIDs())
	assert.Equal(t, []string{"T1"}, historyIDs(first.Prior))

	// A completed replay appends records but never widens later windows.
	_, err = e.Replay(ctx, "T2")
	require.NoError(t, err)
	third, err := e.Window(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, first.TaskIDs(), third.TaskIDs())
}

func TestReplay_FromMiddleTask_Variants(t *testing.T) {
	tests := []struct {
		name string
		seed func(t *testing.T, store *persistence.Store)
		want []string
	}{
		{
			name: "records appended without a kickoff id",
			seed: func(t *testing.T, store *persistence.Store) {
				for _, id := range []string{"T1", "T2", "T3"} {
					_, err := store.AppendTaskOutput(context.Background(), persistence.TaskOutput{TaskID: id, RawOutput: "original " + id})
					require.NoError(t, err)
				}
			},
			want: []string{"T2", "T3"},
		},
		{
			name: "suffix spans a later kickoff",
			seed: func(t *testing.T, store *persistence.Store) {
				seedKickoff(t, store, "k1", "T1", "T2")
				seedKickoff(t, store, "k2", "T3")
			},
			want: []string{"T2", "T3"},
		},
		{
			name: "later kickoff re-running earlier tasks",
			seed: func(t *testing.T, store *persistence.Store) {
				seedKickoff(t, store, "k1", "T1", "T2", "T3")
				seedKickoff(t, store, "k2", "T1", "T2", "T3")
			},
			want: []string{"T2", "T3"},
		},
		{
			name: "earlier replay outputs in the suffix",
			seed: func(t *testing.T, store *persistence.Store) {
				seedKickoff(t, store, "k1", "T1", "T2", "T3")
				e := newEngine(t, store, divergingExecutor{from: "T3", to: "T3-review"}, nil)
				_, err := e.Replay(context.Background(), "T2")
				require.NoError(t, err)
			},
			want: []string{"T2", "T3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := openStore(t)
			tt.seed(t, store)
			before, err := store.CountTaskOutputs(ctx)
			require.NoError(t, err)

			var ran []string
			ctrl := gomock.NewController(t)
			exec := mocks.NewMockExecutor(ctrl)
			exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
				func(_ context.Context, req replay.TaskRequest) (replay.TaskResult, error) {
					ran = append(ran, req.TaskID)
					assert.Equal(t, "T1", req.History[0].TaskID, "T1 is context, never re-run")
					return replay.TaskResult{RawOutput: "new " + req.TaskID}, nil
				}).Times(len(tt.want))

			s, err := newEngine(t, store, exec, nil).Replay(ctx, "T2")
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Window.TaskIDs())
			assert.Equal(t, tt.want, ran)

			after, err := store.CountTaskOutputs(ctx)
			require.NoError(t, err)
			assert.Equal(t, before+len(tt.want), after)
		})
	}
}

// divergingExecutor echoes stored outputs but swaps one task for another.
type divergingExecutor struct {
	from, to string
}

func (d divergingExecutor) Execute(ctx context.Context, req replay.TaskRequest) (replay.TaskResult, error) {
	res, err := replay.EchoExecutor{}.Execute(ctx, req)
	if req.TaskID == d.from {
		res.TaskID = d.to
	}
	return res, err
}

func TestReplay_UnknownTask(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedKickoff(t, store, "k1", "T1")

	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl) // no calls expected

	s, err := newEngine(t, store, exec, nil).Replay(ctx, "T9")
	require.Error(t, err)
	assert.ErrorIs(t, err, replay.ErrUnknownTask)
	assert.ErrorIs(t, err, persistence.ErrTaskNotFound)
	assert.NotErrorIs(t, err, replay.ErrExecutionFailed)

	var re *replay.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, replay.UnknownTask, re.Kind)
	assert.Equal(t, "T9", re.TaskID)

	require.NotNil(t, s)
	assert.Equal(t, replay.StateFailed, s.State)
	assert.Empty(t, s.Records)

	n, err := store.CountTaskOutputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplay_EmptyStoreIsUnknownTask(t *testing.T) {
	_, err := newEngine(t, openStore(t), replay.EchoExecutor{}, nil).Replay(context.Background(), "T1")
	require.ErrorIs(t, err, replay.ErrUnknownTask)
}

func TestReplay_HaltsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedKickoff(t, store, "k1", "T1", "T2", "T3", "T4")

	boom := errors.New("model overloaded")
	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{RawOutput: "new T2"}, nil),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{}, boom),
	)

	b := bus.New()
	sub := b.Subscribe("replay.")
	defer b.Unsubscribe(sub)

	s, err := newEngine(t, store, exec, b).Replay(ctx, "T2")
	require.Error(t, err)
	assert.ErrorIs(t, err, replay.ErrExecutionFailed)
	assert.ErrorIs(t, err, boom)

	var re *replay.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "T3", re.TaskID)

	assert.Equal(t, replay.StateFailed, s.State)
	require.Len(t, s.Records, 1, "records appended before the failure are kept")
	assert.Equal(t, "T2", s.Records[0].TaskID)

	n, err := store.CountTaskOutputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	var topics []string
	for done := false; !done; {
		select {
		case ev := <-sub.Ch():
			topics = append(topics, ev.Topic)
			if ev.Topic == bus.TopicReplayFinished {
				fin := ev.Payload.(bus.ReplayFinishedEvent)
				assert.Equal(t, "failed", fin.Status)
				assert.Equal(t, 1, fin.Completed)
				assert.Equal(t, 3, fin.Total)
				done = true
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout; events so far: %v", topics)
		}
	}
	assert.Equal(t, []string{
		bus.TopicReplayStarted,
		bus.TopicReplayTaskStarted,
		bus.TopicReplayTaskCompleted,
		bus.TopicReplayTaskStarted,
		bus.TopicReplayTaskFailed,
		bus.TopicReplayFinished,
	}, topics)
}

func TestReplay_DivergentTaskBecomesNewRecord(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	orig := seedKickoff(t, store, "k1", "T1", "T2", "T3")

	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{RawOutput: "new T2"}, nil),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{
			TaskID:         "T3-fact-check",
			RawOutput:      "checked",
			Description:    "fact check instead",
			ExpectedOutput: "verdict",
		}, nil),
	)

	s, err := newEngine(t, store, exec, nil).Replay(ctx, "T2")
	require.NoError(t, err)
	require.Len(t, s.Records, 2)

	div := s.Records[1]
	assert.Equal(t, "T3-fact-check", div.TaskID)
	assert.Zero(t, div.Supersedes, "divergent tasks do not supersede the original")
	assert.Equal(t, "fact check instead", div.Description)
	assert.True(t, div.WasReplayed)

	latest, err := store.LatestTaskOutput(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, orig[2], latest, "the original T3 remains the latest T3")
}

func TestReplay_OutputSchema(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	_, err := store.AppendTaskOutput(ctx, persistence.TaskOutput{
		TaskID:       "report",
		KickoffID:    "k1",
		RawOutput:    `{"title":"ok"}`,
		OutputSchema: `{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`,
	})
	require.NoError(t, err)

	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{RawOutput: "no json here"}, nil),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(replay.TaskResult{RawOutput: "```json\n{\"title\": \"Weekly\"}\n```"}, nil),
	)
	e := newEngine(t, store, exec, nil)

	_, err = e.Replay(ctx, "report")
	require.ErrorIs(t, err, replay.ErrExecutionFailed)
	n, err := store.CountTaskOutputs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected outputs are not stored")

	s, err := e.Replay(ctx, "report")
	require.NoError(t, err)
	require.Len(t, s.Records, 1)
	assert.Contains(t, s.Records[0].RawOutput, "Weekly")
}

func TestReplay_TaskTimeout(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	seedKickoff(t, store, "k1", "T1")

	ctrl := gomock.NewController(t)
	exec := mocks.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ replay.TaskRequest) (replay.TaskResult, error) {
			<-ctx.Done()
			return replay.TaskResult{}, ctx.Err()
		})

	e, err := replay.New(replay.Config{Store: store, Executor: exec, TaskTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = e.Replay(ctx, "T1")
	require.ErrorIs(t, err, replay.ErrExecutionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReplay_EchoExecutorRebuildsKickoff(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	orig := seedKickoff(t, store, "k1", "T1", "T2", "T3")

	s, err := newEngine(t, store, replay.EchoExecutor{}, nil).Replay(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, s.Records, 3)
	for i, rec := range s.Records {
		assert.Equal(t, orig[i].RawOutput, rec.RawOutput)
		assert.Equal(t, orig[i].Seq, rec.Supersedes)
	}
}

type failingAppendStore struct {
	replay.Store
	err error
}

func (f failingAppendStore) AppendTaskOutput(context.Context, persistence.TaskOutput) (persistence.TaskOutput, error) {
	return persistence.TaskOutput{}, f.err
}

func TestReplay_StorageFailureSurfaces(t *testing.T) {
	store := openStore(t)
	seedKickoff(t, store, "k1", "T1")

	writeErr := &persistence.StorageError{Op: persistence.OpWriteFailed, Target: "task_outputs", Err: errors.New("disk full")}
	e := newEngine(t, failingAppendStore{Store: store, err: writeErr}, replay.EchoExecutor{}, nil)

	s, err := e.Replay(context.Background(), "T1")
	require.ErrorIs(t, err, persistence.ErrWriteFailed)
	assert.NotErrorIs(t, err, replay.ErrExecutionFailed)
	assert.Equal(t, replay.StateFailed, s.State)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := replay.New(replay.Config{Executor: replay.EchoExecutor{}})
	require.Error(t, err)
	_, err = replay.New(replay.Config{Store: openStore(t)})
	require.Error(t, err)
}
