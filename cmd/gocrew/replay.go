package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/replay"
)

const replayLongDesc = `Replay the crew execution from a specific task.

The task and every task stored after it are executed again, with the stored
outputs of earlier tasks as context. Tasks that already ran before the given
one and outputs of earlier replays are not re-run. Each new output is stored
as a new record; existing records are never modified.`

func newReplayCmd(a *app) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the crew execution from a specific task",
		Long:  replayLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.replay(cmd.Context(), taskID)
		},
	}
	cmd.Flags().StringVarP(&taskID, "task_id", "t", "", "Replay the crew from this task ID, including all subsequent tasks.")
	_ = cmd.MarkFlagRequired("task_id")
	return cmd
}

// executorFor resolves the configured built-in executor.
func executorFor(name string) (replay.Executor, error) {
	switch name {
	case "echo", "":
		return replay.EchoExecutor{}, nil
	}
	return nil, fmt.Errorf("unknown replay executor %q (built-in: echo)", name)
}

func (a *app) replay(ctx context.Context, taskID string) error {
	const doing = "replaying"
	fmt.Fprintf(a.stdout, "Replaying the crew from task %s\n", taskID)

	store, err := a.openStore()
	if err != nil {
		return failed(doing, err)
	}
	exec, err := executorFor(a.cfg.Replay.Executor)
	if err != nil {
		return failed(doing, err)
	}
	engine, err := replay.New(replay.Config{
		Store:       store,
		Executor:    exec,
		Logger:      a.logger,
		Bus:         a.bus,
		Tracer:      a.tel.Tracer,
		Metrics:     a.metrics,
		TaskTimeout: a.cfg.Replay.TaskTimeout,
	})
	if err != nil {
		return failed(doing, err)
	}

	u := newUI(a.stdout)
	s, err := engine.Replay(ctx, taskID)
	if s != nil {
		for _, rec := range s.Records {
			fmt.Fprintf(a.stdout, "  %s %s %s\n", u.mark(nil), rec.TaskID, u.render(dimStyle, fmt.Sprintf("(seq %d)", rec.Seq)))
		}
	}
	if err != nil {
		return failed(doing, err)
	}
	fmt.Fprintf(a.stdout, "Replayed %d tasks as kickoff %s\n", len(s.Records), u.render(keyStyle, s.ID))
	return nil
}
