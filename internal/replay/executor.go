package replay

import (
	"context"

	"github.com/basket/go-crew/internal/persistence"
)

// Executor runs one task. It is the seam to the agent engine; replay never
// retries a failed Execute.
//
//go:generate mockgen -source=executor.go -destination=mocks/mock_executor.go -package=mocks
type Executor interface {
	Execute(ctx context.Context, req TaskRequest) (TaskResult, error)
}

// TaskRequest is one task re-submitted during a replay.
type TaskRequest struct {
	ReplayID       string
	TaskID         string
	Index          int // position within the replay window
	Description    string
	ExpectedOutput string
	Inputs         map[string]any
	OutputSchema   string

	// History holds the outputs the task may build on: the prior context,
	// then every output produced earlier in this replay. Oldest first.
	History []persistence.TaskOutput

	// Original is the stored record being replayed.
	Original persistence.TaskOutput
}

// TaskResult is what the executor produced for a request.
type TaskResult struct {
	// TaskID is the id of the task that actually ran. Empty means the
	// requested task; a different id marks a divergent path and is stored as
	// a new record rather than a superseding one.
	TaskID         string
	RawOutput      string
	Description    string // optional, for divergent tasks
	ExpectedOutput string // optional, for divergent tasks
}

// EchoExecutor replays stored outputs verbatim. It drives the CLI replay
// command when no agent engine is embedded and is useful to rebuild a run's
// records under a new kickoff.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, req TaskRequest) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	return TaskResult{TaskID: req.TaskID, RawOutput: req.Original.RawOutput}, nil
}
