// Package replay resumes a crew from a stored task: earlier outputs become
// history, and the anchor task plus everything after it in the same kickoff is
// re-executed once, each result appended as a new record.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-crew/internal/audit"
	"github.com/basket/go-crew/internal/bus"
	otelx "github.com/basket/go-crew/internal/otel"
	"github.com/basket/go-crew/internal/persistence"
	"github.com/basket/go-crew/internal/shared"
)

// Store is the slice of the task output store replay needs.
type Store interface {
	LoadTaskOutputs(ctx context.Context) ([]persistence.TaskOutput, error)
	FindTaskOutputsFrom(ctx context.Context, taskID string) ([]persistence.TaskOutput, error)
	AppendTaskOutput(ctx context.Context, rec persistence.TaskOutput) (persistence.TaskOutput, error)
}

// State is the lifecycle position of a replay session.
type State string

const (
	StateLocating       State = "locating"
	StateReconstructing State = "reconstructing"
	StateReplaying      State = "replaying"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Session records one replay run.
type Session struct {
	ID       string // kickoff id of the records this replay appends
	FromTask string
	State    State
	Window   Window
	// Records are the task outputs appended by this replay, in order.
	Records    []persistence.TaskOutput
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Config wires an Engine.
type Config struct {
	Store    Store
	Executor Executor
	Logger   *slog.Logger
	Bus      *bus.Bus
	Tracer   trace.Tracer
	Metrics  *otelx.Metrics

	// TaskTimeout bounds each Execute call; zero means no bound.
	TaskTimeout time.Duration
}

// Engine drives replays against a store and an executor.
type Engine struct {
	store       Store
	exec        Executor
	logger      *slog.Logger
	bus         *bus.Bus
	tracer      trace.Tracer
	metrics     *otelx.Metrics
	validator   *OutputValidator
	taskTimeout time.Duration
	now         func() time.Time
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("replay: store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("replay: executor is required")
	}
	e := &Engine{
		store:       cfg.Store,
		exec:        cfg.Executor,
		logger:      cfg.Logger,
		bus:         cfg.Bus,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		validator:   NewOutputValidator(),
		taskTimeout: cfg.TaskTimeout,
		now:         time.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return e, nil
}

// Window resolves the replay plan for taskID without executing anything.
func (e *Engine) Window(ctx context.Context, taskID string) (Window, error) {
	suffix, err := e.store.FindTaskOutputsFrom(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return Window{}, &Error{Kind: UnknownTask, TaskID: taskID, Err: err}
		}
		return Window{}, err
	}
	all, err := e.store.LoadTaskOutputs(ctx)
	if err != nil {
		return Window{}, err
	}
	return buildWindow(taskID, all, suffix), nil
}

// Replay re-executes the window anchored at taskID. The returned session is
// non-nil whenever replay got past argument checks, including on failure, and
// lists the records appended before any failure. Appended records are kept.
func (e *Engine) Replay(ctx context.Context, taskID string) (*Session, error) {
	s := &Session{
		ID:        shared.NewKickoffID(),
		FromTask:  taskID,
		State:     StateLocating,
		StartedAt: e.now(),
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithReplayID(ctx, s.ID)
	ctx = shared.WithKickoffID(ctx, s.ID)

	ctx, span := otelx.StartSpan(ctx, e.tracer, "replay.run",
		otelx.AttrFromTask.String(taskID),
		otelx.AttrReplayID.String(s.ID),
	)
	logger := e.logger.With("from_task", taskID)

	err := e.run(ctx, s, logger)
	s.FinishedAt = e.now()
	if err != nil {
		s.State = StateFailed
		s.Err = err
		logger.ErrorContext(ctx, "replay failed", "completed", len(s.Records), "total", len(s.Window.Tasks), "error", err)
		audit.Record(ctx, audit.ActionReplay, audit.DecisionError, taskID, err.Error())
	} else {
		s.State = StateSucceeded
		logger.InfoContext(ctx, "replay completed", "tasks", len(s.Records))
		audit.Record(ctx, audit.ActionReplay, audit.DecisionOK, taskID, fmt.Sprintf("replayed %d tasks as kickoff %s", len(s.Records), s.ID))
	}

	e.bus.Publish(bus.TopicReplayFinished, bus.ReplayFinishedEvent{
		ReplayID:  s.ID,
		Status:    string(s.State),
		Completed: len(s.Records),
		Total:     len(s.Window.Tasks),
	})
	if e.metrics != nil {
		outcome := metric.WithAttributes(otelx.AttrOutcome.String(string(s.State)))
		e.metrics.ReplayRuns.Add(ctx, 1, outcome)
		e.metrics.ReplayDuration.Record(ctx, s.FinishedAt.Sub(s.StartedAt).Seconds(), outcome)
	}
	otelx.EndSpan(span, err)
	return s, err
}

func (e *Engine) run(ctx context.Context, s *Session, logger *slog.Logger) error {
	w, err := e.Window(ctx, s.FromTask)
	if err != nil {
		return err
	}
	s.State = StateReconstructing
	s.Window = w
	logger.InfoContext(ctx, "replay window resolved", "tasks", w.TaskIDs(), "prior", len(w.Prior))
	e.bus.Publish(bus.TopicReplayStarted, bus.ReplayStartedEvent{
		ReplayID:  s.ID,
		FromTask:  s.FromTask,
		TaskIDs:   w.TaskIDs(),
		PriorTask: len(w.Prior),
	})

	history := append([]persistence.TaskOutput(nil), w.Prior...)
	s.State = StateReplaying
	for i, orig := range w.Tasks {
		rec, err := e.replayTask(ctx, s.ID, i, orig, history, logger)
		if err != nil {
			return err
		}
		s.Records = append(s.Records, rec)
		history = append(history, rec)
	}
	return nil
}

func (e *Engine) replayTask(ctx context.Context, replayID string, index int, orig persistence.TaskOutput, history []persistence.TaskOutput, logger *slog.Logger) (persistence.TaskOutput, error) {
	ctx = shared.WithTaskID(ctx, orig.TaskID)
	ctx, span := otelx.StartSpan(ctx, e.tracer, "replay.task",
		otelx.AttrTaskID.String(orig.TaskID),
		otelx.AttrReplayID.String(replayID),
	)
	started := e.now()
	e.bus.Publish(bus.TopicReplayTaskStarted, bus.ReplayTaskEvent{ReplayID: replayID, TaskID: orig.TaskID, Index: index})

	rec, err := e.executeAndStore(ctx, replayID, index, orig, history)

	if e.metrics != nil {
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		attrs := metric.WithAttributes(otelx.AttrOutcome.String(outcome))
		e.metrics.ReplayTasks.Add(ctx, 1, attrs)
		e.metrics.ReplayTaskDuration.Record(ctx, e.now().Sub(started).Seconds(), attrs)
	}
	if err != nil {
		logger.ErrorContext(ctx, "replayed task failed", "index", index, "error", err)
		e.bus.Publish(bus.TopicReplayTaskFailed, bus.ReplayTaskEvent{ReplayID: replayID, TaskID: orig.TaskID, Index: index, Error: err.Error()})
		otelx.EndSpan(span, err)
		return persistence.TaskOutput{}, err
	}

	logger.InfoContext(ctx, "replayed task stored", "stored_task_id", rec.TaskID, "seq", rec.Seq, "supersedes", rec.Supersedes)
	e.bus.Publish(bus.TopicReplayTaskCompleted, bus.ReplayTaskEvent{ReplayID: replayID, TaskID: rec.TaskID, Index: index, Seq: rec.Seq})
	e.bus.Publish(bus.TopicTaskOutputAppended, bus.TaskOutputAppendedEvent{Seq: rec.Seq, TaskID: rec.TaskID, KickoffID: rec.KickoffID, Replayed: true})
	if e.metrics != nil {
		e.metrics.TaskOutputsAppended.Add(ctx, 1)
	}
	otelx.EndSpan(span, nil)
	return rec, nil
}

func (e *Engine) executeAndStore(ctx context.Context, replayID string, index int, orig persistence.TaskOutput, history []persistence.TaskOutput) (persistence.TaskOutput, error) {
	req := TaskRequest{
		ReplayID:       replayID,
		TaskID:         orig.TaskID,
		Index:          index,
		Description:    orig.Description,
		ExpectedOutput: orig.ExpectedOutput,
		Inputs:         orig.Inputs,
		OutputSchema:   orig.OutputSchema,
		History:        append([]persistence.TaskOutput(nil), history...),
		Original:       orig,
	}

	execCtx := ctx
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}
	res, err := e.exec.Execute(execCtx, req)
	if err != nil {
		return persistence.TaskOutput{}, &Error{Kind: ExecutionFailed, TaskID: orig.TaskID, Err: err}
	}

	rec := persistence.TaskOutput{
		TaskID:         orig.TaskID,
		KickoffID:      replayID,
		TaskIndex:      orig.TaskIndex,
		Description:    orig.Description,
		ExpectedOutput: orig.ExpectedOutput,
		RawOutput:      res.RawOutput,
		Inputs:         orig.Inputs,
		OutputSchema:   orig.OutputSchema,
		WasReplayed:    true,
		Supersedes:     orig.Seq,
	}
	if res.TaskID != "" && res.TaskID != orig.TaskID {
		// Divergent path: a new task, not a newer version of the original.
		rec.TaskID = res.TaskID
		rec.Description = res.Description
		rec.ExpectedOutput = res.ExpectedOutput
		rec.OutputSchema = ""
		rec.Supersedes = 0
	}
	if err := e.validator.Validate(rec.OutputSchema, rec.RawOutput); err != nil {
		return persistence.TaskOutput{}, &Error{Kind: ExecutionFailed, TaskID: orig.TaskID, Err: err}
	}

	stored, err := e.store.AppendTaskOutput(ctx, rec)
	if err != nil {
		return persistence.TaskOutput{}, fmt.Errorf("store replayed output for task %s: %w", rec.TaskID, err)
	}
	return stored, nil
}
