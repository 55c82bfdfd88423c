package bus

// Replay topics. Subscribe to "replay." for the whole run.
const (
	TopicReplayStarted       = "replay.started"
	TopicReplayTaskStarted   = "replay.task.started"
	TopicReplayTaskCompleted = "replay.task.completed"
	TopicReplayTaskFailed    = "replay.task.failed"
	TopicReplayFinished      = "replay.finished"
)

// Reset topics.
const (
	TopicResetCategoryCleared = "reset.category.cleared"
	TopicResetCategoryFailed  = "reset.category.failed"
	TopicResetFinished        = "reset.finished"
)

// Store topics.
const (
	TopicTaskOutputAppended = "store.task_output.appended"
	TopicBackupCompleted    = "store.backup.completed"
)

// ReplayStartedEvent is published once the replay window is resolved.
type ReplayStartedEvent struct {
	ReplayID  string   // kickoff id the replayed records are stored under
	FromTask  string   // anchor task id
	TaskIDs   []string // tasks that will be re-run, in order
	PriorTask int      // number of earlier task outputs supplied as context
}

// ReplayTaskEvent is published when one replayed task starts, completes, or fails.
type ReplayTaskEvent struct {
	ReplayID string
	TaskID   string
	Index    int    // position within the replay window
	Seq      int64  // stored record seq, set on completion
	Error    string // set on failure
}

// ReplayFinishedEvent closes a replay run.
type ReplayFinishedEvent struct {
	ReplayID  string
	Status    string // succeeded or failed
	Completed int
	Total     int
}

// ResetCategoryEvent is published per category by the reset coordinator.
type ResetCategoryEvent struct {
	Category string
	Removed  int64
	Error    string
}

// ResetFinishedEvent summarizes a reset request.
type ResetFinishedEvent struct {
	Cleared []string
	Failed  []string
}

// TaskOutputAppendedEvent is published after a task output is durably stored.
type TaskOutputAppendedEvent struct {
	Seq       int64
	TaskID    string
	KickoffID string
	Replayed  bool
}

// BackupCompletedEvent is published after a successful backup.
type BackupCompletedEvent struct {
	Path   string
	Pruned int // older scheduled backups removed by retention
}
