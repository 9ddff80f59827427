package bus

// Task event topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskJournaled    = "task.journaled"
	TopicTaskUnblocked    = "task.unblocked"
)

// Dispatch event topics.
const (
	TopicDispatchSpawned = "dispatch.spawned"
	TopicDispatchFailed  = "dispatch.failed"
)

// Sync event topics.
const (
	TopicSyncExported = "sync.exported"
	TopicSyncImported = "sync.imported"
	TopicSyncResolved = "sync.resolved"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	OldStatus string // Previous status (e.g. open)
	NewStatus string // New status (e.g. wip)
	Actor     string // Agent or user that caused the change
}

// TaskUnblockedEvent is published when a completed task unblocks a dependent
// but the gateway cannot be reached to dispatch it. An external supervisor
// may pick the task up by other means.
type TaskUnblockedEvent struct {
	TaskID      string // Newly unblocked task
	CompletedID string // Task whose completion unblocked it
	Reason      string // Why dispatch was skipped
}

// DispatchEvent is published when a task is handed to the gateway or rejected by it.
type DispatchEvent struct {
	TaskID    string
	Agent     string
	SessionID string // Gateway session, set on success
	Error     string // Failure reason, set on failure
}
