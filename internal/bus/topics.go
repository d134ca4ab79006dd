package bus

// Task mutation topics. Feed consumers subscribe on "task." to follow a whole
// table, or filter the payload by row predicate (assigned_to, task_id).
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskDispatched    = "task.dispatched"
	TopicTaskDeleted       = "task.deleted"
)

// Workflow step topics.
const (
	TopicStepReplaced  = "step.replaced"
	TopicStepCompleted = "step.completed"
)

// Notification topics. The notify package publishes here; transports (out of
// scope) subscribe downstream.
const (
	TopicNotifyUser      = "notify.user"
	TopicNotifyBroadcast = "notify.broadcast"
)

// TaskChangedEvent is published whenever a task row mutates.
type TaskChangedEvent struct {
	TaskID     string // task row id
	Pipeline   string // task type (quotation, production, ...)
	AssignedTo string // current assignee, "" when unassigned
	OldStatus  string // previous status, "" on create
	NewStatus  string // current status
}

// StepChangedEvent is published when a workflow step set changes or a single
// step completes.
type StepChangedEvent struct {
	TaskID      string // owning task id
	StepID      string // step id, "" for whole-set replacement
	StepType    string // collect, deliver_to_supplier, ...
	Status      string // pending or completed
	CompletedBy string // actor for completions
}
