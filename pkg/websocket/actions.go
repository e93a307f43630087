package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session control
	ActionSessionStart  = "session.start"
	ActionSessionPause  = "session.pause"
	ActionSessionResume = "session.resume"
	ActionSessionStop   = "session.stop"
	ActionSessionStatus = "session.status"
	ActionSessionList   = "session.list"

	// Task reads
	ActionTaskGet    = "task.get"
	ActionTaskList   = "task.list"
	ActionTaskSteps  = "task.steps"
	ActionTaskDelete = "task.delete"

	// Subscription actions
	ActionTaskSubscribe   = "task.subscribe"
	ActionTaskUnsubscribe = "task.unsubscribe"

	// Notification actions (server -> client)
	ActionTaskStep    = "task.step"
	ActionTaskStatus  = "task.status"
	ActionTaskDeleted = "task.deleted"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeConflict      = "CONFLICT"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
