package protocol

// Call is a method-channel request from the application.
type Call struct {
	ID     string         `json:"id,omitempty"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

type Status string

const (
	StatusOK             Status = "ok"
	StatusError          Status = "error"
	StatusNotImplemented Status = "not_implemented"
)

// Reply is the single response delivered for a Call. Result is null for a
// cancelled scan.
type Reply struct {
	ID     string     `json:"id,omitempty"`
	Status Status     `json:"status"`
	Result any        `json:"result"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries the code and message of an error reply.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Notification is a fire-and-forget message pushed to channel clients.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Lifecycle events reported by the native host.
const (
	LifecycleAttached                 = "attached"
	LifecycleDetachedForConfigChanges = "detached_for_config_changes"
	LifecycleReattached               = "reattached"
	LifecycleDetached                 = "detached"
)

// LifecycleEvent is the body of a host lifecycle report.
type LifecycleEvent struct {
	Event     string `json:"event"`
	ContextID string `json:"context_id,omitempty"`
}
