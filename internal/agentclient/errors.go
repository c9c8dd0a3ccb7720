package agentclient

import "fmt"

// RpcTimeout is raised when no reply arrives before a request's deadline.
type RpcTimeout struct {
	Method string
}

func (e *RpcTimeout) Error() string {
	return fmt.Sprintf("agentclient: timed out waiting for reply to %q", e.Method)
}

// RpcRemoteException carries an agent-side exception: a formatted message
// (message plus newline-joined backtrace), with any referenced blob
// content already spliced in by the caller before raising.
type RpcRemoteException struct {
	Method  string
	Message string
}

func (e *RpcRemoteException) Error() string {
	return e.Message
}

// AgentUnsupportedAction is raised when the agent rejects upload_blob with
// an "unknown message" exception — the one method for which that
// rejection becomes this distinct error rather than an
// RpcRemoteException or a swallowed reply.
type AgentUnsupportedAction struct {
	Method string
}

func (e *AgentUnsupportedAction) Error() string {
	return fmt.Sprintf("agentclient: agent does not support %q", e.Method)
}

// TaskCancelled is raised when Config.Cancelled() observes a cancellation
// during a long-running task or wait_until_ready. When it interrupts the
// polling of an agent task (AgentTaskID set), a best-effort cancel_task
// has already been sent before this is returned; otherwise no cancel_task
// is sent.
type TaskCancelled struct {
	Method      string
	AgentTaskID string
}

func (e *TaskCancelled) Error() string {
	return fmt.Sprintf("agentclient: %q cancelled (task %s)", e.Method, e.AgentTaskID)
}
