// Package dispatcher is the HTTP client for worker agents. Each render
// machine runs an agent exposing status/start/stop; the dispatcher is the
// only component that talks to it, and every call is stateless.
package dispatcher

import (
	"context"

	"github.com/jetspiking/RenderOnline/internal/store"
)

// AgentTask is the agent's view of the task it is (or last was) running.
type AgentTask struct {
	TaskID       int64 `json:"taskId"`
	IsSuccess    bool  `json:"isSuccess"`
	IsRunning    bool  `json:"isRunning"`
	TotalSeconds int64 `json:"totalSeconds"`
}

// AgentStatus is the response of the agent's status endpoint. Task is nil
// when the agent has not run anything since boot.
type AgentStatus struct {
	EngineIDs []string   `json:"engineIds"`
	Task      *AgentTask `json:"task"`
}

// Idle reports whether the agent can accept a new task.
func (s *AgentStatus) Idle() bool {
	return s.Task == nil || !s.Task.IsRunning
}

// StartRequest asks an agent to launch a render process. Arguments is the
// fully substituted command line; the agent performs no further validation.
type StartRequest struct {
	EngineID  string `json:"engineId"`
	TaskID    int64  `json:"taskId"`
	Arguments string `json:"arguments"`
}

// AgentResult is the agent's acknowledgement of a start or stop request.
type AgentResult struct {
	IsSuccess bool   `json:"isSuccess"`
	Message   string `json:"message"`
}

// Client dispatches calls to a machine's worker agent. Implementations must
// bound every call so an unreachable machine cannot stall a scheduler tick.
type Client interface {
	Status(ctx context.Context, machine store.Machine) (*AgentStatus, error)
	Start(ctx context.Context, machine store.Machine, req StartRequest) (*AgentResult, error)
	Stop(ctx context.Context, machine store.Machine, taskID int64) (*AgentResult, error)
}
