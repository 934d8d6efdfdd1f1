// Package store provides the durable task store backing the coordination
// service: users, subscriptions, engines, argument types, renders, tasks,
// machines and the queue.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is an account allowed to submit render jobs.
type User struct {
	UserID         int64
	FirstName      string
	LastName       string
	Email          string
	SubscriptionID int64
	IsActive       bool
}

// Subscription maps a tier to the maximum number of concurrently queued tasks.
type Subscription struct {
	SubscriptionID int64
	QueueLimit     int
}

// Engine is a render-engine profile. RenderArgument is the command template
// containing $RENDERONLINE:<argtype> placeholders.
type Engine struct {
	EngineID       int64
	Name           string
	Extension      string
	DownloadPath   string
	RenderArgument string
}

// ArgType declares the allowed values for one template placeholder.
// A non-empty Regex overrides the built-in Type rule.
type ArgType struct {
	ArgTypeID string
	Type      string
	Regex     string
}

// Render is the immutable artifact record for one submitted job.
type Render struct {
	RenderID  int64
	FileName  string
	FilePath  string
	FileSize  int64
	Arguments string
	EngineID  int64
}

// Task is the lifecycle record for one Render.
//
// Invariant: IsRunning implies StartTime != nil and EndTime == nil;
// EndTime != nil implies !IsRunning.
type Task struct {
	TaskID    int64
	UserID    int64
	QueueTime time.Time
	StartTime *time.Time
	EndTime   *time.Time
	IsRunning bool
	IsSuccess bool
	RenderID  int64
	MachineID *int64
}

// Machine is a worker node running a worker agent.
type Machine struct {
	MachineID int64
	IPAddress string
	Port      int
}

// TaskDetail joins a task with its render and engine rows.
type TaskDetail struct {
	Task   Task
	Render Render
	Engine Engine
}

// Store is the single source of truth shared by the intake handlers and the
// scheduler. Implementations must make ClaimTask a conditional write so that
// two concurrent claims on the same task yield exactly one winner.
type Store interface {
	// AuthenticateUser resolves an email/token pair to an active user.
	// Returns ErrNotFound when no active user matches.
	AuthenticateUser(ctx context.Context, email, token string) (*User, error)

	GetSubscription(ctx context.Context, subscriptionID int64) (*Subscription, error)
	GetEngine(ctx context.Context, engineID int64) (*Engine, error)
	GetArgType(ctx context.Context, argTypeID string) (*ArgType, error)

	// CreateRenderTask inserts the render, its queued task and the queue
	// membership as one transaction. The returned task is in the Queued
	// state: unassigned, not running, not successful.
	CreateRenderTask(ctx context.Context, render *Render, userID int64, queueTime time.Time) (*Task, error)

	// ListUserTasks returns every task owned by the user with render and
	// engine detail, most recently queued first.
	ListUserTasks(ctx context.Context, userID int64) ([]TaskDetail, error)

	// ListUnsettledTasks returns tasks that have not succeeded and are still
	// members of the queue, oldest first.
	ListUnsettledTasks(ctx context.Context) ([]TaskDetail, error)

	// CountQueuedTasks counts the user's current queue memberships, the
	// figure compared against the subscription queue limit.
	CountQueuedTasks(ctx context.Context, userID int64) (int, error)

	// GetOwnedTask returns the task only if it belongs to the given user.
	GetOwnedTask(ctx context.Context, taskID, userID int64) (*Task, error)

	GetRender(ctx context.Context, renderID int64) (*Render, error)

	IsQueued(ctx context.Context, taskID int64) (bool, error)
	RemoveFromQueue(ctx context.Context, taskID int64) error

	ListMachines(ctx context.Context) ([]Machine, error)
	GetMachine(ctx context.Context, machineID int64) (*Machine, error)

	// ClaimTask transitions the task from Queued to Running on the given
	// machine. The claim only succeeds if the task is still unassigned, not
	// running and still a member of the queue; the boolean reports whether
	// this caller won the claim. The queue check is what makes a claim lose
	// against a concurrent dequeue.
	ClaimTask(ctx context.Context, taskID, machineID int64, startTime time.Time) (bool, error)

	// CompleteTask marks the task successful and removes it from the queue.
	CompleteTask(ctx context.Context, taskID int64, endTime time.Time) error

	// FailTask marks the task failed, keeps the machine assignment for audit,
	// and removes it from the queue.
	FailTask(ctx context.Context, taskID, machineID int64, endTime time.Time) error

	// DeleteTask removes the queue membership and the task row.
	DeleteTask(ctx context.Context, taskID int64) error
	DeleteRender(ctx context.Context, renderID int64) error

	Ping(ctx context.Context) error
	Close() error
}
