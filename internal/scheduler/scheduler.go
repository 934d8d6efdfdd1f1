// Package scheduler runs the polling loop that assigns queued tasks to idle
// machines and reconciles in-flight tasks against worker agent status.
//
// Worker agents have no outbound connectivity; the coordination service
// always initiates. The loop wakes on a fixed interval and is the only
// writer that moves a task from Queued to Running and from Running to a
// terminal state.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jetspiking/RenderOnline/internal/dispatcher"
	"github.com/jetspiking/RenderOnline/internal/observability"
	"github.com/jetspiking/RenderOnline/internal/store"
)

// Scheduler coordinates task placement and reconciliation.
type Scheduler struct {
	store    store.Store
	agents   dispatcher.Client
	metrics  *observability.Metrics
	interval time.Duration
}

// New creates a scheduler. Metrics may be nil in tests.
func New(st store.Store, agents dispatcher.Client, metrics *observability.Metrics, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		agents:   agents,
		metrics:  metrics,
		interval: interval,
	}
}

// Run executes ticks at the configured interval until the context is
// cancelled. Unreachable machines are retried on every tick with no backoff;
// the interval is coarse and the machine count small.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one pass over the unsettled tasks: unassigned tasks go
// through the assignment pass, assigned running tasks through the
// reconciliation pass. A failure on one task never aborts the tick for the
// others.
func (s *Scheduler) Tick(ctx context.Context) {
	start := time.Now()

	tasks, err := s.store.ListUnsettledTasks(ctx)
	if err != nil {
		slog.Error("Scheduler failed to list unsettled tasks", "error", err)
		return
	}

	for _, detail := range tasks {
		if detail.Task.MachineID == nil && !detail.Task.IsRunning {
			s.assign(ctx, detail)
		} else if detail.Task.IsRunning {
			s.reconcile(ctx, detail)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSchedulerTick(ctx, time.Since(start).Seconds(), int64(len(tasks)))
	}
}

// assign offers the task to machines in machine-id order and claims it for
// the first one that accepts. Machines are probed deterministically so
// identical machine states produce identical placement.
func (s *Scheduler) assign(ctx context.Context, detail store.TaskDetail) {
	logger := slog.With("taskId", detail.Task.TaskID, "engine", detail.Engine.Name)

	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		logger.Error("Failed to list machines", "error", err)
		return
	}

	for _, machine := range machines {
		status, err := s.agents.Status(ctx, machine)
		if err != nil {
			s.recordProbeFailure(ctx)
			logger.Warn("Machine unreachable, skipping", "machineId", machine.MachineID, "error", err)
			continue
		}
		if !status.Idle() {
			continue
		}

		result, err := s.agents.Start(ctx, machine, dispatcher.StartRequest{
			EngineID:  detail.Engine.Name,
			TaskID:    detail.Task.TaskID,
			Arguments: detail.Render.Arguments,
		})
		if err != nil {
			s.recordProbeFailure(ctx)
			logger.Warn("Start request failed", "machineId", machine.MachineID, "error", err)
			continue
		}
		if !result.IsSuccess {
			logger.Warn("Machine rejected task", "machineId", machine.MachineID, "message", result.Message)
			continue
		}

		claimed, err := s.store.ClaimTask(ctx, detail.Task.TaskID, machine.MachineID, time.Now())
		if err != nil {
			logger.Error("Failed to claim started task", "machineId", machine.MachineID, "error", err)
			return
		}
		if !claimed {
			// The task was cancelled, deleted or claimed while the start
			// request was in flight. The agent's stop endpoint is an
			// idempotent no-op if the process already finished.
			logger.Info("Lost claim after start, stopping orphan process", "machineId", machine.MachineID)
			if _, err := s.agents.Stop(ctx, machine, detail.Task.TaskID); err != nil {
				logger.Warn("Failed to stop orphan process", "machineId", machine.MachineID, "error", err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordTaskAssigned(ctx, detail.Engine.Name)
		}
		logger.Info("Task started", "machineId", machine.MachineID)
		return
	}
	// No machine accepted; the task stays queued and is retried next tick.
}

// reconcile polls the machine that owns a running task and settles the task
// when the agent reports it finished.
func (s *Scheduler) reconcile(ctx context.Context, detail store.TaskDetail) {
	machineID := *detail.Task.MachineID
	logger := slog.With("taskId", detail.Task.TaskID, "machineId", machineID)

	machine, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Machine was removed from the fleet while owning the task.
			// Treated like an unreachable machine: retried next tick.
			logger.Warn("Assigned machine no longer registered")
			return
		}
		logger.Error("Failed to load machine", "error", err)
		return
	}

	status, err := s.agents.Status(ctx, *machine)
	if err != nil {
		s.recordProbeFailure(ctx)
		logger.Warn("Machine unreachable, will retry next tick", "error", err)
		return
	}

	if status.Task == nil || status.Task.TaskID != detail.Task.TaskID {
		logger.Warn("Machine does not report the assigned task")
		return
	}
	if status.Task.IsRunning {
		return
	}

	now := time.Now()
	if status.Task.IsSuccess {
		err = s.store.CompleteTask(ctx, detail.Task.TaskID, now)
	} else {
		err = s.store.FailTask(ctx, detail.Task.TaskID, machineID, now)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Task rows were deleted while the status call was in flight.
			logger.Info("Task vanished before settlement")
			return
		}
		logger.Error("Failed to settle task", "error", err)
		return
	}

	if s.metrics != nil {
		var duration float64
		if detail.Task.StartTime != nil {
			duration = now.Sub(*detail.Task.StartTime).Seconds()
		}
		s.metrics.RecordTaskSettled(ctx, detail.Engine.Name, status.Task.IsSuccess, duration)
	}
	logger.Info("Task settled", "success", status.Task.IsSuccess)
}

func (s *Scheduler) recordProbeFailure(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RecordAgentProbeFailure(ctx)
	}
}
