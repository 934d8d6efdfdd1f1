// Package render implements the job intake operations: info, enqueue,
// dequeue, download and delete. Handlers call into this package after
// authentication; the scheduler never does.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jetspiking/RenderOnline/internal/apperrors"
	"github.com/jetspiking/RenderOnline/internal/args"
	"github.com/jetspiking/RenderOnline/internal/dispatcher"
	"github.com/jetspiking/RenderOnline/internal/observability"
	"github.com/jetspiking/RenderOnline/internal/store"
	"github.com/jetspiking/RenderOnline/pkg/backoff"
)

// Argument is one client-supplied (argument type, value) pair.
type Argument struct {
	ArgTypeID string `json:"argTypeId"`
	Value     string `json:"value"`
}

// EnqueueRequest is the JSON part of an enqueue submission. The uploaded file
// travels beside it in the same multipart body.
type EnqueueRequest struct {
	EngineID  int64      `json:"engineId"`
	Arguments []Argument `json:"arguments"`
}

// Service implements the job intake operations against the task store and the
// worker agent dispatcher.
type Service struct {
	store   store.Store
	agents  dispatcher.Client
	metrics *observability.Metrics

	fileRetries int
	retryCfg    *backoff.Config
}

// NewService creates the intake service. Metrics may be nil in tests.
func NewService(st store.Store, agents dispatcher.Client, metrics *observability.Metrics, fileRetries int, retryDelay time.Duration) *Service {
	if fileRetries < 1 {
		fileRetries = 1
	}
	return &Service{
		store:       st,
		agents:      agents,
		metrics:     metrics,
		fileRetries: fileRetries,
		retryCfg:    &backoff.Config{Initial: retryDelay},
	}
}

// Info returns every task owned by the user, most recently queued first.
func (s *Service) Info(ctx context.Context, user *store.User) ([]store.TaskDetail, error) {
	tasks, err := s.store.ListUserTasks(ctx, user.UserID)
	if err != nil {
		return nil, apperrors.Internal("render.info", err)
	}
	return tasks, nil
}

// Enqueue validates a submission and creates its render, queued task and
// queue membership as one unit.
//
// Arguments are validated and substituted before the uploaded file touches
// disk, so a rejected submission leaves no artifacts behind. The uploaded
// file path is substituted last, after the file has been written.
func (s *Service) Enqueue(ctx context.Context, user *store.User, req EnqueueRequest, fileName string, file io.Reader) (*store.Task, error) {
	sub, err := s.store.GetSubscription(ctx, user.SubscriptionID)
	if err != nil {
		return nil, apperrors.Internal("render.enqueue", err)
	}
	queued, err := s.store.CountQueuedTasks(ctx, user.UserID)
	if err != nil {
		return nil, apperrors.Internal("render.enqueue", err)
	}
	if queued >= sub.QueueLimit {
		return nil, apperrors.Quota("queue", fmt.Sprintf("queue limit of %d reached", sub.QueueLimit))
	}

	engine, err := s.store.GetEngine(ctx, req.EngineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.Validation("engineId", fmt.Sprintf("unknown engine %d", req.EngineID))
		}
		return nil, apperrors.Internal("render.enqueue", err)
	}
	if filepath.Ext(fileName) != engine.Extension {
		return nil, apperrors.Validation("file", fmt.Sprintf("engine %s requires a %s file", engine.Name, engine.Extension))
	}

	arguments := engine.RenderArgument
	for _, arg := range req.Arguments {
		rule, err := s.store.GetArgType(ctx, arg.ArgTypeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperrors.Validation("arguments", fmt.Sprintf("unknown argument type %s", arg.ArgTypeID))
			}
			return nil, apperrors.Internal("render.enqueue", err)
		}
		if err := args.Validate(rule, arg.Value); err != nil {
			return nil, err
		}
		arguments = args.Substitute(arguments, arg.ArgTypeID, arg.Value)
	}

	queueTime := time.Now()
	dir := filepath.Join(
		engine.DownloadPath,
		strconv.FormatInt(user.UserID, 10),
		strconv.FormatInt(queueTime.UnixNano(), 10),
	)
	filePath := filepath.Join(dir, filepath.Base(fileName))

	size, err := s.saveUpload(dir, filePath, file)
	if err != nil {
		return nil, apperrors.Internal("render.enqueue", err)
	}

	arguments = args.SubstituteUploadedFile(arguments, filePath)

	render := &store.Render{
		FileName:  filepath.Base(fileName),
		FilePath:  filePath,
		FileSize:  size,
		Arguments: arguments,
		EngineID:  engine.EngineID,
	}
	task, err := s.store.CreateRenderTask(ctx, render, user.UserID, queueTime)
	if err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Error("Orphaned upload directory after failed enqueue", "dir", dir, "error", rmErr)
		}
		return nil, apperrors.Internal("render.enqueue", err)
	}

	if s.metrics != nil {
		s.metrics.RecordTaskEnqueued(ctx, engine.Name)
	}
	slog.Info("Task enqueued", "taskId", task.TaskID, "userId", user.UserID, "engine", engine.Name)
	return task, nil
}

func (s *Service) saveUpload(dir, filePath string, file io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create upload directory: %w", err)
	}
	out, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload file: %w", err)
	}
	defer out.Close()

	size, err := io.Copy(out, file)
	if err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write upload: %w", err)
	}
	return size, nil
}

// Dequeue cancels a queued or running task. The boolean reports whether the
// task was actually removed from the queue; a task that already left the
// queue is not an error. A stop request to the owning machine is best-effort
// and never surfaces to the caller.
func (s *Service) Dequeue(ctx context.Context, user *store.User, taskID int64) (bool, error) {
	task, err := s.ownedTask(ctx, user, taskID, "render.dequeue")
	if err != nil {
		return false, err
	}

	queued, err := s.store.IsQueued(ctx, taskID)
	if err != nil {
		return false, apperrors.Internal("render.dequeue", err)
	}
	if !queued {
		return false, nil
	}

	if err := s.store.RemoveFromQueue(ctx, taskID); err != nil {
		return false, apperrors.Internal("render.dequeue", err)
	}
	s.stopOnMachine(ctx, task)

	if s.metrics != nil {
		s.metrics.RecordTaskCancelled(ctx)
	}
	slog.Info("Task dequeued", "taskId", taskID, "userId", user.UserID)
	return true, nil
}

// Download packages the task's artifact directory into a temporary tar.gz
// archive and returns its path plus the client-facing file name. The caller
// streams the archive and must remove it with Cleanup afterward.
func (s *Service) Download(ctx context.Context, user *store.User, taskID int64) (archivePath, downloadName string, err error) {
	task, err := s.ownedTask(ctx, user, taskID, "render.download")
	if err != nil {
		return "", "", err
	}
	render, err := s.store.GetRender(ctx, task.RenderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", apperrors.NotFound("render", strconv.FormatInt(task.RenderID, 10))
		}
		return "", "", apperrors.Internal("render.download", err)
	}

	srcDir := filepath.Dir(render.FilePath)
	archivePath = filepath.Join(os.TempDir(), uuid.NewString()+".tar.gz")

	// An in-flight render may still be writing into the task folder; retry
	// a few times before giving up.
	err = withRetries(ctx, s.fileRetries, s.retryCfg, func() error {
		return archiveDir(srcDir, archivePath)
	})
	if err != nil {
		os.Remove(archivePath)
		return "", "", apperrors.Internal("render.download", err)
	}

	return archivePath, fmt.Sprintf("task_%d.tar.gz", taskID), nil
}

// Cleanup removes a temporary archive produced by Download, with the same
// bounded retries as its creation.
func (s *Service) Cleanup(ctx context.Context, archivePath string) {
	err := withRetries(ctx, s.fileRetries, s.retryCfg, func() error {
		err := os.Remove(archivePath)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	})
	if err != nil {
		slog.Error("Failed to remove temporary archive", "path", archivePath, "error", err)
	}
}

// Delete purges a task: queue row, on-disk artifacts, task row and render
// row, in that order. A running task gets a best-effort stop request first so
// the worker does not keep writing into a directory being removed.
func (s *Service) Delete(ctx context.Context, user *store.User, taskID int64) error {
	task, err := s.ownedTask(ctx, user, taskID, "render.delete")
	if err != nil {
		return err
	}

	s.stopOnMachine(ctx, task)

	if err := s.store.RemoveFromQueue(ctx, taskID); err != nil {
		return apperrors.Internal("render.delete", err)
	}

	render, err := s.store.GetRender(ctx, task.RenderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperrors.Internal("render.delete", err)
	}
	if render != nil {
		dir := filepath.Dir(render.FilePath)
		err = withRetries(ctx, s.fileRetries, s.retryCfg, func() error {
			return os.RemoveAll(dir)
		})
		if err != nil {
			return apperrors.Internal("render.delete", err)
		}
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return apperrors.Internal("render.delete", err)
	}
	if err := s.store.DeleteRender(ctx, task.RenderID); err != nil {
		return apperrors.Internal("render.delete", err)
	}

	if s.metrics != nil {
		s.metrics.RecordTaskDeleted(ctx)
	}
	slog.Info("Task deleted", "taskId", taskID, "userId", user.UserID)
	return nil
}

// ownedTask loads the task and enforces ownership. A task that exists but
// belongs to someone else is reported as not found, never as forbidden.
func (s *Service) ownedTask(ctx context.Context, user *store.User, taskID int64, op string) (*store.Task, error) {
	task, err := s.store.GetOwnedTask(ctx, taskID, user.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("task", strconv.FormatInt(taskID, 10))
		}
		return nil, apperrors.Internal(op, err)
	}
	return task, nil
}

// stopOnMachine issues a best-effort stop to the machine running the task.
// Failures are logged only; the worker's stop endpoint is an idempotent
// no-op if the process already finished.
func (s *Service) stopOnMachine(ctx context.Context, task *store.Task) {
	if task.MachineID == nil || !task.IsRunning {
		return
	}
	machine, err := s.store.GetMachine(ctx, *task.MachineID)
	if err != nil {
		slog.Warn("Cannot stop task, machine not found", "taskId", task.TaskID, "machineId", *task.MachineID, "error", err)
		return
	}
	if _, err := s.agents.Stop(ctx, *machine, task.TaskID); err != nil {
		slog.Warn("Failed to stop task on machine", "taskId", task.TaskID, "machineId", machine.MachineID, "error", err)
	}
}
