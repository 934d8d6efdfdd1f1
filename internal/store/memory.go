package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements Store with in-process maps. It exists for tests and
// honors the same claim semantics as the Postgres implementation: the
// Queued -> Running transition is checked and applied under one lock.
type Memory struct {
	mu sync.Mutex

	users         map[int64]User
	tokens        map[int64]string
	subscriptions map[int64]Subscription
	engines       map[int64]Engine
	argTypes      map[string]ArgType
	renders       map[int64]Render
	tasks         map[int64]Task
	machines      map[int64]Machine
	queue         map[int64]struct{}

	nextRenderID int64
	nextTaskID   int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[int64]User),
		tokens:        make(map[int64]string),
		subscriptions: make(map[int64]Subscription),
		engines:       make(map[int64]Engine),
		argTypes:      make(map[string]ArgType),
		renders:       make(map[int64]Render),
		tasks:         make(map[int64]Task),
		machines:      make(map[int64]Machine),
		queue:         make(map[int64]struct{}),
	}
}

// Seed helpers for tests.

// AddUser stores a user. The token lives beside the user so the User type
// never carries credentials.
func (s *Memory) AddUser(u User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = u
	s.tokens[u.UserID] = token
}

func (s *Memory) AddSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.SubscriptionID] = sub
}

func (s *Memory) AddEngine(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[e.EngineID] = e
}

func (s *Memory) AddArgType(a ArgType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.argTypes[a.ArgTypeID] = a
}

func (s *Memory) AddMachine(m Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.MachineID] = m
}

func (s *Memory) RemoveMachine(machineID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, machineID)
}

// GetTask returns a copy of the task row, for test assertions.
func (s *Memory) GetTask(taskID int64) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	return t, ok
}

func (s *Memory) AuthenticateUser(ctx context.Context, email, token string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range s.users {
		if u.Email == email && u.IsActive && s.tokens[id] == token {
			out := u
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) GetSubscription(ctx context.Context, subscriptionID int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (s *Memory) GetEngine(ctx context.Context, engineID int64) (*Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[engineID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *Memory) GetArgType(ctx context.Context, argTypeID string) (*ArgType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.argTypes[argTypeID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *Memory) CreateRenderTask(ctx context.Context, render *Render, userID int64, queueTime time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRenderID++
	render.RenderID = s.nextRenderID
	s.renders[render.RenderID] = *render

	s.nextTaskID++
	task := Task{
		TaskID:    s.nextTaskID,
		UserID:    userID,
		QueueTime: queueTime,
		RenderID:  render.RenderID,
	}
	s.tasks[task.TaskID] = task
	s.queue[task.TaskID] = struct{}{}
	return &task, nil
}

func (s *Memory) detail(t Task) TaskDetail {
	r := s.renders[t.RenderID]
	e := s.engines[r.EngineID]
	return TaskDetail{Task: t, Render: r, Engine: e}
}

func (s *Memory) ListUserTasks(ctx context.Context, userID int64) ([]TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskDetail
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, s.detail(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Task.QueueTime.After(out[j].Task.QueueTime)
	})
	return out, nil
}

func (s *Memory) ListUnsettledTasks(ctx context.Context) ([]TaskDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskDetail
	for id := range s.queue {
		t, ok := s.tasks[id]
		if !ok || t.IsSuccess {
			continue
		}
		out = append(out, s.detail(t))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Task.QueueTime.Before(out[j].Task.QueueTime)
	})
	return out, nil
}

func (s *Memory) CountQueuedTasks(ctx context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id := range s.queue {
		if t, ok := s.tasks[id]; ok && t.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *Memory) GetOwnedTask(ctx context.Context, taskID, userID int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	out := t
	return &out, nil
}

func (s *Memory) GetRender(ctx context.Context, renderID int64) (*Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renders[renderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *Memory) IsQueued(ctx context.Context, taskID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue[taskID]
	return ok, nil
}

func (s *Memory) RemoveFromQueue(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, taskID)
	return nil
}

func (s *Memory) ListMachines(ctx context.Context) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Machine
	for _, m := range s.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

func (s *Memory) GetMachine(ctx context.Context, machineID int64) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *Memory) ClaimTask(ctx context.Context, taskID, machineID int64, startTime time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.MachineID != nil || t.IsRunning {
		return false, nil
	}
	if _, queued := s.queue[taskID]; !queued {
		// Dequeued between the caller's snapshot and the claim.
		return false, nil
	}
	st := startTime
	t.MachineID = &machineID
	t.StartTime = &st
	t.IsRunning = true
	s.tasks[taskID] = t
	return true, nil
}

func (s *Memory) CompleteTask(ctx context.Context, taskID int64, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	et := endTime
	t.EndTime = &et
	t.IsRunning = false
	t.IsSuccess = true
	s.tasks[taskID] = t
	delete(s.queue, taskID)
	return nil
}

func (s *Memory) FailTask(ctx context.Context, taskID, machineID int64, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	et := endTime
	t.EndTime = &et
	t.IsRunning = false
	t.IsSuccess = false
	t.MachineID = &machineID
	s.tasks[taskID] = t
	delete(s.queue, taskID)
	return nil
}

func (s *Memory) DeleteTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, taskID)
	delete(s.tasks, taskID)
	return nil
}

func (s *Memory) DeleteRender(ctx context.Context, renderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.renders, renderID)
	return nil
}

func (s *Memory) Ping(ctx context.Context) error { return nil }

func (s *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
