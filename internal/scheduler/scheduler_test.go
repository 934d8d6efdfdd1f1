package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jetspiking/RenderOnline/internal/dispatcher"
	"github.com/jetspiking/RenderOnline/internal/store"
	"github.com/jetspiking/RenderOnline/internal/testutil"
)

// fakeAgents scripts per-machine agent behavior for a tick.
type fakeAgents struct {
	mu       sync.Mutex
	statuses map[int64]*dispatcher.AgentStatus
	statErr  map[int64]error
	startErr map[int64]error
	reject   map[int64]bool

	started []int64 // machine IDs that received a start, in order
	stopped []int64 // task IDs that received a stop, in order
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		statuses: make(map[int64]*dispatcher.AgentStatus),
		statErr:  make(map[int64]error),
		startErr: make(map[int64]error),
		reject:   make(map[int64]bool),
	}
}

func (f *fakeAgents) Status(ctx context.Context, m store.Machine) (*dispatcher.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statErr[m.MachineID]; err != nil {
		return nil, err
	}
	if s, ok := f.statuses[m.MachineID]; ok {
		return s, nil
	}
	return &dispatcher.AgentStatus{}, nil
}

func (f *fakeAgents) Start(ctx context.Context, m store.Machine, req dispatcher.StartRequest) (*dispatcher.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[m.MachineID]; err != nil {
		return nil, err
	}
	if f.reject[m.MachineID] {
		return &dispatcher.AgentResult{IsSuccess: false, Message: "busy"}, nil
	}
	f.started = append(f.started, m.MachineID)
	return &dispatcher.AgentResult{IsSuccess: true}, nil
}

func (f *fakeAgents) Stop(ctx context.Context, m store.Machine, taskID int64) (*dispatcher.AgentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskID)
	return &dispatcher.AgentResult{IsSuccess: true}, nil
}

func seedQueuedTask(t *testing.T, st *store.Memory) *store.Task {
	t.Helper()
	st.AddEngine(store.Engine{EngineID: 1, Name: "blender", Extension: ".blend"})
	render := &store.Render{
		FileName:  "scene.blend",
		FilePath:  "/data/1/scene.blend",
		Arguments: "-b scene.blend -o out",
		EngineID:  1,
	}
	task, err := st.CreateRenderTask(context.Background(), render, 1, time.Now())
	if err != nil {
		t.Fatalf("CreateRenderTask: %v", err)
	}
	return task
}

func TestTick_AssignsToFirstIdleMachine(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	st.AddMachine(store.Machine{MachineID: 2, IPAddress: "10.0.0.2", Port: 8080})

	agents := newFakeAgents()
	// Machine 1 is busy with another task.
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: 99, IsRunning: true},
	}

	New(st, agents, nil, time.Second).Tick(context.Background())

	if len(agents.started) != 1 || agents.started[0] != 2 {
		t.Fatalf("expected start on machine 2, got %v", agents.started)
	}
	got, ok := st.GetTask(task.TaskID)
	if !ok {
		t.Fatal("task disappeared")
	}
	if got.MachineID == nil || *got.MachineID != 2 {
		t.Fatalf("expected claim by machine 2, got %+v", got.MachineID)
	}
	if !got.IsRunning || got.StartTime == nil {
		t.Fatalf("expected running task with start time, got %+v", got)
	}
}

func TestTick_SkipsUnreachableMachine(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	st.AddMachine(store.Machine{MachineID: 2, IPAddress: "10.0.0.2", Port: 8080})

	agents := newFakeAgents()
	agents.statErr[1] = errors.New("connection refused")

	New(st, agents, nil, time.Second).Tick(context.Background())

	if len(agents.started) != 1 || agents.started[0] != 2 {
		t.Fatalf("expected start on machine 2, got %v", agents.started)
	}
	got, _ := st.GetTask(task.TaskID)
	if got.MachineID == nil || *got.MachineID != 2 {
		t.Fatalf("expected claim by machine 2, got %+v", got.MachineID)
	}
}

func TestTick_NoIdleMachineLeavesTaskQueued(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})

	agents := newFakeAgents()
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: 99, IsRunning: true},
	}

	New(st, agents, nil, time.Second).Tick(context.Background())

	if len(agents.started) != 0 {
		t.Fatalf("expected no starts, got %v", agents.started)
	}
	got, _ := st.GetTask(task.TaskID)
	if got.MachineID != nil || got.IsRunning {
		t.Fatalf("expected task still queued, got %+v", got)
	}
}

func TestTick_RejectedStartTriesNextMachine(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	st.AddMachine(store.Machine{MachineID: 2, IPAddress: "10.0.0.2", Port: 8080})

	agents := newFakeAgents()
	agents.reject[1] = true

	New(st, agents, nil, time.Second).Tick(context.Background())

	if len(agents.started) != 1 || agents.started[0] != 2 {
		t.Fatalf("expected start on machine 2 after rejection, got %v", agents.started)
	}
}

func TestTick_LostClaimStopsOrphanProcess(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})

	// Another claimant wins while the start request is in flight. Drive
	// assign directly with the stale snapshot a tick would have captured
	// before the competing claim landed.
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 7, time.Now()); err != nil || !won {
		t.Fatalf("pre-claim failed: won=%v err=%v", won, err)
	}
	detail := store.TaskDetail{
		Task:   store.Task{TaskID: task.TaskID, RenderID: task.RenderID},
		Render: store.Render{Arguments: "-b scene.blend -o out"},
		Engine: store.Engine{Name: "blender"},
	}

	agents := newFakeAgents()
	New(st, agents, nil, time.Second).assign(context.Background(), detail)

	if len(agents.stopped) != 1 || agents.stopped[0] != task.TaskID {
		t.Fatalf("expected stop for orphan task %d, got %v", task.TaskID, agents.stopped)
	}
	got, _ := st.GetTask(task.TaskID)
	if got.MachineID == nil || *got.MachineID != 7 {
		t.Fatalf("expected original claim preserved, got %+v", got.MachineID)
	}
}

func TestAssign_DequeueDuringPassStopsStartedProcess(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})

	// Capture the snapshot a tick would work from, then cancel the task the
	// way a client dequeue does: only the queue row goes away.
	snapshot, err := st.ListUnsettledTasks(context.Background())
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("ListUnsettledTasks: %v (%d tasks)", err, len(snapshot))
	}
	if err := st.RemoveFromQueue(context.Background(), task.TaskID); err != nil {
		t.Fatalf("RemoveFromQueue: %v", err)
	}

	agents := newFakeAgents()
	New(st, agents, nil, time.Second).assign(context.Background(), snapshot[0])

	got, _ := st.GetTask(task.TaskID)
	if got.IsRunning || got.MachineID != nil {
		t.Fatalf("cancelled task must not end up running, got %+v", got)
	}
	if len(agents.stopped) != 1 || agents.stopped[0] != task.TaskID {
		t.Fatalf("expected stop for the started process, got %v", agents.stopped)
	}
}

func TestTick_SettlesSuccessfulTask(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	agents := newFakeAgents()
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: task.TaskID, IsRunning: false, IsSuccess: true},
	}

	New(st, agents, nil, time.Second).Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if !got.IsSuccess || got.IsRunning || got.EndTime == nil {
		t.Fatalf("expected settled successful task, got %+v", got)
	}
	if queued, _ := st.IsQueued(context.Background(), task.TaskID); queued {
		t.Fatal("expected task removed from queue")
	}
}

func TestTick_SettlesFailedTaskKeepingMachine(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	agents := newFakeAgents()
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: task.TaskID, IsRunning: false, IsSuccess: false},
	}

	New(st, agents, nil, time.Second).Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if got.IsSuccess || got.IsRunning || got.EndTime == nil {
		t.Fatalf("expected settled failed task, got %+v", got)
	}
	if got.MachineID == nil || *got.MachineID != 1 {
		t.Fatal("expected machine assignment kept for audit")
	}
	if queued, _ := st.IsQueued(context.Background(), task.TaskID); queued {
		t.Fatal("expected task removed from queue")
	}
}

func TestTick_RunningTaskLeftAlone(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	agents := newFakeAgents()
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: task.TaskID, IsRunning: true},
	}

	New(st, agents, nil, time.Second).Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if !got.IsRunning || got.EndTime != nil {
		t.Fatalf("expected task still running, got %+v", got)
	}
}

func TestTick_RestartedAgentLeavesTaskRunning(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	// The agent restarted and has no memory of the task.
	agents := newFakeAgents()
	agents.statuses[1] = &dispatcher.AgentStatus{}

	sched := New(st, agents, nil, time.Second)
	sched.Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if !got.IsRunning || got.EndTime != nil {
		t.Fatalf("expected task left running for the next probe, got %+v", got)
	}

	// Same when the agent reports some other task.
	agents.mu.Lock()
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: 99, IsRunning: false, IsSuccess: true},
	}
	agents.mu.Unlock()

	sched.Tick(context.Background())

	got, _ = st.GetTask(task.TaskID)
	if !got.IsRunning || got.IsSuccess {
		t.Fatalf("a foreign task report must not settle the task, got %+v", got)
	}
}

func TestTick_UnreachableOwnerRetriedNextTick(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}

	agents := newFakeAgents()
	agents.statErr[1] = errors.New("i/o timeout")

	sched := New(st, agents, nil, time.Second)
	sched.Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if !got.IsRunning {
		t.Fatalf("expected task untouched while machine unreachable, got %+v", got)
	}

	// The machine recovers, the next tick settles.
	agents.mu.Lock()
	delete(agents.statErr, 1)
	agents.statuses[1] = &dispatcher.AgentStatus{
		Task: &dispatcher.AgentTask{TaskID: task.TaskID, IsRunning: false, IsSuccess: true},
	}
	agents.mu.Unlock()

	sched.Tick(context.Background())

	got, _ = st.GetTask(task.TaskID)
	if !got.IsSuccess {
		t.Fatalf("expected task settled after recovery, got %+v", got)
	}
}

func TestTick_VanishedMachineLeavesTaskRunning(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), task.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}
	st.RemoveMachine(1)

	New(st, newFakeAgents(), nil, time.Second).Tick(context.Background())

	got, _ := st.GetTask(task.TaskID)
	if !got.IsRunning || got.EndTime != nil {
		t.Fatalf("expected task untouched, got %+v", got)
	}
}

func TestTick_FailureOnOneTaskDoesNotAbortOthers(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	first := seedQueuedTask(t, st)
	render := &store.Render{FileName: "b.blend", FilePath: "/data/1/b.blend", Arguments: "-b b.blend", EngineID: 1}
	second, err := st.CreateRenderTask(context.Background(), render, 1, time.Now().Add(time.Millisecond))
	if err != nil {
		t.Fatalf("CreateRenderTask: %v", err)
	}
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})
	if won, err := st.ClaimTask(context.Background(), first.TaskID, 1, time.Now()); err != nil || !won {
		t.Fatalf("claim failed: won=%v err=%v", won, err)
	}
	// The first task's owner is gone from the fleet; the second should still
	// be assigned in the same tick.
	st.RemoveMachine(1)
	st.AddMachine(store.Machine{MachineID: 2, IPAddress: "10.0.0.2", Port: 8080})

	agents := newFakeAgents()
	New(st, agents, nil, time.Second).Tick(context.Background())

	got, _ := st.GetTask(second.TaskID)
	if got.MachineID == nil || *got.MachineID != 2 {
		t.Fatalf("expected second task assigned to machine 2, got %+v", got.MachineID)
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	task := seedQueuedTask(t, st)
	st.AddMachine(store.Machine{MachineID: 1, IPAddress: "10.0.0.1", Port: 8080})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(st, newFakeAgents(), nil, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	testutil.MustWaitFor(t, func() bool {
		got, ok := st.GetTask(task.TaskID)
		return ok && got.IsRunning
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
