package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

// failingStorage fails every commit once armed.
type failingStorage struct {
	*storage.MemoryStorage
	fail bool
}

func (s *failingStorage) Commit(ctx context.Context, batch storage.Batch) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStorage.Commit(ctx, batch)
}

// gatedStorage parks the first call of an armed method until released.
type gatedStorage struct {
	*storage.MemoryStorage
	mu      sync.Mutex
	armed   string
	arrived chan struct{}
	release chan struct{}
}

func newGatedStorage() *gatedStorage {
	return &gatedStorage{
		MemoryStorage: storage.NewMemoryStorage(),
		arrived:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (s *gatedStorage) arm(method string) {
	s.mu.Lock()
	s.armed = method
	s.mu.Unlock()
}

func (s *gatedStorage) gate(method string) {
	s.mu.Lock()
	hit := s.armed == method
	if hit {
		s.armed = ""
	}
	s.mu.Unlock()
	if hit {
		s.arrived <- struct{}{}
		<-s.release
	}
}

func (s *gatedStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	s.gate("SaveDefinition")
	return s.MemoryStorage.SaveDefinition(ctx, def)
}

func (s *gatedStorage) ListDefinitions(ctx context.Context) ([]types.Definition, error) {
	s.gate("ListDefinitions")
	return s.MemoryStorage.ListDefinitions(ctx)
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func approvalNode(id, label string, mode types.ApprovalMode, roles ...string) types.Node {
	return types.Node{ID: id, Type: types.NodeApproval, Label: label, Config: &types.NodeConfig{
		ApproverRoles: roles,
		ApprovalMode:  mode,
	}}
}

func link(id, from, to string) types.Edge {
	return types.Edge{ID: id, From: types.EdgeRef{NodeID: from}, To: types.EdgeRef{NodeID: to}}
}

// expenseDefinition routes amounts above 1000 to finance and everything else to the manager.
func expenseDefinition() types.Definition {
	high := link("e2", "gw", "finance")
	high.Condition = &types.Condition{Left: "amount", Op: types.OpGt, Right: 1000}
	low := link("e3", "gw", "manager")
	low.IsDefault = true
	return types.Definition{
		DefinitionKey: "expense",
		Name:          "Expense claim",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "gw", Type: types.NodeGateway},
			approvalNode("finance", "Financial Approver", types.MatchAny, "finance"),
			approvalNode("manager", "Manager Approver", types.MatchAny, "manager"),
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			link("e1", "start", "gw"),
			high,
			low,
			link("e4", "finance", "end"),
			link("e5", "manager", "end"),
		},
	}
}

// chainDefinition is start -> first(mode, roles) -> second(lead) -> end.
func chainDefinition(mode types.ApprovalMode, roles ...string) types.Definition {
	return types.Definition{
		DefinitionKey: "chain",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			approvalNode("first", "", mode, roles...),
			approvalNode("second", "", types.MatchAll, "lead"),
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{
			link("e1", "start", "first"),
			link("e2", "first", "second"),
			link("e3", "second", "end"),
		},
	}
}

func newTestEngine(t *testing.T, store storage.Storage, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	engine, err := NewEngine(&MockGenerator{}, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop(context.Background()) })
	return engine
}

func publish(t *testing.T, engine *Engine, def types.Definition) types.Definition {
	t.Helper()
	ctx := context.Background()
	draft, err := engine.SaveDraft(ctx, def)
	require.NoError(t, err)
	published, err := engine.Publish(ctx, draft.ID)
	require.NoError(t, err)
	return published
}

// install puts a definition straight into the cache, bypassing validation.
func install(engine *Engine, def types.Definition) types.Definition {
	def.Status = types.DefinitionPublished
	def.Version = 1
	engine.definitions[def.ID] = def
	return def
}

func pendingTasks(engine *Engine, instanceID, nodeID string) []types.Task {
	return engine.Tasks(TaskFilter{InstanceID: instanceID, NodeID: nodeID, Status: types.TaskPending})
}

func TestNewEngine(t *testing.T) {
	_, err := NewEngine(nil, nil)
	assert.Error(t, err)

	engine, err := NewEngine(&MockGenerator{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, engine.storage)
	require.NoError(t, engine.Stop(context.Background()))
}

func TestEngine_SaveDraftAndPublish(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)

	draft, err := engine.SaveDraft(ctx, expenseDefinition())
	require.NoError(t, err)
	assert.NotEmpty(t, draft.ID)
	assert.Equal(t, types.DefinitionDraft, draft.Status)

	_, err = engine.StartInstance(ctx, draft.ID, nil, "alice")
	assert.ErrorIs(t, err, ErrNotPublished)

	v1, err := engine.Publish(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefinitionPublished, v1.Status)
	assert.Equal(t, 1, v1.Version)
	assert.NotZero(t, v1.PublishedAt)

	again, err := engine.Publish(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Version)

	_, err = engine.SaveDraft(ctx, v1)
	assert.ErrorIs(t, err, ErrDefinitionImmutable)

	v2 := publish(t, engine, expenseDefinition())
	assert.Equal(t, 2, v2.Version)

	latest, err := engine.LatestPublished(ctx, "expense")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	_, err = engine.LatestPublished(ctx, "unknown")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)

	_, err = engine.Definition(ctx, "missing")
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestEngine_ConcurrentPublishAllocatesDistinctVersions(t *testing.T) {
	ctx := context.Background()
	store := newGatedStorage()
	engine := newTestEngine(t, store)

	first, err := engine.SaveDraft(ctx, expenseDefinition())
	require.NoError(t, err)
	second, err := engine.SaveDraft(ctx, expenseDefinition())
	require.NoError(t, err)

	store.arm("ListDefinitions")
	results := make(chan types.Definition, 2)
	var wg sync.WaitGroup
	for _, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			def, err := engine.Publish(ctx, id)
			assert.NoError(t, err)
			results <- def
		}(id)
	}

	<-store.arrived
	// give the other publisher time to race for the version
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()
	close(results)

	versions := map[int]bool{}
	for def := range results {
		assert.Equal(t, types.DefinitionPublished, def.Status)
		versions[def.Version] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, versions)
}

func TestEngine_SaveDraftCannotOverwriteConcurrentPublish(t *testing.T) {
	ctx := context.Background()
	store := newGatedStorage()
	engine := newTestEngine(t, store)

	draft, err := engine.SaveDraft(ctx, expenseDefinition())
	require.NoError(t, err)

	store.arm("SaveDefinition")
	saved := make(chan error, 1)
	go func() {
		_, err := engine.SaveDraft(ctx, draft)
		saved <- err
	}()
	<-store.arrived

	published := make(chan error, 1)
	go func() {
		_, err := engine.Publish(ctx, draft.ID)
		published <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	require.NoError(t, <-saved)
	require.NoError(t, <-published)

	stored, err := engine.Definition(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefinitionPublished, stored.Status)
	assert.Equal(t, 1, stored.Version)

	_, err = engine.SaveDraft(ctx, draft)
	assert.ErrorIs(t, err, ErrDefinitionImmutable)
}

func TestEngine_PublishRejectsInvalidDefinition(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)

	def := expenseDefinition()
	def.Edges[2].IsDefault = false
	draft, err := engine.SaveDraft(ctx, def)
	require.NoError(t, err)

	_, err = engine.Publish(ctx, draft.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default edge")

	stored, err := engine.Definition(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DefinitionDraft, stored.Status)
}

func TestEngine_ExpenseScenario(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, expenseDefinition())
	form := map[string]interface{}{"amount": 5000}

	path, err := engine.Preview(ctx, def.ID, form)
	require.NoError(t, err)
	assert.Equal(t, []types.PathStep{{ID: "finance", Label: "Financial Approver"}}, path)

	inst, err := engine.StartInstance(ctx, def.ID, form, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.Status)
	assert.Equal(t, "finance", inst.CurrentNodeID)
	require.NotNil(t, inst.DefinitionSnapshot)
	assert.Equal(t, def.Nodes, inst.DefinitionSnapshot.Nodes)

	tasks := pendingTasks(engine, inst.InstanceID, "finance")
	require.Len(t, tasks, 1)
	assert.Equal(t, "finance", tasks[0].AssigneeRole)

	task, err := engine.Approve(ctx, tasks[0].ID, "finance", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, types.TaskApproved, task.Status)

	inst, err = engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceApproved, inst.Status)
	assert.Empty(t, inst.CurrentNodeID)
	require.Len(t, inst.Logs, 2)
	assert.Equal(t, types.LogStart, inst.Logs[0].Action)
	assert.Equal(t, types.LogApprove, inst.Logs[1].Action)
	assert.Equal(t, "looks fine", inst.Logs[1].Comment)

	history, err := engine.InstancePath(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, path, history)
}

func TestEngine_DefaultBranch(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, expenseDefinition())

	inst, err := engine.StartInstance(ctx, def.ID, map[string]interface{}{"amount": "200"}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "manager", inst.CurrentNodeID)

	// a missing field fails closed and also takes the default edge
	inst, err = engine.StartInstance(ctx, def.ID, map[string]interface{}{}, "bob")
	require.NoError(t, err)
	assert.Equal(t, "manager", inst.CurrentNodeID)
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, expenseDefinition())
	form := map[string]interface{}{"amount": 5000}

	inst, err := engine.StartInstance(ctx, def.ID, form, "alice")
	require.NoError(t, err)

	form["amount"] = 1
	cached := engine.definitions[def.ID]
	cached.Nodes[2].Label = "changed"

	got, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, 5000, got.FormData["amount"])
	assert.Equal(t, "Financial Approver", got.DefinitionSnapshot.Nodes[2].Label)
}

func TestEngine_StartStraightToEnd(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := install(engine, types.Definition{
		ID:    "auto",
		Nodes: []types.Node{{ID: "start", Type: types.NodeStart}, {ID: "end", Type: types.NodeEnd}},
		Edges: []types.Edge{link("e1", "start", "end")},
	})

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceApproved, inst.Status)
	assert.Empty(t, inst.CurrentNodeID)
	assert.Empty(t, engine.Tasks(TaskFilter{InstanceID: inst.InstanceID}))
}

func TestEngine_StartUnresolvable(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := install(engine, types.Definition{
		ID:    "broken",
		Nodes: []types.Node{{ID: "start", Type: types.NodeStart}, {ID: "end", Type: types.NodeEnd}},
	})

	_, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	assert.ErrorIs(t, err, ErrCannotAdvance)
	assert.Empty(t, engine.Instances(InstanceFilter{}))
	assert.Empty(t, engine.Tasks(TaskFilter{}))
}

func TestEngine_MatchAll(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, chainDefinition(types.MatchAll, "hr", "finance"))

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "first")
	require.Len(t, tasks, 2)

	_, err = engine.Approve(ctx, tasks[0].ID, "hr", "")
	require.NoError(t, err)

	got, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.CurrentNodeID)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, types.IDSet{tasks[0].ID}, got.ApprovalRecords["first"].ApprovedTaskIDs)
	assert.Empty(t, engine.Tasks(TaskFilter{InstanceID: inst.InstanceID, NodeID: "second"}))

	_, err = engine.Approve(ctx, tasks[1].ID, "finance", "")
	require.NoError(t, err)

	got, err = engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.CurrentNodeID)
	assert.True(t, got.ApprovalRecords["first"].Satisfied())
	require.Len(t, pendingTasks(engine, inst.InstanceID, "second"), 1)
}

func TestEngine_MatchAny(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, chainDefinition(types.MatchAny, "hr", "finance"))

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "first")
	require.Len(t, tasks, 2)

	_, err = engine.Approve(ctx, tasks[1].ID, "finance", "")
	require.NoError(t, err)

	got, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.CurrentNodeID)

	sibling, err := engine.Task(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, sibling.Status)
	assert.NotEmpty(t, sibling.CancelReason)
	assert.NotZero(t, sibling.CancelledAt)

	// acting on the cancelled sibling is a no-op
	same, err := engine.Approve(ctx, tasks[0].ID, "hr", "")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, same.Status)
}

func TestEngine_RejectionVeto(t *testing.T) {
	for _, mode := range []types.ApprovalMode{types.MatchAll, types.MatchAny} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			engine := newTestEngine(t, nil)
			def := publish(t, engine, chainDefinition(mode, "hr", "finance"))

			inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
			require.NoError(t, err)
			tasks := pendingTasks(engine, inst.InstanceID, "first")
			require.Len(t, tasks, 2)

			task, err := engine.Reject(ctx, tasks[0].ID, "hr", "over budget")
			require.NoError(t, err)
			assert.Equal(t, types.TaskRejected, task.Status)

			got, err := engine.Instance(ctx, inst.InstanceID)
			require.NoError(t, err)
			assert.Equal(t, types.InstanceRejected, got.Status)
			assert.Empty(t, got.CurrentNodeID)
			assert.Equal(t, types.IDSet{tasks[0].ID}, got.ApprovalRecords["first"].RejectedTaskIDs)
			assert.Equal(t, types.LogReject, got.Logs[len(got.Logs)-1].Action)

			sibling, err := engine.Task(ctx, tasks[1].ID)
			require.NoError(t, err)
			assert.Equal(t, types.TaskCancelled, sibling.Status)
		})
	}
}

func TestEngine_GuardOutOfOrder(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, chainDefinition(types.MatchAll, "hr"))

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)

	// a stray pending task on a node the cursor has not reached
	engine.mu.Lock()
	stray, err := engine.tasks.CreateTask(inst.InstanceID, "second", "lead")
	engine.mu.Unlock()
	require.NoError(t, err)

	before := engine.Export()
	_, err = engine.Approve(ctx, stray.ID, "lead", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrApprovalGuard)
	guard, ok := AsGuardError(err)
	require.True(t, ok)
	assert.Equal(t, GuardOutOfOrder, guard.Kind)
	assert.Equal(t, "process has not reached this node; out-of-order approval rejected", err.Error())

	assert.Equal(t, before, engine.Export())
}

func TestEngine_GuardTerminal(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, chainDefinition(types.MatchAll, "hr", "finance"))

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "first")

	// force the instance terminal while a task is still pending
	engine.mu.Lock()
	engine.machine.instances[inst.InstanceID].Status = types.InstanceRejected
	engine.mu.Unlock()

	_, err = engine.Approve(ctx, tasks[0].ID, "hr", "")
	guard, ok := AsGuardError(err)
	require.True(t, ok)
	assert.Equal(t, GuardTerminal, guard.Kind)

	task, err := engine.Task(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
}

func TestEngine_RollbackWhenAdvancementFails(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := install(engine, types.Definition{
		ID: "dead-end",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			approvalNode("review", "", types.MatchAll, "hr", "finance"),
			{ID: "end", Type: types.NodeEnd},
		},
		Edges: []types.Edge{link("e1", "start", "review")},
	})

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "review")
	require.Len(t, tasks, 2)

	_, err = engine.Approve(ctx, tasks[0].ID, "hr", "")
	require.NoError(t, err)
	before, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)

	_, err = engine.Approve(ctx, tasks[1].ID, "finance", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCannotAdvance)
	_, isGuard := AsGuardError(err)
	assert.False(t, isGuard)

	task, err := engine.Task(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Zero(t, task.CompletedAt)

	after, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "review", after.CurrentNodeID)
	assert.Equal(t, types.InstanceRunning, after.Status)

	stored, err := engine.storage.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, stored.Status)
}

func TestEngine_CommitFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &failingStorage{MemoryStorage: storage.NewMemoryStorage()}
	engine := newTestEngine(t, store)
	def := publish(t, engine, expenseDefinition())

	approved := make(chan events.Event, 1)
	engine.SubscribeEvent(events.InstanceApproved, events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		approved <- event
		return nil
	}))

	inst, err := engine.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 5000}, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "finance")
	require.Len(t, tasks, 1)
	before := engine.Export()

	store.fail = true
	_, err = engine.Approve(ctx, tasks[0].ID, "finance", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, before, engine.Export())

	_, err = engine.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 5000}, "alice")
	require.Error(t, err)
	assert.Len(t, engine.Instances(InstanceFilter{}), 1)
	assert.Len(t, engine.Tasks(TaskFilter{}), 1)

	select {
	case <-approved:
		t.Fatal("event published for a rolled back operation")
	case <-time.After(50 * time.Millisecond):
	}

	store.fail = false
	_, err = engine.Approve(ctx, tasks[0].ID, "finance", "")
	require.NoError(t, err)
	select {
	case ev := <-approved:
		assert.Equal(t, inst.InstanceID, ev.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("instance_approved was not published")
	}
}

func TestEngine_Delegate(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, chainDefinition(types.MatchAll, "hr"))

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(engine, inst.InstanceID, "first")
	require.Len(t, tasks, 1)
	id := tasks[0].ID

	_, err = engine.Delegate(ctx, id, "ops", "finance")
	guard, ok := AsGuardError(err)
	require.True(t, ok)
	assert.Equal(t, GuardNotAssignee, guard.Kind)

	_, err = engine.Delegate(ctx, id, "hr", "hr")
	assert.ErrorIs(t, err, ErrInvalidDelegate)
	_, err = engine.Delegate(ctx, id, "", "hr")
	assert.ErrorIs(t, err, ErrInvalidDelegate)

	task, err := engine.Delegate(ctx, id, "ops", "hr")
	require.NoError(t, err)
	assert.Equal(t, "ops", task.AssigneeRole)
	assert.Equal(t, "hr", task.DelegatedFrom)
	assert.NotZero(t, task.DelegatedAt)
	assert.Equal(t, types.TaskPending, task.Status)

	got, err := engine.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.CurrentNodeID)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, types.LogDelegate, got.Logs[len(got.Logs)-1].Action)

	_, err = engine.Approve(ctx, id, "ops", "")
	require.NoError(t, err)

	_, err = engine.Delegate(ctx, id, "hr", "ops")
	guard, ok = AsGuardError(err)
	require.True(t, ok)
	assert.Equal(t, GuardNotPending, guard.Kind)
}

func TestEngine_UnknownAction(t *testing.T) {
	engine := newTestEngine(t, nil)
	_, err := engine.ApplyTaskAction(context.Background(), TaskAction{TaskID: "1", Action: "escalate"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = engine.Approve(context.Background(), "missing", "hr", "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEngine_Queries(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, nil)
	def := publish(t, engine, expenseDefinition())

	a, err := engine.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 5000}, "alice")
	require.NoError(t, err)
	b, err := engine.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 10}, "bob")
	require.NoError(t, err)

	assert.Len(t, engine.Instances(InstanceFilter{}), 2)
	byBob := engine.Instances(InstanceFilter{CreatedBy: "bob"})
	require.Len(t, byBob, 1)
	assert.Equal(t, b.InstanceID, byBob[0].InstanceID)

	managerTasks := engine.Tasks(TaskFilter{AssigneeRole: "manager"})
	require.Len(t, managerTasks, 1)
	assert.Equal(t, b.InstanceID, managerTasks[0].InstanceID)

	_, err = engine.Approve(ctx, pendingTasks(engine, a.InstanceID, "finance")[0].ID, "finance", "")
	require.NoError(t, err)
	done := engine.Instances(InstanceFilter{Status: types.InstanceApproved})
	require.Len(t, done, 1)
	assert.Equal(t, a.InstanceID, done[0].InstanceID)

	_, err = engine.Instance(ctx, "missing")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = engine.Task(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestEngine_LoadAndExport(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	first := newTestEngine(t, store)
	def := publish(t, first, chainDefinition(types.MatchAll, "hr", "finance"))

	inst, err := first.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 5000}, "alice")
	require.NoError(t, err)
	tasks := pendingTasks(first, inst.InstanceID, "first")
	_, err = first.Approve(ctx, tasks[0].ID, "hr", "")
	require.NoError(t, err)

	second, err := NewEngine(&MockGenerator{id: 100}, store, WithClock(fixedClock()))
	require.NoError(t, err)
	defer second.Stop(ctx)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, first.Export(), second.Export())

	_, err = second.Approve(ctx, tasks[1].ID, "finance", "")
	require.NoError(t, err)
	got, err := second.Instance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.CurrentNodeID)
}

func TestEngine_SQLiteResume(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()

	first := newTestEngine(t, store)
	def := publish(t, first, expenseDefinition())
	inst, err := first.StartInstance(ctx, def.ID, map[string]interface{}{"amount": 5000}, "alice")
	require.NoError(t, err)

	second := newTestEngine(t, store)
	require.NoError(t, second.Load(ctx))
	tasks := pendingTasks(second, inst.InstanceID, "finance")
	require.Len(t, tasks, 1)

	_, err = second.Approve(ctx, tasks[0].ID, "finance", "")
	require.NoError(t, err)

	stored, err := store.GetInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceApproved, stored.Status)
	assert.Empty(t, stored.CurrentNodeID)
}

func TestEngine_Events(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	engine := newTestEngine(t, nil, WithEventBus(bus))
	def := publish(t, engine, chainDefinition(types.MatchAny, "hr", "finance"))

	var mu sync.Mutex
	seen := make(map[string]int)
	for _, typ := range []string{events.InstanceStarted, events.TaskCreated, events.TaskApproved, events.TaskCancelled, events.InstanceAdvanced} {
		engine.SubscribeEvent(typ, events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
			mu.Lock()
			seen[event.Type]++
			mu.Unlock()
			return nil
		}))
	}

	inst, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	require.NoError(t, err)
	_, err = engine.Approve(ctx, pendingTasks(engine, inst.InstanceID, "first")[0].ID, "hr", "")
	require.NoError(t, err)
	require.NoError(t, engine.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{
		events.InstanceStarted:  1,
		events.TaskCreated:      3,
		events.TaskApproved:     1,
		events.TaskCancelled:    1,
		events.InstanceAdvanced: 2,
	}, seen)
}

func TestEngine_CancelledContext(t *testing.T) {
	engine := newTestEngine(t, nil)
	def := publish(t, engine, expenseDefinition())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.StartInstance(ctx, def.ID, nil, "alice")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, engine.Instances(InstanceFilter{}))
}
