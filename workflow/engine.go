package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Engine is the host-owned approval service. It wires the task manager and the
// instance state machine together and runs every mutating entry point as one
// atomic unit: either the whole operation is committed to storage or every
// in-memory change it made is undone.
type Engine struct {
	mu sync.RWMutex
	// defMu serializes definition writes so the published check, version
	// allocation and save happen as one step.
	defMu       sync.Mutex
	generate    generator.Generator
	storage     storage.Storage
	evaluator   rules.Evaluator
	resolver    *graph.Resolver
	eventBus    *events.EventBus
	logger      *zap.Logger
	clock       func() time.Time
	definitions map[string]types.Definition

	tasks   *TaskManager
	machine *Machine
	outbox  []events.Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluator replaces the condition evaluator used by gateways.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates an Engine. A nil store selects an in-memory one.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		generate:    generate,
		storage:     store,
		logger:      zap.NewNop(),
		clock:       time.Now,
		definitions: make(map[string]types.Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		e.evaluator = rules.NewConditionEvaluator(rules.WithLogger(e.logger))
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	e.resolver = graph.NewResolver(e.evaluator)

	e.tasks = newTaskManager(generate, e.now, e.enqueue, e.logger)
	e.machine = newMachine(e.resolver, e.tasks, e.now, e.enqueue, e.logger)
	e.tasks.advancer = e.machine
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

func (e *Engine) now() int64 {
	return e.clock().UnixMilli()
}

func (e *Engine) nextID() (string, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return strconv.FormatUint(id, 10), nil
}

// enqueue buffers an event until the running operation commits.
func (e *Engine) enqueue(event events.Event) {
	if event.At.IsZero() {
		event.At = e.clock()
	}
	e.outbox = append(e.outbox, event)
}

// run executes op under the write lock, commits what it changed and then
// publishes its events. Any failure, including the commit, undoes op.
func (e *Engine) run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.outbox = nil
	e.tasks.begin()
	e.machine.begin()

	err := op()
	if err == nil {
		batch := storage.Batch{Instances: e.machine.dirty(), Tasks: e.tasks.dirty()}
		if cerr := e.storage.Commit(ctx, batch); cerr != nil {
			e.logger.Error("commit failed",
				zap.String("operation", name),
				zap.Int("instances", len(batch.Instances)),
				zap.Int("tasks", len(batch.Tasks)),
				zap.Error(cerr))
			err = fmt.Errorf("failed to commit %s: %w", name, cerr)
		}
	}
	if err != nil {
		e.tasks.rollback()
		e.machine.rollback()
		e.outbox = nil
		e.mu.Unlock()
		e.logFailure(name, err)
		return err
	}

	e.tasks.commit()
	e.machine.commit()
	outbox := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	e.publish(ctx, outbox)
	return nil
}

func (e *Engine) logFailure(name string, err error) {
	if g, ok := AsGuardError(err); ok {
		e.logger.Warn("approval guard violated",
			zap.String("operation", name),
			zap.String("kind", string(g.Kind)),
			zap.String("task_id", g.TaskID),
			zap.String("node_id", g.NodeID))
		return
	}
	e.logger.Warn("operation rolled back", zap.String("operation", name), zap.Error(err))
}

func (e *Engine) publish(ctx context.Context, outbox []events.Event) {
	for _, event := range outbox {
		err := e.eventBus.Publish(ctx, event)
		if err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.logger.Warn("failed to publish event", zap.String("type", event.Type), zap.Error(err))
		}
	}
}

// SaveDraft stores a draft definition, assigning an ID when it has none.
// A definition that is already published cannot be overwritten.
func (e *Engine) SaveDraft(ctx context.Context, def types.Definition) (types.Definition, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	if def.ID == "" {
		id, err := e.nextID()
		if err != nil {
			return types.Definition{}, err
		}
		def.ID = id
	} else if existing, err := e.getDefinition(ctx, def.ID); err == nil && existing.Status == types.DefinitionPublished {
		return types.Definition{}, fmt.Errorf("%w: id=%s", ErrDefinitionImmutable, def.ID)
	}

	def = def.Clone()
	def.Status = types.DefinitionDraft
	def.Version = 0
	def.PublishedAt = 0
	if def.CreatedAt == 0 {
		def.CreatedAt = e.now()
	}
	if err := e.saveDefinition(ctx, def); err != nil {
		return types.Definition{}, err
	}
	return def.Clone(), nil
}

// Publish validates a draft and freezes it under the next version of its key.
// Publishing an already published definition returns it unchanged.
func (e *Engine) Publish(ctx context.Context, definitionID string) (types.Definition, error) {
	def, fresh, err := e.freeze(ctx, definitionID)
	if err != nil {
		return types.Definition{}, err
	}
	if fresh {
		e.logger.Info("definition published",
			zap.String("definition_id", def.ID),
			zap.String("key", def.DefinitionKey),
			zap.Int("version", def.Version))
		e.publish(ctx, []events.Event{{
			Type: events.DefinitionPublished,
			Data: map[string]interface{}{"definition_id": def.ID, "key": def.DefinitionKey, "version": def.Version},
			At:   e.clock(),
		}})
	}
	return def.Clone(), nil
}

// freeze does the check, version allocation and save of Publish under defMu.
func (e *Engine) freeze(ctx context.Context, definitionID string) (types.Definition, bool, error) {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	def, err := e.getDefinition(ctx, definitionID)
	if err != nil {
		return types.Definition{}, false, err
	}
	if def.Status == types.DefinitionPublished {
		return def, false, nil
	}
	if err := graph.Validate(def); err != nil {
		return types.Definition{}, false, err
	}

	defs, err := e.storage.ListDefinitions(ctx)
	if err != nil {
		return types.Definition{}, false, fmt.Errorf("failed to list definitions: %w", err)
	}
	version := 0
	for _, d := range defs {
		if d.DefinitionKey == def.DefinitionKey && d.Status == types.DefinitionPublished && d.Version > version {
			version = d.Version
		}
	}

	def.Status = types.DefinitionPublished
	def.Version = version + 1
	def.PublishedAt = e.now()
	if err := e.saveDefinition(ctx, def); err != nil {
		return types.Definition{}, false, err
	}
	return def, true, nil
}

// Definition returns a definition by ID.
func (e *Engine) Definition(ctx context.Context, id string) (types.Definition, error) {
	def, err := e.getDefinition(ctx, id)
	if err != nil {
		return types.Definition{}, err
	}
	return def.Clone(), nil
}

// LatestPublished returns the highest published version of a definition key.
func (e *Engine) LatestPublished(ctx context.Context, key string) (types.Definition, error) {
	defs, err := e.storage.ListDefinitions(ctx)
	if err != nil {
		return types.Definition{}, fmt.Errorf("failed to list definitions: %w", err)
	}
	var latest *types.Definition
	for i := range defs {
		d := &defs[i]
		if d.DefinitionKey != key || d.Status != types.DefinitionPublished {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return types.Definition{}, fmt.Errorf("%w: no published version of %s", ErrDefinitionNotFound, key)
	}
	return latest.Clone(), nil
}

// getDefinition retrieves a definition, checking cache first then storage.
func (e *Engine) getDefinition(ctx context.Context, id string) (types.Definition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.storage.GetDefinition(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrDefinitionNotFound) {
			return types.Definition{}, fmt.Errorf("%w: id=%s", ErrDefinitionNotFound, id)
		}
		return types.Definition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return def, nil
}

// saveDefinition saves a definition to both storage and cache.
func (e *Engine) saveDefinition(ctx context.Context, def types.Definition) error {
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	e.mu.Lock()
	e.definitions[def.ID] = def
	e.mu.Unlock()
	return nil
}

// Preview returns the approval path a submission of form would take through
// the live definition.
func (e *Engine) Preview(ctx context.Context, definitionID string, form map[string]interface{}) ([]types.PathStep, error) {
	def, err := e.getDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	return e.resolver.BuildApprovalPath(def, types.FormContext{Form: form}), nil
}

// StartInstance starts an instance of a published definition.
func (e *Engine) StartInstance(ctx context.Context, definitionID string, form map[string]interface{}, createdBy string) (types.Instance, error) {
	def, err := e.getDefinition(ctx, definitionID)
	if err != nil {
		return types.Instance{}, err
	}
	if def.Status != types.DefinitionPublished {
		return types.Instance{}, fmt.Errorf("%w: id=%s", ErrNotPublished, definitionID)
	}
	id, err := e.nextID()
	if err != nil {
		return types.Instance{}, err
	}

	var inst types.Instance
	err = e.run(ctx, "start", func() error {
		var err error
		inst, err = e.machine.Start(def, id, form, createdBy)
		return err
	})
	if err != nil {
		return types.Instance{}, err
	}
	return inst, nil
}

// Approve approves a task on behalf of operator.
func (e *Engine) Approve(ctx context.Context, taskID, operator, comment string) (types.Task, error) {
	return e.ApplyTaskAction(ctx, TaskAction{TaskID: taskID, Action: ActionApprove, Operator: operator, Comment: comment})
}

// Reject rejects a task on behalf of operator, terminating its instance.
func (e *Engine) Reject(ctx context.Context, taskID, operator, comment string) (types.Task, error) {
	return e.ApplyTaskAction(ctx, TaskAction{TaskID: taskID, Action: ActionReject, Operator: operator, Comment: comment})
}

// ApplyTaskAction applies an approve or reject decision. Acting on a task that
// is no longer pending is a no-op returning the task as it is.
func (e *Engine) ApplyTaskAction(ctx context.Context, action TaskAction) (types.Task, error) {
	var task types.Task
	err := e.run(ctx, string(action.Action), func() error {
		var err error
		switch action.Action {
		case ActionApprove:
			task, err = e.tasks.Approve(action)
		case ActionReject:
			task, err = e.tasks.Reject(action)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAction, action.Action)
		}
		return err
	})
	if err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// Delegate reassigns a pending task held by operatorRole to toRole.
func (e *Engine) Delegate(ctx context.Context, taskID, toRole, operatorRole string) (types.Task, error) {
	var task types.Task
	err := e.run(ctx, "delegate", func() error {
		var err error
		task, err = e.tasks.Delegate(taskID, toRole, operatorRole)
		return err
	})
	if err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// Task returns a task by ID.
func (e *Engine) Task(ctx context.Context, id string) (types.Task, error) {
	if err := ctx.Err(); err != nil {
		return types.Task{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks.Task(id)
	if !ok {
		return types.Task{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
	}
	return task, nil
}

// Tasks returns the tasks matching filter in creation order.
func (e *Engine) Tasks(filter TaskFilter) []types.Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tasks.List(filter)
}

// Instance returns an instance by ID.
func (e *Engine) Instance(ctx context.Context, id string) (types.Instance, error) {
	if err := ctx.Err(); err != nil {
		return types.Instance{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.machine.Get(id)
	if !ok {
		return types.Instance{}, fmt.Errorf("%w: id=%s", ErrInstanceNotFound, id)
	}
	return inst, nil
}

// Instances returns the instances matching filter in creation order.
func (e *Engine) Instances(filter InstanceFilter) []types.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.List(filter)
}

// InstancePath returns the approval path of an instance computed against its
// frozen definition snapshot and submitted form.
func (e *Engine) InstancePath(ctx context.Context, id string) ([]types.PathStep, error) {
	inst, err := e.Instance(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.resolver.BuildApprovalPath(&inst, types.FormContext{Form: inst.FormData}), nil
}

// Load replaces the in-memory runtime state with what storage holds.
func (e *Engine) Load(ctx context.Context) error {
	state, err := e.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks.load(state.Tasks)
	e.machine.load(state.Instances)
	e.logger.Info("state loaded",
		zap.Int("tasks", len(state.Tasks)),
		zap.Int("instances", len(state.Instances)))
	return nil
}

// Export returns the runtime state in its persisted shape.
func (e *Engine) Export() storage.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return storage.State{
		Tasks:     e.tasks.snapshot(),
		Instances: e.machine.snapshot(),
	}
}

// Stop drains pending events and stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
