package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[string]types.Definition
	instances   map[string]types.Instance
	tasks       map[string]types.Task
	taskOrder   []string
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.Definition),
		instances:   make(map[string]types.Instance),
		tasks:       make(map[string]types.Task),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def.Clone()
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	def, err := getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
	if err != nil {
		return def, err
	}
	return def.Clone(), nil
}

// ListDefinitions returns every definition ordered by key and version.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Definition, 0, len(s.definitions))
		for _, def := range s.definitions {
			out = append(out, def.Clone())
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].DefinitionKey != out[j].DefinitionKey {
				return out[i].DefinitionKey < out[j].DefinitionKey
			}
			if out[i].Version != out[j].Version {
				return out[i].Version < out[j].Version
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id string) (types.Instance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return inst, err
	}
	return inst.Clone(), nil
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// Load returns a copy of the stored runtime state. Tasks keep creation order.
func (s *MemoryStorage) Load(ctx context.Context) (State, error) {
	return withContext(ctx, func() (State, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		state := State{
			Tasks:     make([]types.Task, 0, len(s.taskOrder)),
			Instances: make(map[string]types.Instance, len(s.instances)),
		}
		for _, id := range s.taskOrder {
			state.Tasks = append(state.Tasks, s.tasks[id])
		}
		for id, inst := range s.instances {
			state.Instances[id] = inst.Clone()
		}
		return state, nil
	})
}

// Commit writes the batch under a single lock.
func (s *MemoryStorage) Commit(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, inst := range batch.Instances {
			s.instances[inst.InstanceID] = inst.Clone()
		}
		for _, task := range batch.Tasks {
			if _, ok := s.tasks[task.ID]; !ok {
				s.taskOrder = append(s.taskOrder, task.ID)
			}
			s.tasks[task.ID] = task
		}
		return nil
	})
}

// ClearTerminated removes approved or rejected instances together with their tasks.
func (s *MemoryStorage) ClearTerminated(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := make(map[string]bool)
		for id, inst := range s.instances {
			if inst.Status.Terminal() {
				delete(s.instances, id)
				removed[id] = true
			}
		}
		order := s.taskOrder[:0]
		for _, id := range s.taskOrder {
			if removed[s.tasks[id].InstanceID] {
				delete(s.tasks, id)
				continue
			}
			order = append(order, id)
		}
		s.taskOrder = order
		return nil
	})
}

// Close implements Storage.
func (s *MemoryStorage) Close() error {
	return nil
}
