package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Errors. Every specific miss also matches ErrNotFound.
var (
	ErrNotFound           = errors.New("not found")
	ErrDefinitionNotFound = fmt.Errorf("definition %w", ErrNotFound)
	ErrInstanceNotFound   = fmt.Errorf("instance %w", ErrNotFound)
	ErrTaskNotFound       = fmt.Errorf("task %w", ErrNotFound)
)

// Batch is the set of records written by one engine operation. It is applied
// atomically: either every record is stored or none is.
type Batch struct {
	Instances []types.Instance
	Tasks     []types.Task
}

// Empty reports whether the batch carries nothing to write.
func (b Batch) Empty() bool {
	return len(b.Instances) == 0 && len(b.Tasks) == 0
}

// State is the persisted shape of the runtime store.
type State struct {
	Tasks     []types.Task              `json:"tasks"`
	Instances map[string]types.Instance `json:"instances"`
}

// Storage defines the interface for persisting definitions, instances and tasks.
type Storage interface {
	// SaveDefinition saves a process definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id string) (types.Definition, error)

	// ListDefinitions returns every stored definition.
	ListDefinitions(ctx context.Context) ([]types.Definition, error)

	// GetInstance retrieves a process instance by ID.
	GetInstance(ctx context.Context, id string) (types.Instance, error)

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (types.Task, error)

	// Load returns the whole runtime state.
	Load(ctx context.Context) (State, error)

	// Commit atomically writes a batch of instances and tasks.
	Commit(ctx context.Context, batch Batch) error

	// Close releases the underlying resources.
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
