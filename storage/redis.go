package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	definitionPrefix = "approval:definition:"
	instancePrefix   = "approval:instance:"
	taskPrefix       = "approval:task:"

	definitionIndex = "approval:definitions"
	instanceIndex   = "approval:instances"
	taskIndex       = "approval:tasks"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Records are stored as JSON strings; sorted-set indexes keep creation order.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"poolSize"`
	MinIdleConns int           `yaml:"minIdleConns"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// listFromRedis loads every record referenced by a sorted-set index, in index order.
func listFromRedis[T any](ctx context.Context, client *redis.Client, index, prefix string) ([]T, error) {
	ids, err := client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s records: %w", prefix, err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, definitionPrefix+def.ID, data, 0)
			pipe.ZAddNX(ctx, definitionIndex, &redis.Z{Score: float64(def.CreatedAt), Member: def.ID})
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// ListDefinitions returns every definition ordered by key and version.
func (s *RedisStorage) ListDefinitions(ctx context.Context) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		defs, err := listFromRedis[types.Definition](ctx, s.client, definitionIndex, definitionPrefix)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(defs, func(i, j int) bool {
			if defs[i].DefinitionKey != defs[j].DefinitionKey {
				return defs[i].DefinitionKey < defs[j].DefinitionKey
			}
			return defs[i].Version < defs[j].Version
		})
		return defs, nil
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id string) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id string) (types.Task, error) {
	return getFromRedis[types.Task](ctx, s.client, taskPrefix, id, ErrTaskNotFound)
}

// Load returns the whole runtime state.
func (s *RedisStorage) Load(ctx context.Context) (State, error) {
	return withContext(ctx, func() (State, error) {
		tasks, err := listFromRedis[types.Task](ctx, s.client, taskIndex, taskPrefix)
		if err != nil {
			return State{}, err
		}
		instances, err := listFromRedis[types.Instance](ctx, s.client, instanceIndex, instancePrefix)
		if err != nil {
			return State{}, err
		}
		state := State{
			Tasks:     tasks,
			Instances: make(map[string]types.Instance, len(instances)),
		}
		if state.Tasks == nil {
			state.Tasks = []types.Task{}
		}
		for _, inst := range instances {
			state.Instances[inst.InstanceID] = inst
		}
		return state, nil
	})
}

// Commit writes the batch inside a MULTI/EXEC transaction.
func (s *RedisStorage) Commit(ctx context.Context, batch Batch) error {
	return withContextError(ctx, func() error {
		if batch.Empty() {
			return nil
		}
		type entry struct {
			key, id string
			index   string
			score   float64
			data    []byte
		}
		entries := make([]entry, 0, len(batch.Instances)+len(batch.Tasks))
		for _, inst := range batch.Instances {
			data, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("failed to marshal instance %s: %w", inst.InstanceID, err)
			}
			entries = append(entries, entry{instancePrefix + inst.InstanceID, inst.InstanceID, instanceIndex, float64(inst.CreatedAt), data})
		}
		for _, task := range batch.Tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
			}
			entries = append(entries, entry{taskPrefix + task.ID, task.ID, taskIndex, float64(task.CreatedAt), data})
		}

		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, e := range entries {
				pipe.Set(ctx, e.key, e.data, 0)
				pipe.ZAddNX(ctx, e.index, &redis.Z{Score: e.score, Member: e.id})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to commit batch: %w", err)
		}
		return nil
	})
}

// ClearTerminated removes approved or rejected instances together with their tasks.
func (s *RedisStorage) ClearTerminated(ctx context.Context) error {
	return withContextError(ctx, func() error {
		state, err := s.Load(ctx)
		if err != nil {
			return err
		}
		removed := make(map[string]bool)
		pipe := s.client.TxPipeline()
		for id, inst := range state.Instances {
			if inst.Status.Terminal() {
				removed[id] = true
				pipe.Del(ctx, instancePrefix+id)
				pipe.ZRem(ctx, instanceIndex, id)
			}
		}
		if len(removed) == 0 {
			return nil
		}
		for _, task := range state.Tasks {
			if removed[task.InstanceID] {
				pipe.Del(ctx, taskPrefix+task.ID)
				pipe.ZRem(ctx, taskIndex, task.ID)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
