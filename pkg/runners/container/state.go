package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// State is the last reported state of a container.
type State struct {
	State     string         `json:"state"`
	ExitCode  *int           `json:"exit_code,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateStore keeps the last reported state per container ref so Status can answer
// without waiting on the event stream.
type StateStore interface {
	Put(ctx context.Context, containerRef string, state State) error
	// Get returns found=false when nothing was reported yet.
	Get(ctx context.Context, containerRef string) (State, bool, error)
	Delete(ctx context.Context, containerRef string) error
}

type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (s *MemoryStateStore) Put(_ context.Context, containerRef string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[containerRef] = state

	return nil
}

func (s *MemoryStateStore) Get(_ context.Context, containerRef string) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, found := s.states[containerRef]

	return state, found, nil
}

func (s *MemoryStateStore) Delete(_ context.Context, containerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, containerRef)

	return nil
}

const (
	redisKeyPrefix = "flowrun:container:"
	redisStateTTL  = 24 * time.Hour

	fieldState     = "state"
	fieldExitCode  = "exit_code"
	fieldOutput    = "output"
	fieldUpdatedAt = "updated_at"
)

// RedisStateStore shares container states between workers as one hash per container.
type RedisStateStore struct {
	client redis.UniversalClient
}

func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

func (s *RedisStateStore) Put(ctx context.Context, containerRef string, state State) error {
	fields := map[string]any{
		fieldState:     state.State,
		fieldUpdatedAt: state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}

	if state.ExitCode != nil {
		fields[fieldExitCode] = *state.ExitCode
	}

	if state.Output != nil {
		output, err := json.Marshal(state.Output)
		if err != nil {
			return err
		}

		fields[fieldOutput] = string(output)
	}

	key := redisKeyPrefix + containerRef

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, redisStateTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store container state: %w", err)
	}

	return nil
}

func (s *RedisStateStore) Get(ctx context.Context, containerRef string) (State, bool, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+containerRef).Result()
	if err != nil {
		return State{}, false, fmt.Errorf("failed to read container state: %w", err)
	}

	if len(fields) == 0 {
		return State{}, false, nil
	}

	state := State{State: fields[fieldState]}

	if raw, ok := fields[fieldExitCode]; ok {
		exitCode, err := strconv.Atoi(raw)
		if err != nil {
			return State{}, false, fmt.Errorf("invalid exit code %q: %w", raw, err)
		}

		state.ExitCode = &exitCode
	}

	if raw, ok := fields[fieldOutput]; ok {
		err = json.Unmarshal([]byte(raw), &state.Output)
		if err != nil {
			return State{}, false, fmt.Errorf("invalid container output: %w", err)
		}
	}

	if raw, ok := fields[fieldUpdatedAt]; ok {
		state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}

	return state, true, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, containerRef string) error {
	return s.client.Del(ctx, redisKeyPrefix+containerRef).Err()
}
