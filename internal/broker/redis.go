package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/antigravity-dev/labelforge/internal/graph"
)

// Key layout of the Redis protocol. Workers consume queue lists with BRPOP,
// write task state hashes as they execute, maintain their heartbeat key with
// a TTL, and subscribe to the revocation channel.
const (
	keyQueuePrefix  = "lf:queue:"
	keyTaskPrefix   = "lf:task:"
	keyWorkerSet    = "lf:workers"
	keyWorkerPrefix = "lf:worker:"
	keyRevokedSet   = "lf:revoked"
	revokeChannel   = "lf:revoke"
)

// wireNode is the canvas encoding workers interpret.
type wireNode struct {
	Kind   string         `json:"kind"` // single, group, chord, chain
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Queue  string         `json:"queue,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Items  []wireNode     `json:"items,omitempty"`
	Body   *wireNode      `json:"body,omitempty"`
}

type envelope struct {
	ID   string   `json:"id"`
	Root wireNode `json:"root"`
}

// Redis is the production broker adapter.
type Redis struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedis wraps an established go-redis client.
func NewRedis(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger.With("component", "broker")}
}

// Submit encodes the graph, seeds PENDING state for every task node and
// pushes the envelope onto the queue.
func (r *Redis) Submit(ctx context.Context, queue, id string, root graph.Node) (*ResultNode, error) {
	if queue == "" {
		return nil, fmt.Errorf("broker: queue is required")
	}
	if id == "" {
		return nil, fmt.Errorf("broker: task id is required")
	}

	wire, result := encode(root, id)

	data, err := json.Marshal(envelope{ID: id, Root: wire})
	if err != nil {
		return nil, fmt.Errorf("broker: encode graph: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	seedPending(ctx, pipe, wire)
	pipe.RPush(ctx, keyQueuePrefix+queue, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("broker: submit %s: %w", id, err)
	}

	r.logger.Debug("graph submitted", "id", id, "queue", queue, "tasks", graph.TaskCount(root))
	return result, nil
}

// encode assigns ids and builds the wire form plus the matching result tree.
// Chains carry the caller id at the root; every other node gets a fresh UUID.
// A chord's result node reuses its body id, so polling the chord observes the
// barrier task.
func encode(n graph.Node, id string) (wireNode, *ResultNode) {
	if id == "" {
		id = uuid.NewString()
	}
	switch t := n.(type) {
	case graph.Single:
		wire := wireNode{Kind: "single", ID: id, Name: t.Sig.Name, Queue: t.Sig.Queue, Kwargs: t.Sig.Kwargs}
		return wire, &ResultNode{ID: id}
	case graph.Group:
		wire := wireNode{Kind: "group", ID: id}
		result := &ResultNode{ID: id}
		for _, item := range t.Items {
			w, res := encode(item, "")
			wire.Items = append(wire.Items, w)
			result.Children = append(result.Children, res)
		}
		return wire, result
	case graph.Chord:
		bodyWire, bodyResult := encode(t.Body, "")
		wire := wireNode{Kind: "chord", ID: bodyWire.ID, Body: &bodyWire}
		result := &ResultNode{ID: bodyResult.ID}
		for _, item := range t.Header.Items {
			w, res := encode(item, "")
			wire.Items = append(wire.Items, w)
			result.Children = append(result.Children, res)
		}
		return wire, result
	case graph.Chain:
		wire := wireNode{Kind: "chain", ID: id}
		result := &ResultNode{ID: id}
		for _, step := range t.Steps {
			w, res := encode(step, "")
			wire.Items = append(wire.Items, w)
			result.Children = append(result.Children, res)
		}
		return wire, result
	default:
		return wireNode{}, nil
	}
}

// seedPending writes a PENDING state hash for every single task so polls see
// a consistent picture before workers pick anything up.
func seedPending(ctx context.Context, pipe redis.Pipeliner, wire wireNode) {
	switch wire.Kind {
	case "single":
		pipe.HSet(ctx, keyTaskPrefix+wire.ID, "status", string(StatusPending), "name", wire.Name)
	case "chord":
		if wire.Body != nil {
			seedPending(ctx, pipe, *wire.Body)
		}
	}
	for _, item := range wire.Items {
		seedPending(ctx, pipe, item)
	}
}

// State reads a task's state hash. Missing hashes report PENDING, matching
// queue semantics for ids the workers have not touched yet.
func (r *Redis) State(ctx context.Context, id string) (TaskState, error) {
	fields, err := r.rdb.HGetAll(ctx, keyTaskPrefix+id).Result()
	if err != nil {
		return TaskState{}, fmt.Errorf("broker: state %s: %w", id, err)
	}
	if len(fields) == 0 {
		return TaskState{Status: StatusPending}, nil
	}

	state := TaskState{Status: Status(fields["status"])}
	if raw, ok := fields["info"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.Info); err != nil {
			state.Info = map[string]any{"raw": raw}
		}
	}
	return state, nil
}

// Forget deletes the task state hash.
func (r *Redis) Forget(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, keyTaskPrefix+id).Err(); err != nil {
		return fmt.Errorf("broker: forget %s: %w", id, err)
	}
	return nil
}

// Revoke marks the id revoked and, with terminate, broadcasts to workers so
// an executing task is killed. The state hash flips to REVOKED unless the
// task already finished.
func (r *Redis) Revoke(ctx context.Context, id string, terminate bool) error {
	if err := r.rdb.SAdd(ctx, keyRevokedSet, id).Err(); err != nil {
		return fmt.Errorf("broker: revoke %s: %w", id, err)
	}

	current, err := r.State(ctx, id)
	if err == nil && !current.Status.Ready() {
		if err := r.rdb.HSet(ctx, keyTaskPrefix+id, "status", string(StatusRevoked)).Err(); err != nil {
			return fmt.Errorf("broker: revoke %s: %w", id, err)
		}
	}

	if terminate {
		if err := r.rdb.Publish(ctx, revokeChannel, id).Err(); err != nil {
			return fmt.Errorf("broker: revoke broadcast %s: %w", id, err)
		}
	}
	return nil
}

// Workers lists live workers from their heartbeat keys. Expired heartbeats
// are pruned from the registry set as a side effect.
func (r *Redis) Workers(ctx context.Context) ([]WorkerInfo, error) {
	ids, err := r.rdb.SMembers(ctx, keyWorkerSet).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list workers: %w", err)
	}

	workers := make([]WorkerInfo, 0, len(ids))
	for _, id := range ids {
		raw, err := r.rdb.Get(ctx, keyWorkerPrefix+id).Result()
		if errors.Is(err, redis.Nil) {
			r.rdb.SRem(ctx, keyWorkerSet, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("broker: worker %s: %w", id, err)
		}

		var info WorkerInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			r.logger.Warn("dropping malformed worker heartbeat", "worker", id, "error", err)
			continue
		}
		if info.ID == "" {
			info.ID = id
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// WorkerCount implements the compiler's WorkerCounter over a live inspection.
func (r *Redis) WorkerCount(ctx context.Context, queue string) (int, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return 0, err
	}
	return CountQueueWorkers(workers, queue), nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// RegisterWorker writes a heartbeat on behalf of a worker. The orchestration
// core never calls this; it exists for worker processes and tests.
func (r *Redis) RegisterWorker(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("broker: encode worker %s: %w", info.ID, err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, keyWorkerSet, info.ID)
	pipe.Set(ctx, keyWorkerPrefix+info.ID, data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: register worker %s: %w", info.ID, err)
	}
	return nil
}

// SetTaskState records a task state transition on behalf of a worker; used by
// worker processes and tests.
func (r *Redis) SetTaskState(ctx context.Context, id string, status Status, info map[string]any) error {
	fields := []any{"status", string(status)}
	if info != nil {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("broker: encode info for %s: %w", id, err)
		}
		fields = append(fields, "info", string(data))
	}
	if err := r.rdb.HSet(ctx, keyTaskPrefix+id, fields...).Err(); err != nil {
		return fmt.Errorf("broker: set state %s: %w", id, err)
	}
	return nil
}
