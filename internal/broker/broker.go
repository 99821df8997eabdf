// Package broker abstracts the message broker the orchestration core submits
// task graphs to. The core talks to the Client interface only; the Redis
// implementation in this package defines the wire protocol AI workers
// consume on the other side.
package broker

import (
	"context"

	"github.com/antigravity-dev/labelforge/internal/graph"
)

// Status is the lifecycle state of one broker task.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRevoked Status = "REVOKED"
	// StatusError is synthesized by callers when the broker itself cannot be
	// reached; it is never stored.
	StatusError Status = "ERROR"
)

// Ready reports whether the task has reached a terminal state.
func (s Status) Ready() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Successful reports whether the task finished without error.
func (s Status) Successful() bool {
	return s == StatusSuccess
}

// TaskState is the broker-side view of one task.
type TaskState struct {
	Status Status
	Info   map[string]any
}

// ResultNode is the id tree a submission returns. Leaf nodes are broker
// tasks; inner nodes (groups, chords, chains) aggregate their children.
// Names are annotated by the dispatcher, not the broker.
type ResultNode struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Children []*ResultNode `json:"children,omitempty"`
}

// Terminator returns the canonical terminal node: the last child of the root
// chain, or the root itself when it has no children.
func (n *ResultNode) Terminator() *ResultNode {
	if n == nil {
		return nil
	}
	if len(n.Children) == 0 {
		return n
	}
	return n.Children[len(n.Children)-1]
}

// ActiveTask is one currently executing task reported by a worker.
type ActiveTask struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Project string `json:"project,omitempty"`
}

// WorkerInfo describes one live worker: its id, the queues it advertises and
// the tasks it is executing.
type WorkerInfo struct {
	ID     string       `json:"id"`
	Queues []string     `json:"queues"`
	Active []ActiveTask `json:"active,omitempty"`
}

// Client is the broker contract the orchestration core relies on.
type Client interface {
	// Submit places a compiled graph on the named queue. The caller-supplied
	// id becomes the root task id so history rows and live tasks are
	// joinable. The returned tree carries the per-node ids.
	Submit(ctx context.Context, queue, id string, root graph.Node) (*ResultNode, error)

	// State reports the current status and info payload of a task id.
	// Unknown ids are PENDING.
	State(ctx context.Context, id string) (TaskState, error)

	// Forget releases backend memory held for a task result.
	Forget(ctx context.Context, id string) error

	// Revoke cancels a task; with terminate the executing worker is asked to
	// kill it. Revoking an unknown or finished task is a no-op.
	Revoke(ctx context.Context, id string, terminate bool) error

	// Workers inspects the live worker set.
	Workers(ctx context.Context) ([]WorkerInfo, error)

	Close() error
}

// CountQueueWorkers returns how many workers advertise the given queue.
func CountQueueWorkers(workers []WorkerInfo, queue string) int {
	count := 0
	for _, w := range workers {
		for _, q := range w.Queues {
			if q == queue {
				count++
				break
			}
		}
	}
	return count
}
