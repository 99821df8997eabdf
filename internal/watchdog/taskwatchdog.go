package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// TaskWatchdog is the process-wide broker snapshot. One instance refreshes
// the live worker set on a fixed interval; everything else reads the
// snapshot instead of hitting broker inspection on every request.
type TaskWatchdog struct {
	broker   broker.Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	workers []broker.WorkerInfo
	fresh   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewTaskWatchdog(b broker.Client, interval time.Duration, logger *slog.Logger) *TaskWatchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TaskWatchdog{
		broker:   b,
		interval: interval,
		logger:   logger.With("component", "taskwatchdog"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run refreshes the snapshot until the context ends or Stop is called.
func (t *TaskWatchdog) Run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *TaskWatchdog) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.done
}

func (t *TaskWatchdog) refresh(ctx context.Context) {
	workers, err := t.broker.Workers(ctx)
	if err != nil {
		// Transient broker trouble: keep serving the last snapshot but mark
		// it stale so worker-presence checks fail closed.
		t.logger.Warn("worker inspection failed", "error", err)
		t.mu.Lock()
		t.fresh = false
		t.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.workers = workers
	t.fresh = true
	t.mu.Unlock()
}

// Snapshot returns the last observed worker set.
func (t *TaskWatchdog) Snapshot() []broker.WorkerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]broker.WorkerInfo, len(t.workers))
	copy(out, t.workers)
	return out
}

// HasWorkerClass reports whether at least one live worker advertises the
// queue. Returns false while the snapshot is stale.
func (t *TaskWatchdog) HasWorkerClass(queue string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.fresh {
		return false
	}
	return broker.CountQueueWorkers(t.workers, queue) > 0
}

// RunningForProject lists the AI tasks currently executing for a project.
func (t *TaskWatchdog) RunningForProject(project string) []broker.ActiveTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []broker.ActiveTask
	for _, w := range t.workers {
		for _, task := range w.Active {
			if task.Project == project && workflow.IsAITaskName(task.Name) {
				out = append(out, task)
			}
		}
	}
	return out
}
