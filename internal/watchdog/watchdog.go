// Package watchdog runs one annotation watchdog per active project. Each
// watchdog observes labeling progress and auto-launches the project's
// default workflow once enough fresh annotations have accumulated, backing
// off dynamically while the project is below threshold.
package watchdog

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/antigravity-dev/labelforge/internal/store"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

const (
	// WaitMin and WaitMax bound the back-off between progress checks.
	WaitMin = 20 * time.Second
	WaitMax = 1800 * time.Second

	// sleepSlice keeps the idle wait interruptible.
	sleepSlice = 10 * time.Second
)

// Launcher submits a project's default workflow. A nil author denotes an
// auto-launch; admission decides whether it goes through.
type Launcher interface {
	LaunchDefault(ctx context.Context, project string, author *string) (string, error)
}

// Reconciler repairs disagreement between history rows and broker state.
type Reconciler interface {
	Reconcile(ctx context.Context, project string) error
}

// ProjectStore is the slice of the store a watchdog observes.
type ProjectStore interface {
	GetProject(ctx context.Context, shortname string) (*store.Project, error)
	HasWorkflowHistoryTable(ctx context.Context, project string) (bool, error)
	LatestModelStateTime(ctx context.Context, project string) (time.Time, error)
	AnnotatedImageCount(ctx context.Context, project string, since time.Time, minAnno int) (int, error)
	ActiveWorkflowIDs(ctx context.Context, project string) ([]string, error)
}

// Info is the read-only progress snapshot served to status requests.
type Info struct {
	AutoTrainingEnabled bool `json:"ai_auto_training_enabled"`
	NumAnnotated        int  `json:"num_annotated"`
	NumNextTraining     int  `json:"num_next_training"`
}

// Watchdog is the per-project loop.
type Watchdog struct {
	project    string
	store      ProjectStore
	tasks      *TaskWatchdog
	launcher   Launcher
	reconciler Reconciler
	logger     *slog.Logger

	mu        sync.Mutex
	meta      *store.Project
	lastCount int
	info      Info

	nudgeCh   chan struct{}
	recheckMu sync.Mutex
	recheck   bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newWatchdog(project string, st ProjectStore, tasks *TaskWatchdog, launcher Launcher, reconciler Reconciler, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		project:    project,
		store:      st,
		tasks:      tasks,
		launcher:   launcher,
		reconciler: reconciler,
		logger:     logger.With("component", "watchdog", "project", project),
		nudgeCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Nudge shortens the current wait to WaitMin. With recheck the project
// metadata is reloaded before the next decision.
func (w *Watchdog) Nudge(recheck bool) {
	if recheck {
		w.recheckMu.Lock()
		w.recheck = true
		w.recheckMu.Unlock()
	}
	select {
	case w.nudgeCh <- struct{}{}:
	default:
	}
}

// Stop terminates the loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

// Info returns the last observed progress snapshot.
func (w *Watchdog) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.info
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("watchdog started")

	if err := w.reloadMeta(ctx); err != nil {
		w.logger.Error("initial project load failed", "error", err)
	}

	for {
		wait := w.tick(ctx)
		if wait < 0 {
			w.logger.Info("watchdog stopped")
			return
		}
		if !w.sleep(ctx, wait) {
			w.logger.Info("watchdog stopped")
			return
		}
	}
}

// tick performs one observation cycle and returns the next wait, or a
// negative duration when the loop must terminate.
func (w *Watchdog) tick(ctx context.Context) time.Duration {
	exists, err := w.store.HasWorkflowHistoryTable(ctx, w.project)
	if err != nil {
		w.logger.Warn("project probe failed", "error", err)
		return WaitMin
	}
	if !exists {
		// Project deleted underneath us.
		w.logger.Info("project schema gone, terminating")
		return -1
	}

	if w.takeRecheck() {
		if err := w.reloadMeta(ctx); err != nil {
			w.logger.Warn("project reload failed", "error", err)
		}
	}

	if w.reconciler != nil {
		if err := w.reconciler.Reconcile(ctx, w.project); err != nil {
			w.logger.Warn("reconciliation failed", "error", err)
		}
	}

	w.mu.Lock()
	meta := w.meta
	lastCount := w.lastCount
	w.mu.Unlock()
	if meta == nil {
		if err := w.reloadMeta(ctx); err != nil {
			w.logger.Warn("project reload failed", "error", err)
			return WaitMin
		}
		w.mu.Lock()
		meta = w.meta
		w.mu.Unlock()
	}

	threshold := meta.NumImagesAutotrain
	enabled := meta.AutoTrainingEnabled()

	if !enabled {
		w.setInfo(Info{AutoTrainingEnabled: false, NumNextTraining: threshold})
		return WaitMax
	}

	since, err := w.store.LatestModelStateTime(ctx, w.project)
	if err != nil {
		w.logger.Warn("model state lookup failed", "error", err)
		return WaitMin
	}
	count, err := w.store.AnnotatedImageCount(ctx, w.project, since, meta.MinNumAnnoPerImage)
	if err != nil {
		w.logger.Warn("annotation count failed", "error", err)
		return WaitMin
	}
	w.setInfo(Info{AutoTrainingEnabled: true, NumAnnotated: count, NumNextTraining: threshold})

	if count >= threshold {
		if w.peerTaskRunning(ctx) {
			w.logger.Debug("threshold met but a task is already running", "count", count)
			return WaitMax
		}
		if !w.tasks.HasWorkerClass(workflow.QueueAIController) || !w.tasks.HasWorkerClass(workflow.QueueAIWorker) {
			w.logger.Debug("threshold met but worker classes incomplete", "count", count)
			return WaitMax
		}

		if _, err := w.launcher.LaunchDefault(ctx, w.project, nil); err != nil {
			// Admission refusal or transient broker trouble; next tick
			// re-evaluates.
			w.logger.Warn("auto-launch failed", "error", err)
		} else {
			w.logger.Info("auto-launched default workflow", "annotated", count, "threshold", threshold)
		}
		return WaitMax
	}

	wait := Backoff(count, lastCount, threshold, WaitMin, WaitMax)
	w.mu.Lock()
	w.lastCount = count
	w.mu.Unlock()
	w.logger.Debug("below threshold", "annotated", count, "threshold", threshold, "wait", wait)
	return wait
}

func (w *Watchdog) peerTaskRunning(ctx context.Context) bool {
	running, err := w.store.ActiveWorkflowIDs(ctx, w.project)
	if err != nil {
		w.logger.Warn("active workflow lookup failed", "error", err)
		return true
	}
	return len(running) > 0
}

func (w *Watchdog) reloadMeta(ctx context.Context) error {
	meta, err := w.store.GetProject(ctx, w.project)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.meta = meta
	w.mu.Unlock()
	return nil
}

func (w *Watchdog) takeRecheck() bool {
	w.recheckMu.Lock()
	defer w.recheckMu.Unlock()
	r := w.recheck
	w.recheck = false
	return r
}

func (w *Watchdog) setInfo(info Info) {
	w.mu.Lock()
	w.info = info
	w.mu.Unlock()
}

// sleep waits in interruptible slices. A nudge shortens the remaining wait
// to WaitMin. Returns false when the loop must stop.
func (w *Watchdog) sleep(ctx context.Context, wait time.Duration) bool {
	remaining := wait
	for remaining > 0 {
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-w.stopCh:
			timer.Stop()
			return false
		case <-w.nudgeCh:
			timer.Stop()
			if remaining > WaitMin {
				remaining = WaitMin
			}
			continue
		case <-timer.C:
			remaining -= slice
		}
	}
	return true
}

// Backoff computes the wait before the next progress check. Stagnant
// projects and projects already close to threshold wait long; active
// labeling shortens the interval.
func Backoff(count, lastCount, threshold int, waitMin, waitMax time.Duration) time.Duration {
	if threshold <= 0 {
		return waitMax
	}
	progress := float64(count) / float64(threshold)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	delta := float64(count-lastCount) / math.Max(1, float64(count+lastCount))
	frac := 0.8*(1-math.Pow(progress, 4)) + 0.2*(1-delta*delta)

	wait := time.Duration(float64(waitMax) * frac)
	if wait < waitMin {
		wait = waitMin
	}
	if wait > waitMax {
		wait = waitMax
	}
	return wait
}
