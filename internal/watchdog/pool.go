package watchdog

import (
	"context"
	"log/slog"
	"sync"
)

// Pool manages the per-project watchdogs. Watchdogs start lazily on the
// first status request for a project and stop on project deletion or
// process shutdown.
type Pool struct {
	store      ProjectStore
	tasks      *TaskWatchdog
	launcher   Launcher
	reconciler Reconciler
	logger     *slog.Logger

	mu   sync.Mutex
	dogs map[string]*Watchdog
}

func NewPool(st ProjectStore, tasks *TaskWatchdog, launcher Launcher, reconciler Reconciler, logger *slog.Logger) *Pool {
	return &Pool{
		store:      st,
		tasks:      tasks,
		launcher:   launcher,
		reconciler: reconciler,
		logger:     logger,
		dogs:       make(map[string]*Watchdog),
	}
}

// Ensure returns the project's watchdog, starting it if necessary. The loop
// runs until the given context ends, the pool stops it, or the project's
// schema disappears.
func (p *Pool) Ensure(ctx context.Context, project string) *Watchdog {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dog, ok := p.dogs[project]; ok {
		select {
		case <-dog.done:
			// Self-terminated (project deleted); replace below.
		default:
			return dog
		}
	}

	dog := newWatchdog(project, p.store, p.tasks, p.launcher, p.reconciler, p.logger)
	p.dogs[project] = dog
	go dog.run(ctx)
	return dog
}

// Nudge pokes a running watchdog; it never starts one.
func (p *Pool) Nudge(project string, recheck bool) {
	p.mu.Lock()
	dog := p.dogs[project]
	p.mu.Unlock()
	if dog != nil {
		dog.Nudge(recheck)
	}
}

// Stop terminates one project's watchdog.
func (p *Pool) Stop(project string) {
	p.mu.Lock()
	dog := p.dogs[project]
	delete(p.dogs, project)
	p.mu.Unlock()
	if dog != nil {
		dog.Stop()
	}
}

// StopAll terminates every watchdog; used at shutdown.
func (p *Pool) StopAll() {
	p.mu.Lock()
	dogs := make([]*Watchdog, 0, len(p.dogs))
	for _, dog := range p.dogs {
		dogs = append(dogs, dog)
	}
	p.dogs = make(map[string]*Watchdog)
	p.mu.Unlock()

	for _, dog := range dogs {
		dog.Stop()
	}
}
