package controller

import (
	"context"

	"github.com/antigravity-dev/labelforge/internal/broker"
	"github.com/antigravity-dev/labelforge/internal/tracker"
	"github.com/antigravity-dev/labelforge/internal/watchdog"
	"github.com/antigravity-dev/labelforge/internal/workflow"
)

// StatusFlags select which sections of a status answer to assemble.
type StatusFlags struct {
	Project bool
	Tasks   bool
	Workers bool
	Nudge   bool
	Recheck bool
}

// Status is the check_status answer.
type Status struct {
	Project *watchdog.Info            `json:"project,omitempty"`
	Tasks   []*tracker.WorkflowStatus `json:"tasks,omitempty"`
	Workers []broker.WorkerInfo       `json:"workers,omitempty"`
}

// CheckStatus reports project training progress, running task trees and the
// live worker set. The first status request for a project starts its
// annotation watchdog; nudge and recheck shorten its next wake.
func (c *Controller) CheckStatus(ctx context.Context, project string, flags StatusFlags) (*Status, error) {
	if _, err := c.projectMeta(ctx, project); err != nil {
		return nil, err
	}

	var dog *watchdog.Watchdog
	if c.pool != nil {
		dog = c.pool.Ensure(ctx, project)
		if flags.Nudge || flags.Recheck {
			dog.Nudge(flags.Recheck)
		}
	}

	out := &Status{}

	if flags.Project && dog != nil {
		info := dog.Info()
		out.Project = &info
	}

	if flags.Tasks {
		running, err := c.tracker.Active(ctx, project)
		if err != nil {
			return nil, err
		}
		c.metrics.ActiveWorkflows.Set(float64(len(running)))
		for _, id := range running {
			status, err := c.tracker.Poll(ctx, project, id)
			if err != nil {
				c.logger.Warn("status poll failed", "project", project, "workflow", id, "error", err)
				continue
			}
			out.Tasks = append(out.Tasks, status)
		}
	}

	if flags.Workers {
		out.Workers = c.tasks.Snapshot()
	}
	return out, nil
}

// TrainingInfo is the get_ai_model_training_info answer: the configured
// model library plus the live workers per queue class.
type TrainingInfo struct {
	ModelLibrary string              `json:"ai_model_library"`
	Workers      map[string][]string `json:"workers"`
}

// GetAIModelTrainingInfo reports whether training is possible right now.
func (c *Controller) GetAIModelTrainingInfo(ctx context.Context, project string) (*TrainingInfo, error) {
	meta, err := c.projectMeta(ctx, project)
	if err != nil {
		return nil, err
	}

	info := &TrainingInfo{
		ModelLibrary: meta.AIModelLibrary,
		Workers: map[string][]string{
			workflow.QueueAIController: {},
			workflow.QueueAIWorker:     {},
		},
	}
	for _, w := range c.tasks.Snapshot() {
		for _, q := range w.Queues {
			if q == workflow.QueueAIController || q == workflow.QueueAIWorker {
				info.Workers[q] = append(info.Workers[q], w.ID)
			}
		}
	}
	return info, nil
}

// StopProject tears down the project's watchdog; called when a project is
// deleted.
func (c *Controller) StopProject(project string) {
	if c.pool != nil {
		c.pool.Stop(project)
	}
}
