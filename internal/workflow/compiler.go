package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/antigravity-dev/labelforge/internal/graph"
)

// ProjectDefaults are the per-project values merged into task kwargs during
// compilation.
type ProjectDefaults struct {
	MinAnnoPerImage       int
	MaxNumImagesTrain     int
	MaxNumImagesInference int
	ModelLibrary          string
}

// DefaultsSource loads project defaults from the store.
type DefaultsSource interface {
	CompilerDefaults(ctx context.Context, project string) (ProjectDefaults, error)
}

// WorkerCounter resolves the number of live workers advertising a queue.
type WorkerCounter interface {
	WorkerCount(ctx context.Context, queue string) (int, error)
}

// OptionChecker validates model-specific settings for a library. known is
// false when the library exposes no verifier, in which case settings pass
// through untouched.
type OptionChecker interface {
	CheckOptions(library string, opts map[string]any) (valid bool, known bool)
}

// Compiled is the result of expanding a workflow document.
type Compiled struct {
	Root  graph.Chain
	Specs []TaskSpec
}

// Compiler expands workflow documents into task graphs.
type Compiler struct {
	defaults DefaultsSource
	workers  WorkerCounter
	options  OptionChecker
	logger   *slog.Logger
}

// NewCompiler wires a compiler. options may be nil when no model registry is
// available; settings then pass through unchecked.
func NewCompiler(defaults DefaultsSource, workers WorkerCounter, options OptionChecker, logger *slog.Logger) *Compiler {
	return &Compiler{
		defaults: defaults,
		workers:  workers,
		options:  options,
		logger:   logger.With("component", "compiler"),
	}
}

// Compile expands a document for a project into a concrete task graph. With
// verifyOnly the broker is not consulted and the graph is built solely to
// surface compilation errors.
func (c *Compiler) Compile(ctx context.Context, project string, doc *Document, verifyOnly bool) (*Compiled, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	defaults, err := c.defaults.CompilerDefaults(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("load project defaults: %w", err)
	}

	maxWorkers := 1
	if !verifyOnly {
		n, err := c.workers.WorkerCount(ctx, QueueAIWorker)
		if err != nil {
			c.logger.Warn("could not resolve worker count, assuming one worker",
				"project", project, "error", err)
			n = 1
		}
		maxWorkers = n
	}

	specs, err := expandRepeaters(doc)
	if err != nil {
		return nil, err
	}

	specs = c.fillKwargs(specs, doc.Options, defaults, maxWorkers)
	c.checkModelSettings(project, defaults.ModelLibrary, specs)

	root, err := c.emit(project, defaults, specs)
	if err != nil {
		return nil, err
	}

	return &Compiled{Root: root, Specs: specs}, nil
}

// expandRepeaters splices repeated subranges into the task list. For each
// repeater the contiguous range [end_node, start_node] (inclusive) is
// duplicated num_repetitions times immediately after start_node. Repeaters
// are processed in forward order of their start nodes.
func expandRepeaters(doc *Document) ([]TaskSpec, error) {
	specs := make([]TaskSpec, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		specs = append(specs, task.clone())
	}
	if len(doc.Repeaters) == 0 {
		return specs, nil
	}

	indexOf := func(list []TaskSpec, id string) int {
		for i, spec := range list {
			if spec.ID == id {
				return i
			}
		}
		return -1
	}

	repeaters := make([]RepeaterSpec, 0, len(doc.Repeaters))
	for _, rep := range doc.Repeaters {
		repeaters = append(repeaters, rep)
	}
	sort.Slice(repeaters, func(i, j int) bool {
		return indexOf(specs, repeaters[i].StartNode) < indexOf(specs, repeaters[j].StartNode)
	})

	for _, rep := range repeaters {
		reps, err := rep.Repetitions()
		if err != nil {
			return nil, err
		}
		if reps == 0 {
			continue
		}

		startIdx := indexOf(specs, rep.StartNode)
		endIdx := indexOf(specs, rep.EndNode)
		if startIdx < 0 {
			return nil, invalidf("repeater %q: start_node %q not found", rep.ID, rep.StartNode)
		}
		if endIdx < 0 {
			return nil, invalidf("repeater %q: end_node %q not found", rep.ID, rep.EndNode)
		}
		if endIdx > startIdx {
			return nil, invalidf("repeater %q: end_node %q follows start_node %q", rep.ID, rep.EndNode, rep.StartNode)
		}

		block := make([]TaskSpec, 0, (startIdx-endIdx+1)*reps)
		for r := 0; r < reps; r++ {
			for i := endIdx; i <= startIdx; i++ {
				block = append(block, specs[i].clone())
			}
		}

		expanded := make([]TaskSpec, 0, len(specs)+len(block))
		expanded = append(expanded, specs[:startIdx+1]...)
		expanded = append(expanded, block...)
		expanded = append(expanded, specs[startIdx+1:]...)
		specs = expanded
	}

	return specs, nil
}

// fillKwargs merges kwargs in priority order (existing value, document
// options, project default, built-in default), clamps max_num_workers and
// assigns epoch counters.
func (c *Compiler) fillKwargs(specs []TaskSpec, options map[string]any, defaults ProjectDefaults, maxWorkers int) []TaskSpec {
	epoch := 0
	for i := range specs {
		spec := &specs[i]
		switch spec.Type {
		case KindTrain, KindInference:
		default:
			continue
		}

		merged := defaultArgsFor(spec.Type)
		switch spec.Type {
		case KindTrain:
			merged["min_anno_per_image"] = defaults.MinAnnoPerImage
			merged["max_num_images"] = defaults.MaxNumImagesTrain
		case KindInference:
			merged["max_num_images"] = defaults.MaxNumImagesInference
		}
		for key, value := range options {
			merged[key] = value
		}
		for key, value := range spec.Kwargs {
			merged[key] = value
		}

		merged["max_num_workers"] = clampWorkers(merged["max_num_workers"], maxWorkers)

		if spec.Type == KindTrain {
			epoch++
		}
		spec.Kwargs = merged
		spec.Epoch = epoch
	}

	for i := range specs {
		specs[i].NumEpochs = epoch
	}
	return specs
}

// clampWorkers resolves the effective worker count: -1 means all available,
// anything else is capped at the live worker count, with a floor of one.
func clampWorkers(requested any, available int) int {
	n, err := asInt(requested)
	if err != nil {
		n = 1
	}
	if n < 0 {
		n = available
	}
	if n > available {
		n = available
	}
	if n < 1 {
		n = 1
	}
	return n
}

// checkModelSettings drops ai_model_settings from specs the model library
// rejects; the workflow proceeds with model defaults rather than failing.
func (c *Compiler) checkModelSettings(project, library string, specs []TaskSpec) {
	if c.options == nil || library == "" {
		return
	}
	for i := range specs {
		settings, ok := specs[i].Kwargs["ai_model_settings"].(map[string]any)
		if !ok {
			continue
		}
		valid, known := c.options.CheckOptions(library, settings)
		if known && !valid {
			c.logger.Warn("model settings rejected by library, using model defaults",
				"project", project, "library", library, "task", specs[i].ID)
			delete(specs[i].Kwargs, "ai_model_settings")
		}
	}
}

// emit builds the root chain: one subgraph per train/inference spec, with an
// image-acquisition prefix when the spec carries no pre-bound data. The first
// emitted acquisition runs in a group with a model-update task so a fresh
// model state loads in parallel with image listing.
func (c *Compiler) emit(project string, defaults ProjectDefaults, specs []TaskSpec) (graph.Chain, error) {
	var steps []graph.Node
	first := true
	for _, spec := range specs {
		switch spec.Type {
		case KindConnector:
			continue
		case KindTrain, KindInference:
		default:
			return graph.Chain{}, invalidf("unknown task type %q", spec.Type)
		}

		step, err := c.emitStep(project, defaults, spec, first)
		if err != nil {
			return graph.Chain{}, err
		}
		steps = append(steps, step)
		first = false
	}
	if len(steps) == 0 {
		return graph.Chain{}, invalidf("document compiles to an empty graph")
	}
	return graph.Chain{Steps: steps}, nil
}

func (c *Compiler) emitStep(project string, defaults ProjectDefaults, spec TaskSpec, first bool) (graph.Node, error) {
	numWorkers, err := asInt(spec.Kwargs["max_num_workers"])
	if err != nil || numWorkers < 1 {
		numWorkers = 1
	}

	kwargs := taskKwargs(project, spec)

	var call graph.Node
	switch spec.Type {
	case KindTrain:
		if numWorkers == 1 {
			call = graph.Single{Sig: graph.Signature{Name: TaskTrain, Queue: QueueAIWorker, Kwargs: kwargs}}
		} else {
			items := make([]graph.Node, numWorkers)
			for i := 0; i < numWorkers; i++ {
				kw := taskKwargs(project, spec)
				kw["worker_index"] = i
				items[i] = graph.Single{Sig: graph.Signature{Name: TaskTrain, Queue: QueueAIWorker, Kwargs: kw}}
			}
			call = graph.Chord{
				Header: graph.Group{Items: items},
				Body: graph.Single{Sig: graph.Signature{
					Name:   TaskAverageModelStates,
					Queue:  QueueAIWorker,
					Kwargs: map[string]any{"project": project},
				}},
			}
		}
	case KindInference:
		if numWorkers == 1 {
			call = graph.Single{Sig: graph.Signature{Name: TaskInference, Queue: QueueAIWorker, Kwargs: kwargs}}
		} else {
			items := make([]graph.Node, numWorkers)
			for i := 0; i < numWorkers; i++ {
				kw := taskKwargs(project, spec)
				kw["worker_index"] = i
				items[i] = graph.Single{Sig: graph.Signature{Name: TaskInference, Queue: QueueAIWorker, Kwargs: kw}}
			}
			call = graph.Group{Items: items}
		}
	}

	if spec.HasData() {
		return call, nil
	}

	acquireName := TaskGetTrainingImages
	if spec.Type == KindInference {
		acquireName = TaskGetInferenceImages
	}
	acquire := graph.Single{Sig: graph.Signature{
		Name:   acquireName,
		Queue:  QueueAIController,
		Kwargs: taskKwargs(project, spec),
	}}

	var prefix graph.Node = acquire
	if first {
		prefix = graph.Group{Items: []graph.Node{
			acquire,
			graph.Single{Sig: graph.Signature{
				Name:  TaskUpdateModel,
				Queue: QueueAIWorker,
				Kwargs: map[string]any{
					"project":       project,
					"model_library": defaults.ModelLibrary,
				},
			}},
		}}
	}

	return graph.Chain{Steps: []graph.Node{prefix, call}}, nil
}

// taskKwargs copies the spec kwargs onto the wire signature, tagging the
// project and epoch counters.
func taskKwargs(project string, spec TaskSpec) map[string]any {
	kwargs := make(map[string]any, len(spec.Kwargs)+3)
	for k, v := range spec.Kwargs {
		kwargs[k] = v
	}
	kwargs["project"] = project
	kwargs["epoch"] = spec.Epoch
	kwargs["numEpochs"] = spec.NumEpochs
	return kwargs
}
