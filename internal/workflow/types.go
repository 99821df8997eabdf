// Package workflow defines the declarative workflow document model and the
// compiler that expands documents into broker-submittable task graphs.
package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Task kinds accepted in a workflow document. Repeater and connector are
// reserved kinds that compile to no-ops.
const (
	KindTrain     = "train"
	KindInference = "inference"
	KindRepeater  = "repeater"
	KindConnector = "connector"
)

// InvalidWorkflowError reports a document that cannot be compiled.
type InvalidWorkflowError struct {
	Reason string
}

func (e *InvalidWorkflowError) Error() string {
	return "invalid workflow: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidWorkflowError{Reason: fmt.Sprintf(format, args...)}
}

// TaskSpec is one step of a workflow document. In JSON it is either a bare
// type name ("train", "inference") or an object with id, type and kwargs.
type TaskSpec struct {
	ID     string         `json:"id,omitempty"`
	Type   string         `json:"type"`
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Epoch counters assigned during compilation.
	Epoch     int `json:"epoch,omitempty"`
	NumEpochs int `json:"numEpochs,omitempty"`
}

// UnmarshalJSON accepts both the bare-string and the object form.
func (t *TaskSpec) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Type = strings.TrimSpace(name)
		return nil
	}

	type plain TaskSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = TaskSpec(p)
	t.Type = strings.TrimSpace(t.Type)
	return nil
}

// HasData reports whether the spec carries a pre-bound image list, in which
// case compilation skips the image-acquisition subgraph.
func (t TaskSpec) HasData() bool {
	if t.Kwargs == nil {
		return false
	}
	data, ok := t.Kwargs["data"]
	return ok && data != nil
}

// clone returns a deep-enough copy: kwargs maps are copied one level so
// repeater expansion yields independent specs.
func (t TaskSpec) clone() TaskSpec {
	out := t
	if t.Kwargs != nil {
		out.Kwargs = make(map[string]any, len(t.Kwargs))
		for k, v := range t.Kwargs {
			out.Kwargs[k] = v
		}
	}
	return out
}

// RepeaterSpec duplicates the contiguous range [end_node, start_node] of the
// task list a number of times.
type RepeaterSpec struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type,omitempty"`
	StartNode string         `json:"start_node"`
	EndNode   string         `json:"end_node"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

// Repetitions extracts num_repetitions from the repeater kwargs.
func (r RepeaterSpec) Repetitions() (int, error) {
	raw, ok := r.Kwargs["num_repetitions"]
	if !ok {
		return 0, nil
	}
	n, err := asInt(raw)
	if err != nil {
		return 0, invalidf("repeater %q: num_repetitions: %v", r.ID, err)
	}
	return n, nil
}

// Document is a caller-declared workflow: ordered task specs, optional
// repeaters, and a global options map merged into every task's kwargs.
type Document struct {
	Tasks     []TaskSpec              `json:"tasks"`
	Repeaters map[string]RepeaterSpec `json:"repeaters,omitempty"`
	Options   map[string]any          `json:"options,omitempty"`
}

// Parse decodes and structurally validates a workflow document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidf("malformed document: %v", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks task kinds and repeater references without consulting any
// external state.
func (d *Document) Validate() error {
	if len(d.Tasks) == 0 {
		return invalidf("document defines no tasks")
	}

	ids := make(map[string]struct{}, len(d.Tasks))
	for i, task := range d.Tasks {
		switch task.Type {
		case KindTrain, KindInference, KindConnector:
		case KindRepeater:
			return invalidf("task %d: repeaters belong in the repeaters map, not the task list", i)
		default:
			return invalidf("task %d: unknown type %q", i, task.Type)
		}
		if task.ID != "" {
			ids[task.ID] = struct{}{}
		}
	}

	for key, rep := range d.Repeaters {
		if _, ok := ids[rep.StartNode]; !ok {
			return invalidf("repeater %q: start_node %q not found", key, rep.StartNode)
		}
		if _, ok := ids[rep.EndNode]; !ok {
			return invalidf("repeater %q: end_node %q not found", key, rep.EndNode)
		}
		n, err := rep.Repetitions()
		if err != nil {
			return err
		}
		if n < 0 {
			return invalidf("repeater %q: num_repetitions must be >= 0, got %d", key, n)
		}
	}
	return nil
}

// Marshal serializes the document for persistence in a history row.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float32:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		return int(n), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
			return 0, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("not an integer: %T", value)
	}
}
