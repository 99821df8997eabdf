// Package graph defines the broker-submittable task graph algebra.
//
// A compiled workflow is a tree of nodes: a Single wraps one broker task, a
// Group runs siblings in parallel, a Chord is a group followed by a barrier
// task, and a Chain composes subgraphs end-to-end. Only the broker adapter
// knows how a node is encoded on the wire.
package graph

import (
	"fmt"
	"strings"
)

// Signature describes one broker task invocation.
type Signature struct {
	Name   string         `json:"name"`
	Queue  string         `json:"queue,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// Node is one element of a task graph.
type Node interface {
	kind() string
}

// Single is a single broker task.
type Single struct {
	Sig Signature
}

// Group is a set of sibling subgraphs run in parallel.
type Group struct {
	Items []Node
}

// Chord is a group whose completion releases a barrier task.
type Chord struct {
	Header Group
	Body   Single
}

// Chain is a sequence of subgraphs composed end-to-end.
type Chain struct {
	Steps []Node
}

func (Single) kind() string { return "single" }
func (Group) kind() string  { return "group" }
func (Chord) kind() string  { return "chord" }
func (Chain) kind() string  { return "chain" }

// Walk visits every node in pre-order. Chains and chords expose their bodies:
// a chord is visited before its header items and then its body, a chain before
// its steps.
func Walk(n Node, visit func(Node)) {
	if n == nil {
		return
	}
	visit(n)
	switch t := n.(type) {
	case Single:
	case Group:
		for _, item := range t.Items {
			Walk(item, visit)
		}
	case Chord:
		for _, item := range t.Header.Items {
			Walk(item, visit)
		}
		Walk(t.Body, visit)
	case Chain:
		for _, step := range t.Steps {
			Walk(step, visit)
		}
	}
}

// TaskCount returns the number of Single nodes in the graph.
func TaskCount(n Node) int {
	count := 0
	Walk(n, func(node Node) {
		if _, ok := node.(Single); ok {
			count++
		}
	})
	return count
}

// TaskNames returns the names of all Single nodes in pre-order.
func TaskNames(n Node) []string {
	var names []string
	Walk(n, func(node Node) {
		if s, ok := node.(Single); ok {
			names = append(names, s.Sig.Name)
		}
	})
	return names
}

// String renders a compact structural description, useful in logs and tests.
func String(n Node) string {
	switch t := n.(type) {
	case nil:
		return "nil"
	case Single:
		return t.Sig.Name
	case Group:
		parts := make([]string, len(t.Items))
		for i, item := range t.Items {
			parts[i] = String(item)
		}
		return "group(" + strings.Join(parts, ", ") + ")"
	case Chord:
		return fmt.Sprintf("chord(%s -> %s)", String(t.Header), t.Body.Sig.Name)
	case Chain:
		parts := make([]string, len(t.Steps))
		for i, step := range t.Steps {
			parts[i] = String(step)
		}
		return "chain(" + strings.Join(parts, " | ") + ")"
	default:
		return "unknown"
	}
}
