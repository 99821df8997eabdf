// Package models holds the registry of prediction and ranking (active
// learning criterion) model adapters. The registry is populated once at
// startup, sanitized, and read-only afterwards.
package models

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

// Kind separates prediction models from ranking criteria.
type Kind string

const (
	KindPrediction Kind = "prediction"
	KindRanking    Kind = "ranking"
)

// AnnotationTypes is the closed set of annotation and prediction types the
// platform knows.
var AnnotationTypes = map[string]bool{
	"labels":            true,
	"points":            true,
	"boundingBoxes":     true,
	"polygons":          true,
	"segmentationMasks": true,
}

// Metadata describes a model adapter for discovery.
type Metadata struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Author          string   `json:"author"`
	AnnotationTypes []string `json:"annotation_types"`
	PredictionTypes []string `json:"prediction_types"`
}

// Adapter is the minimal capability every registered model exposes.
type Adapter interface {
	Library() string
	Metadata() Metadata
}

// Verdict is the outcome of option verification.
type Verdict struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// OptionVerifier is the optional capability to self-check settings before a
// workflow is emitted.
type OptionVerifier interface {
	VerifyOptions(opts map[string]any) Verdict
}

// OptionDefaulter is the optional capability to supply default settings.
type OptionDefaulter interface {
	DefaultOptions() map[string]any
}

// Entry is one sanitized registry record.
type Entry struct {
	Library        string
	Kind           Kind
	Meta           Metadata
	DefaultOptions map[string]any

	adapter Adapter
}

// Registry maps library keys to adapters, per kind.
type Registry struct {
	logger *slog.Logger
	strip  *bluemonday.Policy

	mu      sync.RWMutex
	frozen  bool
	entries map[Kind]map[string]*Entry
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "models"),
		strip:  bluemonday.StrictPolicy(),
		entries: map[Kind]map[string]*Entry{
			KindPrediction: {},
			KindRanking:    {},
		},
	}
}

// Register sanitizes and records an adapter. Metadata strings are
// HTML-stripped; unknown annotation or prediction types are dropped with a
// warning, and an adapter left with none is excluded entirely.
func (r *Registry) Register(kind Kind, adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("models: registry is frozen")
	}

	library := adapter.Library()
	if library == "" {
		return fmt.Errorf("models: adapter without library key")
	}
	if _, exists := r.entries[kind][library]; exists {
		return fmt.Errorf("models: duplicate library %q", library)
	}

	meta := adapter.Metadata()
	meta.Name = r.strip.Sanitize(meta.Name)
	meta.Description = r.strip.Sanitize(meta.Description)
	meta.Author = r.strip.Sanitize(meta.Author)
	meta.AnnotationTypes = r.filterTypes(library, "annotation", meta.AnnotationTypes)
	meta.PredictionTypes = r.filterTypes(library, "prediction", meta.PredictionTypes)

	if kind == KindPrediction && (len(meta.AnnotationTypes) == 0 || len(meta.PredictionTypes) == 0) {
		r.logger.Warn("excluding model with no usable types", "library", library)
		return nil
	}

	entry := &Entry{Library: library, Kind: kind, Meta: meta, adapter: adapter}
	if d, ok := adapter.(OptionDefaulter); ok {
		entry.DefaultOptions = d.DefaultOptions()
	}
	r.entries[kind][library] = entry
	return nil
}

func (r *Registry) filterTypes(library, role string, types []string) []string {
	var kept []string
	for _, t := range types {
		if !AnnotationTypes[t] {
			r.logger.Warn("dropping unknown type", "library", library, "role", role, "type", t)
			continue
		}
		kept = append(kept, t)
	}
	return kept
}

// Freeze makes the registry read-only for the rest of the process lifetime.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get looks up one entry.
func (r *Registry) Get(kind Kind, library string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind][library]
	return e, ok
}

// List returns every entry of a kind. With annotationType and predictionType
// set, only compatible prediction models are returned.
func (r *Registry) List(kind Kind, annotationType, predictionType string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries[kind] {
		if kind == KindPrediction && annotationType != "" {
			if !contains(e.Meta.AnnotationTypes, annotationType) ||
				!contains(e.Meta.PredictionTypes, predictionType) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func contains(types []string, t string) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// Verify checks model settings against a library's verifier. Libraries that
// expose no verifier pass with a warning; unknown libraries fail.
func (r *Registry) Verify(library string, opts map[string]any) Verdict {
	entry, ok := r.Get(KindPrediction, library)
	if !ok {
		return Verdict{Valid: false, Errors: []string{fmt.Sprintf("unknown model library %q", library)}}
	}
	if v, ok := entry.adapter.(OptionVerifier); ok {
		return v.VerifyOptions(opts)
	}
	return Verdict{
		Valid:    true,
		Warnings: []string{fmt.Sprintf("model library %q does not support option verification", library)},
	}
}

// CheckOptions adapts the registry to the compiler's option check: known is
// false when the library has no verifier (or is unknown), letting settings
// pass through untouched.
func (r *Registry) CheckOptions(library string, opts map[string]any) (valid bool, known bool) {
	entry, ok := r.Get(KindPrediction, library)
	if !ok {
		return false, false
	}
	v, ok := entry.adapter.(OptionVerifier)
	if !ok {
		return false, false
	}
	return v.VerifyOptions(opts).Valid, true
}
