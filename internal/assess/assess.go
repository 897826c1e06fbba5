// Package assess scores finished run logs with pluggable evaluators. The
// built-in evaluators are opaque LLM classifiers; callers only ever see the
// label they return.
package assess

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// RiskMethod is the risk-level evaluator whose label is force-overridden
// when an attack detector fires.
const RiskMethod = "aria"

// HarmMethod is the harm-taxonomy evaluator.
const HarmMethod = "dharma"

// MaxRiskLabel is the most severe risk-level label.
const MaxRiskLabel = "4"

// Evaluator classifies a raw execution log. The engine identifier lets an
// evaluator adapt to engine-specific log formats.
type Evaluator func(rawLog, engine string) (string, error)

// Registry holds named evaluators.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Evaluator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Evaluator)}
}

// Register adds or replaces one evaluator.
func (r *Registry) Register(name string, fn Evaluator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = fn
}

// Get looks up one evaluator.
func (r *Registry) Get(name string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.methods[name]
	return fn, ok
}

// Methods lists the registered evaluator names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the requested methods over the log. Unknown methods are
// skipped with a warning; a failing evaluator contributes no label.
func (r *Registry) Evaluate(rawLog, engine string, methods []string) map[string]string {
	results := make(map[string]string, len(methods))
	for _, method := range methods {
		fn, ok := r.Get(method)
		if !ok {
			slog.Warn("unknown assessment method", "method", method)
			continue
		}
		label, err := fn(rawLog, engine)
		if err != nil {
			slog.Error("assessment method failed", "method", method, "error", err)
			continue
		}
		results[method] = label
	}
	return results
}

// Static returns an evaluator that always yields the same label, useful for
// tests and dry runs.
func Static(label string) Evaluator {
	return func(string, string) (string, error) { return label, nil }
}

// Failing returns an evaluator that always errors.
func Failing(msg string) Evaluator {
	return func(string, string) (string, error) { return "", fmt.Errorf("%s", msg) }
}
