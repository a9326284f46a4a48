// Package registry exposes the immutable stage catalog the engine validates
// transitions against. A Registry is built once from configuration at process
// start; swapping definitions requires constructing a new Registry.
package registry

import (
	"fmt"
	"time"

	"stageline/internal/config"
)

// UnknownStageError indicates a stage name with no configured definition.
type UnknownStageError struct {
	Stage string
}

func (e UnknownStageError) Error() string {
	return fmt.Sprintf("unknown stage %s", e.Stage)
}

// StageDefinition is the runtime form of one configured stage.
type StageDefinition struct {
	Name              string        `json:"name"`
	DisplayName       string        `json:"display_name"`
	Description       string        `json:"description,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	RequiresApproval  bool          `json:"requires_approval"`
	Start             bool          `json:"start"`
	AllowedNext       []string      `json:"allowed_next"`

	allowed map[string]bool
}

// Allows reports whether next is a legal successor of this stage.
func (d StageDefinition) Allows(next string) bool {
	return d.allowed[next]
}

// Registry is a read-only lookup over stage definitions, in configured order.
type Registry struct {
	order []string
	defs  map[string]StageDefinition
}

// FromConfig builds a Registry from validated configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	r := &Registry{defs: make(map[string]StageDefinition, len(cfg.Stages))}
	for _, s := range cfg.Stages {
		var est time.Duration
		if s.EstimatedDuration != "" {
			d, err := time.ParseDuration(s.EstimatedDuration)
			if err != nil {
				return nil, fmt.Errorf("stage %s: %w", s.Name, err)
			}
			est = d
		}
		def := StageDefinition{
			Name:              s.Name,
			DisplayName:       s.DisplayName,
			Description:       s.Description,
			EstimatedDuration: est,
			RequiresApproval:  s.RequiresApproval,
			Start:             s.Start,
			AllowedNext:       append([]string(nil), s.AllowedNext...),
			allowed:           make(map[string]bool, len(s.AllowedNext)),
		}
		for _, next := range s.AllowedNext {
			def.allowed[next] = true
		}
		if _, dup := r.defs[s.Name]; dup {
			return nil, fmt.Errorf("stage %s defined twice", s.Name)
		}
		r.defs[s.Name] = def
		r.order = append(r.order, s.Name)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no stages configured")
	}
	return r, nil
}

// DefinitionOf looks up a stage definition.
func (r *Registry) DefinitionOf(stage string) (StageDefinition, error) {
	def, ok := r.defs[stage]
	if !ok {
		return StageDefinition{}, UnknownStageError{Stage: stage}
	}
	return def, nil
}

// IsStart reports whether the stage is a configured entry point.
func (r *Registry) IsStart(stage string) bool {
	return r.defs[stage].Start
}

// Stages returns stage names in configured order.
func (r *Registry) Stages() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns all definitions in configured order.
func (r *Registry) Definitions() []StageDefinition {
	out := make([]StageDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}
