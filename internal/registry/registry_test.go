package registry_test

import (
	"errors"
	"testing"
	"time"

	"stageline/internal/config"
	"stageline/internal/registry"
)

func TestFromConfigDefault(t *testing.T) {
	r, err := registry.FromConfig(config.Default("credentialing"))
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	stages := r.Stages()
	if len(stages) != 6 || stages[0] != "submitted" || stages[5] != "placed" {
		t.Fatalf("unexpected stage order: %v", stages)
	}
	if !r.IsStart("submitted") || r.IsStart("placed") {
		t.Fatalf("start flags wrong")
	}

	def, err := r.DefinitionOf("exam_scheduled")
	if err != nil {
		t.Fatal(err)
	}
	if def.EstimatedDuration != 336*time.Hour {
		t.Fatalf("estimated duration: %v", def.EstimatedDuration)
	}
	if !def.Allows("final_approval") || def.Allows("submitted") {
		t.Fatalf("allowed successors wrong: %v", def.AllowedNext)
	}

	fa, _ := r.DefinitionOf("final_approval")
	if !fa.RequiresApproval {
		t.Fatalf("final_approval should be approval gated")
	}
}

func TestUnknownStage(t *testing.T) {
	r, err := registry.FromConfig(config.Default("credentialing"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.DefinitionOf("bogus")
	var use registry.UnknownStageError
	if !errors.As(err, &use) || use.Stage != "bogus" {
		t.Fatalf("expected UnknownStageError, got %v", err)
	}
}

func TestDefinitionsAreCopies(t *testing.T) {
	r, err := registry.FromConfig(config.Default("credentialing"))
	if err != nil {
		t.Fatal(err)
	}
	defs := r.Definitions()
	defs[0].Name = "mutated"
	again, _ := r.DefinitionOf("submitted")
	if again.Name != "submitted" {
		t.Fatalf("registry leaked mutable state")
	}
}
