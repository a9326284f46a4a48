package config_test

import (
	"strings"
	"testing"

	"stageline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("credentialing")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pipeline.Name != "credentialing" {
		t.Fatalf("pipeline name: %s", cfg.Pipeline.Name)
	}
}

func TestFromYAMLRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing pipeline name",
			yaml: "stages:\n  - name: a\n    start: true\n",
			want: "pipeline.name",
		},
		{
			name: "no stages",
			yaml: "pipeline:\n  name: p\n",
			want: "stages",
		},
		{
			name: "no start stage",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n",
			want: "start",
		},
		{
			name: "duplicate stage",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n    start: true\n  - name: a\n",
			want: "twice",
		},
		{
			name: "unknown successor",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n    start: true\n    allowed_next: [b]\n",
			want: "unknown stage",
		},
		{
			name: "bad duration",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n    start: true\n    estimated_duration: 3days\n",
			want: "estimated_duration",
		},
		{
			name: "unknown capability",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n    start: true\nroles:\n  r:\n    capabilities: [fly]\n",
			want: "capability",
		},
		{
			name: "unknown webhook urgency",
			yaml: "pipeline:\n  name: p\nstages:\n  - name: a\n    start: true\nwebhooks:\n  - url: http://x\n    urgencies: [urgent]\n",
			want: "urgency",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRoleCan(t *testing.T) {
	cfg := config.Default("p")
	if !cfg.RoleCan("admin", config.CapApprove) {
		t.Fatalf("admin should approve")
	}
	if !cfg.RoleCan("consultant", config.CapTransition) {
		t.Fatalf("consultant should transition")
	}
	if cfg.RoleCan("consultant", config.CapApprove) {
		t.Fatalf("consultant should not approve")
	}
	if cfg.RoleCan("auditor", config.CapTransition) || cfg.RoleCan("nobody", config.CapTransition) {
		t.Fatalf("unexpected capability grant")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("intake")))
	if err != nil {
		t.Fatalf("generated default invalid: %v", err)
	}
	if cfg.Pipeline.Name != "intake" {
		t.Fatalf("pipeline name: %s", cfg.Pipeline.Name)
	}
}
