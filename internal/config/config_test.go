package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const policyYAML = `
top_k: 8
excluded_dirs: ["node_modules", "third_party"]
keywords: ["tool", "endpoint"]
token_weight: 30
max_context_bytes: 4096
`

func TestParsePolicy_Overrides(t *testing.T) {
	p, err := ParsePolicy([]byte(policyYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TopK != 8 {
		t.Errorf("TopK = %d, want 8", p.TopK)
	}
	if len(p.ExcludedDirs) != 2 || p.ExcludedDirs[1] != "third_party" {
		t.Errorf("ExcludedDirs = %v", p.ExcludedDirs)
	}
	if p.TokenWeight != 30 {
		t.Errorf("TokenWeight = %v, want 30", p.TokenWeight)
	}
	if p.MaxContextBytes != 4096 {
		t.Errorf("MaxContextBytes = %d, want 4096", p.MaxContextBytes)
	}
	// Untouched fields keep defaults.
	if p.KeywordWeight != 10 {
		t.Errorf("KeywordWeight = %v, want default 10", p.KeywordWeight)
	}
	if p.MaxFileLines != 500 {
		t.Errorf("MaxFileLines = %d, want default 500", p.MaxFileLines)
	}
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"top_k too large", "top_k: 1000", "top_k"},
		{"tiny context", "max_context_bytes: 10", "max_context_bytes"},
		{"bad extension", `source_extensions: ["go"]`, "source_extensions[0]"},
		{"not yaml", "top_k: [", "parse policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.TopK != 20 {
		t.Errorf("TopK = %d, want 20", p.TopK)
	}
	found := false
	for _, d := range p.ExcludedDirs {
		if d == "node_modules" {
			found = true
		}
	}
	if !found {
		t.Error("node_modules should be excluded by default")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("top_k: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FEEDBACK_ENV_PATH", filepath.Join(dir, "missing.env"))
	t.Setenv("FEEDBACK_DB_PATH", filepath.Join(dir, "fb.db"))
	t.Setenv("FEEDBACK_API_KEY", "secret")
	t.Setenv("PATCHWORK_POLICY_FILE", policyPath)
	t.Setenv("MAX_CONTEXT_BYTES", "9000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "secret" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.HTTPPort != "8099" {
		t.Errorf("HTTPPort = %q, want default 8099", cfg.HTTPPort)
	}
	if cfg.Policy.TopK != 5 {
		t.Errorf("Policy.TopK = %d, want 5", cfg.Policy.TopK)
	}
	if cfg.Policy.MaxContextBytes != 9000 {
		t.Errorf("Policy.MaxContextBytes = %d, want 9000", cfg.Policy.MaxContextBytes)
	}
	if !cfg.Debug() {
		t.Error("Debug() should be true for LOG_LEVEL=debug")
	}
}

func TestLoad_MissingPolicyFile(t *testing.T) {
	t.Setenv("FEEDBACK_ENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PATCHWORK_POLICY_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for a missing policy file")
	}
}
