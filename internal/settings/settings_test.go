package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/core"
)

func strPtr(s string) *string { return &s }

func newTestStore(t *testing.T, defaults Values) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	s, err := Open(filepath.Join(dir, "settings.db"), envPath, defaults)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, envPath
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "****"},
		{"ghp_1234567890abcd", "****abcd"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestView_DefaultsFromEnvironment(t *testing.T) {
	s, _ := newTestStore(t, Values{GitHubRepo: "acme/costs", GitHubToken: "ghp_secrettoken1234"})

	v, err := s.View(context.Background())
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if v.GitHubRepo != "acme/costs" || v.LLMProvider != ProviderGemini {
		t.Errorf("view = %+v", v)
	}
	if v.GitHubPAT != "****1234" {
		t.Errorf("GitHubPAT = %q, want masked", v.GitHubPAT)
	}
	if v.Configured {
		t.Error("Configured should be false without a Gemini key")
	}
}

func TestSave_PersistsPreferencesAndSecrets(t *testing.T) {
	s, envPath := newTestStore(t, Values{})
	ctx := context.Background()

	v, err := s.Save(ctx, Update{
		GitHubRepo:   strPtr("https://github.com/acme/costs"),
		LLMModel:     strPtr("gemini-2.5-pro"),
		GitHubPAT:    strPtr("ghp_aaaaaaaa9999"),
		GeminiAPIKey: strPtr("AIzaXYZ0000"),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !v.Configured {
		t.Errorf("view should be configured: %+v", v)
	}
	if v.GeminiAPIKey != "****0000" || strings.Contains(v.GitHubPAT, "aaaa") {
		t.Errorf("secrets must be masked: %+v", v)
	}

	env, err := godotenv.Read(envPath)
	if err != nil {
		t.Fatalf("read env: %v", err)
	}
	if env["GITHUB_PAT"] != "ghp_aaaaaaaa9999" || env["GEMINI_API_KEY"] != "AIzaXYZ0000" {
		t.Errorf("env file = %v", env)
	}

	vals, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if vals.LLMModel != "gemini-2.5-pro" || vals.GitHubToken != "ghp_aaaaaaaa9999" {
		t.Errorf("values = %+v", vals)
	}

	// Echoing the masked value back must not overwrite the secret.
	if _, err := s.Save(ctx, Update{GitHubPAT: strPtr(v.GitHubPAT)}); err != nil {
		t.Fatalf("Save masked: %v", err)
	}
	if vals, _ = s.Load(ctx); vals.GitHubToken != "ghp_aaaaaaaa9999" {
		t.Errorf("masked echo overwrote the token: %q", vals.GitHubToken)
	}
}

func TestSave_KeepsOtherEnvEntries(t *testing.T) {
	s, envPath := newTestStore(t, Values{})
	if err := os.WriteFile(envPath, []byte("FEEDBACK_PORT=9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(context.Background(), Update{GeminiAPIKey: strPtr("AIzaKEY1")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	env, _ := godotenv.Read(envPath)
	if env["FEEDBACK_PORT"] != "9000" {
		t.Errorf("unrelated entries must survive: %v", env)
	}
}

func TestSave_Validation(t *testing.T) {
	s, _ := newTestStore(t, Values{})
	tests := []struct {
		name  string
		u     Update
		field string
	}{
		{"bad repo", Update{GitHubRepo: strPtr("not a repo")}, "github_repo"},
		{"bad provider", Update{LLMProvider: strPtr("openai")}, "llm_provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Save(context.Background(), tt.u)
			if !apperr.Is(err, apperr.KindValidation) || apperr.FieldOf(err) != tt.field {
				t.Errorf("err = %v, want validation on %s", err, tt.field)
			}
		})
	}
}

func TestToolchain_RequiresConfiguration(t *testing.T) {
	s, _ := newTestStore(t, Values{GitHubRepo: "acme/costs"})

	_, err := s.Toolchain(context.Background())
	if !apperr.Is(err, apperr.KindValidation) || apperr.FieldOf(err) != "github_pat" {
		t.Errorf("err = %v, want validation on github_pat", err)
	}
}

func TestSave_AnthropicProvider(t *testing.T) {
	s, envPath := newTestStore(t, Values{GitHubRepo: "acme/costs", GitHubToken: "ghp_token00001111"})
	ctx := context.Background()

	v, err := s.Save(ctx, Update{LLMProvider: strPtr("Anthropic")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if v.LLMProvider != ProviderAnthropic || v.Configured {
		t.Errorf("view = %+v, want anthropic and not configured without its key", v)
	}
	if _, err := s.Toolchain(ctx); !apperr.Is(err, apperr.KindValidation) || apperr.FieldOf(err) != "anthropic_api_key" {
		t.Errorf("Toolchain err = %v, want validation on anthropic_api_key", err)
	}

	v, err = s.Save(ctx, Update{AnthropicKey: strPtr("sk-ant-secret4321")})
	if err != nil {
		t.Fatalf("Save key: %v", err)
	}
	if v.AnthropicKey != "****4321" || !v.Configured {
		t.Errorf("view = %+v, want masked key and configured", v)
	}
	if env, _ := godotenv.Read(envPath); env["ANTHROPIC_API_KEY"] != "sk-ant-secret4321" {
		t.Errorf("env file = %v", env)
	}

	tc, err := s.Toolchain(ctx)
	if err != nil {
		t.Fatalf("Toolchain: %v", err)
	}
	if _, ok := tc.Model.(*core.AnthropicModel); !ok {
		t.Errorf("model = %T, want *core.AnthropicModel", tc.Model)
	}
}
