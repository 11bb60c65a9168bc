package settings

import (
	"context"
	"strings"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/core"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
)

// Toolchain builds fresh GitHub and model clients from the current settings,
// so credential changes apply to the next attempt without a restart.
func (s *Store) Toolchain(ctx context.Context) (*core.Toolchain, error) {
	v, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case v.GitHubRepo == "":
		return nil, apperr.Validation(keyGitHubRepo, "target repository is not configured")
	case v.GitHubToken == "":
		return nil, apperr.Validation("github_pat", "GitHub token is not configured")
	case v.LLMProvider == ProviderAnthropic && v.AnthropicKey == "":
		return nil, apperr.Validation("anthropic_api_key", "Anthropic API key is not configured")
	case v.LLMProvider != ProviderAnthropic && v.GeminiAPIKey == "":
		return nil, apperr.Validation("gemini_api_key", "Gemini API key is not configured")
	}

	ref, err := repo.ParseRef(v.GitHubRepo, v.DefaultBranch)
	if err != nil {
		return nil, apperr.Validation(keyGitHubRepo, err.Error())
	}
	tc := &core.Toolchain{Repo: ref, Publisher: repo.NewGitHubClient(v.GitHubToken)}

	switch v.LLMProvider {
	case ProviderAnthropic:
		name := v.LLMModel
		if strings.HasPrefix(name, "gemini") {
			name = ""
		}
		tc.Model = core.NewAnthropicModel(v.AnthropicKey, name)
	case ProviderGemini, "":
		name := v.LLMModel
		if strings.HasPrefix(name, "claude") {
			name = ""
		}
		// The client outlives the request that started the attempt.
		model, err := core.NewGeminiModel(context.WithoutCancel(ctx), v.GeminiAPIKey, name)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, err, "cannot reach the model provider")
		}
		tc.Model, tc.Close = model, model.Close
	default:
		return nil, apperr.Validation(keyLLMProvider, "unsupported provider "+v.LLMProvider)
	}
	return tc, nil
}
