package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
)

const (
	DefaultModelName = "gemini-2.0-flash"

	patchSystemInstruction = "You are a senior engineer improving an MCP server based on structured feedback from AI agents " +
		"that used it. Propose the smallest change that closes the reported gap. " +
		"Developer notes, when present, override anything else in the feedback. " +
		"Only touch files that exist in the listing unless you are creating a new one. " +
		"Return complete file contents, never diffs or placeholders. " +
		"Respond with a single JSON object matching the response schema and nothing else."
)

// StructuredPatch is the validated output of the model.
type StructuredPatch = repo.Patch

type Request struct {
	System string
	Prompt string
}

// Model is a single text-generation call constrained to the patch schema.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var patchSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"files": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"path":    {Type: genai.TypeString, Description: "Repository-relative file path"},
					"action":  {Type: genai.TypeString, Format: "enum", Enum: []string{"create", "modify"}},
					"content": {Type: genai.TypeString, Description: "Complete new file content"},
				},
				Required: []string{"path", "action", "content"},
			},
		},
		"commit_message": {Type: genai.TypeString},
		"pr_title":       {Type: genai.TypeString},
		"pr_body":        {Type: genai.TypeString},
	},
	Required: []string{"files", "commit_message", "pr_title", "pr_body"},
}

// GeminiModel implements Model on the Gemini API.
type GeminiModel struct {
	client    *genai.Client
	modelName string
}

func NewGeminiModel(ctx context.Context, apiKey, modelName string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModelName
	}
	return &GeminiModel{client: client, modelName: modelName}, nil
}

func (m *GeminiModel) Close() {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

func (m *GeminiModel) Generate(ctx context.Context, req Request) (string, error) {
	model := m.client.GenerativeModel(m.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}

	temp := float32(0.2)
	maxTokens := int32(16384)
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:      &temp,
		MaxOutputTokens:  &maxTokens,
		ResponseMIMEType: "application/json",
		ResponseSchema:   patchSchema,
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", apperr.Wrap(apperr.KindGenerationFailed, err, "gemini refused the prompt")
		}
		return "", fmt.Errorf("gemini generation request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		log.Printf("Gemini response hit the output token limit; it will likely fail validation")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	return text.String(), nil
}

type GeneratorConfig struct {
	// MaxRepairs is how many extra calls are made after a response fails validation.
	MaxRepairs int
	// MaxRetries bounds transport retries per call.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxFiles    int
}

func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxRepairs:  2,
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  8 * time.Second,
		MaxFiles:    10,
	}
}

// Generator turns a PromptContext into a validated patch. It never writes to
// the repository.
type Generator struct {
	model Model
	cfg   GeneratorConfig
}

func NewGenerator(model Model, cfg GeneratorConfig) *Generator {
	return &Generator{model: model, cfg: cfg}
}

func (g *Generator) Generate(ctx context.Context, pc *PromptContext) (*StructuredPatch, error) {
	prompt := pc.Render()
	req := Request{System: patchSystemInstruction, Prompt: prompt}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRepairs; attempt++ {
		if lastErr != nil {
			req.Prompt = prompt + fmt.Sprintf("\n\n## Previous answer was rejected\n%v\n"+
				"Return a corrected JSON object that satisfies the schema.\n", lastErr)
		}
		raw, err := g.call(ctx, req)
		if err != nil {
			return nil, err
		}
		patch, err := ParsePatch(raw, g.cfg.MaxFiles)
		if err == nil {
			return patch, nil
		}
		log.Printf("Model output failed validation (attempt %d/%d): %v", attempt+1, g.cfg.MaxRepairs+1, err)
		lastErr = err
	}
	return nil, apperr.Wrap(apperr.KindGenerationFailed, lastErr,
		"model output failed validation after %d attempts", g.cfg.MaxRepairs+1)
}

// call retries transient model failures with exponential backoff.
func (g *Generator) call(ctx context.Context, req Request) (string, error) {
	backoff := g.cfg.BaseBackoff
	for retry := 0; ; retry++ {
		raw, err := g.model.Generate(ctx, req)
		if err == nil {
			return raw, nil
		}
		if apperr.Is(err, apperr.KindGenerationFailed) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindUpstreamUnavailable, err, "model call interrupted")
		}
		if !retryableModelError(err) {
			return "", apperr.Wrap(apperr.KindUpstreamUnavailable, err, "model rejected the request")
		}
		if retry >= g.cfg.MaxRetries {
			return "", apperr.Wrap(apperr.KindUpstreamUnavailable, err, "model unavailable after %d attempts", retry+1)
		}

		log.Printf("Model call failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.KindUpstreamUnavailable, ctx.Err(), "model call interrupted")
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, g.cfg.MaxBackoff)
	}
}

// retryableModelError treats client errors other than timeouts and rate
// limits as permanent.
func retryableModelError(err error) bool {
	code := 0
	var apiErr *googleapi.Error
	var anthropicErr *anthropic.Error
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &anthropicErr):
		code = anthropicErr.StatusCode
	}
	if code != 0 {
		if code >= 400 && code < 500 {
			return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
		}
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated,
			codes.NotFound, codes.FailedPrecondition:
			return false
		}
	}
	return true
}

// ParsePatch extracts and validates a patch from raw model output.
func ParsePatch(raw string, maxFiles int) (*StructuredPatch, error) {
	data, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var body struct {
		Files         []repo.FileChange `json:"files"`
		CommitMessage string            `json:"commit_message"`
		PRTitle       string            `json:"pr_title"`
		PRBody        string            `json:"pr_body"`
		// Single-file shape of older prompts.
		FilePath string `json:"file_path"`
		Action   string `json:"action"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("response does not match the schema: %w", err)
	}
	if len(body.Files) == 0 && body.FilePath != "" {
		body.Files = []repo.FileChange{{Path: body.FilePath, Action: repo.FileAction(body.Action), Content: body.Content}}
	}

	patch := &StructuredPatch{
		CommitMessage: strings.TrimSpace(body.CommitMessage),
		PRTitle:       strings.TrimSpace(body.PRTitle),
		PRBody:        strings.TrimSpace(body.PRBody),
	}

	var problems []string
	if patch.CommitMessage == "" {
		problems = append(problems, "commit_message is required")
	}
	if patch.PRTitle == "" {
		problems = append(problems, "pr_title is required")
	}
	if patch.PRBody == "" {
		problems = append(problems, "pr_body is required")
	}
	switch {
	case len(body.Files) == 0:
		problems = append(problems, "files must contain at least one change")
	case maxFiles > 0 && len(body.Files) > maxFiles:
		problems = append(problems, fmt.Sprintf("files has %d entries, at most %d allowed", len(body.Files), maxFiles))
	}

	seen := make(map[string]bool)
	for i, f := range body.Files {
		f.Path = strings.TrimSpace(f.Path)
		if f.Action == "" {
			f.Action = repo.ActionModify
		}
		if msg := checkPath(f.Path); msg != "" {
			problems = append(problems, fmt.Sprintf("files[%d].path %s", i, msg))
		} else if seen[f.Path] {
			problems = append(problems, fmt.Sprintf("files[%d].path %q is duplicated", i, f.Path))
		}
		seen[f.Path] = true
		if f.Action != repo.ActionCreate && f.Action != repo.ActionModify {
			problems = append(problems, fmt.Sprintf("files[%d].action must be create or modify, got %q", i, f.Action))
		}
		if strings.TrimSpace(f.Content) == "" {
			problems = append(problems, fmt.Sprintf("files[%d].content is empty", i))
		}
		patch.Files = append(patch.Files, f)
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return patch, nil
}

func checkPath(p string) string {
	switch {
	case p == "":
		return "is empty"
	case strings.HasPrefix(p, "/"):
		return "must be relative"
	case path.Clean(p) != p:
		return "must be a clean path"
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "must not leave the repository"
		}
	}
	return ""
}

// extractJSON accepts a bare object, a fenced block, or prose around the
// first balanced object.
func extractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("response is empty")
	}
	if json.Valid([]byte(s)) {
		return []byte(s), nil
	}

	if start := strings.Index(s, "```"); start >= 0 {
		inner := s[start+3:]
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
			inner = inner[nl+1:]
		}
		if end := strings.Index(inner, "```"); end >= 0 {
			if candidate := strings.TrimSpace(inner[:end]); json.Valid([]byte(candidate)) {
				return []byte(candidate), nil
			}
		}
	}

	if obj := firstObject(s); obj != "" && json.Valid([]byte(obj)) {
		return []byte(obj), nil
	}
	return nil, errors.New("response does not contain a JSON object")
}

func firstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
