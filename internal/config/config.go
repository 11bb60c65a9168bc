package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabasePath string
	HTTPPort     string
	LogLevel     string
	// APIKey is the optional shared secret required on mutating routes.
	APIKey string
	// EnvPath is the dotenv file secrets are read from and written to.
	EnvPath string

	GitHubToken     string
	GitHubRepo      string
	DefaultBranch   string
	LLMProvider     string
	GeminiAPIKey    string
	AnthropicAPIKey string
	LLMModel        string

	Policy ScoringPolicy
}

// ScoringPolicy tunes relevance scoring and prompt assembly.
type ScoringPolicy struct {
	TopK                int      `yaml:"top_k"`
	ExcludedDirs        []string `yaml:"excluded_dirs"`
	SourceExtensions    []string `yaml:"source_extensions"`
	PenalizedExtensions []string `yaml:"penalized_extensions"`
	PenalizedFiles      []string `yaml:"penalized_files"`
	Keywords            []string `yaml:"keywords"`
	TokenWeight         float64  `yaml:"token_weight"`
	ExtensionWeight     float64  `yaml:"extension_weight"`
	KeywordWeight       float64  `yaml:"keyword_weight"`
	ServerNameWeight    float64  `yaml:"server_name_weight"`
	PenaltyWeight       float64  `yaml:"penalty_weight"`
	LargeFileBytes      int64    `yaml:"large_file_bytes"`
	MaxContextBytes     int      `yaml:"max_context_bytes"`
	MaxFileLines        int      `yaml:"max_file_lines"`
}

func (c *Config) Debug() bool { return strings.EqualFold(c.LogLevel, "DEBUG") }

// Load reads configuration from the environment, after loading the dotenv
// file if one exists. Variables already set in the environment win.
func Load() (*Config, error) {
	envPath := getEnv("FEEDBACK_ENV_PATH", ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("No %s file found, relying on environment variables", envPath)
	}

	cfg := &Config{
		DatabasePath:    getEnv("FEEDBACK_DB_PATH", "feedback.db"),
		HTTPPort:        getEnv("FEEDBACK_PORT", "8099"),
		LogLevel:        getEnv("LOG_LEVEL", "INFO"),
		APIKey:          getEnv("FEEDBACK_API_KEY", ""),
		EnvPath:         envPath,
		GitHubToken:     getEnv("GITHUB_PAT", ""),
		GitHubRepo:      getEnv("GITHUB_REPO", ""),
		DefaultBranch:   getEnv("GITHUB_DEFAULT_BRANCH", ""),
		LLMProvider:     getEnv("LLM_PROVIDER", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		LLMModel:        getEnv("LLM_MODEL", ""),
		Policy:          DefaultPolicy(),
	}

	if path := getEnv("PATCHWORK_POLICY_FILE", ""); path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}
	if n := getEnvAsInt("MAX_CONTEXT_BYTES", 0); n > 0 {
		cfg.Policy.MaxContextBytes = n
	}
	return cfg, nil
}

func DefaultPolicy() ScoringPolicy {
	p := ScoringPolicy{}
	p.applyDefaults()
	return p
}

// LoadPolicy reads a YAML scoring policy; unset fields keep their defaults.
func LoadPolicy(path string) (*ScoringPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*ScoringPolicy, error) {
	var p ScoringPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse policy: %w", err)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *ScoringPolicy) applyDefaults() {
	if p.TopK == 0 {
		p.TopK = 20
	}
	if p.ExcludedDirs == nil {
		p.ExcludedDirs = []string{"node_modules", "vendor", ".git", "__pycache__", "dist", "build", "target", ".venv", "venv"}
	}
	if p.SourceExtensions == nil {
		p.SourceExtensions = []string{".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".rs", ".rb", ".java", ".kt", ".cs", ".php"}
	}
	if p.PenalizedExtensions == nil {
		p.PenalizedExtensions = []string{".lock", ".sum", ".min.js", ".map", ".png", ".jpg", ".gif", ".ico", ".pdf", ".zip", ".gz", ".exe", ".so", ".wasm"}
	}
	if p.PenalizedFiles == nil {
		p.PenalizedFiles = []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "go.sum", "cargo.lock", "poetry.lock", "uv.lock"}
	}
	if p.Keywords == nil {
		p.Keywords = []string{"tool", "server", "mcp", "handler", "schema", "resource", "prompt"}
	}
	if p.TokenWeight == 0 {
		p.TokenWeight = 15
	}
	if p.ExtensionWeight == 0 {
		p.ExtensionWeight = 5
	}
	if p.KeywordWeight == 0 {
		p.KeywordWeight = 10
	}
	if p.ServerNameWeight == 0 {
		p.ServerNameWeight = 20
	}
	if p.PenaltyWeight == 0 {
		p.PenaltyWeight = 25
	}
	if p.LargeFileBytes == 0 {
		p.LargeFileBytes = 200_000
	}
	if p.MaxContextBytes == 0 {
		p.MaxContextBytes = 200_000
	}
	if p.MaxFileLines == 0 {
		p.MaxFileLines = 500
	}
}

func (p *ScoringPolicy) validate() error {
	var errs []string
	if p.TopK < 1 || p.TopK > 100 {
		errs = append(errs, "top_k must be between 1 and 100")
	}
	if p.MaxContextBytes < 1024 {
		errs = append(errs, "max_context_bytes must be at least 1024")
	}
	if p.MaxFileLines < 1 {
		errs = append(errs, "max_file_lines must be positive")
	}
	for i, ext := range p.SourceExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Sprintf("source_extensions[%d] must start with a dot", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
