// Package settings persists the credentials and provider choices the draft
// pipeline needs. Preferences live in the database, secrets in the dotenv file.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/patrickmn/go-cache"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
)

const (
	keyGitHubRepo    = "github_repo"
	keyDefaultBranch = "default_branch"
	keyLLMProvider   = "llm_provider"
	keyLLMModel      = "llm_model"

	envGitHubToken  = "GITHUB_PAT"
	envGeminiAPIKey = "GEMINI_API_KEY"
	envAnthropicKey = "ANTHROPIC_API_KEY"

	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"

	cacheKey = "settings"
)

// Setting is one stored preference.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Values is the effective configuration, secrets in clear.
type Values struct {
	GitHubRepo    string
	DefaultBranch string
	LLMProvider   string
	LLMModel      string
	GitHubToken   string
	GeminiAPIKey  string
	AnthropicKey  string
}

// ModelKey returns the API key of the selected provider.
func (v Values) ModelKey() string {
	if v.LLMProvider == ProviderAnthropic {
		return v.AnthropicKey
	}
	return v.GeminiAPIKey
}

// Configured reports whether a draft can be attempted.
func (v Values) Configured() bool {
	return v.GitHubRepo != "" && v.GitHubToken != "" && v.ModelKey() != ""
}

// View is what the API returns; secrets are masked.
type View struct {
	GitHubRepo    string `json:"github_repo"`
	DefaultBranch string `json:"default_branch"`
	LLMProvider   string `json:"llm_provider"`
	LLMModel      string `json:"llm_model"`
	GitHubPAT     string `json:"github_pat"`
	GeminiAPIKey  string `json:"gemini_api_key"`
	AnthropicKey  string `json:"anthropic_api_key"`
	Configured    bool   `json:"configured"`
}

// Update carries the fields of a PUT. Nil fields are left alone, and a masked
// secret echoed back by a client is ignored.
type Update struct {
	GitHubRepo    *string `json:"github_repo"`
	DefaultBranch *string `json:"default_branch"`
	LLMProvider   *string `json:"llm_provider"`
	LLMModel      *string `json:"llm_model"`
	GitHubPAT     *string `json:"github_pat"`
	GeminiAPIKey  *string `json:"gemini_api_key"`
	AnthropicKey  *string `json:"anthropic_api_key"`
}

type Store struct {
	db       *gorm.DB
	envPath  string
	defaults Values
	cache    *cache.Cache
	mu       sync.Mutex
}

// Open creates the settings table in the SQLite database at dsn.
func Open(dsn, envPath string, defaults Values) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", dsn, err)
	}
	return NewStore(db, envPath, defaults)
}

func NewStore(db *gorm.DB, envPath string, defaults Values) (*Store, error) {
	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, fmt.Errorf("settings: migrate: %w", err)
	}
	if defaults.LLMProvider == "" {
		defaults.LLMProvider = ProviderGemini
	}
	return &Store{
		db:       db,
		envPath:  envPath,
		defaults: defaults,
		cache:    cache.New(5*time.Minute, 10*time.Minute),
	}, nil
}

// DefaultsFromConfig seeds values from environment configuration.
func DefaultsFromConfig(cfg *config.Config) Values {
	return Values{
		GitHubRepo:    cfg.GitHubRepo,
		DefaultBranch: cfg.DefaultBranch,
		LLMModel:      cfg.LLMModel,
		GitHubToken:   cfg.GitHubToken,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		AnthropicKey:  cfg.AnthropicAPIKey,
		LLMProvider:   strings.ToLower(cfg.LLMProvider),
	}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns the effective values: stored preferences and dotenv secrets
// over the environment defaults.
func (s *Store) Load(ctx context.Context) (Values, error) {
	if cached, ok := s.cache.Get(cacheKey); ok {
		return cached.(Values), nil
	}

	v := s.defaults
	var rows []Setting
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return Values{}, fmt.Errorf("settings: load: %w", err)
	}
	for _, row := range rows {
		if row.Value == "" {
			continue
		}
		switch row.Key {
		case keyGitHubRepo:
			v.GitHubRepo = row.Value
		case keyDefaultBranch:
			v.DefaultBranch = row.Value
		case keyLLMProvider:
			v.LLMProvider = row.Value
		case keyLLMModel:
			v.LLMModel = row.Value
		}
	}

	env, err := s.readEnv()
	if err != nil {
		return Values{}, err
	}
	if tok := env[envGitHubToken]; tok != "" {
		v.GitHubToken = tok
	}
	if key := env[envGeminiAPIKey]; key != "" {
		v.GeminiAPIKey = key
	}
	if key := env[envAnthropicKey]; key != "" {
		v.AnthropicKey = key
	}

	s.cache.Set(cacheKey, v, cache.DefaultExpiration)
	return v, nil
}

func (s *Store) View(ctx context.Context) (*View, error) {
	v, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &View{
		GitHubRepo:    v.GitHubRepo,
		DefaultBranch: v.DefaultBranch,
		LLMProvider:   v.LLMProvider,
		LLMModel:      v.LLMModel,
		GitHubPAT:     Mask(v.GitHubToken),
		GeminiAPIKey:  Mask(v.GeminiAPIKey),
		AnthropicKey:  Mask(v.AnthropicKey),
		Configured:    v.Configured(),
	}, nil
}

// Save applies u and returns the new masked view.
func (s *Store) Save(ctx context.Context, u Update) (*View, error) {
	prefs := map[string]*string{
		keyGitHubRepo:    u.GitHubRepo,
		keyDefaultBranch: u.DefaultBranch,
		keyLLMProvider:   u.LLMProvider,
		keyLLMModel:      u.LLMModel,
	}
	for key, val := range prefs {
		if val != nil {
			*val = strings.TrimSpace(*val)
		}
		if err := validate(key, val); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, val := range prefs {
			if val == nil {
				continue
			}
			row := Setting{Key: key, Value: *val, UpdatedAt: time.Now().UTC()}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&row)
			if result.Error != nil {
				return fmt.Errorf("settings: save %s: %w", key, result.Error)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.saveSecrets(map[string]*string{envGitHubToken: u.GitHubPAT, envGeminiAPIKey: u.GeminiAPIKey, envAnthropicKey: u.AnthropicKey}); err != nil {
		return nil, err
	}

	s.cache.Delete(cacheKey)
	log.Printf("Settings updated")
	return s.View(ctx)
}

func validate(key string, val *string) error {
	if val == nil || *val == "" {
		return nil
	}
	switch key {
	case keyGitHubRepo:
		if _, err := repo.ParseRef(*val, ""); err != nil {
			return apperr.Validation(key, err.Error())
		}
	case keyLLMProvider:
		provider := strings.ToLower(*val)
		if provider != ProviderGemini && provider != ProviderAnthropic {
			return apperr.Validation(key, fmt.Sprintf("unsupported provider %q, use %q or %q", *val, ProviderGemini, ProviderAnthropic))
		}
		*val = provider
	}
	return nil
}

func (s *Store) readEnv() (map[string]string, error) {
	if s.envPath == "" {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(s.envPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", s.envPath, err)
	}
	return env, nil
}

func (s *Store) saveSecrets(secrets map[string]*string) error {
	changed := false
	env, err := s.readEnv()
	if err != nil {
		return err
	}
	for key, val := range secrets {
		if val == nil || IsMasked(*val) {
			continue
		}
		env[key] = strings.TrimSpace(*val)
		changed = true
	}
	if !changed {
		return nil
	}
	if s.envPath == "" {
		return apperr.Validation("github_pat", "no env file configured for storing secrets")
	}
	if err := godotenv.Write(env, s.envPath); err != nil {
		return fmt.Errorf("settings: write %s: %w", s.envPath, err)
	}
	return nil
}

// Mask keeps only the last four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 4:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

func IsMasked(s string) bool {
	return strings.HasPrefix(s, "****")
}
