package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigDir = ".history-writer"

// Embedded prompt templates. Each can be overridden via settings.yaml.
//
//go:embed prompts/stage1-relevance-prompt.md
var defaultStage1Prompt string

//go:embed prompts/stage2-synthesis-prompt.md
var defaultStage2Prompt string

//go:embed prompts/translate-prompt.md
var defaultTranslatePrompt string

// ModelConfig is one model tier available for rotation.
type ModelConfig struct {
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
}

// StageTuning holds the retry/delay knobs for one LLM-driven stage.
type StageTuning struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	RetriesPerKey         int `yaml:"retries_per_key"`
	ErrorDelaySeconds     int `yaml:"error_delay_seconds"`
	KeySwitchDelaySeconds int `yaml:"key_switch_delay_seconds"`
	CallJitterMinSeconds  int `yaml:"call_jitter_min_seconds"`
	CallJitterMaxSeconds  int `yaml:"call_jitter_max_seconds"`
}

// GenerationConfig mirrors the endpoint's generationConfig block. Zero values
// mean the field is omitted from the request.
type GenerationConfig struct {
	Temperature     float64 `yaml:"temperature" json:"temperature,omitempty"`
	TopK            int     `yaml:"top_k" json:"topK,omitempty"`
	TopP            float64 `yaml:"top_p" json:"topP,omitempty"`
	MaxOutputTokens int     `yaml:"max_output_tokens" json:"maxOutputTokens,omitempty"`
}

// Settings is the YAML configuration file structure.
type Settings struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Models  []ModelConfig `yaml:"models"`
	} `yaml:"api"`
	Stage1 struct {
		StageTuning   `yaml:",inline"`
		MinTextLength int `yaml:"min_text_length"`
	} `yaml:"stage1"`
	Stage2 struct {
		StageTuning   `yaml:",inline"`
		MinTextLength int               `yaml:"min_text_length"`
		Languages     map[string]string `yaml:"translation_languages"`
		Generation    GenerationConfig  `yaml:"generation"`
	} `yaml:"stage2"`
	Prompts struct {
		Stage1Path    string `yaml:"stage1_path"`
		Stage2Path    string `yaml:"stage2_path"`
		TranslatePath string `yaml:"translate_path"`
	} `yaml:"prompts"`
}

// KeyModel is one (API key, model) pair in the rotation order.
type KeyModel struct {
	Key       string
	Model     string
	MaxTokens int
}

// Config bundles settings, the resolved key/model rotation list, and prompt
// template access.
type Config struct {
	Settings  *Settings
	KeyModels []KeyModel
}

const defaultSettingsYAML = `api:
  base_url: https://generativelanguage.googleapis.com
  models:
    - name: gemini-2.0-flash
      max_tokens: 1048575
    - name: gemini-2.0-flash-lite
      max_tokens: 262144
    - name: gemini-1.5-flash
      max_tokens: 1048575
stage1:
  timeout_seconds: 120
  retries_per_key: 3
  error_delay_seconds: 20
  key_switch_delay_seconds: 5
  call_jitter_min_seconds: 1
  call_jitter_max_seconds: 3
  min_text_length: 100
stage2:
  timeout_seconds: 500
  retries_per_key: 3
  error_delay_seconds: 5
  key_switch_delay_seconds: 10
  call_jitter_min_seconds: 1
  call_jitter_max_seconds: 3
  min_text_length: 50
  translation_languages:
    ar: Arabic
    fr: French
    es: Spanish
  generation:
    temperature: 0.2
    top_k: 40
    top_p: 0.95
    max_output_tokens: 8192
prompts: {}
`

// NewConfig loads settings (writing embedded defaults on first run), reads API
// keys from the environment, and builds the key/model rotation list.
func NewConfig(settingsPath string) (*Config, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	keys := apiKeysFromEnv()
	if len(keys) == 0 {
		return nil, fmt.Errorf("no API keys configured: set GEMINI_API_KEY or GEMINI_API_KEYS")
	}
	if len(settings.API.Models) == 0 {
		return nil, fmt.Errorf("no models configured in settings")
	}

	var keyModels []KeyModel
	for _, key := range keys {
		for _, m := range settings.API.Models {
			keyModels = append(keyModels, KeyModel{Key: key, Model: m.Name, MaxTokens: m.MaxTokens})
		}
	}

	return &Config{Settings: settings, KeyModels: keyModels}, nil
}

// apiKeysFromEnv reads GEMINI_API_KEYS (comma-separated) or GEMINI_API_KEY.
func apiKeysFromEnv() []string {
	var keys []string
	if multi := os.Getenv("GEMINI_API_KEYS"); multi != "" {
		for _, k := range strings.Split(multi, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		if k := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// loadSettings reads settings.yaml, creating it from embedded defaults when it
// does not exist yet.
func loadSettings(settingsPath string) (*Settings, error) {
	if settingsPath == "" {
		settingsPath = filepath.Join(defaultConfigDir, "settings.yaml")
		if err := ensureConfigExists(settingsPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", settingsPath, err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings YAML: %w", err)
	}
	applySettingsDefaults(&settings)
	return &settings, nil
}

// applySettingsDefaults fills zero-valued tuning fields with the shipped
// defaults so a hand-trimmed settings file keeps working.
func applySettingsDefaults(s *Settings) {
	if s.API.BaseURL == "" {
		s.API.BaseURL = "https://generativelanguage.googleapis.com"
	}
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&s.Stage1.TimeoutSeconds, 120)
	def(&s.Stage1.RetriesPerKey, 3)
	def(&s.Stage1.ErrorDelaySeconds, 20)
	def(&s.Stage1.KeySwitchDelaySeconds, 5)
	def(&s.Stage1.CallJitterMaxSeconds, 3)
	def(&s.Stage1.MinTextLength, 100)
	def(&s.Stage2.TimeoutSeconds, 500)
	def(&s.Stage2.RetriesPerKey, 3)
	def(&s.Stage2.ErrorDelaySeconds, 5)
	def(&s.Stage2.KeySwitchDelaySeconds, 10)
	def(&s.Stage2.CallJitterMaxSeconds, 3)
	def(&s.Stage2.MinTextLength, 50)
}

// ensureConfigExists writes the default settings file on first run.
func ensureConfigExists(settingsPath string) error {
	if _, err := os.Stat(settingsPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(settingsPath, []byte(defaultSettingsYAML), 0o644); err != nil {
		return fmt.Errorf("writing default settings: %w", err)
	}
	return nil
}

// Stage1Prompt returns the Stage 1 prompt template.
func (c *Config) Stage1Prompt() string {
	return c.promptTemplate(c.Settings.Prompts.Stage1Path, defaultStage1Prompt)
}

// Stage2Prompt returns the Stage 2 synthesis prompt template.
func (c *Config) Stage2Prompt() string {
	return c.promptTemplate(c.Settings.Prompts.Stage2Path, defaultStage2Prompt)
}

// TranslatePrompt returns the translation prompt template.
func (c *Config) TranslatePrompt() string {
	return c.promptTemplate(c.Settings.Prompts.TranslatePath, defaultTranslatePrompt)
}

func (c *Config) promptTemplate(overridePath, embedded string) string {
	if overridePath != "" {
		if content, err := os.ReadFile(overridePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return strings.TrimSpace(embedded)
}

// Timeout returns the stage tuning's HTTP timeout as a duration.
func (t StageTuning) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}
