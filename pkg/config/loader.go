package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// scholardYAMLConfig represents the complete scholard.yaml file structure.
// Every section is optional; omitted values fall back to built-in defaults.
type scholardYAMLConfig struct {
	Server      *ServerYAMLConfig   `yaml:"server"`
	Workflow    *WorkflowYAMLConfig `yaml:"workflow"`
	Concurrency *ConcurrencyConfig  `yaml:"concurrency"`
	LLM         *LLMYAMLConfig      `yaml:"llm"`
	Scholar     *ScholarYAMLConfig  `yaml:"scholar"`
	Fulltext    *FulltextYAMLConfig `yaml:"fulltext"`
	Stream      *StreamYAMLConfig   `yaml:"stream"`
}

// ServerYAMLConfig holds HTTP listener settings from YAML.
type ServerYAMLConfig struct {
	Host        string   `yaml:"host,omitempty"`
	Port        int      `yaml:"port,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// WorkflowYAMLConfig holds workflow bounds from YAML. Durations are
// human-readable strings ("5m", "90s") parsed to time.Duration.
type WorkflowYAMLConfig struct {
	MaxKeywords          int     `yaml:"max_keywords,omitempty"`
	PapersPerQuery       int     `yaml:"papers_per_query,omitempty"`
	MaxQARetries         *int    `yaml:"max_qa_retries,omitempty"`
	MinEntailmentRatio   float64 `yaml:"min_entailment_ratio,omitempty"`
	MaxConversationTurns int     `yaml:"max_conversation_turns,omitempty"`
	RunTimeout           string  `yaml:"run_timeout,omitempty"`
	DraftBaseTokens      int     `yaml:"draft_base_tokens,omitempty"`
	DraftTokensPerPaper  int     `yaml:"draft_tokens_per_paper,omitempty"`
	DraftMaxTokens       int     `yaml:"draft_max_tokens,omitempty"`
	SectionMaxTokens     int     `yaml:"section_max_tokens,omitempty"`
	ClaimVerification    *bool   `yaml:"claim_verification,omitempty"`
}

// LLMYAMLConfig holds LLM endpoint settings from YAML.
type LLMYAMLConfig struct {
	APIKey         string  `yaml:"api_key,omitempty"`
	BaseURL        string  `yaml:"base_url,omitempty"`
	Model          string  `yaml:"model,omitempty"`
	Temperature    float64 `yaml:"temperature,omitempty"`
	ConnectTimeout string  `yaml:"connect_timeout,omitempty"`
	RequestTimeout string  `yaml:"request_timeout,omitempty"`
	MaxRetries     *int    `yaml:"max_retries,omitempty"`
	RetryBaseDelay string  `yaml:"retry_base_delay,omitempty"`
	RetryMaxDelay  string  `yaml:"retry_max_delay,omitempty"`
}

// ScholarYAMLConfig holds scholarly source settings from YAML.
type ScholarYAMLConfig struct {
	SemanticScholarAPIKey string `yaml:"semantic_scholar_api_key,omitempty"`
	PubmedAPIKey          string `yaml:"pubmed_api_key,omitempty"`
	SkipThreshold         int    `yaml:"skip_threshold,omitempty"`
	SkipWindow            string `yaml:"skip_window,omitempty"`
}

// FulltextYAMLConfig holds full-text resolver settings from YAML.
type FulltextYAMLConfig struct {
	UnpaywallEmail string `yaml:"unpaywall_email,omitempty"`
}

// StreamYAMLConfig holds SSE debounce settings from YAML.
type StreamYAMLConfig struct {
	FlushInterval string `yaml:"flush_interval,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load scholard.yaml from configDir (optional)
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Resolve YAML values over built-in defaults
//  4. Apply canonical environment variable overrides
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"model", cfg.LLM.Model,
		"llm_concurrency", cfg.Concurrency.LLM,
		"max_qa_retries", cfg.Workflow.MaxQARetries,
		"claim_verification", cfg.Workflow.ClaimVerification)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	yamlCfg, err := loader.loadScholardYAML()
	if err != nil {
		return nil, NewLoadError("scholard.yaml", err)
	}

	cfg := DefaultConfig()
	cfg.configDir = configDir

	resolveServerConfig(cfg.Server, yamlCfg.Server)
	resolveWorkflowConfig(cfg.Workflow, yamlCfg.Workflow)
	resolveLLMConfig(cfg.LLM, yamlCfg.LLM)
	resolveScholarConfig(cfg.Scholar, yamlCfg.Scholar)
	resolveFulltextConfig(cfg.Fulltext, yamlCfg.Fulltext)
	resolveStreamConfig(cfg.Stream, yamlCfg.Stream)

	// Concurrency is plain ints; merge user values over defaults so unset
	// fields keep their built-in sizes.
	if yamlCfg.Concurrency != nil {
		if err := mergo.Merge(cfg.Concurrency, yamlCfg.Concurrency, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge concurrency config: %w", err)
		}
	}

	return cfg, nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadScholardYAML reads scholard.yaml. A missing file is not an error; the
// built-in defaults plus environment variables are a complete configuration.
func (l *configLoader) loadScholardYAML() (*scholardYAMLConfig, error) {
	var config scholardYAMLConfig

	if err := l.loadYAML("scholard.yaml", &config); err != nil {
		if isNotFound(err) {
			slog.Info("No scholard.yaml found, using built-in defaults",
				"config_dir", l.configDir)
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}

func resolveServerConfig(cfg *ServerConfig, y *ServerYAMLConfig) {
	if y == nil {
		return
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port > 0 {
		cfg.Port = y.Port
	}
	if len(y.CORSOrigins) > 0 {
		cfg.CORSOrigins = y.CORSOrigins
	}
}

func resolveWorkflowConfig(cfg *WorkflowConfig, y *WorkflowYAMLConfig) {
	if y == nil {
		return
	}
	if y.MaxKeywords > 0 {
		cfg.MaxKeywords = y.MaxKeywords
	}
	if y.PapersPerQuery > 0 {
		cfg.PapersPerQuery = y.PapersPerQuery
	}
	if y.MaxQARetries != nil && *y.MaxQARetries >= 0 {
		cfg.MaxQARetries = *y.MaxQARetries
	}
	if y.MinEntailmentRatio > 0 {
		cfg.MinEntailmentRatio = y.MinEntailmentRatio
	}
	if y.MaxConversationTurns > 0 {
		cfg.MaxConversationTurns = y.MaxConversationTurns
	}
	cfg.RunTimeout = parseDuration("workflow.run_timeout", y.RunTimeout, cfg.RunTimeout)
	if y.DraftBaseTokens > 0 {
		cfg.DraftBaseTokens = y.DraftBaseTokens
	}
	if y.DraftTokensPerPaper > 0 {
		cfg.DraftTokensPerPaper = y.DraftTokensPerPaper
	}
	if y.DraftMaxTokens > 0 {
		cfg.DraftMaxTokens = y.DraftMaxTokens
	}
	if y.SectionMaxTokens > 0 {
		cfg.SectionMaxTokens = y.SectionMaxTokens
	}
	if y.ClaimVerification != nil {
		cfg.ClaimVerification = *y.ClaimVerification
	}
}

func resolveLLMConfig(cfg *LLMConfig, y *LLMYAMLConfig) {
	if y == nil {
		return
	}
	if y.APIKey != "" {
		cfg.APIKey = y.APIKey
	}
	if y.BaseURL != "" {
		cfg.BaseURL = y.BaseURL
	}
	if y.Model != "" {
		cfg.Model = y.Model
	}
	if y.Temperature > 0 {
		cfg.Temperature = y.Temperature
	}
	cfg.ConnectTimeout = parseDuration("llm.connect_timeout", y.ConnectTimeout, cfg.ConnectTimeout)
	cfg.RequestTimeout = parseDuration("llm.request_timeout", y.RequestTimeout, cfg.RequestTimeout)
	if y.MaxRetries != nil && *y.MaxRetries >= 0 {
		cfg.MaxRetries = *y.MaxRetries
	}
	cfg.RetryBaseDelay = parseDuration("llm.retry_base_delay", y.RetryBaseDelay, cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = parseDuration("llm.retry_max_delay", y.RetryMaxDelay, cfg.RetryMaxDelay)
}

func resolveScholarConfig(cfg *ScholarConfig, y *ScholarYAMLConfig) {
	if y == nil {
		return
	}
	if y.SemanticScholarAPIKey != "" {
		cfg.SemanticScholarAPIKey = y.SemanticScholarAPIKey
	}
	if y.PubmedAPIKey != "" {
		cfg.PubmedAPIKey = y.PubmedAPIKey
	}
	if y.SkipThreshold > 0 {
		cfg.SkipThreshold = y.SkipThreshold
	}
	cfg.SkipWindow = parseDuration("scholar.skip_window", y.SkipWindow, cfg.SkipWindow)
}

func resolveFulltextConfig(cfg *FulltextConfig, y *FulltextYAMLConfig) {
	if y == nil {
		return
	}
	if y.UnpaywallEmail != "" {
		cfg.UnpaywallEmail = y.UnpaywallEmail
	}
}

func resolveStreamConfig(cfg *StreamConfig, y *StreamYAMLConfig) {
	if y == nil {
		return
	}
	cfg.FlushInterval = parseDuration("stream.flush_interval", y.FlushInterval, cfg.FlushInterval)
}

// parseDuration parses a duration string, warning and keeping the default
// on malformed values.
func parseDuration(field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	return d
}

// applyEnvOverrides applies the canonical environment variables. They win
// over both built-in defaults and scholard.yaml so that a bare environment
// (no YAML at all) is a complete deployment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SEMANTIC_SCHOLAR_API_KEY"); v != "" {
		cfg.Scholar.SemanticScholarAPIKey = v
	}
	if v := os.Getenv("PUBMED_API_KEY"); v != "" {
		cfg.Scholar.PubmedAPIKey = v
	}
	if v := os.Getenv("UNPAYWALL_EMAIL"); v != "" {
		cfg.Fulltext.UnpaywallEmail = v
	}
}

// validate performs validation on the resolved configuration
func validate(cfg *Config) error {
	if cfg.LLM.APIKey == "" {
		return NewValidationError("llm", "api_key",
			fmt.Errorf("%w: set LLM_API_KEY or llm.api_key", ErrMissingRequiredField))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}
	if cfg.Concurrency.LLM < 1 || cfg.Concurrency.Fulltext < 1 || cfg.Concurrency.ClaimVerification < 1 {
		return NewValidationError("concurrency", "",
			fmt.Errorf("%w: semaphore sizes must be at least 1", ErrInvalidValue))
	}
	if cfg.Workflow.MinEntailmentRatio <= 0 || cfg.Workflow.MinEntailmentRatio > 1 {
		return NewValidationError("workflow", "min_entailment_ratio",
			fmt.Errorf("%w: %v (must be in (0, 1])", ErrInvalidValue, cfg.Workflow.MinEntailmentRatio))
	}
	if cfg.Workflow.MaxKeywords < 1 {
		return NewValidationError("workflow", "max_keywords",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Workflow.MaxKeywords))
	}
	if cfg.Stream.FlushInterval <= 0 {
		return NewValidationError("stream", "flush_interval",
			fmt.Errorf("%w: %v", ErrInvalidValue, cfg.Stream.FlushInterval))
	}
	return nil
}
