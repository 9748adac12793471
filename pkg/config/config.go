package config

import (
	"fmt"
	"time"
)

// Config is the umbrella configuration object returned by Initialize()
// and injected into every subsystem at startup.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Server      *ServerConfig
	Workflow    *WorkflowConfig
	Concurrency *ConcurrencyConfig
	LLM         *LLMConfig
	Scholar     *ScholarConfig
	Fulltext    *FulltextConfig
	Stream      *StreamConfig
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// Addr returns the host:port listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkflowConfig contains the workflow engine's bounds and budgets
type WorkflowConfig struct {
	// MaxKeywords caps how many search keywords the planner keeps.
	MaxKeywords int

	// PapersPerQuery is the per-source result limit for one keyword.
	PapersPerQuery int

	// MaxQARetries bounds the critic → writer revision loop.
	MaxQARetries int

	// MinEntailmentRatio is the semantic QA pass threshold
	// (entails / total verified claims).
	MinEntailmentRatio float64

	// MaxConversationTurns is the number of user/assistant turn pairs
	// rendered into revision prompts.
	MaxConversationTurns int

	// RunTimeout bounds one engine run (start, resume, or revision).
	RunTimeout time.Duration

	// Single-shot draft completion budget:
	// min(DraftMaxTokens, DraftBaseTokens + N*DraftTokensPerPaper).
	DraftBaseTokens     int
	DraftTokensPerPaper int
	DraftMaxTokens      int

	// SectionMaxTokens is the per-section completion budget on the
	// outline-driven path.
	SectionMaxTokens int

	// ClaimVerification toggles the critic's semantic layer.
	ClaimVerification bool
}

// DraftTokenBudget returns the completion budget for a single-shot draft
// covering numPapers papers.
func (c *WorkflowConfig) DraftTokenBudget(numPapers int) int {
	budget := c.DraftBaseTokens + numPapers*c.DraftTokensPerPaper
	if budget > c.DraftMaxTokens {
		return c.DraftMaxTokens
	}
	return budget
}

// ConcurrencyConfig sizes the bounded-concurrency semaphores
type ConcurrencyConfig struct {
	LLM               int `yaml:"llm"`
	Fulltext          int `yaml:"fulltext"`
	ClaimVerification int `yaml:"claim_verification"`
}

// LLMConfig contains the OpenAI-compatible endpoint settings
type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64

	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// ScholarConfig contains scholarly source credentials and the failure
// tracker's skip policy
type ScholarConfig struct {
	SemanticScholarAPIKey string
	PubmedAPIKey          string

	// SkipThreshold failures within SkipWindow and the source sits out
	// the next search round.
	SkipThreshold int
	SkipWindow    time.Duration
}

// FulltextConfig contains full-text resolver settings
type FulltextConfig struct {
	UnpaywallEmail string
}

// StreamConfig contains SSE token debouncing settings
type StreamConfig struct {
	FlushInterval time.Duration
}
