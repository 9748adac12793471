package config

import "time"

// DefaultConfig returns the built-in configuration. A scholard.yaml in the
// config directory overrides individual values; the canonical environment
// variables (LLM_API_KEY and friends) override both.
func DefaultConfig() *Config {
	return &Config{
		Server: &ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
			CORSOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
		},
		Workflow: &WorkflowConfig{
			MaxKeywords:          5,
			PapersPerQuery:       10,
			MaxQARetries:         3,
			MinEntailmentRatio:   0.8,
			MaxConversationTurns: 5,
			RunTimeout:           5 * time.Minute,
			DraftBaseTokens:      2000,
			DraftTokensPerPaper:  200,
			DraftMaxTokens:       8000,
			SectionMaxTokens:     1500,
			ClaimVerification:    true,
		},
		Concurrency: &ConcurrencyConfig{
			LLM:               2,
			Fulltext:          3,
			ClaimVerification: 2,
		},
		LLM: &LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			Temperature:    0.3,
			ConnectTimeout: 60 * time.Second,
			RequestTimeout: 120 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  15 * time.Second,
		},
		Scholar: &ScholarConfig{
			SkipThreshold: 3,
			SkipWindow:    120 * time.Second,
		},
		Fulltext: &FulltextConfig{
			UnpaywallEmail: "scholard@example.com",
		},
		Stream: &StreamConfig{
			FlushInterval: 200 * time.Millisecond,
		},
	}
}
