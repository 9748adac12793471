// Package scholar searches scholarly sources (Semantic Scholar, arXiv,
// PubMed) for candidate papers. Sources are queried in parallel, gated by a
// failure tracker, and the combined results are deduplicated by paper ID and
// normalized title.
package scholar

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/models"
)

const (
	semanticScholarSearchURL = "https://api.semanticscholar.org/graph/v1/paper/search"
	arxivSearchURL           = "http://export.arxiv.org/api/query"
	pubmedESearchURL         = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esearch.fcgi"
	pubmedESummaryURL        = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/esummary.fcgi"
)

// Client queries the scholarly sources through the shared HTTP pool.
type Client struct {
	httpClient *http.Client
	cfg        *config.ScholarConfig
	tracker    *SourceTracker

	// Endpoint URLs, overridable in tests.
	semanticScholarURL string
	arxivURL           string
	esearchURL         string
	esummaryURL        string
}

// NewClient creates a scholar client backed by the given HTTP client.
func NewClient(httpClient *http.Client, cfg *config.ScholarConfig) *Client {
	return &Client{
		httpClient:         httpClient,
		cfg:                cfg,
		tracker:            NewSourceTracker(cfg.SkipThreshold, cfg.SkipWindow),
		semanticScholarURL: semanticScholarSearchURL,
		arxivURL:           arxivSearchURL,
		esearchURL:         pubmedESearchURL,
		esummaryURL:        pubmedESummaryURL,
	}
}

// Tracker exposes the failure tracker, mainly so callers can reset it in
// tests.
func (c *Client) Tracker() *SourceTracker {
	return c.tracker
}

type sourceSearch struct {
	source models.PaperSource
	name   string
	search func(ctx context.Context, queries []string, limit int) ([]models.Paper, error)
}

type sourceResult struct {
	papers []models.Paper
	err    error
}

// Search issues one query per keyword against every requested source that is
// not currently skipped, in parallel. Per-source failures are logged and
// recorded with the tracker; the remaining sources' results are combined and
// deduplicated. An empty sources list defaults to Semantic Scholar.
func (c *Client) Search(ctx context.Context, queries []string, sources []models.PaperSource, limitPerQuery int) []models.Paper {
	if len(sources) == 0 {
		sources = []models.PaperSource{models.SourceSemanticScholar}
	}

	wanted := map[models.PaperSource]bool{}
	for _, s := range sources {
		wanted[s] = true
	}

	all := []sourceSearch{
		{models.SourceSemanticScholar, "Semantic Scholar", c.searchSemanticScholar},
		{models.SourceArxiv, "arXiv", c.searchArxiv},
		{models.SourcePubmed, "PubMed", c.searchPubmed},
	}

	var active []sourceSearch
	for _, s := range all {
		if !wanted[s.source] {
			continue
		}
		if c.tracker.ShouldSkip(string(s.source)) {
			slog.Warn("Skipping " + s.name + " due to recent failures")
			continue
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return nil
	}

	results := make([]sourceResult, len(active))
	done := make(chan int, len(active))
	for i, s := range active {
		go func(i int, s sourceSearch) {
			papers, err := s.search(ctx, queries, limitPerQuery)
			results[i] = sourceResult{papers: papers, err: err}
			done <- i
		}(i, s)
	}
	for range active {
		<-done
	}

	var combined []models.Paper
	for i, s := range active {
		if results[i].err != nil {
			slog.Error("Search failed", "source", s.name, "error", results[i].err)
			c.tracker.RecordFailure(string(s.source))
			continue
		}
		c.tracker.RecordSuccess(string(s.source))
		combined = append(combined, results[i].papers...)
	}

	return Deduplicate(combined)
}

// runQueries executes fetch for every query concurrently and flattens the
// results in query order, dropping duplicate paper IDs. It fails only when
// every query failed; partial failures are logged and skipped.
func runQueries(ctx context.Context, queries []string, fetch func(ctx context.Context, query string) ([]models.Paper, error)) ([]models.Paper, error) {
	results := make([]sourceResult, len(queries))
	done := make(chan int, len(queries))
	for i, q := range queries {
		go func(i int, q string) {
			papers, err := fetch(ctx, q)
			results[i] = sourceResult{papers: papers, err: err}
			done <- i
		}(i, q)
	}
	for range queries {
		<-done
	}

	var papers []models.Paper
	seen := map[string]bool{}
	var lastErr error
	failed := 0
	for i, q := range queries {
		if results[i].err != nil {
			slog.Error("Query failed", "query", q, "error", results[i].err)
			lastErr = results[i].err
			failed++
			continue
		}
		for _, p := range results[i].papers {
			if p.PaperID == "" || seen[p.PaperID] {
				continue
			}
			seen[p.PaperID] = true
			papers = append(papers, p)
		}
	}
	if failed == len(queries) && lastErr != nil {
		return nil, lastErr
	}
	return papers, nil
}

// backoffDelay doubles from base per attempt, capped at max. Attempts are
// 1-based.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max {
		return max
	}
	return d
}

// sleepCtx waits for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
