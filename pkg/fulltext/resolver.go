// Package fulltext resolves open-access PDF links for papers that arrived
// without one. The cascade is Unpaywall by DOI, then OpenAlex by DOI, then an
// OpenAlex title search; a miss at every step is not an error. Along the way
// the resolver may back-fill a missing DOI from OpenAlex metadata.
package fulltext

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/models"
)

const (
	unpaywallBaseURL = "https://api.unpaywall.org/v2"
	openalexBaseURL  = "https://api.openalex.org"

	userAgent      = "scholard/1.0"
	lookupTimeout  = 20 * time.Second
	fetchAttempts  = 3
	fetchRetryBase = 1 * time.Second
	fetchRetryMax  = 5 * time.Second
)

// Resolver looks up open-access PDF URLs through the shared HTTP pool.
type Resolver struct {
	httpClient *http.Client
	email      string

	// Endpoint URLs, overridable in tests.
	unpaywallURL string
	openalexURL  string
}

// NewResolver creates a resolver. The email identifies us to Unpaywall,
// which requires one per request.
func NewResolver(httpClient *http.Client, cfg *config.FulltextConfig) *Resolver {
	return &Resolver{
		httpClient:   httpClient,
		email:        cfg.UnpaywallEmail,
		unpaywallURL: unpaywallBaseURL,
		openalexURL:  openalexBaseURL,
	}
}

// Resolve returns (pdfURL, doi) for a paper. Both may come back empty: a
// paper without an open-access copy is a normal outcome, not an error. The
// returned DOI echoes the input one, or a normalized OpenAlex match when the
// input was empty.
func (r *Resolver) Resolve(ctx context.Context, title, doi string, year int) (string, string) {
	resolvedDOI := doi

	if doi != "" {
		if up := r.unpaywallLookup(ctx, doi); up != nil {
			if pdfURL := extractPDFFromUnpaywall(up); pdfURL != "" {
				slog.Debug("Found PDF via Unpaywall", "doi", doi)
				return pdfURL, resolvedDOI
			}
		}
		if work := r.openalexLookupByDOI(ctx, doi); work != nil {
			if pdfURL := extractPDFFromOpenAlex(work); pdfURL != "" {
				slog.Debug("Found PDF via OpenAlex DOI lookup", "doi", doi)
				return pdfURL, resolvedDOI
			}
		}
	}

	for _, work := range r.openalexSearchByTitle(ctx, title, year) {
		workTitle, _ := work["title"].(string)
		if !titlesMatch(title, workTitle) {
			continue
		}
		if resolvedDOI == "" {
			resolvedDOI = extractDOIFromOpenAlex(work)
		}
		if pdfURL := extractPDFFromOpenAlex(work); pdfURL != "" {
			slog.Debug("Found PDF via OpenAlex title search", "title", truncate(title, 50))
			return pdfURL, resolvedDOI
		}
	}

	return "", resolvedDOI
}

// EnrichPapers resolves PDFs for every paper still lacking one, running at
// most concurrency lookups at a time. Results keep the input order and
// per-paper failures keep the original record.
func (r *Resolver) EnrichPapers(ctx context.Context, papers []models.Paper, concurrency int) []models.Paper {
	if concurrency < 1 {
		concurrency = 1
	}
	enriched := make([]models.Paper, len(papers))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, paper := range papers {
		wg.Add(1)
		go func(i int, paper models.Paper) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			enriched[i] = r.enrichPaper(ctx, paper)
		}(i, paper)
	}
	wg.Wait()
	return enriched
}

func (r *Resolver) enrichPaper(ctx context.Context, paper models.Paper) models.Paper {
	if paper.PDFURL != "" {
		return paper
	}

	pdfURL, doi := r.Resolve(ctx, paper.Title, paper.DOI, paper.Year)
	if pdfURL != "" {
		paper.PDFURL = pdfURL
	}
	if doi != "" && paper.DOI == "" {
		paper.DOI = doi
	}
	return paper
}

func (r *Resolver) unpaywallLookup(ctx context.Context, doi string) map[string]any {
	params := url.Values{}
	params.Set("email", r.email)
	return r.fetchJSON(ctx, fmt.Sprintf("%s/%s", r.unpaywallURL, NormalizeDOI(doi)), params)
}

func (r *Resolver) openalexLookupByDOI(ctx context.Context, doi string) map[string]any {
	return r.fetchJSON(ctx, fmt.Sprintf("%s/works/https://doi.org/%s", r.openalexURL, NormalizeDOI(doi)), nil)
}

func (r *Resolver) openalexSearchByTitle(ctx context.Context, title string, year int) []map[string]any {
	params := url.Values{}
	params.Set("search", title)
	params.Set("per-page", "5")
	if year > 0 {
		params.Set("filter", "publication_year:"+strconv.Itoa(year))
	}

	data := r.fetchJSON(ctx, r.openalexURL+"/works", params)
	if data == nil {
		return nil
	}
	rawResults, _ := data["results"].([]any)
	works := make([]map[string]any, 0, len(rawResults))
	for _, raw := range rawResults {
		if work, ok := raw.(map[string]any); ok {
			works = append(works, work)
		}
	}
	return works
}

// fetchJSON issues one GET and decodes the body. A 404 or any other non-200
// status resolves to nil: the caller treats it as a miss. 429 waits 2s and
// retries; transport errors retry with backoff from 1s up to 5s.
func (r *Resolver) fetchJSON(ctx context.Context, endpoint string, params url.Values) map[string]any {
	target := endpoint
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		data, retryable, err := r.fetchJSONOnce(reqCtx, target)
		cancel()
		if err == nil {
			return data
		}
		if !retryable || attempt == fetchAttempts {
			slog.Debug("Full-text lookup failed", "url", endpoint, "error", err)
			return nil
		}
		if err := sleepCtx(ctx, backoffDelay(attempt, fetchRetryBase, fetchRetryMax)); err != nil {
			return nil
		}
	}
	return nil
}

func (r *Resolver) fetchJSONOnce(ctx context.Context, target string) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		sleepCtx(ctx, 2*time.Second)
		return nil, true, fmt.Errorf("rate limited")
	case resp.StatusCode != http.StatusOK:
		// Misses (404 included) are silent.
		return nil, false, nil
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	return data, false, nil
}

func extractPDFFromUnpaywall(data map[string]any) string {
	if best, ok := data["best_oa_location"].(map[string]any); ok {
		if pdfURL, ok := best["pdf_url"].(string); ok && pdfURL != "" {
			return pdfURL
		}
	}
	if locations, ok := data["oa_locations"].([]any); ok {
		for _, raw := range locations {
			if loc, ok := raw.(map[string]any); ok {
				if pdfURL, ok := loc["pdf_url"].(string); ok && pdfURL != "" {
					return pdfURL
				}
			}
		}
	}
	return ""
}

func extractPDFFromOpenAlex(work map[string]any) string {
	if oa, ok := work["open_access"].(map[string]any); ok {
		if oaURL, ok := oa["oa_url"].(string); ok && strings.HasSuffix(strings.ToLower(oaURL), ".pdf") {
			return oaURL
		}
	}
	for _, key := range []string{"best_oa_location", "primary_location"} {
		if loc, ok := work[key].(map[string]any); ok {
			if pdfURL, ok := loc["pdf_url"].(string); ok && pdfURL != "" {
				return pdfURL
			}
		}
	}
	if locations, ok := work["locations"].([]any); ok {
		for _, raw := range locations {
			if loc, ok := raw.(map[string]any); ok {
				if pdfURL, ok := loc["pdf_url"].(string); ok && pdfURL != "" {
					return pdfURL
				}
			}
		}
	}
	return ""
}

func extractDOIFromOpenAlex(work map[string]any) string {
	if doi, ok := work["doi"].(string); ok && doi != "" {
		return NormalizeDOI(doi)
	}
	if ids, ok := work["ids"].(map[string]any); ok {
		if doi, ok := ids["doi"].(string); ok && doi != "" {
			return NormalizeDOI(doi)
		}
	}
	return ""
}

// titlesMatch tolerates subtitle and punctuation differences by accepting
// substring containment in either direction.
func titlesMatch(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(lb, la) || strings.Contains(la, lb)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max {
		return max
	}
	return d
}

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
