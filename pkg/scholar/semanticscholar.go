package scholar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/autoscholar/scholard/pkg/models"
)

// Fields requested from the Semantic Scholar graph API.
const semanticScholarFields = "paperId,title,authors,abstract,url,year,externalIds,openAccessPdf"

const (
	semanticScholarRetryBase = 2 * time.Second
	semanticScholarRetryMax  = 10 * time.Second
	searchRetryAttempts      = 3
)

type semanticScholarResponse struct {
	Data []semanticScholarPaper `json:"data"`
}

type semanticScholarPaper struct {
	PaperID     string `json:"paperId"`
	Title       string `json:"title"`
	Abstract    string `json:"abstract"`
	URL         string `json:"url"`
	Year        int    `json:"year"`
	Authors     []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ExternalIDs *struct {
		DOI string `json:"DOI"`
	} `json:"externalIds"`
	OpenAccessPDF *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
}

func (c *Client) searchSemanticScholar(ctx context.Context, queries []string, limit int) ([]models.Paper, error) {
	return runQueries(ctx, queries, func(ctx context.Context, query string) ([]models.Paper, error) {
		resp, err := c.fetchSemanticScholar(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		papers := make([]models.Paper, 0, len(resp.Data))
		for _, raw := range resp.Data {
			papers = append(papers, parseSemanticScholarPaper(raw))
		}
		return papers, nil
	})
}

// fetchSemanticScholar issues one search request. HTTP 429 honors the
// Retry-After header (default 3s); transport errors back off exponentially
// from 2s up to 10s. Other non-200 statuses fail without retry.
func (c *Client) fetchSemanticScholar(ctx context.Context, query string, limit int) (*semanticScholarResponse, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", "0")
	params.Set("fields", semanticScholarFields)

	var lastErr error
	for attempt := 1; attempt <= searchRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.semanticScholarURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.SemanticScholarAPIKey != "" {
			req.Header.Set("x-api-key", c.cfg.SemanticScholarAPIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < searchRetryAttempts {
				if err := sleepCtx(ctx, backoffDelay(attempt, semanticScholarRetryBase, semanticScholarRetryMax)); err != nil {
					return nil, err
				}
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfterSeconds(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			slog.Warn("Rate limited by Semantic Scholar", "wait_seconds", int(wait.Seconds()))
			lastErr = fmt.Errorf("semantic scholar: 429 Too Many Requests")
			if attempt < searchRetryAttempts {
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("semantic scholar: status %d: %s", resp.StatusCode, body)
		}

		var parsed semanticScholarResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("semantic scholar: decode response: %w", err)
		}
		return &parsed, nil
	}
	return nil, lastErr
}

// retryAfterSeconds parses a Retry-After header value, defaulting to 3s.
func retryAfterSeconds(header string) time.Duration {
	if n, err := strconv.Atoi(header); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return 3 * time.Second
}

func parseSemanticScholarPaper(raw semanticScholarPaper) models.Paper {
	authors := make([]string, 0, len(raw.Authors))
	for _, a := range raw.Authors {
		name := a.Name
		if name == "" {
			name = "Unknown"
		}
		authors = append(authors, name)
	}

	var doi string
	if raw.ExternalIDs != nil {
		doi = raw.ExternalIDs.DOI
	}
	var pdfURL string
	if raw.OpenAccessPDF != nil {
		pdfURL = raw.OpenAccessPDF.URL
	}

	return models.Paper{
		PaperID:  raw.PaperID,
		Title:    raw.Title,
		Authors:  authors,
		Abstract: raw.Abstract,
		URL:      raw.URL,
		Year:     raw.Year,
		DOI:      doi,
		PDFURL:   pdfURL,
		Source:   models.SourceSemanticScholar,
	}
}
