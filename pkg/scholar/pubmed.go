package scholar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/autoscholar/scholard/pkg/models"
)

// PubMed retrieval is two-phase: ESearch resolves a query to PMIDs, then a
// single ESummary call fetches metadata for the combined ID set.

type pubmedESearchResponse struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedESummaryResponse struct {
	Result map[string]json.RawMessage `json:"result"`
}

type pubmedDoc struct {
	Title   string `json:"title"`
	PubDate string `json:"pubdate"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ELocationID string `json:"elocationid"`
	ArticleIDs  []struct {
		IDType string `json:"idtype"`
		Value  string `json:"value"`
	} `json:"articleids"`
}

func (c *Client) searchPubmed(ctx context.Context, queries []string, limit int) ([]models.Paper, error) {
	results := make([]sourceResult, len(queries))
	done := make(chan int, len(queries))
	for i, q := range queries {
		go func(i int, q string) {
			ids, err := c.fetchPubmedIDs(ctx, q, limit)
			if err != nil {
				results[i] = sourceResult{err: err}
			} else {
				results[i] = sourceResult{papers: pmidPlaceholders(ids)}
			}
			done <- i
		}(i, q)
	}
	for range queries {
		<-done
	}

	var pmids []string
	seen := map[string]bool{}
	var lastErr error
	failed := 0
	for i := range queries {
		if results[i].err != nil {
			lastErr = results[i].err
			failed++
			continue
		}
		for _, p := range results[i].papers {
			if !seen[p.PaperID] {
				seen[p.PaperID] = true
				pmids = append(pmids, p.PaperID)
			}
		}
	}
	if failed == len(queries) && lastErr != nil {
		return nil, lastErr
	}
	if len(pmids) == 0 {
		return nil, nil
	}

	summaries, err := c.fetchPubmedSummaries(ctx, pmids)
	if err != nil {
		return nil, err
	}
	return parsePubmedPapers(summaries, pmids), nil
}

// pmidPlaceholders carries raw PMIDs through the per-query result slice.
func pmidPlaceholders(ids []string) []models.Paper {
	papers := make([]models.Paper, len(ids))
	for i, id := range ids {
		papers[i] = models.Paper{PaperID: id}
	}
	return papers
}

func (c *Client) fetchPubmedIDs(ctx context.Context, query string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", query)
	params.Set("retmax", strconv.Itoa(limit))
	params.Set("retmode", "json")
	params.Set("sort", "relevance")
	if c.cfg.PubmedAPIKey != "" {
		params.Set("api_key", c.cfg.PubmedAPIKey)
	}

	var parsed pubmedESearchResponse
	if err := c.getPubmedJSON(ctx, c.esearchURL, params, "ESearch", &parsed); err != nil {
		return nil, err
	}
	return parsed.ESearchResult.IDList, nil
}

func (c *Client) fetchPubmedSummaries(ctx context.Context, pmids []string) (*pubmedESummaryResponse, error) {
	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("id", strings.Join(pmids, ","))
	params.Set("retmode", "json")
	if c.cfg.PubmedAPIKey != "" {
		params.Set("api_key", c.cfg.PubmedAPIKey)
	}

	var parsed pubmedESummaryResponse
	if err := c.getPubmedJSON(ctx, c.esummaryURL, params, "ESummary", &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}

// getPubmedJSON issues one E-utility GET with transport-level retries
// (1s backoff doubling to 5s). Non-200 statuses fail without retry.
func (c *Client) getPubmedJSON(ctx context.Context, endpoint string, params url.Values, phase string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= searchRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < searchRetryAttempts {
				if err := sleepCtx(ctx, backoffDelay(attempt, arxivRetryBase, arxivRetryMax)); err != nil {
					return err
				}
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("pubmed %s: status %d: %s", phase, resp.StatusCode, body)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("pubmed %s: decode response: %w", phase, err)
		}
		return nil
	}
	return lastErr
}

func parsePubmedPapers(summaries *pubmedESummaryResponse, pmids []string) []models.Paper {
	var papers []models.Paper
	for _, pmid := range pmids {
		raw, ok := summaries.Result[pmid]
		if !ok {
			continue
		}
		var doc pubmedDoc
		if err := json.Unmarshal(raw, &doc); err != nil || doc.Title == "" {
			continue
		}

		authors := make([]string, 0, len(doc.Authors))
		for _, a := range doc.Authors {
			if a.Name != "" {
				authors = append(authors, a.Name)
			}
		}

		year := 0
		if len(doc.PubDate) >= 4 {
			year, _ = strconv.Atoi(doc.PubDate[:4])
		}

		var doi string
		if strings.HasPrefix(doc.ELocationID, "doi:") {
			doi = strings.TrimSpace(doc.ELocationID[4:])
		}
		for _, aid := range doc.ArticleIDs {
			if aid.IDType == "doi" {
				doi = aid.Value
				break
			}
		}

		papers = append(papers, models.Paper{
			PaperID: "pubmed:" + pmid,
			Title:   doc.Title,
			Authors: authors,
			URL:     fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", pmid),
			Year:    year,
			DOI:     doi,
			Source:  models.SourcePubmed,
		})
	}
	return papers
}
