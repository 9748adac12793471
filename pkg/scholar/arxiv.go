package scholar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/autoscholar/scholard/pkg/models"
)

const (
	arxivRetryBase = 1 * time.Second
	arxivRetryMax  = 5 * time.Second
)

// Atom feed shapes for the arXiv query API
// (namespace http://www.w3.org/2005/Atom).
type arxivFeed struct {
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
}

func (c *Client) searchArxiv(ctx context.Context, queries []string, limit int) ([]models.Paper, error) {
	return runQueries(ctx, queries, func(ctx context.Context, query string) ([]models.Paper, error) {
		body, err := c.fetchArxiv(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		return parseArxivFeed(body)
	})
}

func (c *Client) fetchArxiv(ctx context.Context, query string, limit int) ([]byte, error) {
	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", strconv.Itoa(limit))
	params.Set("sortBy", "relevance")
	params.Set("sortOrder", "descending")

	var lastErr error
	for attempt := 1; attempt <= searchRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.arxivURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < searchRetryAttempts {
				if err := sleepCtx(ctx, backoffDelay(attempt, arxivRetryBase, arxivRetryMax)); err != nil {
					return nil, err
				}
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("arxiv: status %d: %s", resp.StatusCode, truncateBody(body))
		}
		if err != nil {
			return nil, fmt.Errorf("arxiv: read response: %w", err)
		}
		return body, nil
	}
	return nil, lastErr
}

func parseArxivFeed(body []byte) ([]models.Paper, error) {
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv: parse feed: %w", err)
	}

	var papers []models.Paper
	for _, entry := range feed.Entries {
		// Entry IDs look like http://arxiv.org/abs/2401.12345v1.
		parts := strings.Split(entry.ID, "/abs/")
		paperID := parts[len(parts)-1]
		title := collapseAtomText(entry.Title)
		if paperID == "" || title == "" {
			continue
		}

		authors := make([]string, 0, len(entry.Authors))
		for _, a := range entry.Authors {
			if a.Name != "" {
				authors = append(authors, a.Name)
			}
		}

		year := 0
		if len(entry.Published) >= 4 {
			year, _ = strconv.Atoi(entry.Published[:4])
		}

		var pdfURL string
		for _, link := range entry.Links {
			if link.Title == "pdf" {
				pdfURL = link.Href
				break
			}
		}

		papers = append(papers, models.Paper{
			PaperID:  "arxiv:" + paperID,
			Title:    title,
			Authors:  authors,
			Abstract: collapseAtomText(entry.Summary),
			URL:      entry.ID,
			Year:     year,
			DOI:      "10.48550/arXiv." + paperID,
			PDFURL:   pdfURL,
			Source:   models.SourceArxiv,
		})
	}
	return papers, nil
}

// collapseAtomText trims an Atom text field and folds its internal newlines,
// which arXiv inserts to wrap long titles and abstracts.
func collapseAtomText(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
}

func truncateBody(body []byte) string {
	const max = 4096
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
