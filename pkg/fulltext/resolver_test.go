package fulltext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscholar/scholard/pkg/config"
	"github.com/autoscholar/scholard/pkg/models"
)

func newTestResolver(t *testing.T, unpaywall, openalex string) *Resolver {
	t.Helper()
	r := NewResolver(&http.Client{Timeout: 5 * time.Second}, &config.FulltextConfig{
		UnpaywallEmail: "tester@example.com",
	})
	if unpaywall != "" {
		r.unpaywallURL = unpaywall
	}
	if openalex != "" {
		r.openalexURL = openalex
	}
	return r
}

func TestResolveViaUnpaywall(t *testing.T) {
	var gotPath, gotEmail string
	unpaywall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotEmail = r.URL.Query().Get("email")
		json.NewEncoder(w).Encode(map[string]any{
			"best_oa_location": map[string]any{"pdf_url": "https://oa.example.org/paper.pdf"},
		})
	}))
	defer unpaywall.Close()

	resolver := newTestResolver(t, unpaywall.URL, "")

	pdfURL, doi := resolver.Resolve(context.Background(), "Some Paper", "https://doi.org/10.1000/XYZ", 2020)
	assert.Equal(t, "https://oa.example.org/paper.pdf", pdfURL)
	assert.Equal(t, "https://doi.org/10.1000/XYZ", doi, "input DOI is echoed unchanged")
	assert.Equal(t, "/10.1000/xyz", gotPath, "DOI is normalized for the lookup")
	assert.Equal(t, "tester@example.com", gotEmail)
}

func TestResolveFallsBackToOpenAlexDOI(t *testing.T) {
	unpaywall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer unpaywall.Close()

	openalex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/works/"), "unexpected path %s", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"open_access":      map[string]any{"oa_url": "https://example.org/landing"},
			"best_oa_location": map[string]any{"pdf_url": "https://example.org/direct.pdf"},
		})
	}))
	defer openalex.Close()

	resolver := newTestResolver(t, unpaywall.URL, openalex.URL)

	pdfURL, _ := resolver.Resolve(context.Background(), "Some Paper", "10.1000/xyz", 0)
	assert.Equal(t, "https://example.org/direct.pdf", pdfURL,
		"oa_url without .pdf suffix is skipped in favor of best_oa_location")
}

func TestResolveTitleSearchBackfillsDOI(t *testing.T) {
	openalex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/works", r.URL.Path)
		assert.Equal(t, "Attention Is All You Need", r.URL.Query().Get("search"))
		assert.Equal(t, "5", r.URL.Query().Get("per-page"))
		assert.Equal(t, "publication_year:2017", r.URL.Query().Get("filter"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"title": "Completely Different",
					"doi":   "https://doi.org/10.9999/wrong",
				},
				map[string]any{
					"title": "Attention Is All You Need (Extended)",
					"doi":   "https://doi.org/10.5555/RIGHT",
					"locations": []any{
						map[string]any{"pdf_url": "https://example.org/attention.pdf"},
					},
				},
			},
		})
	}))
	defer openalex.Close()

	resolver := newTestResolver(t, "", openalex.URL)

	pdfURL, doi := resolver.Resolve(context.Background(), "Attention Is All You Need", "", 2017)
	assert.Equal(t, "https://example.org/attention.pdf", pdfURL)
	assert.Equal(t, "10.5555/right", doi, "DOI back-filled from the matching work, normalized")
}

func TestResolveMissIsSilent(t *testing.T) {
	openalex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer openalex.Close()

	resolver := newTestResolver(t, "", openalex.URL)

	pdfURL, doi := resolver.Resolve(context.Background(), "Unfindable", "", 0)
	assert.Empty(t, pdfURL)
	assert.Empty(t, doi)
}

func TestEnrichPapers(t *testing.T) {
	openalex := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/works" {
			http.NotFound(w, r)
			return
		}
		title := r.URL.Query().Get("search")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{
				map[string]any{
					"title":            title,
					"doi":              "https://doi.org/10.1/found",
					"best_oa_location": map[string]any{"pdf_url": "https://example.org/" + title + ".pdf"},
				},
			},
		})
	}))
	defer openalex.Close()

	unpaywall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer unpaywall.Close()

	resolver := newTestResolver(t, unpaywall.URL, openalex.URL)

	papers := []models.Paper{
		{PaperID: "a", Title: "alpha", PDFURL: "https://already.example.org/a.pdf", DOI: "10.0/keep"},
		{PaperID: "b", Title: "beta"},
		{PaperID: "c", Title: "gamma", DOI: "10.0/existing"},
	}

	enriched := resolver.EnrichPapers(context.Background(), papers, 2)
	require.Len(t, enriched, 3)

	// Input order preserved.
	assert.Equal(t, "a", enriched[0].PaperID)
	assert.Equal(t, "b", enriched[1].PaperID)
	assert.Equal(t, "c", enriched[2].PaperID)

	// Papers with a PDF already are untouched.
	assert.Equal(t, "https://already.example.org/a.pdf", enriched[0].PDFURL)

	// Missing PDF and DOI are filled in.
	assert.Equal(t, "https://example.org/beta.pdf", enriched[1].PDFURL)
	assert.Equal(t, "10.1/found", enriched[1].DOI)

	// Existing DOI is never overwritten.
	assert.Equal(t, "https://example.org/gamma.pdf", enriched[2].PDFURL)
	assert.Equal(t, "10.0/existing", enriched[2].DOI)
}
