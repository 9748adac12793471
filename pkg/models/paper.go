package models

// PaperSource identifies which scholarly source a paper came from
type PaperSource string

const (
	SourceSemanticScholar PaperSource = "semantic_scholar"
	SourceArxiv           PaperSource = "arxiv"
	SourcePubmed          PaperSource = "pubmed"
)

// AllSources is the default source set used when a request does not narrow it
var AllSources = []PaperSource{SourceSemanticScholar, SourceArxiv, SourcePubmed}

// Paper is one candidate publication flowing through the workflow.
// Identity is PaperID (source-prefixed for arXiv and PubMed); enrichment
// stages fill DOI, PDFURL, CoreContribution and Structured in place.
type Paper struct {
	PaperID          string                  `json:"paper_id"`
	Title            string                  `json:"title"`
	Authors          []string                `json:"authors,omitempty"`
	Abstract         string                  `json:"abstract,omitempty"`
	URL              string                  `json:"url,omitempty"`
	Year             int                     `json:"year,omitempty"`
	DOI              string                  `json:"doi,omitempty"`
	PDFURL           string                  `json:"pdf_url,omitempty"`
	Source           PaperSource             `json:"source"`
	IsApproved       bool                    `json:"is_approved"`
	CoreContribution string                  `json:"core_contribution,omitempty"`
	Structured       *StructuredContribution `json:"structured_contribution,omitempty"`
}

// StructuredContribution holds the fielded extraction produced alongside the
// core contribution. All fields are optional; empty means the paper does not
// state it.
type StructuredContribution struct {
	Problem     string `json:"problem,omitempty"`
	Method      string `json:"method,omitempty"`
	Novelty     string `json:"novelty,omitempty"`
	Dataset     string `json:"dataset,omitempty"`
	Baseline    string `json:"baseline,omitempty"`
	Results     string `json:"results,omitempty"`
	Limitations string `json:"limitations,omitempty"`
	FutureWork  string `json:"future_work,omitempty"`
}
