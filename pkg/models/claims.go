package models

// EntailmentLabel is the verifier's judgement of whether a cited paper
// supports a claim
type EntailmentLabel string

const (
	EntailmentEntails      EntailmentLabel = "entails"
	EntailmentInsufficient EntailmentLabel = "insufficient"
	EntailmentContradicts  EntailmentLabel = "contradicts"
)

// Claim is one factual statement extracted from a draft section together
// with the citation indices it leans on
type Claim struct {
	ClaimID         string `json:"claim_id"`
	SectionIndex    int    `json:"section_index"`
	Text            string `json:"text"`
	CitationIndices []int  `json:"citation_indices"`
}

// ClaimVerification is the judgement for one (claim, citation index) pair.
// ClaimText is carried along so QA failure reports can quote the claim
// without going back to the extraction results.
type ClaimVerification struct {
	ClaimID    string          `json:"claim_id"`
	ClaimText  string          `json:"claim_text"`
	PaperIndex int             `json:"paper_index"`
	Label      EntailmentLabel `json:"label"`
	Confidence float64         `json:"confidence"`
	Evidence   string          `json:"evidence,omitempty"`
	Rationale  string          `json:"rationale,omitempty"`
}

// VerificationSummary aggregates the semantic QA layer's results
type VerificationSummary struct {
	Total        int     `json:"total"`
	Entails      int     `json:"entails"`
	Insufficient int     `json:"insufficient"`
	Contradicts  int     `json:"contradicts"`
	Failed       int     `json:"failed"`
	SupportRatio float64 `json:"support_ratio"`
}
