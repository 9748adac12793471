package claims

import "github.com/autoscholar/scholard/pkg/llm"

const claimExtractionSystem = `Split a literature review section into atomic factual claims.

Requirements:
- Each claim: ONE self-contained factual statement taken from the section
- PRESERVE every {cite:N} marker inside the claim it belongs to
- Do NOT merge unrelated statements into a single claim
- Skip transitions, headings, and statements of opinion`

const claimExtractionUser = `Section: %s

%s`

const claimVerificationSystem = `Judge whether the cited paper supports the claim.

Labels:
- "entails": the paper's abstract or core contribution directly supports the claim
- "insufficient": the paper is related but does not state what the claim says
- "contradicts": the paper states the opposite of the claim

Base the judgement ONLY on the provided title, abstract, and core contribution.
Put the most relevant sentence from the abstract in evidence_snippet (empty if none).
Keep the rationale to one or two sentences.`

const claimVerificationUser = `Claim: %s

Cited paper [%d]:
Title: %s
Abstract: %s
Core contribution: %s`

var claimListSchema = llm.MustSchema("ClaimList", `{
	"type": "object",
	"properties": {
		"claims": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["claims"]
}`)

var verificationSchema = llm.MustSchema("VerificationOutput", `{
	"type": "object",
	"properties": {
		"label": {"type": "string"},
		"confidence": {"type": "number"},
		"evidence_snippet": {"type": "string"},
		"rationale": {"type": "string"}
	},
	"required": ["label", "confidence", "evidence_snippet", "rationale"]
}`)

type claimListOutput struct {
	Claims []string `json:"claims"`
}

type verificationOutput struct {
	Label           string  `json:"label"`
	Confidence      float64 `json:"confidence"`
	EvidenceSnippet string  `json:"evidence_snippet"`
	Rationale       string  `json:"rationale"`
}
