package workflow

import (
	"github.com/autoscholar/scholard/pkg/llm"
	"github.com/autoscholar/scholard/pkg/models"
)

const keywordGenerationSystem = `Generate 3-5 English search keywords for academic paper search.

Requirements:
- Each keyword: 2-4 words, specific enough to filter results
- Cover different angles: core concept, methodology, application domain
- Avoid overly broad single words (e.g. 'learning', 'analysis', 'model')`

// keywordGenerationContinuation is appended to the keyword system prompt on
// follow-up requests. %s = rendered conversation history.
const keywordGenerationContinuation = `

This is a follow-up request. Consider the conversation history when generating keywords to find additional relevant papers.
Conversation history:
%s`

const contributionExtractionSystem = `Extract the paper's core contribution in ONE sentence (15-30 words).
Format: "[Novel method/key finding] that [achieves/enables] [specific outcome]"
If abstract is vague, infer from title. Output in English.
CRITICAL: You MUST return a non-empty string for core_contribution.`

// contributionExtractionUser carries one paper. %s = title, %d = year,
// %s = abstract.
const contributionExtractionUser = `Title: %s
Year: %d
Abstract: %s`

const structuredExtractionSystem = `Extract structured facts from the paper's abstract.

Fields (leave a field empty when the abstract does not state it):
- problem: the problem the paper addresses
- method: the proposed method or approach
- novelty: what is new compared to prior work
- dataset: datasets or benchmarks used
- baseline: baselines or systems compared against
- results: the main quantitative or qualitative results
- limitations: limitations the authors acknowledge
- future_work: future directions the authors name

Each field: at most one sentence, in English. Do NOT guess or pad.`

// structuredExtractionUser carries one paper. %s = title, %d = year,
// %s = abstract.
const structuredExtractionUser = `Title: %s
Year: %d
Abstract: %s`

// draftGenerationSystem is the single-shot draft prompt.
// %[1]s = language name, %[2]d = number of papers.
const draftGenerationSystem = `Write a structured literature review with 4-6 thematic sections in formal academic %[1]s.

REQUIRED SECTIONS:
1. Introduction/Background - overview of the research area
2-4. Thematic sections - group papers by methodology, approach, or application
5. Methodology Comparison - compare and contrast the methods used across papers (include a comparison of strengths, limitations, datasets, and key findings)
6. Conclusion/Future Directions - summarize insights and identify research gaps

CITATION RULES:
- Use {cite:N} to reference papers, where N is the number shown in brackets in the paper list (1 to %[2]d).
- Example: "Smith et al. {cite:1} proposed X, while Jones {cite:3} extended Y."
- You MUST cite ALL %[2]d papers. Do NOT invent numbers outside 1-%[2]d.`

// draftRevisionAddendum is appended on continuation requests.
// %[1]s = existing draft summary (may be empty), %[2]s = user request,
// %[3]s = rendered conversation history.
const draftRevisionAddendum = `

This is a REVISION request. The user wants to modify the existing draft.%[1]s
User's modification request: %[2]s

Conversation history:
%[3]s

Please revise the draft according to the user's request while maintaining proper citations and academic quality.`

// draftRetryAddendum is appended on QA retries. %[1]d = error count,
// %[2]s = rendered error list, %[3]d = number of papers.
const draftRetryAddendum = `

PREVIOUS ATTEMPT FAILED (%[1]d errors). Fix these:
%[2]s
REMINDER: Valid citation numbers are 1 to %[3]d. Use ONLY {cite:1} through {cite:%[3]d}. Every paper (1-%[3]d) MUST be cited at least once.`

// draftUserPrompt is the user message for outline, section, and draft calls.
// %[1]s = research topic, %[2]s = numbered paper context.
const draftUserPrompt = `Research Topic: %[1]s

Papers for Review:
%[2]s`

// outlineGenerationSystem is the first call on the fresh-draft path.
// %s = language name.
const outlineGenerationSystem = `Create an outline for a literature review on the given topic.

Generate a title and 4-6 section titles that will structure the review.

REQUIRED STRUCTURE:
1. Introduction/Background
2-4. Thematic sections (group by methodology, approach, or application)
5. Methodology Comparison
6. Conclusion/Future Directions

Output section titles in %s. Be specific to the research topic.`

// sectionGenerationSystem drives one per-section call on the fresh-draft
// path. %[1]s = section title, %[2]d = section number, %[3]d = total
// sections, %[4]s = comma-joined outline titles, %[5]s = language name,
// %[6]d = number of papers.
const sectionGenerationSystem = `Write the "%[1]s" section of a literature review in %[5]s.

CONTEXT:
- This is section %[2]d of %[3]d
- Full outline: %[4]s

CITATION RULES:
- Use {cite:N} to reference papers (N = 1 to %[6]d)
- Cite relevant papers from the list below
- Do NOT invent citation numbers outside 1-%[6]d

Write 2-4 paragraphs with proper academic tone and citations.`

var keywordPlanSchema = llm.MustSchema("KeywordPlan", `{
	"type": "object",
	"properties": {
		"keywords": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["keywords"]
}`)

var contributionSchema = llm.MustSchema("ContributionExtraction", `{
	"type": "object",
	"properties": {
		"core_contribution": {"type": "string"}
	},
	"required": ["core_contribution"]
}`)

var structuredExtractionSchema = llm.MustSchema("StructuredExtraction", `{
	"type": "object",
	"properties": {
		"problem": {"type": "string"},
		"method": {"type": "string"},
		"novelty": {"type": "string"},
		"dataset": {"type": "string"},
		"baseline": {"type": "string"},
		"results": {"type": "string"},
		"limitations": {"type": "string"},
		"future_work": {"type": "string"}
	}
}`)

var outlineSchema = llm.MustSchema("DraftOutline", `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"section_titles": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["title", "section_titles"]
}`)

var sectionSchema = llm.MustSchema("ReviewSection", `{
	"type": "object",
	"properties": {
		"content": {"type": "string"}
	},
	"required": ["content"]
}`)

var draftSchema = llm.MustSchema("DraftOutput", `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"sections": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["title", "content"]
			}
		}
	},
	"required": ["title", "sections"]
}`)

type keywordPlanOutput struct {
	Keywords []string `json:"keywords"`
}

type contributionOutput struct {
	CoreContribution string `json:"core_contribution"`
}

type structuredExtractionOutput struct {
	Problem     string `json:"problem"`
	Method      string `json:"method"`
	Novelty     string `json:"novelty"`
	Dataset     string `json:"dataset"`
	Baseline    string `json:"baseline"`
	Results     string `json:"results"`
	Limitations string `json:"limitations"`
	FutureWork  string `json:"future_work"`
}

type outlineOutput struct {
	Title         string   `json:"title"`
	SectionTitles []string `json:"section_titles"`
}

type sectionOutput struct {
	Content string `json:"content"`
}

type draftOutput struct {
	Title    string           `json:"title"`
	Sections []models.Section `json:"sections"`
}
