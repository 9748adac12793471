package models

import "sort"

// Outline is the writer's first-pass plan for a fresh draft
type Outline struct {
	Title         string   `json:"title"`
	SectionTitles []string `json:"section_titles"`
}

// Section is one titled block of draft prose. Content carries {cite:N}
// markers referencing 1-based indices into the extracted paper list.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Draft is the generated literature review
type Draft struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// UniqueCitations returns the distinct citation indices used anywhere in the
// draft, in ascending order.
func (d *Draft) UniqueCitations() []int {
	if d == nil {
		return nil
	}
	seen := map[int]bool{}
	var out []int
	for _, sec := range d.Sections {
		for _, idx := range ExtractCitationIndices(sec.Content) {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	sort.Ints(out)
	return out
}
