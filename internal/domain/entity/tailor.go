package entity

// ManufacturedHistoryEntry is a synthesized prior-turn summary the Tailor
// pass injects when the real history is too long to replay verbatim.
type ManufacturedHistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TailorResult is the structured output of the Pre-Dot Tailor pass
// (spec.md §4.7): a restated request, a complexity score, confidence in
// the matched memory models, and supporting context for the Selector and
// Recruiter stages.
type TailorResult struct {
	RestatedRequest    string                     `json:"restatedRequest"`
	Complexity         int                        `json:"complexity"` // 0..10
	ContextConfidence  float64                    `json:"contextConfidence"` // 0..1
	RelevantMemories   []MemoryMatch              `json:"relevantMemories"`
	ManufacturedHistory []ManufacturedHistoryEntry `json:"manufacturedHistory"`
	TopicSegments      []string                   `json:"topicSegments"`
	SkillSearchQuery   string                      `json:"skillSearchQuery"`
	SkillFeedback      string                      `json:"skillFeedback"`
}

// ClampComplexity keeps the complexity score within the documented 0..10
// range regardless of what the model returned.
func (t *TailorResult) ClampComplexity() {
	if t.Complexity < 0 {
		t.Complexity = 0
	}
	if t.Complexity > 10 {
		t.Complexity = 10
	}
}
