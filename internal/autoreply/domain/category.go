package domain

import "strings"

// Category is the fixed taxonomy used when classifying an incoming thread.
type Category string

const (
	CategoryJobPosting    Category = "Job Posting"
	CategoryCandidate     Category = "Candidate"
	CategoryEvent         Category = "Event"
	CategoryQuestions     Category = "Questions"
	CategoryDiscussion    Category = "Discussion Topics"
	CategoryIrrelevant    Category = "Irrelevant"
	CategoryOther         Category = "Other"
	CategoryResource      Category = "Resource"
	CategoryFollowUps     Category = "Follow-ups"
	CategoryUncategorized Category = "Uncategorized"
)

// AllCategories lists every category a classifier is allowed to emit.
var AllCategories = []Category{
	CategoryJobPosting,
	CategoryCandidate,
	CategoryEvent,
	CategoryQuestions,
	CategoryDiscussion,
	CategoryIrrelevant,
	CategoryOther,
	CategoryResource,
	CategoryFollowUps,
}

// MatchCategory normalizes a classifier answer to a known category. The
// second return is false when the answer matches nothing in the taxonomy.
func MatchCategory(s string) (Category, bool) {
	s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'`))
	for _, c := range AllCategories {
		if strings.EqualFold(string(c), s) {
			return c, true
		}
	}
	// tolerate common shorthand
	switch strings.ToLower(s) {
	case "job", "job_posting", "jobposting":
		return CategoryJobPosting, true
	case "discussion":
		return CategoryDiscussion, true
	case "follow-up", "followup", "follow_ups":
		return CategoryFollowUps, true
	case "question":
		return CategoryQuestions, true
	}
	return CategoryOther, false
}

// Complement returns the category whose threads are the preferred retrieval
// context when composing a reply for c. Job postings match candidates and
// vice versa; every other category matches itself.
func (c Category) Complement() Category {
	switch c {
	case CategoryJobPosting:
		return CategoryCandidate
	case CategoryCandidate:
		return CategoryJobPosting
	default:
		return c
	}
}

// SkipIndexing reports whether threads of this category are excluded from
// the vector store entirely.
func (c Category) SkipIndexing() bool {
	return c == CategoryIrrelevant
}

// SkipReply reports whether the pipeline must not compose a reply for this
// category.
func (c Category) SkipReply() bool {
	return c == CategoryIrrelevant
}

// Classification is the full classifier output for one thread. Confidence
// and Fields are only populated when the model answers in the structured
// form; a bare category answer leaves them zero.
type Classification struct {
	Category   Category          `json:"category"`
	Confidence int               `json:"confidence,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Reasoning  string            `json:"reasoning,omitempty"`
}
