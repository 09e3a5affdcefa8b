package usecase

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"mailpilot-backend/internal/autoreply/domain"
	"mailpilot-backend/internal/autoreply/repository"
)

// rrfK dampens the weight of top ranks when fusing channels, so a thread
// placed well by both channels beats one placed first by a single channel.
const rrfK = 60

// Retriever answers "which of this user's threads are most like this one"
// by fusing semantic and lexical search with reciprocal rank fusion.
type Retriever struct {
	vector    VectorStore
	indexRepo repository.ThreadIndexRepository
}

func NewRetriever(vector VectorStore, indexRepo repository.ThreadIndexRepository) *Retriever {
	return &Retriever{
		vector:    vector,
		indexRepo: indexRepo,
	}
}

// Search runs the hybrid query and returns up to topK fused results, best
// first.
func (r *Retriever) Search(ctx context.Context, userID, query string, topK int) ([]domain.ThreadSummary, error) {
	if topK <= 0 {
		topK = 3
	}
	fused, err := r.fuse(ctx, userID, query, topK*3)
	if err != nil {
		return nil, err
	}
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// ContextFor retrieves the threads used as composition context for a thread
// of the given category. Job postings are matched against candidates and
// vice versa; when no thread of the preferred category exists the unfiltered
// results are used so the composer never runs empty-handed while relevant
// history exists.
func (r *Retriever) ContextFor(ctx context.Context, userID, query string, category domain.Category, topK int) ([]domain.ThreadSummary, error) {
	if topK <= 0 {
		topK = 3
	}

	fused, err := r.fuse(ctx, userID, query, topK*3)
	if err != nil {
		return nil, err
	}

	preferred := category.Complement()
	var filtered []domain.ThreadSummary
	for _, s := range fused {
		if s.Category == preferred {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		log.Printf("[Retriever] No %q threads for user %s, falling back to unfiltered results", preferred, userID)
		filtered = fused
	}

	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

// fuse merges both channels with reciprocal rank fusion keyed by thread ID.
// Ties keep the order threads were first seen in.
func (r *Retriever) fuse(ctx context.Context, userID, query string, perChannel int) ([]domain.ThreadSummary, error) {
	// Either channel may fail alone; the survivor still yields usable
	// context, so a single-channel outage degrades retrieval instead of
	// blanking it.
	semanticIDs, _, err := r.vector.SemanticSearch(ctx, userID, query, perChannel)
	if err != nil {
		log.Printf("[Retriever] Semantic search failed for user %s: %v", userID, err)
		semanticIDs = nil
	}

	lexical, err := r.indexRepo.SearchFullText(userID, query, perChannel)
	if err != nil {
		log.Printf("[Retriever] Lexical search failed for user %s: %v", userID, err)
		lexical = nil
	}

	scores := make(map[string]float64)
	var order []string

	add := func(threadID string, rank int) {
		if threadID == "" {
			return
		}
		if _, seen := scores[threadID]; !seen {
			order = append(order, threadID)
		}
		scores[threadID] += 1.0 / float64(rrfK+rank+1)
	}

	prefix := fmt.Sprintf("user_%s_", userID)
	for rank, vectorID := range semanticIDs {
		add(strings.TrimPrefix(vectorID, prefix), rank)
	}
	for rank := range lexical {
		add(lexical[rank].ThreadID, rank)
	}

	if len(order) == 0 {
		return nil, nil
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	records, err := r.indexRepo.GetByThreadIDs(userID, order)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.ThreadIndexRecord, len(records))
	for i := range records {
		byID[records[i].ThreadID] = &records[i]
	}

	summaries := make([]domain.ThreadSummary, 0, len(order))
	for _, threadID := range order {
		record, ok := byID[threadID]
		if !ok {
			// Vector hit with no relational row; the index halves drifted
			continue
		}
		summaries = append(summaries, record.Summary(scores[threadID]))
	}

	return summaries, nil
}
