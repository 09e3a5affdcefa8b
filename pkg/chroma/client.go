package chroma

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"mailpilot-backend/pkg/config"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings/gemini"
)

// ThreadDocument is everything stored alongside a thread embedding. The
// content becomes the embedded document body; the remaining fields travel
// as metadata so a hit is self-describing without a relational lookup.
type ThreadDocument struct {
	UserID       string
	ThreadID     string
	Subject      string
	Content      string
	Category     string
	Participants string // JSON-encoded address list
	MessageCount int
	LastUpdated  time.Time
	TextPreview  string
}

type ChromaClient struct {
	client     chroma.Client
	embedFunc  *gemini.GeminiEmbeddingFunction
	config     *config.Config
	collection chroma.Collection // Pre-created collection
}

// VectorID builds the document ID for a user's thread. One document per
// thread per user.
func VectorID(userID, threadID string) string {
	return fmt.Sprintf("user_%s_%s", userID, threadID)
}

func NewChromaClient(cfg *config.Config) (*ChromaClient, error) {
	if cfg.ChromaAPIKey == "" {
		return nil, fmt.Errorf("CHROMA_API_KEY is required")
	}

	// Set environment variable for Gemini API key if needed
	if cfg.GeminiApiKey != "" {
		os.Setenv("GEMINI_API_KEY", cfg.GeminiApiKey)
	}

	// Create Gemini embedding function
	embedFunc, err := gemini.NewGeminiEmbeddingFunction(
		gemini.WithEnvAPIKey(),
		gemini.WithDefaultModel("text-embedding-004"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini embedding function: %w", err)
	}

	// Create Chroma Cloud client
	// Use Chroma Cloud endpoint - https://api.trychroma.com:8000/api/v2
	var client chroma.Client
	if cfg.ChromaDatabase != "" && cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithDatabaseAndTenant(cfg.ChromaDatabase, cfg.ChromaTenant),
		)
	} else if cfg.ChromaTenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
			chroma.WithTenant(cfg.ChromaTenant),
		)
	} else {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.ChromaAPIKey),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create Chroma client: %w", err)
	}

	// Create collection once during initialization
	ctx := context.Background()
	collection, err := client.GetOrCreateCollection(
		ctx,
		"threads", // collection name
		chroma.WithEmbeddingFunctionCreate(embedFunc),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	log.Printf("[Chroma] Initialized client with collection: threads")

	return &ChromaClient{
		client:     client,
		embedFunc:  embedFunc,
		config:     cfg,
		collection: collection,
	}, nil
}

// GetCollection returns the pre-created collection
func (c *ChromaClient) GetCollection() chroma.Collection {
	return c.collection
}

// UpsertThread stores or refreshes a thread's embedding. Using the thread's
// vector ID as the document ID makes re-indexing after new messages a plain
// overwrite.
func (c *ChromaClient) UpsertThread(ctx context.Context, doc ThreadDocument) error {
	collection := c.GetCollection()

	text := fmt.Sprintf("Subject: %s\n\n%s", doc.Subject, doc.Content)
	if len(text) > 10000 {
		// Truncate if too long (embedding models have token limits)
		text = text[:10000]
	}

	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"user_id":       doc.UserID,
		"thread_id":     doc.ThreadID,
		"subject":       doc.Subject,
		"category":      doc.Category,
		"participants":  doc.Participants,
		"message_count": doc.MessageCount,
		"last_updated":  doc.LastUpdated.Format(time.RFC3339),
		"text_preview":  doc.TextPreview,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}

	err = collection.Upsert(
		ctx,
		chroma.WithIDs(chroma.DocumentID(VectorID(doc.UserID, doc.ThreadID))),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(text),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert thread embedding: %w", err)
	}

	return nil
}

// SemanticSearch returns the vector IDs and distances of the user's threads
// closest to the query, nearest first.
func (c *ChromaClient) SemanticSearch(ctx context.Context, userID, query string, limit int) ([]string, []float64, error) {
	collection := c.GetCollection()
	if collection == nil {
		return nil, nil, fmt.Errorf("collection is nil")
	}

	// Scope the query to the user's own documents
	where := chroma.EqString("user_id", userID)

	results, err := collection.Query(
		ctx,
		chroma.WithQueryTexts(query),
		chroma.WithNResults(limit),
		chroma.WithWhereQuery(where),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query collection: %w", err)
	}

	if results == nil || results.CountGroups() == 0 {
		return []string{}, []float64{}, nil
	}

	idGroups := results.GetIDGroups()
	distanceGroups := results.GetDistancesGroups()

	if len(idGroups) == 0 || len(idGroups[0]) == 0 {
		return []string{}, []float64{}, nil
	}

	ids := make([]string, 0, len(idGroups[0]))
	for _, id := range idGroups[0] {
		ids = append(ids, string(id))
	}

	distances := []float64{}
	if len(distanceGroups) > 0 && len(distanceGroups[0]) > 0 {
		for _, d := range distanceGroups[0] {
			distances = append(distances, float64(d))
		}
	}

	return ids, distances, nil
}

// DeleteThread removes a thread's embedding.
func (c *ChromaClient) DeleteThread(ctx context.Context, userID, threadID string) error {
	collection := c.GetCollection()

	err := collection.Delete(ctx, chroma.WithIDsDelete(chroma.DocumentID(VectorID(userID, threadID))))
	if err != nil {
		return fmt.Errorf("failed to delete thread embedding: %w", err)
	}

	return nil
}
