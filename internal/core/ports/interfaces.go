package ports

import (
	"context"

	"github.com/venturekit/dealflow/internal/core/domain"
)

// DocumentStore abstracts the durable per-document storage backing the
// kernel (DuckDB in the shipped adapter). It is the system of record for
// submission status; the queue's own scheduling state is ephemeral.
type DocumentStore interface {
	// Get retrieves one document. Returns domain.ErrDocumentNotFound when absent.
	Get(ctx context.Context, collection, id string) (domain.Document, error)

	// Set writes a document wholesale, creating or replacing it.
	Set(ctx context.Context, collection, id string, doc domain.Document) error

	// Update merges fields into an existing document. Returns
	// domain.ErrDocumentNotFound when the document does not exist.
	Update(ctx context.Context, collection, id string, fields domain.Document) error

	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns all documents in a collection, keyed by id, optionally
	// filtered. A nil filter matches everything.
	Query(ctx context.Context, collection string, filter func(domain.Document) bool) (map[string]domain.Document, error)
}

// InferenceProvider abstracts the external AI service.
type InferenceProvider interface {
	// Evaluate turns a submission's raw assets and fields into a structured
	// evaluation report. The call may block for a long time.
	Evaluate(ctx context.Context, submissionID string, submission domain.Document) (domain.Document, error)

	// Rank orders startup summaries against investor preferences. The response
	// is unvalidated; callers must check rank integrity themselves and fall
	// back when it is malformed.
	Rank(ctx context.Context, preferences domain.Document, summaries []domain.StartupSummary) (domain.RankingResponse, error)
}
