package domain

// Document is the generic shape exchanged with the document store. Values are
// restricted to what encoding/json produces: strings, float64, bool, nil,
// []any and nested map[string]any.
type Document = map[string]any

// Collection names used across the kernel. The document store is schemaless;
// these are the only collections this module touches.
const (
	CollectionSubmissions     = "startup_submissions"
	CollectionReports         = "startup_evaluation_reports"
	CollectionUsers           = "users"
	CollectionRecommendations = "investor_recommendations"
	CollectionRecCache        = "investor_recommendations_cache"
)

// StringField reads a string-valued field from a document, returning the
// fallback when absent or of another type.
func StringField(doc Document, key, fallback string) string {
	if doc == nil {
		return fallback
	}
	if v, ok := doc[key].(string); ok {
		return v
	}
	return fallback
}

// NumberField reads a numeric field from a document. JSON decoding yields
// float64, but documents built in-process may carry int values too.
func NumberField(doc Document, key string, fallback float64) float64 {
	if doc == nil {
		return fallback
	}
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// SubDocument reads a nested document field, returning nil when absent.
func SubDocument(doc Document, key string) Document {
	if doc == nil {
		return nil
	}
	if v, ok := doc[key].(map[string]any); ok {
		return v
	}
	return nil
}
