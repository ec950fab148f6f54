// Package errors provides structured error handling for the RAG engine.
//
// Every error carries a Kind (a closed set mirroring the failure taxonomy of
// the engine), an optional detail map, and a retryable flag. Callers branch on
// Kind via errors.Is/KindOf rather than string matching.
package errors

// Kind classifies an engine error.
type Kind string

const (
	// KindNotFound indicates a missing knowledge base, document, or structure.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict indicates a duplicate content hash or a reprocess request
	// against a document that is already PROCESSING.
	KindConflict Kind = "CONFLICT"
	// KindEmptyInput indicates empty text handed to the chunker or embedder.
	KindEmptyInput Kind = "EMPTY_INPUT"
	// KindInvalidConfig indicates a dimension mismatch, unknown retrieval mode,
	// or invalid fusion weights.
	KindInvalidConfig Kind = "INVALID_CONFIG"
	// KindProviderTransient indicates a rate limit or timeout from an
	// embedding/LLM/store backend. Retryable with backoff.
	KindProviderTransient Kind = "PROVIDER_TRANSIENT"
	// KindProviderPermanent indicates auth failure, bad request, or corruption.
	KindProviderPermanent Kind = "PROVIDER_PERMANENT"
	// KindStoreUnavailable indicates an unreachable vector or lexical backend.
	KindStoreUnavailable Kind = "STORE_UNAVAILABLE"
	// KindTruncated indicates the assembled context exceeded its cap. Non-fatal.
	KindTruncated Kind = "TRUNCATED"
	// KindIntentFailure indicates LLM intent extraction failed. Non-fatal.
	KindIntentFailure Kind = "INTENT_FAILURE"
	// KindInternal indicates an unexpected internal failure.
	KindInternal Kind = "INTERNAL"
)

// retryableKinds lists the kinds safe to retry with backoff.
var retryableKinds = map[Kind]bool{
	KindProviderTransient: true,
	KindStoreUnavailable:  true,
}
