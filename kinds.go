package goreason

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions, per the
// error handling design: each kind carries a fixed policy (retry or not,
// surface immediately or degrade).
type Kind string

const (
	// KindInvalidInput is a caller fault; 4xx-equivalent, never retried.
	KindInvalidInput Kind = "invalid_input"

	// KindNotFound marks a missing document or entity.
	KindNotFound Kind = "not_found"

	// KindTimeout marks a per-operation deadline exceeded; retrieval may
	// proceed with a partial subset of strategies, ingestion marks the
	// failing chunk and continues.
	KindTimeout Kind = "timeout"

	// KindTransientDependency marks a store/collaborator that is
	// temporarily unavailable; retried with exponential backoff at the
	// adapter level before surfacing.
	KindTransientDependency Kind = "transient_dependency"

	// KindPermanentDependency marks an authentication or schema error;
	// surfaced immediately, never retried.
	KindPermanentDependency Kind = "permanent_dependency"

	// KindDataIntegrity marks an invariant violation (e.g. an embedding
	// dimension mismatch); the operation aborts rather than risk
	// corrupting a store.
	KindDataIntegrity Kind = "data_integrity"
)

// Retryable reports whether errors of this kind should be retried by the
// adapter layer.
func (k Kind) Retryable() bool {
	return k == KindTransientDependency
}

// KindError wraps an underlying error with a Kind, without disturbing the
// wrapped error's identity for errors.Is/errors.As.
type KindError struct {
	Kind Kind
	Err  error
}

// WithKind attaches a Kind to an existing error, preserving errors.Is/As
// against the original sentinel.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s [%s]", e.Err.Error(), e.Kind)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// ErrorKind extracts the Kind from err, if it (or something it wraps)
// carries one. The fallback maps well-known sentinels to a default kind
// for callers that never attached one explicitly.
func ErrorKind(err error) (Kind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return KindNotFound, true
	case errors.Is(err, ErrNoResults):
		return KindNotFound, true
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidInput, true
	case errors.Is(err, ErrUnsupportedFormat):
		return KindInvalidInput, true
	case errors.Is(err, ErrDocumentExists):
		return KindInvalidInput, true
	case errors.Is(err, ErrVisionRequired):
		return KindInvalidInput, true
	case errors.Is(err, ErrExternalParserRequired):
		return KindInvalidInput, true
	case errors.Is(err, ErrLowConfidence):
		return KindDataIntegrity, true
	case errors.Is(err, ErrParsingFailed):
		return KindDataIntegrity, true
	case errors.Is(err, ErrEmbeddingFailed):
		return KindTransientDependency, true
	case errors.Is(err, ErrLLMUnavailable):
		return KindTransientDependency, true
	case errors.Is(err, ErrLLMRequestFailed):
		return KindTransientDependency, true
	case errors.Is(err, ErrStoreClosed):
		return KindPermanentDependency, true
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout, true
	}
	return "", false
}
