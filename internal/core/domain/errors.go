package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflicting write")
	ErrGeneration    = errors.New("generation failed")
	ErrStorage       = errors.New("storage failure")
	ErrPartialIngest = errors.New("partial ingestion")
	ErrTemporary     = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// PartialIngestError reports which half of a document write landed before the other failed.
// Re-ingesting the whole document is always safe.
type PartialIngestError struct {
	IndexName   string
	DocumentID  string
	SparseWrote bool
	DenseWrote  bool
	Err         error
}

func (e *PartialIngestError) Error() string {
	return fmt.Sprintf(
		"partial ingestion of %s/%s (sparse=%t dense=%t): %v",
		e.IndexName, e.DocumentID, e.SparseWrote, e.DenseWrote, e.Err,
	)
}

func (e *PartialIngestError) Unwrap() []error {
	return []error{ErrPartialIngest, e.Err}
}
