package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

type errorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind,omitempty"`
	SparseWrote *bool  `json:"sparse_written,omitempty"`
	DenseWrote  *bool  `json:"dense_written,omitempty"`
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrValidation):
		return "validation"
	case domain.IsKind(err, domain.ErrNotFound):
		return "not_found"
	case domain.IsKind(err, domain.ErrConflict):
		return "conflict"
	case domain.IsKind(err, domain.ErrPartialIngest):
		return "partial_ingest"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	case domain.IsKind(err, domain.ErrGeneration):
		return "generation"
	case domain.IsKind(err, domain.ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

func newErrorResponse(err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Kind: errorKind(err)}
	var partial *domain.PartialIngestError
	if errors.As(err, &partial) {
		resp.SparseWrote = &partial.SparseWrote
		resp.DenseWrote = &partial.DenseWrote
	}
	return resp
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), newErrorResponse(err))
}
