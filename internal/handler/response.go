package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/user-accounts/internal/apperror"
)

// ErrorResponse is the body of every failed request:
//
//	{"error": "not_found", "message": "user not found with id 7"}
//	{"error": "validation_error", "message": "invalid field", "field": "email"}
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// errorStatus lists the client-facing kinds. Anything else, ErrStore
// included, is a 500 whose details stay in the log.
var errorStatus = []struct {
	kind   error
	status int
	code   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", slog.String("error", err.Error()))
	}
}

// writeError picks the status from the error's kind. The match uses
// errors.Is, so service-level wrapping is transparent.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, e := range errorStatus {
			if errors.Is(err, e.kind) {
				writeJSON(w, e.status, ErrorResponse{Error: e.code, Message: appErr.Message, Field: appErr.Field})
				return
			}
		}
	}

	slog.Error("internal error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
