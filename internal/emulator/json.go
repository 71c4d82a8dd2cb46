package emulator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/kechain/internal/apperr"
)

const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Detail string `json:"detail"`
}

func errorBody(msg string) errResponse {
	return errResponse{Detail: msg}
}

type listResponse[T any] struct {
	Results []T `json:"results"`
	Count   int `json:"count"`
}

func writeResults[T any](w http.ResponseWriter, status int, items []T, count int) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, status, listResponse[T]{Results: items, Count: count})
}

func writeOne[T any](w http.ResponseWriter, status int, item T) {
	writeResults(w, status, []T{item}, 1)
}

// writeError maps service errors onto status codes.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrUnsupported):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, apperr.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody(err.Error()))
	default:
		slog.Error(op+" failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}
