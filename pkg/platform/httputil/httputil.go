// Package httputil centralizes JSON response writing and error translation so
// handlers stay thin and error envelopes stay consistent.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"verdict/pkg/platform/sentinel"
)

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates an error into the JSON error envelope. Sentinel
// errors carry the status; anything else is an internal error whose detail is
// not leaked to the caller.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	description := ""

	switch {
	case errors.Is(err, sentinel.ErrBadInput):
		status = http.StatusBadRequest
		code = "bad_request"
		description = err.Error()
	case errors.Is(err, sentinel.ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
		description = err.Error()
	case errors.Is(err, sentinel.ErrUnavailable):
		status = http.StatusBadGateway
		code = "upstream_unavailable"
		description = err.Error()
	}

	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	WriteJSON(w, status, body)
}

// Decode reads the request body as JSON into a value of type T, rejecting
// unknown fields.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, sentinel.ErrBadInput
	}
	return v, nil
}
