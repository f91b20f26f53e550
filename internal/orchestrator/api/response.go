// Package api implements the orchestrator's HTTP facade: slave lifecycle,
// agent placement, installation, and human-request endpoints, plus the
// dashboard/metrics/websocket additions.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/d8ops/controlplane/internal/errs"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with payload as the body, unwrapped.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// Created writes a 201 Created response with payload as the body.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, payload)
}

// errorBody is the wire shape of every error response: {"error": "...",
// "kind": "..."}.
type errorBody struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind"`
}

// WriteError inspects err and writes the matching status/kind. Errors that
// are not *errs.Error are treated as Fatal/500 without leaking detail.
func WriteError(w http.ResponseWriter, err error) {
	var kind errs.Kind
	var msg string

	var e *errs.Error
	if asErrsError(err, &e) {
		kind = e.Kind
		msg = e.Message
	} else {
		kind = errs.KindFatal
		msg = "an internal error occurred"
	}

	JSON(w, errs.HTTPStatus(kind), errorBody{Error: msg, Kind: kind})
}

func asErrsError(err error, target **errs.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*errs.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// decodeJSON decodes the request body into dst, writing a BadRequest-shaped
// error and returning false on failure so handlers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		JSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Kind: errs.KindFatal})
		return false
	}
	return true
}
