// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/caldwell/syncron/internal/registry"
)

// jsonError is the body of every non-2xx response, per §7.
type jsonError struct {
	Error string `json:"error"`
}

// writeJSON marshals v and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Warn("failed to write response body", "error", err)
	}
}

// writeError writes a jsonError body with the given status.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonError{Error: msg})
}

// writeStoreError maps a registry/logstore error to an HTTP status per §7's
// error taxonomy and writes it as a jsonError.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrBadIdentifier):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrAlreadyCompleted):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("store error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
