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
	"log/slog"
	"net/http"
	"time"

	"github.com/caldwell/syncron/internal/broker"
)

const keepaliveInterval = 15 * time.Second

// handleEvents implements the SSE subscription endpoint: the request's
// `topic` query parameters are parsed as MQTT-style filters, and every
// matching broker.Event is serialized as one `data:` line, per §6.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "at least one topic filter is required")
		return
	}

	filters := make([]broker.Filter, 0, len(topics))
	for _, t := range topics {
		f, err := broker.ParseFilter(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filters = append(filters, f)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.Broker.Subscribe(filters)
	defer sub.Close()

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			body, err := json.Marshal(event)
			if err != nil {
				slog.Warn("sse: marshal event failed", "error", err)
				continue
			}
			if _, err := w.Write([]byte("data: " + string(body) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
