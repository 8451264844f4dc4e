package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/rowlock/encoding"
	"github.com/maxpert/rowlock/segment"
	"github.com/rs/zerolog/log"
)

// SegmentSource is the lock segment the admin endpoints inspect. *segment.Segment
// implements it.
type SegmentSource interface {
	Stats() (segment.Stats, error)
	Snapshot() (*segment.Snapshot, error)
	Sweep() (segment.SweepResult, error)
}

// AdminHandlers serves the admin endpoints of one lock segment
type AdminHandlers struct {
	seg   SegmentSource
	clock func() time.Time
}

// NewAdminHandlers creates handlers for seg
func NewAdminHandlers(seg SegmentSource) *AdminHandlers {
	return &AdminHandlers{seg: seg, clock: time.Now}
}

// wantsMsgpack reports whether the client asked for msgpack instead of JSON
func wantsMsgpack(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), encoding.ContentType)
}

// writeResponse writes a successful response as JSON or msgpack
func writeResponse(w http.ResponseWriter, r *http.Request, data any, hasMore bool, lastKey string) {
	response := map[string]any{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	writeBody(w, r, http.StatusOK, response)
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeBody(w, r, status, map[string]any{"error": message})
}

func writeBody(w http.ResponseWriter, r *http.Request, status int, body any) {
	if wantsMsgpack(r) {
		data, err := encoding.Marshal(body)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode msgpack response")
			http.Error(w, "encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", encoding.ContentType)
		w.WriteHeader(status)
		w.Write(data)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}

// parseFrom parses the from offset for pagination
func parseFrom(r *http.Request) (int, error) {
	fromStr := r.URL.Query().Get("from")
	if fromStr == "" {
		return 0, nil
	}
	from, err := strconv.Atoi(fromStr)
	if err != nil || from < 0 {
		return 0, fmt.Errorf("invalid from parameter: %q", fromStr)
	}
	return from, nil
}

// parseUintParam parses an optional unsigned query parameter, ok is false when absent
func parseUintParam(r *http.Request, name string) (v uint64, ok bool, err error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return v, true, nil
}

// formatTimestamp renders t as RFC 3339, empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
