package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/rowlock/segment"
	"github.com/maxpert/rowlock/telemetry"
	"github.com/rs/zerolog/log"
)

// holderView is HolderInfo with readable timestamps
type holderView struct {
	ID             uint64 `json:"id" msgpack:"id"`
	PID            int    `json:"pid" msgpack:"pid"`
	AttachedAt     string `json:"attached_at" msgpack:"attached_at"`
	Heartbeat      string `json:"heartbeat,omitempty" msgpack:"heartbeat,omitempty"`
	HeartbeatAgeMS int64  `json:"heartbeat_age_ms,omitempty" msgpack:"heartbeat_age_ms,omitempty"`
}

// locksView is one page of lock records
type locksView struct {
	Tables []segment.TableRecord `json:"tables" msgpack:"tables"`
	Rows   []segment.RowRecord   `json:"rows" msgpack:"rows"`
}

// handleStats returns segment capacity and occupancy
func (h *AdminHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.seg.Stats()
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeResponse(w, r, st, false, "")
}

// handleHealth reports whether the segment can be read
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := h.seg.Stats()
	if err != nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}

	response := map[string]any{
		"healthy": true,
		"stats": map[string]any{
			"holders":     st.Holders,
			"rows_free":   st.RowSlots - st.RowsUsed,
			"tables_free": st.TableSlots - st.TablesUsed,
		},
	}
	writeResponse(w, r, response, false, "")
}

// handleHolders lists the registered holders
func (h *AdminHandlers) handleHolders(w http.ResponseWriter, r *http.Request) {
	snap, err := h.seg.Snapshot()
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	now := h.clock()
	views := make([]holderView, 0, len(snap.Holders))
	for _, info := range snap.Holders {
		v := holderView{
			ID:         uint64(info.ID),
			PID:        info.PID,
			AttachedAt: formatTimestamp(info.AttachedAt),
			Heartbeat:  formatTimestamp(info.Heartbeat),
		}
		if !info.Heartbeat.IsZero() {
			v.HeartbeatAgeMS = now.Sub(info.Heartbeat).Milliseconds()
		}
		views = append(views, v)
	}
	writeResponse(w, r, views, false, "")
}

// handleLocks lists table and row lock records, optionally filtered by table and holder.
// Row records are paginated with from and limit.
func (h *AdminHandlers) handleLocks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	table, byTable, err := parseUintParam(r, "table")
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	holder, byHolder, err := parseUintParam(r, "holder")
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := h.seg.Snapshot()
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	keep := func(tableID uint64, h segment.HolderID) bool {
		return (!byTable || tableID == table) && (!byHolder || uint64(h) == holder)
	}

	view := locksView{Tables: []segment.TableRecord{}, Rows: []segment.RowRecord{}}
	for _, rec := range snap.Tables {
		if keep(rec.TableID, rec.Holder) {
			view.Tables = append(view.Tables, rec)
		}
	}

	matched := 0
	hasMore := false
	for _, rec := range snap.Rows {
		if !keep(rec.TableID, rec.Holder) {
			continue
		}
		matched++
		if matched <= from {
			continue
		}
		if len(view.Rows) == limit {
			hasMore = true
			break
		}
		view.Rows = append(view.Rows, rec)
	}

	lastKey := ""
	if hasMore {
		lastKey = strconv.Itoa(from + len(view.Rows))
	}
	writeResponse(w, r, view, hasMore, lastKey)
}

// handleSnapshot returns every record in one consistent copy
func (h *AdminHandlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.seg.Snapshot()
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeResponse(w, r, snap, false, "")
}

// handleSweep reclaims dead holders and their records
func (h *AdminHandlers) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.seg.Sweep()
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Holders > 0 {
		telemetry.SegmentSweepsTotal.Inc()
	}
	log.Info().
		Int("holders", res.Holders).
		Int("rows", res.Rows).
		Int("tables", res.Tables).
		Msg("Admin sweep completed")
	writeResponse(w, r, res, false, "")
}
