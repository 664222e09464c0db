package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/sshaudit"
)

// AuditLogs returns a handler serving paginated audit rows.
//
// Query parameters:
//
//	connection_id - filter by backend connection ID
//	channel_id    - filter by client channel ID
//	event_type    - filter by event type
//	since         - RFC3339 timestamp, only entries after this time
//	until         - RFC3339 timestamp, only entries before this time
//	limit         - max entries to return (default 50, max 1000)
//	offset        - pagination offset
//
// A nil auditor (audit disabled) answers 503.
func AuditLogs(auditor *sshaudit.Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auditor == nil {
			writeError(w, http.StatusServiceUnavailable, "Audit trail is disabled")
			return
		}

		q := r.URL.Query()
		opts := sshaudit.QueryOptions{
			ConnectionID: q.Get("connection_id"),
			ChannelID:    q.Get("channel_id"),
			EventType:    q.Get("event_type"),
		}
		for _, tf := range []struct {
			param string
			dst   **time.Time
		}{{"since", &opts.Since}, {"until", &opts.Until}} {
			v := q.Get(tf.param)
			if v == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+tf.param+" timestamp (use RFC3339)")
				return
			}
			*tf.dst = &t
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid limit")
				return
			}
			opts.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "Invalid offset")
				return
			}
			opts.Offset = n
		}

		result, err := auditor.Query(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}
