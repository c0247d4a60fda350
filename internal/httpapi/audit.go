// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/audit"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// auditEntryView is one access log row in responses.
type auditEntryView struct {
	ID         string  `json:"id"`
	SubjectID  string  `json:"subjectId"`
	ResourceID string  `json:"resourceId"`
	ActionID   string  `json:"actionId"`
	Result     string  `json:"result"`
	Reason     string  `json:"reason"`
	PolicyID   *string `json:"policyId,omitempty"`
	IPAddress  string  `json:"ipAddress,omitempty"`
	UserAgent  string  `json:"userAgent,omitempty"`
	CreatedAt  string  `json:"createdAt"`
}

// parseFilter reads the shared filter query parameters.
func parseFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		SubjectID:  q.Get("subjectId"),
		ResourceID: q.Get("resourceId"),
		ActionID:   q.Get("actionId"),
		Result:     types.Result(q.Get("result")),
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, oops.Code("INVALID_REQUEST").With("from", raw).Wrapf(err, "parsing from")
		}
		f.From = &ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, oops.Code("INVALID_REQUEST").With("to", raw).Wrapf(err, "parsing to")
		}
		f.To = &ts
	}
	return f, nil
}

func intParam(q url.Values, key string) int {
	n, err := strconv.Atoi(q.Get(key))
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	sort := audit.Sort{Field: q.Get("sort"), Desc: q.Get("order") != "asc"}
	page := audit.Page{Limit: intParam(q, "limit"), Offset: intParam(q, "offset")}

	entries, err := s.reader.Query(r.Context(), f, sort, page)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.reader.Count(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]auditEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditEntryView{
			ID:         e.ID,
			SubjectID:  e.SubjectID,
			ResourceID: e.ResourceID,
			ActionID:   e.ActionID,
			Result:     e.Result.String(),
			Reason:     e.Reason,
			PolicyID:   e.PolicyID,
			IPAddress:  e.IPAddress,
			UserAgent:  e.UserAgent,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"entries": views,
	})
}

func (s *Server) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.reader.Statistics(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         st.Total,
		"permits":       st.Permits,
		"denies":        st.Denies,
		"errors":        st.Errors,
		"notApplicable": st.NotApplicable,
		"permitRate":    st.PermitRate,
		"denyRate":      st.DenyRate,
		"errorRate":     st.ErrorRate,
	})
}

func (s *Server) handleTopResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.reader.TopResources(r.Context(), f, intParam(q, "n"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"resourceId": row.ResourceID, "count": row.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTopSubjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.reader.TopSubjects(r.Context(), f, intParam(q, "n"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"subjectId": row.SubjectID, "count": row.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeniesByPolicy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.reader.DeniesByPolicy(r.Context(), f, intParam(q, "n"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{"policyId": row.PolicyID, "count": row.Count})
	}
	writeJSON(w, http.StatusOK, out)
}
