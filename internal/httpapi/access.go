// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"net"
	"net/http"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// evaluateRequest is the evaluate endpoint's body.
type evaluateRequest struct {
	SubjectID   string         `json:"subjectId"`
	ResourceID  string         `json:"resourceId"`
	ActionID    string         `json:"actionId"`
	Environment map[string]any `json:"environment,omitempty"`
}

// policyOutcomeView is one evaluated policy in the response.
type policyOutcomeView struct {
	PolicyID string `json:"policyId"`
	Priority int    `json:"priority"`
	Outcome  string `json:"outcome"`
}

// evaluateResponse is the evaluate endpoint's body on success.
type evaluateResponse struct {
	Permitted            bool                `json:"permitted"`
	Decision             string              `json:"decision"`
	Reason               string              `json:"reason"`
	DecidingPolicyID     string              `json:"decidingPolicyId,omitempty"`
	EvaluatedPolicyCount int                 `json:"evaluatedPolicyCount"`
	Evaluated            []policyOutcomeView `json:"evaluated,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	req := types.Request{
		SubjectID:   body.SubjectID,
		ResourceID:  body.ResourceID,
		ActionID:    body.ActionID,
		Environment: body.Environment,
		Origin: types.Origin{
			IPAddress: clientIP(r),
			Method:    r.Method,
			Path:      r.URL.Path,
			UserAgent: r.UserAgent(),
		},
	}

	decision, err := s.engine.CheckAccess(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := evaluateResponse{
		Permitted:            decision.IsPermitted(),
		Decision:             decision.Result.String(),
		Reason:               decision.Reason,
		DecidingPolicyID:     decision.PolicyID,
		EvaluatedPolicyCount: len(decision.Evaluated),
	}
	for _, po := range decision.Evaluated {
		resp.Evaluated = append(resp.Evaluated, policyOutcomeView{
			PolicyID: po.PolicyID,
			Priority: po.Priority,
			Outcome:  po.Outcome.Kind.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientIP extracts the caller address, honoring X-Forwarded-For from the
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
