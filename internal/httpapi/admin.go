// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// conditionBody is one condition in policy write requests.
type conditionBody struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Expected string `json:"expected"`
}

// policyBody is the policy create/update request.
type policyBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Effect      string          `json:"effect"`
	Priority    int             `json:"priority"`
	IsActive    *bool           `json:"isActive,omitempty"`
	ActionIDs   []string        `json:"actionIds"`
	Conditions  []conditionBody `json:"conditions"`
}

func (b *policyBody) toPolicy() *store.Policy {
	p := &store.Policy{
		Name:        b.Name,
		Description: b.Description,
		Effect:      types.Effect(b.Effect),
		Priority:    b.Priority,
		IsActive:    true,
		ActionIDs:   b.ActionIDs,
	}
	if b.IsActive != nil {
		p.IsActive = *b.IsActive
	}
	for _, c := range b.Conditions {
		p.Conditions = append(p.Conditions, types.PolicyCondition{
			Category: types.Category(c.Category),
			Key:      c.Key,
			Operator: types.Operator(c.Operator),
			Expected: c.Expected,
		})
	}
	return p
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p := body.toPolicy()
	if err := s.catalog.CreatePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": p.ID})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p := body.toPolicy()
	p.ID = mux.Vars(r)["id"]
	if err := s.catalog.UpdatePolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": p.ID})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSchema(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Key         string `json:"key"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sch := &store.AttributeSchema{
		Name:        body.Name,
		Key:         body.Key,
		Type:        types.AttrType(body.Type),
		Description: body.Description,
	}
	if err := s.catalog.CreateSchema(r.Context(), sch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sch.ID})
}

func (s *Server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteSchema(r.Context(), mux.Vars(r)["key"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Code        string `json:"code"`
		Description string `json:"description,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	a := &store.Action{Name: body.Name, Code: body.Code, Description: body.Description}
	if err := s.catalog.CreateAction(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": a.ID})
}

func (s *Server) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.catalog.CreateSubject(r.Context(), body.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.catalog.CreateResource(r.Context(), body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleAssignSubjectAttribute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value     string `json:"value"`
		ValidFrom string `json:"validFrom,omitempty"`
		ValidTo   string `json:"validTo,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	validFrom, err := parseOptionalTime(body.ValidFrom, "validFrom")
	if err != nil {
		writeError(w, err)
		return
	}
	validTo, err := parseOptionalTime(body.ValidTo, "validTo")
	if err != nil {
		writeError(w, err)
		return
	}

	vars := mux.Vars(r)
	id, err := s.catalog.AssignSubjectAttribute(r.Context(), vars["id"], vars["key"], body.Value, validFrom, validTo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleRemoveSubjectAttribute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.catalog.RemoveSubjectAttribute(r.Context(), vars["id"], vars["key"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetResourceAttribute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vars := mux.Vars(r)
	if err := s.catalog.SetResourceAttribute(r.Context(), vars["id"], vars["key"], body.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseOptionalTime(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, oops.Code("INVALID_REQUEST").With(field, raw).Wrapf(err, "parsing %s", field)
	}
	return &ts, nil
}
