// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package audit persists and queries the append-only access log. Every
// evaluation the facade completes is recorded here before its decision is
// released; the write is part of the decision path, not a side channel.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// Entry is one access log record. PolicyID is nil when no single policy
// decided the outcome (default deny, facade-level error). Context is an
// opaque JSON blob built by BuildContext.
type Entry struct {
	ID         string
	SubjectID  string
	ResourceID string
	ActionID   string
	Result     types.Result
	Reason     string
	PolicyID   *string
	IPAddress  string
	UserAgent  string
	Context    []byte
	CreatedAt  time.Time
}

// maxContextPolicies caps the per-policy outcome list embedded in the
// context blob so one evaluation over a huge catalogue cannot bloat the log.
const maxContextPolicies = 64

type contextPolicy struct {
	PolicyID string `json:"policyId"`
	Outcome  string `json:"outcome"`
}

type contextBlob struct {
	Environment map[string]any  `json:"environment,omitempty"`
	Policies    []contextPolicy `json:"policies,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
}

// BuildContext serializes the environment map and the evaluated policy
// outcomes into the log's context blob. Only the first maxContextPolicies
// outcomes are embedded; the rest are elided with a truncated marker.
func BuildContext(env map[string]any, evaluated []types.PolicyOutcome) ([]byte, error) {
	blob := contextBlob{Environment: env}
	for i, po := range evaluated {
		if i == maxContextPolicies {
			blob.Truncated = true
			break
		}
		blob.Policies = append(blob.Policies, contextPolicy{
			PolicyID: po.PolicyID,
			Outcome:  po.Outcome.Kind.String(),
		})
	}
	return json.Marshal(blob)
}

// Writer appends entries to the access log.
type Writer interface {
	Write(ctx context.Context, e *Entry) error
}

// Filter narrows an audit query. Zero values mean "no constraint".
type Filter struct {
	SubjectID  string
	ResourceID string
	ActionID   string
	Result     types.Result
	From       *time.Time
	To         *time.Time
}

// Sort orders an audit query. Field names are whitelisted by the reader.
type Sort struct {
	Field string
	Desc  bool
}

// Page bounds an audit query. Limit is clamped to [1, 200]; zero means the
// default of 50.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Clamp normalizes the page bounds.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Statistics aggregates the filtered log by result. Rates are fractions of
// Total, zero when the window is empty.
type Statistics struct {
	Total         int64
	Permits       int64
	Denies        int64
	Errors        int64
	NotApplicable int64
	PermitRate    float64
	DenyRate      float64
	ErrorRate     float64
}

// ComputeRates fills the rate fields from the counters.
func (s *Statistics) ComputeRates() {
	if s.Total == 0 {
		return
	}
	t := float64(s.Total)
	s.PermitRate = float64(s.Permits) / t
	s.DenyRate = float64(s.Denies) / t
	s.ErrorRate = float64(s.Errors) / t
}

// ResourceCount is one top-N row for resource access frequency.
type ResourceCount struct {
	ResourceID string
	Count      int64
}

// SubjectCount is one top-N row for subject activity.
type SubjectCount struct {
	SubjectID string
	Count     int64
}

// PolicyDenyCount is one top-N row for deny attribution.
type PolicyDenyCount struct {
	PolicyID string
	Count    int64
}

// Reader answers audit queries. Implementations never mutate the log.
type Reader interface {
	Query(ctx context.Context, f Filter, s Sort, p Page) ([]Entry, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Statistics(ctx context.Context, f Filter) (*Statistics, error)
	TopResources(ctx context.Context, f Filter, n int) ([]ResourceCount, error)
	TopSubjects(ctx context.Context, f Filter, n int) ([]SubjectCount, error)
	DeniesByPolicy(ctx context.Context, f Filter, n int) ([]PolicyDenyCount, error)
}
