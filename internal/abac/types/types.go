// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package types defines the core types for the ABAC decision service.
package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Effect is what a policy declares: the verdict it contributes when it applies.
type Effect string

// Effect constants define the valid policy effect declarations.
const (
	EffectPermit Effect = "permit"
	EffectDeny   Effect = "deny"
)

// String returns the underlying string value for DB serialization.
func (e Effect) String() string {
	return string(e)
}

// Valid reports whether the effect is one of the declared constants.
func (e Effect) Valid() bool {
	return e == EffectPermit || e == EffectDeny
}

// Result is the final outcome of an evaluation as recorded in the access log
// and returned to callers.
type Result string

// Result constants define the possible final outcomes.
const (
	ResultPermit        Result = "Permit"
	ResultDeny          Result = "Deny"
	ResultError         Result = "Error"
	ResultNotApplicable Result = "NotApplicable"
)

// String returns the wire form of the result.
func (r Result) String() string {
	return string(r)
}

// Category identifies which attribute bag a condition reads from.
type Category string

// Category constants define the three ABAC attribute categories.
const (
	CategorySubject     Category = "Subject"
	CategoryResource    Category = "Resource"
	CategoryEnvironment Category = "Environment"
)

// Valid reports whether the category is one of the known constants.
func (c Category) Valid() bool {
	switch c {
	case CategorySubject, CategoryResource, CategoryEnvironment:
		return true
	}
	return false
}

// Operator is the comparison a condition performs between the resolved
// attribute value and the condition's expected value.
type Operator string

// Operator constants define the closed operator set.
const (
	OpEquals             Operator = "Equals"
	OpNotEquals          Operator = "NotEquals"
	OpGreaterThan        Operator = "GreaterThan"
	OpLessThan           Operator = "LessThan"
	OpGreaterThanOrEqual Operator = "GreaterThanOrEqual"
	OpLessThanOrEqual    Operator = "LessThanOrEqual"
	OpContains           Operator = "Contains"
	OpIn                 Operator = "In"
	OpNotIn              Operator = "NotIn"
)

// Valid reports whether the operator is one of the known constants.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan,
		OpGreaterThanOrEqual, OpLessThanOrEqual, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// AttrType is the declared data type of an attribute schema.
type AttrType string

// AttrType constants define the supported attribute data types.
const (
	AttrString   AttrType = "String"
	AttrNumber   AttrType = "Number"
	AttrBoolean  AttrType = "Boolean"
	AttrDateTime AttrType = "DateTime"
)

// Valid reports whether the type is one of the known constants.
func (t AttrType) Valid() bool {
	switch t {
	case AttrString, AttrNumber, AttrBoolean, AttrDateTime:
		return true
	}
	return false
}

// Reserved environment keys. These are produced by the environment provider
// for every evaluation when the underlying fact is available; callers may
// merge additional ad-hoc keys on top (caller wins).
const (
	EnvIPAddress       = "ipAddress"       // String
	EnvRequestMethod   = "requestMethod"   // String
	EnvRequestPath     = "requestPath"     // String
	EnvUserAgent       = "userAgent"       // String
	EnvHourOfDay       = "hourOfDay"       // Number, 0-23
	EnvDayOfWeek       = "dayOfWeek"       // String, "Mon".."Sun"
	EnvIsBusinessHours = "isBusinessHours" // Boolean, 8 <= hour < 18
)

// ReservedEnvKeys maps each reserved environment key to its intrinsic type.
var ReservedEnvKeys = map[string]AttrType{
	EnvIPAddress:       AttrString,
	EnvRequestMethod:   AttrString,
	EnvRequestPath:     AttrString,
	EnvUserAgent:       AttrString,
	EnvHourOfDay:       AttrNumber,
	EnvDayOfWeek:       AttrString,
	EnvIsBusinessHours: AttrBoolean,
}

// ErrorKind tags a condition-level evaluation failure. These are data errors:
// normal inputs to the decision combiner, never raised as Go errors.
type ErrorKind int

// ErrorKind constants define the condition-level failure modes.
const (
	AttributeMissing ErrorKind = iota
	AttributeTypeError
	ConditionMalformed
)

var errorKindStrings = [...]string{
	"AttributeMissing",
	"AttributeTypeError",
	"ConditionMalformed",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(errorKindStrings) {
		return errorKindStrings[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ConditionError carries a tagged condition evaluation failure.
type ConditionError struct {
	Kind     ErrorKind
	Category Category
	Key      string
	Detail   string
}

// Error renders the failure with its kind name first so audit reasons
// mention the kind verbatim.
func (e *ConditionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s.%s", e.Kind, strings.ToLower(string(e.Category)), e.Key)
	}
	return fmt.Sprintf("%s: %s.%s: %s", e.Kind, strings.ToLower(string(e.Category)), e.Key, e.Detail)
}

// OutcomeKind is the three-valued result of evaluating one policy.
type OutcomeKind int

// OutcomeKind constants define the per-policy evaluation outcomes.
const (
	OutcomeNotApplicable OutcomeKind = iota
	OutcomeApplies
	OutcomeIndeterminate
)

var outcomeKindStrings = [...]string{
	"not_applicable",
	"applies",
	"indeterminate",
}

func (k OutcomeKind) String() string {
	if k >= 0 && int(k) < len(outcomeKindStrings) {
		return outcomeKindStrings[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Outcome is the result of evaluating a single policy against a request.
// Effect is set only when Kind is OutcomeApplies; Err only when Indeterminate.
type Outcome struct {
	Kind   OutcomeKind
	Effect Effect
	Err    *ConditionError
}

// Applies constructs an applies outcome carrying the policy's effect.
func Applies(effect Effect) Outcome {
	return Outcome{Kind: OutcomeApplies, Effect: effect}
}

// NotApplicable constructs a clean negative outcome.
func NotApplicable() Outcome {
	return Outcome{Kind: OutcomeNotApplicable}
}

// Indeterminate constructs an errored outcome carrying the first failure.
func Indeterminate(err *ConditionError) Outcome {
	return Outcome{Kind: OutcomeIndeterminate, Err: err}
}

// AttributeBags holds the resolved attribute maps used during evaluation.
// Values are typed Go values (string, float64, bool, time.Time) or an
// InvalidValue marker for stored values that failed to parse.
type AttributeBags struct {
	Subject     map[string]any
	Resource    map[string]any
	Environment map[string]any
}

// NewAttributeBags creates an AttributeBags with all maps initialized.
func NewAttributeBags() *AttributeBags {
	return &AttributeBags{
		Subject:     make(map[string]any),
		Resource:    make(map[string]any),
		Environment: make(map[string]any),
	}
}

// Bag returns the map for the given category, or nil for an unknown category.
func (b *AttributeBags) Bag(c Category) map[string]any {
	switch c {
	case CategorySubject:
		return b.Subject
	case CategoryResource:
		return b.Resource
	case CategoryEnvironment:
		return b.Environment
	}
	return nil
}

// InvalidValue marks a stored attribute value that could not be parsed as its
// schema type. Conditions touching it fail with AttributeTypeError.
type InvalidValue struct {
	Raw  string
	Want AttrType
}

// ParseTyped parses a string-encoded attribute value per the declared type.
// DateTime values without an explicit zone are interpreted as UTC. Numbers
// must be finite.
func ParseTyped(raw string, t AttrType) (any, error) {
	switch t {
	case AttrString:
		return raw, nil
	case AttrNumber:
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %q as Number: %w", raw, err)
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("parsing %q as Number: value is not finite", raw)
		}
		return n, nil
	case AttrBoolean:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parsing %q as Boolean: %w", raw, err)
		}
		return v, nil
	case AttrDateTime:
		ts, err := ParseDateTime(raw)
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
	return nil, fmt.Errorf("unknown attribute type %q", t)
}

// dateTimeLayouts are tried in order for zone-less timestamps, which are
// interpreted as UTC.
var dateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDateTime parses a timestamp as an instant in UTC.
func ParseDateTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	for _, layout := range dateTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing %q as DateTime", raw)
}

// Decision is the result of a full facade evaluation. The permitted field is
// unexported to prevent invariant bypass: it is derived from Result alone.
type Decision struct {
	permitted bool
	Result    Result
	Reason    string
	// PolicyID identifies the deciding policy; empty when no policy decided.
	PolicyID  string
	Evaluated []PolicyOutcome
}

// NewDecision creates a Decision with the permitted field set consistently
// from the result.
func NewDecision(result Result, reason, policyID string) Decision {
	return Decision{
		permitted: result == ResultPermit,
		Result:    result,
		Reason:    reason,
		PolicyID:  policyID,
	}
}

// IsPermitted returns whether the decision grants access.
func (d Decision) IsPermitted() bool {
	return d.permitted
}

// Validate checks that the permitted field is consistent with the result.
// Called at engine return boundaries.
func (d Decision) Validate() error {
	if d.permitted != (d.Result == ResultPermit) {
		return fmt.Errorf("decision invariant violated: permitted=%v but result=%s", d.permitted, d.Result)
	}
	return nil
}

// PolicyOutcome records how one evaluated policy contributed to a decision.
type PolicyOutcome struct {
	PolicyID string
	Priority int
	Outcome  Outcome
}

// PolicyCondition is the evaluation-facing view of one persisted condition:
// a typed comparison of one attribute against a constant. Conditions within a
// policy are conjunctive and evaluated in id ASC order.
type PolicyCondition struct {
	ID       string
	Category Category
	Key      string
	Operator Operator
	Expected string
}

// Request is a single access question: may subject perform action on resource.
type Request struct {
	SubjectID  string
	ResourceID string
	ActionID   string
	// Environment carries caller-supplied environment overrides; they are
	// merged over the provider's base map, caller wins.
	Environment map[string]any
	Origin      Origin
}

// Origin carries transport-level request facts for the environment bag.
// Zero values mean "not available" and the corresponding key is omitted.
type Origin struct {
	IPAddress string
	Method    string
	Path      string
	UserAgent string
}

// Validate rejects requests with empty identifiers before any I/O happens.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SubjectID) == "" ||
		strings.TrimSpace(r.ResourceID) == "" ||
		strings.TrimSpace(r.ActionID) == "" {
		return fmt.Errorf("access request: subjectId, resourceId, and actionId must be non-empty")
	}
	return nil
}
