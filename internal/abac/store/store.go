// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package store defines the catalogue and attribute persistence for the
// decision service: attribute schemas, subject/resource attribute bindings,
// the action catalogue, and policies with their conditions and action
// bindings.
//
// Every read excludes soft-deleted rows. Policy conditions and action
// bindings are exclusively owned by their parent policy and are mutated in
// the same transaction, so concurrent evaluations never observe a partial
// policy.
package store

import (
	"context"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// AttributeSchema declares a typed attribute that subjects or resources may
// carry. Key is unique across live schemas.
type AttributeSchema struct {
	ID          string
	Name        string
	Key         string
	Type        types.AttrType
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubjectAttribute binds a string-encoded value to a subject. The value is
// active at T iff T falls inside [ValidFrom, ValidTo] (open ends for nil).
type SubjectAttribute struct {
	ID          string
	SubjectID   string
	AttributeID string
	Value       string
	ValidFrom   *time.Time
	ValidTo     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ResourceAttribute binds a string-encoded value to a resource. No temporal
// validity; at most one live row per (resource, attribute).
type ResourceAttribute struct {
	ID          string
	ResourceID  string
	AttributeID string
	Value       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Action is one entry of the action catalogue.
type Action struct {
	ID          string
	Name        string
	Code        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Policy is a named rule: an effect, a priority, an active flag, and a
// conjunction of conditions. ActionIDs lists the live action bindings.
type Policy struct {
	ID          string
	Name        string
	Description string
	Effect      types.Effect
	Priority    int
	IsActive    bool
	Conditions  []types.PolicyCondition
	ActionIDs   []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AttributeRow is the C1 read view: one resolved attribute joined with its
// schema, value still string-encoded.
type AttributeRow struct {
	Key   string
	Type  types.AttrType
	Value string
}

// AttributeReader answers the point queries the decision engine needs.
type AttributeReader interface {
	// SchemaByKey returns the live schema with the given key.
	SchemaByKey(ctx context.Context, key string) (*AttributeSchema, error)
	// SubjectAttributeRows returns all subject attributes active at the
	// given instant, joined with their live schemas.
	SubjectAttributeRows(ctx context.Context, subjectID string, at time.Time) ([]AttributeRow, error)
	// ResourceAttributeRows returns all live resource attributes joined
	// with their live schemas.
	ResourceAttributeRows(ctx context.Context, resourceID string) ([]AttributeRow, error)
	// ResourceExists reports whether a live resource row exists.
	ResourceExists(ctx context.Context, resourceID string) (bool, error)
}

// PolicyCatalog lists the policies applicable to an action, ordered by
// (priority DESC, id ASC) with live conditions eagerly loaded.
type PolicyCatalog interface {
	ListApplicablePolicies(ctx context.Context, actionID string) ([]Policy, error)
}

// maxExpectedValueLen bounds a condition's expected value.
const maxExpectedValueLen = 500

/// keyPattern validates schema keys and action codes: snake_case starting
// with a letter or underscore.
var keyPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidateKey checks a schema key or action code against the snake_case
// pattern.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return oops.Code("INVALID_KEY").
			With("key", key).
			Errorf("key must match ^[a-z_][a-z0-9_]*$")
	}
	return nil
}

// ValidatePolicy checks the invariants the catalogue enforces before a
// policy is persisted: a declared effect, at least one well-formed condition,
// and bounded expected values. A policy with zero conditions would evaluate
// as NotApplicable forever; the catalogue rejects it instead of storing it.
func ValidatePolicy(p *Policy) error {
	if p.Name == "" {
		return oops.Code("POLICY_INVALID").Errorf("policy name must not be empty")
	}
	if !p.Effect.Valid() {
		return oops.Code("POLICY_INVALID").
			With("name", p.Name).With("effect", string(p.Effect)).
			Errorf("policy effect must be permit or deny")
	}
	if len(p.Conditions) == 0 {
		return oops.Code("POLICY_INVALID").
			With("name", p.Name).
			Errorf("policy must have at least one condition")
	}
	for _, c := range p.Conditions {
		if err := validateCondition(c); err != nil {
			return oops.With("name", p.Name).Wrap(err)
		}
	}
	return nil
}

func validateCondition(c types.PolicyCondition) error {
	if !c.Category.Valid() {
		return oops.Code("CONDITION_INVALID").
			With("category", string(c.Category)).
			Errorf("unknown attribute category")
	}
	if !c.Operator.Valid() {
		return oops.Code("CONDITION_INVALID").
			With("operator", string(c.Operator)).
			Errorf("unknown operator")
	}
	// Environment conditions may target the reserved camelCase env keys;
	// everything else follows the schema key pattern.
	if _, reserved := types.ReservedEnvKeys[c.Key]; !(reserved && c.Category == types.CategoryEnvironment) {
		if err := ValidateKey(c.Key); err != nil {
			return oops.Code("CONDITION_INVALID").
				With("key", c.Key).
				Errorf("attribute key must match ^[a-z_][a-z0-9_]*$ or be a reserved environment key")
		}
	}
	if utf8.RuneCountInString(c.Expected) > maxExpectedValueLen {
		return oops.Code("CONDITION_INVALID").
			With("key", c.Key).
			Errorf("expected value exceeds %d characters", maxExpectedValueLen)
	}
	return nil
}
