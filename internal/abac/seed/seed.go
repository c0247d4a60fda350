// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package seed installs the embedded default catalogue: attribute schemas,
// actions, and baseline policies. Installation is idempotent, keyed on
// schema key, action code, and policy name.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

//go:embed seed.yaml
var seedYAML []byte

// Pack is the parsed form of the embedded seed file.
type Pack struct {
	Version          int            `yaml:"version" json:"version" jsonschema:"required,minimum=1"`
	MinEngineVersion string         `yaml:"minEngineVersion" json:"minEngineVersion" jsonschema:"required"`
	Schemas          []SchemaSpec   `yaml:"schemas" json:"schemas"`
	Actions          []ActionSpec   `yaml:"actions" json:"actions"`
	Policies         []PolicySpec   `yaml:"policies" json:"policies"`
}

// SchemaSpec declares one attribute schema to install.
type SchemaSpec struct {
	Name        string `yaml:"name" json:"name" jsonschema:"required"`
	Key         string `yaml:"key" json:"key" jsonschema:"required,pattern=^[a-z_][a-z0-9_]*$"`
	Type        string `yaml:"type" json:"type" jsonschema:"required,enum=String,enum=Number,enum=Boolean,enum=DateTime"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ActionSpec declares one catalogue action to install.
type ActionSpec struct {
	Name        string `yaml:"name" json:"name" jsonschema:"required"`
	Code        string `yaml:"code" json:"code" jsonschema:"required,pattern=^[a-z_][a-z0-9_]*$"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ConditionSpec declares one condition of a seed policy.
type ConditionSpec struct {
	Category string `yaml:"category" json:"category" jsonschema:"required,enum=Subject,enum=Resource,enum=Environment"`
	Key      string `yaml:"key" json:"key" jsonschema:"required"`
	Operator string `yaml:"operator" json:"operator" jsonschema:"required"`
	Expected string `yaml:"expected" json:"expected" jsonschema:"required"`
}

// PolicySpec declares one seed policy with its action bindings by code.
type PolicySpec struct {
	Name        string          `yaml:"name" json:"name" jsonschema:"required"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Effect      string          `yaml:"effect" json:"effect" jsonschema:"required,enum=permit,enum=deny"`
	Priority    int             `yaml:"priority" json:"priority"`
	Actions     []string        `yaml:"actions" json:"actions" jsonschema:"required,minItems=1"`
	Conditions  []ConditionSpec `yaml:"conditions" json:"conditions" jsonschema:"required,minItems=1"`
}

// Load parses and validates the embedded seed pack.
func Load() (*Pack, error) {
	return Parse(seedYAML)
}

// Parse validates raw YAML against the generated JSON Schema and decodes it.
func Parse(data []byte) (*Pack, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code("SEED_INVALID").Wrap(err)
	}
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, oops.Code("SEED_INVALID").Wrap(err)
	}
	return &p, nil
}

// CheckEngineVersion verifies the running engine satisfies the pack's
// minEngineVersion gate.
func (p *Pack) CheckEngineVersion(engineVersion string) error {
	min, err := semver.NewVersion(p.MinEngineVersion)
	if err != nil {
		return oops.Code("SEED_INVALID").
			With("minEngineVersion", p.MinEngineVersion).
			Wrapf(err, "parsing minEngineVersion")
	}
	cur, err := semver.NewVersion(engineVersion)
	if err != nil {
		return oops.Code("SEED_VERSION_INVALID").
			With("engine_version", engineVersion).
			Wrapf(err, "parsing engine version")
	}
	if cur.LessThan(min) {
		return oops.Code("SEED_ENGINE_TOO_OLD").
			With("engine_version", engineVersion).
			With("min_engine_version", p.MinEngineVersion).
			Errorf("seed pack requires engine >= %s", p.MinEngineVersion)
	}
	return nil
}

// Store is the catalogue surface the installer needs.
type Store interface {
	SchemaByKey(ctx context.Context, key string) (*store.AttributeSchema, error)
	CreateSchema(ctx context.Context, sch *store.AttributeSchema) error
	ActionByCode(ctx context.Context, code string) (*store.Action, error)
	CreateAction(ctx context.Context, a *store.Action) error
	PolicyByName(ctx context.Context, name string) (*store.Policy, error)
	CreatePolicy(ctx context.Context, p *store.Policy) error
}

// Result summarizes one Apply run.
type Result struct {
	SchemasCreated  int
	ActionsCreated  int
	PoliciesCreated int
	Skipped         int
}

// Apply installs the pack. Entities that already exist by their natural key
// are skipped, never updated: operator changes to seeded entities survive
// re-seeding.
func Apply(ctx context.Context, st Store, p *Pack, engineVersion string) (*Result, error) {
	if err := p.CheckEngineVersion(engineVersion); err != nil {
		return nil, err
	}

	res := &Result{}

	for _, s := range p.Schemas {
		_, err := st.SchemaByKey(ctx, s.Key)
		if err == nil {
			res.Skipped++
			continue
		}
		if !isCode(err, "SCHEMA_NOT_FOUND") {
			return nil, err
		}
		sch := &store.AttributeSchema{
			Name:        s.Name,
			Key:         s.Key,
			Type:        types.AttrType(s.Type),
			Description: s.Description,
		}
		if err := st.CreateSchema(ctx, sch); err != nil {
			return nil, err
		}
		res.SchemasCreated++
		slog.InfoContext(ctx, "seeded attribute schema", "key", s.Key)
	}

	actionIDs := make(map[string]string, len(p.Actions))
	for _, a := range p.Actions {
		existing, err := st.ActionByCode(ctx, a.Code)
		if err == nil {
			actionIDs[a.Code] = existing.ID
			res.Skipped++
			continue
		}
		if !isCode(err, "ACTION_NOT_FOUND") {
			return nil, err
		}
		act := &store.Action{Name: a.Name, Code: a.Code, Description: a.Description}
		if err := st.CreateAction(ctx, act); err != nil {
			return nil, err
		}
		actionIDs[a.Code] = act.ID
		res.ActionsCreated++
		slog.InfoContext(ctx, "seeded action", "code", a.Code)
	}

	for _, ps := range p.Policies {
		_, err := st.PolicyByName(ctx, ps.Name)
		if err == nil {
			res.Skipped++
			continue
		}
		if !isCode(err, "POLICY_NOT_FOUND") {
			return nil, err
		}

		pol := &store.Policy{
			Name:        ps.Name,
			Description: ps.Description,
			Effect:      types.Effect(ps.Effect),
			Priority:    ps.Priority,
			IsActive:    true,
		}
		for _, code := range ps.Actions {
			id, ok := actionIDs[code]
			if !ok {
				existing, err := st.ActionByCode(ctx, code)
				if err != nil {
					return nil, oops.Code("SEED_INVALID").
						With("policy", ps.Name).With("action_code", code).
						Wrapf(err, "seed policy references unknown action")
				}
				id = existing.ID
			}
			pol.ActionIDs = append(pol.ActionIDs, id)
		}
		for _, c := range ps.Conditions {
			pol.Conditions = append(pol.Conditions, types.PolicyCondition{
				Category: types.Category(c.Category),
				Key:      c.Key,
				Operator: types.Operator(c.Operator),
				Expected: c.Expected,
			})
		}
		if err := st.CreatePolicy(ctx, pol); err != nil {
			return nil, err
		}
		res.PoliciesCreated++
		slog.InfoContext(ctx, "seeded policy", "name", ps.Name)
	}

	return res, nil
}

func isCode(err error, code string) bool {
	var oopsErr oops.OopsError
	return errors.As(err, &oopsErr) && oopsErr.Code() == code
}
