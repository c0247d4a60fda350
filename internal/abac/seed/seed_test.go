// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package seed

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

func TestLoad_EmbeddedPack(t *testing.T) {
	p, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, p.Version)
	assert.NotEmpty(t, p.Schemas)
	assert.NotEmpty(t, p.Actions)
	assert.NotEmpty(t, p.Policies)

	// Every policy action code must resolve to a declared action.
	codes := make(map[string]bool)
	for _, a := range p.Actions {
		codes[a.Code] = true
	}
	for _, pol := range p.Policies {
		require.NotEmpty(t, pol.Conditions, "policy %s", pol.Name)
		for _, code := range pol.Actions {
			assert.True(t, codes[code], "policy %s references undeclared action %s", pol.Name, code)
		}
	}
}

func TestParse_RejectsInvalidYAML(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing version", "minEngineVersion: \"0.1.0\"\n"},
		{"bad effect", `
version: 1
minEngineVersion: "0.1.0"
policies:
  - name: p
    effect: allow
    actions: [read]
    conditions:
      - {category: Subject, key: department, operator: Equals, expected: eng}
`},
		{"bad schema type", `
version: 1
minEngineVersion: "0.1.0"
schemas:
  - {name: Department, key: department, type: Text}
`},
		{"empty conditions", `
version: 1
minEngineVersion: "0.1.0"
policies:
  - name: p
    effect: deny
    actions: [read]
    conditions: []
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			oopsErr, ok := oops.AsOops(err)
			require.True(t, ok)
			assert.Equal(t, "SEED_INVALID", oopsErr.Code())
		})
	}
}

func TestGenerateSchema_RoundTrips(t *testing.T) {
	raw, err := GenerateSchema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "https://gatehouse.dev/schemas/seed.schema.json", doc["$id"])
}

func TestPack_CheckEngineVersion(t *testing.T) {
	p := &Pack{MinEngineVersion: "0.2.0"}

	require.NoError(t, p.CheckEngineVersion("0.2.0"))
	require.NoError(t, p.CheckEngineVersion("1.0.0"))

	err := p.CheckEngineVersion("0.1.9")
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SEED_ENGINE_TOO_OLD", oopsErr.Code())

	err = p.CheckEngineVersion("devel")
	require.Error(t, err)
	oopsErr, ok = oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SEED_VERSION_INVALID", oopsErr.Code())
}

// fakeStore records creations and answers lookups from its maps.
type fakeStore struct {
	schemas  map[string]*store.AttributeSchema
	actions  map[string]*store.Action
	policies map[string]*store.Policy

	created struct {
		schemas  int
		actions  int
		policies int
	}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schemas:  map[string]*store.AttributeSchema{},
		actions:  map[string]*store.Action{},
		policies: map[string]*store.Policy{},
	}
}

func (f *fakeStore) SchemaByKey(_ context.Context, key string) (*store.AttributeSchema, error) {
	if s, ok := f.schemas[key]; ok {
		return s, nil
	}
	return nil, oops.Code("SCHEMA_NOT_FOUND").Errorf("no schema %s", key)
}

func (f *fakeStore) CreateSchema(_ context.Context, sch *store.AttributeSchema) error {
	sch.ID = "sch-" + sch.Key
	f.schemas[sch.Key] = sch
	f.created.schemas++
	return nil
}

func (f *fakeStore) ActionByCode(_ context.Context, code string) (*store.Action, error) {
	if a, ok := f.actions[code]; ok {
		return a, nil
	}
	return nil, oops.Code("ACTION_NOT_FOUND").Errorf("no action %s", code)
}

func (f *fakeStore) CreateAction(_ context.Context, a *store.Action) error {
	a.ID = "act-" + a.Code
	f.actions[a.Code] = a
	f.created.actions++
	return nil
}

func (f *fakeStore) PolicyByName(_ context.Context, name string) (*store.Policy, error) {
	if p, ok := f.policies[name]; ok {
		return p, nil
	}
	return nil, oops.Code("POLICY_NOT_FOUND").Errorf("no policy %s", name)
}

func (f *fakeStore) CreatePolicy(_ context.Context, p *store.Policy) error {
	p.ID = "pol-" + p.Name
	f.policies[p.Name] = p
	f.created.policies++
	return nil
}

func TestApply_InstallsAndIsIdempotent(t *testing.T) {
	pack, err := Load()
	require.NoError(t, err)
	st := newFakeStore()

	res, err := Apply(context.Background(), st, pack, "0.1.0")
	require.NoError(t, err)
	assert.Equal(t, len(pack.Schemas), res.SchemasCreated)
	assert.Equal(t, len(pack.Actions), res.ActionsCreated)
	assert.Equal(t, len(pack.Policies), res.PoliciesCreated)
	assert.Zero(t, res.Skipped)

	// Seed policies bind actions by id, not code.
	for _, pol := range st.policies {
		require.NotEmpty(t, pol.ActionIDs)
		for _, id := range pol.ActionIDs {
			assert.Contains(t, id, "act-")
		}
		assert.True(t, pol.IsActive)
	}

	// A second run touches nothing.
	res, err = Apply(context.Background(), st, pack, "0.1.0")
	require.NoError(t, err)
	assert.Zero(t, res.SchemasCreated)
	assert.Zero(t, res.ActionsCreated)
	assert.Zero(t, res.PoliciesCreated)
	assert.Equal(t, len(pack.Schemas)+len(pack.Actions)+len(pack.Policies), res.Skipped)
	assert.Equal(t, len(pack.Schemas), st.created.schemas)
}

func TestApply_EngineTooOld(t *testing.T) {
	pack := &Pack{Version: 1, MinEngineVersion: "9.0.0"}
	_, err := Apply(context.Background(), newFakeStore(), pack, "0.1.0")
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SEED_ENGINE_TOO_OLD", oopsErr.Code())
}

func TestApply_UnknownActionReference(t *testing.T) {
	pack := &Pack{
		Version:          1,
		MinEngineVersion: "0.1.0",
		Policies: []PolicySpec{{
			Name:    "orphan",
			Effect:  "permit",
			Actions: []string{"no_such_action"},
			Conditions: []ConditionSpec{
				{Category: "Subject", Key: "department", Operator: "Equals", Expected: "eng"},
			},
		}},
	}

	_, err := Apply(context.Background(), newFakeStore(), pack, "0.1.0")
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "SEED_INVALID", oopsErr.Code())
}

func TestApply_PreexistingActionResolvedForNewPolicy(t *testing.T) {
	pack, err := Load()
	require.NoError(t, err)
	st := newFakeStore()

	// Pre-create every action so the policy pass must look codes up instead
	// of using the ids recorded during creation.
	for _, a := range pack.Actions {
		st.actions[a.Code] = &store.Action{ID: "existing-" + a.Code, Code: a.Code, Name: a.Name}
	}

	res, err := Apply(context.Background(), st, pack, "0.1.0")
	require.NoError(t, err)
	assert.Zero(t, res.ActionsCreated)
	assert.Equal(t, len(pack.Policies), res.PoliciesCreated)

	for _, pol := range st.policies {
		for _, id := range pol.ActionIDs {
			assert.Contains(t, id, "existing-")
		}
	}
}

var _ Store = (*fakeStore)(nil)

// Guards against the embedded pack drifting from the catalogue's own
// validation rules.
func TestLoad_PackPassesStoreValidation(t *testing.T) {
	pack, err := Load()
	require.NoError(t, err)

	for _, s := range pack.Schemas {
		assert.NoError(t, store.ValidateKey(s.Key), "schema key %s", s.Key)
		assert.True(t, types.AttrType(s.Type).Valid(), "schema type %s", s.Type)
	}
	for _, ps := range pack.Policies {
		pol := &store.Policy{
			Name:     ps.Name,
			Effect:   types.Effect(ps.Effect),
			Priority: ps.Priority,
		}
		for _, c := range ps.Conditions {
			pol.Conditions = append(pol.Conditions, types.PolicyCondition{
				Category: types.Category(c.Category),
				Key:      c.Key,
				Operator: types.Operator(c.Operator),
				Expected: c.Expected,
			})
		}
		assert.NoError(t, store.ValidatePolicy(pol), "policy %s", ps.Name)
	}
}
