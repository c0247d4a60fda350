// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/abac/types"
	"github.com/gatehouse/gatehouse/pkg/errutil"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, code)
}

func TestPostgres_SchemaByKey(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	rows := pgxmock.NewRows([]string{"id", "name", "key", "type", "description", "created_at", "updated_at"}).
		AddRow("01ABC", "Clearance Level", "clearance_level", "Number", "", now, now)
	mock.ExpectQuery(`SELECT id, name, key, type, description, created_at, updated_at\s+FROM attribute_schemas`).
		WithArgs("clearance_level").
		WillReturnRows(rows)

	sch, err := NewPostgres(mock).SchemaByKey(context.Background(), "clearance_level")
	require.NoError(t, err)
	assert.Equal(t, "01ABC", sch.ID)
	assert.Equal(t, types.AttrNumber, sch.Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SchemaByKey_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM attribute_schemas`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "key", "type", "description", "created_at", "updated_at"}))

	_, err := NewPostgres(mock).SchemaByKey(context.Background(), "ghost")
	assertCode(t, err, "SCHEMA_NOT_FOUND")
}

func TestPostgres_SubjectAttributeRows(t *testing.T) {
	mock := newMock(t)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows([]string{"key", "type", "value"}).
		AddRow("clearance_level", "Number", "4").
		AddRow("department", "String", "eng")
	mock.ExpectQuery(`FROM subject_attributes sa\s+JOIN attribute_schemas sch`).
		WithArgs("sub-1", at).
		WillReturnRows(rows)

	got, err := NewPostgres(mock).SubjectAttributeRows(context.Background(), "sub-1", at)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, AttributeRow{Key: "clearance_level", Type: types.AttrNumber, Value: "4"}, got[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResourceExists(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("res-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := NewPostgres(mock).ResourceExists(context.Background(), "res-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgres_ListApplicablePolicies(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	policyRows := pgxmock.NewRows([]string{"id", "name", "description", "effect", "priority", "is_active", "created_at", "updated_at"}).
		AddRow("P1", "deny-off-hours", "", "deny", 100, true, now, now).
		AddRow("P2", "permit-read", "", "permit", 50, true, now, now)
	mock.ExpectQuery(`FROM policies p`).
		WithArgs("act-1").
		WillReturnRows(policyRows)

	condRows := pgxmock.NewRows([]string{"id", "policy_id", "attribute_category", "attribute_key", "operator", "expected_value"}).
		AddRow("C1", "P1", "Environment", "isBusinessHours", "Equals", "false").
		AddRow("C2", "P2", "Subject", "department", "Equals", "eng")
	mock.ExpectQuery(`FROM policy_conditions`).
		WithArgs([]string{"P1", "P2"}).
		WillReturnRows(condRows)

	policies, err := NewPostgres(mock).ListApplicablePolicies(context.Background(), "act-1")
	require.NoError(t, err)
	require.Len(t, policies, 2)

	assert.Equal(t, "P1", policies[0].ID)
	assert.Equal(t, types.EffectDeny, policies[0].Effect)
	require.Len(t, policies[0].Conditions, 1)
	assert.Equal(t, types.CategoryEnvironment, policies[0].Conditions[0].Category)

	assert.Equal(t, "P2", policies[1].ID)
	require.Len(t, policies[1].Conditions, 1)
	assert.Equal(t, types.OpEquals, policies[1].Conditions[0].Operator)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListApplicablePolicies_Empty(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM policies p`).
		WithArgs("act-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "description", "effect", "priority", "is_active", "created_at", "updated_at"}))

	policies, err := NewPostgres(mock).ListApplicablePolicies(context.Background(), "act-1")
	require.NoError(t, err)
	assert.Empty(t, policies)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateSchema_DuplicateKey(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO attribute_schemas`).
		WithArgs(pgxmock.AnyArg(), "Department", "department", "String", "").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})

	err := NewPostgres(mock).CreateSchema(context.Background(), &AttributeSchema{
		Name: "Department", Key: "department", Type: types.AttrString,
	})
	assertCode(t, err, "SCHEMA_KEY_EXISTS")
}

func TestPostgres_CreateSchema_InvalidKey(t *testing.T) {
	err := NewPostgres(newMock(t)).CreateSchema(context.Background(), &AttributeSchema{
		Name: "Bad", Key: "CamelCase", Type: types.AttrString,
	})
	assertCode(t, err, "INVALID_KEY")
}

func TestPostgres_CreatePolicy_Transactional(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO policies`).
		WithArgs(pgxmock.AnyArg(), "permit-read", "", "permit", 50, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO policy_conditions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "Subject", "department", "Equals", "eng").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO policy_actions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "act-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	p := &Policy{
		Name:     "permit-read",
		Effect:   types.EffectPermit,
		Priority: 50,
		IsActive: true,
		Conditions: []types.PolicyCondition{
			{Category: types.CategorySubject, Key: "department", Operator: types.OpEquals, Expected: "eng"},
		},
		ActionIDs: []string{"act-1"},
	}
	err := NewPostgres(mock).CreatePolicy(context.Background(), p)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.Conditions[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreatePolicy_RollbackOnConditionFailure(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO policies`).
		WithArgs(pgxmock.AnyArg(), "p", "", "permit", 0, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO policy_conditions`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "Subject", "department", "Equals", "eng").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := NewPostgres(mock).CreatePolicy(context.Background(), &Policy{
		Name:     "p",
		Effect:   types.EffectPermit,
		IsActive: true,
		Conditions: []types.PolicyCondition{
			{Category: types.CategorySubject, Key: "department", Operator: types.OpEquals, Expected: "eng"},
		},
	})
	assertCode(t, err, "POLICY_CONDITION_FAILED")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeletePolicy_NotFound(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policies SET is_deleted = true`).
		WithArgs("ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := NewPostgres(mock).DeletePolicy(context.Background(), "ghost")
	assertCode(t, err, "POLICY_NOT_FOUND")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AssignSubjectAttribute_ClosesPreviousValue(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	schemaRows := pgxmock.NewRows([]string{"id", "name", "key", "type", "description", "created_at", "updated_at"}).
		AddRow("SCH1", "Clearance Level", "clearance_level", "Number", "", now, now)
	mock.ExpectQuery(`FROM attribute_schemas`).
		WithArgs("clearance_level").
		WillReturnRows(schemaRows)

	var fromNil, toNil *time.Time
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE subject_attributes`).
		WithArgs("sub-1", "SCH1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO subject_attributes`).
		WithArgs(pgxmock.AnyArg(), "sub-1", "SCH1", "5", fromNil, toNil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	id, err := NewPostgres(mock).AssignSubjectAttribute(context.Background(), "sub-1", "clearance_level", "5", fromNil, toNil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AssignSubjectAttribute_RejectsUntypedValue(t *testing.T) {
	mock := newMock(t)
	now := time.Now()

	schemaRows := pgxmock.NewRows([]string{"id", "name", "key", "type", "description", "created_at", "updated_at"}).
		AddRow("SCH1", "Clearance Level", "clearance_level", "Number", "", now, now)
	mock.ExpectQuery(`FROM attribute_schemas`).
		WithArgs("clearance_level").
		WillReturnRows(schemaRows)

	_, err := NewPostgres(mock).AssignSubjectAttribute(context.Background(), "sub-1", "clearance_level", "very high", nil, nil)
	assertCode(t, err, "ATTRIBUTE_VALUE_INVALID")
}

func TestValidatePolicy(t *testing.T) {
	valid := &Policy{
		Name:   "p",
		Effect: types.EffectPermit,
		Conditions: []types.PolicyCondition{
			{Category: types.CategorySubject, Key: "department", Operator: types.OpEquals, Expected: "eng"},
		},
	}
	require.NoError(t, ValidatePolicy(valid))

	tests := []struct {
		name   string
		mutate func(*Policy)
		code   string
	}{
		{"empty name", func(p *Policy) { p.Name = "" }, "POLICY_INVALID"},
		{"bad effect", func(p *Policy) { p.Effect = "allow" }, "POLICY_INVALID"},
		{"zero conditions", func(p *Policy) { p.Conditions = nil }, "POLICY_INVALID"},
		{"bad category", func(p *Policy) { p.Conditions[0].Category = "Network" }, "CONDITION_INVALID"},
		{"bad operator", func(p *Policy) { p.Conditions[0].Operator = "Matches" }, "CONDITION_INVALID"},
		{"bad key", func(p *Policy) { p.Conditions[0].Key = "CamelCase" }, "CONDITION_INVALID"},
		{"oversized expected", func(p *Policy) { p.Conditions[0].Expected = string(make([]byte, 501)) }, "CONDITION_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{
				Name:   valid.Name,
				Effect: valid.Effect,
				Conditions: []types.PolicyCondition{
					{Category: types.CategorySubject, Key: "department", Operator: types.OpEquals, Expected: "eng"},
				},
			}
			tt.mutate(p)
			assertCode(t, ValidatePolicy(p), tt.code)
		})
	}
}

func TestValidatePolicy_ReservedEnvKey(t *testing.T) {
	p := &Policy{
		Name:   "biz-hours",
		Effect: types.EffectDeny,
		Conditions: []types.PolicyCondition{
			{Category: types.CategoryEnvironment, Key: "isBusinessHours", Operator: types.OpEquals, Expected: "false"},
		},
	}
	require.NoError(t, ValidatePolicy(p))

	// The same camelCase key on a Subject condition is rejected.
	p.Conditions[0].Category = types.CategorySubject
	assertCode(t, ValidatePolicy(p), "CONDITION_INVALID")
}
