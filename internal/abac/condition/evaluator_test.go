// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package condition

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

func bagsWith(cat types.Category, key string, v any) *types.AttributeBags {
	b := types.NewAttributeBags()
	b.Bag(cat)[key] = v
	return b
}

func cond(cat types.Category, key string, op types.Operator, expected string) types.PolicyCondition {
	return types.PolicyCondition{ID: "01", Category: cat, Key: key, Operator: op, Expected: expected}
}

func TestEvaluate_Operators(t *testing.T) {
	hired := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		c    types.PolicyCondition
		bags *types.AttributeBags
		want bool
	}{
		{"equals string true", cond(types.CategorySubject, "dept", types.OpEquals, "eng"), bagsWith(types.CategorySubject, "dept", "eng"), true},
		{"equals string false", cond(types.CategorySubject, "dept", types.OpEquals, "eng"), bagsWith(types.CategorySubject, "dept", "hr"), false},
		{"not equals", cond(types.CategorySubject, "dept", types.OpNotEquals, "eng"), bagsWith(types.CategorySubject, "dept", "hr"), true},
		{"equals number", cond(types.CategorySubject, "level", types.OpEquals, "4"), bagsWith(types.CategorySubject, "level", 4.0), true},
		{"equals bool", cond(types.CategorySubject, "active", types.OpEquals, "true"), bagsWith(types.CategorySubject, "active", true), true},
		{"greater than number", cond(types.CategorySubject, "level", types.OpGreaterThan, "3"), bagsWith(types.CategorySubject, "level", 4.0), true},
		{"greater than equal boundary", cond(types.CategorySubject, "level", types.OpGreaterThanOrEqual, "4"), bagsWith(types.CategorySubject, "level", 4.0), true},
		{"less than false", cond(types.CategorySubject, "level", types.OpLessThan, "3"), bagsWith(types.CategorySubject, "level", 4.0), false},
		{"less than equal", cond(types.CategorySubject, "level", types.OpLessThanOrEqual, "4"), bagsWith(types.CategorySubject, "level", 4.0), true},
		{"datetime greater", cond(types.CategorySubject, "hired", types.OpGreaterThan, "2024-01-01"), bagsWith(types.CategorySubject, "hired", hired), true},
		{"datetime equals millis", cond(types.CategorySubject, "hired", types.OpEquals, "2024-06-01T09:00:00Z"), bagsWith(types.CategorySubject, "hired", hired.Add(300*time.Microsecond)), true},
		{"contains true", cond(types.CategoryResource, "path", types.OpContains, "secret"), bagsWith(types.CategoryResource, "path", "/vault/secret/x"), true},
		{"contains false", cond(types.CategoryResource, "path", types.OpContains, "secret"), bagsWith(types.CategoryResource, "path", "/public"), false},
		{"in string", cond(types.CategorySubject, "dept", types.OpIn, "eng, hr ,ops"), bagsWith(types.CategorySubject, "dept", "hr"), true},
		{"in number", cond(types.CategorySubject, "level", types.OpIn, "1,2,4"), bagsWith(types.CategorySubject, "level", 4.0), true},
		{"not in", cond(types.CategorySubject, "dept", types.OpNotIn, "eng,hr"), bagsWith(types.CategorySubject, "dept", "ops"), true},
		{"in empty set is false", cond(types.CategorySubject, "dept", types.OpIn, " , "), bagsWith(types.CategorySubject, "dept", "eng"), false},
		{"not in empty set is true", cond(types.CategorySubject, "dept", types.OpNotIn, ""), bagsWith(types.CategorySubject, "dept", "eng"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cerr := Evaluate(tt.c, tt.bags)
			require.Nil(t, cerr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	tests := []struct {
		name string
		c    types.PolicyCondition
		bags *types.AttributeBags
		kind types.ErrorKind
	}{
		{"missing attribute", cond(types.CategorySubject, "level", types.OpEquals, "4"), types.NewAttributeBags(), types.AttributeMissing},
		{"invalid stored value", cond(types.CategorySubject, "level", types.OpEquals, "4"), bagsWith(types.CategorySubject, "level", types.InvalidValue{Raw: "high", Want: types.AttrNumber}), types.AttributeTypeError},
		{"expected not parseable as left type", cond(types.CategorySubject, "level", types.OpEquals, "four"), bagsWith(types.CategorySubject, "level", 4.0), types.AttributeTypeError},
		{"ordering on string", cond(types.CategorySubject, "dept", types.OpGreaterThan, "a"), bagsWith(types.CategorySubject, "dept", "eng"), types.AttributeTypeError},
		{"ordering on bool", cond(types.CategorySubject, "active", types.OpLessThan, "true"), bagsWith(types.CategorySubject, "active", true), types.AttributeTypeError},
		{"contains on number", cond(types.CategorySubject, "level", types.OpContains, "4"), bagsWith(types.CategorySubject, "level", 44.0), types.AttributeTypeError},
		{"nan left operand", cond(types.CategorySubject, "level", types.OpEquals, "4"), bagsWith(types.CategorySubject, "level", math.NaN()), types.AttributeTypeError},
		{"in with unparseable element", cond(types.CategorySubject, "level", types.OpIn, "1,two,3"), bagsWith(types.CategorySubject, "level", 1.0), types.AttributeTypeError},
		{"unknown category", types.PolicyCondition{ID: "01", Category: "Network", Key: "x", Operator: types.OpEquals, Expected: "1"}, types.NewAttributeBags(), types.ConditionMalformed},
		{"unknown operator", types.PolicyCondition{ID: "01", Category: types.CategorySubject, Key: "x", Operator: "Matches", Expected: "1"}, types.NewAttributeBags(), types.ConditionMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, cerr := Evaluate(tt.c, tt.bags)
			require.NotNil(t, cerr)
			assert.Equal(t, tt.kind, cerr.Kind)
		})
	}
}

func TestEvaluatePolicy_AndSemantics(t *testing.T) {
	bags := types.NewAttributeBags()
	bags.Subject["dept"] = "eng"
	bags.Subject["level"] = 5.0

	conds := []types.PolicyCondition{
		{ID: "01", Category: types.CategorySubject, Key: "dept", Operator: types.OpEquals, Expected: "eng"},
		{ID: "02", Category: types.CategorySubject, Key: "level", Operator: types.OpGreaterThan, Expected: "3"},
	}

	out := EvaluatePolicy(conds, types.EffectPermit, bags)
	assert.Equal(t, types.OutcomeApplies, out.Kind)
	assert.Equal(t, types.EffectPermit, out.Effect)
}

func TestEvaluatePolicy_ZeroConditionsNotApplicable(t *testing.T) {
	out := EvaluatePolicy(nil, types.EffectPermit, types.NewAttributeBags())
	assert.Equal(t, types.OutcomeNotApplicable, out.Kind)
}

func TestEvaluatePolicy_FirstFalseBeatsLaterError(t *testing.T) {
	bags := types.NewAttributeBags()
	bags.Subject["dept"] = "hr"
	// "level" is absent: condition 02 would be AttributeMissing.

	conds := []types.PolicyCondition{
		{ID: "02", Category: types.CategorySubject, Key: "level", Operator: types.OpEquals, Expected: "4"},
		{ID: "01", Category: types.CategorySubject, Key: "dept", Operator: types.OpEquals, Expected: "eng"},
	}

	// Sorted by id, 01 evaluates first and is false; the evaluation never
	// reaches the erroring 02.
	out := EvaluatePolicy(conds, types.EffectPermit, bags)
	assert.Equal(t, types.OutcomeNotApplicable, out.Kind)
	assert.Nil(t, out.Err)
}

func TestEvaluatePolicy_ErrorBeforeFalseIsIndeterminate(t *testing.T) {
	bags := types.NewAttributeBags()
	bags.Subject["dept"] = "hr"

	conds := []types.PolicyCondition{
		{ID: "01", Category: types.CategorySubject, Key: "level", Operator: types.OpEquals, Expected: "4"},
		{ID: "02", Category: types.CategorySubject, Key: "dept", Operator: types.OpEquals, Expected: "eng"},
	}

	out := EvaluatePolicy(conds, types.EffectPermit, bags)
	assert.Equal(t, types.OutcomeIndeterminate, out.Kind)
	require.NotNil(t, out.Err)
	assert.Equal(t, types.AttributeMissing, out.Err.Kind)
	assert.Equal(t, "level", out.Err.Key)
}

func TestEvaluatePolicy_InputOrderIgnored(t *testing.T) {
	bags := types.NewAttributeBags()
	bags.Subject["a"] = "x"
	bags.Subject["b"] = "y"

	conds := []types.PolicyCondition{
		{ID: "02", Category: types.CategorySubject, Key: "b", Operator: types.OpEquals, Expected: "y"},
		{ID: "01", Category: types.CategorySubject, Key: "a", Operator: types.OpEquals, Expected: "x"},
	}

	out := EvaluatePolicy(conds, types.EffectDeny, bags)
	assert.Equal(t, types.OutcomeApplies, out.Kind)
	assert.Equal(t, types.EffectDeny, out.Effect)
	// Input slice is left untouched.
	assert.Equal(t, "02", conds[0].ID)
}
