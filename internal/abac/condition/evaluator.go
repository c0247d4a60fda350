// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package condition evaluates policy conditions against resolved attribute
// bags. Everything here is a pure function of its inputs: no I/O, no clock
// reads, no shared state.
package condition

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// EvaluatePolicy evaluates a policy's conditions under AND semantics.
//
// Conditions are walked in id ASC order. Evaluation short-circuits on the
// first false (NotApplicable) and on the first error (Indeterminate); a false
// seen before a later would-be error wins, so errors never elevate above a
// clean negative. A policy with zero conditions is NotApplicable: an
// unconditioned permit would defeat the point of attribute-based control.
func EvaluatePolicy(conds []types.PolicyCondition, effect types.Effect, bags *types.AttributeBags) types.Outcome {
	if len(conds) == 0 {
		return types.NotApplicable()
	}

	ordered := make([]types.PolicyCondition, len(conds))
	copy(ordered, conds)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, c := range ordered {
		met, err := Evaluate(c, bags)
		if err != nil {
			return types.Indeterminate(err)
		}
		if !met {
			return types.NotApplicable()
		}
	}
	return types.Applies(effect)
}

// Evaluate evaluates a single condition against the bags. It returns the
// boolean verdict, or a tagged ConditionError when the condition cannot be
// decided (missing attribute, type mismatch, malformed condition).
func Evaluate(c types.PolicyCondition, bags *types.AttributeBags) (bool, *types.ConditionError) {
	if !c.Category.Valid() {
		return false, &types.ConditionError{
			Kind: types.ConditionMalformed, Category: c.Category, Key: c.Key,
			Detail: "unknown attribute category " + strconv.Quote(string(c.Category)),
		}
	}
	if !c.Operator.Valid() {
		return false, &types.ConditionError{
			Kind: types.ConditionMalformed, Category: c.Category, Key: c.Key,
			Detail: "unknown operator " + strconv.Quote(string(c.Operator)),
		}
	}

	bag := bags.Bag(c.Category)
	left, ok := bag[c.Key]
	if !ok {
		return false, &types.ConditionError{
			Kind: types.AttributeMissing, Category: c.Category, Key: c.Key,
			Detail: "no value resolved",
		}
	}

	// Stored values that failed to parse as their schema type surface here.
	if iv, bad := left.(types.InvalidValue); bad {
		return false, &types.ConditionError{
			Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
			Detail: "stored value " + strconv.Quote(iv.Raw) + " is not a valid " + string(iv.Want),
		}
	}

	leftType, ok := typeOf(left)
	if !ok {
		return false, &types.ConditionError{
			Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
			Detail: "unsupported value type",
		}
	}
	if n, isNum := left.(float64); isNum && (math.IsNaN(n) || math.IsInf(n, 0)) {
		return false, &types.ConditionError{
			Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
			Detail: "left operand is not finite",
		}
	}

	switch c.Operator {
	case types.OpEquals, types.OpNotEquals:
		right, cerr := parseExpected(c, leftType)
		if cerr != nil {
			return false, cerr
		}
		eq := valuesEqual(left, right)
		if c.Operator == types.OpNotEquals {
			return !eq, nil
		}
		return eq, nil

	case types.OpGreaterThan, types.OpLessThan, types.OpGreaterThanOrEqual, types.OpLessThanOrEqual:
		if leftType != types.AttrNumber && leftType != types.AttrDateTime {
			return false, &types.ConditionError{
				Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
				Detail: "ordering requires Number or DateTime, got " + string(leftType),
			}
		}
		right, cerr := parseExpected(c, leftType)
		if cerr != nil {
			return false, cerr
		}
		cmp := compareOrdered(left, right)
		switch c.Operator {
		case types.OpGreaterThan:
			return cmp > 0, nil
		case types.OpLessThan:
			return cmp < 0, nil
		case types.OpGreaterThanOrEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}

	case types.OpContains:
		if leftType != types.AttrString {
			return false, &types.ConditionError{
				Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
				Detail: "Contains requires String, got " + string(leftType),
			}
		}
		return strings.Contains(left.(string), c.Expected), nil

	case types.OpIn, types.OpNotIn:
		set, cerr := parseExpectedList(c, leftType)
		if cerr != nil {
			return false, cerr
		}
		found := false
		for _, right := range set {
			if valuesEqual(left, right) {
				found = true
				break
			}
		}
		if c.Operator == types.OpNotIn {
			return !found, nil
		}
		return found, nil
	}

	// Unreachable: Valid() admitted the operator above.
	return false, &types.ConditionError{
		Kind: types.ConditionMalformed, Category: c.Category, Key: c.Key,
		Detail: "unhandled operator " + strconv.Quote(string(c.Operator)),
	}
}

// typeOf maps a resolved Go value to its attribute type.
func typeOf(v any) (types.AttrType, bool) {
	switch v.(type) {
	case string:
		return types.AttrString, true
	case float64:
		return types.AttrNumber, true
	case bool:
		return types.AttrBoolean, true
	case time.Time:
		return types.AttrDateTime, true
	}
	return "", false
}

// parseExpected parses the condition's expected value as the left operand's
// type. A parse failure is an AttributeTypeError.
func parseExpected(c types.PolicyCondition, want types.AttrType) (any, *types.ConditionError) {
	v, err := types.ParseTyped(c.Expected, want)
	if err != nil {
		return nil, &types.ConditionError{
			Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
			Detail: err.Error(),
		}
	}
	return v, nil
}

// parseExpectedList parses a comma-separated expected value for In/NotIn.
// Whitespace around elements is trimmed and empty elements are ignored, so an
// empty expected value yields an empty set.
func parseExpectedList(c types.PolicyCondition, want types.AttrType) ([]any, *types.ConditionError) {
	var set []any
	for _, part := range strings.Split(c.Expected, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := types.ParseTyped(part, want)
		if err != nil {
			return nil, &types.ConditionError{
				Kind: types.AttributeTypeError, Category: c.Category, Key: c.Key,
				Detail: err.Error(),
			}
		}
		set = append(set, v)
	}
	return set, nil
}

// valuesEqual compares two values of the same attribute type. DateTimes are
// compared as UTC instants at millisecond resolution.
func valuesEqual(left, right any) bool {
	lt, lok := left.(time.Time)
	rt, rok := right.(time.Time)
	if lok && rok {
		return truncMillis(lt).Equal(truncMillis(rt))
	}
	return left == right
}

// compareOrdered returns -1, 0, or 1 for Number and DateTime operands.
func compareOrdered(left, right any) int {
	switch l := left.(type) {
	case float64:
		r := right.(float64)
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	case time.Time:
		r := right.(time.Time)
		lm, rm := truncMillis(l), truncMillis(r)
		switch {
		case lm.Before(rm):
			return -1
		case lm.After(rm):
			return 1
		}
		return 0
	}
	return 0
}

func truncMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
