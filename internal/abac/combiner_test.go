// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package abac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

func applies(id string, prio int, effect types.Effect) types.PolicyOutcome {
	return types.PolicyOutcome{PolicyID: id, Priority: prio, Outcome: types.Applies(effect)}
}

func notApplicable(id string, prio int) types.PolicyOutcome {
	return types.PolicyOutcome{PolicyID: id, Priority: prio, Outcome: types.NotApplicable()}
}

func indeterminate(id string, prio int, kind types.ErrorKind, key string) types.PolicyOutcome {
	return types.PolicyOutcome{
		PolicyID: id,
		Priority: prio,
		Outcome: types.Indeterminate(&types.ConditionError{
			Kind: kind, Category: types.CategorySubject, Key: key,
		}),
	}
}

func TestCombine_DefaultDeny(t *testing.T) {
	d := combine(nil)
	assert.Equal(t, types.ResultDeny, d.Result)
	assert.Equal(t, "No applicable policy", d.Reason)
	assert.Empty(t, d.PolicyID)
	assert.False(t, d.IsPermitted())
	require.NoError(t, d.Validate())
}

func TestCombine_NothingApplies(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		notApplicable("P1", 100),
		notApplicable("P2", 10),
	})
	assert.Equal(t, types.ResultDeny, d.Result)
	assert.Equal(t, "No applicable policy", d.Reason)
	assert.Empty(t, d.PolicyID)
}

func TestCombine_SinglePermit(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		notApplicable("P0", 200),
		applies("P1", 100, types.EffectPermit),
	})
	assert.Equal(t, types.ResultPermit, d.Result)
	assert.Equal(t, "P1", d.PolicyID)
	assert.True(t, d.IsPermitted())
}

func TestCombine_DenyOverridesPermit(t *testing.T) {
	// P2 has lower priority and sits after P1 in catalogue order, but an
	// applicable deny wins regardless.
	d := combine([]types.PolicyOutcome{
		applies("P1", 100, types.EffectPermit),
		applies("P2", 10, types.EffectDeny),
	})
	assert.Equal(t, types.ResultDeny, d.Result)
	assert.Equal(t, "P2", d.PolicyID)
	assert.False(t, d.IsPermitted())
}

func TestCombine_DenyShortCircuits(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		applies("P1", 100, types.EffectDeny),
		indeterminate("P2", 50, types.AttributeMissing, "level"),
	})
	assert.Equal(t, types.ResultDeny, d.Result)
	assert.Equal(t, "P1", d.PolicyID)
}

func TestCombine_FirstPermitLatched(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		applies("P1", 100, types.EffectPermit),
		applies("P2", 50, types.EffectPermit),
	})
	assert.Equal(t, types.ResultPermit, d.Result)
	assert.Equal(t, "P1", d.PolicyID)
}

func TestCombine_IndeterminateFailsClosed(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		indeterminate("P3", 100, types.AttributeMissing, "missing_attr"),
		notApplicable("P4", 10),
	})
	assert.Equal(t, types.ResultDeny, d.Result)
	assert.Equal(t, "P3", d.PolicyID)
	assert.Contains(t, d.Reason, "Indeterminate policy(ies):")
	assert.Contains(t, d.Reason, "AttributeMissing")
}

func TestCombine_FirstIndeterminateAttributed(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		indeterminate("P3", 100, types.AttributeMissing, "a"),
		indeterminate("P5", 50, types.AttributeTypeError, "b"),
	})
	assert.Equal(t, "P3", d.PolicyID)
	assert.Contains(t, d.Reason, "AttributeMissing")
	assert.NotContains(t, d.Reason, "AttributeTypeError")
}

func TestCombine_LatchedPermitWinsOverIndeterminate(t *testing.T) {
	d := combine([]types.PolicyOutcome{
		indeterminate("P3", 100, types.AttributeMissing, "missing_attr"),
		applies("P1", 50, types.EffectPermit),
	})
	assert.Equal(t, types.ResultPermit, d.Result)
	assert.Equal(t, "P1", d.PolicyID)
}

func TestCombine_RecordsEvaluatedOutcomes(t *testing.T) {
	outcomes := []types.PolicyOutcome{
		notApplicable("P1", 100),
		applies("P2", 50, types.EffectPermit),
	}
	d := combine(outcomes)
	require.Len(t, d.Evaluated, 2)
	assert.Equal(t, "P1", d.Evaluated[0].PolicyID)
	assert.Equal(t, "P2", d.Evaluated[1].PolicyID)
}
