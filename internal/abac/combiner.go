// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package abac

import (
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// combine folds per-policy outcomes into a final decision under
// deny-overrides semantics. Outcomes must arrive in catalogue order
// (priority DESC, id ASC); the walk never reorders them.
//
// The fold:
//   - an applicable deny decides immediately, regardless of priority;
//   - the first applicable permit is latched and decides after the walk if
//     no policy denied;
//   - indeterminate policies are recorded; with no permit latched they force
//     a fail-closed Deny attributed to the first indeterminate policy;
//   - nothing applicable at all is the default Deny.
func combine(outcomes []types.PolicyOutcome) types.Decision {
	var (
		permit     *types.PolicyOutcome
		firstError *types.PolicyOutcome
	)

	for i := range outcomes {
		o := &outcomes[i]
		switch o.Outcome.Kind {
		case types.OutcomeApplies:
			if o.Outcome.Effect == types.EffectDeny {
				d := types.NewDecision(types.ResultDeny,
					"Denied by policy: "+o.PolicyID, o.PolicyID)
				d.Evaluated = outcomes
				return d
			}
			if permit == nil {
				permit = o
			}
		case types.OutcomeIndeterminate:
			if firstError == nil {
				firstError = o
			}
		}
	}

	if permit != nil {
		d := types.NewDecision(types.ResultPermit,
			"Permitted by policy: "+permit.PolicyID, permit.PolicyID)
		d.Evaluated = outcomes
		return d
	}
	if firstError != nil {
		d := types.NewDecision(types.ResultDeny,
			"Indeterminate policy(ies): "+firstError.Outcome.Err.Error(), firstError.PolicyID)
		d.Evaluated = outcomes
		return d
	}

	d := types.NewDecision(types.ResultDeny, "No applicable policy", "")
	d.Evaluated = outcomes
	return d
}
