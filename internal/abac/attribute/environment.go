// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package attribute

import (
	"time"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// EnvironmentProvider builds the environment bag for an evaluation: clock
// facts derived from the evaluation instant plus transport facts from the
// request origin.
type EnvironmentProvider struct {
	now func() time.Time
}

// NewEnvironmentProvider creates a provider reading the real clock.
func NewEnvironmentProvider() *EnvironmentProvider {
	return &EnvironmentProvider{now: time.Now}
}

// NewEnvironmentProviderWithClock creates a provider with an injected clock.
func NewEnvironmentProviderWithClock(now func() time.Time) *EnvironmentProvider {
	return &EnvironmentProvider{now: now}
}

// Now returns the provider's current instant in UTC. The engine samples it
// once per evaluation so every policy sees the same T.
func (p *EnvironmentProvider) Now() time.Time {
	return p.now().UTC()
}

// Bag builds the environment map for the instant at and the request origin,
// then merges caller-supplied overrides on top. Caller values win, including
// for reserved keys.
func (p *EnvironmentProvider) Bag(at time.Time, origin types.Origin, overrides map[string]any) map[string]any {
	at = at.UTC()
	bag := map[string]any{
		types.EnvHourOfDay:       float64(at.Hour()),
		types.EnvDayOfWeek:       at.Weekday().String()[:3],
		types.EnvIsBusinessHours: at.Hour() >= 8 && at.Hour() < 18,
	}
	if origin.IPAddress != "" {
		bag[types.EnvIPAddress] = origin.IPAddress
	}
	if origin.Method != "" {
		bag[types.EnvRequestMethod] = origin.Method
	}
	if origin.Path != "" {
		bag[types.EnvRequestPath] = origin.Path
	}
	if origin.UserAgent != "" {
		bag[types.EnvUserAgent] = origin.UserAgent
	}
	for k, v := range overrides {
		bag[k] = normalizeOverride(v)
	}
	return bag
}

// normalizeOverride coerces JSON-decoded override values into the evaluator's
// value domain. Integers arrive as float64 from encoding/json already; other
// numeric Go types from in-process callers are widened here.
func normalizeOverride(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}
