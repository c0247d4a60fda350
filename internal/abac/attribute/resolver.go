// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

// Package attribute resolves stored attribute rows and request facts into the
// typed bags the condition evaluator reads.
package attribute

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/store"
	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// Resolver turns string-encoded attribute rows into typed bag entries.
type Resolver struct {
	reader store.AttributeReader
}

// NewResolver creates a Resolver over the given attribute reader.
func NewResolver(reader store.AttributeReader) *Resolver {
	return &Resolver{reader: reader}
}

// SubjectBag resolves the subject's attributes active at the given instant.
// A subject with no attributes yields an empty map, not an error; conditions
// on absent keys fail individually with AttributeMissing.
func (r *Resolver) SubjectBag(ctx context.Context, subjectID string, at time.Time) (map[string]any, error) {
	rows, err := r.reader.SubjectAttributeRows(ctx, subjectID, at)
	if err != nil {
		return nil, oops.With("subject_id", subjectID).Wrap(err)
	}
	return bagFromRows(rows), nil
}

// ResourceBag resolves the resource's live attributes.
func (r *Resolver) ResourceBag(ctx context.Context, resourceID string) (map[string]any, error) {
	rows, err := r.reader.ResourceAttributeRows(ctx, resourceID)
	if err != nil {
		return nil, oops.With("resource_id", resourceID).Wrap(err)
	}
	return bagFromRows(rows), nil
}

// bagFromRows parses each row's value per its schema type. Values that fail
// to parse are kept as InvalidValue markers rather than dropped: a condition
// touching them must see AttributeTypeError, not AttributeMissing.
func bagFromRows(rows []store.AttributeRow) map[string]any {
	bag := make(map[string]any, len(rows))
	for _, row := range rows {
		v, err := types.ParseTyped(row.Value, row.Type)
		if err != nil {
			bag[row.Key] = types.InvalidValue{Raw: row.Value, Want: row.Type}
			continue
		}
		bag[row.Key] = v
	}
	return bag
}
