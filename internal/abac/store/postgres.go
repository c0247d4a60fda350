// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// Querier is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres implements AttributeReader, PolicyCatalog, and the administrative
// write operations over PostgreSQL.
type Postgres struct {
	db Querier
}

// NewPostgres creates a Postgres store backed by the given querier.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// Compile-time interface checks.
var (
	_ AttributeReader = (*Postgres)(nil)
	_ PolicyCatalog   = (*Postgres)(nil)
)

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// --- C1: attribute reads ---

// SchemaByKey returns the live schema with the given key.
func (s *Postgres) SchemaByKey(ctx context.Context, key string) (*AttributeSchema, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, key, type, description, created_at, updated_at
		FROM attribute_schemas
		WHERE key = $1 AND is_deleted = false
	`, key)

	var sch AttributeSchema
	var typ string
	err := row.Scan(&sch.ID, &sch.Name, &sch.Key, &typ, &sch.Description, &sch.CreatedAt, &sch.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SCHEMA_NOT_FOUND").With("key", key).Errorf("attribute schema not found")
	}
	if err != nil {
		return nil, oops.With("operation", "get schema by key").With("key", key).Wrap(err)
	}
	sch.Type = types.AttrType(typ)
	return &sch, nil
}

// SubjectAttributeRows returns all subject attributes active at the given
// instant, joined with their live schemas.
func (s *Postgres) SubjectAttributeRows(ctx context.Context, subjectID string, at time.Time) ([]AttributeRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sch.key, sch.type, sa.value
		FROM subject_attributes sa
		JOIN attribute_schemas sch ON sch.id = sa.attribute_id AND sch.is_deleted = false
		WHERE sa.subject_id = $1
		  AND sa.is_deleted = false
		  AND (sa.valid_from IS NULL OR sa.valid_from <= $2)
		  AND (sa.valid_to IS NULL OR sa.valid_to >= $2)
		ORDER BY sch.key
	`, subjectID, at)
	if err != nil {
		return nil, oops.With("operation", "list subject attributes").With("subject_id", subjectID).Wrap(err)
	}
	return scanAttributeRows(rows)
}

// ResourceAttributeRows returns all live resource attributes joined with
// their live schemas.
func (s *Postgres) ResourceAttributeRows(ctx context.Context, resourceID string) ([]AttributeRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT sch.key, sch.type, ra.value
		FROM resource_attributes ra
		JOIN attribute_schemas sch ON sch.id = ra.attribute_id AND sch.is_deleted = false
		WHERE ra.resource_id = $1 AND ra.is_deleted = false
		ORDER BY sch.key
	`, resourceID)
	if err != nil {
		return nil, oops.With("operation", "list resource attributes").With("resource_id", resourceID).Wrap(err)
	}
	return scanAttributeRows(rows)
}

func scanAttributeRows(rows pgx.Rows) ([]AttributeRow, error) {
	defer rows.Close()
	var out []AttributeRow
	for rows.Next() {
		var r AttributeRow
		var typ string
		if err := rows.Scan(&r.Key, &typ, &r.Value); err != nil {
			return nil, oops.With("operation", "scan attribute row").Wrap(err)
		}
		r.Type = types.AttrType(typ)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate attribute rows").Wrap(err)
	}
	return out, nil
}

// ResourceExists reports whether a live resource row exists.
func (s *Postgres) ResourceExists(ctx context.Context, resourceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM resources WHERE id = $1 AND is_deleted = false)`,
		resourceID,
	).Scan(&exists)
	if err != nil {
		return false, oops.With("operation", "resource exists").With("resource_id", resourceID).Wrap(err)
	}
	return exists, nil
}

// --- C2: policy catalogue reads ---

// ListApplicablePolicies returns active, live policies bound to the action,
// ordered by (priority DESC, id ASC), with live conditions eagerly loaded in
// id ASC order.
func (s *Postgres) ListApplicablePolicies(ctx context.Context, actionID string) ([]Policy, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.id, p.name, p.description, p.effect, p.priority, p.is_active, p.created_at, p.updated_at
		FROM policies p
		WHERE p.is_active = true
		  AND p.is_deleted = false
		  AND EXISTS (
			SELECT 1 FROM policy_actions pa
			WHERE pa.policy_id = p.id AND pa.action_id = $1 AND pa.is_deleted = false
		  )
		ORDER BY p.priority DESC, p.id ASC
	`, actionID)
	if err != nil {
		return nil, oops.With("operation", "list applicable policies").With("action_id", actionID).Wrap(err)
	}

	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return policies, nil
	}

	ids := make([]string, len(policies))
	index := make(map[string]int, len(policies))
	for i := range policies {
		ids[i] = policies[i].ID
		index[policies[i].ID] = i
	}

	condRows, err := s.db.Query(ctx, `
		SELECT id, policy_id, attribute_category, attribute_key, operator, expected_value
		FROM policy_conditions
		WHERE policy_id = ANY($1) AND is_deleted = false
		ORDER BY policy_id, id ASC
	`, ids)
	if err != nil {
		return nil, oops.With("operation", "list policy conditions").Wrap(err)
	}
	defer condRows.Close()

	for condRows.Next() {
		var c types.PolicyCondition
		var policyID, category, operator string
		if err := condRows.Scan(&c.ID, &policyID, &category, &c.Key, &operator, &c.Expected); err != nil {
			return nil, oops.With("operation", "scan policy condition").Wrap(err)
		}
		c.Category = types.Category(category)
		c.Operator = types.Operator(operator)
		if i, ok := index[policyID]; ok {
			policies[i].Conditions = append(policies[i].Conditions, c)
		}
	}
	if err := condRows.Err(); err != nil {
		return nil, oops.With("operation", "iterate policy conditions").Wrap(err)
	}

	return policies, nil
}

func scanPolicies(rows pgx.Rows) ([]Policy, error) {
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		var p Policy
		var effect string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &effect, &p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, oops.With("operation", "scan policy row").Wrap(err)
		}
		p.Effect = types.Effect(effect)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate policy rows").Wrap(err)
	}
	return out, nil
}

// --- administrative writes ---

// CreateSchema inserts a new attribute schema, generating a ULID id.
func (s *Postgres) CreateSchema(ctx context.Context, sch *AttributeSchema) error {
	if err := ValidateKey(sch.Key); err != nil {
		return err
	}
	if !sch.Type.Valid() {
		return oops.Code("SCHEMA_INVALID").With("type", string(sch.Type)).Errorf("unknown attribute type")
	}

	id := ulid.Make().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO attribute_schemas (id, name, key, type, description)
		VALUES ($1, $2, $3, $4, $5)
	`, id, sch.Name, sch.Key, string(sch.Type), sch.Description)
	if isUniqueViolation(err) {
		return oops.Code("SCHEMA_KEY_EXISTS").With("key", sch.Key).Errorf("attribute schema key already exists")
	}
	if err != nil {
		return oops.Code("SCHEMA_CREATE_FAILED").With("key", sch.Key).Wrap(err)
	}
	sch.ID = id
	return nil
}

// DeleteSchema soft-deletes a schema by key. Existing attribute values keep
// their rows but become invisible to evaluation through the schema join.
func (s *Postgres) DeleteSchema(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE attribute_schemas SET is_deleted = true, updated_at = now()
		WHERE key = $1 AND is_deleted = false
	`, key)
	if err != nil {
		return oops.Code("SCHEMA_DELETE_FAILED").With("key", key).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("SCHEMA_NOT_FOUND").With("key", key).Errorf("attribute schema not found")
	}
	return nil
}

// CreateAction inserts a catalogue action, generating a ULID id.
func (s *Postgres) CreateAction(ctx context.Context, a *Action) error {
	if err := ValidateKey(a.Code); err != nil {
		return err
	}

	id := ulid.Make().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO actions (id, name, code, description)
		VALUES ($1, $2, $3, $4)
	`, id, a.Name, a.Code, a.Description)
	if isUniqueViolation(err) {
		return oops.Code("ACTION_CODE_EXISTS").With("code", a.Code).Errorf("action code already exists")
	}
	if err != nil {
		return oops.Code("ACTION_CREATE_FAILED").With("code", a.Code).Wrap(err)
	}
	a.ID = id
	return nil
}

// ActionByCode returns the live action with the given code.
func (s *Postgres) ActionByCode(ctx context.Context, code string) (*Action, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, code, description, created_at, updated_at
		FROM actions
		WHERE code = $1 AND is_deleted = false
	`, code)

	var a Action
	err := row.Scan(&a.ID, &a.Name, &a.Code, &a.Description, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACTION_NOT_FOUND").With("code", code).Errorf("action not found")
	}
	if err != nil {
		return nil, oops.With("operation", "get action by code").With("code", code).Wrap(err)
	}
	return &a, nil
}

// CreateSubject inserts a subject row. The service treats subjects as opaque
// beyond id and is_deleted.
func (s *Postgres) CreateSubject(ctx context.Context, displayName string) (string, error) {
	id := ulid.Make().String()
	_, err := s.db.Exec(ctx,
		`INSERT INTO subjects (id, display_name) VALUES ($1, $2)`,
		id, displayName)
	if err != nil {
		return "", oops.Code("SUBJECT_CREATE_FAILED").Wrap(err)
	}
	return id, nil
}

// CreateResource inserts a resource row.
func (s *Postgres) CreateResource(ctx context.Context, name string) (string, error) {
	id := ulid.Make().String()
	_, err := s.db.Exec(ctx,
		`INSERT INTO resources (id, name) VALUES ($1, $2)`,
		id, name)
	if err != nil {
		return "", oops.Code("RESOURCE_CREATE_FAILED").Wrap(err)
	}
	return id, nil
}

// AssignSubjectAttribute binds a value to a subject under the schema key.
// The previous live value, if still active, is closed at the assignment
// instant in the same transaction so at most one live value exists.
func (s *Postgres) AssignSubjectAttribute(ctx context.Context, subjectID, key, value string, validFrom, validTo *time.Time) (string, error) {
	sch, err := s.SchemaByKey(ctx, key)
	if err != nil {
		return "", err
	}
	if _, err := types.ParseTyped(value, sch.Type); err != nil {
		return "", oops.Code("ATTRIBUTE_VALUE_INVALID").
			With("key", key).With("type", string(sch.Type)).
			Wrap(err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", oops.Code("ATTRIBUTE_ASSIGN_FAILED").With("key", key).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE subject_attributes
		SET valid_to = $3, updated_at = now()
		WHERE subject_id = $1 AND attribute_id = $2 AND is_deleted = false
		  AND (valid_to IS NULL OR valid_to > $3)
	`, subjectID, sch.ID, now)
	if err != nil {
		return "", oops.Code("ATTRIBUTE_ASSIGN_FAILED").With("key", key).Wrap(err)
	}

	id := ulid.Make().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO subject_attributes (id, subject_id, attribute_id, value, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, subjectID, sch.ID, value, validFrom, validTo)
	if err != nil {
		return "", oops.Code("ATTRIBUTE_ASSIGN_FAILED").With("key", key).Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", oops.Code("ATTRIBUTE_ASSIGN_FAILED").With("key", key).With("operation", "commit").Wrap(err)
	}
	return id, nil
}

// RemoveSubjectAttribute soft-deletes the live value for (subject, key).
func (s *Postgres) RemoveSubjectAttribute(ctx context.Context, subjectID, key string) error {
	sch, err := s.SchemaByKey(ctx, key)
	if err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE subject_attributes
		SET is_deleted = true, updated_at = now()
		WHERE subject_id = $1 AND attribute_id = $2 AND is_deleted = false
	`, subjectID, sch.ID)
	if err != nil {
		return oops.Code("ATTRIBUTE_REMOVE_FAILED").With("key", key).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ATTRIBUTE_NOT_FOUND").
			With("subject_id", subjectID).With("key", key).
			Errorf("subject attribute not set")
	}
	return nil
}

// SetResourceAttribute upserts the live value for (resource, key).
func (s *Postgres) SetResourceAttribute(ctx context.Context, resourceID, key, value string) error {
	sch, err := s.SchemaByKey(ctx, key)
	if err != nil {
		return err
	}
	if _, err := types.ParseTyped(value, sch.Type); err != nil {
		return oops.Code("ATTRIBUTE_VALUE_INVALID").
			With("key", key).With("type", string(sch.Type)).
			Wrap(err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE resource_attributes
		SET value = $3, updated_at = now()
		WHERE resource_id = $1 AND attribute_id = $2 AND is_deleted = false
	`, resourceID, sch.ID, value)
	if err != nil {
		return oops.Code("ATTRIBUTE_SET_FAILED").With("key", key).Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	id := ulid.Make().String()
	_, err = s.db.Exec(ctx, `
		INSERT INTO resource_attributes (id, resource_id, attribute_id, value)
		VALUES ($1, $2, $3, $4)
	`, id, resourceID, sch.ID, value)
	if err != nil {
		return oops.Code("ATTRIBUTE_SET_FAILED").With("key", key).Wrap(err)
	}
	return nil
}

// CreatePolicy inserts a policy together with its conditions and action
// bindings in a single transaction, so concurrent evaluations never see a
// partial policy. pg_notify('abac_policy_changed', id) is sent in the same
// transaction for cache invalidation.
func (s *Postgres) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return oops.Code("POLICY_CREATE_FAILED").With("name", p.Name).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	id := ulid.Make().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO policies (id, name, description, effect, priority, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, p.Name, p.Description, string(p.Effect), p.Priority, p.IsActive)
	if err != nil {
		return oops.Code("POLICY_CREATE_FAILED").With("name", p.Name).Wrap(err)
	}

	if err := insertPolicyChildren(ctx, tx, id, p); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `SELECT pg_notify('abac_policy_changed', $1)`, id)
	if err != nil {
		return oops.Code("POLICY_CREATE_FAILED").With("name", p.Name).With("operation", "notify").Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("POLICY_CREATE_FAILED").With("name", p.Name).With("operation", "commit").Wrap(err)
	}
	p.ID = id
	return nil
}

// UpdatePolicy rewrites a policy's row, conditions, and action bindings in a
// single transaction. Old condition and binding rows are soft-deleted so the
// new rows carry fresh ids and a fresh evaluation order.
func (s *Postgres) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if p.ID == "" {
		return oops.Code("POLICY_INVALID").Errorf("policy id must be set for update")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx, `
		UPDATE policies
		SET name = $2, description = $3, effect = $4, priority = $5, is_active = $6, updated_at = now()
		WHERE id = $1 AND is_deleted = false
	`, p.ID, p.Name, p.Description, string(p.Effect), p.Priority, p.IsActive)
	if err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("POLICY_NOT_FOUND").With("id", p.ID).Errorf("policy not found")
	}

	_, err = tx.Exec(ctx,
		`UPDATE policy_conditions SET is_deleted = true, updated_at = now() WHERE policy_id = $1 AND is_deleted = false`,
		p.ID)
	if err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).Wrap(err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE policy_actions SET is_deleted = true, updated_at = now() WHERE policy_id = $1 AND is_deleted = false`,
		p.ID)
	if err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).Wrap(err)
	}

	if err := insertPolicyChildren(ctx, tx, p.ID, p); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `SELECT pg_notify('abac_policy_changed', $1)`, p.ID)
	if err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).With("operation", "notify").Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("POLICY_UPDATE_FAILED").With("id", p.ID).With("operation", "commit").Wrap(err)
	}
	return nil
}

func insertPolicyChildren(ctx context.Context, tx pgx.Tx, policyID string, p *Policy) error {
	for i := range p.Conditions {
		c := &p.Conditions[i]
		condID := ulid.Make().String()
		_, err := tx.Exec(ctx, `
			INSERT INTO policy_conditions (id, policy_id, attribute_category, attribute_key, operator, expected_value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, condID, policyID, string(c.Category), c.Key, string(c.Operator), c.Expected)
		if err != nil {
			return oops.Code("POLICY_CONDITION_FAILED").With("policy_id", policyID).Wrap(err)
		}
		c.ID = condID
	}

	for _, actionID := range p.ActionIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO policy_actions (id, policy_id, action_id)
			VALUES ($1, $2, $3)
		`, ulid.Make().String(), policyID, actionID)
		if isUniqueViolation(err) {
			return oops.Code("POLICY_ACTION_DUPLICATE").
				With("policy_id", policyID).With("action_id", actionID).
				Errorf("action already bound to policy")
		}
		if err != nil {
			return oops.Code("POLICY_ACTION_FAILED").With("policy_id", policyID).Wrap(err)
		}
	}
	return nil
}

// DeletePolicy soft-deletes a policy and its conditions and action bindings
// in one transaction. Access log rows referencing the policy are left
// untouched: audit history outlives the policies that produced it.
func (s *Postgres) DeletePolicy(ctx context.Context, id string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE policies SET is_deleted = true, updated_at = now() WHERE id = $1 AND is_deleted = false`,
		id)
	if err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("POLICY_NOT_FOUND").With("id", id).Errorf("policy not found")
	}

	_, err = tx.Exec(ctx,
		`UPDATE policy_conditions SET is_deleted = true, updated_at = now() WHERE policy_id = $1 AND is_deleted = false`,
		id)
	if err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).Wrap(err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE policy_actions SET is_deleted = true, updated_at = now() WHERE policy_id = $1 AND is_deleted = false`,
		id)
	if err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).Wrap(err)
	}

	_, err = tx.Exec(ctx, `SELECT pg_notify('abac_policy_changed', $1)`, id)
	if err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).With("operation", "notify").Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.Code("POLICY_DELETE_FAILED").With("id", id).With("operation", "commit").Wrap(err)
	}
	return nil
}

// PolicyByName returns the live policy with the given name, without its
// conditions. Used by the seeder for idempotent installs.
func (s *Postgres) PolicyByName(ctx context.Context, name string) (*Policy, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, description, effect, priority, is_active, created_at, updated_at
		FROM policies
		WHERE name = $1 AND is_deleted = false
	`, name)

	var p Policy
	var effect string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &effect, &p.Priority, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("POLICY_NOT_FOUND").With("name", name).Errorf("policy not found")
	}
	if err != nil {
		return nil, oops.With("operation", "get policy by name").With("name", name).Wrap(err)
	}
	p.Effect = types.Effect(effect)
	return &p, nil
}
