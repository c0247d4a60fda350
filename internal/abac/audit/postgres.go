// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatehouse/gatehouse/internal/abac/types"
)

// Querier is the pgx query surface the audit store uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Writer and Reader over the access_logs relation.
type Postgres struct {
	db Querier
}

// NewPostgres creates an audit store backed by the given querier.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

var (
	_ Writer = (*Postgres)(nil)
	_ Reader = (*Postgres)(nil)
)

// Write appends one entry. The policy reference is nullable so log rows
// survive policy deletion.
func (s *Postgres) Write(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	ctxBlob := e.Context
	if len(ctxBlob) == 0 {
		ctxBlob = []byte("{}")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO access_logs (id, subject_id, resource_id, action_id, result, reason, policy_id, ip_address, user_agent, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.SubjectID, e.ResourceID, e.ActionID, string(e.Result), e.Reason, e.PolicyID, nullIfEmpty(e.IPAddress), nullIfEmpty(e.UserAgent), ctxBlob)
	if err != nil {
		return oops.Code("AUDIT_WRITE_FAILED").
			With("subject_id", e.SubjectID).
			With("resource_id", e.ResourceID).
			Wrap(err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sortColumns whitelists the sortable fields. Anything else falls back to
// created_at so user input never reaches the ORDER BY clause verbatim.
var sortColumns = map[string]string{
	"created_at":  "created_at",
	"createdAt":   "created_at",
	"result":      "result",
	"subject_id":  "subject_id",
	"subjectId":   "subject_id",
	"resource_id": "resource_id",
	"resourceId":  "resource_id",
	"action_id":   "action_id",
	"actionId":    "action_id",
}

// whereClause builds the WHERE fragment and its positional args for a
// filter. Soft-deleted rows are always excluded, for uniformity with the
// catalogue relations even though log rows are never deleted in practice.
func whereClause(f Filter) (string, []any) {
	conds := []string{"is_deleted = false"}
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.ActionID != "" {
		add("action_id = $%d", f.ActionID)
	}
	if f.Result != "" {
		add("result = $%d", string(f.Result))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns filtered, sorted, paginated entries.
func (s *Postgres) Query(ctx context.Context, f Filter, sort Sort, page Page) ([]Entry, error) {
	page = page.Clamp()
	col, ok := sortColumns[sort.Field]
	if !ok {
		col = "created_at"
		sort.Desc = true
	}
	dir := "ASC"
	if sort.Desc {
		dir = "DESC"
	}

	where, args := whereClause(f)
	args = append(args, page.Limit, page.Offset)
	q := fmt.Sprintf(`
		SELECT id, subject_id, resource_id, action_id, result, reason, policy_id, ip_address, user_agent, context, created_at
		FROM access_logs%s
		ORDER BY %s %s, id %s
		LIMIT $%d OFFSET $%d
	`, where, col, dir, dir, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, oops.With("operation", "query access logs").Wrap(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var result string
		var ip, ua *string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ResourceID, &e.ActionID, &result, &e.Reason, &e.PolicyID, &ip, &ua, &e.Context, &e.CreatedAt); err != nil {
			return nil, oops.With("operation", "scan access log").Wrap(err)
		}
		e.Result = types.Result(result)
		if ip != nil {
			e.IPAddress = *ip
		}
		if ua != nil {
			e.UserAgent = *ua
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate access logs").Wrap(err)
	}
	return out, nil
}

// Count returns the number of entries matching the filter.
func (s *Postgres) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := whereClause(f)
	var n int64
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM access_logs"+where, args...).Scan(&n)
	if err != nil {
		return 0, oops.With("operation", "count access logs").Wrap(err)
	}
	return n, nil
}

// Statistics aggregates the filtered log by result in one pass.
func (s *Postgres) Statistics(ctx context.Context, f Filter) (*Statistics, error) {
	where, args := whereClause(f)
	q := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE result = 'Permit'),
			COUNT(*) FILTER (WHERE result = 'Deny'),
			COUNT(*) FILTER (WHERE result = 'Error'),
			COUNT(*) FILTER (WHERE result = 'NotApplicable')
		FROM access_logs` + where

	var st Statistics
	err := s.db.QueryRow(ctx, q, args...).Scan(&st.Total, &st.Permits, &st.Denies, &st.Errors, &st.NotApplicable)
	if err != nil {
		return nil, oops.With("operation", "access log statistics").Wrap(err)
	}
	st.ComputeRates()
	return &st, nil
}

// clampTopN bounds top-N queries to [1, 100] with a default of 10.
func clampTopN(n int) int {
	if n <= 0 {
		return 10
	}
	if n > 100 {
		return 100
	}
	return n
}

// TopResources returns the most-accessed resources in the filtered window.
func (s *Postgres) TopResources(ctx context.Context, f Filter, n int) ([]ResourceCount, error) {
	where, args := whereClause(f)
	args = append(args, clampTopN(n))
	q := fmt.Sprintf(`
		SELECT resource_id, COUNT(*) AS c
		FROM access_logs%s
		GROUP BY resource_id
		ORDER BY c DESC, resource_id ASC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, oops.With("operation", "top resources").Wrap(err)
	}
	defer rows.Close()

	var out []ResourceCount
	for rows.Next() {
		var rc ResourceCount
		if err := rows.Scan(&rc.ResourceID, &rc.Count); err != nil {
			return nil, oops.With("operation", "scan top resources").Wrap(err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate top resources").Wrap(err)
	}
	return out, nil
}

// TopSubjects returns the most active subjects in the filtered window.
func (s *Postgres) TopSubjects(ctx context.Context, f Filter, n int) ([]SubjectCount, error) {
	where, args := whereClause(f)
	args = append(args, clampTopN(n))
	q := fmt.Sprintf(`
		SELECT subject_id, COUNT(*) AS c
		FROM access_logs%s
		GROUP BY subject_id
		ORDER BY c DESC, subject_id ASC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, oops.With("operation", "top subjects").Wrap(err)
	}
	defer rows.Close()

	var out []SubjectCount
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.SubjectID, &sc.Count); err != nil {
			return nil, oops.With("operation", "scan top subjects").Wrap(err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate top subjects").Wrap(err)
	}
	return out, nil
}

// DeniesByPolicy attributes Deny outcomes to the policies that latched them.
// Rows with a null policy reference (default denies, fail-closed errors) are
// excluded: they have no policy to attribute.
func (s *Postgres) DeniesByPolicy(ctx context.Context, f Filter, n int) ([]PolicyDenyCount, error) {
	f.Result = types.ResultDeny
	where, args := whereClause(f)
	where += " AND policy_id IS NOT NULL"
	args = append(args, clampTopN(n))
	q := fmt.Sprintf(`
		SELECT policy_id, COUNT(*) AS c
		FROM access_logs%s
		GROUP BY policy_id
		ORDER BY c DESC, policy_id ASC
		LIMIT $%d
	`, where, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, oops.With("operation", "denies by policy").Wrap(err)
	}
	defer rows.Close()

	var out []PolicyDenyCount
	for rows.Next() {
		var pc PolicyDenyCount
		if err := rows.Scan(&pc.PolicyID, &pc.Count); err != nil {
			return nil, oops.With("operation", "scan denies by policy").Wrap(err)
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate denies by policy").Wrap(err)
	}
	return out, nil
}

// IsWriteFailure reports whether err is an audit write failure, which the
// facade treats as fatal to the decision.
func IsWriteFailure(err error) bool {
	var oopsErr oops.OopsError
	return errors.As(err, &oopsErr) && oopsErr.Code() == "AUDIT_WRITE_FAILED"
}
