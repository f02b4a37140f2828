package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arcstore/tsqlite/internal/predicate"
)

// PagedResult is QueryPaged's return shape.
type PagedResult[E any] struct {
	Items      []E
	PageNumber int
	PageSize   int
	TotalCount int
}

// QueryOptions controls whether soft-deleted rows are visible to Query.
type QueryOptions struct {
	IncludeDeleted bool
}

// Query returns all non-deleted, non-expired entities matching pred (nil
// matches everything), with no ordering guarantee.
func (s *Store[K, E]) Query(ctx context.Context, pred predicate.Expr, opts QueryOptions) ([]E, error) {
	if err := s.checkFreshness(ctx); err != nil {
		return nil, wrapf("query", err)
	}
	s.reconnectMu.RLock()
	defer s.reconnectMu.RUnlock()

	whereSQL, args, err := s.whereClause(pred, opts)
	if err != nil {
		return nil, wrapf("query", err)
	}

	sqlStr := s.statements.Select
	if whereSQL != "" {
		sqlStr += " WHERE " + whereSQL
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, wrapf("query", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var out []E
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, wrapf("query", err)
		}
		if !opts.IncludeDeleted && s.isExpired(*e, now) {
			continue
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapf("query", err)
	}
	return out, nil
}

// QueryPaged returns page pageNumber (1-indexed) of pred's matches, order
// deterministic by orderBy ascending/descending, or by primary key
// ascending when orderBy is empty. pageNumber beyond the last page yields
// empty Items with the correct TotalCount.
func (s *Store[K, E]) QueryPaged(ctx context.Context, pred predicate.Expr, pageSize, pageNumber int, orderBy string, ascending bool, opts QueryOptions) (PagedResult[E], error) {
	var zero PagedResult[E]
	if pageSize <= 0 {
		return zero, fmt.Errorf("query_paged: %w: page_size must be positive", ErrConfiguration)
	}
	if pageNumber < 1 {
		return zero, fmt.Errorf("query_paged: %w: page_number must be >= 1", ErrConfiguration)
	}

	if err := s.checkFreshness(ctx); err != nil {
		return zero, wrapf("query_paged", err)
	}
	s.reconnectMu.RLock()
	defer s.reconnectMu.RUnlock()

	whereSQL, args, err := s.whereClause(pred, opts)
	if err != nil {
		return zero, wrapf("query_paged", err)
	}

	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, s.mapping.Table)
	if whereSQL != "" {
		countSQL += " WHERE " + whereSQL
	}
	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return zero, wrapf("query_paged", err)
	}

	orderClause, err := s.orderByClause(orderBy, ascending)
	if err != nil {
		return zero, wrapf("query_paged", err)
	}

	pageSQL := s.statements.Select
	if whereSQL != "" {
		pageSQL += " WHERE " + whereSQL
	}
	pageSQL += " " + orderClause
	pageSQL += " LIMIT ? OFFSET ?"
	pageArgs := append(append([]any{}, args...), pageSize, (pageNumber-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return zero, wrapf("query_paged", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	items := make([]E, 0, pageSize)
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return zero, wrapf("query_paged", err)
		}
		if !opts.IncludeDeleted && s.isExpired(*e, now) {
			continue
		}
		items = append(items, *e)
	}
	if err := rows.Err(); err != nil {
		return zero, wrapf("query_paged", err)
	}

	return PagedResult[E]{Items: items, PageNumber: pageNumber, PageSize: pageSize, TotalCount: total}, nil
}

func (s *Store[K, E]) orderByClause(orderBy string, ascending bool) (string, error) {
	dir := "ASC"
	if !ascending {
		dir = "DESC"
	}
	if orderBy == "" {
		cols := make([]string, len(s.mapping.PrimaryKey))
		for i, p := range s.mapping.PrimaryKey {
			cols[i] = fmt.Sprintf("%q ASC", p.Column)
		}
		return "ORDER BY " + strings.Join(cols, ", "), nil
	}
	p, ok := s.mapping.ByColumn(orderBy)
	if !ok {
		return "", fmt.Errorf("%w: unknown order_by property %q", ErrUnsupportedExpression, orderBy)
	}
	return fmt.Sprintf("ORDER BY %q %s", p.Column, dir), nil
}

// Count returns the number of non-deleted matches (pred nil counts all).
func (s *Store[K, E]) Count(ctx context.Context, pred predicate.Expr) (int, error) {
	whereSQL, args, err := s.whereClause(pred, QueryOptions{})
	if err != nil {
		return 0, wrapf("count", err)
	}
	sqlStr := fmt.Sprintf(`SELECT COUNT(*) FROM %q`, s.mapping.Table)
	if whereSQL != "" {
		sqlStr += " WHERE " + whereSQL
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, wrapf("count", err)
	}
	return n, nil
}

// Exists reports whether any non-deleted row matches pred.
func (s *Store[K, E]) Exists(ctx context.Context, pred predicate.Expr) (bool, error) {
	whereSQL, args, err := s.whereClause(pred, QueryOptions{})
	if err != nil {
		return false, wrapf("exists", err)
	}
	sqlStr := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %q`, s.mapping.Table)
	if whereSQL != "" {
		sqlStr += " WHERE " + whereSQL
	}
	sqlStr += ")"
	var exists bool
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&exists); err != nil {
		return false, wrapf("exists", err)
	}
	return exists, nil
}

func (s *Store[K, E]) whereClause(pred predicate.Expr, opts QueryOptions) (string, []any, error) {
	var clauses []string
	var args []any

	if pred != nil {
		tr := predicate.NewTranslator(s.mapping)
		sqlFrag, predArgs, err := tr.Translate(pred)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, sqlFrag)
		args = append(args, predArgs...)
	}

	if !opts.IncludeDeleted && s.mapping.IsDeletedProp != nil {
		clauses = append(clauses, fmt.Sprintf("%q = 0", s.mapping.IsDeletedProp.Column))
	}

	if !opts.IncludeDeleted && s.mapping.ExpiresProp != nil {
		clauses = append(clauses, fmt.Sprintf("(%q IS NULL OR %q >= ?)", s.mapping.ExpiresProp.Column, s.mapping.ExpiresProp.Column))
		args = append(args, time.Now().UTC().Format(timeLayout))
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return strings.Join(clauses, " AND "), args, nil
}
