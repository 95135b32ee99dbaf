package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/weft/internal/history"
	"github.com/roach88/weft/internal/ir"
	"github.com/roach88/weft/internal/op"
)

// DefaultPageSize is used when a Page has no limit.
const DefaultPageSize = 256

// Page selects a window of a reference listing, ordered by insertion.
// The zero value starts at the beginning.
type Page struct {
	After int64
	Limit int
}

// LoadLiteral returns the stored literal for hash.
// Returns an error wrapping ErrNotFound if the store does not hold it.
func (s *Store) LoadLiteral(ctx context.Context, hash string) (ir.Literal, error) {
	return loadLiteral(ctx, s.db, hash)
}

func loadLiteral(ctx context.Context, q querier, hash string) (ir.Literal, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT literal FROM objects WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Literal{}, fmt.Errorf("load literal %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return ir.Literal{}, fmt.Errorf("load literal %s: %w", hash, err)
	}
	var lit ir.Literal
	if err := lit.UnmarshalBinary(data); err != nil {
		return ir.Literal{}, fmt.Errorf("load literal %s: %w", hash, err)
	}
	return lit, nil
}

// Load returns the decoded object for hash.
func (s *Store) Load(ctx context.Context, hash string) (op.Object, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("load %s: store has no registry", hash)
	}
	lit, err := s.LoadLiteral(ctx, hash)
	if err != nil {
		return nil, err
	}
	obj, _, err := s.registry.Decode(lit)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", hash, err)
	}
	return obj, nil
}

// LoadOp returns the decoded op for hash.
func (s *Store) LoadOp(ctx context.Context, hash string) (*op.Op, error) {
	obj, err := s.Load(ctx, hash)
	if err != nil {
		return nil, err
	}
	o, ok := obj.(*op.Op)
	if !ok {
		return nil, fmt.Errorf("load op %s: object is not an op", hash)
	}
	return o, nil
}

// Has reports whether the store holds hash.
func (s *Store) Has(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE hash = ?`, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("has %s: %w", hash, err)
	}
	return n > 0, nil
}

// LoadOpHeader returns the header of the op opHash.
// Ops whose prevs are not all held have no header yet.
func (s *Store) LoadOpHeader(ctx context.Context, opHash string) (*history.Header, error) {
	return s.loadOpHeader(ctx, s.db, opHash)
}

func (s *Store) loadOpHeader(ctx context.Context, q querier, opHash string) (*history.Header, error) {
	if h, ok := s.headersByOp.Get(opHash); ok {
		return h, nil
	}
	row := q.QueryRowContext(ctx, `
		SELECT op_hash, header_hash, prev_op_headers, height, size
		FROM op_headers WHERE op_hash = ?
	`, opHash)
	h, err := scanHeader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load op header for %s: %w: %w", opHash, ErrNotFound, history.ErrHeaderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load op header for %s: %w", opHash, err)
	}
	s.cacheHeader(h)
	return h, nil
}

// LoadOpHeaderByHeaderHash returns the header whose hash is headerHash.
func (s *Store) LoadOpHeaderByHeaderHash(ctx context.Context, headerHash string) (*history.Header, error) {
	if h, ok := s.headersByHeader.Get(headerHash); ok {
		return h, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT op_hash, header_hash, prev_op_headers, height, size
		FROM op_headers WHERE header_hash = ?
	`, headerHash)
	h, err := scanHeader(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load op header %s: %w: %w", headerHash, ErrNotFound, history.ErrHeaderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load op header %s: %w", headerHash, err)
	}
	s.cacheHeader(h)
	return h, nil
}

func scanHeader(row *sql.Row) (*history.Header, error) {
	var h history.Header
	var prevJSON string
	if err := row.Scan(&h.OpHash, &h.HeaderHash, &prevJSON, &h.Height, &h.Size); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(prevJSON), &h.PrevOpHeaders); err != nil {
		return nil, fmt.Errorf("unmarshal prev headers: %w", err)
	}
	if h.PrevOpHeaders == nil {
		h.PrevOpHeaders = []string{}
	}
	return &h, nil
}

func (s *Store) cacheHeader(h *history.Header) {
	s.headersByOp.Add(h.OpHash, h)
	s.headersByHeader.Add(h.HeaderHash, h)
}

// LoadByReference returns the hashes of objects naming target in field,
// in insertion order, and the page to request next.
func (s *Store) LoadByReference(ctx context.Context, field, target string, page Page) ([]string, Page, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, seq FROM refs
		WHERE field = ? AND target = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, field, target, page.After, limit)
	if err != nil {
		return nil, page, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	hashes := []string{}
	next := Page{After: page.After, Limit: limit}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h, &next.After); err != nil {
			return nil, page, fmt.Errorf("scan reference: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, page, fmt.Errorf("iterate references: %w", err)
	}
	return hashes, next, nil
}

// LoadAllByReference pages through every object naming target in field.
func (s *Store) LoadAllByReference(ctx context.Context, field, target string) ([]string, error) {
	var all []string
	page := Page{}
	for {
		hashes, next, err := s.LoadByReference(ctx, field, target, page)
		if err != nil {
			return nil, err
		}
		all = append(all, hashes...)
		if len(hashes) < next.Limit {
			return all, nil
		}
		page = next
	}
}

// LoadTerminalOps returns the current frontier of target, sorted.
func (s *Store) LoadTerminalOps(ctx context.Context, target string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_hash FROM terminal_ops WHERE target = ? ORDER BY op_hash
	`, target)
	if err != nil {
		return nil, fmt.Errorf("query terminal ops: %w", err)
	}
	defer rows.Close()

	ops := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan terminal op: %w", err)
		}
		ops = append(ops, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminal ops: %w", err)
	}
	return ops, nil
}

// Stats summarizes the store's contents.
type Stats struct {
	Objects        int
	Headers        int
	PendingHeaders int
	Targets        int
}

// Stats counts the rows of each table.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM objects),
			(SELECT COUNT(*) FROM op_headers),
			(SELECT COUNT(DISTINCT op_hash) FROM pending_headers),
			(SELECT COUNT(DISTINCT target) FROM terminal_ops)
	`).Scan(&st.Objects, &st.Headers, &st.PendingHeaders, &st.Targets); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
