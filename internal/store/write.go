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

// Reference index fields.
const (
	FieldTarget    = "target"
	FieldTargetOp  = "targetOp"
	FieldCausalOps = "causalOps"
	FieldRefs      = "refs"
)

type reference struct {
	field, target string
}

// Save stores an object and indexes its references.
// Saving an object twice is a no-op.
//
// For ops, the header is computed as soon as every prev has a header.
// Ops saved before their prevs wait as pending and get their header when
// the last prev's header is computed. Watchers are notified after commit.
func (s *Store) Save(ctx context.Context, obj op.Object) error {
	lit, err := obj.Literal()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	data, err := lit.MarshalBinary()
	if err != nil {
		return fmt.Errorf("save %s: %w", lit.Hash, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save %s: begin tx: %w", lit.Hash, err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO objects (hash, class, literal)
		VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, lit.Hash, lit.Class, data)
	if err != nil {
		return fmt.Errorf("save %s: %w", lit.Hash, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save %s: %w", lit.Hash, err)
	}
	if inserted == 0 {
		return nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("save %s: %w", lit.Hash, err)
	}

	refs := referencesOf(obj)
	for _, r := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO refs (field, target, hash, seq)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.field, r.target, lit.Hash, seq); err != nil {
			return fmt.Errorf("save %s: index %s: %w", lit.Hash, r.field, err)
		}
	}

	var headers []*history.Header
	if o, ok := obj.(*op.Op); ok {
		headers, err = s.resolveHeaders(ctx, tx, lit.Hash, o)
		if err != nil {
			return fmt.Errorf("save %s: %w", lit.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save %s: commit: %w", lit.Hash, err)
	}

	for _, h := range headers {
		s.cacheHeader(h)
	}
	s.notify(lit.Hash, refs)
	if o, ok := obj.(*op.Op); ok {
		s.notifyHeaders(o.Target, headers)
	}
	return nil
}

type pendingOp struct {
	hash    string
	target  string
	prevOps []string
}

// resolveHeaders computes the header of the op just saved and of every
// pending op it unblocks, in causal order.
func (s *Store) resolveHeaders(ctx context.Context, tx *sql.Tx, hash string, o *op.Op) ([]*history.Header, error) {
	var computed []*history.Header
	work := []pendingOp{{hash: hash, target: o.Target, prevOps: o.PrevOps}}

	for len(work) > 0 {
		p := work[0]
		work = work[1:]

		prevHeaders := make(map[string]*history.Header, len(p.prevOps))
		var missing []string
		for _, prev := range p.prevOps {
			h, err := s.loadOpHeader(ctx, tx, prev)
			if errors.Is(err, ErrNotFound) {
				missing = append(missing, prev)
				continue
			}
			if err != nil {
				return nil, err
			}
			prevHeaders[prev] = h
		}

		if len(missing) > 0 {
			for _, prev := range missing {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO pending_headers (op_hash, missing_prev)
					VALUES (?, ?)
					ON CONFLICT DO NOTHING
				`, p.hash, prev); err != nil {
					return nil, fmt.Errorf("record pending header: %w", err)
				}
			}
			continue
		}

		h, err := history.NewHeader(p.hash, p.prevOps, prevHeaders)
		if err != nil {
			return nil, err
		}
		if err := insertHeader(ctx, tx, p.target, h); err != nil {
			return nil, err
		}
		if err := advanceFrontier(ctx, tx, p.target, p.hash, p.prevOps); err != nil {
			return nil, err
		}
		computed = append(computed, h)

		unblocked, err := s.releasePending(ctx, tx, p.hash)
		if err != nil {
			return nil, err
		}
		work = append(work, unblocked...)
	}
	return computed, nil
}

func insertHeader(ctx context.Context, tx *sql.Tx, target string, h *history.Header) error {
	prevJSON, err := json.Marshal(h.PrevOpHeaders)
	if err != nil {
		return fmt.Errorf("marshal prev headers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO op_headers (op_hash, header_hash, target, prev_op_headers, height, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, h.OpHash, h.HeaderHash, target, string(prevJSON), h.Height, h.Size); err != nil {
		return fmt.Errorf("insert header for %s: %w", h.OpHash, err)
	}
	return nil
}

// advanceFrontier replaces an op's prevs with the op in its target's
// terminal set. Headers are computed in causal order, so no held op can
// already name opHash as a prev.
func advanceFrontier(ctx context.Context, tx *sql.Tx, target, opHash string, prevOps []string) error {
	for _, prev := range prevOps {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM terminal_ops WHERE target = ? AND op_hash = ?
		`, target, prev); err != nil {
			return fmt.Errorf("update terminal ops: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO terminal_ops (target, op_hash) VALUES (?, ?)
		ON CONFLICT DO NOTHING
	`, target, opHash); err != nil {
		return fmt.Errorf("update terminal ops: %w", err)
	}
	return nil
}

// releasePending drops every pending row waiting on prev and returns the
// ops that now have all their prev headers.
func (s *Store) releasePending(ctx context.Context, tx *sql.Tx, prev string) ([]pendingOp, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT op_hash FROM pending_headers WHERE missing_prev = ? ORDER BY op_hash
	`, prev)
	if err != nil {
		return nil, fmt.Errorf("query pending headers: %w", err)
	}
	var waiting []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending header: %w", err)
		}
		waiting = append(waiting, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending headers: %w", err)
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_headers WHERE missing_prev = ?`, prev); err != nil {
		return nil, fmt.Errorf("release pending headers: %w", err)
	}

	var ready []pendingOp
	for _, h := range waiting {
		var remaining int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pending_headers WHERE op_hash = ?
		`, h).Scan(&remaining); err != nil {
			return nil, fmt.Errorf("count pending headers: %w", err)
		}
		if remaining > 0 {
			continue
		}
		lit, err := loadLiteral(ctx, tx, h)
		if err != nil {
			return nil, err
		}
		o, err := op.DecodeOp(lit)
		if err != nil {
			return nil, fmt.Errorf("decode pending op %s: %w", h, err)
		}
		ready = append(ready, pendingOp{hash: h, target: o.Target, prevOps: o.PrevOps})
	}
	return ready, nil
}

func referencesOf(obj op.Object) []reference {
	var refs []reference
	switch o := obj.(type) {
	case *op.Op:
		refs = append(refs, reference{FieldTarget, o.Target})
		if o.TargetOp != "" {
			refs = append(refs, reference{FieldTargetOp, o.TargetOp})
		}
		for _, h := range o.CausalOps {
			refs = append(refs, reference{FieldCausalOps, h})
		}
		for _, h := range o.Refs {
			refs = append(refs, reference{FieldRefs, h})
		}
	case *op.Data:
		for _, h := range o.Refs {
			refs = append(refs, reference{FieldRefs, h})
		}
	}
	return refs
}

// SaveLiteral decodes a literal with the store's registry and saves it.
func (s *Store) SaveLiteral(ctx context.Context, lit ir.Literal) error {
	if s.registry == nil {
		return fmt.Errorf("save literal %s: store has no registry", lit.Hash)
	}
	obj, _, err := s.registry.Decode(lit)
	if err != nil {
		return fmt.Errorf("save literal: %w", err)
	}
	return s.Save(ctx, obj)
}
