package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

// signalsRepo implements store.SignalsRepo for PostgreSQL.
type signalsRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// Create stores a new signal with its indicator snapshot as JSONB.
func (r *signalsRepo) Create(ctx context.Context, sig *domain.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snapshotJSON, err := json.Marshal(sig.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal signal snapshot: %w", err)
	}

	query := `
		INSERT INTO signals (id, symbol, kind, strength, rules_triggered, snapshot, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.ext.ExecContext(ctx, query,
		sig.ID, sig.Symbol, sig.Kind, sig.Strength,
		pq.StringArray(sig.RulesTriggered), snapshotJSON,
		sig.Status, sig.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate signal %s: %w", sig.ID, store.ErrConflict)
		}
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// UpdateStatus moves a signal through pending -> consumed|rejected.
func (r *signalsRepo) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `UPDATE signals SET status = $2 WHERE id = $1`

	res, err := r.ext.ExecContext(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check signal update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("signal %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// List returns signals matching f, newest first.
func (r *signalsRepo) List(ctx context.Context, f store.SignalFilter) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, kind, strength, rules_triggered, snapshot, status, created_at
		FROM signals`

	var (
		conds []string
		args  []interface{}
	)
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		conds = append(conds, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf("\n\t\tORDER BY created_at DESC\n\t\tLIMIT $%d", len(args))

	rows, err := r.ext.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func scanSignals(rows *sqlx.Rows) ([]domain.Signal, error) {
	var signals []domain.Signal

	for rows.Next() {
		var (
			sig          domain.Signal
			snapshotJSON []byte
		)
		err := rows.Scan(
			&sig.ID, &sig.Symbol, &sig.Kind, &sig.Strength,
			(*pq.StringArray)(&sig.RulesTriggered), &snapshotJSON,
			&sig.Status, &sig.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		if len(snapshotJSON) > 0 {
			if err := json.Unmarshal(snapshotJSON, &sig.Snapshot); err != nil {
				return nil, fmt.Errorf("failed to unmarshal signal snapshot: %w", err)
			}
		}
		signals = append(signals, sig)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return signals, nil
}
