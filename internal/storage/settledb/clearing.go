package settledb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/settlement"
	"github.com/linhsiu/gofepd/internal/storage"
)

// SaveClearing upserts one day's clearing positions. Recalculation
// refreshes amounts and counts but never resets workflow state: the
// stored id and status win on conflict.
func (s *Store) SaveClearing(ctx context.Context, records []*settlement.ClearingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settledb: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO clearing_records (
			id, settlement_date, our_bank, counterparty,
			debit_amount, debit_count, credit_amount, credit_count,
			net_amount, status, confirmed_by, confirmed_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (settlement_date, our_bank, counterparty) DO UPDATE SET
			debit_amount = excluded.debit_amount,
			debit_count = excluded.debit_count,
			credit_amount = excluded.credit_amount,
			credit_count = excluded.credit_count,
			net_amount = excluded.net_amount,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("settledb: prepare clearing upsert: %w", err)
	}
	defer stmt.Close()

	for _, cr := range records {
		var confirmedAt int64
		if !cr.ConfirmedAt.IsZero() {
			confirmedAt = cr.ConfirmedAt.Unix()
		}
		_, err := stmt.ExecContext(ctx,
			cr.ID, cr.Date, cr.OurBank, cr.Counterparty,
			cr.DebitAmount.String(), cr.DebitCount,
			cr.CreditAmount.String(), cr.CreditCount,
			cr.NetAmount.String(), cr.Status.String(),
			cr.ConfirmedBy, confirmedAt,
			cr.CreatedAt.Unix(), cr.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("settledb: upsert clearing %s/%s: %w", cr.Date, cr.Counterparty, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settledb: commit: %w", err)
	}
	s.log.Info().Int("records", len(records)).Str("date", records[0].Date).
		Msg("clearing positions saved")
	return nil
}

const clearingColumns = `id, settlement_date, our_bank, counterparty,
	debit_amount, debit_count, credit_amount, credit_count,
	net_amount, status, confirmed_by, confirmed_at, created_at, updated_at`

// FindClearing loads one clearing record by id.
func (s *Store) FindClearing(ctx context.Context, id string) (*settlement.ClearingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+clearingColumns+` FROM clearing_records WHERE id = ?`), id)
	cr, err := scanClearing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return cr, err
}

// ClearingByDate lists one day's positions ordered by counterparty.
func (s *Store) ClearingByDate(ctx context.Context, date string) ([]*settlement.ClearingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+clearingColumns+` FROM clearing_records
			WHERE settlement_date = ? ORDER BY counterparty`), date)
	if err != nil {
		return nil, fmt.Errorf("settledb: clearing by date: %w", err)
	}
	defer rows.Close()

	var out []*settlement.ClearingRecord
	for rows.Next() {
		cr, err := scanClearing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// UpdateClearingStatus advances the workflow for one clearing record,
// rejecting out-of-order transitions. Operator is recorded on the
// CONFIRMED step and ignored otherwise. A lost optimistic update
// reports storage.ErrConflict.
func (s *Store) UpdateClearingStatus(ctx context.Context, id string, to settlement.ClearingStatus, operator string) error {
	cur, err := s.clearingStatus(ctx, id)
	if err != nil {
		return err
	}
	if !cur.CanTransition(to) {
		return fmt.Errorf("%w: %s → %s", settlement.ErrTransition, cur, to)
	}

	now := time.Now()
	var res sql.Result
	if to == settlement.Confirmed {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE clearing_records
			SET status = ?, confirmed_by = ?, confirmed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			to.String(), operator, now.Unix(), now.Unix(), id, cur.String())
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE clearing_records
			SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			to.String(), now.Unix(), id, cur.String())
	}
	if err != nil {
		return fmt.Errorf("settledb: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settledb: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrConflict
	}
	s.log.Info().Str("clearing_id", id).Str("from", cur.String()).
		Str("to", to.String()).Str("operator", operator).Msg("clearing status advanced")
	return nil
}

func (s *Store) clearingStatus(ctx context.Context, id string) (settlement.ClearingStatus, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT status FROM clearing_records WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("settledb: read status: %w", err)
	}
	return settlement.ParseClearingStatus(raw)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanClearing(row scanner) (*settlement.ClearingRecord, error) {
	var cr settlement.ClearingRecord
	var debit, credit, net, status string
	var confirmedAt, createdAt, updatedAt int64
	err := row.Scan(&cr.ID, &cr.Date, &cr.OurBank, &cr.Counterparty,
		&debit, &cr.DebitCount, &credit, &cr.CreditCount,
		&net, &status, &cr.ConfirmedBy, &confirmedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if cr.DebitAmount, err = decimal.NewFromString(debit); err != nil {
		return nil, fmt.Errorf("settledb: bad debit amount %q: %w", debit, err)
	}
	if cr.CreditAmount, err = decimal.NewFromString(credit); err != nil {
		return nil, fmt.Errorf("settledb: bad credit amount %q: %w", credit, err)
	}
	if cr.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("settledb: bad net amount %q: %w", net, err)
	}
	if cr.Status, err = settlement.ParseClearingStatus(status); err != nil {
		return nil, err
	}
	if confirmedAt > 0 {
		cr.ConfirmedAt = time.Unix(confirmedAt, 0)
	}
	cr.CreatedAt = time.Unix(createdAt, 0)
	cr.UpdatedAt = time.Unix(updatedAt, 0)
	return &cr, nil
}
