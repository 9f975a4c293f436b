package settledb

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/security/pan"
	"github.com/linhsiu/gofepd/internal/settlement"
)

// SaveRecords stores one file's detail records with their match
// status. PANs are masked on the way in; the clear card number from
// the file never reaches disk. Re-saving the same file refreshes the
// match status.
func (s *Store) SaveRecords(ctx context.Context, fileID string, records []*settlement.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settledb: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO settlement_records (
			file_id, settlement_date, tx_ref, stan, rrn, tx_type,
			acquiring_bank, issuing_bank, masked_pan, amount, currency,
			fee, terminal_id, merchant_id, auth_code, response_code,
			reversal, original_ref, channel, match_status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id, stan, rrn) DO UPDATE SET
			match_status = excluded.match_status`))
	if err != nil {
		return fmt.Errorf("settledb: prepare record insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, rec := range records {
		_, err := stmt.ExecContext(ctx,
			fileID, rec.Date, rec.TxRef, rec.STAN, rec.RRN, rec.TxType,
			rec.AcquiringBank, rec.IssuingBank, pan.Mask(rec.PAN),
			rec.Amount.String(), rec.Currency, rec.Fee.String(),
			rec.TerminalID, rec.MerchantID, rec.AuthCode, rec.ResponseCode,
			rec.Reversal, rec.OriginalRef, rec.Channel, rec.Status.String(), now,
		)
		if err != nil {
			return fmt.Errorf("settledb: insert record %s/%s: %w", rec.STAN, rec.RRN, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settledb: commit: %w", err)
	}
	s.log.Info().Str("file_id", fileID).Int("records", len(records)).
		Msg("settlement records saved")
	return nil
}

// RecordsByStatus lists one day's records in a given match state,
// for example the DISPUTED queue an operator works through. The PAN
// field on returned records is the masked form.
func (s *Store) RecordsByStatus(ctx context.Context, date string, status settlement.MatchStatus) ([]*settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT settlement_date, tx_ref, stan, rrn, tx_type,
			acquiring_bank, issuing_bank, masked_pan, amount, currency,
			fee, terminal_id, merchant_id, auth_code, response_code,
			reversal, original_ref, channel, match_status
		FROM settlement_records
		WHERE settlement_date = ? AND match_status = ?
		ORDER BY stan`), date, status.String())
	if err != nil {
		return nil, fmt.Errorf("settledb: records by status: %w", err)
	}
	defer rows.Close()

	var out []*settlement.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows scanner) (*settlement.Record, error) {
	var rec settlement.Record
	var amount, fee, status string
	err := rows.Scan(&rec.Date, &rec.TxRef, &rec.STAN, &rec.RRN, &rec.TxType,
		&rec.AcquiringBank, &rec.IssuingBank, &rec.PAN, &amount, &rec.Currency,
		&fee, &rec.TerminalID, &rec.MerchantID, &rec.AuthCode, &rec.ResponseCode,
		&rec.Reversal, &rec.OriginalRef, &rec.Channel, &status)
	if err != nil {
		return nil, err
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("settledb: bad amount %q: %w", amount, err)
	}
	if rec.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("settledb: bad fee %q: %w", fee, err)
	}
	if rec.Status, err = settlement.ParseMatchStatus(status); err != nil {
		return nil, err
	}
	return &rec, nil
}
