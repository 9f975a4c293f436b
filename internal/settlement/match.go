package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/storage"
)

// MatchStats counts the outcome of one reconciliation pass.
type MatchStats struct {
	Matched   int
	Unmatched int
	Disputed  int
}

// Matcher reconciles settlement records against the transaction
// store by (STAN, RRN).
type Matcher struct {
	repo storage.TransactionRepository
	log  zerolog.Logger
}

// NewMatcher builds a matcher over the given repository.
func NewMatcher(repo storage.TransactionRepository, log zerolog.Logger) *Matcher {
	return &Matcher{
		repo: repo,
		log:  log.With().Str("component", "settlement-match").Logger(),
	}
}

// Match stamps each record's status in place: MATCHED when our store
// agrees, UNMATCHED when we never saw the trace, DISPUTED when the
// stored transaction disagrees on amount, card, or outcome. Repository
// failures abort the pass.
func (m *Matcher) Match(ctx context.Context, records []*Record) (MatchStats, error) {
	var stats MatchStats
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stored, err := m.repo.FindByTrace(ctx, rec.STAN, rec.RRN)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rec.Status = Unmatched
			stats.Unmatched++
			m.log.Warn().Str("tx_ref", rec.TxRef).Str("stan", rec.STAN).
				Str("rrn", rec.RRN).Msg("settlement record has no local transaction")
			continue
		case err != nil:
			return stats, fmt.Errorf("settlement: lookup %s/%s: %w", rec.STAN, rec.RRN, err)
		}

		if reason := m.dispute(rec, stored); reason != "" {
			rec.Status = Disputed
			stats.Disputed++
			m.log.Warn().Str("tx_ref", rec.TxRef).Str("transaction_id", stored.ID).
				Str("reason", reason).Msg("settlement record disputed")
			continue
		}
		rec.Status = Matched
		stats.Matched++
	}
	m.log.Info().Int("matched", stats.Matched).Int("unmatched", stats.Unmatched).
		Int("disputed", stats.Disputed).Msg("settlement file reconciled")
	return stats, nil
}

// dispute names the first disagreement between the file record and
// the stored transaction, empty when they agree.
func (m *Matcher) dispute(rec *Record, stored *storage.TransactionRecord) string {
	if !rec.Amount.Equal(stored.Amount) {
		return "amount mismatch"
	}
	if rec.ResponseCode != stored.ResponseCode {
		return "response code mismatch"
	}
	// The stored PAN is masked; the last four digits still have to
	// agree with the file.
	if last4(rec.PAN) != last4(stored.MaskedPAN) {
		return "pan mismatch"
	}
	return ""
}

func last4(pan string) string {
	pan = strings.TrimSpace(pan)
	if len(pan) < 4 {
		return pan
	}
	return pan[len(pan)-4:]
}
