package settlement

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Engine turns matched settlement records into clearing positions.
type Engine struct {
	ourBank string
	log     zerolog.Logger
}

// NewEngine builds a clearing engine for the given institution code.
func NewEngine(ourBank string, log zerolog.Logger) *Engine {
	return &Engine{
		ourBank: ourBank,
		log:     log.With().Str("component", "clearing").Logger(),
	}
}

// Net aggregates matched records into one clearing record per
// counterparty: records we issued are debits (we pay the acquirer),
// records we acquired are credits (the issuer pays us), and
// net = credit − debit. Reversal-flagged records offset the side their
// original landed on. Non-matched and on-us records are skipped.
func (e *Engine) Net(date string, records []*Record) []*ClearingRecord {
	byBank := make(map[string]*ClearingRecord)
	skipped := 0
	for _, rec := range records {
		if rec.Status != Matched {
			skipped++
			continue
		}

		var counterparty string
		var isDebit bool
		switch e.ourBank {
		case rec.IssuingBank:
			counterparty = rec.AcquiringBank
			isDebit = true
		case rec.AcquiringBank:
			counterparty = rec.IssuingBank
		default:
			skipped++
			continue
		}
		if counterparty == e.ourBank || counterparty == "" {
			skipped++
			continue
		}

		cr, ok := byBank[counterparty]
		if !ok {
			cr = newClearingRecord(date, e.ourBank, counterparty)
			byBank[counterparty] = cr
		}
		amount := rec.Amount
		if rec.Reversal {
			amount = amount.Neg()
		}
		if isDebit {
			cr.DebitAmount = cr.DebitAmount.Add(amount)
			cr.DebitCount++
		} else {
			cr.CreditAmount = cr.CreditAmount.Add(amount)
			cr.CreditCount++
		}
	}

	out := make([]*ClearingRecord, 0, len(byBank))
	for _, cr := range byBank {
		cr.NetAmount = cr.CreditAmount.Sub(cr.DebitAmount)
		out = append(out, cr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Counterparty < out[j].Counterparty })

	e.log.Info().
		Str("date", date).
		Int("records", len(records)).
		Int("skipped", skipped).
		Int("counterparties", len(out)).
		Msg("clearing positions calculated")
	return out
}

// Summarize rolls one day's clearing records into payable and
// receivable totals.
func (e *Engine) Summarize(date string, records []*ClearingRecord) Summary {
	s := Summary{
		Date:           date,
		Counterparties: len(records),
		TotalDebit:     decimal.Zero,
		TotalCredit:    decimal.Zero,
		NetPayable:     decimal.Zero,
		NetReceivable:  decimal.Zero,
	}
	for _, cr := range records {
		s.TotalDebit = s.TotalDebit.Add(cr.DebitAmount)
		s.TotalCredit = s.TotalCredit.Add(cr.CreditAmount)
		if cr.NetAmount.IsNegative() {
			s.NetPayable = s.NetPayable.Add(cr.NetAmount.Abs())
		} else {
			s.NetReceivable = s.NetReceivable.Add(cr.NetAmount)
		}
	}
	return s
}
