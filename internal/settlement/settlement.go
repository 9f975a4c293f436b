// Package settlement parses the daily FISC clearing file and computes
// net positions per counterparty bank. The file side deals in raw
// Big5 bytes at fixed offsets; the clearing side deals in matched
// records and decimal arithmetic.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrRecordLength indicates a line whose byte length is not the
	// fixed record width.
	ErrRecordLength = errors.New("settlement: record length mismatch")

	// ErrRecordType indicates a line starting with an unknown record
	// type byte.
	ErrRecordType = errors.New("settlement: unknown record type")

	// ErrMissingHeader indicates a file that does not start with H.
	ErrMissingHeader = errors.New("settlement: missing header record")

	// ErrMissingTrailer indicates a file that does not end with T.
	ErrMissingTrailer = errors.New("settlement: missing trailer record")

	// ErrTrailerMismatch indicates control totals that do not match the
	// detail records.
	ErrTrailerMismatch = errors.New("settlement: trailer control mismatch")

	// ErrChecksum indicates a trailer checksum that does not match the
	// detail payload.
	ErrChecksum = errors.New("settlement: checksum mismatch")

	// ErrTransition indicates a clearing workflow step out of order.
	ErrTransition = errors.New("settlement: invalid status transition")

	// ErrFieldWidth indicates a field value wider than its slot, found
	// when writing a file.
	ErrFieldWidth = errors.New("settlement: field exceeds width")
)

// MatchStatus is the reconciliation state of one settlement record
// against our transaction store.
type MatchStatus int

const (
	MatchPending MatchStatus = iota
	Matched
	Unmatched
	Disputed
)

func (s MatchStatus) String() string {
	switch s {
	case MatchPending:
		return "PENDING"
	case Matched:
		return "MATCHED"
	case Unmatched:
		return "UNMATCHED"
	case Disputed:
		return "DISPUTED"
	default:
		return "UNKNOWN"
	}
}

// ParseMatchStatus maps the stored form back to the enum.
func ParseMatchStatus(s string) (MatchStatus, error) {
	switch s {
	case "PENDING":
		return MatchPending, nil
	case "MATCHED":
		return Matched, nil
	case "UNMATCHED":
		return Unmatched, nil
	case "DISPUTED":
		return Disputed, nil
	default:
		return 0, fmt.Errorf("settlement: unknown match status %q", s)
	}
}

// Record is one parsed detail line of the clearing file.
type Record struct {
	Date          string // YYYYMMDD, the settlement date
	TxRef         string
	STAN          string
	RRN           string
	TxType        string
	AcquiringBank string
	IssuingBank   string
	PAN           string
	Amount        decimal.Decimal
	Currency      string
	Fee           decimal.Decimal
	TerminalID    string
	MerchantID    string
	AuthCode      string
	ResponseCode  string
	Reversal      bool
	OriginalRef   string
	Channel       string

	Status MatchStatus
}

// ClearingStatus is the workflow state of one clearing record.
type ClearingStatus int

const (
	Calculated ClearingStatus = iota
	Confirmed
	Submitted
	Settled
	ClearingFailed
)

func (s ClearingStatus) String() string {
	switch s {
	case Calculated:
		return "CALCULATED"
	case Confirmed:
		return "CONFIRMED"
	case Submitted:
		return "SUBMITTED"
	case Settled:
		return "SETTLED"
	case ClearingFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseClearingStatus maps the stored form back to the enum.
func ParseClearingStatus(s string) (ClearingStatus, error) {
	switch s {
	case "CALCULATED":
		return Calculated, nil
	case "CONFIRMED":
		return Confirmed, nil
	case "SUBMITTED":
		return Submitted, nil
	case "SETTLED":
		return Settled, nil
	case "FAILED":
		return ClearingFailed, nil
	default:
		return 0, fmt.Errorf("settlement: unknown clearing status %q", s)
	}
}

// CanTransition reports whether the workflow admits the step. The
// happy path is CALCULATED → CONFIRMED → SUBMITTED → SETTLED; FAILED
// is reachable from every non-terminal state.
func (s ClearingStatus) CanTransition(to ClearingStatus) bool {
	switch s {
	case Calculated:
		return to == Confirmed || to == ClearingFailed
	case Confirmed:
		return to == Submitted || to == ClearingFailed
	case Submitted:
		return to == Settled || to == ClearingFailed
	default:
		return false
	}
}

// ClearingRecord is the net position against one counterparty bank
// for one settlement day. Debits are records where we are the issuer
// (we pay); credits are records where we are the acquirer (we
// receive); net = credit − debit.
type ClearingRecord struct {
	ID           string
	Date         string // YYYYMMDD
	OurBank      string
	Counterparty string

	DebitAmount  decimal.Decimal
	DebitCount   int
	CreditAmount decimal.Decimal
	CreditCount  int
	NetAmount    decimal.Decimal

	Status      ClearingStatus
	ConfirmedBy string
	ConfirmedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func newClearingRecord(date, ourBank, counterparty string) *ClearingRecord {
	now := time.Now()
	return &ClearingRecord{
		ID:           uuid.NewString(),
		Date:         date,
		OurBank:      ourBank,
		Counterparty: counterparty,
		DebitAmount:  decimal.Zero,
		CreditAmount: decimal.Zero,
		NetAmount:    decimal.Zero,
		Status:       Calculated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Advance moves the record one workflow step, rejecting out-of-order
// transitions.
func (c *ClearingRecord) Advance(to ClearingStatus) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s → %s", ErrTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return nil
}

// Confirm is the operator-stamped CALCULATED → CONFIRMED step.
func (c *ClearingRecord) Confirm(operator string) error {
	if err := c.Advance(Confirmed); err != nil {
		return err
	}
	c.ConfirmedBy = operator
	c.ConfirmedAt = time.Now()
	return nil
}

// Summary aggregates one settlement day across counterparties.
type Summary struct {
	Date           string
	Counterparties int
	TotalDebit     decimal.Decimal
	TotalCredit    decimal.Decimal
	// NetPayable is Σ|net| over counterparties we owe (net < 0).
	NetPayable decimal.Decimal
	// NetReceivable is Σ net over counterparties owing us (net > 0).
	NetReceivable decimal.Decimal
}
