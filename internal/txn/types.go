// Package txn defines the business view of a transaction that flows
// through the gateway: typed requests and responses, response codes,
// and the tagged error taxonomy the pipeline maps at its boundary.
package txn

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies a transaction by business function. The two leading
// digits of the ISO processing code carry it on the wire.
type Type string

const (
	Purchase       Type = "PURCHASE"
	Withdrawal     Type = "WITHDRAWAL"
	Deposit        Type = "DEPOSIT"
	BalanceInquiry Type = "BALANCE_INQUIRY"
	Transfer       Type = "TRANSFER"
	BillPayment    Type = "BILL_PAYMENT"
	Reversal       Type = "REVERSAL"
)

// processingCodes maps transaction types to their leading digits.
var processingCodes = map[Type]string{
	Purchase:       "00",
	Withdrawal:     "01",
	Deposit:        "21",
	BalanceInquiry: "31",
	Transfer:       "40",
	BillPayment:    "50",
	Reversal:       "02",
}

// ProcessingCode renders the six-digit code: transaction digits, the
// from-account type and the to-account type.
func (t Type) ProcessingCode(fromAccount, toAccount string) (string, error) {
	lead, ok := processingCodes[t]
	if !ok {
		return "", fmt.Errorf("no processing code for type %s", t)
	}
	if len(fromAccount) != 2 || len(toAccount) != 2 {
		return "", fmt.Errorf("account types must be 2 digits, got %q/%q", fromAccount, toAccount)
	}
	return lead + fromAccount + toAccount, nil
}

// TypeFromProcessingCode resolves the leading digits of a processing
// code back to a type.
func TypeFromProcessingCode(code string) (Type, error) {
	if len(code) != 6 {
		return "", fmt.Errorf("processing code must be 6 digits, got %q", code)
	}
	lead := code[:2]
	for t, l := range processingCodes {
		if l == lead {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown processing code %q", code)
}

// Financial reports whether the type moves money and therefore needs
// reversal protection.
func (t Type) Financial() bool {
	switch t {
	case Withdrawal, Deposit, Transfer, BillPayment, Purchase:
		return true
	default:
		return false
	}
}

// Channel is the acquiring channel a request arrived on.
type Channel string

const (
	ChannelATM      Channel = "ATM"
	ChannelPOS      Channel = "POS"
	ChannelInternet Channel = "INTERNET"
	ChannelMobile   Channel = "MOBILE"
)

// Status is the lifecycle state of a stored transaction.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDeclined
	StatusReversed
	StatusTimedOut
	StatusFailed
)

// String returns the stored-state name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusApproved:
		return "APPROVED"
	case StatusDeclined:
		return "DECLINED"
	case StatusReversed:
		return "REVERSED"
	case StatusTimedOut:
		return "TIMEOUT"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// OriginalRef points a reversal at the financial request it undoes.
type OriginalRef struct {
	STAN       string
	RRN        string
	TerminalID string
	Amount     decimal.Decimal
	MTI        string
	SentAt     time.Time
}

// Request is one transaction as the gateway sees it after parsing,
// before any wire concerns.
type Request struct {
	ID      uuid.UUID
	Type    Type
	Channel Channel

	PAN      string
	Track2   string
	Expiry   string
	PINBlock []byte // encrypted, 8 bytes when present

	Amount   decimal.Decimal
	Currency string

	STAN       string
	RRN        string
	TerminalID string
	MerchantID string

	AcquiringBank   string
	IssuingBank     string
	DestinationBank string

	SourceAccount string
	DestAccount   string

	TransmittedAt time.Time
	ReceivedAt    time.Time

	// Original is set on reversals only.
	Original *OriginalRef

	// Extra carries channel-private fields end to end.
	Extra map[string]string
}

// NewRequest stamps identity and receipt time on a request.
func NewRequest(t Type, ch Channel) *Request {
	return &Request{
		ID:         uuid.New(),
		Type:       t,
		Channel:    ch,
		Currency:   "901",
		ReceivedAt: time.Now(),
	}
}

// Fingerprint is the dedup identity: acquirer, terminal, STAN and the
// transaction date.
func (r *Request) Fingerprint() string {
	day := r.TransmittedAt
	if day.IsZero() {
		day = r.ReceivedAt
	}
	return fmt.Sprintf("%s|%s|%s|%s", r.AcquiringBank, r.TerminalID, r.STAN, day.Format("20060102"))
}

// ReversalKey is the exactly-once identity a reversal resolves the
// original by.
func (r *Request) ReversalKey() string {
	return ReversalKey(r.RRN, r.STAN, r.TerminalID)
}

// ReversalKey builds the (RRN, STAN, terminal) lookup key.
func ReversalKey(rrn, stan, terminal string) string {
	return rrn + "|" + stan + "|" + terminal
}

// AmountMinor renders the amount as the 12-digit minor-unit field
// (last two digits are cents).
func (r *Request) AmountMinor() string {
	cents := r.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	return fmt.Sprintf("%012d", cents)
}

// AmountFromMinor parses a 12-digit minor-unit amount field.
func AmountFromMinor(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount field %q: %w", s, err)
	}
	return d.Shift(-2), nil
}

// String renders the request for logs with the PAN masked.
func (r *Request) String() string {
	return fmt.Sprintf("txn %s type=%s channel=%s pan=%s amount=%s stan=%s rrn=%s terminal=%s",
		r.ID, r.Type, r.Channel, maskPAN(r.PAN), r.Amount.StringFixed(2), r.STAN, r.RRN, r.TerminalID)
}

func maskPAN(pan string) string {
	if len(pan) < 13 {
		out := make([]byte, len(pan))
		for i := range out {
			out[i] = '*'
		}
		return string(out)
	}
	masked := []byte(pan)
	for i := 6; i < len(masked)-4; i++ {
		masked[i] = '*'
	}
	return string(masked)
}

// Response is the business outcome handed back to the channel.
type Response struct {
	TransactionID uuid.UUID
	Code          ResponseCode
	Approved      bool
	AuthCode      string

	STAN string
	RRN  string

	Amount           decimal.Decimal
	AvailableBalance decimal.Decimal
	LedgerBalance    decimal.Decimal

	Destination string
	RespondedAt time.Time
	Elapsed     time.Duration

	// Extra carries upstream fields the channel may need verbatim.
	Extra map[string]string
}

// NewResponse builds a response for a request with the given code.
func NewResponse(r *Request, code ResponseCode) *Response {
	return &Response{
		TransactionID: r.ID,
		Code:          code,
		Approved:      code.Approved(),
		STAN:          r.STAN,
		RRN:           r.RRN,
		Amount:        r.Amount,
		RespondedAt:   time.Now(),
	}
}
