package processor

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Account-type digits used in the processing code when the channel does
// not say otherwise.
const accountTypeDefault = "00"

// BuildRequestMessage assembles the outbound wire message for a
// request: 0200 for financial types, 0100 for balance inquiry.
func BuildRequestMessage(schema *iso8583.Schema, req *txn.Request) (*iso8583.Message, error) {
	mti := iso8583.MTIFinancialRequest
	if req.Type == txn.BalanceInquiry {
		mti = iso8583.MTIAuthRequest
	}
	return assemble(schema, mti, req)
}

// BuildReversalMessage assembles a reversal for the original carried in
// req.Original. advice selects 0420 (processor-initiated, after a
// timeout) over 0400 (channel-initiated).
func BuildReversalMessage(schema *iso8583.Schema, req *txn.Request, advice bool) (*iso8583.Message, error) {
	if req.Original == nil {
		return nil, txn.Errorf(txn.CategoryValidation, "reversal without original data elements")
	}
	mti := iso8583.MTIReversalRequest
	if advice {
		mti = iso8583.MTIReversalAdvice
	}
	m, err := assemble(schema, mti, req)
	if err != nil {
		return nil, err
	}
	if err := m.SetById(iso8583.FieldOriginalData, originalDataElements(req)); err != nil {
		return nil, wireErr(err)
	}
	// Full reversal: replacement amounts all zero, the complete
	// original amount is backed out.
	if err := m.SetById(iso8583.FieldReplacementAmt, strings.Repeat("0", 42)); err != nil {
		return nil, wireErr(err)
	}
	return m, nil
}

func assemble(schema *iso8583.Schema, mti string, req *txn.Request) (*iso8583.Message, error) {
	m := iso8583.NewMessage(schema)
	if err := m.SetMTI(mti); err != nil {
		return nil, wireErr(err)
	}

	at := req.TransmittedAt
	if at.IsZero() {
		at = time.Now()
	}

	set := func(id string, v any) error {
		if err := m.SetById(id, v); err != nil {
			return wireErr(err)
		}
		return nil
	}

	if req.PAN != "" {
		if err := set(iso8583.FieldPAN, req.PAN); err != nil {
			return nil, err
		}
	}
	code, err := req.Type.ProcessingCode(accountTypeDefault, accountTypeDefault)
	if err != nil {
		return nil, txn.WrapErr(txn.CategoryValidation, "processing code", err)
	}
	steps := []struct {
		id string
		v  any
		on bool
	}{
		{iso8583.FieldProcessingCode, code, true},
		{iso8583.FieldAmount, req.AmountMinor(), true},
		{iso8583.FieldTransmission, at.Format("0102150405"), true},
		{iso8583.FieldSTAN, req.STAN, true},
		{iso8583.FieldLocalTime, at.Format("150405"), true},
		{iso8583.FieldLocalDate, at.Format("0102"), true},
		{iso8583.FieldExpiry, req.Expiry, req.Expiry != ""},
		{iso8583.FieldAcquiringInst, req.AcquiringBank, req.AcquiringBank != ""},
		{iso8583.FieldTrack2, req.Track2, req.Track2 != ""},
		{iso8583.FieldRRN, req.RRN, req.RRN != ""},
		{iso8583.FieldTerminalID, req.TerminalID, req.TerminalID != ""},
		{iso8583.FieldMerchantID, req.MerchantID, req.MerchantID != ""},
		{iso8583.FieldCurrency, req.Currency, req.Currency != ""},
		{iso8583.FieldPINBlock, req.PINBlock, len(req.PINBlock) > 0},
		{iso8583.FieldReceivingInst, req.DestinationBank, req.DestinationBank != ""},
		{iso8583.FieldAccount1, req.SourceAccount, req.SourceAccount != ""},
		{iso8583.FieldAccount2, req.DestAccount, req.DestAccount != ""},
	}
	for _, s := range steps {
		if !s.on {
			continue
		}
		if err := set(s.id, s.v); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// originalDataElements renders field 90: original MTI, STAN,
// transmission datetime, then acquirer and forwarding institution ids
// zero-padded to eleven digits each.
func originalDataElements(req *txn.Request) string {
	orig := req.Original
	mti := orig.MTI
	if mti == "" {
		mti = iso8583.MTIFinancialRequest
	}
	sent := orig.SentAt
	if sent.IsZero() {
		sent = time.Now()
	}
	acquirer := leftPadDigits(req.AcquiringBank, 11)
	forwarding := strings.Repeat("0", 11)
	return mti + orig.STAN + sent.Format("0102150405") + acquirer + forwarding
}

func leftPadDigits(s string, width int) string {
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

// ResponseFromMessage maps an upstream reply onto a business response.
func ResponseFromMessage(req *txn.Request, m *iso8583.Message) (*txn.Response, error) {
	codeStr := m.StringById(iso8583.FieldResponseCode)
	if codeStr == "" {
		return nil, txn.Errorf(txn.CategoryParse, "upstream %s reply carries no response code", m.MTI())
	}
	resp := txn.NewResponse(req, txn.ResponseCode(codeStr))
	resp.AuthCode = m.StringById(iso8583.FieldAuthCode)
	if rrn := m.StringById(iso8583.FieldRRN); rrn != "" {
		resp.RRN = rrn
	}
	if amt := m.StringById(iso8583.FieldAmount); amt != "" {
		if d, err := txn.AmountFromMinor(amt); err == nil {
			resp.Amount = d
		}
	}
	if add := m.StringById(iso8583.FieldAddAmounts); add != "" {
		applyAdditionalAmounts(resp, add)
	}
	return resp, nil
}

// applyAdditionalAmounts parses field 54: repeated 20-character groups
// of account type (2), amount type (2), currency (3), sign (1, C or D)
// and amount (12). Amount type 01 is the ledger balance, 02 the
// available balance.
func applyAdditionalAmounts(resp *txn.Response, s string) {
	for ; len(s) >= 20; s = s[20:] {
		group := s[:20]
		amt, err := txn.AmountFromMinor(group[8:20])
		if err != nil {
			continue
		}
		if group[7] == 'D' {
			amt = amt.Neg()
		}
		switch group[2:4] {
		case "01":
			resp.LedgerBalance = amt
		case "02":
			resp.AvailableBalance = amt
		}
	}
}

// AdditionalAmounts renders balances into a field 54 value. Used by the
// internal handler and by test hosts.
func AdditionalAmounts(currency string, ledger, available decimal.Decimal) string {
	var b strings.Builder
	group := func(amountType string, d decimal.Decimal) {
		sign := "C"
		if d.IsNegative() {
			sign = "D"
			d = d.Neg()
		}
		cents := d.Mul(decimal.NewFromInt(100)).IntPart()
		fmt.Fprintf(&b, "%s%s%s%s%012d", accountTypeDefault, amountType, currency, sign, cents)
	}
	group("01", ledger)
	group("02", available)
	return b.String()
}

func wireErr(err error) error {
	return txn.WrapErr(txn.CategoryParse, "message assembly", err)
}
