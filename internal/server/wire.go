package server

import (
	"strings"
	"time"

	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/processor"
	"github.com/linhsiu/gofepd/internal/txn"
)

// transmissionLayout is the MMDDhhmmss layout of the transmission
// date-time element.
const transmissionLayout = "0102150405"

// peekMTI reads the BCD message type indicator off the front of a raw
// frame without a full decode, so network management frames can be
// answered before the business pipeline is involved.
func peekMTI(raw []byte) (string, error) {
	if len(raw) < 2 {
		return "", txn.Errorf(txn.CategoryParse, "frame of %d bytes has no mti", len(raw))
	}
	var mti [4]byte
	for i, b := range raw[:2] {
		hi, lo := b>>4, b&0x0f
		if hi > 9 || lo > 9 {
			return "", txn.Errorf(txn.CategoryParse, "mti prefix %02X%02X is not BCD", raw[0], raw[1])
		}
		mti[2*i] = '0' + hi
		mti[2*i+1] = '0' + lo
	}
	return string(mti[:]), nil
}

// requestFromMessage lifts a decoded wire message into the business
// request the pipeline runs on. It is the inverse of the field mapping
// the outbound builders in the processor package apply.
func requestFromMessage(m *iso8583.Message) (*txn.Request, error) {
	mti := m.MTI()

	var typ txn.Type
	switch mti {
	case iso8583.MTIAuthRequest, iso8583.MTIFinancialRequest:
		t, err := txn.TypeFromProcessingCode(m.StringById(iso8583.FieldProcessingCode))
		if err != nil {
			return nil, txn.WrapErr(txn.CategoryParse, "mti "+mti, err)
		}
		typ = t
	case iso8583.MTIReversalRequest, iso8583.MTIReversalAdvice:
		typ = txn.Reversal
	default:
		return nil, txn.Errorf(txn.CategoryParse, "mti %s is not accepted on the acquiring side", mti)
	}

	req := txn.NewRequest(typ, channelOf(m.StringById(iso8583.FieldTerminalID)))
	req.PAN = m.StringById(iso8583.FieldPAN)
	req.Track2 = m.StringById(iso8583.FieldTrack2)
	req.Expiry = m.StringById(iso8583.FieldExpiry)
	req.STAN = m.StringById(iso8583.FieldSTAN)
	req.RRN = m.StringById(iso8583.FieldRRN)
	req.TerminalID = m.StringById(iso8583.FieldTerminalID)
	req.MerchantID = m.StringById(iso8583.FieldMerchantID)
	req.AcquiringBank = m.StringById(iso8583.FieldAcquiringInst)
	req.DestinationBank = m.StringById(iso8583.FieldReceivingInst)
	req.SourceAccount = m.StringById(iso8583.FieldAccount1)
	req.DestAccount = m.StringById(iso8583.FieldAccount2)
	if c := m.StringById(iso8583.FieldCurrency); c != "" {
		req.Currency = c
	}
	if v := m.StringById(iso8583.FieldAmount); v != "" {
		amt, err := txn.AmountFromMinor(v)
		if err != nil {
			return nil, txn.WrapErr(txn.CategoryParse, "amount element", err)
		}
		req.Amount = amt
	}
	if v := m.StringById(iso8583.FieldTransmission); v != "" {
		if t, err := time.ParseInLocation(transmissionLayout, v, time.Local); err == nil {
			req.TransmittedAt = inferYear(t, time.Now())
		}
	}
	if v, ok := m.GetById(iso8583.FieldPINBlock); ok {
		if b, ok := v.([]byte); ok && len(b) > 0 {
			req.PINBlock = append([]byte(nil), b...)
		}
	}

	if typ == txn.Reversal {
		if v := m.StringById(iso8583.FieldOriginalData); v != "" {
			ref, err := parseOriginalData(v, req)
			if err != nil {
				return nil, err
			}
			req.Original = ref
		}
		// A reversal without the original-data element keeps Original
		// nil; the reversal processor declines it as a format error.
	}
	return req, nil
}

// parseOriginalData unpacks the original-data element: original MTI,
// STAN and transmission time, then the acquiring and forwarding
// institution codes padded to eleven digits each.
func parseOriginalData(v string, req *txn.Request) (*txn.OriginalRef, error) {
	if len(v) != 42 {
		return nil, txn.Errorf(txn.CategoryParse, "original data element has %d digits, want 42", len(v))
	}
	ref := &txn.OriginalRef{
		MTI:        v[:4],
		STAN:       v[4:10],
		RRN:        req.RRN,
		TerminalID: req.TerminalID,
		Amount:     req.Amount,
	}
	if t, err := time.ParseInLocation(transmissionLayout, v[10:20], time.Local); err == nil {
		ref.SentAt = inferYear(t, time.Now())
	}
	return ref, nil
}

// inferYear completes a year-less MMDDhhmmss stamp against the clock. A
// stamp that lands far in the future belongs to the year before: a
// frame transmitted just under midnight on new year's eve.
func inferYear(t, now time.Time) time.Time {
	t = t.AddDate(now.Year(), 0, 0)
	if t.Sub(now) > 48*time.Hour {
		t = t.AddDate(-1, 0, 0)
	}
	return t
}

// channelOf infers the acquiring channel from the fleet prefix of the
// terminal identifier. Unknown prefixes land on ATM, the fleet this
// link predates everything else for.
func channelOf(terminal string) txn.Channel {
	switch {
	case strings.HasPrefix(terminal, "POS"):
		return txn.ChannelPOS
	case strings.HasPrefix(terminal, "NET"), strings.HasPrefix(terminal, "EBK"):
		return txn.ChannelInternet
	case strings.HasPrefix(terminal, "MBK"), strings.HasPrefix(terminal, "APP"):
		return txn.ChannelMobile
	default:
		return txn.ChannelATM
	}
}

// replyMessage renders a pipeline outcome into the response frame the
// caller gets back. The reply is built fresh rather than cloned from
// the request so track data, PIN blocks and other sensitive request
// fields never echo.
func replyMessage(schema *iso8583.Schema, reqMsg *iso8583.Message, req *txn.Request, resp *txn.Response) (*iso8583.Message, error) {
	reqMTI := iso8583.MTIFinancialRequest
	switch {
	case reqMsg != nil:
		reqMTI = reqMsg.MTI()
	case req != nil && req.Type == txn.BalanceInquiry:
		reqMTI = iso8583.MTIAuthRequest
	case req != nil && req.Type == txn.Reversal:
		reqMTI = iso8583.MTIReversalRequest
	}

	m := iso8583.NewMessage(schema)
	if err := m.SetMTI(iso8583.ResponseMTI(reqMTI)); err != nil {
		return nil, err
	}

	if req.PAN != "" {
		_ = m.SetById(iso8583.FieldPAN, req.PAN)
	}
	if reqMsg != nil {
		if v := reqMsg.StringById(iso8583.FieldProcessingCode); v != "" {
			_ = m.SetById(iso8583.FieldProcessingCode, v)
		}
	} else if pc, err := req.Type.ProcessingCode("00", "00"); err == nil {
		_ = m.SetById(iso8583.FieldProcessingCode, pc)
	}
	if !req.Amount.IsZero() {
		_ = m.SetById(iso8583.FieldAmount, req.AmountMinor())
	}

	now := time.Now()
	at := req.TransmittedAt
	if at.IsZero() {
		at = now
	}
	_ = m.SetById(iso8583.FieldTransmission, at.Format(transmissionLayout))
	_ = m.SetById(iso8583.FieldLocalTime, now.Format("150405"))
	_ = m.SetById(iso8583.FieldLocalDate, now.Format("0102"))

	stan := resp.STAN
	if stan == "" {
		stan = req.STAN
	}
	if stan != "" {
		_ = m.SetById(iso8583.FieldSTAN, stan)
	}
	rrn := resp.RRN
	if rrn == "" {
		rrn = req.RRN
	}
	if rrn != "" {
		_ = m.SetById(iso8583.FieldRRN, rrn)
	}
	if resp.AuthCode != "" {
		_ = m.SetById(iso8583.FieldAuthCode, resp.AuthCode)
	}

	// ND is the internal no-response marker; the wire carries 91.
	code := resp.Code
	if code == txn.CodeNoResponse {
		code = txn.CodeIssuerInoperative
	}
	if err := m.SetById(iso8583.FieldResponseCode, string(code)); err != nil {
		return nil, err
	}

	if req.TerminalID != "" {
		_ = m.SetById(iso8583.FieldTerminalID, req.TerminalID)
	}
	if req.Currency != "" {
		_ = m.SetById(iso8583.FieldCurrency, req.Currency)
	}
	if !resp.LedgerBalance.IsZero() || !resp.AvailableBalance.IsZero() {
		_ = m.SetById(iso8583.FieldAddAmounts,
			processor.AdditionalAmounts(req.Currency, resp.LedgerBalance, resp.AvailableBalance))
	}
	return m, nil
}

// answerNetwork replies to a network management frame without touching
// the business pipeline: sign-on, sign-off, key change and echo all
// approve, mirroring what the outbound channels answer when the switch
// polls them.
func answerNetwork(schema *iso8583.Schema, raw []byte) ([]byte, error) {
	in, err := iso8583.Decode(schema, raw)
	if err != nil {
		return nil, txn.WrapErr(txn.CategoryParse, "network management frame", err)
	}
	out := iso8583.NewMessage(schema)
	if err := out.SetMTI(iso8583.MTINetworkResponse); err != nil {
		return nil, err
	}
	for _, id := range []string{iso8583.FieldTransmission, iso8583.FieldSTAN, iso8583.FieldNetworkInfo} {
		if v := in.StringById(id); v != "" {
			_ = out.SetById(id, v)
		}
	}
	_ = out.SetById(iso8583.FieldResponseCode, string(txn.CodeApproved))
	return iso8583.Encode(out)
}
