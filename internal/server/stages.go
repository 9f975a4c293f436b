package server

import (
	"crypto/hmac"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/monitor"
	"github.com/linhsiu/gofepd/internal/pipeline"
	"github.com/linhsiu/gofepd/internal/processor"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/security"
	"github.com/linhsiu/gofepd/internal/security/keystore"
	"github.com/linhsiu/gofepd/internal/security/mac"
	"github.com/linhsiu/gofepd/internal/security/pan"
	"github.com/linhsiu/gofepd/internal/security/pinblock"
	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Attribute keys the stage handlers pass state under.
const (
	attrMessage  = "iso_message"    // *iso8583.Message decoded from the frame
	attrEntry    = "dedup_entry"    // *dedup.Entry registered for this request
	attrDecision = "route_decision" // router.Decision for the processing stage
	attrReplay   = "dedup_replay"   // set when the response is a cached replay
)

// wireMACLength is how many MAC bytes travel in the binary MAC element.
// Constructions with longer output are truncated to the leading bytes.
const wireMACLength = 8

// withdrawalCeiling is the single-transaction cash ceiling the network
// imposes on withdrawals.
var withdrawalCeiling = decimal.NewFromInt(100000)

// buildPipeline registers the stage handlers in their run order. The
// progression is fixed by the pipeline package; this wires what each
// stage does for this gateway.
func (e *Engine) buildPipeline() *pipeline.Pipeline {
	p := pipeline.New(e.log)

	p.RegisterFunc(pipeline.StageParse, "decode", e.stageParse)
	p.RegisterFunc(pipeline.StageParse, "announce", e.stageAnnounce)
	p.RegisterFunc(pipeline.StageDuplicateCheck, "dedup", e.stageDedup)
	p.RegisterFunc(pipeline.StageSecurityCheck, "mac_verify", e.stageMAC)
	p.RegisterFunc(pipeline.StageSecurityCheck, "pin_translate", e.stagePIN)
	p.RegisterFunc(pipeline.StageValidation, "fields", e.stageValidate)
	p.RegisterFunc(pipeline.StageRouting, "route", e.stageRoute)
	p.RegisterFunc(pipeline.StageProcessing, "dispatch", e.stageDispatch)
	p.RegisterFunc(pipeline.StageResponse, "finalize", e.stageFinalize)
	p.RegisterFunc(pipeline.StageAudit, "record", e.stageRecord)

	if e.feed != nil {
		p.AddListener(monitor.NewPipelineEvents(e.feed))
	}
	return p
}

// stageParse decodes the raw frame into a business request. Pre-parsed
// submissions (batch items) skip the decode and keep their request.
func (e *Engine) stageParse(pc *pipeline.Context) error {
	if pc.Request != nil {
		return nil
	}
	m, err := iso8583.Decode(e.schema, pc.Raw)
	if err != nil {
		return txn.WrapErr(txn.CategoryParse, "decode frame", err)
	}
	pc.SetAttribute(attrMessage, m)

	req, err := requestFromMessage(m)
	if err != nil {
		return err
	}
	pc.Request = req
	return nil
}

// stageAnnounce writes the receipt audit line once a request exists.
func (e *Engine) stageAnnounce(pc *pipeline.Context) error {
	e.audit.Received(pc.Context(), pc.Request)
	return nil
}

// stageDedup registers the request fingerprint. Finished duplicates
// replay the cached response without another dispatch; in-flight
// duplicates decline.
func (e *Engine) stageDedup(pc *pipeline.Context) error {
	entry, outcome := e.dedup.Register(pc.Request)
	switch outcome {
	case dedup.DuplicateReplay:
		pc.Response = entry.Response()
		pc.SetAttribute(attrReplay, true)
		pc.StopProcessing()
		e.log.Info().
			Str("fingerprint", pc.Request.Fingerprint()).
			Str("code", string(pc.Response.Code)).
			Msg("duplicate replayed from cache")
		return nil
	case dedup.DuplicateInProgress:
		return txn.Errorf(txn.CategoryDuplicate, "first submission of %s still in flight", pc.Request.Fingerprint())
	}
	pc.SetAttribute(attrEntry, entry)
	return nil
}

// stageMAC verifies the message MAC when the frame carries one. The MAC
// covers every byte of the frame before the trailing MAC element.
func (e *Engine) stageMAC(pc *pipeline.Context) error {
	v, ok := pc.Attribute(attrMessage)
	if !ok {
		return nil // pre-parsed submission, no frame to verify
	}
	m := v.(*iso8583.Message)

	want := macOf(m)
	if want == nil {
		return nil
	}
	if len(want) != wireMACLength || len(pc.Raw) <= wireMACLength {
		return txn.Errorf(txn.CategorySecurity, "mac element malformed")
	}

	keyID, err := e.keys.CurrentID(keystore.MAK)
	if err != nil {
		return txn.WrapErr(txn.CategorySecurity, "mac key", err)
	}
	key, err := e.keys.DecryptKey(keyID)
	if err != nil {
		return txn.WrapErr(txn.CategorySecurity, "mac key", err)
	}
	defer security.Erase(key)

	got, err := mac.Calculate(macAlgorithmFor(len(key)), key, pc.Raw[:len(pc.Raw)-wireMACLength])
	if err != nil {
		return txn.WrapErr(txn.CategorySecurity, "mac", err)
	}
	defer security.Erase(got)

	if !hmac.Equal(got[:wireMACLength], want) {
		return txn.Errorf(txn.CategorySecurity, "mac mismatch on %s", m.MTI())
	}
	return nil
}

// macOf returns the wire MAC bytes from whichever MAC element is set.
func macOf(m *iso8583.Message) []byte {
	for _, id := range []string{iso8583.FieldMAC, iso8583.FieldMAC2} {
		if v, ok := m.GetById(id); ok {
			if b, ok := v.([]byte); ok && len(b) > 0 {
				return b
			}
		}
	}
	return nil
}

// macAlgorithmFor picks the construction the MAK length implies: single
// DES, double-key X9.19 retail MAC, or AES-CMAC.
func macAlgorithmFor(keyLen int) mac.Algorithm {
	switch keyLen {
	case 8:
		return mac.ISO9797Alg1
	case 16:
		return mac.X919
	default:
		return mac.AESCMAC
	}
}

// stagePIN translates the PIN block from the terminal zone key to the
// interbank zone key. The clear PIN never leaves the translation call.
func (e *Engine) stagePIN(pc *pipeline.Context) error {
	req := pc.Request
	if len(req.PINBlock) == 0 {
		return nil
	}
	if len(req.PINBlock) != pinblock.BlockSize {
		return txn.CodedErr(txn.CategorySecurity, txn.CodeInvalidPIN, "pin block must be 8 bytes")
	}

	pekID, err := e.keys.CurrentID(keystore.PEK)
	if err != nil {
		return txn.WrapErr(txn.CategorySecurity, "terminal pin key", err)
	}
	zekID, err := e.keys.CurrentID(keystore.ZEK)
	if err != nil {
		return txn.WrapErr(txn.CategorySecurity, "zone pin key", err)
	}

	in := &pinblock.Block{Format: pinblock.Format0, Encrypted: true, KeyID: pekID}
	copy(in.Data[:], req.PINBlock)
	out, err := e.pins.Translate(in, zekID)
	in.Zeroize()
	if err != nil {
		return txn.CodedErr(txn.CategorySecurity, txn.CodeInvalidPIN, "pin block translation failed")
	}
	copy(req.PINBlock, out.Data[:])
	out.Zeroize()
	return nil
}

// stageValidate enforces the field constraints every request must meet
// before it costs a dispatch. Each violation carries its precise
// decline code.
func (e *Engine) stageValidate(pc *pipeline.Context) error {
	req := pc.Request

	if len(req.STAN) != 6 || !allDigits(req.STAN) {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeFormatError, "stan must be 6 digits")
	}
	if req.TerminalID == "" {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeFormatError, "terminal id required")
	}

	if req.PAN != "" {
		if err := pan.Validate(req.PAN); err != nil {
			return txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidCard, "pan failed validation")
		}
	} else if req.Type != txn.Reversal {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidCard, "pan required")
	}
	if cardExpired(req.Expiry, time.Now()) {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeExpiredCard, "card expired")
	}

	if req.Type != txn.BalanceInquiry && !req.Amount.IsPositive() {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidAmount, "amount must be positive")
	}
	if req.Type == txn.Withdrawal && req.Amount.GreaterThan(withdrawalCeiling) {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeLimitExceeded, "amount above withdrawal ceiling")
	}
	return nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

// cardExpired reports whether a YYMM expiry lies in the past. The card
// stays valid through the end of its expiry month; absent or malformed
// expiry is not a decline on its own.
func cardExpired(expiry string, now time.Time) bool {
	if len(expiry) != 4 {
		return false
	}
	t, err := time.ParseInLocation("0601", expiry, time.Local)
	if err != nil {
		return false
	}
	return now.After(t.AddDate(0, 1, 0))
}

// stageRoute picks the destination and timeout for the dispatch.
func (e *Engine) stageRoute(pc *pipeline.Context) error {
	dec, err := e.routes.Route(pc.Request)
	if err != nil {
		return err
	}
	pc.SetAttribute(attrDecision, dec)
	pc.Destination = string(dec.Destination)
	return nil
}

// stageDispatch hands the request to its type processor.
func (e *Engine) stageDispatch(pc *pipeline.Context) error {
	req := pc.Request
	proc, ok := e.procs.Get(req.Type)
	if !ok {
		return txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidTxn, "no processor for type "+string(req.Type))
	}

	var dec router.Decision
	if v, ok := pc.Attribute(attrDecision); ok {
		dec = v.(router.Decision)
	}
	resp, err := proc.Process(pc.Context(), req, dec)
	if err != nil {
		return err
	}
	pc.Response = resp
	return nil
}

// stageFinalize stamps the response before it leaves the pipeline.
func (e *Engine) stageFinalize(pc *pipeline.Context) error {
	resp := pc.Response
	if resp == nil {
		return txn.Errorf(txn.CategorySystem, "processing produced no response")
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	if resp.Elapsed == 0 {
		resp.Elapsed = pc.Elapsed()
	}
	if resp.Destination == "" {
		resp.Destination = pc.Destination
	}
	return nil
}

// stageRecord is the completion point. It runs for every request,
// failed or not: it settles the dedup entry, persists the transaction
// record and writes the outcome audit lines. A timed-out financial
// leaves its dedup entry pending so a later reversal can still anchor
// on it, and its stored record says TIMEOUT (or REVERSED when the
// automatic reversal confirmed).
func (e *Engine) stageRecord(pc *pipeline.Context) error {
	ctx := pc.Context()
	req, resp := pc.Request, pc.Response

	if pc.Err != nil {
		e.audit.Error(ctx, req, pc.Err)
	}
	if req == nil {
		return nil // unparseable frame, nothing to correlate
	}

	timedOut := resp != nil && resp.Extra[processor.ExtraOutcome] == processor.OutcomeTimeout

	if v, ok := pc.Attribute(attrEntry); ok && !timedOut {
		e.dedup.Complete(v.(*dedup.Entry), resp)
	}

	var originalID string
	if req.Type == txn.Reversal && req.Original != nil && resp != nil && resp.Approved {
		if orig, ok := e.dedup.FindOriginal(req.Original.RRN, req.Original.STAN, req.Original.TerminalID); ok {
			if or := orig.Response(); or != nil {
				originalID = or.TransactionID.String()
			}
		}
	}

	if e.repo != nil && e.shouldPersist(pc) {
		rec := storage.NewTransactionRecord(req, resp)
		rec.OriginalID = originalID
		switch {
		case timedOut && resp.Extra[processor.ExtraReversal] == processor.ReversalConfirmed:
			rec.Status = txn.StatusReversed
		case timedOut, resp != nil && resp.Code == txn.CodeNoResponse:
			rec.Status = txn.StatusTimedOut
		}
		if err := e.repo.SaveTransaction(ctx, rec); err != nil {
			e.log.Warn().Err(err).Str("txn", req.ID.String()).Msg("transaction record not persisted")
		}
	}

	if resp != nil {
		e.audit.Responded(ctx, req, resp)
	}
	if originalID != "" {
		e.audit.Reversed(ctx, req, originalID)
	}
	return nil
}

// shouldPersist filters out records that would double-store: cached
// replays (the first submission already wrote its record) and declined
// in-flight duplicates.
func (e *Engine) shouldPersist(pc *pipeline.Context) bool {
	if _, replay := pc.Attribute(attrReplay); replay {
		return false
	}
	if pc.Err != nil && txn.CategoryOf(pc.Err) == txn.CategoryDuplicate {
		return false
	}
	return true
}
