package coreapi

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// HostRequest is the execute payload. Amounts travel as exact decimal
// strings. The encrypted PIN block and track data never ride this API;
// PIN verification happens before dispatch.
type HostRequest struct {
	TransactionID string `codec:"txn_id"`
	Type          string `codec:"type"`
	Channel       string `codec:"channel"`

	PAN    string `codec:"pan"`
	Expiry string `codec:"expiry,omitempty"`

	Amount   string `codec:"amount"`
	Currency string `codec:"currency"`

	STAN       string `codec:"stan"`
	RRN        string `codec:"rrn"`
	TerminalID string `codec:"terminal_id"`
	MerchantID string `codec:"merchant_id,omitempty"`

	AcquiringBank   string `codec:"acquiring_bank"`
	DestinationBank string `codec:"destination_bank,omitempty"`
	SourceAccount   string `codec:"source_account,omitempty"`
	DestAccount     string `codec:"dest_account,omitempty"`

	TransmittedAt int64 `codec:"transmitted_at,omitempty"`

	// Original is set on reversals only.
	Original *HostOriginal `codec:"original,omitempty"`

	Extra map[string]string `codec:"extra,omitempty"`
}

// HostOriginal identifies the transaction a reversal undoes.
type HostOriginal struct {
	STAN       string `codec:"stan"`
	RRN        string `codec:"rrn"`
	TerminalID string `codec:"terminal_id"`
	Amount     string `codec:"amount"`
}

// HostResponse is the execute outcome. Business declines arrive here
// with their ISO action code; RPC-level errors mean the call itself
// failed and no decision was made.
type HostResponse struct {
	ResponseCode     string            `codec:"response_code"`
	AuthCode         string            `codec:"auth_code,omitempty"`
	AvailableBalance string            `codec:"available_balance,omitempty"`
	LedgerBalance    string            `codec:"ledger_balance,omitempty"`
	Extra            map[string]string `codec:"extra,omitempty"`
}

// Client dispatches transactions routed to OPEN_SYSTEM_API. It
// satisfies the processor forwarding contract: the business request
// rides the API, the wire message stays local.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
	log  zerolog.Logger
}

// New validates the config and opens a client connection. The link is
// plaintext: the core gateway lives in the same security zone.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coreapi: %w", err)
	}
	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(cfg.MaxSendMsgSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("coreapi: dial %s: %w", cfg.Endpoint, err)
	}
	return &Client{
		cfg:  cfg,
		conn: conn,
		log:  log.With().Str("component", "coreapi").Str("endpoint", cfg.Endpoint).Logger(),
	}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Forward sends the business request to the core and maps the answer.
func (c *Client) Forward(ctx context.Context, req *txn.Request, _ *iso8583.Message) (*txn.Response, error) {
	return c.Execute(ctx, req)
}

// Execute runs one transaction against the core.
func (c *Client) Execute(ctx context.Context, req *txn.Request) (*txn.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	host := hostRequest(req)
	var reply HostResponse
	start := time.Now()
	err := c.conn.Invoke(ctx, c.cfg.Method, host, &reply, grpc.CallContentSubtype(codecName))
	if err != nil {
		c.log.Warn().Err(err).Str("stan", req.STAN).Str("type", string(req.Type)).
			Msg("core execute failed")
		return nil, mapRPCError(err)
	}

	resp := c.response(req, &reply)
	resp.Elapsed = time.Since(start)
	c.log.Debug().Str("stan", req.STAN).Str("code", string(resp.Code)).
		Dur("elapsed", resp.Elapsed).Msg("core execute")
	return resp, nil
}

// Healthy verifies the core reports SERVING.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	hc := grpc_health_v1.NewHealthClient(c.conn)
	resp, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: c.cfg.HealthService})
	if err != nil {
		return mapRPCError(err)
	}
	if got := resp.GetStatus(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		return txn.Errorf(txn.CategorySystem, "core health: %s", got)
	}
	return nil
}

func hostRequest(r *txn.Request) *HostRequest {
	h := &HostRequest{
		TransactionID:   r.ID.String(),
		Type:            string(r.Type),
		Channel:         string(r.Channel),
		PAN:             r.PAN,
		Expiry:          r.Expiry,
		Amount:          r.Amount.String(),
		Currency:        r.Currency,
		STAN:            r.STAN,
		RRN:             r.RRN,
		TerminalID:      r.TerminalID,
		MerchantID:      r.MerchantID,
		AcquiringBank:   r.AcquiringBank,
		DestinationBank: r.DestinationBank,
		SourceAccount:   r.SourceAccount,
		DestAccount:     r.DestAccount,
		Extra:           r.Extra,
	}
	if !r.TransmittedAt.IsZero() {
		h.TransmittedAt = r.TransmittedAt.Unix()
	}
	if r.Original != nil {
		h.Original = &HostOriginal{
			STAN:       r.Original.STAN,
			RRN:        r.Original.RRN,
			TerminalID: r.Original.TerminalID,
			Amount:     r.Original.Amount.String(),
		}
	}
	return h
}

func (c *Client) response(req *txn.Request, h *HostResponse) *txn.Response {
	resp := txn.NewResponse(req, txn.ResponseCode(h.ResponseCode))
	resp.AuthCode = h.AuthCode
	resp.Destination = string(router.DestOpenSystemAPI)
	resp.Extra = h.Extra
	resp.AvailableBalance = c.balance(req, "available", h.AvailableBalance)
	resp.LedgerBalance = c.balance(req, "ledger", h.LedgerBalance)
	return resp
}

// balance parses an advisory balance field. A garbled balance must not
// fail a transaction the core already executed, so it degrades to zero
// with a warning.
func (c *Client) balance(req *txn.Request, name, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		c.log.Warn().Str("stan", req.STAN).Str("field", name).Str("value", s).
			Msg("unparseable balance from core")
		return decimal.Zero
	}
	return d
}

// mapRPCError folds transport outcomes into the error taxonomy. A
// deadline or a dead link may still have executed: both map onto the
// categories the retry and reversal machinery watches.
func mapRPCError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return txn.WrapErr(txn.CategoryTimeout, "core deadline expired", err)
	case codes.Canceled:
		return txn.WrapErr(txn.CategoryTimeout, "core call canceled", err)
	case codes.Unavailable:
		return &txn.Error{Category: txn.CategorySystem, Code: txn.CodeIssuerInoperative, Msg: "core unavailable", Err: err}
	case codes.ResourceExhausted:
		return &txn.Error{Category: txn.CategorySystem, Code: txn.CodeIssuerInoperative, Msg: "core overloaded", Err: err}
	case codes.InvalidArgument:
		return txn.WrapErr(txn.CategoryValidation, "core rejected request", err)
	case codes.NotFound:
		return &txn.Error{Category: txn.CategoryValidation, Code: txn.CodeInvalidCard, Msg: "core: unknown account", Err: err}
	case codes.FailedPrecondition:
		return &txn.Error{Category: txn.CategoryValidation, Code: txn.CodeNotPermitted, Msg: "core refused transaction", Err: err}
	case codes.Unimplemented:
		return txn.WrapErr(txn.CategoryValidation, "core does not support operation", err)
	default:
		return txn.WrapErr(txn.CategorySystem, "core execute failed", err)
	}
}
