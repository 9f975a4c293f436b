package processor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/txn"
)

// FISCForwarder sends wire messages over an interbank link picked from
// the channel registry by institution, so several channels to the same
// switch share the load and fail over transparently.
type FISCForwarder struct {
	reg  *fisc.Registry
	inst string
	log  zerolog.Logger
}

// NewFISCForwarder binds a forwarder to one institution's channels.
func NewFISCForwarder(reg *fisc.Registry, institution string, log zerolog.Logger) *FISCForwarder {
	return &FISCForwarder{
		reg:  reg,
		inst: institution,
		log:  log.With().Str("component", "forwarder").Str("institution", institution).Logger(),
	}
}

// Forward sends msg and maps the correlated reply.
func (f *FISCForwarder) Forward(ctx context.Context, req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
	ch, err := f.reg.ForInstitution(f.inst)
	if err != nil {
		return nil, err
	}
	reply, err := ch.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	resp, err := ResponseFromMessage(req, reply)
	if err != nil {
		return nil, err
	}
	resp.Destination = f.inst
	return resp, nil
}

// Internal approves transactions that never leave this node: network
// test traffic and on-us flows a deployment chooses to settle locally.
type Internal struct{}

// Forward answers in-process.
func (Internal) Forward(_ context.Context, req *txn.Request, _ *iso8583.Message) (*txn.Response, error) {
	resp := txn.NewResponse(req, txn.CodeApproved)
	resp.AuthCode = internalAuthCode(req.STAN)
	return resp, nil
}

func internalAuthCode(stan string) string {
	if len(stan) > 5 {
		stan = stan[len(stan)-5:]
	}
	return fmt.Sprintf("I%05s", stan)
}
