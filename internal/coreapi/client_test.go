package coreapi

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/linhsiu/gofepd/internal/txn"
)

// fakeCore stands in for the core-banking gateway. It is registered
// under the same service descriptor the real core exposes, so calls go
// through the full gRPC stack including the msgpack codec.
type fakeCore struct {
	mu    sync.Mutex
	last  *HostRequest
	reply *HostResponse
	delay time.Duration
	fail  error
}

func (f *fakeCore) Execute(ctx context.Context, in *HostRequest) (*HostResponse, error) {
	f.mu.Lock()
	f.last = in
	reply, delay, fail := f.reply, f.delay, f.fail
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return reply, nil
}

func (f *fakeCore) lastRequest() *HostRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type coreServer interface {
	Execute(ctx context.Context, in *HostRequest) (*HostResponse, error)
}

var coreServiceDesc = grpc.ServiceDesc{
	ServiceName: "fep.CoreBanking",
	HandlerType: (*coreServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(HostRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(coreServer).Execute(ctx, in)
		},
	}},
}

func startCore(t *testing.T, fc *fakeCore) (*Client, *health.Server) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&coreServiceDesc, fc)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cli, err := New(Config{Endpoint: lis.Addr().String(), Timeout: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	return cli, hs
}

func coreRequest() *txn.Request {
	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.New(100050, -2)
	req.STAN = "000101"
	req.RRN = "000000000101"
	req.TerminalID = "ATM00001"
	req.AcquiringBank = "0040000"
	req.SourceAccount = "001234567890"
	return req
}

func TestExecuteApproved(t *testing.T) {
	fc := &fakeCore{reply: &HostResponse{
		ResponseCode:     "00",
		AuthCode:         "C12345",
		AvailableBalance: "1234.56",
		LedgerBalance:    "1300.00",
		Extra:            map[string]string{"host_ref": "X1"},
	}}
	cli, _ := startCore(t, fc)

	req := coreRequest()
	resp, err := cli.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Equal(t, txn.CodeApproved, resp.Code)
	assert.Equal(t, "C12345", resp.AuthCode)
	assert.True(t, resp.AvailableBalance.Equal(decimal.New(123456, -2)))
	assert.True(t, resp.LedgerBalance.Equal(decimal.New(130000, -2)))
	assert.Equal(t, "OPEN_SYSTEM_API", resp.Destination)
	assert.Equal(t, "X1", resp.Extra["host_ref"])
	assert.Greater(t, resp.Elapsed, time.Duration(0))

	// The payload must have crossed the wire intact.
	got := fc.lastRequest()
	require.NotNil(t, got)
	assert.Equal(t, req.ID.String(), got.TransactionID)
	assert.Equal(t, "WITHDRAWAL", got.Type)
	assert.Equal(t, "ATM", got.Channel)
	assert.Equal(t, "4111111111111111", got.PAN)
	assert.Equal(t, "1000.5", got.Amount)
	assert.Equal(t, "001234567890", got.SourceAccount)
	assert.Nil(t, got.Original)
}

func TestExecuteDecline(t *testing.T) {
	fc := &fakeCore{reply: &HostResponse{ResponseCode: "51"}}
	cli, _ := startCore(t, fc)

	resp, err := cli.Execute(context.Background(), coreRequest())
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, txn.CodeInsufficientFunds, resp.Code)
}

func TestExecuteDeadline(t *testing.T) {
	fc := &fakeCore{delay: 2 * time.Second, reply: &HostResponse{ResponseCode: "00"}}
	cli, _ := startCore(t, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	resp, err := cli.Execute(ctx, coreRequest())
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, txn.CategoryTimeout, txn.CategoryOf(err))
	assert.Equal(t, txn.CodeNoResponse, txn.CodeFor(err))
	assert.True(t, txn.Retryable(err))
}

func TestExecuteReversalCarriesOriginal(t *testing.T) {
	fc := &fakeCore{reply: &HostResponse{ResponseCode: "00"}}
	cli, _ := startCore(t, fc)

	req := txn.NewRequest(txn.Reversal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.New(50000, -2)
	req.STAN = "000202"
	req.RRN = "000000000202"
	req.TerminalID = "ATM00001"
	req.Original = &txn.OriginalRef{
		STAN:       "000101",
		RRN:        "000000000101",
		TerminalID: "ATM00001",
		Amount:     decimal.New(50000, -2),
	}

	_, err := cli.Execute(context.Background(), req)
	require.NoError(t, err)

	got := fc.lastRequest()
	require.NotNil(t, got)
	require.NotNil(t, got.Original)
	assert.Equal(t, "000101", got.Original.STAN)
	assert.Equal(t, "000000000101", got.Original.RRN)
	assert.Equal(t, "500", got.Original.Amount)
}

func TestExecuteUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	cli, err := New(Config{Endpoint: addr, Timeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Execute(context.Background(), coreRequest())
	require.Error(t, err)
	assert.Equal(t, txn.CodeIssuerInoperative, txn.CodeFor(err))
	assert.True(t, txn.Retryable(err))
}

func TestExecuteGarbledBalanceDegrades(t *testing.T) {
	fc := &fakeCore{reply: &HostResponse{ResponseCode: "00", AvailableBalance: "not-a-number"}}
	cli, _ := startCore(t, fc)

	resp, err := cli.Execute(context.Background(), coreRequest())
	require.NoError(t, err, "an advisory field must not fail an executed transaction")
	assert.True(t, resp.Approved)
	assert.True(t, resp.AvailableBalance.IsZero())
}

func TestHealthy(t *testing.T) {
	cli, hs := startCore(t, &fakeCore{})

	require.NoError(t, cli.Healthy(context.Background()))

	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	require.Error(t, cli.Healthy(context.Background()))
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	c := msgpackCodec{}
	assert.Equal(t, "msgpack", c.Name())

	in := &HostRequest{
		TransactionID: "id-1",
		Type:          "TRANSFER",
		PAN:           "4111111111111111",
		Amount:        "250.75",
		Extra:         map[string]string{"k": "v"},
	}
	raw, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(HostRequest)
	require.NoError(t, c.Unmarshal(raw, out))
	assert.Equal(t, in, out)
}

func TestMapRPCError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category txn.Category
		code     txn.ResponseCode
	}{
		{"deadline", status.Error(codes.DeadlineExceeded, "x"), txn.CategoryTimeout, txn.CodeNoResponse},
		{"unavailable", status.Error(codes.Unavailable, "x"), txn.CategorySystem, txn.CodeIssuerInoperative},
		{"exhausted", status.Error(codes.ResourceExhausted, "x"), txn.CategorySystem, txn.CodeIssuerInoperative},
		{"bad request", status.Error(codes.InvalidArgument, "x"), txn.CategoryValidation, txn.CodeInvalidTxn},
		{"unknown account", status.Error(codes.NotFound, "x"), txn.CategoryValidation, txn.CodeInvalidCard},
		{"refused", status.Error(codes.FailedPrecondition, "x"), txn.CategoryValidation, txn.CodeNotPermitted},
		{"internal", status.Error(codes.Internal, "x"), txn.CategorySystem, txn.CodeSystemMalfunction},
		{"plain", errors.New("boom"), txn.CategorySystem, txn.CodeSystemMalfunction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapRPCError(tc.err)
			assert.Equal(t, tc.category, txn.CategoryOf(mapped))
			assert.Equal(t, tc.code, txn.CodeFor(mapped))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	require.Error(t, err, "endpoint required")

	_, err = New(Config{Endpoint: "127.0.0.1:50061", Method: "no-slash"}, zerolog.Nop())
	require.Error(t, err)

	cfg := Config{Endpoint: "127.0.0.1:50061"}.withDefaults()
	assert.Equal(t, "/fep.CoreBanking/Execute", cfg.Method)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}
