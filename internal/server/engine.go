// Package server assembles the gateway: the framed TCP ingress the
// acquiring fleet calls, the staged pipeline behind it, and the
// lifecycle of every component the stages depend on.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/linhsiu/gofepd/internal/audit"
	"github.com/linhsiu/gofepd/internal/batch"
	"github.com/linhsiu/gofepd/internal/config"
	"github.com/linhsiu/gofepd/internal/coreapi"
	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/monitor"
	"github.com/linhsiu/gofepd/internal/pipeline"
	"github.com/linhsiu/gofepd/internal/processor"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/security/keystore"
	"github.com/linhsiu/gofepd/internal/security/pinblock"
	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/storage/kvstore"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Engine owns every long-lived component of the gateway and runs the
// acquiring listener. Build with New, serve with Run, release with
// Close.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger

	schema  *iso8583.Schema
	keys    *keystore.Manager
	pins    *pinblock.Service
	dedup   *dedup.Store
	routes  *router.Router
	links   *fisc.Registry
	table   *processor.Table
	procs   *processor.Registry
	pipe    *pipeline.Pipeline
	batches *batch.Processor
	repo    storage.Repository
	store   io.Closer
	audit   *audit.Logger
	core    *coreapi.Client
	feed    *monitor.Feed

	// watch holds the health poll interval per channel id.
	watch map[string]time.Duration

	mu     sync.Mutex
	ln     net.Listener
	conns  atomic.Int32
	connWG sync.WaitGroup
}

// New wires the engine from configuration. Construction is explicit:
// every component is built here and handed to its dependents, so the
// whole object graph reads top to bottom.
func New(cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		log:    log.With().Str("component", "server").Logger(),
		schema: iso8583.NewFISCSchema(),
		watch:  make(map[string]time.Duration),
	}

	// Key material first; the security stage cannot run without it.
	e.keys = keystore.NewManager(log)
	if err := seedKeys(e.keys, cfg.Security); err != nil {
		return nil, fmt.Errorf("seed keys: %w", err)
	}
	e.pins = pinblock.NewService(e.keys)

	e.dedup = dedup.NewStore(cfg.Dedup.ToStore(), log)

	e.routes = router.New(log,
		router.WithDefaultDestination(router.Destination(cfg.Router.DefaultDestination)),
		router.WithDefaultTimeout(cfg.Router.DefaultTimeout()),
	)
	for _, rc := range cfg.Router.Rules {
		rule, err := rc.ToRule()
		if err != nil {
			return nil, fmt.Errorf("router rule %q: %w", rc.Name, err)
		}
		e.routes.AddRule(rule)
	}

	// Interbank links. The forwarders for both switch services bind to
	// the first configured institution: the switch routes by processing
	// code, so every link carries every service.
	e.links = fisc.NewRegistry()
	fcs, err := cfg.FISCChannels()
	if err != nil {
		return nil, err
	}
	var institution string
	for _, fc := range fcs {
		ch, err := fisc.NewChannel(fc, e.schema, log)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", fc.ID, err)
		}
		if err := e.links.Register(ch); err != nil {
			return nil, err
		}
		if institution == "" {
			institution = fc.Institution
		}
		if cc, ok := cfg.GetChannel(fc.ID); ok {
			e.watch[fc.ID] = cc.HealthCheckInterval()
		}
	}

	store, err := kvstore.Open(cfg.Storage.ToKVStore(), log)
	if err != nil {
		return nil, fmt.Errorf("open transaction store: %w", err)
	}
	e.repo = store
	e.store = store
	e.audit = audit.New(log, store)

	e.core, err = coreapi.New(cfg.CoreAPI.ToClient(), log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("core api client: %w", err)
	}

	e.table = processor.NewTable()
	e.table.Bind(router.DestInternal, processor.Internal{})
	e.table.Bind(router.DestMainframeCBS, e.core)
	e.table.Bind(router.DestOpenSystemAPI, e.core)
	if institution != "" {
		e.table.Bind(router.DestFISCInterbank, processor.NewFISCForwarder(e.links, institution, log))
		e.table.Bind(router.DestFISCBillPayment, processor.NewFISCForwarder(e.links, institution, log))
	}

	deps := processor.Deps{Schema: e.schema, Table: e.table, Dedup: e.dedup, Log: log}
	e.procs = processor.NewRegistry()
	for _, t := range []txn.Type{txn.Withdrawal, txn.Deposit, txn.Transfer, txn.Purchase, txn.BillPayment} {
		fin, err := processor.NewFinancial(t, processor.FinancialRetryPolicy(), deps)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.procs.MustRegister(fin)
	}
	e.procs.MustRegister(processor.NewInquiry(processor.InquiryRetryPolicy(), deps))
	e.procs.MustRegister(processor.NewReversal(deps, store))

	if cfg.Monitor.Enabled {
		e.feed = monitor.New(cfg.Monitor.ToFeed(), log)
	}

	e.pipe = e.buildPipeline()

	e.batches = batch.New(cfg.Batch.ToProcessor(), batch.RunnerFunc(e.runBatchItem), log)
	if e.feed != nil {
		e.batches.AddListener(monitor.NewBatchEvents(e.feed))
	}
	return e, nil
}

// seedKeys imports the configured key material and generates whatever
// is missing when the config allows it. The first key of each type
// becomes current.
func seedKeys(keys *keystore.Manager, cfg config.SecurityConfig) error {
	seeds, err := cfg.KeySeeds()
	if err != nil {
		return err
	}
	for typ, material := range seeds {
		if _, err := keys.Import(typ, strings.ToLower(string(typ))+"-boot", material, 0); err != nil {
			return fmt.Errorf("import %s: %w", typ, err)
		}
	}
	if !cfg.GenerateMissing {
		return nil
	}
	for _, typ := range []keystore.KeyType{keystore.PEK, keystore.MAK, keystore.ZEK, keystore.DEK} {
		if _, err := keys.CurrentID(typ); err == nil {
			continue
		}
		if _, err := keys.Generate(typ, strings.ToLower(string(typ))+"-gen", 16, 0); err != nil {
			return fmt.Errorf("generate %s: %w", typ, err)
		}
	}
	return nil
}

// Handle processes one inbound frame and renders the reply frame.
// Network management frames are answered inline; everything else runs
// the pipeline. A frame too broken to correlate returns an error and no
// reply.
func (e *Engine) Handle(ctx context.Context, raw []byte) ([]byte, error) {
	if mti, err := peekMTI(raw); err == nil && mti == iso8583.MTINetworkRequest {
		return answerNetwork(e.schema, raw)
	}

	pc := e.pipe.Run(ctx, raw, nil)
	if pc.Request == nil {
		if pc.Err != nil {
			return nil, pc.Err
		}
		return nil, txn.Errorf(txn.CategoryParse, "frame produced no request")
	}

	var reqMsg *iso8583.Message
	if v, ok := pc.Attribute(attrMessage); ok {
		reqMsg = v.(*iso8583.Message)
	}
	m, err := replyMessage(e.schema, reqMsg, pc.Request, pc.Response)
	if err != nil {
		return nil, err
	}
	return iso8583.Encode(m)
}

// Submit runs one pre-parsed request through the pipeline. Bulk items
// and tests come through here; wire traffic uses Handle.
func (e *Engine) Submit(ctx context.Context, req *txn.Request) *pipeline.Context {
	return e.pipe.Run(ctx, nil, req)
}

// runBatchItem adapts the pipeline to the batch runner contract, so
// bulk items get the same dedup, security and audit treatment as wire
// traffic.
func (e *Engine) runBatchItem(ctx context.Context, req *txn.Request) (*txn.Response, error) {
	pc := e.pipe.Run(ctx, nil, req)
	return pc.Response, pc.Err
}

// SubmitBatch runs a bulk request through the batch processor.
func (e *Engine) SubmitBatch(ctx context.Context, breq *batch.Request) (*batch.Result, error) {
	return e.batches.Run(ctx, breq)
}

// Run serves until ctx ends, then shuts down gracefully: the listener
// closes first, in-flight conversations drain within the shutdown
// budget, and the interbank links sign off last.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Server.Listen, err)
	}
	e.mu.Lock()
	e.ln = ln
	e.mu.Unlock()
	e.log.Info().Str("addr", ln.Addr().String()).Msg("acquiring listener up")

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range e.links.IDs() {
		ch, ok := e.links.Get(id)
		if !ok {
			continue
		}
		if e.cfg.Connection.AutoConnect {
			g.Go(func() error { return e.maintainLink(gctx, ch) })
		}
		if every := e.watch[id]; e.feed != nil && every > 0 {
			g.Go(func() error { return e.watchLink(gctx, ch, every) })
		}
	}
	if e.feed != nil {
		g.Go(func() error { return e.feed.Run(gctx) })
		if every := e.cfg.CoreAPI.HealthCheckInterval(); every > 0 {
			g.Go(func() error { return e.watchCore(gctx, every) })
		}
	}
	g.Go(func() error { return e.acceptLoop(gctx, ln) })
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})

	err = g.Wait()
	e.drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// maintainLink brings one interbank link up, retrying on a backoff
// schedule until it connects or the engine stops. Once up, the
// channel's own reconnect machinery takes over.
func (e *Engine) maintainLink(ctx context.Context, ch *fisc.Channel) error {
	pol := fisc.DefaultRetryPolicy()
	for attempt := 0; ; attempt++ {
		err := ch.Connect(ctx)
		switch {
		case err == nil, errors.Is(err, fisc.ErrAlreadyConnected), errors.Is(err, fisc.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		}
		delay := pol.Delay(attempt)
		e.log.Warn().Err(err).Str("channel", ch.ID()).Dur("retry_in", delay).Msg("link connect failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// watchLink polls one link's state and publishes transitions on the
// connections stream.
func (e *Engine) watchLink(ctx context.Context, ch *fisc.Channel, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()

	last := ch.State().String()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cur := ch.State().String()
			if cur != last {
				e.feed.LinkState(ch.ID(), last, cur)
				last = cur
			}
		}
	}
}

// watchCore polls the core gateway health and publishes transitions on
// the connections stream, same as the interbank links. The core starts
// out assumed up; the first failed check publishes the drop.
func (e *Engine) watchCore(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()

	const id = "coreapi"
	last := "SERVING"
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cur := "SERVING"
			if err := e.core.Healthy(ctx); err != nil {
				cur = "DOWN"
				e.log.Debug().Err(err).Msg("core health check failed")
			}
			if cur != last {
				e.feed.LinkState(id, last, cur)
				last = cur
			}
		}
	}
}

// drain finishes the shutdown: in-flight conversations get the
// configured budget to complete, then the links sign off.
func (e *Engine) drain() {
	grace := e.cfg.Connection.GracefulShutdownTimeout()

	done := make(chan struct{})
	go func() {
		e.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		e.log.Warn().Int32("open", e.conns.Load()).Msg("shutdown budget spent with conversations open")
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := e.links.CloseAll(ctx); err != nil {
		e.log.Warn().Err(err).Msg("links did not close cleanly")
	}
}

// Close releases what Run does not own: the transaction store and the
// core api client. Call it after Run returns.
func (e *Engine) Close() error {
	var errs []error
	if e.core != nil {
		if err := e.core.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Addr reports the bound listener address, empty before Run.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return ""
	}
	return e.ln.Addr().String()
}

// Links exposes the interbank channel registry.
func (e *Engine) Links() *fisc.Registry { return e.links }

// Repository exposes the transaction store.
func (e *Engine) Repository() storage.Repository { return e.repo }

// Keys exposes the key manager for the key management tooling.
func (e *Engine) Keys() *keystore.Manager { return e.keys }

// Feed exposes the monitor feed, nil when monitoring is disabled.
func (e *Engine) Feed() *monitor.Feed { return e.feed }
