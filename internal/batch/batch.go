// Package batch runs bulk transaction submissions with bounded
// parallelism. Parallelism 1 degenerates to strictly ordered
// sequential execution; anything above it bounds in-flight work with
// a weighted semaphore.
package batch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/linhsiu/gofepd/internal/txn"
)

// Runner executes one transaction end to end. The engine's ingress
// path satisfies this; tests plug in fakes.
type Runner interface {
	Run(ctx context.Context, req *txn.Request) (*txn.Response, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req *txn.Request) (*txn.Response, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req *txn.Request) (*txn.Response, error) {
	return f(ctx, req)
}

// Status is the terminal state of a batch run.
type Status int

const (
	// StatusCompleted means every transaction was approved.
	StatusCompleted Status = iota
	// StatusCompletedWithErrors means a mix of approvals and failures.
	StatusCompletedWithErrors
	// StatusFailed means not a single transaction succeeded.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "COMPLETED"
	case StatusCompletedWithErrors:
		return "COMPLETED_WITH_ERRORS"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Request is one bulk submission.
type Request struct {
	// ID names the batch in events and logs; empty gets a generated one.
	ID string
	// Type is the declared transaction type of the file, informational.
	Type txn.Type
	// Transactions run in slice order when sequential.
	Transactions []*txn.Request
	// ContinueOnError keeps going past item failures. When false the
	// first failure aborts the rest of the batch.
	ContinueOnError bool
	// Parallelism is the requested in-flight bound. It is clamped to
	// [1, Config.MaxParallelism].
	Parallelism int
}

// ItemError records one failed transaction inside a batch.
type ItemError struct {
	Index         int
	TransactionID string
	Code          txn.ResponseCode
	Err           error
}

func (e ItemError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "declined with code " + string(e.Code)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e ItemError) Unwrap() error { return e.Err }

// Result is the terminal accounting for one batch.
type Result struct {
	BatchID   string
	Status    Status
	Total     int
	Succeeded int
	Failed    int
	// Skipped counts transactions never attempted because the batch
	// aborted first.
	Skipped int
	Errors  []ItemError
	// Responses is index-aligned with the request's Transactions;
	// skipped slots stay nil.
	Responses []*txn.Response
	Elapsed   time.Duration
}

// Listener observes batch progress. Calls arrive from worker
// goroutines; implementations must be safe for concurrent use and
// return quickly.
type Listener interface {
	BatchStarted(br *Request)
	// BatchProgress is throttled to decile boundaries: it fires once
	// per 10% of the batch completed.
	BatchProgress(batchID string, done, total int)
	ItemCompleted(batchID string, index int, resp *txn.Response, err error)
	BatchCompleted(res *Result)
	BatchFailed(res *Result, err error)
}

// Config bounds the processor.
type Config struct {
	// MaxParallelism caps the per-batch bound regardless of what the
	// request asks for.
	MaxParallelism int
	// ItemTimeout bounds each transaction. Zero leaves items bounded
	// only by the batch context.
	ItemTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 16
	}
	return c
}

// Processor executes batches against a Runner. One Processor serves
// many batches; Run is safe for concurrent use.
type Processor struct {
	cfg       Config
	runner    Runner
	log       zerolog.Logger
	listeners []Listener
}

// New builds a batch processor over the given runner.
func New(cfg Config, runner Runner, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:    cfg.withDefaults(),
		runner: runner,
		log:    log.With().Str("component", "batch").Logger(),
	}
}

// AddListener attaches a progress listener. Not safe to call
// concurrently with Run.
func (p *Processor) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// run carries the mutable state of one batch execution.
type run struct {
	req       *Request
	total     int
	responses []*txn.Response

	mu   sync.Mutex
	errs []ItemError

	done       atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	lastDecile atomic.Int32
}

// Run executes one batch and reports the terminal accounting. The
// returned error is non-nil only when the request is unusable or the
// caller's context ended the batch early; item failures are carried
// in the Result.
func (p *Processor) Run(ctx context.Context, breq *Request) (*Result, error) {
	if breq == nil || len(breq.Transactions) == 0 {
		return nil, txn.Errorf(txn.CategoryValidation, "batch has no transactions")
	}
	if breq.ID == "" {
		breq.ID = uuid.NewString()
	}
	par := breq.Parallelism
	if par < 1 {
		par = 1
	}
	if par > p.cfg.MaxParallelism {
		par = p.cfg.MaxParallelism
	}

	started := time.Now()
	r := &run{
		req:       breq,
		total:     len(breq.Transactions),
		responses: make([]*txn.Response, len(breq.Transactions)),
	}
	p.log.Info().
		Str("batch_id", breq.ID).
		Str("type", string(breq.Type)).
		Int("size", r.total).
		Int("parallelism", par).
		Bool("continue_on_error", breq.ContinueOnError).
		Msg("batch started")
	for _, l := range p.listeners {
		l.BatchStarted(breq)
	}

	// runCtx aborts the remaining items on first failure when the
	// request does not tolerate errors.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(par))
	var wg sync.WaitGroup
	for i, req := range breq.Transactions {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(index int, req *txn.Request) {
			defer wg.Done()
			defer sem.Release(1)
			resp, err := p.runOne(runCtx, req)
			p.finishItem(r, index, req, resp, err)
			if (err != nil || (resp != nil && !resp.Approved)) && !breq.ContinueOnError {
				cancel()
			}
		}(i, req)
	}
	wg.Wait()

	res := r.result(breq.ID, time.Since(started))
	if err := ctx.Err(); err != nil {
		err = txn.WrapErr(txn.CategoryTimeout, "batch interrupted", err)
		res.Status = StatusFailed
		p.log.Warn().Str("batch_id", breq.ID).Err(err).
			Int("done", res.Succeeded+res.Failed).Int("total", res.Total).
			Msg("batch interrupted")
		for _, l := range p.listeners {
			l.BatchFailed(res, err)
		}
		return res, err
	}

	evt := p.log.Info()
	if res.Status == StatusFailed {
		evt = p.log.Error()
	}
	evt.Str("batch_id", breq.ID).
		Stringer("status", res.Status).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Dur("elapsed", res.Elapsed).
		Msg("batch finished")

	if res.Status == StatusFailed {
		for _, l := range p.listeners {
			l.BatchFailed(res, nil)
		}
	} else {
		for _, l := range p.listeners {
			l.BatchCompleted(res)
		}
	}
	return res, nil
}

// runOne executes a single transaction with panic containment, so one
// bad item cannot take the whole batch down.
func (p *Processor) runOne(ctx context.Context, req *txn.Request) (resp *txn.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error().Interface("panic", rec).Msg("batch item panicked")
			resp, err = nil, txn.Errorf(txn.CategorySystem, "batch item panicked: %v", rec)
		}
	}()
	if p.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ItemTimeout)
		defer cancel()
	}
	return p.runner.Run(ctx, req)
}

// finishItem records one outcome and emits the item and throttled
// progress events.
func (p *Processor) finishItem(r *run, index int, req *txn.Request, resp *txn.Response, err error) {
	r.responses[index] = resp

	if ie := itemFailure(index, req, resp, err); ie != nil {
		r.failed.Add(1)
		r.mu.Lock()
		r.errs = append(r.errs, *ie)
		r.mu.Unlock()
		p.log.Debug().Str("batch_id", r.req.ID).Int("index", index).
			Str("code", string(ie.Code)).Err(ie.Err).Msg("batch item failed")
	} else {
		r.succeeded.Add(1)
	}

	done := int(r.done.Add(1))
	for _, l := range p.listeners {
		l.ItemCompleted(r.req.ID, index, resp, err)
	}
	p.progress(r, done)
}

// progress fires the listener only when a new 10% decile is crossed.
func (p *Processor) progress(r *run, done int) {
	decile := int32(done * 10 / r.total)
	for {
		prev := r.lastDecile.Load()
		if decile <= prev {
			return
		}
		if r.lastDecile.CompareAndSwap(prev, decile) {
			for _, l := range p.listeners {
				l.BatchProgress(r.req.ID, done, r.total)
			}
			return
		}
	}
}

// itemFailure classifies one outcome; nil means the item succeeded.
func itemFailure(index int, req *txn.Request, resp *txn.Response, err error) *ItemError {
	id := req.ID.String()
	switch {
	case err != nil:
		return &ItemError{Index: index, TransactionID: id, Code: txn.CodeFor(err), Err: err}
	case resp == nil:
		return &ItemError{Index: index, TransactionID: id, Code: txn.CodeSystemMalfunction}
	case !resp.Approved:
		return &ItemError{Index: index, TransactionID: id, Code: resp.Code}
	default:
		return nil
	}
}

func (r *run) result(id string, elapsed time.Duration) *Result {
	// Workers append in completion order; report in input order.
	sort.Slice(r.errs, func(i, j int) bool { return r.errs[i].Index < r.errs[j].Index })
	succeeded := int(r.succeeded.Load())
	failed := int(r.failed.Load())
	res := &Result{
		BatchID:   id,
		Total:     r.total,
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   r.total - succeeded - failed,
		Errors:    r.errs,
		Responses: r.responses,
		Elapsed:   elapsed,
	}
	switch {
	case failed == 0 && res.Skipped == 0:
		res.Status = StatusCompleted
	case succeeded == 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusCompletedWithErrors
	}
	return res
}
