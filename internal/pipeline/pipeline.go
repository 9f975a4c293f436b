// Package pipeline runs a request through the fixed stage progression
// RECEIVE → PARSE → DUPLICATE_CHECK → SECURITY_CHECK → VALIDATION →
// ROUTING → PROCESSING → RESPONSE → AUDIT → COMPLETE. Errors anywhere
// are mapped to a response code at this boundary; AUDIT runs no matter
// how the earlier stages ended.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/txn"
)

// Handler is one unit of stage work. Handlers may mutate the context,
// stop further processing, or fail with a categorized error.
type Handler interface {
	Name() string
	Handle(pc *Context) error
}

type funcHandler struct {
	name string
	fn   func(pc *Context) error
}

func (h funcHandler) Name() string             { return h.name }
func (h funcHandler) Handle(pc *Context) error { return h.fn(pc) }

// NewHandler wraps a function as a named handler.
func NewHandler(name string, fn func(pc *Context) error) Handler {
	return funcHandler{name: name, fn: fn}
}

// Listener observes pipeline progress. Implementations are
// side-effect-only and must return quickly; they cannot alter flow.
type Listener interface {
	PipelineStarted(pc *Context)
	StageStarted(pc *Context, s Stage)
	StageCompleted(pc *Context, s Stage, took time.Duration)
	PipelineCompleted(pc *Context)
	PipelineFailed(pc *Context, err error)
}

// Pipeline is the stage engine. Register handlers at boot; Run is safe
// for concurrent use afterwards.
type Pipeline struct {
	log       zerolog.Logger
	handlers  map[Stage][]Handler
	listeners []Listener
}

// New returns an empty pipeline.
func New(log zerolog.Logger) *Pipeline {
	return &Pipeline{
		log:      log.With().Str("component", "pipeline").Logger(),
		handlers: make(map[Stage][]Handler),
	}
}

// Register appends a handler to a stage. Not safe to call concurrently
// with Run.
func (p *Pipeline) Register(s Stage, h Handler) {
	p.handlers[s] = append(p.handlers[s], h)
}

// RegisterFunc appends a function handler to a stage.
func (p *Pipeline) RegisterFunc(s Stage, name string, fn func(pc *Context) error) {
	p.Register(s, NewHandler(name, fn))
}

// AddListener attaches a progress listener. Not safe to call
// concurrently with Run.
func (p *Pipeline) AddListener(l Listener) {
	p.listeners = append(p.listeners, l)
}

// Run drives one request through all stages and always returns a
// context whose Response is set: the handler-produced one, a replayed
// duplicate, or the mapped error response.
func (p *Pipeline) Run(ctx context.Context, raw []byte, req *txn.Request) *Context {
	pc := newContext(ctx, raw, req)
	for _, l := range p.listeners {
		l.PipelineStarted(pc)
	}

	for _, stage := range executionOrder {
		if !pc.proceed {
			break
		}
		if err := ctx.Err(); err != nil {
			p.fail(pc, txn.WrapErr(txn.CategoryTimeout, "request context expired", err))
			break
		}
		if err := p.runStage(pc, stage); err != nil {
			p.fail(pc, err)
			break
		}
	}

	// AUDIT runs on every path. A failing audit handler must not
	// replace the business outcome; it is logged and dropped.
	if err := p.runStage(pc, StageAudit); err != nil {
		p.log.Error().Err(err).Msg("audit stage failed")
	}

	pc.finishedAt = time.Now()
	if pc.Response != nil && pc.Response.Elapsed == 0 {
		pc.Response.Elapsed = pc.Elapsed()
	}
	for _, l := range p.listeners {
		l.PipelineCompleted(pc)
	}
	return pc
}

func (p *Pipeline) runStage(pc *Context, stage Stage) error {
	for _, l := range p.listeners {
		l.StageStarted(pc, stage)
	}
	start := time.Now()
	var err error
	for _, h := range p.handlers[stage] {
		if err = p.runHandler(pc, stage, h); err != nil {
			break
		}
		if !pc.proceed && stage != StageAudit {
			break
		}
	}
	took := time.Since(start)
	pc.elapsed[stage] = took
	for _, l := range p.listeners {
		l.StageCompleted(pc, stage, took)
	}
	return err
}

// runHandler invokes one handler with panic containment: a panicking
// handler becomes a system error, it cannot take the process down.
func (p *Pipeline) runHandler(pc *Context, stage Stage, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Stringer("stage", stage).Str("handler", h.Name()).
				Interface("panic", r).Msg("handler panicked")
			err = txn.Errorf(txn.CategorySystem, "handler %s panicked: %v", h.Name(), r)
		}
	}()
	if err := h.Handle(pc); err != nil {
		return fmt.Errorf("stage %s handler %s: %w", stage, h.Name(), err)
	}
	return nil
}

// fail records the terminal error and synthesizes the mapped response.
func (p *Pipeline) fail(pc *Context, err error) {
	pc.Err = err
	code := txn.CodeFor(err)
	if pc.Request != nil {
		pc.Response = txn.NewResponse(pc.Request, code)
	} else {
		pc.Response = &txn.Response{Code: code, RespondedAt: time.Now()}
	}

	evt := p.log.Warn()
	if txn.CategoryOf(err) == txn.CategorySystem {
		evt = p.log.Error()
	}
	evt.Err(err).
		Stringer("category", txn.CategoryOf(err)).
		Str("code", string(code)).
		Msg("pipeline failed")

	for _, l := range p.listeners {
		l.PipelineFailed(pc, err)
	}
}
