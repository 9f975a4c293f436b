package pipeline

import (
	"context"
	"time"

	"github.com/linhsiu/gofepd/internal/txn"
)

// Context carries one request through the stages. It is owned by the
// goroutine running the pipeline and is not safe for concurrent use;
// listeners receive it read-only.
type Context struct {
	reqCtx context.Context

	// Request is the parsed transaction. PARSE handlers populate it
	// from the raw payload.
	Request *txn.Request

	// Response is the in-flight outcome. PROCESSING sets it, RESPONSE
	// handlers may reshape it, error mapping synthesizes it.
	Response *txn.Response

	// Destination is the routing result, set by ROUTING handlers.
	Destination string

	// Raw is the ingress payload as received from the channel.
	Raw []byte

	// Err is the terminal error when the pipeline failed.
	Err error

	startedAt  time.Time
	finishedAt time.Time
	elapsed    map[Stage]time.Duration
	attrs      map[string]any
	proceed    bool
}

func newContext(ctx context.Context, raw []byte, req *txn.Request) *Context {
	return &Context{
		reqCtx:    ctx,
		Request:   req,
		Raw:       raw,
		startedAt: time.Now(),
		elapsed:   make(map[Stage]time.Duration, len(stageNames)),
		attrs:     make(map[string]any),
		proceed:   true,
	}
}

// Context returns the cancellation context of the request.
func (pc *Context) Context() context.Context { return pc.reqCtx }

// StopProcessing short-circuits the remaining stages. AUDIT still runs.
func (pc *Context) StopProcessing() { pc.proceed = false }

// Proceeding reports whether later stages will still run.
func (pc *Context) Proceeding() bool { return pc.proceed }

// SetAttribute stores an arbitrary cross-stage value.
func (pc *Context) SetAttribute(key string, v any) {
	pc.attrs[key] = v
}

// Attribute returns a cross-stage value.
func (pc *Context) Attribute(key string) (any, bool) {
	v, ok := pc.attrs[key]
	return v, ok
}

// StageElapsed returns the recorded duration of one stage.
func (pc *Context) StageElapsed(s Stage) time.Duration { return pc.elapsed[s] }

// Elapsed is the total pipeline wall time.
func (pc *Context) Elapsed() time.Duration {
	if pc.finishedAt.IsZero() {
		return time.Since(pc.startedAt)
	}
	return pc.finishedAt.Sub(pc.startedAt)
}

// Failed reports whether the pipeline terminated on an error.
func (pc *Context) Failed() bool { return pc.Err != nil }
