package monitor

import (
	"strconv"
	"time"

	"github.com/linhsiu/gofepd/internal/batch"
	"github.com/linhsiu/gofepd/internal/pipeline"
	"github.com/linhsiu/gofepd/internal/security/pan"
	"github.com/linhsiu/gofepd/internal/txn"
)

// PipelineEvents streams transaction outcomes. Per-stage hooks stay
// silent so feed volume tracks traffic, not stages.
type PipelineEvents struct {
	feed *Feed
}

// NewPipelineEvents adapts the feed to the pipeline listener contract.
func NewPipelineEvents(f *Feed) *PipelineEvents {
	return &PipelineEvents{feed: f}
}

func (*PipelineEvents) PipelineStarted(*pipeline.Context)                               {}
func (*PipelineEvents) StageStarted(*pipeline.Context, pipeline.Stage)                  {}
func (*PipelineEvents) StageCompleted(*pipeline.Context, pipeline.Stage, time.Duration) {}

// PipelineCompleted publishes the outcome of a successful run. Failed
// runs already published through PipelineFailed.
func (p *PipelineEvents) PipelineCompleted(pc *pipeline.Context) {
	if pc.Failed() {
		return
	}
	p.feed.Publish(Event{
		Stream: StreamTransactions,
		Type:   "completed",
		Fields: transactionFields(pc),
	})
}

// PipelineFailed publishes the mapped failure.
func (p *PipelineEvents) PipelineFailed(pc *pipeline.Context, err error) {
	fields := transactionFields(pc)
	fields["error"] = err.Error()
	fields["category"] = txn.CategoryOf(err).String()
	p.feed.Publish(Event{
		Stream: StreamTransactions,
		Type:   "failed",
		Fields: fields,
	})
}

func transactionFields(pc *pipeline.Context) map[string]string {
	fields := make(map[string]string, 10)
	if req := pc.Request; req != nil {
		fields["type"] = string(req.Type)
		fields["channel"] = string(req.Channel)
		fields["stan"] = req.STAN
		fields["rrn"] = req.RRN
		fields["terminal"] = req.TerminalID
		if req.PAN != "" {
			fields["pan"] = pan.Mask(req.PAN)
		}
	}
	if resp := pc.Response; resp != nil {
		fields["code"] = string(resp.Code)
		fields["approved"] = strconv.FormatBool(resp.Approved)
		fields["elapsed_ms"] = strconv.FormatInt(resp.Elapsed.Milliseconds(), 10)
	}
	if pc.Destination != "" {
		fields["destination"] = pc.Destination
	}
	return fields
}

// BatchEvents streams bulk-run progress. Item completions publish only
// on failure; successes would flood the feed.
type BatchEvents struct {
	feed *Feed
}

// NewBatchEvents adapts the feed to the batch listener contract.
func NewBatchEvents(f *Feed) *BatchEvents {
	return &BatchEvents{feed: f}
}

// BatchStarted announces a new run.
func (b *BatchEvents) BatchStarted(br *batch.Request) {
	b.feed.Publish(Event{
		Stream: StreamBatches,
		Type:   "started",
		Fields: map[string]string{
			"batch": br.ID,
			"type":  string(br.Type),
			"total": strconv.Itoa(len(br.Transactions)),
		},
	})
}

// BatchProgress republishes the decile ticks.
func (b *BatchEvents) BatchProgress(batchID string, done, total int) {
	b.feed.Publish(Event{
		Stream: StreamBatches,
		Type:   "progress",
		Fields: map[string]string{
			"batch": batchID,
			"done":  strconv.Itoa(done),
			"total": strconv.Itoa(total),
		},
	})
}

// ItemCompleted publishes failed items only.
func (b *BatchEvents) ItemCompleted(batchID string, index int, resp *txn.Response, err error) {
	if err == nil && (resp == nil || resp.Approved) {
		return
	}
	fields := map[string]string{
		"batch": batchID,
		"index": strconv.Itoa(index),
	}
	if resp != nil {
		fields["code"] = string(resp.Code)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	b.feed.Publish(Event{Stream: StreamBatches, Type: "item_failed", Fields: fields})
}

// BatchCompleted publishes the final tally.
func (b *BatchEvents) BatchCompleted(res *batch.Result) {
	b.feed.Publish(Event{Stream: StreamBatches, Type: "completed", Fields: batchFields(res)})
}

// BatchFailed publishes an aborted run.
func (b *BatchEvents) BatchFailed(res *batch.Result, err error) {
	fields := batchFields(res)
	if err != nil {
		fields["error"] = err.Error()
	}
	b.feed.Publish(Event{Stream: StreamBatches, Type: "failed", Fields: fields})
}

func batchFields(res *batch.Result) map[string]string {
	return map[string]string{
		"batch":      res.BatchID,
		"status":     res.Status.String(),
		"total":      strconv.Itoa(res.Total),
		"succeeded":  strconv.Itoa(res.Succeeded),
		"failed":     strconv.Itoa(res.Failed),
		"skipped":    strconv.Itoa(res.Skipped),
		"elapsed_ms": strconv.FormatInt(res.Elapsed.Milliseconds(), 10),
	}
}

// LinkState publishes an interbank link transition on the connections
// stream.
func (f *Feed) LinkState(name, from, to string) {
	f.Publish(Event{
		Stream: StreamConnections,
		Type:   "state_change",
		Fields: map[string]string{"link": name, "from": from, "to": to},
	})
}

var (
	_ pipeline.Listener = (*PipelineEvents)(nil)
	_ batch.Listener    = (*BatchEvents)(nil)
)
