package monitor

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/batch"
	"github.com/linhsiu/gofepd/internal/pipeline"
	"github.com/linhsiu/gofepd/internal/txn"
)

// frame covers both command acks and events on the client side.
type frame struct {
	Type    string            `json:"type,omitempty"`
	Streams []Stream          `json:"streams,omitempty"`
	Error   string            `json:"error,omitempty"`
	Stream  Stream            `json:"stream,omitempty"`
	At      time.Time         `json:"at,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func startFeed(t *testing.T) (*Feed, *websocket.Conn) {
	t.Helper()
	f := New(Config{}, zerolog.Nop())
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return f, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var fr frame
	require.NoError(t, conn.ReadJSON(&fr))
	return fr
}

func subscribe(t *testing.T, conn *websocket.Conn, streams ...Stream) frame {
	t.Helper()
	require.NoError(t, conn.WriteJSON(command{Command: "subscribe", Streams: streams}))
	fr := readFrame(t, conn)
	require.Equal(t, "subscribed", fr.Type)
	return fr
}

func TestFeedDeliversSubscribedStream(t *testing.T) {
	f, conn := startFeed(t)

	ackFr := subscribe(t, conn, StreamTransactions)
	assert.Equal(t, []Stream{StreamTransactions}, ackFr.Streams)

	f.Publish(Event{
		Stream: StreamTransactions,
		Type:   "completed",
		Fields: map[string]string{"stan": "000001", "code": "00"},
	})

	fr := readFrame(t, conn)
	assert.Equal(t, StreamTransactions, fr.Stream)
	assert.Equal(t, "completed", fr.Type)
	assert.Equal(t, "000001", fr.Fields["stan"])
	assert.False(t, fr.At.IsZero())

	// A stream the session never subscribed to is filtered out: the
	// next delivered frame skips straight to the second publish.
	f.Publish(Event{Stream: StreamBatches, Type: "started"})
	f.Publish(Event{Stream: StreamTransactions, Type: "failed"})

	fr = readFrame(t, conn)
	assert.Equal(t, StreamTransactions, fr.Stream)
	assert.Equal(t, "failed", fr.Type)
}

func TestFeedSubscribeAllByDefault(t *testing.T) {
	_, conn := startFeed(t)

	ackFr := subscribe(t, conn)
	assert.ElementsMatch(t, allStreams, ackFr.Streams)
}

func TestFeedUnsubscribe(t *testing.T) {
	f, conn := startFeed(t)

	subscribe(t, conn)
	require.NoError(t, conn.WriteJSON(command{Command: "unsubscribe", Streams: []Stream{StreamTransactions}}))
	fr := readFrame(t, conn)
	require.Equal(t, "unsubscribed", fr.Type)
	assert.Len(t, fr.Streams, len(allStreams)-1)
	assert.NotContains(t, fr.Streams, StreamTransactions)

	f.Publish(Event{Stream: StreamTransactions, Type: "completed"})
	f.Publish(Event{Stream: StreamBatches, Type: "started"})

	fr = readFrame(t, conn)
	assert.Equal(t, StreamBatches, fr.Stream)
}

func TestFeedRejectsBadCommands(t *testing.T) {
	_, conn := startFeed(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	fr := readFrame(t, conn)
	assert.Equal(t, "error", fr.Type)
	assert.Contains(t, fr.Error, "invalid JSON")

	require.NoError(t, conn.WriteJSON(command{Command: "nope"}))
	fr = readFrame(t, conn)
	assert.Equal(t, "error", fr.Type)
	assert.Contains(t, fr.Error, "unknown command")

	// The session survives bad commands.
	subscribe(t, conn, StreamSystem)
}

func TestFeedDropsWhenConsumerStalls(t *testing.T) {
	f := New(Config{SendBuffer: 1}, zerolog.Nop())

	// A session whose writer never drains: the queue holds one event,
	// everything beyond is dropped instead of blocking Publish.
	s := &session{
		id:      "stalled",
		send:    make(chan []byte, 1),
		streams: map[Stream]bool{StreamSystem: true},
	}
	f.sessions[s.id] = s

	f.Publish(Event{Stream: StreamSystem, Type: "one"})
	f.Publish(Event{Stream: StreamSystem, Type: "two"})
	f.Publish(Event{Stream: StreamSystem, Type: "three"})

	assert.Equal(t, uint64(2), f.Dropped())
	assert.Len(t, s.send, 1)
}

func TestFeedRunServesAndStops(t *testing.T) {
	f := New(Config{Addr: "127.0.0.1:0"}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return f.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+f.Addr()+"/events", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	subscribe(t, conn, StreamSystem)
	f.Publish(Event{Stream: StreamSystem, Type: "hello"})
	fr := readFrame(t, conn)
	assert.Equal(t, "hello", fr.Type)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("feed did not stop")
	}
	assert.Equal(t, 0, f.SessionCount())
}

func TestPipelineEventsMaskAndPublish(t *testing.T) {
	f, conn := startFeed(t)
	subscribe(t, conn, StreamTransactions)

	events := NewPipelineEvents(f)

	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.STAN = "000009"
	req.RRN = "000000000009"
	req.TerminalID = "ATM00001"
	resp := txn.NewResponse(req, txn.CodeApproved)
	resp.Elapsed = 42 * time.Millisecond

	pc := &pipeline.Context{Request: req, Response: resp, Destination: "FISC_INTERBANK"}
	events.PipelineCompleted(pc)

	fr := readFrame(t, conn)
	assert.Equal(t, "completed", fr.Type)
	assert.Equal(t, "411111******1111", fr.Fields["pan"], "feed must only ever carry masked PANs")
	assert.Equal(t, "WITHDRAWAL", fr.Fields["type"])
	assert.Equal(t, "true", fr.Fields["approved"])
	assert.Equal(t, "42", fr.Fields["elapsed_ms"])
	assert.Equal(t, "FISC_INTERBANK", fr.Fields["destination"])

	failErr := txn.Errorf(txn.CategorySecurity, "mac mismatch")
	failed := &pipeline.Context{Request: req, Err: failErr}
	events.PipelineFailed(failed, failErr)

	fr = readFrame(t, conn)
	assert.Equal(t, "failed", fr.Type)
	assert.Equal(t, "SECURITY", fr.Fields["category"])
	assert.Contains(t, fr.Fields["error"], "mac mismatch")

	// A failed run publishes once: PipelineCompleted stays silent when
	// the context carries an error.
	events.PipelineCompleted(failed)
	f.Publish(Event{Stream: StreamTransactions, Type: "sentinel"})
	fr = readFrame(t, conn)
	assert.Equal(t, "sentinel", fr.Type)
}

func TestBatchEventsPublish(t *testing.T) {
	f, conn := startFeed(t)
	subscribe(t, conn, StreamBatches)

	events := NewBatchEvents(f)

	events.BatchStarted(&batch.Request{
		ID:           "B0001",
		Type:         txn.Transfer,
		Transactions: make([]*txn.Request, 3),
	})
	fr := readFrame(t, conn)
	assert.Equal(t, "started", fr.Type)
	assert.Equal(t, "B0001", fr.Fields["batch"])
	assert.Equal(t, "3", fr.Fields["total"])

	events.BatchProgress("B0001", 2, 3)
	fr = readFrame(t, conn)
	assert.Equal(t, "progress", fr.Type)
	assert.Equal(t, "2", fr.Fields["done"])

	// Approved items stay off the feed; declines publish.
	req := txn.NewRequest(txn.Transfer, txn.ChannelInternet)
	events.ItemCompleted("B0001", 0, txn.NewResponse(req, txn.CodeApproved), nil)
	events.ItemCompleted("B0001", 1, txn.NewResponse(req, txn.CodeInsufficientFunds), nil)
	fr = readFrame(t, conn)
	assert.Equal(t, "item_failed", fr.Type)
	assert.Equal(t, "1", fr.Fields["index"])
	assert.Equal(t, "51", fr.Fields["code"])

	events.BatchCompleted(&batch.Result{
		BatchID:   "B0001",
		Status:    batch.StatusCompletedWithErrors,
		Total:     3,
		Succeeded: 2,
		Failed:    1,
		Elapsed:   120 * time.Millisecond,
	})
	fr = readFrame(t, conn)
	assert.Equal(t, "completed", fr.Type)
	assert.Equal(t, "COMPLETED_WITH_ERRORS", fr.Fields["status"])
	assert.Equal(t, "120", fr.Fields["elapsed_ms"])
}

func TestLinkStatePublishes(t *testing.T) {
	f, conn := startFeed(t)
	subscribe(t, conn, StreamConnections)

	f.LinkState("fisc-primary", "CONNECTED", "SIGNED_ON")
	fr := readFrame(t, conn)
	assert.Equal(t, "state_change", fr.Type)
	assert.Equal(t, "fisc-primary", fr.Fields["link"])
	assert.Equal(t, "SIGNED_ON", fr.Fields["to"])
}

func TestFeedConcurrentPublish(t *testing.T) {
	f, conn := startFeed(t)
	subscribe(t, conn, StreamSystem)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				f.Publish(Event{Stream: StreamSystem, Type: "tick"})
			}
		}()
	}
	wg.Wait()

	// The default queue absorbs bursts; at least the head of the
	// stream must arrive intact.
	fr := readFrame(t, conn)
	assert.Equal(t, "tick", fr.Type)
}
