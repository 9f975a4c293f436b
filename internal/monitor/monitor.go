// Package monitor serves a websocket feed of gateway events for
// operator consoles: transaction outcomes, batch progress, link state
// changes. Clients subscribe to named streams; card numbers are masked
// before an event enters the feed.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream groups feed events by subject.
type Stream string

const (
	StreamTransactions Stream = "transactions"
	StreamBatches      Stream = "batches"
	StreamConnections  Stream = "connections"
	StreamSystem       Stream = "system"
)

var allStreams = []Stream{StreamTransactions, StreamBatches, StreamConnections, StreamSystem}

// Event is one feed item.
type Event struct {
	Stream Stream            `json:"stream"`
	Type   string            `json:"type"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Config bounds the feed server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:8089".
	Addr string

	// SendBuffer is the per-connection outbound queue. A consumer that
	// falls this far behind starts losing events rather than slowing
	// the gateway.
	SendBuffer int

	// ReadLimit caps inbound frames; clients only send small commands.
	ReadLimit int64

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8089",
		SendBuffer:   64,
		ReadLimit:    4 * 1024,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 * 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 54 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// Feed is the websocket hub. Publish fans an event out to every
// session subscribed to its stream without ever blocking the caller.
type Feed struct {
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	addr     string

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// session is one connected feed consumer.
type session struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.RWMutex
	streams map[Stream]bool
}

func (s *session) subscribed(st Stream) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[st]
}

func (s *session) setStreams(streams []Stream, on bool) []Stream {
	if len(streams) == 0 {
		streams = allStreams
	}
	s.mu.Lock()
	for _, st := range streams {
		if on {
			s.streams[st] = true
		} else {
			delete(s.streams, st)
		}
	}
	current := make([]Stream, 0, len(s.streams))
	for st := range s.streams {
		current = append(current, st)
	}
	s.mu.Unlock()
	return current
}

// New builds a feed hub.
func New(cfg Config, log zerolog.Logger) *Feed {
	cfg = cfg.withDefaults()
	return &Feed{
		cfg: cfg,
		log: log.With().Str("component", "monitor").Logger(),
		upgrader: websocket.Upgrader{
			// The feed binds to the operator network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Publish fans one event out. Slow consumers lose events, counted in
// Dropped. Safe for concurrent use.
func (f *Feed) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Error().Err(err).Str("stream", string(ev.Stream)).Msg("unmarshalable event")
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sessions {
		if !s.subscribed(ev.Stream) {
			continue
		}
		select {
		case s.send <- data:
		default:
			f.dropped.Add(1)
			f.log.Warn().Str("session", s.id).Str("stream", string(ev.Stream)).
				Msg("slow feed consumer, event dropped")
		}
	}
}

// ServeHTTP upgrades one request and runs the session until either
// side closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      fmt.Sprintf("ws-%06d", f.nextID.Add(1)),
		conn:    conn,
		send:    make(chan []byte, f.cfg.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[Stream]bool),
	}

	f.mu.Lock()
	f.sessions[s.id] = s
	f.mu.Unlock()
	f.log.Info().Str("session", s.id).Str("remote", r.RemoteAddr).Msg("feed session opened")

	go f.writeLoop(s)
	go f.readLoop(s)
}

// command is the client-to-feed frame. An empty stream list means all
// streams.
type command struct {
	Command string   `json:"command"`
	Streams []Stream `json:"streams,omitempty"`
}

// ack is the feed-to-client answer for a command.
type ack struct {
	Type    string   `json:"type"`
	Streams []Stream `json:"streams,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (f *Feed) readLoop(s *session) {
	defer f.drop(s)

	s.conn.SetReadLimit(f.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(f.cfg.PongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Warn().Err(err).Str("session", s.id).Msg("feed read failed")
			}
			return
		}
		f.handleCommand(s, message)
	}
}

func (f *Feed) handleCommand(s *session, message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		f.push(s, ack{Type: "error", Error: "invalid JSON: " + err.Error()})
		return
	}
	switch cmd.Command {
	case "subscribe":
		current := s.setStreams(cmd.Streams, true)
		f.push(s, ack{Type: "subscribed", Streams: current})
	case "unsubscribe":
		current := s.setStreams(cmd.Streams, false)
		f.push(s, ack{Type: "unsubscribed", Streams: current})
	default:
		f.push(s, ack{Type: "error", Error: fmt.Sprintf("unknown command %q", cmd.Command)})
	}
}

// push queues a control frame, closing the session if it cannot keep
// up even with those.
func (f *Feed) push(s *session, a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	default:
		f.drop(s)
	}
}

func (f *Feed) writeLoop(s *session) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	defer f.drop(s)

	for {
		select {
		case <-s.ctx.Done():
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop closes a session exactly once and forgets it.
func (f *Feed) drop(s *session) {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		f.mu.Lock()
		delete(f.sessions, s.id)
		f.mu.Unlock()
		f.log.Info().Str("session", s.id).Msg("feed session closed")
	})
}

// Run serves the feed on cfg.Addr until ctx is canceled.
func (f *Feed) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", f.cfg.Addr)
	if err != nil {
		return fmt.Errorf("monitor: listen %s: %w", f.cfg.Addr, err)
	}
	f.mu.Lock()
	f.addr = lis.Addr().String()
	f.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/events", f)
	srv := &http.Server{Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(lis) }()
	f.log.Info().Str("addr", f.addr).Msg("monitor feed listening")

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		f.closeAll()
		return nil
	case err := <-errc:
		return fmt.Errorf("monitor: serve: %w", err)
	}
}

// Addr returns the bound address once Run has started listening.
func (f *Feed) Addr() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.addr
}

// SessionCount returns the number of connected consumers.
func (f *Feed) SessionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}

// Dropped returns how many events were lost to slow consumers.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	sessions := make([]*session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	f.mu.Unlock()
	for _, s := range sessions {
		f.drop(s)
	}
}
