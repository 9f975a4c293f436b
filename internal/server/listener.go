package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/txn"
)

// acceptLoop owns the listener. Each accepted socket gets one goroutine
// and runs one conversation at a time: a terminal sends a frame and
// waits for its answer before the next, so there is nothing to
// multiplex per connection.
func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		n := e.conns.Add(1)
		if max := e.cfg.Server.MaxConns; max > 0 && int(n) > max {
			e.conns.Add(-1)
			raw.Close()
			e.log.Warn().Str("remote", raw.RemoteAddr().String()).Int("max", max).
				Msg("connection limit reached, refusing")
			continue
		}
		e.connWG.Add(1)
		go e.serveConn(ctx, raw)
	}
}

// serveConn runs the frame-reply loop for one terminal socket.
func (e *Engine) serveConn(ctx context.Context, raw net.Conn) {
	defer e.connWG.Done()
	defer e.conns.Add(-1)

	// Unblock the read when the engine stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-done:
		}
	}()

	conn := fisc.NewFramedConn(raw, e.cfg.Server.ReadTimeout(), e.cfg.Server.WriteTimeout())
	log := e.log.With().Str("remote", conn.Remote()).Logger()
	log.Debug().Msg("terminal connected")

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("terminal read ended")
			}
			return
		}

		reply, err := e.Handle(ctx, frame)
		if err != nil {
			log.Warn().Err(err).Msg("frame dropped")
			if txn.CategoryOf(err) == txn.CategoryParse {
				// Stream position is suspect after a frame that would
				// not decode; cut the socket and let the terminal
				// reconnect.
				return
			}
			continue
		}
		if err := conn.WriteFrame(reply); err != nil {
			log.Warn().Err(err).Msg("reply write failed")
			return
		}
	}
}
