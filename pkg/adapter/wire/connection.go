package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nvmux/nvmux/internal/logger"
	proto "github.com/nvmux/nvmux/internal/protocol/wire"
	"github.com/nvmux/nvmux/internal/ratelimiter"
)

// Connection runs the record-framed request/reply cycle for one client.
//
// Replies and server-push notifications share the TCP stream, so every
// outbound record goes through writeRecord, which serializes writers.
// Notifications are produced on driver completion goroutines and may
// interleave with replies at record granularity, never inside one.
type Connection struct {
	server *WireAdapter
	conn   net.Conn

	// writeMu serializes outbound records
	writeMu sync.Mutex

	// session is set by the attach procedure and cleared on detach
	sessionMu sync.Mutex
	session   *Session

	// limiter throttles requests on this connection once attached
	limiter *ratelimiter.RateLimiter
}

func newConnection(server *WireAdapter, conn net.Conn) *Connection {
	return &Connection{
		server:  server,
		conn:    conn,
		limiter: ratelimiter.New(server.config.RateLimit.RPS, server.config.RateLimit.Burst),
	}
}

// Serve handles all requests for this connection until the client
// disconnects, a timeout fires, or the context is cancelled. Panic
// recovery prevents a single misbehaving connection from crashing the
// server.
func (c *Connection) Serve(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in wire connection handler from %s: %v",
				c.conn.RemoteAddr(), r)
		}
		c.closeSession()
		_ = c.conn.Close()
	}()

	clientAddr := c.conn.RemoteAddr().String()
	logger.Debug("new wire connection from %s", clientAddr)

	if c.server.config.IdleTimeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.server.config.IdleTimeout)); err != nil {
			logger.Warn("failed to set deadline for %s: %v", clientAddr, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("connection from %s closed due to context cancellation", clientAddr)
			return
		case <-c.server.shutdown:
			logger.Debug("connection from %s closed due to server shutdown", clientAddr)
			return
		default:
		}

		if err := c.handleRequest(ctx); err != nil {
			if err == io.EOF {
				logger.Debug("connection from %s closed by client", clientAddr)
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Debug("connection from %s timed out: %v", clientAddr, err)
			} else if err == context.Canceled || err == context.DeadlineExceeded {
				logger.Debug("connection from %s cancelled: %v", clientAddr, err)
			} else {
				logger.Debug("error handling request from %s: %v", clientAddr, err)
			}
			return
		}

		if c.server.config.IdleTimeout > 0 {
			if err := c.conn.SetDeadline(time.Now().Add(c.server.config.IdleTimeout)); err != nil {
				logger.Warn("failed to reset deadline for %s: %v", clientAddr, err)
			}
		}
	}
}

// handleRequest reads and dispatches a single call record.
func (c *Connection) handleRequest(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if c.server.config.ReadTimeout > 0 {
		deadline := time.Now().Add(c.server.config.ReadTimeout)
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}

	record, err := proto.ReadRecord(c.conn)
	if err != nil {
		if err != io.EOF {
			logger.Debug("error reading record from %s: %v", c.conn.RemoteAddr(), err)
		}
		return err
	}

	call, err := proto.ReadCall(record)
	if err != nil {
		logger.Debug("error parsing call from %s: %v", c.conn.RemoteAddr(), err)
		return nil
	}

	logger.Debug("wire call: xid=0x%x proc=%d body=%d bytes", call.XID, call.Proc, len(call.Body))

	// The per-session token bucket throttles rather than rejects, so a
	// chatty client slows down instead of seeing spurious failures.
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return c.dispatch(ctx, call)
}

// sendReply encodes and writes a reply record for xid.
func (c *Connection) sendReply(xid, status uint32, body []byte) error {
	reply, err := proto.MakeReply(xid, status, body)
	if err != nil {
		return fmt.Errorf("make reply: %w", err)
	}
	return c.writeRecord(reply)
}

// sendNotification encodes and pushes a completion notification. Called
// from driver completion goroutines.
func (c *Connection) sendNotification(kind, app, value, status uint32, data []byte) {
	note, err := proto.MakeNotification(kind, app, value, status, data)
	if err != nil {
		logger.Error("make notification: %v", err)
		return
	}
	if err := c.writeRecord(note); err != nil {
		logger.Debug("push notification to %s failed: %v", c.conn.RemoteAddr(), err)
		return
	}
	c.server.metrics.RecordNotification(noteName(kind))
}

func noteName(kind uint32) string {
	switch kind {
	case proto.NoteReadDone:
		return "read_done"
	case proto.NoteWriteDone:
		return "write_done"
	case proto.NoteInitDone:
		return "init_done"
	case proto.NoteKernelReadDone:
		return "kernel_read_done"
	case proto.NoteKernelWriteDone:
		return "kernel_write_done"
	default:
		return "unknown"
	}
}

// writeRecord frames and writes one record under the write lock.
func (c *Connection) writeRecord(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.server.config.WriteTimeout > 0 {
		deadline := time.Now().Add(c.server.config.WriteTimeout)
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return proto.WriteRecord(c.conn, data)
}

// setSession installs the session created by attach. Fails if the
// connection is already attached.
func (c *Connection) setSession(s *Session) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session != nil {
		return fmt.Errorf("connection already attached to volume %q", c.session.Volume.Name)
	}
	c.session = s
	return nil
}

// currentSession returns the attached session, or nil.
func (c *Connection) currentSession() *Session {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session
}

// closeSession detaches the session, unbinding its hub sinks so a
// reconnecting client can attach with the same identity.
func (c *Connection) closeSession() {
	c.sessionMu.Lock()
	s := c.session
	c.session = nil
	c.sessionMu.Unlock()

	if s != nil {
		s.close()
		logger.Debug("session %s detached (volume %q, app %d)", s.ID, s.Volume.Name, s.Ident.ID)
	}
}
