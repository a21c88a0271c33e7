// Package client implements a client for the nvmux wire protocol.
//
// Calls are synchronous and correlated by xid; server-push completion
// notifications are surfaced on a channel. One Client drives one
// connection and therefore one session.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/nvmux/nvmux/internal/logger"
	proto "github.com/nvmux/nvmux/internal/protocol/wire"
)

// Notification is one server-push completion.
type Notification struct {
	// Kind is one of the wire notification kinds (read done, write
	// done, initialize done, kernel read/write done).
	Kind uint32

	// App is the application identity the completion belongs to; 0 for
	// kernel completions.
	App uint32

	// Value is the completed byte count.
	Value uint32

	// Err is the decoded failure, nil on success.
	Err error

	// Data carries the bytes of a completed read.
	Data []byte
}

// Client is a wire protocol client. All methods are safe for concurrent
// use; replies are matched to callers by xid.
type Client struct {
	conn net.Conn

	// writeMu serializes outbound records
	writeMu sync.Mutex

	mu      sync.Mutex
	xid     uint32
	pending map[uint32]chan *proto.ReplyMessage
	closed  bool
	readErr error

	notes chan Notification
	done  chan struct{}
}

// Dial connects to a wire server.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[uint32]chan *proto.ReplyMessage),
		notes:   make(chan Notification, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications returns the channel carrying server-push completions.
// The channel is closed when the connection ends. Slow consumers drop
// notifications rather than stalling the read loop.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Close terminates the connection. Pending calls fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// readLoop routes every inbound record: replies to their callers,
// notifications to the channel.
func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for xid, ch := range c.pending {
			close(ch)
			delete(c.pending, xid)
		}
		c.mu.Unlock()
		close(c.notes)
		close(c.done)
	}()

	for {
		record, err := proto.ReadRecord(c.conn)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}

		typ, err := proto.PeekMsgType(record)
		if err != nil {
			logger.Debug("client: malformed record: %v", err)
			continue
		}

		switch typ {
		case proto.MsgReply:
			reply, err := proto.ReadReply(record)
			if err != nil {
				logger.Debug("client: bad reply: %v", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[reply.XID]
			if ok {
				delete(c.pending, reply.XID)
			}
			c.mu.Unlock()
			if ok {
				ch <- reply
			} else {
				logger.Debug("client: reply for unknown xid 0x%x", reply.XID)
			}

		case proto.MsgNotification:
			note, err := proto.ReadNotification(record)
			if err != nil {
				logger.Debug("client: bad notification: %v", err)
				continue
			}
			n := Notification{
				Kind:  note.Kind,
				App:   note.App,
				Value: note.Value,
				Err:   proto.ErrorOf(note.Status),
				Data:  note.Data,
			}
			select {
			case c.notes <- n:
			default:
				logger.Warn("client: notification channel full, dropping kind=%d", note.Kind)
			}

		default:
			logger.Debug("client: unexpected message type %d", typ)
		}
	}
}

// call sends one procedure call and waits for its reply.
func (c *Client) call(ctx context.Context, proc uint32, body []byte) (*proto.ReplyMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed: %w", err)
	}
	c.xid++
	xid := c.xid
	ch := make(chan *proto.ReplyMessage, 1)
	c.pending[xid] = ch
	c.mu.Unlock()

	record, err := proto.MakeCall(xid, proc, body)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	err = proto.WriteRecord(c.conn, record)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, xid)
		c.mu.Unlock()
		return nil, fmt.Errorf("send call: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed waiting for xid 0x%x", xid)
		}
		return reply, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, xid)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// simpleCall runs a procedure whose reply carries only a status.
func (c *Client) simpleCall(ctx context.Context, proc uint32, body []byte) error {
	reply, err := c.call(ctx, proc, body)
	if err != nil {
		return err
	}
	return proto.ErrorOf(reply.Status)
}

// Attach binds the connection to a volume and an application identity.
// A non-empty token requests kernel privilege. Returns the session id.
func (c *Client) Attach(ctx context.Context, volume string, app uint32, token string) (string, error) {
	body, err := proto.EncodeBody(&proto.AttachArgs{Volume: volume, App: app, Token: token})
	if err != nil {
		return "", err
	}
	reply, err := c.call(ctx, proto.ProcAttach, body)
	if err != nil {
		return "", err
	}
	if err := proto.ErrorOf(reply.Status); err != nil {
		return "", err
	}
	var attach proto.AttachReply
	if err := proto.DecodeBody(reply.Body, &attach); err != nil {
		return "", err
	}
	return attach.Session, nil
}

// Probe checks that the volume driver exists and the identity is
// usable.
func (c *Client) Probe(ctx context.Context) error {
	return c.simpleCall(ctx, proto.ProcProbe, nil)
}

// RegionSize returns the session identity's assigned region length.
func (c *Client) RegionSize(ctx context.Context) (uint64, error) {
	reply, err := c.call(ctx, proto.ProcRegionSize, nil)
	if err != nil {
		return 0, err
	}
	if err := proto.ErrorOf(reply.Status); err != nil {
		return 0, err
	}
	var size proto.RegionSizeReply
	if err := proto.DecodeBody(reply.Body, &size); err != nil {
		return 0, err
	}
	return size.Size, nil
}

// Read starts a region read. A nil return means the request was
// admitted; the bytes arrive as a read-done notification.
func (c *Client) Read(ctx context.Context, offset, length uint64) error {
	body, err := proto.EncodeBody(&proto.ReadArgs{Offset: offset, Length: length})
	if err != nil {
		return err
	}
	return c.simpleCall(ctx, proto.ProcRead, body)
}

// Write starts a region write of data. A nil return means the request
// was admitted; completion arrives as a write-done notification.
func (c *Client) Write(ctx context.Context, offset uint64, data []byte) error {
	body, err := proto.EncodeBody(&proto.WriteArgs{
		Offset: offset,
		Length: uint64(len(data)),
		Data:   data,
	})
	if err != nil {
		return err
	}
	return c.simpleCall(ctx, proto.ProcWrite, body)
}

// Initialize requests a durable region for the session identity. The
// outcome arrives as an initialize-done notification.
func (c *Client) Initialize(ctx context.Context) error {
	return c.simpleCall(ctx, proto.ProcInitialize, nil)
}

// KernelRead starts a kernel-direct read. Requires kernel privilege.
func (c *Client) KernelRead(ctx context.Context, addr, length uint64) error {
	body, err := proto.EncodeBody(&proto.KernelArgs{Addr: addr, Length: length})
	if err != nil {
		return err
	}
	return c.simpleCall(ctx, proto.ProcKernelRead, body)
}

// KernelWrite starts a kernel-direct write. Requires kernel privilege.
func (c *Client) KernelWrite(ctx context.Context, addr uint64, data []byte) error {
	body, err := proto.EncodeBody(&proto.KernelWriteArgs{
		Addr:   addr,
		Length: uint64(len(data)),
		Data:   data,
	})
	if err != nil {
		return err
	}
	return c.simpleCall(ctx, proto.ProcKernelWrite, body)
}

// Detach releases the session.
func (c *Client) Detach(ctx context.Context) error {
	return c.simpleCall(ctx, proto.ProcDetach, nil)
}

// Stats returns the volume driver's counters.
func (c *Client) Stats(ctx context.Context) (*proto.StatsReply, error) {
	reply, err := c.call(ctx, proto.ProcStats, nil)
	if err != nil {
		return nil, err
	}
	if err := proto.ErrorOf(reply.Status); err != nil {
		return nil, err
	}
	var stats proto.StatsReply
	if err := proto.DecodeBody(reply.Body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}
