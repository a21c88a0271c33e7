package wire

import (
	"sync"

	"github.com/google/uuid"

	proto "github.com/nvmux/nvmux/internal/protocol/wire"
	"github.com/nvmux/nvmux/pkg/registry"
	"github.com/nvmux/nvmux/pkg/storage"
)

// Session binds one connection to one volume and one application
// identity. It is the hub sink for that identity: driver completions
// arrive here and leave as pushed notifications.
//
// A session holding kernel privilege is additionally bound as the
// volume's kernel sink, so kernel-direct completions reach the same
// connection.
type Session struct {
	ID     string
	Volume *registry.Volume
	Ident  storage.Identity
	Admin  bool

	conn *Connection

	// readBufs holds the caller-side buffers of admitted reads, in
	// admission order. The driver delivers one application's upcalls
	// in completion order, which for reads (one in flight plus one
	// parked) is admission order, so the head of the queue always
	// matches the completion.
	mu       sync.Mutex
	readBufs [][]byte
}

func newSession(conn *Connection, vol *registry.Volume, ident storage.Identity, admin bool) *Session {
	return &Session{
		ID:     uuid.New().String(),
		Volume: vol,
		Ident:  ident,
		Admin:  admin,
		conn:   conn,
	}
}

// bind registers the session with the volume's hub. An identity with a
// live session elsewhere makes this fail, which is what turns a
// duplicate attach into a Busy reply.
func (s *Session) bind() error {
	if err := s.Volume.Hub.Bind(s.Ident.ID, s); err != nil {
		return err
	}
	if s.Admin {
		if err := s.Volume.Hub.BindKernel(s); err != nil {
			s.Volume.Hub.Unbind(s.Ident.ID, s)
			return err
		}
	}
	return nil
}

// close unbinds the session from the hub.
func (s *Session) close() {
	s.Volume.Hub.Unbind(s.Ident.ID, s)
	if s.Admin {
		s.Volume.Hub.UnbindKernel(s)
	}
}

// pushReadBuffer queues the destination buffer of an admitted read.
func (s *Session) pushReadBuffer(buf []byte) {
	s.mu.Lock()
	s.readBufs = append(s.readBufs, buf)
	s.mu.Unlock()
}

// popReadBuffer removes and returns the oldest queued read buffer.
func (s *Session) popReadBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readBufs) == 0 {
		return nil
	}
	buf := s.readBufs[0]
	s.readBufs = s.readBufs[1:]
	return buf
}

// dropReadBuffer removes the most recently queued buffer. Used when the
// driver rejects a read after the buffer was queued.
func (s *Session) dropReadBuffer() {
	s.mu.Lock()
	if n := len(s.readBufs); n > 0 {
		s.readBufs = s.readBufs[:n-1]
	}
	s.mu.Unlock()
}

// ReadDone implements registry.AppSink.
func (s *Session) ReadDone(n int, err error) {
	buf := s.popReadBuffer()
	var data []byte
	if err == nil && buf != nil {
		data = buf[:n]
	}
	s.conn.sendNotification(proto.NoteReadDone, s.Ident.ID, uint32(n), proto.StatusOf(err), data)
}

// WriteDone implements registry.AppSink.
func (s *Session) WriteDone(n int, err error) {
	s.conn.sendNotification(proto.NoteWriteDone, s.Ident.ID, uint32(n), proto.StatusOf(err), nil)
}

// InitDone implements registry.AppSink.
func (s *Session) InitDone(err error) {
	s.conn.sendNotification(proto.NoteInitDone, s.Ident.ID, 0, proto.StatusOf(err), nil)
}

// KernelReadDone implements registry.KernelSink.
func (s *Session) KernelReadDone(buf []byte, n int, err error) {
	var data []byte
	if err == nil {
		data = buf[:n]
	}
	s.conn.sendNotification(proto.NoteKernelReadDone, 0, uint32(n), proto.StatusOf(err), data)
}

// KernelWriteDone implements registry.KernelSink.
func (s *Session) KernelWriteDone(buf []byte, n int, err error) {
	s.conn.sendNotification(proto.NoteKernelWriteDone, 0, uint32(n), proto.StatusOf(err), nil)
}
