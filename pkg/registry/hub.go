package registry

import (
	"fmt"
	"sync"

	"github.com/nvmux/nvmux/internal/logger"
	"github.com/nvmux/nvmux/pkg/storage"
)

// AppSink receives completion upcalls for one attached application.
// Implementations must not block: upcalls run on driver completion
// goroutines.
type AppSink interface {
	ReadDone(n int, err error)
	WriteDone(n int, err error)
	InitDone(err error)
}

// KernelSink receives kernel-direct completions with the original
// buffer.
type KernelSink interface {
	KernelReadDone(buf []byte, n int, err error)
	KernelWriteDone(buf []byte, n int, err error)
}

// Hub fans driver completions out to attached sessions. It is the
// volume's storage.Notifier; at most one sink per application identity
// and at most one kernel sink may be bound at a time, which is what
// makes a duplicate attach detectable.
//
// Completions for identities with no bound sink are dropped: the driver
// does not retract an operation because its requester went away.
type Hub struct {
	mu     sync.RWMutex
	apps   map[uint32]AppSink
	kernel KernelSink
}

// NewHub creates a hub with no sinks bound.
func NewHub() *Hub {
	return &Hub{apps: make(map[uint32]AppSink)}
}

// Bind attaches a sink for an application identity. Fails if the
// identity already has a live sink.
func (h *Hub) Bind(app uint32, sink AppSink) error {
	if sink == nil {
		return fmt.Errorf("cannot bind nil sink for app %d", app)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.apps[app]; exists {
		return fmt.Errorf("app %d already attached", app)
	}
	h.apps[app] = sink
	return nil
}

// Unbind detaches the sink for an application identity. It is a no-op
// if a different sink holds the binding, so a late detach cannot evict
// a newer session.
func (h *Hub) Unbind(app uint32, sink AppSink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.apps[app] == sink {
		delete(h.apps, app)
	}
}

// BindKernel attaches the single kernel sink.
func (h *Hub) BindKernel(sink KernelSink) error {
	if sink == nil {
		return fmt.Errorf("cannot bind nil kernel sink")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.kernel != nil {
		return fmt.Errorf("kernel sink already bound")
	}
	h.kernel = sink
	return nil
}

// UnbindKernel detaches the kernel sink if sink still holds it.
func (h *Hub) UnbindKernel(sink KernelSink) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.kernel == sink {
		h.kernel = nil
	}
}

func (h *Hub) appSink(app uint32) AppSink {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.apps[app]
}

// ReadDone implements storage.Notifier.
func (h *Hub) ReadDone(app uint32, n int, err error) {
	if sink := h.appSink(app); sink != nil {
		sink.ReadDone(n, err)
		return
	}
	logger.Debug("dropping read completion for unattached app %d", app)
}

// WriteDone implements storage.Notifier.
func (h *Hub) WriteDone(app uint32, n int, err error) {
	if sink := h.appSink(app); sink != nil {
		sink.WriteDone(n, err)
		return
	}
	logger.Debug("dropping write completion for unattached app %d", app)
}

// InitDone implements storage.Notifier.
func (h *Hub) InitDone(app uint32, err error) {
	if sink := h.appSink(app); sink != nil {
		sink.InitDone(err)
		return
	}
	logger.Debug("dropping initialize completion for unattached app %d", app)
}

// kernelHub adapts the hub to storage.KernelClient. A separate type is
// needed because the kernel completion signatures collide with the
// notifier's.
type kernelHub struct {
	h *Hub
}

// Kernel returns the hub's storage.KernelClient face.
func (h *Hub) Kernel() storage.KernelClient {
	return &kernelHub{h: h}
}

func (k *kernelHub) sink() KernelSink {
	k.h.mu.RLock()
	defer k.h.mu.RUnlock()
	return k.h.kernel
}

// ReadDone implements storage.KernelClient.
func (k *kernelHub) ReadDone(buf []byte, n int, err error) {
	if sink := k.sink(); sink != nil {
		sink.KernelReadDone(buf, n, err)
		return
	}
	logger.Debug("dropping kernel read completion with no sink bound")
}

// WriteDone implements storage.KernelClient.
func (k *kernelHub) WriteDone(buf []byte, n int, err error) {
	if sink := k.sink(); sink != nil {
		sink.KernelWriteDone(buf, n, err)
		return
	}
	logger.Debug("dropping kernel write completion with no sink bound")
}
