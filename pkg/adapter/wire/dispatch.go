package wire

import (
	"context"
	"fmt"
	"time"

	"github.com/nvmux/nvmux/internal/logger"
	proto "github.com/nvmux/nvmux/internal/protocol/wire"
	"github.com/nvmux/nvmux/pkg/storage"
)

func procName(proc uint32) string {
	switch proc {
	case proto.ProcProbe:
		return "probe"
	case proto.ProcRegionSize:
		return "region_size"
	case proto.ProcRead:
		return "read"
	case proto.ProcWrite:
		return "write"
	case proto.ProcInitialize:
		return "initialize"
	case proto.ProcAttach:
		return "attach"
	case proto.ProcKernelRead:
		return "kernel_read"
	case proto.ProcKernelWrite:
		return "kernel_write"
	case proto.ProcDetach:
		return "detach"
	case proto.ProcStats:
		return "stats"
	default:
		return "unknown"
	}
}

// dispatch routes one call to its procedure handler and sends the
// reply. Handler errors become reply status codes; only transport
// failures propagate as errors and tear the connection down.
func (c *Connection) dispatch(ctx context.Context, call *proto.CallMessage) error {
	name := procName(call.Proc)
	start := time.Now()

	status, body, err := c.handleProc(ctx, call)

	c.server.metrics.RecordRequest(name, time.Since(start), err)
	if err != nil {
		logger.Debug("wire %s: xid=0x%x status=%d: %v", name, call.XID, status, err)
	}

	return c.sendReply(call.XID, status, body)
}

// handleProc executes one procedure. It returns the reply status, the
// reply body, and the domain error (for logging and metrics).
func (c *Connection) handleProc(ctx context.Context, call *proto.CallMessage) (uint32, []byte, error) {
	if call.Proc == proto.ProcAttach {
		return c.handleAttach(ctx, call)
	}

	s := c.currentSession()
	if s == nil {
		err := fmt.Errorf("procedure %s before attach", procName(call.Proc))
		return proto.StatusNotReady, nil, err
	}
	driver := s.Volume.Driver

	switch call.Proc {
	case proto.ProcProbe:
		err := driver.Probe(s.Ident)
		return proto.StatusOf(err), nil, err

	case proto.ProcRegionSize:
		size, err := driver.RegionSize(s.Ident)
		if err != nil {
			return proto.StatusOf(err), nil, err
		}
		body, err := proto.EncodeBody(&proto.RegionSizeReply{Size: size})
		if err != nil {
			return proto.StatusFail, nil, err
		}
		return proto.StatusOK, body, nil

	case proto.ProcRead:
		var args proto.ReadArgs
		if err := proto.DecodeBody(call.Body, &args); err != nil {
			return proto.StatusFail, nil, err
		}
		if args.Length > proto.MaxFragmentSize {
			err := fmt.Errorf("read of %d bytes exceeds the record limit", args.Length)
			return proto.StatusBufferUnavailable, nil, err
		}
		// The buffer is queued before admission so a completion that
		// fires on the driver's goroutine always finds it.
		buf := make([]byte, args.Length)
		s.pushReadBuffer(buf)
		if err := driver.Read(s.Ident, buf, args.Offset, args.Length); err != nil {
			s.dropReadBuffer()
			return proto.StatusOf(err), nil, err
		}
		return proto.StatusOK, nil, nil

	case proto.ProcWrite:
		var args proto.WriteArgs
		if err := proto.DecodeBody(call.Body, &args); err != nil {
			return proto.StatusFail, nil, err
		}
		err := driver.Write(s.Ident, args.Data, args.Offset, args.Length)
		return proto.StatusOf(err), nil, err

	case proto.ProcInitialize:
		err := driver.Initialize(s.Ident)
		return proto.StatusOf(err), nil, err

	case proto.ProcKernelRead:
		if !s.Admin {
			err := fmt.Errorf("kernel read without kernel privilege")
			return proto.StatusUnsupported, nil, err
		}
		var args proto.KernelArgs
		if err := proto.DecodeBody(call.Body, &args); err != nil {
			return proto.StatusFail, nil, err
		}
		if args.Length > proto.MaxFragmentSize {
			err := fmt.Errorf("kernel read of %d bytes exceeds the record limit", args.Length)
			return proto.StatusBufferUnavailable, nil, err
		}
		buf := make([]byte, args.Length)
		err := driver.KernelRead(buf, args.Addr, args.Length)
		return proto.StatusOf(err), nil, err

	case proto.ProcKernelWrite:
		if !s.Admin {
			err := fmt.Errorf("kernel write without kernel privilege")
			return proto.StatusUnsupported, nil, err
		}
		var args proto.KernelWriteArgs
		if err := proto.DecodeBody(call.Body, &args); err != nil {
			return proto.StatusFail, nil, err
		}
		err := driver.KernelWrite(args.Data, args.Addr, args.Length)
		return proto.StatusOf(err), nil, err

	case proto.ProcDetach:
		c.closeSession()
		return proto.StatusOK, nil, nil

	case proto.ProcStats:
		stats := driver.Stats()
		body, err := proto.EncodeBody(&proto.StatsReply{
			Volume:        stats.Volume,
			Ready:         stats.Ready,
			Apps:          uint32(stats.Apps),
			Regions:       uint32(stats.Regions),
			FrontierKnown: stats.FrontierKnown,
			Frontier:      stats.Frontier,
			OpsCompleted:  stats.OpsCompleted,
			OpsQueued:     stats.OpsQueued,
			OpsRejected:   stats.OpsRejected,
			BytesRead:     stats.BytesRead,
			BytesWritten:  stats.BytesWritten,
			Allocations:   stats.Allocations,
		})
		if err != nil {
			return proto.StatusFail, nil, err
		}
		return proto.StatusOK, body, nil

	default:
		err := fmt.Errorf("unknown procedure %d", call.Proc)
		return proto.StatusUnsupported, nil, err
	}
}

// handleAttach binds the connection to a volume and an application
// identity and creates the session.
func (c *Connection) handleAttach(_ context.Context, call *proto.CallMessage) (uint32, []byte, error) {
	var args proto.AttachArgs
	if err := proto.DecodeBody(call.Body, &args); err != nil {
		return proto.StatusFail, nil, err
	}

	if args.App == 0 {
		return proto.StatusFail, nil, fmt.Errorf("app id 0 is reserved")
	}

	vol, err := c.server.registry.GetVolume(args.Volume)
	if err != nil {
		return proto.StatusFail, nil, err
	}

	admin := false
	if args.Token != "" {
		if c.server.config.AdminToken == "" || args.Token != c.server.config.AdminToken {
			return proto.StatusFail, nil, fmt.Errorf("invalid admin token for volume %q", args.Volume)
		}
		admin = true
	}

	ident := storage.Identity{ID: args.App, Fixed: c.identityFixed(args.App)}

	session := newSession(c, vol, ident, admin)
	if err := session.bind(); err != nil {
		// A live session already holds this identity (or the kernel
		// privilege) on this volume.
		return proto.StatusBusy, nil, err
	}
	if err := c.setSession(session); err != nil {
		session.close()
		return proto.StatusBusy, nil, err
	}

	// Enter the identity into the driver's table so probes and stats
	// see it even before its first operation.
	if err := vol.Driver.Probe(ident); err != nil {
		c.closeSession()
		return proto.StatusOf(err), nil, err
	}

	body, err := proto.EncodeBody(&proto.AttachReply{Session: session.ID})
	if err != nil {
		c.closeSession()
		return proto.StatusFail, nil, err
	}

	logger.Info("session %s attached: volume=%q app=%d fixed=%v admin=%v",
		session.ID, args.Volume, args.App, ident.Fixed, admin)
	return proto.StatusOK, body, nil
}

// identityFixed classifies an app id under the configured identity
// mode.
func (c *Connection) identityFixed(app uint32) bool {
	if c.server.config.IdentityMode == IdentityOpen {
		return true
	}
	for _, id := range c.server.config.FixedApps {
		if id == app {
			return true
		}
	}
	return false
}
