package wire

// Message Types
// Every message starts with one of these so a receiver can route a
// frame before decoding the rest.
const (
	// MsgCall indicates a client call message
	MsgCall = 0

	// MsgReply indicates a server reply message
	MsgReply = 1

	// MsgNotification indicates a server-push completion message
	MsgNotification = 2
)

// Procedure Numbers
const (
	// ProcProbe checks that the volume driver exists
	ProcProbe = 0

	// ProcRegionSize returns the caller's assigned region length
	ProcRegionSize = 1

	// ProcRead starts a region read; the bytes arrive by notification
	ProcRead = 2

	// ProcWrite starts a region write; completion arrives by notification
	ProcWrite = 3

	// ProcInitialize requests a durable region for the caller
	ProcInitialize = 4

	// ProcAttach binds the connection to a volume and an app identity
	ProcAttach = 5

	// ProcKernelRead starts a kernel-direct read (admin sessions only)
	ProcKernelRead = 6

	// ProcKernelWrite starts a kernel-direct write (admin sessions only)
	ProcKernelWrite = 7

	// ProcDetach releases the session
	ProcDetach = 8

	// ProcStats returns volume driver counters
	ProcStats = 9
)

// Reply Status Codes
// One per driver error code plus success, so a client can reconstruct
// the exact failure.
const (
	// StatusOK indicates the call was accepted
	StatusOK = 0

	// StatusFail indicates an internal or protocol failure
	StatusFail = 1

	// StatusOutOfBounds indicates an access outside the permitted span
	StatusOutOfBounds = 2

	// StatusNotReady indicates the volume or region is not available yet
	StatusNotReady = 3

	// StatusBusy indicates the medium channel was busy for an
	// unqueueable request
	StatusBusy = 4

	// StatusQueueFull indicates the caller's pending slot is occupied
	StatusQueueFull = 5

	// StatusBufferUnavailable indicates no transfer buffer could serve
	// the request
	StatusBufferUnavailable = 6

	// StatusUnsupported indicates the operation cannot be performed
	StatusUnsupported = 7
)

// Notification Kinds
const (
	// NoteReadDone carries the bytes of a completed region read
	NoteReadDone = 0

	// NoteWriteDone reports a completed region write
	NoteWriteDone = 1

	// NoteInitDone reports the outcome of a region request
	NoteInitDone = 2

	// NoteKernelReadDone carries the bytes of a completed kernel read
	NoteKernelReadDone = 3

	// NoteKernelWriteDone reports a completed kernel write
	NoteKernelWriteDone = 4
)

// Framing
const (
	// MaxFragmentSize caps a single record fragment
	MaxFragmentSize = 1 << 20

	// LastFragmentBit marks the final fragment of a record
	LastFragmentBit = 0x80000000
)
