package storage

// ownerClass tags which caller currently holds the medium channel.
// Exactly one operation is in flight at any instant; the owner slot is
// the mutual-exclusion primitive every admission decision consults.
type ownerClass int

const (
	// ownerNone means the channel is free
	ownerNone ownerClass = iota

	// ownerKernel means a kernel-direct operation is in flight
	ownerKernel

	// ownerApp means one application's read or write is in flight
	ownerApp

	// ownerHeader means the directory machine (format check, chain
	// traversal, or allocation) holds the channel
	ownerHeader
)

// headerStep is the directory machine's continuation, recorded in the
// owner slot so each completion resumes the protocol at the right
// point instead of recursing through the call stack.
type headerStep int

const (
	// stepMagicCheck is the volume-open read of the magic marker
	stepMagicCheck headerStep = iota

	// stepMagicWrite repairs a missing magic marker on cold start
	stepMagicWrite

	// stepFormatSentinel zeroes the first sentinel on cold start
	stepFormatSentinel

	// stepWalk is a header read during chain traversal
	stepWalk

	// stepHeaderWrite publishes a freshly allocated region's header
	stepHeaderWrite

	// stepSentinelWrite zeroes the new frontier after an allocation
	stepSentinelWrite
)

// owner is the current-owner slot: the class plus the payload the
// dispatcher needs to route a completion.
type owner struct {
	class ownerClass

	// app is the in-flight application's id (ownerApp only)
	app uint32

	// step is the directory machine continuation (ownerHeader only)
	step headerStep
}

func (c ownerClass) String() string {
	switch c {
	case ownerNone:
		return "none"
	case ownerKernel:
		return "kernel"
	case ownerApp:
		return "application"
	case ownerHeader:
		return "header"
	default:
		return "unknown"
	}
}
