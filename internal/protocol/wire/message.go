package wire

type CallMessage struct {
	MsgType uint32 // 0 = CALL
	XID     uint32
	Proc    uint32
	Body    []byte `xdr:"opaque"`
}

type ReplyMessage struct {
	MsgType uint32 // 1 = REPLY
	XID     uint32
	Status  uint32
	Body    []byte `xdr:"opaque"`
}

type NotificationMessage struct {
	MsgType uint32 // 2 = NOTIFICATION
	Kind    uint32
	App     uint32
	Value   uint32 // completed byte count
	Status  uint32
	Data    []byte `xdr:"opaque"`
}

// Procedure bodies. Procedures with no arguments or results carry an
// empty body.

type AttachArgs struct {
	Volume string
	App    uint32
	Token  string
}

type AttachReply struct {
	Session string
}

type RegionSizeReply struct {
	Size uint64
}

type ReadArgs struct {
	Offset uint64
	Length uint64
}

type WriteArgs struct {
	Offset uint64
	Length uint64
	Data   []byte `xdr:"opaque"`
}

type KernelArgs struct {
	Addr   uint64
	Length uint64
}

type KernelWriteArgs struct {
	Addr   uint64
	Length uint64
	Data   []byte `xdr:"opaque"`
}

type StatsReply struct {
	Volume        string
	Ready         bool
	Apps          uint32
	Regions       uint32
	FrontierKnown bool
	Frontier      uint64
	OpsCompleted  uint64
	OpsQueued     uint64
	OpsRejected   uint64
	BytesRead     uint64
	BytesWritten  uint64
	Allocations   uint64
}
