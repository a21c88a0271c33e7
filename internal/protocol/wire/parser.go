package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/nvmux/nvmux/pkg/storage"
)

// ReadCall decodes a call message from one record.
func ReadCall(data []byte) (*CallMessage, error) {
	call := &CallMessage{}
	_, err := xdr.Unmarshal(bytes.NewReader(data), call)
	if err != nil {
		return nil, fmt.Errorf("unmarshal call: %w", err)
	}

	if call.MsgType != MsgCall {
		return nil, fmt.Errorf("expected CALL (0), got %d", call.MsgType)
	}

	return call, nil
}

// PeekMsgType reads the leading message type of a record without
// decoding the rest.
func PeekMsgType(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("record too short for a message type: %d bytes", len(data))
	}
	return binary.BigEndian.Uint32(data[:4]), nil
}

// ReadReply decodes a reply message from one record.
func ReadReply(data []byte) (*ReplyMessage, error) {
	reply := &ReplyMessage{}
	_, err := xdr.Unmarshal(bytes.NewReader(data), reply)
	if err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}

	if reply.MsgType != MsgReply {
		return nil, fmt.Errorf("expected REPLY (1), got %d", reply.MsgType)
	}

	return reply, nil
}

// ReadNotification decodes a server-push notification from one record.
func ReadNotification(data []byte) (*NotificationMessage, error) {
	note := &NotificationMessage{}
	_, err := xdr.Unmarshal(bytes.NewReader(data), note)
	if err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}

	if note.MsgType != MsgNotification {
		return nil, fmt.Errorf("expected NOTIFICATION (2), got %d", note.MsgType)
	}

	return note, nil
}

// MakeCall encodes a call message with the given procedure body.
func MakeCall(xid, proc uint32, body []byte) ([]byte, error) {
	call := CallMessage{
		MsgType: MsgCall,
		XID:     xid,
		Proc:    proc,
		Body:    body,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &call); err != nil {
		return nil, fmt.Errorf("marshal call: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeReply encodes a reply for xid with the given status and body.
func MakeReply(xid, status uint32, body []byte) ([]byte, error) {
	reply := ReplyMessage{
		MsgType: MsgReply,
		XID:     xid,
		Status:  status,
		Body:    body,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeNotification encodes a server-push completion.
func MakeNotification(kind, app, value, status uint32, data []byte) ([]byte, error) {
	note := NotificationMessage{
		MsgType: MsgNotification,
		Kind:    kind,
		App:     app,
		Value:   value,
		Status:  status,
		Data:    data,
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &note); err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBody XDR-encodes one procedure body.
func EncodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBody XDR-decodes one procedure body into v.
func DecodeBody(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("unmarshal body: %w", err)
	}
	return nil
}

// WriteRecord frames data with a record mark and writes it. The whole
// record goes out as a single last fragment.
func WriteRecord(w io.Writer, data []byte) error {
	if len(data) > MaxFragmentSize {
		return fmt.Errorf("record of %d bytes exceeds the %d-byte fragment limit", len(data), MaxFragmentSize)
	}
	mark := make([]byte, 4)
	binary.BigEndian.PutUint32(mark, LastFragmentBit|uint32(len(data)))
	if _, err := w.Write(mark); err != nil {
		return fmt.Errorf("write record mark: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// ReadRecord reads one record, reassembling fragments until the last
// fragment bit is seen.
func ReadRecord(r io.Reader) ([]byte, error) {
	var record []byte
	for {
		var mark [4]byte
		if _, err := io.ReadFull(r, mark[:]); err != nil {
			return nil, err
		}
		header := binary.BigEndian.Uint32(mark[:])
		length := header & ^uint32(LastFragmentBit)
		if length > MaxFragmentSize {
			return nil, fmt.Errorf("fragment of %d bytes exceeds the %d-byte limit", length, MaxFragmentSize)
		}

		frag := make([]byte, length)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, fmt.Errorf("read fragment body: %w", err)
		}
		record = append(record, frag...)

		if header&LastFragmentBit != 0 {
			return record, nil
		}
		if len(record) > MaxFragmentSize {
			return nil, fmt.Errorf("record exceeds the %d-byte limit", MaxFragmentSize)
		}
	}
}

// StatusOf maps an error from the storage layer to a wire status code.
func StatusOf(err error) uint32 {
	if err == nil {
		return StatusOK
	}
	switch storage.CodeOf(err) {
	case storage.ErrOutOfBounds:
		return StatusOutOfBounds
	case storage.ErrNotReady:
		return StatusNotReady
	case storage.ErrBusy:
		return StatusBusy
	case storage.ErrQueueFull:
		return StatusQueueFull
	case storage.ErrBufferUnavailable:
		return StatusBufferUnavailable
	case storage.ErrUnsupported:
		return StatusUnsupported
	default:
		return StatusFail
	}
}

// ErrorOf reconstructs a driver error from a wire status code. StatusOK
// yields nil.
func ErrorOf(status uint32) error {
	var code storage.ErrorCode
	switch status {
	case StatusOK:
		return nil
	case StatusOutOfBounds:
		code = storage.ErrOutOfBounds
	case StatusNotReady:
		code = storage.ErrNotReady
	case StatusBusy:
		code = storage.ErrBusy
	case StatusQueueFull:
		code = storage.ErrQueueFull
	case StatusBufferUnavailable:
		code = storage.ErrBufferUnavailable
	case StatusUnsupported:
		code = storage.ErrUnsupported
	default:
		code = storage.ErrFail
	}
	return &storage.StorageError{Code: code, Message: "wire: " + code.String()}
}
