// Package wire implements the length-prefixed framed protocol described
// in spec.md §6: the per-thread channel frames (KV_SET, KV_DELETE,
// EMIT, DETACH and their replies) and the control-pipe frames (the
// fatal marker, the init handshake, and the fatal acknowledgement).
//
// Every encode/decode here does a bounded number of small, fixed-size
// reads and writes — no buffered I/O — so that the fatal-path helpers
// built on top of it (internal/pipe) keep spec.md §4.4's signal-safety
// requirements: a single write(2) per frame, no heap growth beyond one
// fixed buffer.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Op enumerates channel operations (spec.md §6).
type Op byte

const (
	OpKVSet    Op = 1
	OpKVDelete Op = 2
	OpEmit     Op = 3
	OpDetach   Op = 4
	// OpFatal only ever appears on the control pipe, never on a
	// per-thread channel (spec.md §3 invariant).
	OpFatal Op = 5
	// OpStatus and OpListAttrs are admin-only operations used by
	// cmd/bcdctl over the same listen socket as the per-thread
	// channel; a handle opened by Attach never sends them.
	OpStatus    Op = 6
	OpListAttrs Op = 7
)

func (o Op) String() string {
	switch o {
	case OpKVSet:
		return "KV_SET"
	case OpKVDelete:
		return "KV_DELETE"
	case OpEmit:
		return "EMIT"
	case OpDetach:
		return "DETACH"
	case OpFatal:
		return "FATAL"
	case OpStatus:
		return "STATUS"
	case OpListAttrs:
		return "LIST_ATTRS"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// StringMax bounds any single bounded string (a key, a value, or a
// grouping message) carried by the channel protocol.
const StringMax = 4096

// FatalMessageMax bounds the message carried by a fatal marker so that
// the whole record — header plus message — fits well within PIPE_BUF
// and is written in a single atomic write(2) (spec.md §4.4, §8).
const FatalMessageMax = 200

// ChannelHeader is the fixed-size preamble of every per-thread channel
// frame: the operation, a per-request id, and a payload length field.
// Replies do not echo the id. The senders in this module leave Payload
// at zero and receivers do not read it; each payload string carries
// its own length prefix instead.
type ChannelHeader struct {
	Op      Op
	ID      uuid.UUID
	Payload uint32
}

// HeaderSize is the wire size of a ChannelHeader: 1 byte op + 16 byte
// id + 4 byte little-endian length.
const HeaderSize = 1 + 16 + 4

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h ChannelHeader) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Op)
	copy(buf[1:17], h.ID[:])
	binary.LittleEndian.PutUint32(buf[17:21], h.Payload)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads a ChannelHeader from r.
func ReadHeader(r io.Reader) (ChannelHeader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ChannelHeader{}, err
	}
	var h ChannelHeader
	h.Op = Op(buf[0])
	copy(h.ID[:], buf[1:17])
	h.Payload = binary.LittleEndian.Uint32(buf[17:21])
	return h, nil
}

// WriteString writes a bounded string as a 2-byte little-endian length
// followed by its bytes. It is an error for s to exceed StringMax.
func WriteString(w io.Writer, s string) error {
	if len(s) > StringMax {
		return fmt.Errorf("wire: string of %d bytes exceeds max %d", len(s), StringMax)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a bounded string written by WriteString.
func ReadString(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if n > StringMax {
		return "", fmt.Errorf("wire: declared string length %d exceeds max %d", n, StringMax)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Reply is the fixed-shape response to every channel request: a status
// byte (0 means OK, nonzero is an error Kind) followed by a
// length-prefixed message string, which is present (possibly empty)
// for every status.
type Reply struct {
	Status  byte
	Message string
}

// WriteReply writes r to w. The message is always length-prefixed and
// written, even for a success status: admin operations (OpStatus,
// OpListAttrs) carry their answer in Message on a Status of 0, unlike
// the per-thread channel ops where an OK reply simply has no message.
func WriteReply(w io.Writer, r Reply) error {
	if _, err := w.Write([]byte{r.Status}); err != nil {
		return err
	}
	return WriteString(w, r.Message)
}

// ReadReply reads a Reply written by WriteReply.
func ReadReply(r io.Reader) (Reply, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return Reply{}, err
	}
	msg, err := ReadString(r)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Status: status[0], Message: msg}, nil
}
