// Package pipe implements the control pipe between a host process and
// its monitor child: a one-shot handshake and a persistent fatal-marker
// channel (spec.md §4.2, §4.4, §4.6).
//
// spec.md §9 leaves the exact wire shape of the control pipe an open
// question. This package resolves it the way runsc/sandbox.go resolves
// the analogous sandbox-sync-file question: four separate os.Pipe
// pairs, each carrying exactly one direction of exactly one kind of
// message, donated to the child at known fd offsets rather than
// multiplexed over a single fd.
//
//   - handshake: child write-end -> parent read-end. Written once, by
//     the monitor, immediately after it finishes initializing; closed
//     by both sides once read.
//   - fatalReq: parent write-end -> child read-end. The host writes a
//     FatalRecord here from its fatal path; held open for the lifetime
//     of the session so repeated fatal calls keep working.
//   - fatalAck: child write-end -> parent read-end. The monitor writes
//     a single status byte here once the tracer invocation for a fatal
//     marker has finished, letting Fatal() return only after that.
//   - notify: child write-end -> parent read-end. Carries monitor-error
//     events (spec.md §4.9). A re-exec'd monitor binary does not share
//     the host's address space, so it cannot call the host's
//     Callbacks.MonitorError closure directly; instead it relays the
//     (kind, message) pair here, and the host runs a small goroutine
//     that drains it and invokes the callback in the host process
//     where that closure actually lives. This is the re-architecture
//     this package's doc comment above flags as an open wire-format
//     question, resolved in favor of the idiomatic-Go shape.
package pipe

import (
	"os"

	"github.com/fcelda/bcd/internal/donation"
	"github.com/fcelda/bcd/internal/wire"
)

// Donation order of the four child-owned pipe ends in cmd.ExtraFiles,
// counted from fd 3 (0-2 are stdio). cmd/bcdmonitor reopens its
// inherited fds at these fixed offsets; bcd.go's Init must donate them
// in exactly this order.
const (
	DonationHandshakeWrite = 0
	DonationFatalReqRead   = 1
	DonationFatalAckWrite  = 2
	DonationNotifyWrite    = 3
	DonationCount          = 4
)

// Pair is one unidirectional os.Pipe, named the way os.Pipe names its
// return values.
type Pair struct {
	Read  *os.File
	Write *os.File
}

// NewPair opens a fresh unidirectional pipe.
func NewPair() (Pair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return Pair{}, err
	}
	return Pair{Read: r, Write: w}, nil
}

// ControlPipe bundles the four pipe pairs donated to a monitor child.
// The host keeps HandshakeRead, FatalReqWrite, FatalAckRead, and
// NotifyRead; the child keeps the other four ends (donated via internal/donation and
// reopened from the known fd offsets by cmd/bcdmonitor).
type ControlPipe struct {
	Handshake Pair
	FatalReq  Pair
	FatalAck  Pair
	Notify    Pair
}

// New opens all four pipe pairs for a not-yet-spawned monitor child.
func New() (*ControlPipe, error) {
	hs, err := NewPair()
	if err != nil {
		return nil, err
	}
	freq, err := NewPair()
	if err != nil {
		hs.Read.Close()
		hs.Write.Close()
		return nil, err
	}
	fack, err := NewPair()
	if err != nil {
		hs.Read.Close()
		hs.Write.Close()
		freq.Read.Close()
		freq.Write.Close()
		return nil, err
	}
	notify, err := NewPair()
	if err != nil {
		hs.Read.Close()
		hs.Write.Close()
		freq.Read.Close()
		freq.Write.Close()
		fack.Read.Close()
		fack.Write.Close()
		return nil, err
	}
	return &ControlPipe{Handshake: hs, FatalReq: freq, FatalAck: fack, Notify: notify}, nil
}

// CloseChildEnds closes the ends that belong to the child after the
// host has finished donating them, mirroring donation.Agency.Close: the
// child's fork-duplicated fds stay open in its own table regardless.
func (c *ControlPipe) CloseChildEnds() {
	c.Handshake.Write.Close()
	c.FatalReq.Read.Close()
	c.FatalAck.Write.Close()
	c.Notify.Write.Close()
}

// CloseHostEnds closes the ends that belong to the host, used when
// teardown is abandoning a monitor that never finished starting.
func (c *ControlPipe) CloseHostEnds() {
	c.Handshake.Read.Close()
	c.FatalReq.Write.Close()
	c.FatalAck.Read.Close()
	c.Notify.Read.Close()
}

// DonateChildEnds hands the four child-owned pipe ends to agency in
// the fixed Donation* order cmd/bcdmonitor expects.
func (c *ControlPipe) DonateChildEnds(agency *donation.Agency) {
	agency.Donate(c.Handshake.Write)
	agency.Donate(c.FatalReq.Read)
	agency.Donate(c.FatalAck.Write)
	agency.Donate(c.Notify.Write)
}

// NewMonitorSideFromFD builds a MonitorSide from the monitor child's
// inherited fds, counting from firstFD (3 when nothing else was
// donated ahead of the control pipe).
func NewMonitorSideFromFD(firstFD int) *MonitorSide {
	return NewMonitorSide(
		os.NewFile(uintptr(firstFD+DonationHandshakeWrite), "bcd-handshake-write"),
		os.NewFile(uintptr(firstFD+DonationFatalReqRead), "bcd-fatalreq-read"),
		os.NewFile(uintptr(firstFD+DonationFatalAckWrite), "bcd-fatalack-write"),
		os.NewFile(uintptr(firstFD+DonationNotifyWrite), "bcd-notify-write"),
	)
}

// HostSide is the thin wrapper the host's public API talks to.
type HostSide struct {
	handshakeRead *os.File
	fatalReqWrite *os.File
	fatalAckRead  *os.File
	notifyRead    *os.File

	fatalBuf [wire.FatalRecordSize]byte
}

// NewHostSide wraps the host-owned ends of a ControlPipe.
func NewHostSide(c *ControlPipe) *HostSide {
	return &HostSide{
		handshakeRead: c.Handshake.Read,
		fatalReqWrite: c.FatalReq.Write,
		fatalAckRead:  c.FatalAck.Read,
		notifyRead:    c.Notify.Read,
	}
}

// ReadHandshake blocks for the monitor's one-shot init handshake.
func (h *HostSide) ReadHandshake() (wire.Handshake, error) {
	defer h.handshakeRead.Close()
	return wire.ReadHandshake(h.handshakeRead)
}

// WriteFatal writes a fatal marker using a single write(2) against a
// buffer that lives on HostSide (no allocation on this path), per
// spec.md §4.4's signal-safety requirement.
func (h *HostSide) WriteFatal(message string) error {
	rec := wire.EncodeFatalRecord(h.fatalBuf[:], message)
	_, err := h.fatalReqWrite.Write(rec)
	return err
}

// ReadFatalAck blocks for the monitor's acknowledgement that the tracer
// invocation for a fatal marker has finished.
func (h *HostSide) ReadFatalAck() (wire.FatalAck, error) {
	return wire.ReadFatalAck(h.fatalAckRead)
}

// ReadNotify blocks for the next monitor-error notification. Returning
// io.EOF means the monitor process exited.
func (h *HostSide) ReadNotify() (wire.Reply, error) {
	return wire.ReadReply(h.notifyRead)
}

// Close releases the host-owned fds. Safe to call once teardown has
// run; the monitor process is expected to have exited by then.
func (h *HostSide) Close() {
	h.fatalReqWrite.Close()
	h.fatalAckRead.Close()
	h.notifyRead.Close()
}

// MonitorSide is the thin wrapper the monitor binary talks to, built
// from the fds it inherited at the well-known donation offsets.
type MonitorSide struct {
	handshakeWrite *os.File
	fatalReqRead   *os.File
	fatalAckWrite  *os.File
	notifyWrite    *os.File
}

// NewMonitorSide wraps the monitor-owned ends, given the four
// inherited files in donation order.
func NewMonitorSide(handshakeWrite, fatalReqRead, fatalAckWrite, notifyWrite *os.File) *MonitorSide {
	return &MonitorSide{
		handshakeWrite: handshakeWrite,
		fatalReqRead:   fatalReqRead,
		fatalAckWrite:  fatalAckWrite,
		notifyWrite:    notifyWrite,
	}
}

// WriteHandshake sends the one-shot init handshake and closes its end.
func (m *MonitorSide) WriteHandshake(h wire.Handshake) error {
	defer m.handshakeWrite.Close()
	return wire.WriteHandshake(m.handshakeWrite, h)
}

// ReadFatal blocks for the next fatal marker from the host. Returning
// io.EOF means the host closed its write end, which only happens
// during teardown.
func (m *MonitorSide) ReadFatal() (string, error) {
	var buf [wire.FatalRecordSize]byte
	if _, err := readFull(m.fatalReqRead, buf[:]); err != nil {
		return "", err
	}
	return wire.DecodeFatalRecord(buf[:])
}

// WriteFatalAck acknowledges a fatal marker; the monitor calls it after
// the tracer invocation for that marker has finished.
func (m *MonitorSide) WriteFatalAck(status byte) error {
	return wire.WriteFatalAck(m.fatalAckWrite, wire.FatalAck{Status: status})
}

// FatalReqFD exposes the raw fd for use in a poller alongside the
// session listen socket (spec.md §4.6's event loop multiplexes both).
func (m *MonitorSide) FatalReqFD() uintptr {
	return m.fatalReqRead.Fd()
}

// WriteNotify relays a monitor-error event back to the host process
// (spec.md §4.9), since this address space does not hold the host's
// registered callback closure.
func (m *MonitorSide) WriteNotify(kind int, message string) error {
	return wire.WriteReply(m.notifyWrite, wire.Reply{Status: byte(kind), Message: message})
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
