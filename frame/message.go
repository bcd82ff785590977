package frame

import (
	"bytes"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// MaxMessageID is the largest message ID; IDs roll over to 1 after it.
const MaxMessageID = 80000

var lastID atomic.Uint32

// NextID returns the next message ID in 1..MaxMessageID.
func NextID() uint32 {
	for {
		cur := lastID.Load()
		next := cur + 1
		if cur >= MaxMessageID {
			next = 1
		}
		if lastID.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Message is a single frame of any protocol.
//
// Addressing fields are read and written through protocol-aware accessors:
// chlorinator frames report fixed addresses and action 0, and ignore writes
// to fields they do not have.
//
// The byte sections hold the frame as it appeared on the wire: filled by
// Reader for inbound frames and by Pack for outbound ones. Concatenating
// them in order reproduces the consumed bytes exactly.
type Message struct {
	ID        uint32
	Direction Direction
	Protocol  Protocol
	Timestamp time.Time
	Payload   []byte

	Padding  []byte
	Preamble []byte
	Header   []byte
	Term     []byte

	// Err tells why an inbound message is not valid.
	Err error

	sub      byte
	dest     byte
	source   byte
	action   byte
	dataLen  int
	complete bool
	valid    bool
}

// NewMessage creates an outbound message. Pump messages use sub 0 and
// Broadcast messages DefaultSubByte; the bus may override the latter.
func NewMessage(proto Protocol, source, dest, action byte, payload []byte) *Message {
	m := &Message{
		ID:        NextID(),
		Direction: DirectionOut,
		Protocol:  proto,
		Timestamp: time.Now(),
		Payload:   append([]byte(nil), payload...),
	}
	if proto == ProtocolBroadcast {
		m.sub = DefaultSubByte
	}
	m.SetSource(source)
	m.SetDest(dest)
	m.SetAction(action)

	return m
}

// NewChlorinatorMessage creates an outbound chlorinator message.
func NewChlorinatorMessage(payload ...byte) *Message {
	return NewMessage(ProtocolChlorinator, 0, 0, 0, payload)
}

// Sub returns the header sub byte. Chlorinator frames have none.
func (m *Message) Sub() byte {
	if m.Protocol == ProtocolChlorinator {
		return 0
	}

	return m.sub
}

// Dest returns the destination address.
func (m *Message) Dest() byte {
	if m.Protocol == ProtocolChlorinator {
		if m.Direction == DirectionOut {
			return ChlorinatorDeviceAddr
		}
		return ChlorinatorHostAddr
	}

	return m.dest
}

// Source returns the source address.
func (m *Message) Source() byte {
	if m.Protocol == ProtocolChlorinator {
		if m.Direction == DirectionOut {
			return ChlorinatorHostAddr
		}
		return ChlorinatorDeviceAddr
	}

	return m.source
}

// Action returns the action code; always 0 for chlorinator frames.
func (m *Message) Action() byte {
	if m.Protocol == ProtocolChlorinator {
		return 0
	}

	return m.action
}

// DataLen returns the payload length declared by the header of an inbound
// Broadcast or Pump frame, or the current payload length otherwise.
func (m *Message) DataLen() int {
	if m.Direction == DirectionIn && m.Protocol != ProtocolChlorinator && len(m.Header) == broadcastHeaderLen {
		return m.dataLen
	}

	return len(m.Payload)
}

// ChecksumHigh returns the high checksum byte; 0 for chlorinator frames.
func (m *Message) ChecksumHigh() byte {
	if m.Protocol == ProtocolChlorinator || len(m.Term) < 2 {
		return 0
	}

	return m.Term[0]
}

// ChecksumLow returns the low checksum byte, or the single chlorinator
// checksum byte.
func (m *Message) ChecksumLow() byte {
	switch {
	case m.Protocol == ProtocolChlorinator && len(m.Term) > 0:
		return m.Term[0]
	case len(m.Term) < 2:
		return 0
	}

	return m.Term[1]
}

// SetSub sets the header sub byte. It is a no-op on chlorinator messages,
// as are the other header setters.
func (m *Message) SetSub(v byte) {
	if m.Protocol != ProtocolChlorinator {
		m.sub = v
	}
}

// SetDest sets the destination address.
func (m *Message) SetDest(v byte) {
	if m.Protocol != ProtocolChlorinator {
		m.dest = v
	}
}

// SetSource sets the source address.
func (m *Message) SetSource(v byte) {
	if m.Protocol != ProtocolChlorinator {
		m.source = v
	}
}

// SetAction sets the action code.
func (m *Message) SetAction(v byte) {
	if m.Protocol != ProtocolChlorinator {
		m.action = v
	}
}

// Complete reports whether the terminator bytes have been read or written.
func (m *Message) Complete() bool { return m.complete }

// Valid reports whether the message passed checksum verification.
func (m *Message) Valid() bool { return m.valid }

// Pack encodes the message, stores the produced wire sections on m and
// returns the wire bytes.
func (m *Message) Pack() ([]byte, error) {
	pkt, err := Encode(m)
	if err != nil {
		return nil, err
	}

	m.Preamble, m.Header, m.Term = pkt.Preamble, pkt.Header, pkt.Term
	m.complete, m.valid, m.Err = true, true, nil

	return pkt.Bytes(), nil
}

// Bytes returns all sections, padding included, in wire order.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(len(m.Padding) + len(m.Preamble) + len(m.Header) + len(m.Payload) + len(m.Term))
	buf.Write(m.Padding)
	buf.Write(m.Preamble)
	buf.Write(m.Header)
	buf.Write(m.Payload)
	buf.Write(m.Term)

	return buf.Bytes()
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = cloneBytes(m.Payload)
	c.Padding = cloneBytes(m.Padding)
	c.Preamble = cloneBytes(m.Preamble)
	c.Header = cloneBytes(m.Header)
	c.Term = cloneBytes(m.Term)

	return &c
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s #%d", m.Direction, m.Protocol, m.ID)
	if m.Protocol != ProtocolChlorinator {
		fmt.Fprintf(&sb, " %d->%d action=%d", m.Source(), m.Dest(), m.Action())
	}
	fmt.Fprintf(&sb, " payload=%v", m.Payload)
	if m.Err != nil {
		fmt.Fprintf(&sb, " err=%q", m.Err.Error())
	}

	return sb.String()
}

// --- payload helpers ---

// PayloadByte returns payload byte i, or def when out of range.
func (m *Message) PayloadByte(i int, def byte) byte {
	if i < 0 || i >= len(m.Payload) {
		return def
	}

	return m.Payload[i]
}

// PayloadInt returns the little-endian 16-bit value at i, or def when out of range.
func (m *Message) PayloadInt(i int, def int) int {
	if i < 0 || i+1 >= len(m.Payload) {
		return def
	}

	return int(m.Payload[i]) | int(m.Payload[i+1])<<8
}

// PayloadString returns length bytes from start as text, stopping at the
// first zero byte.
func (m *Message) PayloadString(start, length int) string {
	if start < 0 || start >= len(m.Payload) {
		return ""
	}
	end := min(start+length, len(m.Payload))
	b := m.Payload[start:end]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

// AppendPayloadByte appends b to the payload.
func (m *Message) AppendPayloadByte(b ...byte) *Message {
	m.Payload = append(m.Payload, b...)
	return m
}

// AppendPayloadInt appends v as two little-endian bytes.
func (m *Message) AppendPayloadInt(v int) *Message {
	m.Payload = append(m.Payload, byte(v&0xFF), byte((v>>8)&0xFF))
	return m
}

// AppendPayloadString appends s truncated or zero padded to length bytes.
func (m *Message) AppendPayloadString(s string, length int) *Message {
	b := make([]byte, length)
	copy(b, s)
	m.Payload = append(m.Payload, b...)

	return m
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}
