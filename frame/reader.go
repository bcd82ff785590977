package frame

import (
	"fmt"
	"time"
)

// DefaultMaxPadding is the number of unframed bytes a Reader accumulates
// before flushing them as a noise record.
const DefaultMaxPadding = 256

type readState uint8

const (
	stateScan readState = iota
	statePreamble
	stateHeader
	statePayload
	stateChecksum
)

func (s readState) String() string {
	switch s {
	case stateScan:
		return "ScanningForHeader"
	case statePreamble:
		return "ReadingPreamble"
	case stateHeader:
		return "ReadingHeader"
	case statePayload:
		return "ReadingPayload"
	case stateChecksum:
		return "ReadingChecksum"
	default:
		return "Unknown"
	}
}

// ReaderStats counts what a Reader has produced.
type ReaderStats struct {
	Frames        uint64 // complete frames, valid or not
	Valid         uint64
	Invalid       uint64 // checksum mismatches and framing errors
	FramingErrors uint64
	NoiseBytes    uint64 // bytes flushed as noise records
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxPadding bounds the padding kept in front of a single frame.
func WithMaxPadding(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxPadding = n
		}
	}
}

// WithClock sets the time source used for message timestamps.
func WithClock(now func() time.Time) ReaderOption {
	return func(r *Reader) {
		if now != nil {
			r.now = now
		}
	}
}

// Reader is a resumable frame parser.
//
// Feed may be called with chunks of any size; a frame split across chunks is
// completed by later calls. Every emitted message has consumed bytes that do
// not overlap any other emitted message, so the Bytes of all emitted messages
// concatenate to the input stream, minus what is still pending.
//
// Reader is not safe for concurrent use.
type Reader struct {
	buf   []byte
	pos   int
	msg   *Message
	state readState

	maxPadding int
	now        func() time.Time
	stats      ReaderStats
}

// NewReader creates a Reader.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{
		maxPadding: DefaultMaxPadding,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resetMessage()

	return r
}

// Feed parses chunk and returns the messages it completed, in stream order.
//
// Returned messages are either complete (valid or with ErrChecksumMismatch),
// framing failures (ErrOversizedLength, ErrRunawayPayload), or noise records
// (ErrNoise) holding only padding.
func (r *Reader) Feed(chunk []byte) []*Message {
	r.buf = append(r.buf, chunk...)

	var out []*Message
	for {
		m, progressed := r.step()
		if m != nil {
			out = append(out, m)
		}
		if !progressed {
			break
		}
	}

	// compact consumed bytes
	n := copy(r.buf, r.buf[r.pos:])
	r.buf = r.buf[:n]
	r.pos = 0

	return out
}

// Buffered returns the number of bytes held for the frame in progress,
// including its padding.
func (r *Reader) Buffered() int {
	m := r.msg
	return len(r.buf) - r.pos + len(m.Padding) + len(m.Preamble) + len(m.Header) + len(m.Payload)
}

// InFrame reports whether the reader is part way through a frame.
func (r *Reader) InFrame() bool {
	return r.state != stateScan
}

// State returns the name of the current parse state.
func (r *Reader) State() string {
	return r.state.String()
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Reset drops any partial frame and buffered bytes.
func (r *Reader) Reset() {
	r.buf = r.buf[:0]
	r.pos = 0
	r.resetMessage()
}

func (r *Reader) resetMessage() {
	r.msg = &Message{Direction: DirectionIn}
	r.state = stateScan
}

// step advances the parser by one transition. progressed is false when more
// input is required.
func (r *Reader) step() (emitted *Message, progressed bool) {
	avail := r.buf[r.pos:]
	m := r.msg

	switch r.state {
	case stateScan:
		if len(avail) == 0 {
			return nil, false
		}
		proto, match := Classify(avail, 0)
		switch match {
		case NeedMore:
			return nil, false
		case NoMatch:
			m.Padding = append(m.Padding, avail[0])
			r.pos++
			if len(m.Padding) >= r.maxPadding {
				return r.flushNoise(), true
			}
			return nil, true
		}

		m.Protocol = proto
		if proto == ProtocolChlorinator {
			m.Header = append(m.Header, avail[:chlorinatorHeaderLen]...)
			r.pos += chlorinatorHeaderLen
			r.state = statePayload
		} else {
			r.state = statePreamble
		}

		return nil, true

	case statePreamble:
		if len(avail) < preambleLen {
			return nil, false
		}
		m.Preamble = append(m.Preamble, avail[:preambleLen]...)
		r.pos += preambleLen
		r.state = stateHeader

		return nil, true

	case stateHeader:
		n := min(len(avail), broadcastHeaderLen-len(m.Header))
		if n == 0 {
			return nil, false
		}
		m.Header = append(m.Header, avail[:n]...)
		r.pos += n
		if len(m.Header) < broadcastHeaderLen {
			return nil, true
		}

		h := m.Header
		m.sub, m.dest, m.source, m.action, m.dataLen = h[1], h[2], h[3], h[4], int(h[5])
		if IsPumpAddress(m.dest) || IsPumpAddress(m.source) {
			m.Protocol = ProtocolPump
		}
		if m.dataLen > MaxDataLen {
			return r.fail(fmt.Errorf("%w: datalen %d", ErrOversizedLength, m.dataLen)), true
		}
		r.state = statePayload

		return nil, true

	case statePayload:
		if m.Protocol == ProtocolChlorinator {
			return r.readChlorinatorPayload()
		}

		need := m.dataLen - len(m.Payload)
		if need > 0 {
			if len(avail) == 0 {
				return nil, false
			}
			n := min(len(avail), need)
			m.Payload = append(m.Payload, avail[:n]...)
			r.pos += n
			if n < need {
				return nil, true
			}
		}
		r.state = stateChecksum

		return nil, true

	case stateChecksum:
		termLen := broadcastTermLen
		if m.Protocol == ProtocolChlorinator {
			termLen = chlorinatorTermLen
		}
		if len(avail) < termLen {
			return nil, false
		}
		m.Term = append(m.Term, avail[:termLen]...)
		r.pos += termLen

		return r.finish(), true
	}

	return nil, false
}

// readChlorinatorPayload appends payload bytes until [chk,16,3] starts at the
// read position. A terminator can only be recognized with three bytes in
// view, so it waits for more input below that.
func (r *Reader) readChlorinatorPayload() (*Message, bool) {
	m := r.msg
	progressed := false

	for {
		avail := r.buf[r.pos:]
		if len(avail) < chlorinatorTermLen {
			return nil, progressed
		}
		if avail[1] == chlorinatorTerminator[0] && avail[2] == chlorinatorTerminator[1] {
			r.state = stateChecksum
			return nil, true
		}
		if len(m.Payload) >= MaxChlorinatorPayload {
			return r.fail(fmt.Errorf("%w: %d payload bytes", ErrRunawayPayload, len(m.Payload))), true
		}
		m.Payload = append(m.Payload, avail[0])
		r.pos++
		progressed = true
	}
}

func (r *Reader) finish() *Message {
	m := r.msg
	m.complete = true
	m.Err = verify(m)
	m.valid = m.Err == nil
	m.Timestamp = r.now()
	m.ID = NextID()

	r.stats.Frames++
	if m.valid {
		r.stats.Valid++
	} else {
		r.stats.Invalid++
	}
	r.resetMessage()

	return m
}

// fail abandons the frame in progress. Only the first signature byte stays
// consumed; everything read after it is pushed back and scanned again, so a
// real frame hidden inside the abandoned one is still found.
func (r *Reader) fail(err error) *Message {
	m := r.msg
	var consumed []byte
	consumed = append(consumed, m.Preamble...)
	consumed = append(consumed, m.Header...)
	consumed = append(consumed, m.Payload...)

	rest := append(consumed[1:], r.buf[r.pos:]...)
	r.buf = rest
	r.pos = 0

	if m.Protocol == ProtocolChlorinator {
		m.Header = consumed[:1:1]
	} else {
		m.Preamble = consumed[:1:1]
		m.Header = nil
	}
	m.Payload = nil
	m.Err = err
	m.valid = false
	m.Timestamp = r.now()
	m.ID = NextID()

	r.stats.Invalid++
	r.stats.FramingErrors++
	r.resetMessage()

	return m
}

func (r *Reader) flushNoise() *Message {
	m := r.msg
	m.Err = ErrNoise
	m.Timestamp = r.now()
	m.ID = NextID()
	r.stats.NoiseBytes += uint64(len(m.Padding))
	r.resetMessage()

	return m
}

// Parse runs a fresh Reader over b and returns every message it emits.
func Parse(b []byte) []*Message {
	return NewReader().Feed(b)
}

// ParseShort validates a frame given without preamble or padding, as
// [165 ...header, payload, chkHi, chkLo] or [16,2, payload, chk,16,3].
//
// The message is returned even when err reports an invalid checksum.
func ParseShort(b []byte) (*Message, error) {
	m := &Message{Direction: DirectionIn, Timestamp: time.Now()}

	switch {
	case len(b) >= broadcastHeaderLen+broadcastTermLen && b[0] == HeaderStart:
		m.Protocol = ProtocolBroadcast
		m.Header = cloneBytes(b[:broadcastHeaderLen])
		h := m.Header
		m.sub, m.dest, m.source, m.action, m.dataLen = h[1], h[2], h[3], h[4], int(h[5])
		if IsPumpAddress(m.dest) || IsPumpAddress(m.source) {
			m.Protocol = ProtocolPump
		}
		if m.dataLen > MaxDataLen {
			return m, fmt.Errorf("%w: datalen %d", ErrOversizedLength, m.dataLen)
		}
		if want := broadcastHeaderLen + m.dataLen + broadcastTermLen; len(b) != want {
			return m, fmt.Errorf("%w: got %d bytes, want %d", ErrIncomplete, len(b), want)
		}
		m.Payload = cloneBytes(b[broadcastHeaderLen : broadcastHeaderLen+m.dataLen])
		m.Term = cloneBytes(b[broadcastHeaderLen+m.dataLen:])

	case len(b) >= chlorinatorHeaderLen+chlorinatorTermLen && b[0] == chlorinatorSignature[0] && b[1] == chlorinatorSignature[1]:
		m.Protocol = ProtocolChlorinator
		n := len(b)
		if b[n-2] != chlorinatorTerminator[0] || b[n-1] != chlorinatorTerminator[1] {
			return m, fmt.Errorf("%w: missing terminator", ErrIncomplete)
		}
		m.Header = cloneBytes(b[:chlorinatorHeaderLen])
		m.Payload = cloneBytes(b[chlorinatorHeaderLen : n-chlorinatorTermLen])
		m.Term = cloneBytes(b[n-chlorinatorTermLen:])

	default:
		return m, ErrUnknownProtocol
	}

	m.complete = true
	m.Err = verify(m)
	m.valid = m.Err == nil

	return m, m.Err
}
