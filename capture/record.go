// Package capture records bus traffic as JSON lines and plays it back.
//
// Each frame becomes one Record:
//
//	{"id":12,"valid":true,"dir":"in","proto":"pump","pkt":[[],[255,0,255],[165,0,16,96,7,15],[...],[2,1]],"ts":"2024-05-01T10:00:00.000+0200"}
//
// The five pkt sections are padding, preamble, header, payload and
// terminator. Concatenating the sections of the "in" records of a capture
// yields the received byte stream.
package capture

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arloliu/go-poolbus/frame"
)

// TimeLayout is the record timestamp layout, local time with offset.
const TimeLayout = "2006-01-02T15:04:05.000-0700"

// Packet sections.
const (
	SectionPadding = iota
	SectionPreamble
	SectionHeader
	SectionPayload
	SectionTerm

	sectionCount
)

// ErrBadRecord is returned for a line that is not a capture record.
var ErrBadRecord = errors.New("capture: bad record")

// Bytes is a byte slice that encodes as a JSON array of numbers.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')

	return buf.Bytes(), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}

	out := make([]byte, len(vals))
	for i, v := range vals {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: byte value %d", ErrBadRecord, v)
		}
		out[i] = byte(v)
	}
	*b = out

	return nil
}

// Record is the JSON form of one frame.
type Record struct {
	ID    uint32              `json:"id"`
	Valid bool                `json:"valid"`
	Dir   string              `json:"dir"`
	Proto string              `json:"proto"`
	Pkt   [sectionCount]Bytes `json:"pkt"`
	TS    string              `json:"ts"`
}

// NewRecord captures msg.
func NewRecord(msg *frame.Message) Record {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r := Record{
		ID:    msg.ID,
		Valid: msg.Valid(),
		Dir:   msg.Direction.String(),
		Proto: msg.Protocol.String(),
		TS:    ts.Format(TimeLayout),
	}
	r.Pkt[SectionPadding] = nonNil(msg.Padding)
	r.Pkt[SectionPreamble] = nonNil(msg.Preamble)
	r.Pkt[SectionHeader] = nonNil(msg.Header)
	r.Pkt[SectionPayload] = nonNil(msg.Payload)
	r.Pkt[SectionTerm] = nonNil(msg.Term)

	return r
}

func nonNil(b []byte) Bytes {
	if b == nil {
		return Bytes{}
	}

	return append(Bytes(nil), b...)
}

// Wire returns the record's sections concatenated.
func (r Record) Wire() []byte {
	var n int
	for _, s := range r.Pkt {
		n += len(s)
	}

	out := make([]byte, 0, n)
	for _, s := range r.Pkt {
		out = append(out, s...)
	}

	return out
}

// Time parses the record timestamp.
func (r Record) Time() (time.Time, error) {
	t, err := time.Parse(TimeLayout, r.TS)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrBadRecord, r.TS)
	}

	return t, nil
}

// Direction parses the record direction.
func (r Record) Direction() (frame.Direction, error) {
	return frame.ParseDirection(r.Dir)
}

// Message rebuilds the frame of r. The checksum is verified again, so
// Valid reflects the bytes rather than the recorded flag. Noise records,
// which hold only padding, are returned with frame.ErrNoise.
func (r Record) Message() (*frame.Message, error) {
	dir, err := r.Direction()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadRecord, err)
	}
	ts, err := r.Time()
	if err != nil {
		return nil, err
	}

	var m *frame.Message
	short := make([]byte, 0, len(r.Pkt[SectionHeader])+len(r.Pkt[SectionPayload])+len(r.Pkt[SectionTerm]))
	short = append(short, r.Pkt[SectionHeader]...)
	short = append(short, r.Pkt[SectionPayload]...)
	short = append(short, r.Pkt[SectionTerm]...)

	if len(short) == 0 {
		proto, _ := frame.ParseProtocol(r.Proto)
		m = &frame.Message{Protocol: proto, Err: frame.ErrNoise}
	} else {
		m, err = frame.ParseShort(short)
		if m == nil {
			return nil, err
		}
		m.Err = err
	}

	m.ID = r.ID
	m.Direction = dir
	m.Timestamp = ts
	m.Padding = append([]byte(nil), r.Pkt[SectionPadding]...)
	m.Preamble = append([]byte(nil), r.Pkt[SectionPreamble]...)

	return m, nil
}
