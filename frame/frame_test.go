package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	goodStatus = []byte{165, 16, 15, 16, 8, 13, 73, 73, 49, 85, 100, 2, 0, 0, 45, 0, 0, 0, 0, 2, 148}
	badStatus  = []byte{165, 16, 15, 16, 8, 13, 73, 73, 49, 85, 100, 2, 0, 0, 45, 0, 0, 0, 0, 2, 149}
	goodName   = []byte{165, 16, 15, 16, 10, 12, 3, 87, 116, 114, 70, 97, 108, 108, 32, 51, 0, 251, 4, 247}
	badName    = []byte{165, 16, 15, 17, 10, 12, 3, 87, 116, 114, 70, 97, 108, 108, 32, 51, 0, 251, 4, 247}

	chlorSetOutput = []byte{16, 2, 80, 17, 50, 165, 16, 3}
)

var fixedTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReader(opts ...ReaderOption) *Reader {
	return NewReader(append([]ReaderOption{WithClock(func() time.Time { return fixedTime })}, opts...)...)
}

// onWire prefixes a short Broadcast frame with its preamble.
func onWire(short []byte) []byte {
	return append([]byte{255, 0, 255}, short...)
}

func normalized(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := m.Clone()
		c.ID = 0
		out[i] = c
	}
	return out
}

func concatBytes(msgs []*Message) []byte {
	var b []byte
	for _, m := range msgs {
		b = append(b, m.Bytes()...)
	}
	return b
}

func TestSampleVectors(t *testing.T) {
	tests := []struct {
		name  string
		short []byte
		valid bool
	}{
		{"status good", goodStatus, true},
		{"status last byte altered", badStatus, false},
		{"name reply good", goodName, true},
		{"name reply source altered", badName, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseShort(tt.short)
			assert.Equal(t, tt.valid, m.Valid())
			if tt.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrChecksumMismatch)
			}

			msgs := newTestReader().Feed(onWire(tt.short))
			require.Len(t, msgs, 1)
			assert.True(t, msgs[0].Complete())
			assert.Equal(t, tt.valid, msgs[0].Valid())
			assert.Equal(t, ProtocolBroadcast, msgs[0].Protocol)
		})
	}
}

func TestReader_Fields(t *testing.T) {
	msgs := newTestReader().Feed(onWire(goodName))
	require.Len(t, msgs, 1)
	m := msgs[0]

	assert.Equal(t, DirectionIn, m.Direction)
	assert.Equal(t, byte(16), m.Sub())
	assert.Equal(t, byte(15), m.Dest())
	assert.Equal(t, byte(16), m.Source())
	assert.Equal(t, byte(10), m.Action())
	assert.Equal(t, 12, m.DataLen())
	assert.Equal(t, byte(4), m.ChecksumHigh())
	assert.Equal(t, byte(247), m.ChecksumLow())
	assert.Equal(t, byte(3), m.PayloadByte(0, 0))
	assert.Equal(t, "WtrFall 3", m.PayloadString(1, 11))
	assert.Equal(t, fixedTime, m.Timestamp)
	assert.NotZero(t, m.ID)
}

func TestReader_PumpReclassification(t *testing.T) {
	out := NewMessage(ProtocolBroadcast, 16, 96, 7, nil)
	out.SetSub(0)
	wire, err := out.Pack()
	require.NoError(t, err)

	msgs := newTestReader().Feed(wire)
	require.Len(t, msgs, 1)
	assert.Equal(t, ProtocolPump, msgs[0].Protocol)
	assert.True(t, msgs[0].Valid())

	reply := NewMessage(ProtocolPump, 97, 16, 7, []byte{10, 2, 2, 2, 238, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	wire, err = reply.Pack()
	require.NoError(t, err)

	msgs = newTestReader().Feed(wire)
	require.Len(t, msgs, 1)
	assert.Equal(t, ProtocolPump, msgs[0].Protocol)
	assert.Equal(t, byte(97), msgs[0].Source())
}

func TestChecksumRoundTrip(t *testing.T) {
	maxPayload := make([]byte, MaxDataLen)
	for i := range maxPayload {
		maxPayload[i] = 255
	}

	msgs := []*Message{
		NewMessage(ProtocolBroadcast, 33, 16, 197, []byte{0}),
		NewMessage(ProtocolBroadcast, 33, 16, 2, nil),
		NewMessage(ProtocolBroadcast, 33, 15, 10, maxPayload),
		NewMessage(ProtocolPump, 33, 96, 1, []byte{2, 196, 5, 220}),
		NewMessage(ProtocolPump, 33, 111, 6, []byte{10}),
		NewChlorinatorMessage(80, 17, 50),
		NewChlorinatorMessage(80, 0),
	}

	for _, out := range msgs {
		t.Run(out.String(), func(t *testing.T) {
			wire, err := out.Pack()
			require.NoError(t, err)

			got := newTestReader().Feed(wire)
			require.Len(t, got, 1)
			in := got[0]
			assert.True(t, in.Valid(), "err: %v", in.Err)
			assert.Equal(t, out.Protocol, in.Protocol)
			assert.Equal(t, out.Action(), in.Action())
			assert.Equal(t, out.Payload, in.Payload)
			assert.Equal(t, wire, in.Bytes())
			if out.Protocol != ProtocolChlorinator {
				assert.Equal(t, out.Dest(), in.Dest())
				assert.Equal(t, out.Source(), in.Source())
			}
		})
	}
}

func TestCorruptionSensitivity(t *testing.T) {
	out := NewMessage(ProtocolBroadcast, 33, 16, 134, []byte{6, 1})
	wire, err := out.Pack()
	require.NoError(t, err)

	// every header and payload byte, preamble excluded
	for i := preambleLen; i < len(wire)-broadcastTermLen; i++ {
		corrupted := append([]byte(nil), wire...)
		corrupted[i]++

		for _, m := range newTestReader().Feed(corrupted) {
			assert.False(t, m.Valid(), "byte %d corrupted but frame still valid", i)
		}
	}

	chlor := append([]byte(nil), chlorSetOutput...)
	for i := 2; i < 5; i++ {
		corrupted := append([]byte(nil), chlor...)
		corrupted[i]++
		msgs := newTestReader().Feed(corrupted)
		require.Len(t, msgs, 1)
		assert.False(t, msgs[0].Valid())
		assert.ErrorIs(t, msgs[0].Err, ErrChecksumMismatch)
	}
}

func TestResumability(t *testing.T) {
	packets := map[string][]byte{
		"broadcast with padding": append([]byte{0, 7, 255, 0}, onWire(goodStatus)...),
		"name reply":             onWire(goodName),
		"chlorinator":            append([]byte{3, 16}, chlorSetOutput...),
		"bad checksum":           onWire(badName),
	}

	for name, b := range packets {
		t.Run(name, func(t *testing.T) {
			whole := normalized(newTestReader().Feed(b))
			require.Len(t, whole, 1)

			for i := 0; i <= len(b); i++ {
				r := newTestReader()
				first := r.Feed(b[:i])
				second := r.Feed(b[i:])

				got := normalized(append(first, second...))
				require.Len(t, got, 1, "split at %d", i)
				assert.Equal(t, whole[0], got[0], "split at %d", i)
				assert.False(t, r.InFrame())
				assert.Zero(t, r.Buffered())
			}

			r := newTestReader()
			var got []*Message
			for _, c := range b {
				got = append(got, r.Feed([]byte{c})...)
			}
			assert.Equal(t, whole, normalized(got))
		})
	}
}

func TestReader_PartialState(t *testing.T) {
	r := newTestReader()
	wire := onWire(goodStatus)

	assert.Empty(t, r.Feed(wire[:10]))
	assert.True(t, r.InFrame())
	assert.Equal(t, "ReadingPayload", r.State())
	assert.Equal(t, 10, r.Buffered())

	msgs := r.Feed(wire[10:])
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Valid())
}

func TestRunawayProtection(t *testing.T) {
	garbage := []byte{16, 2, 1, 2, 3}
	next := onWire(goodStatus)
	stream := append(append([]byte(nil), garbage...), next...)

	msgs := newTestReader().Feed(stream)
	require.Len(t, msgs, 2)

	assert.False(t, msgs[0].Valid())
	assert.False(t, msgs[0].Complete())
	assert.ErrorIs(t, msgs[0].Err, ErrRunawayPayload)
	assert.True(t, IsFramingError(msgs[0].Err))
	assert.Equal(t, ProtocolChlorinator, msgs[0].Protocol)

	assert.True(t, msgs[1].Valid())
	assert.Equal(t, goodStatus[6:19], msgs[1].Payload)

	assert.Equal(t, stream, concatBytes(msgs))
}

func TestRunawayProtection_LongRun(t *testing.T) {
	stream := []byte{16, 2}
	for i := 0; i < 30; i++ {
		stream = append(stream, byte(40+i))
	}
	stream = append(stream, chlorSetOutput...)

	r := newTestReader()
	msgs := r.Feed(stream)
	require.Len(t, msgs, 2)
	assert.ErrorIs(t, msgs[0].Err, ErrRunawayPayload)
	assert.True(t, msgs[1].Valid())
	assert.Equal(t, []byte{80, 17, 50}, msgs[1].Payload)
	assert.Equal(t, stream, concatBytes(msgs))

	st := r.Stats()
	assert.EqualValues(t, 1, st.FramingErrors)
	assert.EqualValues(t, 1, st.Valid)
}

func TestLegacyChlorinatorChecksum(t *testing.T) {
	payload := make([]byte, LegacyChlorinatorPayloadLen)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	require.NotEqual(t, LegacyChlorinatorChecksum, ChlorinatorChecksum([]byte{16, 2}, payload))

	legacy := append(append([]byte{16, 2}, payload...), LegacyChlorinatorChecksum, 16, 3)
	msgs := newTestReader().Feed(legacy)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Valid())

	wrong := append(append([]byte{16, 2}, payload...), 187, 16, 3)
	msgs = newTestReader().Feed(wrong)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Valid())

	short := append(append([]byte{16, 2}, payload[:18]...), LegacyChlorinatorChecksum, 16, 3)
	msgs = newTestReader().Feed(short)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Valid())
}

func TestOversizedLength(t *testing.T) {
	bogus := []byte{255, 0, 255, 165, 0, 16, 33, 2, MaxDataLen + 1, 9, 9}
	stream := append(append([]byte(nil), bogus...), onWire(goodName)...)

	msgs := newTestReader().Feed(stream)
	require.Len(t, msgs, 2)
	assert.ErrorIs(t, msgs[0].Err, ErrOversizedLength)
	assert.True(t, msgs[1].Valid())
	assert.Equal(t, stream, concatBytes(msgs))

	_, err := ParseShort(bogus[3:])
	require.ErrorIs(t, err, ErrOversizedLength)
}

func TestNoiseFlush(t *testing.T) {
	noise := make([]byte, 250)
	for i := range noise {
		noise[i] = 1
	}

	r := newTestReader(WithMaxPadding(100))
	msgs := r.Feed(append(noise, onWire(goodStatus)...))
	require.Len(t, msgs, 3)
	assert.ErrorIs(t, msgs[0].Err, ErrNoise)
	assert.ErrorIs(t, msgs[1].Err, ErrNoise)
	assert.Len(t, msgs[0].Padding, 100)
	assert.True(t, msgs[2].Valid())
	assert.Len(t, msgs[2].Padding, 50)
	assert.EqualValues(t, 200, r.Stats().NoiseBytes)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		window []byte
		proto  Protocol
		match  Match
	}{
		{[]byte{16, 2, 80}, ProtocolChlorinator, Matched},
		{[]byte{16}, ProtocolChlorinator, NeedMore},
		{[]byte{255, 0, 255, 165}, ProtocolBroadcast, Matched},
		{[]byte{255, 0}, ProtocolBroadcast, NeedMore},
		{[]byte{255, 0, 254}, ProtocolUnknown, NoMatch},
		{[]byte{16, 3}, ProtocolUnknown, NoMatch},
		{[]byte{0}, ProtocolUnknown, NoMatch},
	}

	for _, tt := range tests {
		proto, match := Classify(tt.window, 0)
		assert.Equal(t, tt.proto, proto, "%v", tt.window)
		assert.Equal(t, tt.match, match, "%v", tt.window)
	}

	proto, match := Classify([]byte{9, 9, 16, 2}, 2)
	assert.Equal(t, ProtocolChlorinator, proto)
	assert.Equal(t, Matched, match)
}

func TestParseShort_Chlorinator(t *testing.T) {
	m, err := ParseShort(chlorSetOutput)
	require.NoError(t, err)
	assert.Equal(t, ProtocolChlorinator, m.Protocol)
	assert.Equal(t, ChlorinatorHostAddr, m.Dest())
	assert.Equal(t, ChlorinatorDeviceAddr, m.Source())

	_, err = ParseShort([]byte{16, 2, 80, 17, 9})
	require.ErrorIs(t, err, ErrIncomplete)

	_, err = ParseShort([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = ParseShort(goodName[:10])
	require.ErrorIs(t, err, ErrIncomplete)
}
