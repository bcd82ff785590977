package frame

import "fmt"

// Packet is an encoded frame split into its wire sections.
type Packet struct {
	Preamble []byte
	Header   []byte
	Payload  []byte
	Term     []byte
}

// Bytes returns the packet as sent on the wire.
func (p Packet) Bytes() []byte {
	out := make([]byte, 0, p.Len())
	out = append(out, p.Preamble...)
	out = append(out, p.Header...)
	out = append(out, p.Payload...)
	out = append(out, p.Term...)

	return out
}

// Len returns the wire length of the packet.
func (p Packet) Len() int {
	return len(p.Preamble) + len(p.Header) + len(p.Payload) + len(p.Term)
}

// Encode builds the wire packet for m without modifying it.
//
// The length byte is always taken from the current payload, and the checksum
// is computed over the header and payload that are returned.
func Encode(m *Message) (Packet, error) {
	payload := cloneBytes(m.Payload)
	if payload == nil {
		payload = []byte{}
	}

	switch m.Protocol {
	case ProtocolBroadcast, ProtocolPump:
		if len(payload) > MaxDataLen {
			return Packet{}, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLong, len(payload), MaxDataLen)
		}
		header := []byte{HeaderStart, m.Sub(), m.Dest(), m.Source(), m.Action(), byte(len(payload))}
		sum := BroadcastChecksum(header, payload)

		return Packet{
			Preamble: append([]byte(nil), preamble[:]...),
			Header:   header,
			Payload:  payload,
			Term:     []byte{byte(sum >> 8), byte(sum)},
		}, nil

	case ProtocolChlorinator:
		if len(payload) > MaxChlorinatorPayload {
			return Packet{}, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLong, len(payload), MaxChlorinatorPayload)
		}
		header := append([]byte(nil), chlorinatorSignature[:]...)
		chk := ChlorinatorChecksum(header, payload)

		return Packet{
			Header:  header,
			Payload: payload,
			Term:    []byte{chk, chlorinatorTerminator[0], chlorinatorTerminator[1]},
		}, nil
	}

	return Packet{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, m.Protocol)
}
