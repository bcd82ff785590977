package frame

import "fmt"

// Sum returns the arithmetic sum of all bytes in parts.
func Sum(parts ...[]byte) int {
	sum := 0
	for _, p := range parts {
		for _, b := range p {
			sum += int(b)
		}
	}

	return sum
}

// BroadcastChecksum is the 16-bit sum of header and payload sent as
// [hi, lo] after a Broadcast or Pump payload.
func BroadcastChecksum(header, payload []byte) uint16 {
	return uint16(Sum(header, payload) & 0xFFFF) //nolint:gosec // wire checksum is 16 bits
}

// ChlorinatorChecksum is the 8-bit sum of header and payload sent before the
// [16,3] terminator.
func ChlorinatorChecksum(header, payload []byte) byte {
	return byte(Sum(header, payload) & 0xFF)
}

// verify checks the terminator of a complete frame.
func verify(m *Message) error {
	switch m.Protocol {
	case ProtocolBroadcast, ProtocolPump:
		if len(m.Term) != broadcastTermLen {
			return ErrIncomplete
		}
		wire := uint16(m.Term[0])<<8 | uint16(m.Term[1])
		calc := BroadcastChecksum(m.Header, m.Payload)
		if wire != calc {
			return fmt.Errorf("%w: wire=0x%04X, computed=0x%04X", ErrChecksumMismatch, wire, calc)
		}

	case ProtocolChlorinator:
		if len(m.Term) != chlorinatorTermLen {
			return ErrIncomplete
		}
		if IsLegacyChlorinator(len(m.Payload), m.Term[0]) {
			return nil
		}
		calc := ChlorinatorChecksum(m.Header, m.Payload)
		if m.Term[0] != calc {
			return fmt.Errorf("%w: wire=0x%02X, computed=0x%02X", ErrChecksumMismatch, m.Term[0], calc)
		}

	default:
		return ErrUnknownProtocol
	}

	return nil
}
