// Package frame implements the wire framing of the pool-equipment RS-485 bus.
//
// Three protocols share the line:
//
//	Broadcast:   [255,0,255] [165,sub,dest,src,action,len] payload [chkHi,chkLo]
//	Pump:        same shape as Broadcast, addressed to or from 96..111
//	Chlorinator: [16,2] payload [chk,16,3]
//
// Reader turns an arbitrarily chunked byte stream into Messages, Encode turns
// Messages into wire packets.
package frame

import (
	"fmt"
	"strings"
)

// Protocol identifies which framing a message uses.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolBroadcast
	ProtocolPump
	ProtocolChlorinator
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBroadcast:
		return "broadcast"
	case ProtocolPump:
		return "pump"
	case ProtocolChlorinator:
		return "chlorinator"
	default:
		return "unknown"
	}
}

// ParseProtocol is the inverse of Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "broadcast":
		return ProtocolBroadcast, nil
	case "pump":
		return ProtocolPump, nil
	case "chlorinator":
		return ProtocolChlorinator, nil
	case "unknown", "":
		return ProtocolUnknown, nil
	}

	return ProtocolUnknown, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// Direction tells whether a message was received or transmitted.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionOut {
		return "out"
	}

	return "in"
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in":
		return DirectionIn, nil
	case "out":
		return DirectionOut, nil
	}

	return DirectionIn, fmt.Errorf("frame: unknown direction %q", s)
}

// Broadcast and Pump framing.
const (
	// HeaderStart is the first header byte of a Broadcast or Pump frame.
	HeaderStart byte = 165
	// DefaultSubByte is the header sub byte used on Broadcast frames.
	DefaultSubByte byte = 33
	// MaxDataLen is the largest payload length accepted from the wire.
	MaxDataLen = 50
	// PumpAddressMin and PumpAddressMax bound the pump address range.
	PumpAddressMin byte = 96
	PumpAddressMax byte = 111

	preambleLen        = 3
	broadcastHeaderLen = 6
	broadcastTermLen   = 2
)

// Chlorinator framing.
const (
	// MaxChlorinatorPayload is the number of payload bytes read without a
	// terminator before the frame is declared runaway.
	MaxChlorinatorPayload = 20
	// LegacyChlorinatorPayloadLen and LegacyChlorinatorChecksum describe an
	// older chlorinator revision that always sends checksum 188 on its
	// 19-byte payload, whatever the sum.
	LegacyChlorinatorPayloadLen      = 19
	LegacyChlorinatorChecksum   byte = 188

	// ChlorinatorDeviceAddr and ChlorinatorHostAddr are the implied
	// addresses of chlorinator frames, which carry none on the wire.
	ChlorinatorDeviceAddr byte = 80
	ChlorinatorHostAddr   byte = 0

	chlorinatorHeaderLen = 2
	chlorinatorTermLen   = 3
)

var (
	preamble              = [preambleLen]byte{255, 0, 255}
	broadcastSignature    = [...]byte{255, 0, 255, HeaderStart}
	chlorinatorSignature  = [...]byte{16, 2}
	chlorinatorTerminator = [...]byte{16, 3}
)

// IsPumpAddress reports whether addr lies in the pump address range.
func IsPumpAddress(addr byte) bool {
	return addr >= PumpAddressMin && addr <= PumpAddressMax
}

// IsLegacyChlorinator reports whether a chlorinator frame matches the legacy
// fixed-checksum exception.
func IsLegacyChlorinator(payloadLen int, checksum byte) bool {
	return payloadLen == LegacyChlorinatorPayloadLen && checksum == LegacyChlorinatorChecksum
}
