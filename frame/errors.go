package frame

import "errors"

var (
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	ErrOversizedLength  = errors.New("frame: declared data length exceeds limit")
	ErrRunawayPayload   = errors.New("frame: chlorinator terminator not found")
	ErrNoise            = errors.New("frame: unframed bytes")
	ErrIncomplete       = errors.New("frame: incomplete frame")
	ErrUnknownProtocol  = errors.New("frame: unknown protocol")
	ErrPayloadTooLong   = errors.New("frame: payload too long")
)

// IsFramingError reports whether err means the byte stream could not be
// framed, as opposed to a well framed message with a bad checksum.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrOversizedLength) || errors.Is(err, ErrRunawayPayload)
}
