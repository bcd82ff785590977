package capture

import (
	"errors"

	"github.com/arloliu/go-poolbus/frame"
)

// Multi fans frames out to several sinks.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) LogPacket(msg *frame.Message) {
	for _, s := range m {
		s.LogPacket(msg)
	}
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
