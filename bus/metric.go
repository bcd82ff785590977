package bus

import "sync/atomic"

// ConnectionMetrics contains atomic counters for a bus connection.
// They can back a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	BytesReceived atomic.Uint64
	BytesSent     atomic.Uint64

	// FramesReceived counts complete inbound frames, valid or not.
	FramesReceived atomic.Uint64
	// FramesInvalid counts inbound frames failing checksum or framing.
	FramesInvalid atomic.Uint64
	// FramingErrors counts oversized and runaway frames.
	FramingErrors atomic.Uint64
	FramesSent    atomic.Uint64

	CommandsSucceeded atomic.Uint64
	CommandsFailed    atomic.Uint64
	// CommandRetries counts resends after a response timeout.
	CommandRetries atomic.Uint64
	// CommandsInflight is 1 while a request awaits its response.
	CommandsInflight atomic.Int64

	// DispatchDropped counts messages a slow handler did not accept in time.
	DispatchDropped atomic.Uint64
	ReconnectCount  atomic.Uint32
}

func (m *ConnectionMetrics) addBytesReceived(n int) {
	m.BytesReceived.Add(uint64(n))
}

func (m *ConnectionMetrics) addBytesSent(n int) {
	m.BytesSent.Add(uint64(n))
}

func (m *ConnectionMetrics) incFramesReceived() {
	m.FramesReceived.Add(1)
}

func (m *ConnectionMetrics) incFramesInvalid() {
	m.FramesInvalid.Add(1)
}

func (m *ConnectionMetrics) incFramingErrors() {
	m.FramingErrors.Add(1)
}

func (m *ConnectionMetrics) incFramesSent() {
	m.FramesSent.Add(1)
}

func (m *ConnectionMetrics) incCommandsSucceeded() {
	m.CommandsSucceeded.Add(1)
}

func (m *ConnectionMetrics) incCommandsFailed() {
	m.CommandsFailed.Add(1)
}

func (m *ConnectionMetrics) incCommandRetries() {
	m.CommandRetries.Add(1)
}

func (m *ConnectionMetrics) setInflight(busy bool) {
	if busy {
		m.CommandsInflight.Store(1)
	} else {
		m.CommandsInflight.Store(0)
	}
}

func (m *ConnectionMetrics) incDispatchDropped() {
	m.DispatchDropped.Add(1)
}

func (m *ConnectionMetrics) incReconnectCount() {
	m.ReconnectCount.Add(1)
}
