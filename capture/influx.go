package capture

import (
	"errors"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/arloliu/go-poolbus/frame"
	"github.com/arloliu/go-poolbus/logger"
)

const (
	DefaultInfluxMeasurement = "poolbus_frames"

	influxCloseWait = 2 * time.Second
)

// InfluxConfig configures an InfluxSink.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	// BatchSize is the number of points written per request, 0 for the
	// client default.
	BatchSize uint
}

// InfluxSink writes one point per frame, tagged with direction, protocol
// and action.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	logger      logger.Logger
	errDone     chan struct{}
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink creates a sink writing one point per frame through the
// client's batching write API.
func NewInfluxSink(cfg InfluxConfig, l logger.Logger) (*InfluxSink, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("capture: influx url, org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultInfluxMeasurement
	}
	if l == nil {
		l = logger.GetLogger()
	}

	opts := influxdb2.DefaultOptions().SetLogLevel(0)
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	s := &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		logger:      l.With("sink", "influx"),
		errDone:     make(chan struct{}),
	}

	errCh := s.writeAPI.Errors()
	go func() {
		defer close(s.errDone)
		for err := range errCh {
			s.logger.Warn("influx write failed", "error", err)
		}
	}()

	return s, nil
}

// Point converts msg to the point written for it.
func (s *InfluxSink) Point(msg *frame.Message) *write.Point {
	tags := map[string]string{
		"dir":   msg.Direction.String(),
		"proto": msg.Protocol.String(),
	}
	fields := map[string]any{
		"valid":   msg.Valid(),
		"len":     len(msg.Payload),
		"padding": len(msg.Padding),
	}
	if msg.Protocol != frame.ProtocolChlorinator {
		tags["action"] = strconv.Itoa(int(msg.Action()))
		fields["source"] = int(msg.Source())
		fields["dest"] = int(msg.Dest())
	} else if len(msg.Payload) > 1 {
		tags["action"] = strconv.Itoa(int(msg.Payload[1]))
	}
	if msg.Err != nil {
		fields["error"] = msg.Err.Error()
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return influxdb2.NewPoint(s.measurement, tags, fields, ts)
}

func (s *InfluxSink) LogPacket(msg *frame.Message) {
	s.writeAPI.WritePoint(s.Point(msg))
}

// Flush writes pending points.
func (s *InfluxSink) Flush() {
	s.writeAPI.Flush()
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	s.writeAPI.Flush()
	s.client.Close()

	select {
	case <-s.errDone:
	case <-time.After(influxCloseWait):
	}

	return nil
}
