package capture

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

var _ paho.Token = (*fakeToken)(nil)

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)

	return t
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}            { return t.done }
func (t *fakeToken) Error() error                     { return t.err }

type publication struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu           sync.Mutex
	pubs         []publication
	err          error
	disconnected bool
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload any) paho.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, _ := payload.([]byte)
	p.pubs = append(p.pubs, publication{topic: topic, qos: qos, payload: b})

	return newFakeToken(p.err)
}

func (p *fakePublisher) Disconnect(_ uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
}

func (p *fakePublisher) publications() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]publication(nil), p.pubs...)
}

func TestMQTTSink_Publish(t *testing.T) {
	pub := &fakePublisher{}
	sink := newMQTTSink(pub, MQTTConfig{QoS: 1}, nil)

	msgs := sampleTraffic(t)
	for _, m := range msgs {
		sink.LogPacket(m)
	}

	pubs := pub.publications()
	require.Len(t, pubs, len(msgs))
	assert.Equal(t, "poolbus/in/pump", pubs[0].topic)
	assert.Equal(t, "poolbus/in/chlorinator", pubs[1].topic)
	assert.Equal(t, "poolbus/in/broadcast", pubs[2].topic)
	assert.Equal(t, byte(1), pubs[0].qos)

	var rec Record
	require.NoError(t, json.Unmarshal(pubs[0].payload, &rec))
	assert.Equal(t, msgs[0].Bytes(), rec.Wire())

	require.Eventually(t, func() bool { return sink.Published() == uint64(len(msgs)) },
		time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.Failed())

	require.NoError(t, sink.Close())
	assert.True(t, pub.disconnected)
}

func TestMQTTSink_ValidOnlyAndFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	sink := newMQTTSink(pub, MQTTConfig{TopicPrefix: "pool", ValidOnly: true}, nil)

	good := sampleTraffic(t)[0]
	bad := NewRecord(good)
	bad.Pkt[SectionTerm][0]++
	invalid, err := bad.Message()
	require.NoError(t, err)
	require.False(t, invalid.Valid())

	sink.LogPacket(invalid)
	sink.LogPacket(good)

	pubs := pub.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, "pool/in/pump", pubs[0].topic)

	require.Eventually(t, func() bool { return sink.Failed() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.Published())
}

func TestNewMQTTSink_RequiresBroker(t *testing.T) {
	_, err := NewMQTTSink(MQTTConfig{}, nil)
	require.Error(t, err)
}
