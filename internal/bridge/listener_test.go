package bridge

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	batches []*DetectionBatch
	err     error
}

func (f *fakeSink) EnqueueBatch(batch *DetectionBatch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, batch)
	return nil
}

func TestHandleDatagramAccepted(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	l := NewUDPListener(UDPListenerConfig{Address: ":0", Sink: sink})

	data, err := cbor.Marshal(validBatch())
	require.NoError(t, err)
	l.handleDatagram(data, &net.UDPAddr{})

	require.Len(t, sink.batches, 1)
	assert.Equal(t, "agent_a", sink.batches[0].AgentID)

	datagrams, bytes, batches, malformed, rejected := l.Stats().Snapshot()
	assert.Equal(t, int64(1), datagrams)
	assert.Equal(t, int64(len(data)), bytes)
	assert.Equal(t, int64(1), batches)
	assert.Equal(t, int64(0), malformed)
	assert.Equal(t, int64(0), rejected)
}

func TestHandleDatagramMalformed(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	l := NewUDPListener(UDPListenerConfig{Address: ":0", Sink: sink})

	l.handleDatagram([]byte{0xff, 0x01}, &net.UDPAddr{})

	assert.Empty(t, sink.batches, "malformed messages never reach the sink")
	_, _, batches, malformed, _ := l.Stats().Snapshot()
	assert.Equal(t, int64(0), batches)
	assert.Equal(t, int64(1), malformed)
}

func TestHandleDatagramRejectedBySink(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{err: errors.New("stale batch")}
	l := NewUDPListener(UDPListenerConfig{Address: ":0", Sink: sink})

	data, err := cbor.Marshal(validBatch())
	require.NoError(t, err)
	l.handleDatagram(data, &net.UDPAddr{})

	_, _, batches, _, rejected := l.Stats().Snapshot()
	assert.Equal(t, int64(0), batches)
	assert.Equal(t, int64(1), rejected)
}

func TestListenerDefaults(t *testing.T) {
	t.Parallel()
	l := NewUDPListener(UDPListenerConfig{Address: ":0", Sink: &fakeSink{}})
	assert.Equal(t, time.Minute, l.logInterval)
	assert.Equal(t, 1<<20, l.rcvBuf)
}

func TestPublisherQueueFullDrops(t *testing.T) {
	t.Parallel()

	// Dial a real socket but never drain the queue: Start is not called,
	// so the channel fills and further publishes drop without blocking.
	p, err := NewPublisher("127.0.0.1:9", 2, time.Minute)
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Publish(FusedMessage{Type: MsgFused, TimestampNanos: int64(i)})
	}

	p.mu.Lock()
	dropped := p.queueDrop
	p.mu.Unlock()
	assert.Equal(t, int64(3), dropped)
}
