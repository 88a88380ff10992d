package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// BatchSink receives decoded detection batches. The pipeline implements it;
// a returned error means the batch was rejected (stale or duplicate
// timestamp) and is counted but not fatal.
type BatchSink interface {
	EnqueueBatch(batch *DetectionBatch) error
}

// ListenerStats tracks datagram counters for the periodic stats log.
type ListenerStats struct {
	mu        sync.Mutex
	datagrams int64
	bytes     int64
	batches   int64
	malformed int64
	rejected  int64
}

func (s *ListenerStats) addDatagram(n int) {
	s.mu.Lock()
	s.datagrams++
	s.bytes += int64(n)
	s.mu.Unlock()
}

func (s *ListenerStats) addBatch()     { s.mu.Lock(); s.batches++; s.mu.Unlock() }
func (s *ListenerStats) addMalformed() { s.mu.Lock(); s.malformed++; s.mu.Unlock() }
func (s *ListenerStats) addRejected()  { s.mu.Lock(); s.rejected++; s.mu.Unlock() }

// Snapshot returns the current counters.
func (s *ListenerStats) Snapshot() (datagrams, bytes, batches, malformed, rejected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datagrams, s.bytes, s.batches, s.malformed, s.rejected
}

// LogStats emits one summary line of the listener counters.
func (s *ListenerStats) LogStats() {
	datagrams, bytes, batches, malformed, rejected := s.Snapshot()
	log.Printf("Detection listener: %d datagrams (%d bytes), %d batches accepted, %d malformed, %d rejected",
		datagrams, bytes, batches, malformed, rejected)
}

// UDPListener receives detection batches over UDP and hands the decoded
// batches to the sink. Malformed messages are dropped with a logged reason;
// the listener never stops over a bad payload.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	sink        BatchSink
	stats       *ListenerStats
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Sink        BatchSink
}

// NewUDPListener creates a UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	rcvBuf := config.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 1 << 20
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      rcvBuf,
		logInterval: logInterval,
		sink:        config.Sink,
		stats:       &ListenerStats{},
	}
}

// Stats exposes the listener counters.
func (l *UDPListener) Stats() *ListenerStats { return l.stats }

// Start begins listening for detection datagrams and blocks until the
// context is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		log.Printf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
	}

	log.Printf("Detection listener started on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	go l.startStatsLogging(ctx)

	// Detection batches are small; 64 KiB covers the largest UDP payload.
	buffer := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			log.Print("Detection listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Read deadline keeps the loop responsive to cancellation.
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, src, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("UDP read error: %v", err)
				continue
			}

			l.handleDatagram(buffer[:n], src)
		}
	}
}

func (l *UDPListener) handleDatagram(data []byte, src *net.UDPAddr) {
	l.stats.addDatagram(len(data))

	batch, err := DecodeDetectionBatch(data)
	if err != nil {
		l.stats.addMalformed()
		log.Printf("Dropping malformed message from %v: %v", src, err)
		return
	}

	if err := l.sink.EnqueueBatch(batch); err != nil {
		l.stats.addRejected()
		log.Printf("Rejecting batch from %v: %v", src, err)
		return
	}
	l.stats.addBatch()
}

func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// First report shortly after startup, then on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
