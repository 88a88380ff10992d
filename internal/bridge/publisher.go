package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Publisher sends encoded outbound messages to a UDP address without ever
// blocking the fusion cycle: messages are queued on a bounded channel and a
// background goroutine drains it. When the queue is full the message is
// dropped and counted; drops are summarised at the log interval.
type Publisher struct {
	conn        *net.UDPConn
	channel     chan []byte
	logInterval time.Duration
	address     string

	mu        sync.Mutex
	queueDrop int64
	writeDrop int64
	published int64
	lastErr   error
}

// NewPublisher creates a publisher dialled to the given address.
func NewPublisher(address string, queueDepth int, logInterval time.Duration) (*Publisher, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve publish address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish connection: %w", err)
	}

	if queueDepth <= 0 {
		queueDepth = 256
	}
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &Publisher{
		conn:        conn,
		channel:     make(chan []byte, queueDepth),
		logInterval: logInterval,
		address:     address,
	}, nil
}

// Start begins the publishing goroutine.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-p.channel:
				if _, err := p.conn.Write(msg); err != nil {
					p.mu.Lock()
					p.writeDrop++
					p.lastErr = err
					p.mu.Unlock()
					continue
				}
				p.mu.Lock()
				p.published++
				p.mu.Unlock()
			case <-ticker.C:
				p.logDrops()
			}
		}
	}()

	log.Printf("Publishing trust output to %s", p.address)
}

func (p *Publisher) logDrops() {
	p.mu.Lock()
	queueDrop, writeDrop, lastErr := p.queueDrop, p.writeDrop, p.lastErr
	p.queueDrop, p.writeDrop, p.lastErr = 0, 0, nil
	p.mu.Unlock()

	if queueDrop > 0 || writeDrop > 0 {
		log.Printf("\033[93mDropped %d outbound messages (queue full) and %d on write (latest: %v)\033[0m",
			queueDrop, writeDrop, lastErr)
	}
}

// Publish encodes the message and queues it without blocking. A full queue
// drops the message.
func (p *Publisher) Publish(v any) {
	data, err := Encode(v)
	if err != nil {
		log.Printf("Failed to encode outbound message: %v", err)
		return
	}

	select {
	case p.channel <- data:
	default:
		p.mu.Lock()
		p.queueDrop++
		p.mu.Unlock()
	}
}

// Published returns the number of messages successfully written.
func (p *Publisher) Published() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// Close closes the UDP connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
