package storeclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runbox/backend/internal/metrics"
	"github.com/runbox/backend/internal/protocol"
)

// DefaultPoolSize is the number of backend sessions kept dialed.
const DefaultPoolSize = 3

// Startup dial retry schedule: the store server may come up after the
// gateway.
const (
	dialAttempts = 5
	dialBackoff  = 500 * time.Millisecond
)

// Pool is a fixed set of store connections handed out one lease at a time.
// Free slots travel through a channel; acquisition blocks until a slot frees
// or the context expires.
type Pool struct {
	addr    string
	pub     *rsa.PublicKey
	free    chan *slot
	size    int
	metrics *metrics.Metrics
	log     *slog.Logger
}

// slot is one pool position. A nil or poisoned client is replaced on the
// next acquire.
type slot struct {
	client *Client
}

// NewPool eagerly dials size connections to addr, retrying each with backoff.
func NewPool(addr string, pub *rsa.PublicKey, size int, m *metrics.Metrics, log *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		addr:    addr,
		pub:     pub,
		free:    make(chan *slot, size),
		size:    size,
		metrics: m,
		log:     log,
	}

	for i := 0; i < size; i++ {
		client, err := p.dialRetry()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("dial pool connection %d: %w", i, err)
		}
		p.free <- &slot{client: client}
	}
	p.log.Info("store pool ready", "addr", addr, "size", size)
	return p, nil
}

func (p *Pool) dialRetry() (*Client, error) {
	var err error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * dialBackoff)
		}
		var client *Client
		if client, err = Dial(p.addr, p.pub); err == nil {
			return client, nil
		}
		p.log.Warn("store dial failed", "addr", p.addr, "attempt", attempt+1, "error", err)
	}
	return nil, err
}

// Acquire waits for a free connection and leases it. A poisoned slot is
// redialed before the lease is handed out; if the redial fails the slot goes
// back to the pool and the acquire fails.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	start := time.Now()
	select {
	case s := <-p.free:
		p.metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
		if s.client == nil || s.client.poisoned {
			if s.client != nil {
				s.client.Close()
				s.client = nil
			}
			client, err := Dial(p.addr, p.pub)
			if err != nil {
				p.free <- s
				return nil, fmt.Errorf("redial store: %w", err)
			}
			p.log.Info("store connection replaced", "addr", p.addr)
			s.client = client
		}
		p.metrics.PoolOccupied.Inc()
		return &Lease{pool: p, slot: s}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the currently free connections. Leased connections close
// when released after their slot is drained; callers stop issuing calls
// before closing.
func (p *Pool) Close() {
	for {
		select {
		case s := <-p.free:
			if s.client != nil {
				s.client.Close()
			}
		default:
			return
		}
	}
}

// Lease is exclusive ownership of one pooled connection for one call.
// Release is safe to call more than once and on every exit path.
type Lease struct {
	pool *Pool
	slot *slot
	once sync.Once
}

// Call issues one RPC on the leased connection.
func (l *Lease) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	return l.slot.client.Call(ctx, req)
}

// Release returns the connection to the pool. A poisoned connection is
// closed here and replaced on the next acquire.
func (l *Lease) Release() {
	l.once.Do(func() {
		s := l.slot
		if s.client != nil && s.client.poisoned {
			l.pool.log.Warn("store connection poisoned", "addr", l.pool.addr)
			s.client.Close()
			s.client = nil
		}
		l.pool.metrics.PoolOccupied.Dec()
		l.pool.free <- s
	})
}
