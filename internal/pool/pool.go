// Package pool implements the bounded connection pool fronting the
// backing store. Connections are leased exclusively, reclaimed on
// release, health-checked while idle and discarded after mid-use
// errors. Waiters are served strictly first-in first-out.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
)

// Config holds connection pool configuration
type Config struct {
	MaxConns       int
	MinConns       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	HealthInterval time.Duration
}

// Stats is a point-in-time snapshot of pool state
type Stats struct {
	Active   int    `json:"active"`
	Idle     int    `json:"idle"`
	Total    int    `json:"total"`
	Max      int    `json:"max"`
	Errors   uint64 `json:"errors"`
	Timeouts uint64 `json:"timeouts"`
}

// pooledConn wraps a driver connection with pool bookkeeping
type pooledConn struct {
	conn     driver.Conn
	lastUsed time.Time
	errors   int
}

// waiter is one queued acquirer. A released connection is handed over
// directly; reservedSlot hands over freed capacity, reserved for the
// recipient; a nil send means the pool is closing.
type waiter struct {
	ch chan *pooledConn
}

// reservedSlot marks a hand-off of capacity rather than a connection:
// the recipient owns a slot already counted in total and dials for
// itself.
var reservedSlot = &pooledConn{}

// Pool is a bounded set of live backing-store connections
type Pool struct {
	cfg    *Config
	driver driver.Driver
	logger *zap.Logger

	mu      sync.Mutex
	idle    *list.List // *pooledConn, most recently used at back
	leased  map[string]*pooledConn
	waiters *list.List // *waiter, FIFO
	total   int
	closed  bool

	errorCount   uint64
	timeoutCount uint64

	stopChan chan struct{}
	stopOnce sync.Once
	healthWg sync.WaitGroup
	drained  chan struct{}
}

// New creates a new pool. No connections are dialed until Warmup or
// the first Acquire.
func New(cfg *Config, drv driver.Driver, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:      cfg,
		driver:   drv,
		logger:   logger,
		idle:     list.New(),
		leased:   make(map[string]*pooledConn),
		waiters:  list.New(),
		stopChan: make(chan struct{}),
		drained:  make(chan struct{}),
	}

	p.healthWg.Add(1)
	go p.healthLoop()

	return p
}

// Warmup dials MinConns connections concurrently
func (p *Pool) Warmup(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MinConns; i++ {
		g.Go(func() error {
			conn, err := p.driver.Connect(ctx)
			if err != nil {
				return err
			}
			p.mu.Lock()
			if p.closed || p.total >= p.cfg.MaxConns {
				p.mu.Unlock()
				return conn.Close(context.Background())
			}
			p.total++
			p.idle.PushBack(&pooledConn{conn: conn, lastUsed: time.Now()})
			p.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// Acquire leases a connection, blocking FIFO-fairly up to the acquire
// timeout when the pool is at capacity
func (p *Pool) Acquire(ctx context.Context) (driver.Conn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.PoolClosed()
		}

		// Fast path: reuse an idle connection.
		if front := p.idle.Front(); front != nil {
			pc := p.idle.Remove(front).(*pooledConn)
			p.leased[pc.conn.ID()] = pc
			p.mu.Unlock()
			return pc.conn, nil
		}

		// Grow lazily up to max.
		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()
			return p.dial(ctx)
		}

		// At capacity: queue and wait for a release.
		w := &waiter{ch: make(chan *pooledConn, 1)}
		elem := p.waiters.PushBack(w)
		p.mu.Unlock()

		select {
		case pc := <-w.ch:
			if pc == reservedSlot {
				// Freed capacity, already reserved for this waiter.
				return p.dial(ctx)
			}
			if pc == nil {
				// Pool is closing; loop to report it.
				continue
			}
			return pc.conn, nil

		case <-ctx.Done():
			p.abandonWaiter(elem, w)
			return nil, errors.PoolExhausted(ctx.Err().Error())

		case <-timer.C:
			p.abandonWaiter(elem, w)
			p.mu.Lock()
			p.timeoutCount++
			p.mu.Unlock()
			return nil, errors.PoolExhausted(
				"no connection available within " + p.cfg.AcquireTimeout.String())
		}
	}
}

// dial creates a new connection against a slot already reserved in
// total. On failure the slot passes to the oldest waiter so the
// capacity is not lost.
func (p *Pool) dial(ctx context.Context) (driver.Conn, error) {
	conn, err := p.driver.Connect(ctx)

	p.mu.Lock()
	if err != nil {
		p.errorCount++
		p.freeSlotLocked()
		p.checkDrainedLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.total--
		p.checkDrainedLocked()
		p.mu.Unlock()
		_ = conn.Close(context.Background())
		return nil, errors.PoolClosed()
	}
	p.leased[conn.ID()] = &pooledConn{conn: conn}
	p.mu.Unlock()
	return conn, nil
}

// abandonWaiter removes a timed-out waiter from the queue. If a
// connection was handed over in the same instant it is put back.
func (p *Pool) abandonWaiter(elem *list.Element, w *waiter) {
	p.mu.Lock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(e)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Already dequeued by a releaser; reclaim whatever was sent.
	select {
	case pc := <-w.ch:
		switch pc {
		case nil:
		case reservedSlot:
			p.mu.Lock()
			p.freeSlotLocked()
			p.checkDrainedLocked()
			p.mu.Unlock()
		default:
			p.Release(pc.conn, nil)
		}
	default:
	}
}

// Release returns a connection to the pool. A non-nil opErr marks the
// connection broken; it is destroyed instead of going back to idle.
func (p *Pool) Release(conn driver.Conn, opErr error) {
	p.mu.Lock()
	pc, ok := p.leased[conn.ID()]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("Release of unknown connection", zap.String("conn_id", conn.ID()))
		return
	}
	delete(p.leased, conn.ID())

	if opErr != nil || p.closed {
		if opErr != nil {
			pc.errors++
			p.errorCount++
		}
		if p.closed {
			p.total--
		} else {
			p.freeSlotLocked()
		}
		p.checkDrainedLocked()
		p.mu.Unlock()

		if err := conn.Close(context.Background()); err != nil {
			p.logger.Debug("Connection close failed", zap.Error(err))
		}
		return
	}

	pc.lastUsed = time.Now()

	// Hand directly to the oldest waiter, keeping the lease.
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		p.leased[pc.conn.ID()] = pc
		w.ch <- pc
		p.mu.Unlock()
		return
	}

	p.idle.PushBack(pc)
	p.mu.Unlock()
}

// freeSlotLocked releases one slot of capacity. If a waiter is queued
// the slot stays counted in total and is handed to it as a
// reservation, so a fresh Acquire arriving in the same instant cannot
// take it first. Caller holds p.mu.
func (p *Pool) freeSlotLocked() {
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		w.ch <- reservedSlot
		return
	}
	p.total--
}

// Stats returns a snapshot of pool state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   len(p.leased),
		Idle:     p.idle.Len(),
		Total:    p.total,
		Max:      p.cfg.MaxConns,
		Errors:   p.errorCount,
		Timeouts: p.timeoutCount,
	}
}

// healthLoop periodically discards idle connections past the idle
// timeout or failing liveness
func (p *Pool) healthLoop() {
	defer p.healthWg.Done()

	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.checkIdle()
		}
	}
}

// checkIdle takes the idle set out of the pool, pings each connection
// without holding the lock, and returns the healthy fresh ones
func (p *Pool) checkIdle() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var candidates []*pooledConn
	for e := p.idle.Front(); e != nil; e = e.Next() {
		candidates = append(candidates, e.Value.(*pooledConn))
	}
	p.idle.Init()
	p.mu.Unlock()

	now := time.Now()
	var healthy []*pooledConn
	var discard []*pooledConn
	for _, pc := range candidates {
		if now.Sub(pc.lastUsed) > p.cfg.IdleTimeout {
			discard = append(discard, pc)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := pc.conn.Ping(ctx)
		cancel()
		if err != nil {
			discard = append(discard, pc)
			continue
		}
		healthy = append(healthy, pc)
	}

	p.mu.Lock()
	for _, pc := range healthy {
		if p.closed {
			discard = append(discard, pc)
			continue
		}
		if front := p.waiters.Front(); front != nil {
			w := p.waiters.Remove(front).(*waiter)
			p.leased[pc.conn.ID()] = pc
			w.ch <- pc
			continue
		}
		p.idle.PushBack(pc)
	}
	for range discard {
		if p.closed {
			p.total--
		} else {
			p.freeSlotLocked()
		}
	}
	p.checkDrainedLocked()
	p.mu.Unlock()

	for _, pc := range discard {
		if err := pc.conn.Close(context.Background()); err != nil {
			p.logger.Debug("Idle connection close failed", zap.Error(err))
		}
	}
	if len(discard) > 0 {
		p.logger.Debug("Discarded idle connections", zap.Int("count", len(discard)))
	}
}

// checkDrainedLocked closes the drained channel once a closed pool has
// no connections left. Caller holds p.mu.
func (p *Pool) checkDrainedLocked() {
	if p.closed && p.total == 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}

// Close drains the pool: idle connections are closed immediately,
// leased ones as they are released, waiters are failed. Blocks until
// drained or the timeout elapses.
func (p *Pool) Close(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	p.mu.Lock()
	p.closed = true

	var toClose []*pooledConn
	for e := p.idle.Front(); e != nil; e = e.Next() {
		toClose = append(toClose, e.Value.(*pooledConn))
	}
	p.idle.Init()
	p.total -= len(toClose)

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).ch <- nil
	}
	p.waiters.Init()

	p.checkDrainedLocked()
	p.mu.Unlock()

	for _, pc := range toClose {
		_ = pc.conn.Close(context.Background())
	}

	p.healthWg.Wait()

	select {
	case <-p.drained:
		p.logger.Info("Connection pool drained")
		return nil
	case <-time.After(timeout):
		p.logger.Warn("Connection pool drain timeout",
			zap.Int("still_leased", p.Stats().Active))
		return errors.InternalError("pool drain timeout", nil)
	}
}
