package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"db-recon/internal/metrics"
)

var (
	// ErrPoolExhausted is returned by Acquire when no connection became
	// available before the context deadline.
	ErrPoolExhausted = errors.New("pool exhausted")
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool closed")
)

// Conn is the subset of a database session the pool manages. *sql.Conn
// satisfies it; tests inject fakes.
type Conn interface {
	PingContext(ctx context.Context) error
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	Close() error
}

// Factory dials one new connection. Injected at construction so the pool
// never owns global driver state.
type Factory func(ctx context.Context) (Conn, error)

// Config bounds the pool.
type Config struct {
	MinSize             int
	MaxSize             int
	MaxIdleTime         time.Duration
	MaxLifetime         time.Duration
	MaintenanceInterval time.Duration
	ProbeTimeout        time.Duration
}

func (c *Config) setDefaults() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("pool: MaxSize must be positive, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("pool: MinSize %d out of range [0, %d]", c.MinSize, c.MaxSize)
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 10 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	return nil
}

// pooledConn wraps a live connection with lease bookkeeping metadata.
type pooledConn struct {
	conn       Conn
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64
}

func (pc *pooledConn) expired(cfg Config, now time.Time) bool {
	return now.Sub(pc.lastUsedAt) > cfg.MaxIdleTime || now.Sub(pc.createdAt) > cfg.MaxLifetime
}

// Lease is the exclusive handle to one pooled connection. Release returns
// it; releasing twice is a no-op.
type Lease struct {
	pc   *pooledConn
	pool *Pool

	mu   sync.Mutex
	done bool
}

// Conn exposes the underlying connection for the duration of the lease.
func (l *Lease) Conn() Conn {
	return l.pc.conn
}

// Release returns the connection to the pool after a liveness probe.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()
	l.pool.release(l.pc)
}

// Stats is a point-in-time snapshot for the metrics sink.
type Stats struct {
	Active   int
	Idle     int
	Waits    int64
	Timeouts int64
}

// Pool owns a bounded set of database connections and hands out exclusive
// leases. All state transitions are serialized by one mutex; throughput is
// not the concern for a database-facing pool, correctness is.
type Pool struct {
	cfg     Config
	factory Factory
	log     *zap.Logger
	sink    metrics.Sink

	mu       sync.Mutex
	idle     []*pooledConn
	leased   map[*pooledConn]struct{}
	total    int // idle + leased + reserved dial slots
	waiters  []chan *pooledConn
	closed   bool
	waits    int64
	timeouts int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool, dials MinSize connections eagerly, and starts the
// maintenance goroutine. Close stops everything deterministically.
func New(cfg Config, factory Factory, log *zap.Logger, sink metrics.Sink) (*Pool, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		log:     log,
		sink:    sink,
		leased:  make(map[*pooledConn]struct{}),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		pc, err := p.dial(context.Background())
		if err != nil {
			p.closeAllLocked()
			return nil, fmt.Errorf("pool: initial dial %d/%d failed: %w", i+1, cfg.MinSize, err)
		}
		p.mu.Lock()
		p.total++
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.maintain()

	return p, nil
}

func (p *Pool) dial(ctx context.Context) (*pooledConn, error) {
	conn, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &pooledConn{conn: conn, createdAt: now, lastUsedAt: now}, nil
}

// Acquire blocks until a healthy connection is available or ctx expires.
// An already-expired ctx on a saturated pool returns ErrPoolExhausted
// without blocking. A ctx with no deadline blocks indefinitely.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Prefer an idle connection; retire expired ones transparently.
	now := time.Now()
	for len(p.idle) > 0 {
		pc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if pc.expired(p.cfg, now) {
			p.total--
			p.mu.Unlock()
			pc.conn.Close()
			p.mu.Lock()
			continue
		}
		p.leased[pc] = struct{}{}
		pc.useCount++
		p.mu.Unlock()
		return &Lease{pc: pc, pool: p}, nil
	}

	// Room to grow: reserve a slot and dial outside the lock.
	if p.total < p.cfg.MaxSize {
		p.total++
		p.mu.Unlock()
		pc, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: dial failed: %w", err)
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.conn.Close()
			return nil, ErrPoolClosed
		}
		p.leased[pc] = struct{}{}
		pc.useCount++
		p.mu.Unlock()
		return &Lease{pc: pc, pool: p}, nil
	}

	// Saturated: wait for a release or the deadline.
	ch := make(chan *pooledConn, 1)
	p.waiters = append(p.waiters, ch)
	p.waits++
	p.mu.Unlock()

	select {
	case pc := <-ch:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return &Lease{pc: pc, pool: p}, nil
	case <-ctx.Done():
		p.removeWaiter(ch)
		// A release may have raced the deadline; keep the conn if so.
		select {
		case pc := <-ch:
			if pc != nil {
				return &Lease{pc: pc, pool: p}, nil
			}
			return nil, ErrPoolClosed
		default:
		}
		p.mu.Lock()
		p.timeouts++
		p.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(ch chan *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// release probes the connection and returns it to the idle set, handing it
// straight to a waiter when one is queued. A failed probe retires the
// connection; the pool replenishes toward MinSize asynchronously.
func (p *Pool) release(pc *pooledConn) {
	probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	err := pc.conn.PingContext(probeCtx)
	cancel()

	p.mu.Lock()
	delete(p.leased, pc)

	if p.closed {
		p.mu.Unlock()
		pc.conn.Close()
		return
	}

	if err != nil {
		p.total--
		below := p.total < p.cfg.MinSize
		p.mu.Unlock()
		pc.conn.Close()
		p.log.Warn("retiring unhealthy connection", zap.Error(err))
		if below {
			go p.replenish()
		}
		return
	}

	pc.lastUsedAt = time.Now()
	p.handOffLocked(pc)
	p.mu.Unlock()
}

// handOffLocked gives pc to the oldest waiter or parks it idle. Caller holds mu.
func (p *Pool) handOffLocked(pc *pooledConn) {
	for len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leased[pc] = struct{}{}
		pc.useCount++
		select {
		case ch <- pc:
			return
		default:
			// Waiter gave up between queueing and hand-off.
			delete(p.leased, pc)
			pc.useCount--
		}
	}
	p.idle = append(p.idle, pc)
}

// replenish dials replacements until the pool is back at MinSize.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pc, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.log.Warn("replenish dial failed", zap.Error(err))
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pc.conn.Close()
			return
		}
		p.handOffLocked(pc)
		p.mu.Unlock()
	}
}

// maintain periodically retires idle connections past their idle or lifetime
// limits, tops the pool back up to MinSize, and reports stats. It exits when
// Close is called; Close waits for it.
func (p *Pool) maintain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
			p.replenish()
			s := p.Stats()
			p.sink.RecordPoolStats(s.Active, s.Idle, s.Waits, s.Timeouts)
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	var retired []*pooledConn

	p.mu.Lock()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if pc.expired(p.cfg, now) {
			retired = append(retired, pc)
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range retired {
		pc.conn.Close()
	}
	if len(retired) > 0 {
		p.log.Debug("retired idle connections", zap.Int("count", len(retired)))
	}
}

// Close drains and closes every connection, idle or leased-but-abandoned,
// wakes all waiters with ErrPoolClosed, and stops the maintenance goroutine
// before returning.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.closeAllLocked()
}

func (p *Pool) closeAllLocked() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	leased := make([]*pooledConn, 0, len(p.leased))
	for pc := range p.leased {
		leased = append(leased, pc)
	}
	p.leased = make(map[*pooledConn]struct{})
	waiters := p.waiters
	p.waiters = nil
	p.total = 0
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, pc := range idle {
		pc.conn.Close()
	}
	for _, pc := range leased {
		pc.conn.Close()
	}
}

// Stats returns a snapshot of pool occupancy and wait counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   len(p.leased),
		Idle:     len(p.idle),
		Waits:    p.waits,
		Timeouts: p.timeouts,
	}
}
