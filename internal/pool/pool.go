// Package pool implements the connection pool: one admission algorithm
// shared by every connection kind behind ports.Connection, a single mutex
// protecting the pool's bookkeeping, and a FIFO one-shot wake signal for
// requests that have to wait for capacity.
package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
	"github.com/thushan/httpcore/internal/logger"
	"github.com/thushan/httpcore/pkg/eventbus"
)

var errPoolClosed = errors.New("pool is closed")

// ConnectionFactory creates a new, not-yet-dialed connection for origin.
// The pool never dials itself - dialing, ALPN negotiation and protocol
// selection belong to whatever Connection the factory returns.
type ConnectionFactory func(origin domain.Origin) ports.Connection

// Options configures the pool's admission bounds.
type Options struct {
	MaxConnections          int
	MaxKeepaliveConnections int
	PoolTimeout             time.Duration

	// Logger receives pool lifecycle diagnostics. Optional; nil disables.
	Logger *logger.StyledLogger
}

// EventType identifies a pool lifecycle event published on the pool's
// EventBus - an optional diagnostic channel alongside the per-request
// "trace" extension, useful for a caller that wants to observe
// connection churn across the whole pool rather than one request at a
// time.
type EventType string

const (
	EventConnectionCreated EventType = "connection.created"
	EventConnectionEvicted EventType = "connection.evicted"
	EventConnectionExpired EventType = "connection.expired"
	EventPoolTimeout       EventType = "pool.timeout"
)

// Event is published asynchronously (never blocking the caller holding the
// pool lock) to subscribers of Pool.Events().
type Event struct {
	Type      EventType
	Origin    domain.Origin
	Timestamp time.Time
}

type entry struct {
	conn      ports.Connection
	origin    domain.Origin
	idleSince time.Time
	isIdle    bool
}

// waiter is a pending request's bookkeeping: a request that could
// not be admitted immediately, parked on a one-shot channel until the pool
// signals it to retry selection.
type waiter struct {
	origin domain.Origin
	wake   chan struct{}
}

// Pool is the shared connection pool.
type Pool struct {
	factory ConnectionFactory
	opts    Options

	mu       sync.Mutex
	conns    []*entry
	waitList *list.List // of *waiter, FIFO
	closed   bool
	closeCh  chan struct{}

	events *eventbus.EventBus[Event]
}

func New(factory ConnectionFactory, opts Options) *Pool {
	return &Pool{
		factory:  factory,
		opts:     opts,
		waitList: list.New(),
		closeCh:  make(chan struct{}),
		events:   eventbus.New[Event](),
	}
}

// Events returns a channel of pool lifecycle events and a cleanup function
// the caller must invoke when done listening (pkg/eventbus's subscriber
// handle).
func (p *Pool) Events(ctx context.Context) (<-chan Event, func()) {
	return p.events.Subscribe(ctx)
}

func (p *Pool) publish(evt EventType, origin domain.Origin) {
	p.events.PublishAsync(Event{Type: evt, Origin: origin, Timestamp: time.Now()})
	if p.opts.Logger != nil {
		p.opts.Logger.Debug("pool event", "event", string(evt), "origin", origin.String())
	}
}

// HandleRequest admits req.URL's origin, obtaining or creating a
// connection, and relays the request/response through it. NewConnectionRequired
// is handled internally by re-entering admission on a fresh connection; it
// never surfaces to the caller.
func (p *Pool) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	origin := req.URL.Origin()
	req = withRequestID(req)

	poolTimeout := p.opts.PoolTimeout
	if t := req.Timeout(); t.Pool != nil {
		poolTimeout = time.Duration(*t.Pool * float64(time.Second))
	}

	for {
		conn, err := p.acquire(ctx, origin, poolTimeout)
		if err != nil {
			return nil, err
		}

		resp, err := conn.HandleRequest(ctx, req)
		if err != nil {
			if _, ok := err.(*domain.NewConnectionRequired); ok {
				p.discard(conn)
				continue
			}
			return nil, err
		}

		// Re-run the expiry sweep and wake FIFO-parked waiters the
		// instant this response is closed,
		// rather than waiting for some unrelated caller to next enter
		// acquire(). Distinct from the connection's own onDone hook, which
		// only governs that one connection's idle/closed transition.
		resp.OnClose(func() {
			p.mu.Lock()
			victims := p.sweepExpiredLocked()
			p.mu.Unlock()
			closeDetached(victims)
		})
		return resp, nil
	}
}

// withRequestID stamps req with a unique id (if it doesn't already carry
// one) so trace callbacks and log lines can correlate every milestone of
// one request's journey through the pool and its connection.
func withRequestID(req domain.Request) domain.Request {
	if _, ok := req.Extensions.Get(domain.ExtRequestID); ok {
		return req
	}
	req.Extensions = req.Extensions.Set(domain.ExtRequestID, uuid.NewString())
	return req
}

// acquire implements the admission algorithm: reuse an available
// connection for origin, else create one under max_connections, else evict
// the LRU idle connection of a different origin, else park on the FIFO
// wait list until signalled or the pool timeout elapses.
func (p *Pool) acquire(ctx context.Context, origin domain.Origin, poolTimeout time.Duration) (ports.Connection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &domain.LocalProtocolError{Err: errPoolClosed}
		}
		victims := p.sweepExpiredLocked()

		if conn := p.pickAvailableLocked(origin); conn != nil {
			p.mu.Unlock()
			closeDetached(victims)
			return conn, nil
		}

		if len(p.conns) < p.opts.MaxConnections {
			conn := p.factory(origin)
			p.conns = append(p.conns, &entry{conn: conn, origin: origin})
			p.mu.Unlock()
			closeDetached(victims)
			p.publish(EventConnectionCreated, origin)
			return conn, nil
		}

		if evicted := p.evictLRUIdleOtherOriginLocked(origin); evicted != nil {
			conn := p.factory(origin)
			p.conns = append(p.conns, &entry{conn: conn, origin: origin})
			p.mu.Unlock()
			closeDetached(append(victims, evicted))
			p.publish(EventConnectionEvicted, origin)
			p.publish(EventConnectionCreated, origin)
			return conn, nil
		}

		w := &waiter{origin: origin, wake: make(chan struct{}, 1)}
		elem := p.waitList.PushBack(w)
		p.mu.Unlock()
		closeDetached(victims)

		if err := p.waitForSignal(ctx, w, origin, poolTimeout); err != nil {
			p.mu.Lock()
			p.waitList.Remove(elem)
			p.mu.Unlock()
			return nil, err
		}
		// Loop back and re-run selection; a slot was freed for us.
	}
}

// closeDetached closes connections the pool just dropped from its
// bookkeeping. The caller must have released the pool lock: the lock is
// never held across I/O, and closing a real socket is a syscall. Closes
// run in their own goroutines so the admitting request doesn't absorb
// their latency either.
func closeDetached(conns []ports.Connection) {
	for _, conn := range conns {
		go func(c ports.Connection) { _ = c.Close() }(conn)
	}
}

func (p *Pool) waitForSignal(ctx context.Context, w *waiter, origin domain.Origin, poolTimeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if poolTimeout > 0 {
		timer := time.NewTimer(poolTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closeCh:
		return &domain.LocalProtocolError{Err: errPoolClosed}
	case <-timeoutCh:
		p.publish(EventPoolTimeout, origin)
		return &domain.PoolTimeout{Origin: origin.String(), Timeout: poolTimeout}
	}
}

// pickAvailableLocked returns an existing connection for origin that can
// accept another request: reuse always beats creating a new connection.
func (p *Pool) pickAvailableLocked(origin domain.Origin) ports.Connection {
	for i, e := range p.conns {
		if e.conn.IsClosed() {
			continue
		}
		if e.conn.CanHandleRequest(origin) && e.conn.IsAvailable() {
			e.isIdle = false
			// Rotate the reused connection to the back of the list so
			// repeated selection spreads load across same-origin
			// connections instead of hammering the first match.
			p.conns = append(append(p.conns[:i], p.conns[i+1:]...), e)
			return e.conn
		}
	}
	return nil
}

// evictLRUIdleOtherOriginLocked removes the least-recently-used idle
// connection whose origin differs from origin, making room for a new
// connection to origin under the max_connections cap. The victim is
// returned for the caller to close once the lock is released.
func (p *Pool) evictLRUIdleOtherOriginLocked(origin domain.Origin) ports.Connection {
	var lru *entry
	lruIdx := -1
	for i, e := range p.conns {
		if e.origin.Equal(origin) {
			continue
		}
		if !e.conn.IsIdle() {
			continue
		}
		if lru == nil || e.idleSince.Before(lru.idleSince) {
			lru = e
			lruIdx = i
		}
	}
	if lru == nil {
		return nil
	}
	p.conns = append(p.conns[:lruIdx], p.conns[lruIdx+1:]...)
	return lru.conn
}

// sweepExpiredLocked drops closed and expired-idle connections, and
// enforces max_keepalive_connections by closing the oldest idle
// connections beyond the cap. Runs on every acquire: expiry is checked
// whenever the pool lock is taken, not on a background timer. Dropped
// connections are returned, not closed - the caller closes them after
// releasing the lock (the lock is never held across I/O).
func (p *Pool) sweepExpiredLocked() []ports.Connection {
	var victims []ports.Connection
	live := p.conns[:0]
	idleCount := 0
	for _, e := range p.conns {
		if e.conn.IsClosed() {
			continue
		}
		if e.conn.IsIdle() {
			if !e.isIdle {
				e.isIdle = true
				e.idleSince = time.Now()
			}
			if e.conn.HasExpired() {
				victims = append(victims, e.conn)
				p.publish(EventConnectionExpired, e.origin)
				continue
			}
			idleCount++
		} else {
			e.isIdle = false
		}
		live = append(live, e)
	}
	p.conns = live

	victims = append(victims, p.enforceKeepaliveCapLocked(idleCount)...)
	p.wakeWaitersLocked()
	return victims
}

func (p *Pool) enforceKeepaliveCapLocked(idleCount int) []ports.Connection {
	if p.opts.MaxKeepaliveConnections <= 0 || idleCount <= p.opts.MaxKeepaliveConnections {
		return nil
	}
	var victims []ports.Connection
	excess := idleCount - p.opts.MaxKeepaliveConnections
	for excess > 0 {
		oldestIdx := -1
		var oldest time.Time
		for i, e := range p.conns {
			if !e.isIdle {
				continue
			}
			if oldestIdx == -1 || e.idleSince.Before(oldest) {
				oldestIdx = i
				oldest = e.idleSince
			}
		}
		if oldestIdx == -1 {
			break
		}
		victims = append(victims, p.conns[oldestIdx].conn)
		p.conns = append(p.conns[:oldestIdx], p.conns[oldestIdx+1:]...)
		excess--
	}
	return victims
}

// wakeWaitersLocked signals FIFO-oldest-first waiters, one per unit of
// slack that just became available. Slack is either a free slot under
// max_connections (a waiter can have a fresh connection created for it)
// or an idle connection (a waiter can reuse it directly, or - if its own
// origin differs - evict it on retry). Waking more waiters than can
// actually proceed is safe: a woken waiter that still can't get a
// connection simply re-parks.
func (p *Pool) wakeWaitersLocked() {
	idle := 0
	for _, e := range p.conns {
		if e.isIdle {
			idle++
		}
	}
	slack := idle
	if free := p.opts.MaxConnections - len(p.conns); free > 0 {
		slack += free
	}

	for slack > 0 && p.waitList.Len() > 0 {
		front := p.waitList.Front()
		w := front.Value.(*waiter)
		p.waitList.Remove(front)
		select {
		case w.wake <- struct{}{}:
		default:
		}
		slack--
	}
}

// discard drops conn from the pool's bookkeeping after it raised
// NewConnectionRequired - but only when the connection is actually dead.
// A busy HTTP/1.1 connection that merely refused a second concurrent
// request is still serving its first one and stays in the pool.
func (p *Pool) discard(conn ports.Connection) {
	if !conn.IsClosed() {
		return
	}
	p.mu.Lock()
	for i, e := range p.conns {
		if e.conn == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// Close closes every pooled connection concurrently, returning the first
// error any of them reports, and refuses further requests. Safe to call once; subsequent calls are
// no-ops.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	close(p.closeCh)
	p.mu.Unlock()

	p.events.Shutdown()

	var g errgroup.Group
	for _, e := range conns {
		conn := e.conn
		g.Go(conn.Close)
	}
	return g.Wait()
}

// Connections returns a snapshot of pooled connections' Info() strings,
// for diagnostics.
func (p *Pool) Connections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for _, e := range p.conns {
		out = append(out, e.conn.Info())
	}
	return out
}
