package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thushan/httpcore/internal/core/domain"
	"github.com/thushan/httpcore/internal/core/ports"
)

// fakeConn is a minimal ports.Connection double: IDLE until HandleRequest
// is called, ACTIVE until the returned response is closed, never expires.
type fakeConn struct {
	origin domain.Origin

	mu     sync.Mutex
	active bool
	closed bool
	dials  int32
}

func newFakeConn(origin domain.Origin) *fakeConn { return &fakeConn{origin: origin} }

func (c *fakeConn) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.mu.Lock()
	c.active = true
	atomic.AddInt32(&c.dials, 1)
	c.mu.Unlock()

	resp := domain.NewResponse(200, nil, nil, domain.Extensions{}, func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	})
	return resp, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) Info() string                                 { return "fake" }
func (c *fakeConn) CanHandleRequest(origin domain.Origin) bool    { return c.origin.Equal(origin) }
func (c *fakeConn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active && !c.closed
}
func (c *fakeConn) HasExpired() bool { return false }
func (c *fakeConn) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active && !c.closed
}
func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func factoryFor(t *testing.T, created *[]*fakeConn, mu *sync.Mutex) ConnectionFactory {
	return func(origin domain.Origin) ports.Connection {
		c := newFakeConn(origin)
		mu.Lock()
		*created = append(*created, c)
		mu.Unlock()
		return c
	}
}

func TestPoolReusesKeepaliveConnection(t *testing.T) {
	var created []*fakeConn
	var mu sync.Mutex
	p := New(factoryFor(t, &created, &mu), Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	defer p.Close()

	req := domain.NewRequest("GET", domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}, nil, domain.Body{}, nil)

	resp1, err := p.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp1.Close())

	resp2, err := p.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp2.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, 1, "one dial should serve two sequential requests to the same origin")
}

func TestPoolFIFOWakesWaitersInArrivalOrder(t *testing.T) {
	var created []*fakeConn
	var mu sync.Mutex
	p := New(factoryFor(t, &created, &mu), Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	defer p.Close()

	origin := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	reqA := domain.NewRequest("GET", origin, nil, domain.Body{}, nil)

	respA, err := p.HandleRequest(context.Background(), reqA)
	require.NoError(t, err)

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond) // ensure B enters the wait list before C
		resp, err := p.HandleRequest(context.Background(), reqA)
		if assert.NoError(t, err) {
			order <- "B"
			_ = resp.Close()
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		resp, err := p.HandleRequest(context.Background(), reqA)
		if assert.NoError(t, err) {
			order <- "C"
			_ = resp.Close()
		}
	}()

	time.Sleep(40 * time.Millisecond) // let both B and C park as waiters
	require.NoError(t, respA.Close())  // frees the one connection; must wake B first

	wg.Wait()
	close(order)

	var got []string
	for s := range order {
		got = append(got, s)
	}
	require.Equal(t, []string{"B", "C"}, got)
}

func TestPoolEvictsLRUIdleOtherOriginAtCapacity(t *testing.T) {
	var created []*fakeConn
	var mu sync.Mutex
	p := New(factoryFor(t, &created, &mu), Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	defer p.Close()

	reqH1 := domain.NewRequest("GET", domain.URL{Scheme: domain.SchemeHTTP, Host: "h1", Port: 80, Target: "/"}, nil, domain.Body{}, nil)
	reqH2 := domain.NewRequest("GET", domain.URL{Scheme: domain.SchemeHTTP, Host: "h2", Port: 80, Target: "/"}, nil, domain.Body{}, nil)

	resp1, err := p.HandleRequest(context.Background(), reqH1)
	require.NoError(t, err)
	require.NoError(t, resp1.Close()) // now idle; eligible for eviction

	resp2, err := p.HandleRequest(context.Background(), reqH2)
	require.NoError(t, err)
	require.NoError(t, resp2.Close())

	mu.Lock()
	require.Len(t, created, 2)
	evicted := created[0]
	mu.Unlock()

	// Eviction closes run detached, outside the pool lock.
	assert.Eventually(t, evicted.IsClosed, time.Second, 5*time.Millisecond,
		"the h1 connection should have been evicted to make room for h2")
}

func TestPoolTimeoutFromRequestExtension(t *testing.T) {
	var created []*fakeConn
	var mu sync.Mutex
	p := New(factoryFor(t, &created, &mu), Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	defer p.Close()

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	respA, err := p.HandleRequest(context.Background(), domain.NewRequest("GET", url, nil, domain.Body{}, nil))
	require.NoError(t, err)
	defer respA.Close()

	poolSecs := 0.05
	reqB := domain.NewRequest("GET", url, nil, domain.Body{}, domain.Extensions{
		domain.ExtTimeout: domain.Timeouts{Pool: &poolSecs},
	})

	_, err = p.HandleRequest(context.Background(), reqB)
	var timeout *domain.PoolTimeout
	require.ErrorAs(t, err, &timeout,
		"a parked request must fail with PoolTimeout once its own pool budget elapses")
}

// retrySignalConn raises NewConnectionRequired on its first use and reads
// as closed afterwards, modelling a connection that went stale between
// selection and use.
type retrySignalConn struct {
	origin domain.Origin
	mu     sync.Mutex
	closed bool
}

func (c *retrySignalConn) HandleRequest(ctx context.Context, req domain.Request) (*domain.Response, error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil, &domain.NewConnectionRequired{}
}
func (c *retrySignalConn) Close() error { return nil }
func (c *retrySignalConn) Info() string { return "retry-signal" }
func (c *retrySignalConn) CanHandleRequest(origin domain.Origin) bool {
	return c.origin.Equal(origin)
}
func (c *retrySignalConn) IsAvailable() bool { return !c.IsClosed() }
func (c *retrySignalConn) HasExpired() bool  { return false }
func (c *retrySignalConn) IsIdle() bool      { return !c.IsClosed() }
func (c *retrySignalConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestPoolRetriesOnNewConnectionRequired(t *testing.T) {
	var calls int32
	var good []*fakeConn
	var mu sync.Mutex
	factory := func(origin domain.Origin) ports.Connection {
		if atomic.AddInt32(&calls, 1) == 1 {
			return &retrySignalConn{origin: origin}
		}
		c := newFakeConn(origin)
		mu.Lock()
		good = append(good, c)
		mu.Unlock()
		return c
	}

	p := New(factory, Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	defer p.Close()

	url := domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}
	resp, err := p.HandleRequest(context.Background(), domain.NewRequest("GET", url, nil, domain.Body{}, nil))
	require.NoError(t, err, "NewConnectionRequired must never surface to the caller")
	require.NoError(t, resp.Close())

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "the pool should have created a replacement connection")
}

func TestPoolClosedRejectsFurtherRequests(t *testing.T) {
	var created []*fakeConn
	var mu sync.Mutex
	p := New(factoryFor(t, &created, &mu), Options{MaxConnections: 1, MaxKeepaliveConnections: 1})
	require.NoError(t, p.Close())

	req := domain.NewRequest("GET", domain.URL{Scheme: domain.SchemeHTTP, Host: "h", Port: 80, Target: "/"}, nil, domain.Body{}, nil)
	_, err := p.HandleRequest(context.Background(), req)
	assert.Error(t, err)
}
