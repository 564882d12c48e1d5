package gate

import (
	"sync"
	"time"

	"oss.nandlabs.io/gridmesh/pool"
)

// Connection is a single outbound transport connection to one receiver
// host. Concrete gates embed this and supply Close/Send behavior; the
// pool only tracks lifecycle.
type Connection struct {
	Host   string
	Closed bool
}

// Dialer creates a new Connection to host on demand.
type Dialer func(host string) (*Connection, error)

// ConnectionPool is the outbound connection pool described in spec.md
// §4.3: keyed by receiver host, each connection tracked with a last-used
// timestamp, swept for inactivity beyond the configured timeout. Each
// host gets its own single-slot pool.Pool[*Connection] (min=0, max=1),
// reusing the teacher's generic object pool and its (newly wired)
// Sweep() idle-eviction rather than re-implementing checkout/eviction
// bookkeeping from scratch.
type ConnectionPool struct {
	mutex       sync.Mutex
	dial        Dialer
	idleTimeout int // seconds
	byHost      map[string]pool.Pool[*Connection]
}

// NewConnectionPool creates a pool that dials with dial and closes
// connections idle beyond idleTimeout.
func NewConnectionPool(dial Dialer, idleTimeout time.Duration) *ConnectionPool {
	return &ConnectionPool{
		dial:        dial,
		idleTimeout: int(idleTimeout.Seconds()),
		byHost:      make(map[string]pool.Pool[*Connection]),
	}
}

func (cp *ConnectionPool) poolFor(host string) (pool.Pool[*Connection], error) {
	cp.mutex.Lock()
	p, ok := cp.byHost[host]
	cp.mutex.Unlock()
	if ok {
		return p, nil
	}

	creator := func() (*Connection, error) { return cp.dial(host) }
	destroyer := func(c *Connection) error {
		c.Closed = true
		return nil
	}
	p, err := pool.NewPool[*Connection](creator, destroyer, 0, 1, 0)
	if err != nil {
		return nil, err
	}
	p.SetIdleTimeout(cp.idleTimeout)
	if err := p.Start(); err != nil {
		return nil, err
	}

	cp.mutex.Lock()
	if existing, ok := cp.byHost[host]; ok {
		cp.mutex.Unlock()
		_ = p.Close()
		return existing, nil
	}
	cp.byHost[host] = p
	cp.mutex.Unlock()
	return p, nil
}

// Acquire returns a connection for host, dialing one if none is idle.
func (cp *ConnectionPool) Acquire(host string) (*Connection, error) {
	p, err := cp.poolFor(host)
	if err != nil {
		return nil, err
	}
	return p.Checkout()
}

// Release returns a connection to its host's pool, marking it idle from
// now for the purposes of the next Sweep.
func (cp *ConnectionPool) Release(conn *Connection) {
	cp.mutex.Lock()
	p, ok := cp.byHost[conn.Host]
	cp.mutex.Unlock()
	if ok {
		p.Checkin(conn)
	}
}

// Sweep closes connections idle beyond the configured inactivity timeout
// across every host, returning the total closed. Intended to be called
// from the scheduler's handler/connection sweep step (spec.md §4.4 step 5).
func (cp *ConnectionPool) Sweep() int {
	cp.mutex.Lock()
	pools := make([]pool.Pool[*Connection], 0, len(cp.byHost))
	for _, p := range cp.byHost {
		pools = append(pools, p)
	}
	cp.mutex.Unlock()

	total := 0
	for _, p := range pools {
		total += p.Sweep()
	}
	return total
}

// Close closes all pooled connections across all hosts.
func (cp *ConnectionPool) Close() error {
	cp.mutex.Lock()
	defer cp.mutex.Unlock()
	for _, p := range cp.byHost {
		_ = p.Close()
	}
	cp.byHost = make(map[string]pool.Pool[*Connection])
	return nil
}
