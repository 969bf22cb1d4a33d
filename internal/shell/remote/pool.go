package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
)

// =============================================================================
// Connection
// =============================================================================

// Conn is one pooled command channel. Callers borrow it via Acquire and must
// return it with Release (or Discard when it proved dead).
type Conn struct {
	host      string
	channel   Channel
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

// Host returns the inventory name of the host this connection reaches.
func (c *Conn) Host() string {
	return c.host
}

// Run executes a single command on the remote host. Arguments are quoted, so
// callers never interpolate into shell strings themselves.
func (c *Conn) Run(ctx context.Context, args ...string) (string, error) {
	out, err := c.channel.Run(ctx, shellquote.Join(args...))
	c.lastUsed = time.Now()
	return out, err
}

// =============================================================================
// Pool
// =============================================================================

// PoolConfig configures the connection pool.
type PoolConfig struct {
	// MaxPerHost bounds open connections per host. Default: 5.
	MaxPerHost int
	// AcquireTimeout is how long Acquire blocks on a saturated host before
	// failing with ErrPoolExhausted. Default: 30 seconds.
	AcquireTimeout time.Duration
	// IdleTimeout is how long an idle connection survives before the reaper
	// closes it. Default: 60 seconds.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper sweeps idle connections.
	// Default: 30 seconds.
	ReapInterval time.Duration
}

// DefaultPoolConfig returns the default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerHost:     5,
		AcquireTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
		ReapInterval:   30 * time.Second,
	}
}

// hostPool tracks the connections of one host.
type hostPool struct {
	idle    []*Conn
	all     map[*Conn]struct{}
	open    int
	waiters []chan *Conn
}

// Pool manages bounded, reusable command channels per host. It is the only
// resource shared across concurrent operations targeting the same host.
type Pool struct {
	dialer    Dialer
	inventory *Inventory
	config    PoolConfig
	logger    *slog.Logger

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	reapCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewPool creates a pool and starts its background reaper.
func NewPool(dialer Dialer, inventory *Inventory, config PoolConfig, logger *slog.Logger) *Pool {
	if config.MaxPerHost == 0 {
		config.MaxPerHost = 5
	}
	if config.AcquireTimeout == 0 {
		config.AcquireTimeout = 30 * time.Second
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 60 * time.Second
	}
	if config.ReapInterval == 0 {
		config.ReapInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		dialer:    dialer,
		inventory: inventory,
		config:    config,
		logger:    logger.With("component", "remote_pool"),
		hosts:     make(map[string]*hostPool),
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.reapCancel = cancel
	p.wg.Add(1)
	go p.reapLoop(ctx)

	return p
}

func (p *Pool) hostLocked(name string) *hostPool {
	hp, ok := p.hosts[name]
	if !ok {
		hp = &hostPool{all: make(map[*Conn]struct{})}
		p.hosts[name] = hp
	}
	return hp
}

// =============================================================================
// Acquire / Release
// =============================================================================

// Acquire returns a live connection to the host: an idle one when available,
// a freshly dialed one while under the per-host bound, and otherwise blocks
// until a release or the acquire timeout (ErrPoolExhausted).
func (p *Pool) Acquire(ctx context.Context, hostName string) (*Conn, error) {
	host, err := p.inventory.Lookup(hostName)
	if err != nil {
		return nil, err
	}

	timeout := time.NewTimer(p.config.AcquireTimeout)
	defer timeout.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		hp := p.hostLocked(hostName)

		// Prefer an idle connection, probing liveness before handing it out.
		if conn, ok := p.popIdleLocked(hp); ok {
			p.mu.Unlock()
			if err := conn.channel.Ping(); err == nil {
				conn.lastUsed = time.Now()
				return conn, nil
			}
			p.logger.Debug("dropping dead idle connection", "host", hostName)
			p.Discard(conn)
			continue
		}

		// Room to grow: dial a new connection.
		if hp.open < p.config.MaxPerHost {
			hp.open++
			p.mu.Unlock()

			channel, err := p.dialer.Dial(ctx, host)
			if err != nil {
				p.mu.Lock()
				hp.open--
				p.wakeLocked(hp)
				p.mu.Unlock()
				return nil, err
			}

			now := time.Now()
			conn := &Conn{host: hostName, channel: channel, createdAt: now, lastUsed: now, inUse: true}
			p.mu.Lock()
			hp.all[conn] = struct{}{}
			p.mu.Unlock()
			return conn, nil
		}

		// Saturated: wait for a release, a freed slot, or a timeout.
		w := make(chan *Conn, 1)
		hp.waiters = append(hp.waiters, w)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.abandonWaiter(hp, w)
			return nil, ctx.Err()
		case <-timeout.C:
			p.abandonWaiter(hp, w)
			return nil, fmt.Errorf("%w: host %s after %v", ErrPoolExhausted, hostName, p.config.AcquireTimeout)
		case conn := <-w:
			if conn == nil {
				// Capacity freed or pool closing; re-evaluate.
				continue
			}
			conn.lastUsed = time.Now()
			return conn, nil
		}
	}
}

// Release returns a connection to the pool. It is never closed here; idle
// lifetime is the reaper's business.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	hp := p.hosts[conn.host]
	if p.closed || hp == nil {
		if hp != nil {
			if _, tracked := hp.all[conn]; tracked {
				delete(hp.all, conn)
				hp.open--
			}
		}
		p.mu.Unlock()
		conn.channel.Close()
		return
	}

	// Hand the connection straight to a waiter when one is queued.
	if len(hp.waiters) > 0 {
		w := hp.waiters[0]
		hp.waiters = hp.waiters[1:]
		p.mu.Unlock()
		w <- conn
		return
	}

	conn.inUse = false
	hp.idle = append(hp.idle, conn)
	p.mu.Unlock()
}

// Discard closes a borrowed connection that is known dead, freeing its slot.
func (p *Pool) Discard(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if hp := p.hosts[conn.host]; hp != nil {
		if _, tracked := hp.all[conn]; tracked {
			delete(hp.all, conn)
			hp.open--
			p.wakeLocked(hp)
		}
	}
	p.mu.Unlock()
	conn.channel.Close()
}

// popIdleLocked removes the most recently used idle connection.
func (p *Pool) popIdleLocked(hp *hostPool) (*Conn, bool) {
	if len(hp.idle) == 0 {
		return nil, false
	}
	conn := hp.idle[len(hp.idle)-1]
	hp.idle = hp.idle[:len(hp.idle)-1]
	conn.inUse = true
	return conn, true
}

// wakeLocked signals one waiter that capacity was freed.
func (p *Pool) wakeLocked(hp *hostPool) {
	if len(hp.waiters) == 0 {
		return
	}
	w := hp.waiters[0]
	hp.waiters = hp.waiters[1:]
	w <- nil
}

// abandonWaiter removes a waiter that timed out. A connection delivered in
// the race window is put back into rotation.
func (p *Pool) abandonWaiter(hp *hostPool, w chan *Conn) {
	p.mu.Lock()
	for i, queued := range hp.waiters {
		if queued == w {
			hp.waiters = append(hp.waiters[:i], hp.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case conn := <-w:
		if conn != nil {
			p.Release(conn)
		}
	default:
	}
}

// =============================================================================
// Exec Convenience
// =============================================================================

// Exec acquires a connection, runs one command and returns it. Transport
// failures discard the connection; command failures release it intact.
func (p *Pool) Exec(ctx context.Context, hostName string, args ...string) (string, error) {
	conn, err := p.Acquire(ctx, hostName)
	if err != nil {
		return "", err
	}

	out, err := conn.Run(ctx, args...)
	if errors.Is(err, ErrConnectionFailed) {
		p.Discard(conn)
	} else {
		p.Release(conn)
	}
	return out, err
}

// =============================================================================
// Reaper
// =============================================================================

func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

// reap borrows every idle connection and either closes it (expired or dead)
// or puts it back. In-use connections are never touched.
func (p *Pool) reap() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var borrowed []*Conn
	for _, hp := range p.hosts {
		for _, conn := range hp.idle {
			conn.inUse = true
			borrowed = append(borrowed, conn)
		}
		hp.idle = hp.idle[:0]
	}
	p.mu.Unlock()

	now := time.Now()
	for _, conn := range borrowed {
		if now.Sub(conn.lastUsed) > p.config.IdleTimeout {
			p.logger.Debug("reaping idle connection", "host", conn.host, "idle", now.Sub(conn.lastUsed))
			p.Discard(conn)
			continue
		}
		if err := conn.channel.Ping(); err != nil {
			p.logger.Debug("reaping dead connection", "host", conn.host, "error", err)
			p.Discard(conn)
			continue
		}
		p.Release(conn)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown closes every connection regardless of state and fails subsequent
// Acquire calls fast.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	var toClose []*Conn
	for _, hp := range p.hosts {
		for conn := range hp.all {
			toClose = append(toClose, conn)
		}
		for _, w := range hp.waiters {
			w <- nil
		}
		hp.waiters = nil
		hp.idle = nil
		hp.all = make(map[*Conn]struct{})
		hp.open = 0
	}
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.channel.Close()
	}

	p.reapCancel()
	p.wg.Wait()
	p.logger.Info("connection pool shut down", "closed", len(toClose))
}

// OpenConnections returns the number of open connections for a host.
func (p *Pool) OpenConnections(hostName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hp, ok := p.hosts[hostName]; ok {
		return hp.open
	}
	return 0
}
