package memcached

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wirecache/memcached/protocol"
)

// NoTTL represents an infinite TTL (no expiration).
const NoTTL = 0

var (
	// ErrCacheMiss is returned when a key is not found.
	ErrCacheMiss = errors.New("memcached: cache miss")

	// ErrNotStored is returned when a conditional store is rejected,
	// for example Add on an existing key or Append on a missing one.
	ErrNotStored = errors.New("memcached: item not stored")

	// ErrCASConflict is returned by CompareAndSwap when the item was
	// modified since the token was fetched.
	ErrCASConflict = errors.New("memcached: compare-and-swap conflict")
)

// Item is a single cache entry.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	TTL   time.Duration
	CAS   uint64 // set by Gets, consumed by CompareAndSwap
	Found bool   // whether the key was found in cache
}

// Querier is the common read/write subset of Client, useful for
// swapping in fakes.
type Querier interface {
	Get(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, item Item) error
	Add(ctx context.Context, item Item) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string, delta uint64) (uint64, error)
	Decrement(ctx context.Context, key string, delta uint64) (uint64, error)
}

// Config holds configuration for the client and its per-server pools.
type Config struct {
	// MaxSize is the maximum number of connections per server pool.
	// Required: must be > 0.
	MaxSize int32

	// Timeout bounds each operation when the caller's context carries
	// no deadline. Zero means no default timeout.
	Timeout time.Duration

	// Protocol selects the wire variant. Defaults to the text protocol.
	Protocol protocol.Variant

	// MaxValueSize rejects values above this size before they reach
	// the wire. Zero means the server default of 1 MiB.
	MaxValueSize int

	// MaxConnLifetime is the maximum duration a connection can be
	// reused. Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can sit
	// idle before being closed. Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are probed.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, a default net.Dialer is used.
	Dialer *net.Dialer

	// Pool is the connection pool factory. If nil, NewPuddlePool is
	// used. NewChannelPool and NewNonBlockingChannelPool are the
	// lighter alternatives.
	Pool PoolFactory

	// SelectServer picks which server handles a key. If nil,
	// DefaultSelectServer is used.
	SelectServer SelectServerFunc

	// NewCircuitBreaker creates a circuit breaker for a server, called
	// once per server address. If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) CircuitBreaker

	// for testing purposes only
	constructor func(ctx context.Context) (*Conn, error)
}

// serverPool wraps a pool with its server address.
type serverPool struct {
	addr           string
	pool           Pool
	circuitBreaker CircuitBreaker // nil if not configured
}

// poolConfig holds the pool configuration extracted from Config.
type poolConfig struct {
	maxSize             int32
	timeout             time.Duration
	maxConnLifetime     time.Duration
	maxConnIdleTime     time.Duration
	healthCheckInterval time.Duration
	dialer              *net.Dialer
	poolFactory         PoolFactory
	newCircuitBreaker   func(serverAddr string) CircuitBreaker
	constructor         func(ctx context.Context) (*Conn, error)
}

// Client routes operations to a set of memcached servers, one bounded
// connection pool per server, created lazily on first use.
type Client struct {
	servers      Servers
	selectServer SelectServerFunc
	codec        protocol.Codec

	mu    sync.RWMutex
	pools map[string]*serverPool

	poolConfig poolConfig

	stopHealthCheck chan struct{}

	stats clientStatsCollector
}

var _ Querier = (*Client)(nil)

// NewClient creates a client for the given servers.
// For a single server: NewClient(NewStaticServers("host:port"), config).
func NewClient(servers Servers, config Config) (*Client, error) {
	if config.MaxSize <= 0 {
		return nil, fmt.Errorf("memcached: MaxSize must be > 0, got %d", config.MaxSize)
	}
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	selectServer := config.SelectServer
	if selectServer == nil {
		selectServer = DefaultSelectServer
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	poolFactory := config.Pool
	if poolFactory == nil {
		poolFactory = NewPuddlePool
	}

	client := &Client{
		servers:      servers,
		selectServer: selectServer,
		codec:        protocol.NewCodec(config.Protocol, config.MaxValueSize),
		pools:        make(map[string]*serverPool),
		poolConfig: poolConfig{
			maxSize:             config.MaxSize,
			timeout:             config.Timeout,
			maxConnLifetime:     config.MaxConnLifetime,
			maxConnIdleTime:     config.MaxConnIdleTime,
			healthCheckInterval: config.HealthCheckInterval,
			dialer:              dialer,
			poolFactory:         poolFactory,
			newCircuitBreaker:   config.NewCircuitBreaker,
			constructor:         config.constructor,
		},
		stopHealthCheck: make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go client.healthCheckLoop()
	}

	return client, nil
}

// Close shuts down the client and destroys all pooled connections.
func (c *Client) Close() {
	if c.poolConfig.healthCheckInterval > 0 {
		close(c.stopHealthCheck)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sp := range c.pools {
		sp.pool.Close()
	}
}

func (c *Client) getPoolForKey(key string) (*serverPool, error) {
	addr, err := c.selectServer(key, c.servers.List())
	if err != nil {
		return nil, err
	}
	return c.getOrCreatePool(addr)
}

func (c *Client) getOrCreatePool(addr string) (*serverPool, error) {
	c.mu.RLock()
	sp, exists := c.pools[addr]
	c.mu.RUnlock()
	if exists {
		return sp, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sp, exists := c.pools[addr]; exists {
		return sp, nil
	}

	pool, err := c.poolConfig.poolFactory(c.connConstructor(addr), c.poolConfig.maxSize)
	if err != nil {
		return nil, err
	}

	sp = &serverPool{addr: addr, pool: pool}
	if c.poolConfig.newCircuitBreaker != nil {
		sp.circuitBreaker = c.poolConfig.newCircuitBreaker(addr)
	}
	c.pools[addr] = sp
	return sp, nil
}

func (c *Client) connConstructor(addr string) func(ctx context.Context) (*Conn, error) {
	if c.poolConfig.constructor != nil {
		return c.poolConfig.constructor
	}
	return func(ctx context.Context) (*Conn, error) {
		netConn, err := c.poolConfig.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewConn(netConn, c.codec), nil
	}
}

// opContext applies the configured default timeout when the caller's
// context has no deadline.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.poolConfig.timeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.poolConfig.timeout)
}

// healthCheckLoop periodically sweeps idle connections in every pool.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.poolConfig.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

func (c *Client) checkAllPools() {
	c.mu.RLock()
	pools := make([]*serverPool, 0, len(c.pools))
	for _, sp := range c.pools {
		pools = append(pools, sp)
	}
	c.mu.RUnlock()

	for _, sp := range pools {
		c.checkPoolConnections(sp.pool)
	}
}

// checkPoolConnections destroys idle connections that are past their
// lifetime or idle limits, or that fail a liveness probe.
func (c *Client) checkPoolConnections(pool Pool) {
	now := time.Now()

	for _, res := range pool.AcquireAllIdle() {
		if c.poolConfig.maxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.poolConfig.maxConnLifetime {
			res.Destroy()
			continue
		}

		if c.poolConfig.maxConnIdleTime > 0 && res.IdleDuration() > c.poolConfig.maxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := c.healthCheck(res.Value()); err != nil {
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// healthCheck probes a connection: noop on the binary protocol, version
// on the text protocol which has no dedicated noop.
func (c *Client) healthCheck(conn *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := &protocol.Command{Type: protocol.CmdVersion}
	if c.codec.Variant() == protocol.BinaryProtocol {
		cmd = &protocol.Command{Type: protocol.CmdNoop}
	}

	resp, err := conn.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if resp.Err != nil {
		return resp.Err
	}
	return nil
}

// execRequest runs one command against the pool for a server, wrapped
// in the server's circuit breaker when one is configured.
func (c *Client) execRequest(ctx context.Context, sp *serverPool, cmd *protocol.Command) (*protocol.Response, error) {
	if sp.circuitBreaker != nil {
		resp, err := sp.circuitBreaker.Execute(func() (*protocol.Response, error) {
			return c.execRequestDirect(ctx, sp.pool, cmd)
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
	return c.execRequestDirect(ctx, sp.pool, cmd)
}

func (c *Client) execRequestDirect(ctx context.Context, pool Pool, cmd *protocol.Command) (*protocol.Response, error) {
	resps, err := c.execBatchDirect(ctx, pool, []*protocol.Command{cmd})
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// execBatchDirect acquires one connection, pipelines the commands over
// it, and releases or destroys the lease depending on how it went.
func (c *Client) execBatchDirect(ctx context.Context, pool Pool, cmds []*protocol.Command) ([]*protocol.Response, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	resource, err := pool.Acquire(ctx)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}

	conn := resource.Value()

	resps, err := conn.ExecuteBatch(ctx, cmds)
	if err != nil {
		c.stats.recordError()
		if conn.IsBroken() || protocol.ShouldCloseConnection(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return nil, err
	}

	for _, resp := range resps {
		if resp.Err != nil && protocol.ShouldCloseConnection(resp.Err) {
			resource.Destroy()
			return resps, nil
		}
	}
	resource.Release()
	return resps, nil
}

// respErr surfaces a server-reported error carried inside a response.
func respErr(resp *protocol.Response) error {
	if resp.Type == protocol.RespError {
		return resp.Err
	}
	return nil
}

// Get retrieves a single item. A miss is not an error: the returned
// Item has Found set to false.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, key, protocol.CmdGet)
}

// Gets retrieves a single item along with its CAS token for use with
// CompareAndSwap.
func (c *Client) Gets(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, key, protocol.CmdGets)
}

func (c *Client) get(ctx context.Context, key string, typ protocol.CommandType) (Item, error) {
	sp, err := c.getPoolForKey(key)
	if err != nil {
		c.stats.recordError()
		return Item{}, err
	}

	resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: typ, Key: key})
	if err != nil {
		return Item{}, err
	}
	if err := respErr(resp); err != nil {
		c.stats.recordError()
		return Item{}, err
	}

	if resp.IsMiss() {
		c.stats.recordGet(false)
		return Item{Key: key, Found: false}, nil
	}
	if resp.Type != protocol.RespValue {
		c.stats.recordError()
		return Item{}, fmt.Errorf("memcached: unexpected %s response to %s", resp.Type, typ)
	}

	c.stats.recordGet(true)
	return Item{
		Key:   key,
		Value: resp.Value,
		Flags: resp.Flags,
		CAS:   resp.CAS,
		Found: true,
	}, nil
}

// GetMulti retrieves several keys at once. Lookups are grouped per
// server and pipelined over a single connection each. Missing keys are
// simply absent from the result map.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	byServer, err := c.groupKeys(keys)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}

	items := make(map[string]Item, len(keys))
	for addr, serverKeys := range byServer {
		sp, err := c.getOrCreatePool(addr)
		if err != nil {
			c.stats.recordError()
			return nil, err
		}

		cmds := make([]*protocol.Command, len(serverKeys))
		for i, key := range serverKeys {
			cmds[i] = &protocol.Command{Type: protocol.CmdGet, Key: key}
		}

		resps, err := c.execBatchDirect(ctx, sp.pool, cmds)
		if err != nil {
			return nil, err
		}

		for i, resp := range resps {
			key := serverKeys[i]
			if err := respErr(resp); err != nil {
				c.stats.recordError()
				return nil, err
			}
			if resp.IsMiss() {
				c.stats.recordGet(false)
				continue
			}
			c.stats.recordGet(true)
			items[key] = Item{
				Key:   key,
				Value: resp.Value,
				Flags: resp.Flags,
				CAS:   resp.CAS,
				Found: true,
			}
		}
	}
	return items, nil
}

func (c *Client) groupKeys(keys []string) (map[string][]string, error) {
	servers := c.servers.List()
	byServer := make(map[string][]string)
	for _, key := range keys {
		addr, err := c.selectServer(key, servers)
		if err != nil {
			return nil, err
		}
		byServer[addr] = append(byServer[addr], key)
	}
	return byServer, nil
}

// Set unconditionally stores an item.
func (c *Client) Set(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdSet, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

// SetMulti stores several items, pipelined per server. It stops at the
// first failure.
func (c *Client) SetMulti(ctx context.Context, items []Item) error {
	byServer := make(map[string][]*protocol.Command)
	servers := c.servers.List()
	for _, item := range items {
		addr, err := c.selectServer(item.Key, servers)
		if err != nil {
			c.stats.recordError()
			return err
		}
		byServer[addr] = append(byServer[addr], storeCommand(protocol.CmdSet, item))
	}

	for addr, cmds := range byServer {
		sp, err := c.getOrCreatePool(addr)
		if err != nil {
			c.stats.recordError()
			return err
		}

		resps, err := c.execBatchDirect(ctx, sp.pool, cmds)
		if err != nil {
			return err
		}
		for i, resp := range resps {
			if err := storeOutcome(protocol.CmdSet, resp); err != nil {
				c.stats.recordError()
				return fmt.Errorf("%w (key %q)", err, cmds[i].Key)
			}
			c.stats.recordSet()
		}
	}
	return nil
}

// Add stores an item only if the key does not already exist. Returns
// ErrNotStored if it does.
func (c *Client) Add(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdAdd, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

// Replace stores an item only if the key already exists. Returns
// ErrNotStored if it does not.
func (c *Client) Replace(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdReplace, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

// Append appends the item's value to an existing entry. Returns
// ErrNotStored if the key does not exist.
func (c *Client) Append(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdAppend, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

// Prepend prepends the item's value to an existing entry. Returns
// ErrNotStored if the key does not exist.
func (c *Client) Prepend(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdPrepend, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

// CompareAndSwap stores the item only if it has not been modified since
// its CAS token was fetched with Gets. Returns ErrCASConflict when the
// item changed and ErrCacheMiss when it disappeared.
func (c *Client) CompareAndSwap(ctx context.Context, item Item) error {
	err := c.store(ctx, protocol.CmdCompareSwap, item)
	if err == nil {
		c.stats.recordSet()
	}
	return err
}

func (c *Client) store(ctx context.Context, typ protocol.CommandType, item Item) error {
	sp, err := c.getPoolForKey(item.Key)
	if err != nil {
		c.stats.recordError()
		return err
	}

	resp, err := c.execRequest(ctx, sp, storeCommand(typ, item))
	if err != nil {
		return err
	}
	if err := storeOutcome(typ, resp); err != nil {
		c.stats.recordError()
		return err
	}
	return nil
}

func storeCommand(typ protocol.CommandType, item Item) *protocol.Command {
	var exp int32
	if item.TTL > 0 {
		exp = int32(item.TTL.Seconds())
	}
	return &protocol.Command{
		Type:       typ,
		Key:        item.Key,
		Value:      item.Value,
		Flags:      item.Flags,
		Expiration: exp,
		CAS:        item.CAS,
	}
}

// storeOutcome maps a storage response to the client error taxonomy.
// The text and binary protocols disagree on some rejection statuses, so
// both spellings of each outcome are accepted.
func storeOutcome(typ protocol.CommandType, resp *protocol.Response) error {
	if err := respErr(resp); err != nil {
		return err
	}

	switch resp.Type {
	case protocol.RespStored:
		return nil
	case protocol.RespNotStored:
		return ErrNotStored
	case protocol.RespExists:
		if typ == protocol.CmdCompareSwap {
			return ErrCASConflict
		}
		return ErrNotStored
	case protocol.RespNotFound:
		if typ == protocol.CmdCompareSwap {
			return ErrCacheMiss
		}
		return ErrNotStored
	}
	return fmt.Errorf("memcached: unexpected %s response to %s", resp.Type, typ)
}

// Delete removes a key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	sp, err := c.getPoolForKey(key)
	if err != nil {
		c.stats.recordError()
		return err
	}

	resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: protocol.CmdDelete, Key: key})
	if err != nil {
		return err
	}
	if err := respErr(resp); err != nil {
		c.stats.recordError()
		return err
	}

	if resp.Type != protocol.RespDeleted && resp.Type != protocol.RespNotFound {
		c.stats.recordError()
		return fmt.Errorf("memcached: unexpected %s response to delete", resp.Type)
	}

	c.stats.recordDelete()
	return nil
}

// Increment adds delta to a numeric value and returns the new value.
// Returns ErrCacheMiss if the key does not exist; counters are never
// created implicitly.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, protocol.CmdIncrement, key, delta)
}

// Decrement subtracts delta from a numeric value and returns the new
// value. The server floors the result at zero. Returns ErrCacheMiss if
// the key does not exist.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, protocol.CmdDecrement, key, delta)
}

func (c *Client) arithmetic(ctx context.Context, typ protocol.CommandType, key string, delta uint64) (uint64, error) {
	sp, err := c.getPoolForKey(key)
	if err != nil {
		c.stats.recordError()
		return 0, err
	}

	resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: typ, Key: key, Delta: delta})
	if err != nil {
		return 0, err
	}
	if err := respErr(resp); err != nil {
		c.stats.recordError()
		return 0, err
	}

	switch resp.Type {
	case protocol.RespCounter:
		c.stats.recordIncrement()
		return resp.Counter, nil
	case protocol.RespNotFound:
		return 0, ErrCacheMiss
	}
	c.stats.recordError()
	return 0, fmt.Errorf("memcached: unexpected %s response to %s", resp.Type, typ)
}

// Touch updates the TTL of an existing key without fetching its value.
// Returns ErrCacheMiss if the key does not exist.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	sp, err := c.getPoolForKey(key)
	if err != nil {
		c.stats.recordError()
		return err
	}

	var exp int32
	if ttl > 0 {
		exp = int32(ttl.Seconds())
	}

	resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: protocol.CmdTouch, Key: key, Expiration: exp})
	if err != nil {
		return err
	}
	if err := respErr(resp); err != nil {
		c.stats.recordError()
		return err
	}

	switch resp.Type {
	case protocol.RespTouched:
		return nil
	case protocol.RespNotFound:
		return ErrCacheMiss
	}
	c.stats.recordError()
	return fmt.Errorf("memcached: unexpected %s response to touch", resp.Type)
}

// Flush invalidates all items on every server, after the given delay.
func (c *Client) Flush(ctx context.Context, delay time.Duration) error {
	var exp int32
	if delay > 0 {
		exp = int32(delay.Seconds())
	}

	return c.forEachServer(func(sp *serverPool) error {
		resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: protocol.CmdFlush, Expiration: exp})
		if err != nil {
			return err
		}
		if err := respErr(resp); err != nil {
			return err
		}
		if resp.Type != protocol.RespOk {
			return fmt.Errorf("memcached: unexpected %s response to flush", resp.Type)
		}
		return nil
	})
}

// ServerStats fetches the statistics of every server, keyed by address.
func (c *Client) ServerStats(ctx context.Context) (map[string]map[string]string, error) {
	stats := make(map[string]map[string]string)
	var mu sync.Mutex

	err := c.forEachServer(func(sp *serverPool) error {
		resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: protocol.CmdStats})
		if err != nil {
			return err
		}
		if err := respErr(resp); err != nil {
			return err
		}
		mu.Lock()
		stats[sp.addr] = resp.Stats
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Version fetches the version string of every server, keyed by address.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	versions := make(map[string]string)
	var mu sync.Mutex

	err := c.forEachServer(func(sp *serverPool) error {
		resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: protocol.CmdVersion})
		if err != nil {
			return err
		}
		if err := respErr(resp); err != nil {
			return err
		}
		if resp.Type != protocol.RespVersion {
			return fmt.Errorf("memcached: unexpected %s response to version", resp.Type)
		}
		mu.Lock()
		versions[sp.addr] = string(resp.Value)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// Ping checks connectivity to every server. Uses noop on the binary
// protocol and version on the text protocol.
func (c *Client) Ping(ctx context.Context) error {
	typ := protocol.CmdVersion
	if c.codec.Variant() == protocol.BinaryProtocol {
		typ = protocol.CmdNoop
	}

	return c.forEachServer(func(sp *serverPool) error {
		resp, err := c.execRequest(ctx, sp, &protocol.Command{Type: typ})
		if err != nil {
			return err
		}
		return respErr(resp)
	})
}

// forEachServer runs fn against each configured server concurrently
// and returns the first error.
func (c *Client) forEachServer(fn func(sp *serverPool) error) error {
	servers := c.servers.List()
	if len(servers) == 0 {
		return ErrNoServers
	}

	var wg sync.WaitGroup
	errs := make([]error, len(servers))
	for i, addr := range servers {
		sp, err := c.getOrCreatePool(addr)
		if err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, sp *serverPool) {
			defer wg.Done()
			errs[i] = fn(sp)
		}(i, sp)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Stats returns a snapshot of client operation counters.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// ServerPoolStats contains stats for a single server pool.
type ServerPoolStats struct {
	Addr                string
	PoolStats           PoolStats
	CircuitBreakerState CircuitBreakerState
}

// AllPoolStats returns stats for every server pool created so far.
func (c *Client) AllPoolStats() []ServerPoolStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make([]ServerPoolStats, 0, len(c.pools))
	for _, sp := range c.pools {
		s := ServerPoolStats{
			Addr:      sp.addr,
			PoolStats: sp.pool.Stats(),
		}
		if sp.circuitBreaker != nil {
			s.CircuitBreakerState = sp.circuitBreaker.State()
		}
		stats = append(stats, s)
	}
	return stats
}
