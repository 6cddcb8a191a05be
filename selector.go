package memcached

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/wirecache/memcached/internal"
)

// SelectServerFunc picks which server handles a key. It receives the key
// and the current server list and returns the chosen address.
type SelectServerFunc func(key string, servers []string) (string, error)

// DefaultSelectServer routes keys with Jump Hash over an xxh3 digest.
// Jump Hash moves a minimal fraction of keys when servers are added or
// removed, at the cost of only supporting append-at-the-end membership
// changes cleanly.
func DefaultSelectServer(key string, servers []string) (string, error) {
	switch len(servers) {
	case 0:
		return "", ErrNoServers
	case 1:
		return servers[0], nil
	}
	return servers[internal.JumpHash(xxh3.HashString(key), len(servers))], nil
}

// ModuloSelectServer routes keys with CRC32 modulo the server count.
// Simple and compatible with clients that shard the same way, but any
// membership change remaps most keys.
func ModuloSelectServer(key string, servers []string) (string, error) {
	if len(servers) == 0 {
		return "", ErrNoServers
	}
	cs := crc32.ChecksumIEEE([]byte(key))
	return servers[cs%uint32(len(servers))], nil
}

// RoundRobinSelector returns a SelectServerFunc that ignores the key and
// cycles through the servers in order. Useful when keys carry no
// locality, for example a pool of identical read-through caches.
func RoundRobinSelector() SelectServerFunc {
	var next atomic.Uint64
	return func(key string, servers []string) (string, error) {
		if len(servers) == 0 {
			return "", ErrNoServers
		}
		n := next.Add(1) - 1
		return servers[n%uint64(len(servers))], nil
	}
}

// staticSelectServer is used in tests to pin all keys to one server.
func staticSelectServer(index int) SelectServerFunc {
	return func(key string, servers []string) (string, error) {
		if len(servers) == 0 {
			return "", ErrNoServers
		}
		return servers[index%len(servers)], nil
	}
}
