package memcached

import "errors"

// ErrNoServers is returned when the server list is empty.
var ErrNoServers = errors.New("memcached: no servers available")

// Servers provides the current list of server addresses. Implementations
// may be static or backed by service discovery; List must be safe for
// concurrent use.
type Servers interface {
	List() []string
}

// StaticServers is a fixed list of server addresses.
type StaticServers struct {
	addresses []string
}

// NewStaticServers builds a Servers from a fixed address list.
func NewStaticServers(addresses ...string) *StaticServers {
	return &StaticServers{addresses: addresses}
}

func (s *StaticServers) List() []string {
	return s.addresses
}
