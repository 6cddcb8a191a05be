package memcached

import (
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wirecache/memcached/protocol"
)

// CircuitBreakerState reports the current state of a server's breaker.
type CircuitBreakerState = gobreaker.State

// CircuitBreaker shields a server from requests while it is failing.
// One breaker is created per server address.
type CircuitBreaker interface {
	Execute(fn func() (*protocol.Response, error)) (*protocol.Response, error)
	State() CircuitBreakerState
}

// NewCircuitBreakerConfig returns a factory that creates a gobreaker
// circuit breaker per server. The breaker opens once a server has seen
// at least three requests in the rolling interval with a failure ratio
// of 60% or more.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(serverAddr string) CircuitBreaker {
	return func(serverAddr string) CircuitBreaker {
		settings := gobreaker.Settings{
			Name:        serverAddr,
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[*protocol.Response](settings)
	}
}
