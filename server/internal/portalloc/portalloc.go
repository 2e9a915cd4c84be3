// Package portalloc picks TCP ports for sandbox preview servers.
//
// A port is a candidate when it falls inside the configured range and is not
// recorded on any live sandbox. A candidate is only returned after it has
// been bound, and released again, on both the IPv4 and the IPv6 wildcard
// address. A listener on one family is invisible to a bind on the other,
// and the bind check also catches ports held by processes whose sandbox
// record was lost.
//
// Allocation is first-fit: the lowest free port in range is chosen.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrExhausted is returned when every port in range is claimed or bound.
var ErrExhausted = errors.New("no available ports")

// ClaimLister reports ports recorded on live sandboxes. store.Store and the
// transaction-scoped stores it hands out both satisfy it.
type ClaimLister interface {
	ListClaimedPorts(ctx context.Context) ([]int, error)
}

// Allocator scans [From, To] for a free port.
type Allocator struct {
	From int
	To   int

	// bindable reports whether a port can be bound. Tests replace it.
	bindable func(port int) bool
}

// New returns an Allocator for the inclusive range [from, to].
func New(from, to int) *Allocator {
	return &Allocator{From: from, To: to, bindable: Bindable}
}

// WithBindCheck returns a copy of a that asks check whether a port is free
// instead of binding it.
func (a *Allocator) WithBindCheck(check func(port int) bool) *Allocator {
	return &Allocator{From: a.From, To: a.To, bindable: check}
}

// Allocate returns the lowest port in range that is neither claimed nor
// bound. Nothing is cached between calls.
func (a *Allocator) Allocate(ctx context.Context, claims ClaimLister) (int, error) {
	claimed, err := claims.ListClaimedPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list claimed ports: %w", err)
	}
	used := make(map[int]bool, len(claimed))
	for _, p := range claimed {
		used[p] = true
	}

	for p := a.From; p <= a.To; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if used[p] {
			continue
		}
		if a.bindable(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrExhausted, a.From, a.To)
}

// Bindable reports whether port can be bound on both 0.0.0.0 and [::].
// Hosts without an IPv6 stack only need the IPv4 bind to succeed.
func Bindable(port int) bool {
	if !tryBind("tcp4", "0.0.0.0", port) {
		return false
	}
	return tryBind("tcp6", "::", port)
}

func tryBind(network, host string, port int) bool {
	l, err := net.Listen(network, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		if network == "tcp6" && ipv6Unavailable(err) {
			return true
		}
		return false
	}
	_ = l.Close()
	return true
}

func ipv6Unavailable(err error) bool {
	return errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EADDRNOTAVAIL) || errors.Is(err, unix.EPROTONOSUPPORT)
}
