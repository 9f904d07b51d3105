package proxy

import (
	"net"
	"time"

	"github.com/criggerbrannon-hash/rotor6/internal/dialer"
)

type Config struct {
	NegotiationTimeout time.Duration

	// IdleTimeout ends a relay after this long with no bytes moving in
	// either direction.
	IdleTimeout time.Duration

	// IPv6Only rejects IPv4 destinations and IPv4-only hostnames instead
	// of falling back to direct IPv4 egress.
	IPv6Only bool

	KeepAlive net.KeepAliveConfig

	Resolver Resolver

	// V6Dialer carries IPv6 destinations, bound to a pool source address.
	V6Dialer dialer.Dialer

	// V4Dialer carries IPv4 destinations when IPv6Only is disabled.
	V4Dialer dialer.Dialer
}
