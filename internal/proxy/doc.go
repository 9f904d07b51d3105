package proxy

// Package proxy implements the rotor6 SOCKS5 listener.
//
// It speaks the no-auth + CONNECT subset of SOCKS5. Hostname destinations
// are resolved AAAA-first through the configured Resolver, outbound IPv6
// connections are bound to a source address picked from the rotation pool,
// and the relay copies opaque bytes in both directions until either side
// closes or the idle timeout fires.
