package dialer

// Package dialer provides the outbound dialing implementations used by the
// SOCKS5 server.
//
// Dialers implement a small interface (DialContext). BoundDialer binds each
// outbound connection to a source address chosen from the rotation pool;
// DirectDialer connects without binding and serves IPv4 destinations when
// IPv6-only mode is disabled.
