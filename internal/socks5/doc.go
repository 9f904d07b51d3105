package socks5

// Package socks5 provides the small, shared SOCKS5 handshake pieces used by
// rotor6.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 to
// keep reply formatting and the client-side handshake in one place. The
// server side parses requests itself (see internal/proxy) because it needs
// to map each malformed field to a specific reply code; this package only
// writes the fixed-shape replies and implements the no-auth client handshake
// used by tests.
