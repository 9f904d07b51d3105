package socks5

import (
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// Protocol constants shared with internal/proxy.
const (
	Ver        = txsocks5.Ver
	MethodNone = txsocks5.MethodNone
	CmdConnect = txsocks5.CmdConnect
	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6
)

// Reply codes sent by this server. The automation stack expects 0x02 for
// network unreachable, not RFC 1928's 0x03.
const (
	RepSuccess             = txsocks5.RepSuccess
	RepNetworkUnreachable  = byte(0x02)
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

// WriteReply writes the fixed 10-byte reply shape: VER, rep, RSV, and an
// all-zero IPv4 bind address and port. Clients never need the real bound
// address, so every reply, success included, carries the placeholder.
func WriteReply(conn net.Conn, rep byte) error {
	r := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	_, err := r.WriteTo(conn)
	return err
}

func WriteSuccessReply(conn net.Conn) error {
	return WriteReply(conn, RepSuccess)
}
