package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/criggerbrannon-hash/rotor6/internal/socks5"
)

// Resolver finds an IPv6 address for a hostname.
type Resolver interface {
	LookupAAAA(ctx context.Context, host string) (net.IP, error)
}

type SOCKS5Server struct {
	cfg Config
	log zerolog.Logger
}

func NewSOCKS5Server(cfg Config, log zerolog.Logger) *SOCKS5Server {
	return &SOCKS5Server{cfg: cfg, log: log}
}

// Serve accepts connections until ln is closed, handling each in its own
// goroutine. Closing the listener ends the loop silently.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(c)
	}
}

// destination is a parsed CONNECT target: either a hostname or an IP
// literal, plus the port.
type destination struct {
	host string
	ip   net.IP
	port uint16
}

func (d destination) String() string {
	if d.host != "" {
		return net.JoinHostPort(d.host, strconv.Itoa(int(d.port)))
	}
	return net.JoinHostPort(d.ip.String(), strconv.Itoa(int(d.port)))
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if err := s.negotiate(conn); err != nil {
		s.log.Debug().Err(err).Msg("negotiation failed")
		return
	}

	dest, err := s.readRequest(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("bad request")
		return
	}

	up, err := s.connect(context.Background(), conn, dest)
	if err != nil {
		s.log.Debug().Stringer("destination", dest).Err(err).Msg("connect failed")
		return
	}
	defer up.Close()

	if err := socks5.WriteSuccessReply(conn); err != nil {
		return
	}

	// The negotiation deadline no longer applies; the relay watchdog owns
	// idle detection from here.
	_ = conn.SetDeadline(time.Time{})

	s.log.Debug().Stringer("destination", dest).Str("upstream", up.LocalAddr().String()).Msg("relaying")
	_ = CopyBidirectional(context.Background(), conn, up, s.cfg.IdleTimeout)
}

// negotiate reads the client greeting and selects the no-auth method
// regardless of what the client offered. A non-SOCKS5 version byte aborts
// the connection without a reply.
func (s *SOCKS5Server) negotiate(conn net.Conn) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	if hdr[0] != socks5.Ver {
		return fmt.Errorf("greeting: version %#02x", hdr[0])
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("greeting methods: %w", err)
	}

	if _, err := conn.Write([]byte{socks5.Ver, socks5.MethodNone}); err != nil {
		return fmt.Errorf("greeting reply: %w", err)
	}
	return nil
}

// readRequest parses the CONNECT request. Unsupported commands and address
// types are answered with their specific reply codes before the connection
// is dropped.
func (s *SOCKS5Server) readRequest(conn net.Conn) (destination, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return destination{}, fmt.Errorf("request header: %w", err)
	}
	if hdr[0] != socks5.Ver {
		return destination{}, fmt.Errorf("request: version %#02x", hdr[0])
	}
	if hdr[1] != socks5.CmdConnect {
		_ = socks5.WriteReply(conn, socks5.RepCommandNotSupported)
		return destination{}, fmt.Errorf("request: command %#02x not supported", hdr[1])
	}

	var dest destination
	switch hdr[3] {
	case socks5.ATYPIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return destination{}, fmt.Errorf("request addr: %w", err)
		}
		dest.ip = net.IP(b)
	case socks5.ATYPDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return destination{}, fmt.Errorf("request addr: %w", err)
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(conn, b); err != nil {
			return destination{}, fmt.Errorf("request addr: %w", err)
		}
		dest.host = string(b)
	case socks5.ATYPIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return destination{}, fmt.Errorf("request addr: %w", err)
		}
		dest.ip = net.IP(b)
	default:
		_ = socks5.WriteReply(conn, socks5.RepAddressNotSupported)
		return destination{}, fmt.Errorf("request: address type %#02x not supported", hdr[3])
	}

	pb := make([]byte, 2)
	if _, err := io.ReadFull(conn, pb); err != nil {
		return destination{}, fmt.Errorf("request port: %w", err)
	}
	dest.port = binary.BigEndian.Uint16(pb)

	return dest, nil
}

// connect resolves dest if needed and opens the upstream connection. On
// failure the matching error reply has already been written to client.
func (s *SOCKS5Server) connect(ctx context.Context, client net.Conn, dest destination) (net.Conn, error) {
	if dest.host != "" {
		ip, err := s.resolveHost(ctx, dest.host)
		if err != nil {
			if s.cfg.IPv6Only {
				_ = socks5.WriteReply(client, socks5.RepHostUnreachable)
				return nil, err
			}
			// Without the v6-only policy, let the platform resolver
			// pick whatever family it likes during the dial.
			return s.dialDirect(ctx, client, dest.String())
		}
		dest.ip = ip
	}

	if dest.ip.To4() != nil {
		if s.cfg.IPv6Only {
			_ = socks5.WriteReply(client, socks5.RepNetworkUnreachable)
			return nil, errors.New("direct IPv4 egress disallowed")
		}
		return s.dialDirect(ctx, client, dest.String())
	}

	addr := net.JoinHostPort(dest.ip.String(), strconv.Itoa(int(dest.port)))
	up, err := s.cfg.V6Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = socks5.WriteReply(client, replyForDialError(err))
		return nil, err
	}
	return up, nil
}

// resolveHost tries the AAAA resolver first, then the platform resolver
// restricted to IPv6.
func (s *SOCKS5Server) resolveHost(ctx context.Context, host string) (net.IP, error) {
	ip, err := s.cfg.Resolver.LookupAAAA(ctx, host)
	if err == nil {
		return ip, nil
	}

	ips, perr := net.DefaultResolver.LookupIP(ctx, "ip6", host)
	if perr == nil && len(ips) > 0 {
		s.log.Debug().Str("host", host).Str("address", ips[0].String()).Msg("platform resolver fallback")
		return ips[0], nil
	}

	return nil, err
}

func (s *SOCKS5Server) dialDirect(ctx context.Context, client net.Conn, addr string) (net.Conn, error) {
	up, err := s.cfg.V4Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = socks5.WriteReply(client, replyForDialError(err))
		return nil, err
	}
	return up, nil
}

func replyForDialError(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return socks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return socks5.RepNetworkUnreachable
	default:
		// Timeouts and host-unreachable errors land here.
		return socks5.RepHostUnreachable
	}
}
