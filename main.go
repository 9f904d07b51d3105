package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/criggerbrannon-hash/rotor6/internal/control"
	"github.com/criggerbrannon-hash/rotor6/internal/dialer"
	"github.com/criggerbrannon-hash/rotor6/internal/pool"
	"github.com/criggerbrannon-hash/rotor6/internal/proxy"
	"github.com/criggerbrannon-hash/rotor6/internal/resolver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socksListen   = pflag.String("socks5-listen", "127.0.0.1:1080", "SOCKS5 proxy listen address")
		controlListen = pflag.String("control-listen", "", "Control-plane HTTP listen address (e.g. 127.0.0.1:8347). Empty disables.")

		addresses = pflag.StringSlice("addresses", nil, "Candidate IPv6 source addresses (comma-separated)")

		stickyDuration = pflag.Duration("sticky-duration", pool.DefaultStickyDuration, "How long outbound connections keep using the same source address")
		blockDuration  = pflag.Duration("block-duration", pool.DefaultBlockDuration, "How long a blocked source address stays out of rotation")
		ipv6Only       = pflag.Bool("ipv6-only", true, "Reject IPv4 destinations instead of falling back to direct IPv4 egress")

		dnsServers = pflag.StringSlice("dns-servers", resolver.DefaultServers, "Upstream DNS servers for AAAA lookups, tried in order")
		dnsTimeout = pflag.Duration("dns-timeout", resolver.DefaultTimeout, "Timeout per upstream DNS server")

		dialTimeout        = pflag.Duration("dial-timeout", 30*time.Second, "Timeout for outbound TCP connect")
		idleTimeout        = pflag.Duration("idle-timeout", 60*time.Second, "Timeout for idle relayed connections")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for SOCKS5 negotiation to set up connection")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel           = pflag.String("log-level", "info", "Log level: trace|debug|info|warn|error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	if len(*addresses) == 0 {
		return errors.New("no candidate source addresses (set --addresses)")
	}

	p, err := pool.New(pool.Config{
		Addresses:      *addresses,
		StickyDuration: *stickyDuration,
		BlockDuration:  *blockDuration,
		Logger:         log.With().Str("component", "pool").Logger(),
	})
	if err != nil {
		return fmt.Errorf("address pool: %w", err)
	}

	res := resolver.New(resolver.Config{
		Servers: *dnsServers,
		Timeout: *dnsTimeout,
		Logger:  log.With().Str("component", "resolver").Logger(),
	})

	dialCfg := dialer.Config{
		DialTimeout: *dialTimeout,
		KeepAlive:   ka,
	}

	cfg := proxy.Config{
		NegotiationTimeout: *negotiationTimeout,
		IdleTimeout:        *idleTimeout,
		IPv6Only:           *ipv6Only,
		KeepAlive:          ka,
		Resolver:           res,
		V6Dialer:           dialer.NewBoundDialer(dialCfg, p, log.With().Str("component", "dialer").Logger()),
		V4Dialer:           dialer.NewDirectDialer(dialCfg),
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *controlListen != "" {
		ctrl := control.NewServer(p, log.With().Str("component", "control").Logger())
		ctrlSrv := &http.Server{Handler: ctrl.Handler(), ReadHeaderTimeout: 10 * time.Second}
		lc := net.ListenConfig{}
		ctrlLn, err := lc.Listen(ctx, "tcp", *controlListen)
		if err != nil {
			return fmt.Errorf("control listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = ctrlSrv.Close()
			_ = ctrlLn.Close()
		})

		g.Go(func() error {
			if err := ctrlSrv.Serve(ctrlLn); err != nil {
				return fmt.Errorf("control serve: %w", err)
			}
			return nil
		})
		log.Info().Str("address", *controlListen).Msg("control plane listening")
	}

	ln, err := proxy.ListenTCP("tcp", *socksListen, ka)
	if err != nil {
		return fmt.Errorf("socks5 listen: %w", err)
	}
	s5 := proxy.NewSOCKS5Server(cfg, log.With().Str("component", "socks5").Logger())
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})

	g.Go(func() error {
		if err := s5.Serve(ln); err != nil {
			return fmt.Errorf("socks5 serve: %w", err)
		}
		return nil
	})
	log.Info().Str("address", *socksListen).Msg("socks5 proxy listening")

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info().Msg("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
