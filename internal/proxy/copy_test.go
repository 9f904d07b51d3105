package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/criggerbrannon-hash/rotor6/internal/testutil"
)

func TestCopyBidirectionalRelays(t *testing.T) {
	t.Parallel()

	clientSide, left := net.Pipe()
	right, upstreamSide := net.Pipe()
	defer clientSide.Close()
	defer upstreamSide.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = CopyBidirectional(context.Background(), left, right, time.Minute)
	}()

	// Upstream echoes once.
	go func() {
		buf := make([]byte, 64)
		n, err := upstreamSide.Read(buf)
		if err != nil {
			return
		}
		_, _ = upstreamSide.Write(buf[:n])
		_ = upstreamSide.Close()
	}()

	testutil.AssertEcho(t, clientSide, clientSide, []byte("ping"))

	_ = clientSide.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not end after both sides closed")
	}
}

func TestCopyBidirectionalIdleTimeout(t *testing.T) {
	t.Parallel()

	_, left := net.Pipe()
	right, _ := net.Pipe()

	start := time.Now()
	_ = CopyBidirectional(context.Background(), left, right, 100*time.Millisecond)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("idle relay ran %v, want prompt teardown", elapsed)
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	t.Parallel()

	_, left := net.Pipe()
	right, _ := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = CopyBidirectional(ctx, left, right, time.Minute)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not end after context cancellation")
	}
}
