package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/duskline/punch/pkg/protocol"
)

func freeUDPAddr(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()
	return addr
}

func newHandlerPair(t *testing.T) (*Handler, *Handler) {
	t.Helper()
	aAddr := freeUDPAddr(t)
	bAddr := freeUDPAddr(t)

	cfg := Config{
		KeepaliveInterval:     50 * time.Millisecond,
		ReliableRetryInterval: 30 * time.Millisecond,
	}
	a := New(aAddr, bAddr, cfg)
	b := New(bAddr, aAddr, cfg)

	if err := a.Begin(); err != nil {
		t.Fatalf("a.Begin: %v", err)
	}
	if err := b.Begin(); err != nil {
		t.Fatalf("b.Begin: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestWaitForConnectionSucceedsOnKeepalivePing(t *testing.T) {
	a, b := newHandlerPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- a.WaitForConnection(ctx) }()
	go func() { errs <- b.WaitForConnection(ctx) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("WaitForConnection: %v", err)
		}
	}
}

func TestSendReliableDeliversOnceAndAcks(t *testing.T) {
	a, b := newHandlerPair(t)

	sub := b.Subscribe()
	defer sub.Close()

	sender := a.Sender()
	defer sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sender.SendReliable(ctx, protocol.NewGoodbye("hello")); err != nil {
		t.Fatalf("SendReliable: %v", err)
	}

	goodbyes := 0
awaitFirst:
	for {
		select {
		case msg := <-sub.C():
			if msg.Kind == protocol.IDPing {
				continue
			}
			if msg.Kind != protocol.IDGoodbye || msg.Goodbye.Motd != "hello" {
				t.Fatalf("unexpected message: %+v", msg)
			}
			goodbyes++
			break awaitFirst
		case <-ctx.Done():
			t.Fatal("receiver never observed the reliable message")
		}
	}

	// A retransmitted duplicate (same packet index) must be suppressed by
	// the receiving side's reliability pump: exactly one Goodbye reaches
	// the subscriber even though SendReliable may have retried before the
	// ack arrived. Keepalive Pings interleave on the same subscription and
	// are expected; only a second Goodbye is a failure.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-sub.C():
			if msg.Kind == protocol.IDGoodbye {
				t.Fatalf("unexpected second delivery: %+v", msg)
			}
		case <-deadline:
			if goodbyes != 1 {
				t.Fatalf("expected exactly one Goodbye delivery, got %d", goodbyes)
			}
			return
		}
	}
}

func TestFatalOnDecodeFailure(t *testing.T) {
	aAddr := freeUDPAddr(t)
	bAddr := freeUDPAddr(t)
	a := New(aAddr, bAddr, Config{})
	if err := a.Begin(); err != nil {
		t.Fatalf("a.Begin: %v", err)
	}
	defer a.Close()

	// A raw socket pretending to be the peer, sending a malformed datagram.
	raw, err := net.DialUDP("udp4", bAddr, aAddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer raw.Close()

	if _, err := raw.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-a.Fatal():
		if err == nil {
			t.Fatal("expected a non-nil decode error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the inbound pump to report a fatal decode error")
	}
}
