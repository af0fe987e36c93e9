package transfer

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskline/punch/pkg/network"
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

// TestEndToEndTransfer exercises S6: a full request/accept/stream/goodbye
// session across two real Handlers on loopback, including a part whose
// final chunk is short (S5).
func TestEndToEndTransfer(t *testing.T) {
	senderAddr := freeUDPAddr(t)
	receiverAddr := freeUDPAddr(t)

	netCfg := network.Config{
		KeepaliveInterval:     200 * time.Millisecond,
		ReliableRetryInterval: 40 * time.Millisecond,
	}
	senderHandler := network.New(senderAddr, receiverAddr, netCfg)
	receiverHandler := network.New(receiverAddr, senderAddr, netCfg)

	if err := senderHandler.Begin(); err != nil {
		t.Fatalf("senderHandler.Begin: %v", err)
	}
	defer senderHandler.Close()
	if err := receiverHandler.Begin(); err != nil {
		t.Fatalf("receiverHandler.Begin: %v", err)
	}
	defer receiverHandler.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	connected := make(chan error, 2)
	go func() { connected <- senderHandler.WaitForConnection(connectCtx) }()
	go func() { connected <- receiverHandler.WaitForConnection(connectCtx) }()
	for i := 0; i < 2; i++ {
		if err := <-connected; err != nil {
			t.Fatalf("WaitForConnection: %v", err)
		}
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "payload.bin")
	// 25 bytes over a 10-byte chunk size makes the final chunk of the
	// single part short (S5); 25 also isn't a multiple of chunk_size.
	payload := bytes.Repeat([]byte{0x7E}, 25)
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	downloadsDir := t.TempDir()
	receiver := NewReceiver(receiverHandler, downloadsDir, nil)
	sender := NewSender(senderHandler, SenderConfig{ChunkSize: 10, ChunkCount: 512, Motd: "done"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	motdCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		motd, err := receiver.Run(ctx)
		if err != nil {
			errCh <- err
			return
		}
		motdCh <- motd
	}()

	if err := sender.Run(ctx, srcPath); err != nil {
		t.Fatalf("sender.Run: %v", err)
	}

	select {
	case motd := <-motdCh:
		if motd != "done" {
			t.Errorf("motd = %q, want %q", motd, "done")
		}
	case err := <-errCh:
		t.Fatalf("receiver.Run: %v", err)
	case <-ctx.Done():
		t.Fatal("receiver never completed")
	}

	got, err := os.ReadFile(filepath.Join(downloadsDir, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile downloaded payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded payload mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}

// lossyRelay sits between two Handlers that believe they are talking
// directly to each other, forwarding datagrams verbatim except for chunk
// indices named in dropOnce, each of which is swallowed the first time it
// is seen and let through on every retry after that.
type lossyRelay struct {
	sockA, sockB             *net.UDPConn
	senderAddr, receiverAddr *net.UDPAddr

	mu       sync.Mutex
	dropOnce map[uint32]bool

	incompleteSeen int32
	wg             sync.WaitGroup
}

func newLossyRelay(t *testing.T, relaySenderSide, relayReceiverSide, senderAddr, receiverAddr *net.UDPAddr, dropChunkIndices ...uint32) *lossyRelay {
	t.Helper()
	sockA, err := net.ListenUDP("udp4", relaySenderSide)
	if err != nil {
		t.Fatalf("listening relay sender side: %v", err)
	}
	sockB, err := net.ListenUDP("udp4", relayReceiverSide)
	if err != nil {
		sockA.Close()
		t.Fatalf("listening relay receiver side: %v", err)
	}

	drop := make(map[uint32]bool, len(dropChunkIndices))
	for _, i := range dropChunkIndices {
		drop[i] = true
	}
	r := &lossyRelay{sockA: sockA, sockB: sockB, senderAddr: senderAddr, receiverAddr: receiverAddr, dropOnce: drop}

	r.wg.Add(2)
	go r.forward(sockA, sockB, receiverAddr, true)
	go r.forward(sockB, sockA, senderAddr, false)
	return r
}

func (r *lossyRelay) forward(from, to *net.UDPConn, toAddr *net.UDPAddr, fromSender bool) {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, _, err := from.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)

		msg, decodeErr := protocol.Decode(data)
		if decodeErr == nil {
			if fromSender && msg.Kind == protocol.IDChunk {
				r.mu.Lock()
				drop := r.dropOnce[msg.Chunk.Index]
				delete(r.dropOnce, msg.Chunk.Index)
				r.mu.Unlock()
				if drop {
					continue
				}
			}
			if !fromSender && msg.Kind == protocol.IDReliable && msg.Reliable.Inner.Kind == protocol.IDTransferIncomplete {
				atomic.AddInt32(&r.incompleteSeen, 1)
			}
		}

		if _, err := to.WriteToUDP(data, toAddr); err != nil {
			return
		}
	}
}

func (r *lossyRelay) repairRoundsSeen() int32 {
	return atomic.LoadInt32(&r.incompleteSeen)
}

func (r *lossyRelay) close() {
	r.sockA.Close()
	r.sockB.Close()
	r.wg.Wait()
}

// TestChunkLossRepair exercises S4: a chunk dropped in flight must provoke
// a TransferIncomplete/resend round, and the reassembled file must still
// match the source exactly once the part completes.
func TestChunkLossRepair(t *testing.T) {
	senderAddr := freeUDPAddr(t)
	receiverAddr := freeUDPAddr(t)
	relaySenderSide := freeUDPAddr(t)
	relayReceiverSide := freeUDPAddr(t)

	relay := newLossyRelay(t, relaySenderSide, relayReceiverSide, senderAddr, receiverAddr, 2)
	defer relay.close()

	netCfg := network.Config{
		KeepaliveInterval:     200 * time.Millisecond,
		ReliableRetryInterval: 40 * time.Millisecond,
	}
	senderHandler := network.New(senderAddr, relaySenderSide, netCfg)
	receiverHandler := network.New(receiverAddr, relayReceiverSide, netCfg)

	if err := senderHandler.Begin(); err != nil {
		t.Fatalf("senderHandler.Begin: %v", err)
	}
	defer senderHandler.Close()
	if err := receiverHandler.Begin(); err != nil {
		t.Fatalf("receiverHandler.Begin: %v", err)
	}
	defer receiverHandler.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer connectCancel()
	connected := make(chan error, 2)
	go func() { connected <- senderHandler.WaitForConnection(connectCtx) }()
	go func() { connected <- receiverHandler.WaitForConnection(connectCtx) }()
	for i := 0; i < 2; i++ {
		if err := <-connected; err != nil {
			t.Fatalf("WaitForConnection: %v", err)
		}
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "payload.bin")
	// 23 bytes over a 5-byte chunk size yields 5 chunks (indices 0-4);
	// dropping index 2 once forces exactly one TransferIncomplete round.
	payload := bytes.Repeat([]byte{0x42}, 23)
	if err := os.WriteFile(srcPath, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	downloadsDir := t.TempDir()
	receiver := NewReceiver(receiverHandler, downloadsDir, nil)
	sender := NewSender(senderHandler, SenderConfig{ChunkSize: 5, ChunkCount: 512, Motd: "repaired"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	motdCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		motd, err := receiver.Run(ctx)
		if err != nil {
			errCh <- err
			return
		}
		motdCh <- motd
	}()

	if err := sender.Run(ctx, srcPath); err != nil {
		t.Fatalf("sender.Run: %v", err)
	}

	select {
	case motd := <-motdCh:
		if motd != "repaired" {
			t.Errorf("motd = %q, want %q", motd, "repaired")
		}
	case err := <-errCh:
		t.Fatalf("receiver.Run: %v", err)
	case <-ctx.Done():
		t.Fatal("receiver never completed")
	}

	if relay.repairRoundsSeen() == 0 {
		t.Fatal("expected at least one TransferIncomplete round, saw none")
	}

	got, err := os.ReadFile(filepath.Join(downloadsDir, "payload.bin"))
	if err != nil {
		t.Fatalf("ReadFile downloaded payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded payload mismatch after repair: got %d bytes, want %d bytes", len(got), len(payload))
	}
}
