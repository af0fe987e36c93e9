// Package network implements the UDP transport: a reliability overlay
// (ack-and-retransmit for designated messages) layered over a raw,
// connected UDP socket, plus keepalive pings and a publish/subscribe
// fan-out so multiple consumers can observe the inbound stream
// independently.
package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskline/punch/internal/logging"
	"github.com/duskline/punch/pkg/bitfield"
	"github.com/duskline/punch/pkg/errs"
	"github.com/duskline/punch/pkg/protocol"
)

// Config tunes the handler's pumps. Zero-value fields fall back to the
// documented defaults in internal/config.
type Config struct {
	KeepaliveInterval     time.Duration
	ReliableRetryInterval time.Duration
	ReceiveBufferBytes    int
	BroadcastCapacity     int
	Logger                *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 5 * time.Second
	}
	if c.ReliableRetryInterval == 0 {
		c.ReliableRetryInterval = 3 * time.Second
	}
	if c.ReceiveBufferBytes == 0 {
		c.ReceiveBufferBytes = 2048
	}
	if c.BroadcastCapacity == 0 {
		c.BroadcastCapacity = 10
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// Handler owns the UDP socket for one peer session and runs the four
// long-lived pumps once Begin is called. Construction performs no I/O.
type Handler struct {
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr
	cfg        Config
	log        *logging.Logger

	conn *net.UDPConn

	outbound chan protocol.Message
	inbound  *broadcaster

	nextOutboundIndex uint32
	receivedMu        sync.Mutex
	receivedIndices   *bitfield.Bitfield

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fatalOnce sync.Once
	fatalCh   chan error
}

// New constructs a Handler bound to no socket yet; Begin performs the
// actual bind/connect and spawns the pumps.
func New(localAddr, remoteAddr *net.UDPAddr, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		localAddr:       localAddr,
		remoteAddr:      remoteAddr,
		cfg:             cfg,
		log:             cfg.Logger.WithComponent("network"),
		outbound:        make(chan protocol.Message, cfg.BroadcastCapacity),
		inbound:         newBroadcaster(cfg.BroadcastCapacity),
		receivedIndices: bitfield.New(),
		ctx:             ctx,
		cancel:          cancel,
		fatalCh:         make(chan error, 1),
	}
}

// Begin binds a UDP socket to localAddr, connects it to remoteAddr (a
// kernel-level peer filter, not a handshake), and spawns the outbound,
// inbound, reliability, and keepalive pumps. It returns once the socket
// is ready and the pumps have been launched.
func (h *Handler) Begin() error {
	conn, err := net.DialUDP("udp4", h.localAddr, h.remoteAddr)
	if err != nil {
		return errs.IOf("binding %s and connecting to %s: %v", h.localAddr, h.remoteAddr, err)
	}
	h.conn = conn

	h.wg.Add(4)
	go h.outboundPump()
	go h.inboundPump()
	go h.reliabilityPump()
	go h.keepalivePump()

	h.log.Info("handler started", logging.Fields{"local": h.localAddr.String(), "remote": h.remoteAddr.String()})
	return nil
}

// Close stops all pumps and closes the socket.
func (h *Handler) Close() error {
	h.cancel()
	var err error
	if h.conn != nil {
		err = h.conn.Close()
	}
	h.wg.Wait()
	return err
}

// Fatal returns a channel that receives at most one error if the inbound
// pump terminates on a decode failure. Publishing to the inbound stream
// never fails (a full subscriber buffer drops its oldest entry), so the
// reliability pump reports nothing here.
func (h *Handler) Fatal() <-chan error {
	return h.fatalCh
}

func (h *Handler) fail(err error) {
	h.fatalOnce.Do(func() {
		h.fatalCh <- err
		h.cancel()
	})
}

// Subscribe returns a fresh subscription to the inbound stream. Messages
// published before this call are never observed; this must be called
// before triggering whatever condition the caller intends to wait for.
func (h *Handler) Subscribe() *Subscription {
	return h.inbound.subscribe()
}

// Sender returns a handle carrying its own subscription and sharing the
// outbound channel and reliable-index counter.
func (h *Handler) Sender() *Sender {
	return &Sender{h: h, ackSub: h.inbound.subscribe()}
}

// WaitForConnection subscribes and blocks until any Ping is observed from
// the peer.
func (h *Handler) WaitForConnection(ctx context.Context) error {
	sub := h.Subscribe()
	defer sub.Close()
	for {
		select {
		case msg := <-sub.C():
			if msg.Kind == protocol.IDPing {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) outboundPump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.outbound:
			data := protocol.Encode(msg)
			if _, err := h.conn.Write(data); err != nil {
				select {
				case <-h.ctx.Done():
				default:
					h.log.Warn("outbound write failed", logging.Fields{"error": err.Error()})
				}
				return
			}
		}
	}
}

func (h *Handler) inboundPump() {
	defer h.wg.Done()
	buf := make([]byte, h.cfg.ReceiveBufferBytes)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			select {
			case <-h.ctx.Done():
			default:
				h.log.Warn("inbound read failed", logging.Fields{"error": err.Error()})
			}
			return
		}
		if n < 4 {
			continue
		}
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			h.log.Error("decode failure, terminating inbound pump", logging.Fields{"error": err.Error()})
			h.fail(err)
			return
		}
		h.inbound.publish(msg)
	}
}

func (h *Handler) reliabilityPump() {
	defer h.wg.Done()
	sub := h.inbound.subscribe()
	defer sub.Close()
	for {
		msg, err := sub.Recv(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			continue
		}
		if msg.Kind != protocol.IDReliable {
			continue
		}
		rel := msg.Reliable

		h.receivedMu.Lock()
		alreadySeen := h.receivedIndices.Get(int(rel.PacketIndex))
		if !alreadySeen {
			h.receivedIndices.Set(int(rel.PacketIndex), true)
		}
		h.receivedMu.Unlock()

		if !alreadySeen {
			h.inbound.publish(rel.Inner)
		}

		ack := protocol.NewReliableAck(rel.PacketIndex)
		select {
		case h.outbound <- ack:
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Handler) keepalivePump() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			select {
			case h.outbound <- protocol.NewPing():
			case <-h.ctx.Done():
				return
			}
		}
	}
}

// Sender enqueues outbound traffic and drives the ack-and-retransmit
// overlay for reliable messages. It is a cheap value carrying shared
// channel/counter handles plus its own independent subscription.
type Sender struct {
	h      *Handler
	ackSub *Subscription
}

// Send enqueues msg on the outbound stream without waiting for delivery.
// It fails only if the handler's pumps are not running.
func (s *Sender) Send(msg protocol.Message) error {
	select {
	case s.h.outbound <- msg:
		return nil
	case <-s.h.ctx.Done():
		return errs.Channel("no outbound pump running")
	}
}

// SendReliable assigns the next monotonically increasing packet index,
// wraps msg in a Reliable envelope, and retransmits it on
// ReliableRetryInterval until a matching ReliableAck is observed on this
// Sender's subscription. It returns once the ack is received, or if ctx
// is canceled first.
func (s *Sender) SendReliable(ctx context.Context, msg protocol.Message) error {
	index := atomic.AddUint32(&s.h.nextOutboundIndex, 1) - 1
	wrapped, err := protocol.NewReliable(index, msg)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(s.h.cfg.ReliableRetryInterval)
	defer ticker.Stop()

	if err := s.Send(wrapped); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Send(wrapped); err != nil {
				return err
			}
		case got := <-s.ackSub.C():
			if got.Kind == protocol.IDReliableAck && got.ReliableAck.PacketIndex == index {
				return nil
			}
		}
	}
}

// Close releases the Sender's private subscription.
func (s *Sender) Close() {
	s.ackSub.Close()
}
