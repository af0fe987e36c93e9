// Command punch is the peer-to-peer file-transfer client: given a file
// path it sends that file, given none it waits to receive one. Both
// sides discover their own reflexive address via STUN, exchange a short
// Base58 code (by hand or through an optional Redis rendezvous broker),
// punch a hole toward the peer, and then hand off to the reliable UDP
// session.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duskline/punch/internal/config"
	"github.com/duskline/punch/internal/logging"
	"github.com/duskline/punch/internal/rendezvous"
	"github.com/duskline/punch/internal/transfer"
	"github.com/duskline/punch/pkg/addrcode"
	"github.com/duskline/punch/pkg/nat"
	"github.com/duskline/punch/pkg/network"
)

var (
	flagLocal            bool
	flagConfigPath       string
	flagRendezvousRedis  string
	flagRendezvousSession string
	flagLocalPort        int
)

func main() {
	root := &cobra.Command{
		Use:   "punch [file]",
		Short: "Send or receive a file over a hole-punched UDP connection",
		Long: "punch sends the file given as an argument to a peer, or, given no\n" +
			"argument, waits to receive one. Run it twice, once on each side, and\n" +
			"exchange the printed address codes to connect.",
		Args: cobra.MaximumNArgs(1),
		RunE: run,
	}

	root.Flags().BoolVar(&flagLocal, "local", false, "use the loopback address instead of a STUN-discovered one, for same-host testing")
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&flagRendezvousRedis, "rendezvous-redis", "", "Redis address for automated code exchange (overrides config)")
	root.Flags().StringVar(&flagRendezvousSession, "rendezvous-session", "", "shared session name for Redis rendezvous")
	root.Flags().IntVar(&flagLocalPort, "port", 0, "local UDP port to bind (0 picks a random port)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	if flagRendezvousRedis != "" {
		cfg.Rendezvous.RedisAddr = flagRendezvousRedis
	}

	log := logging.Default().WithComponent("punch")

	var sendPath string
	sending := false
	if len(args) == 1 {
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", args[0], err)
		}
		if info.Mode().IsRegular() {
			sendPath = args[0]
			sending = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down", nil)
		cancel()
	}()

	localAddr, remoteAddr, conn, err := rendezvousExchange(ctx, cfg, log)
	if err != nil {
		return err
	}
	conn.Close() // handler re-binds the same local port for the session socket.

	punchAttempts := 5
	if !flagLocal {
		detectCtx, detectCancel := context.WithTimeout(ctx, 3*time.Second)
		result, err := nat.NewNATDetector().DetectNATType(detectCtx)
		detectCancel()
		if err != nil {
			log.Warn("NAT type detection failed, using default punch parameters", logging.Fields{"error": err.Error()})
		} else {
			log.Info("NAT type detected", logging.Fields{"type": result.NATType.String()})
			if result.NATType == nat.NATTypeSymmetric {
				return fmt.Errorf("symmetric NAT detected: direct hole punching is not expected to work and relay traversal is out of scope")
			}
			punchAttempts = punchAttemptsFor(result.NATType)
		}
	}

	log.Info("attempting hole punch", logging.Fields{"remote": remoteAddr.String(), "attempts": punchAttempts})
	punchConn, err := net.DialUDP("udp4", localAddr, remoteAddr)
	if err != nil {
		return fmt.Errorf("rebinding for hole punch: %w", err)
	}
	metrics := nat.PunchHole(punchConn, remoteAddr, punchAttempts, 200*time.Millisecond)
	punchConn.Close()
	log.Debug("hole punch burst sent", logging.Fields{"attempts": metrics.Attempts, "sent": metrics.Sent})

	handler := network.New(localAddr, remoteAddr, network.Config{
		KeepaliveInterval:     cfg.Network.KeepaliveInterval,
		ReliableRetryInterval: cfg.Network.ReliableRetryInterval,
		ReceiveBufferBytes:    cfg.Network.ReceiveBufferBytes,
		BroadcastCapacity:     cfg.Network.BroadcastCapacity,
		Logger:                log,
	})
	if err := handler.Begin(); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer handler.Close()

	log.Info("waiting for peer", nil)
	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	if err := handler.WaitForConnection(waitCtx); err != nil {
		return fmt.Errorf("peer never responded: %w", err)
	}
	log.Info("connected", nil)

	if sending {
		sender := transfer.NewSender(handler, transfer.SenderConfig{
			ChunkSize:  cfg.Transfer.ChunkSize,
			ChunkCount: cfg.Transfer.ChunkCount,
		}, log)
		return sender.Run(ctx, sendPath)
	}

	receiver := transfer.NewReceiver(handler, cfg.DownloadsDir, log)
	motd, err := receiver.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(motd)
	return nil
}

// punchAttemptsFor scales the hole-punch burst size to how hard the
// detected NAT is expected to make it: cone NATs punch through easily, so
// a short burst is enough, while restricted/port-restricted cones benefit
// from a longer burst to win the race against the peer's own first
// inbound-triggering packet.
func punchAttemptsFor(natType nat.NATType) int {
	switch natType {
	case nat.NATTypeNoNAT, nat.NATTypeFullCone:
		return 3
	case nat.NATTypeRestrictedCone, nat.NATTypePortRestrictedCone:
		return 8
	default:
		return 5
	}
}

// rendezvousExchange discovers this host's local/reflexive address and
// learns the peer's address, either through the Redis broker or by
// printing a code and reading one back from stdin. It returns the STUN
// socket so the caller can inspect the local port it bound before
// re-binding that same port for the session proper.
func rendezvousExchange(ctx context.Context, cfg config.Config, log *logging.Logger) (*net.UDPAddr, *net.UDPAddr, *net.UDPConn, error) {
	var localAddr, reflexiveAddr *net.UDPAddr

	if flagLocal {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: flagLocalPort})
		if err != nil {
			return nil, nil, nil, err
		}
		localAddr = conn.LocalAddr().(*net.UDPAddr)
		reflexiveAddr = localAddr
		return exchangeCode(ctx, cfg, log, localAddr, reflexiveAddr, conn)
	}

	stunClient := nat.NewClient(cfg.STUN.Servers)
	conn, addr, err := stunClient.Discover(flagLocalPort)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("discovering reflexive address: %w", err)
	}
	localAddr = conn.LocalAddr().(*net.UDPAddr)
	reflexiveAddr = addr
	log.Info("reflexive address discovered", logging.Fields{"address": reflexiveAddr.String()})

	keepaliveCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	go stunClient.KeepAlive(keepaliveCtx, conn, cfg.STUN.KeepaliveInterval)

	return exchangeCode(ctx, cfg, log, localAddr, reflexiveAddr, conn)
}

func exchangeCode(ctx context.Context, cfg config.Config, log *logging.Logger, localAddr, reflexiveAddr *net.UDPAddr, conn *net.UDPConn) (*net.UDPAddr, *net.UDPAddr, *net.UDPConn, error) {
	info, err := addrcode.New(reflexiveAddr)
	if err != nil {
		return nil, nil, nil, err
	}
	myCode := addrcode.Encode(info)

	var peerCode string
	if cfg.Rendezvous.RedisAddr != "" {
		peerCode, err = exchangeViaRedis(ctx, cfg, myCode)
	} else {
		peerCode, err = exchangeViaStdin(myCode)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	peerInfo, err := addrcode.Decode(strings.TrimSpace(peerCode))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding peer code: %w", err)
	}
	return localAddr, peerInfo.UDPAddr(), conn, nil
}

func exchangeViaStdin(myCode string) (string, error) {
	fmt.Printf("Your code: %s\n", myCode)
	fmt.Print("Enter peer's code: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading peer code: %w", err)
	}
	return line, nil
}

func exchangeViaRedis(ctx context.Context, cfg config.Config, myCode string) (string, error) {
	if flagRendezvousSession == "" {
		return "", fmt.Errorf("--rendezvous-session is required when using --rendezvous-redis")
	}
	broker, err := rendezvous.NewBroker(cfg.Rendezvous.RedisAddr)
	if err != nil {
		return "", err
	}
	defer broker.Close()

	side := "a"
	if sideFromEnv := os.Getenv("PUNCH_RENDEZVOUS_SIDE"); sideFromEnv != "" {
		side = sideFromEnv
	}
	peerSide := "b"
	if side == "b" {
		peerSide = "a"
	}

	if err := broker.Publish(ctx, flagRendezvousSession, side, myCode); err != nil {
		return "", err
	}
	return broker.Fetch(ctx, flagRendezvousSession, peerSide)
}
