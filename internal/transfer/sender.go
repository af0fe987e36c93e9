// Package transfer implements the sender and receiver state machines that
// drive a single file across an already-connected network.Handler: the
// sender segments the file into parts and chunks and repairs losses
// against the receiver's reported bitfield; the receiver assembles parts
// in memory and commits each to disk on success.
package transfer

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/duskline/punch/internal/logging"
	"github.com/duskline/punch/pkg/errs"
	"github.com/duskline/punch/pkg/network"
	"github.com/duskline/punch/pkg/protocol"
)

// SenderConfig carries the reference part geometry the sender proposes.
// These values are carried to the receiver in each PartBegin, and the
// receiver honors what it receives there rather than its own settings.
type SenderConfig struct {
	ChunkSize  uint32
	ChunkCount uint32
	Motd       string
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1024
	}
	if c.ChunkCount == 0 {
		c.ChunkCount = 512
	}
	if c.Motd == "" {
		c.Motd = "Thank you for using our service!"
	}
	return c
}

// Sender drives a file across the wire via a network.Handler.
type Sender struct {
	handler *network.Handler
	cfg     SenderConfig
	log     *logging.Logger
}

// NewSender builds a Sender for the given handler and file-transfer
// parameters.
func NewSender(handler *network.Handler, cfg SenderConfig, log *logging.Logger) *Sender {
	if log == nil {
		log = logging.Default()
	}
	return &Sender{handler: handler, cfg: cfg.withDefaults(), log: log.WithComponent("sender")}
}

// Run sends path to the connected peer: request, wait for accept, stream
// every part, then say goodbye. It assumes handler.WaitForConnection has
// already returned.
func (s *Sender) Run(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.IOf("opening %s: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errs.IOf("statting %s: %v", path, err)
	}

	sender := s.handler.Sender()
	defer sender.Close()

	// Subscribe before sending the request so the Accept cannot be
	// published before anyone is listening for it.
	acceptSub := s.handler.Subscribe()
	defer acceptSub.Close()

	filename := filepath.Base(path)
	s.log.Info("requesting transfer", logging.Fields{"file": filename, "size": info.Size()})
	if err := sender.SendReliable(ctx, protocol.NewFileTransferRequest(filename, uint64(info.Size()))); err != nil {
		return err
	}

	accepted, err := s.awaitAccept(ctx, acceptSub)
	if err != nil {
		return err
	}
	if !accepted {
		return ctx.Err()
	}
	s.log.Info("transfer accepted", logging.Fields{"file": filename})

	reader := bufio.NewReaderSize(f, int(s.cfg.ChunkSize)*4)
	partNumber := uint32(0)
	for {
		more, err := s.sendPart(ctx, reader, sender, partNumber)
		if err != nil {
			return err
		}
		if !more {
			break
		}
		partNumber++
	}

	s.log.Info("transfer complete, sending goodbye", logging.Fields{"file": filename})
	return sender.SendReliable(ctx, protocol.NewGoodbye(s.cfg.Motd))
}

func (s *Sender) awaitAccept(ctx context.Context, sub *network.Subscription) (bool, error) {
	for {
		select {
		case msg := <-sub.C():
			if msg.Kind == protocol.IDFileTransferAccept {
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// sendPart reads up to ChunkCount chunks of ChunkSize bytes, and if any
// were read, streams the whole part (with bitfield-driven repair) before
// returning. It reports whether the caller should attempt another part.
func (s *Sender) sendPart(ctx context.Context, r *bufio.Reader, sender *network.Sender, partNumber uint32) (bool, error) {
	chunks, err := readChunks(r, s.cfg.ChunkSize, s.cfg.ChunkCount)
	if err != nil {
		return false, err
	}
	if len(chunks) == 0 {
		return false, nil
	}

	partSize := uint32(0)
	for _, c := range chunks {
		partSize += uint32(len(c))
	}

	if err := sender.SendReliable(ctx, protocol.NewPartBegin(partSize, s.cfg.ChunkSize, partNumber, uint32(len(chunks)))); err != nil {
		return false, err
	}

	if err := s.emitAll(sender, chunks, partNumber); err != nil {
		return false, err
	}

	// Subscribe before PartEnd goes out: the receiver answers it with
	// TransferIncomplete or TransferSuccessful, which must not be missed.
	sub := s.handler.Subscribe()
	defer sub.Close()
	if err := sender.SendReliable(ctx, protocol.NewPartEnd()); err != nil {
		return false, err
	}

	for {
		select {
		case msg := <-sub.C():
			switch msg.Kind {
			case protocol.IDTransferIncomplete:
				received := msg.TransferIncomplete.Bitfield
				for i, chunk := range chunks {
					if !received.Get(i) {
						if err := sender.Send(protocol.NewChunk(uint32(i), partNumber, chunk)); err != nil {
							return false, err
						}
					}
				}
				if err := sender.SendReliable(ctx, protocol.NewPartEnd()); err != nil {
					return false, err
				}
			case protocol.IDTransferSuccessful:
				return true, nil
			default:
				// Out-of-phase message; ignore.
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Sender) emitAll(sender *network.Sender, chunks [][]byte, partNumber uint32) error {
	for i, chunk := range chunks {
		if err := sender.Send(protocol.NewChunk(uint32(i), partNumber, chunk)); err != nil {
			return err
		}
	}
	return nil
}

// readChunks reads up to count chunks of size bytes from r, stopping
// early (with a short final chunk) at EOF.
func readChunks(r *bufio.Reader, size, count uint32) ([][]byte, error) {
	chunks := make([][]byte, 0, count)
	buf := make([]byte, size)
	for i := uint32(0); i < count; i++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return chunks, err
		}
	}
	return chunks, nil
}
