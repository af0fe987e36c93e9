package transfer

import (
	"context"
	"os"
	"path/filepath"

	"github.com/duskline/punch/internal/logging"
	"github.com/duskline/punch/pkg/bitfield"
	"github.com/duskline/punch/pkg/errs"
	"github.com/duskline/punch/pkg/network"
	"github.com/duskline/punch/pkg/protocol"
)

// Receiver assembles an incoming file in memory, part by part, and
// commits each part to disk as it is confirmed complete.
type Receiver struct {
	handler      *network.Handler
	downloadsDir string
	log          *logging.Logger
}

// NewReceiver builds a Receiver writing into downloadsDir.
func NewReceiver(handler *network.Handler, downloadsDir string, log *logging.Logger) *Receiver {
	if downloadsDir == "" {
		downloadsDir = "downloads"
	}
	if log == nil {
		log = logging.Default()
	}
	return &Receiver{handler: handler, downloadsDir: downloadsDir, log: log.WithComponent("receiver")}
}

// Run creates the downloads directory, accepts exactly one file transfer
// request, and runs the download loop until Goodbye is received. It
// returns the peer's motd.
func (r *Receiver) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(r.downloadsDir, 0o755); err != nil {
		return "", errs.IOf("creating downloads dir %s: %v", r.downloadsDir, err)
	}
	r.log.Info("ready for transmission", logging.Fields{"dir": r.downloadsDir})

	sub := r.handler.Subscribe()
	defer sub.Close()

	var file *os.File
	for file == nil {
		select {
		case msg := <-sub.C():
			if msg.Kind != protocol.IDFileTransferRequest {
				continue
			}
			req := msg.FileTransferRequest
			r.log.Info("incoming transfer", logging.Fields{"file": req.Filename, "size": req.Filesize})
			f, err := os.Create(filepath.Join(r.downloadsDir, filepath.Base(req.Filename)))
			if err != nil {
				return "", errs.IOf("creating %s: %v", req.Filename, err)
			}
			file = f
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	defer file.Close()

	sender := r.handler.Sender()
	defer sender.Close()
	if err := sender.SendReliable(ctx, protocol.NewFileTransferAccept()); err != nil {
		return "", err
	}

	return r.downloadLoop(ctx, file, sub, sender)
}

func (r *Receiver) downloadLoop(ctx context.Context, file *os.File, sub *network.Subscription, sender *network.Sender) (string, error) {
	for {
		select {
		case msg := <-sub.C():
			switch msg.Kind {
			case protocol.IDPartBegin:
				pb := msg.PartBegin
				if err := r.partLoop(ctx, file, sub, sender, pb); err != nil {
					return "", err
				}
			case protocol.IDGoodbye:
				motd := msg.Goodbye.Motd
				r.log.Info("transfer session ended", logging.Fields{"motd": motd})
				return motd, nil
			default:
				// Out-of-phase message; ignore.
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// partLoop assembles one part in memory, replying with TransferIncomplete
// or TransferSuccessful each time a PartEnd arrives, and appends the
// finished part to file before returning.
func (r *Receiver) partLoop(ctx context.Context, file *os.File, sub *network.Subscription, sender *network.Sender, pb *protocol.PartBegin) error {
	buf := make([]byte, pb.PartSize)
	received := bitfield.New()

	for {
		select {
		case msg := <-sub.C():
			switch msg.Kind {
			case protocol.IDChunk:
				c := msg.Chunk
				if c.PartNumber != pb.PartNumber {
					continue
				}
				offset := int(c.Index) * int(pb.ChunkSize)
				if offset < 0 || offset > len(buf) || offset+len(c.Data) > len(buf) {
					// Out-of-range index; defensive clamp per the wire
					// contract's note that the protocol itself doesn't
					// bound-check this.
					continue
				}
				copy(buf[offset:offset+len(c.Data)], c.Data)
				received.Set(int(c.Index), true)

			case protocol.IDPartEnd:
				if received.All(int(pb.ChunkCount)) {
					if _, err := file.Write(buf); err != nil {
						return errs.IOf("writing part %d to disk: %v", pb.PartNumber, err)
					}
					r.log.Info("part complete", logging.Fields{"part": pb.PartNumber})
					if err := sender.SendReliable(ctx, protocol.NewTransferSuccessful()); err != nil {
						return err
					}
					return nil
				}
				r.log.Debug("part incomplete, requesting repair", logging.Fields{"part": pb.PartNumber})
				if err := sender.SendReliable(ctx, protocol.NewTransferIncomplete(received)); err != nil {
					return err
				}

			default:
				// Out-of-phase message; ignore.
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
