// Package protocol implements the wire framing for the file-transfer
// session: a closed set of typed messages, each with a 4-byte
// little-endian ID header, encoded to and decoded from a single UDP
// datagram's payload. The datagram boundary is the only framing;
// top-level messages carry no length prefix.
package protocol

import (
	"encoding/binary"

	"github.com/duskline/punch/pkg/bitfield"
	"github.com/duskline/punch/pkg/errs"
)

// Message IDs. ID 10 is reserved and always rejected.
const (
	IDReliable            uint32 = 0
	IDReliableAck         uint32 = 1
	IDPing                uint32 = 2
	IDFileTransferRequest uint32 = 3
	IDFileTransferAccept  uint32 = 4
	IDPartBegin           uint32 = 5
	IDChunk               uint32 = 6
	IDPartEnd             uint32 = 7
	IDTransferIncomplete  uint32 = 8
	IDTransferSuccessful  uint32 = 9
	idReserved10          uint32 = 10
	IDGoodbye             uint32 = 11
)

const headerSize = 4

// Message is the closed tagged union of wire messages. Exactly one of the
// typed fields is meaningful, selected by Kind.
type Message struct {
	Kind uint32

	Reliable            *Reliable
	ReliableAck         *ReliableAck
	FileTransferRequest *FileTransferRequest
	PartBegin           *PartBegin
	Chunk               *Chunk
	TransferIncomplete  *TransferIncomplete
	Goodbye             *Goodbye
	// Ping, FileTransferAccept, PartEnd, TransferSuccessful carry no
	// payload; Kind alone identifies them.
}

// Reliable wraps exactly one inner message for at-most-once delivery.
// The inner message may not itself be Reliable or ReliableAck.
type Reliable struct {
	PacketIndex uint32
	Inner       Message
}

// ReliableAck acknowledges a Reliable by packet index.
type ReliableAck struct {
	PacketIndex uint32
}

// FileTransferRequest announces an incoming file.
type FileTransferRequest struct {
	Filename string
	Filesize uint64
}

// PartBegin opens a new part and carries the protocol parameters the
// receiver must honor for the rest of the part.
type PartBegin struct {
	PartSize    uint32
	ChunkSize   uint32
	PartNumber  uint32
	ChunkCount  uint32
}

// Chunk carries one fragment of a part. Data is whatever remains in the
// datagram after the two header fields; the trailing chunk of a part may
// be shorter than ChunkSize.
type Chunk struct {
	Index      uint32
	PartNumber uint32
	Data       []byte
}

// TransferIncomplete reports which chunk indices are still missing.
type TransferIncomplete struct {
	Bitfield *bitfield.Bitfield
}

// Goodbye ends the session with a human-readable message of the day.
type Goodbye struct {
	Motd string
}

func ping() Message                 { return Message{Kind: IDPing} }
func fileTransferAccept() Message   { return Message{Kind: IDFileTransferAccept} }
func partEnd() Message              { return Message{Kind: IDPartEnd} }
func transferSuccessful() Message   { return Message{Kind: IDTransferSuccessful} }

// NewPing builds a Ping message.
func NewPing() Message { return ping() }

// NewFileTransferAccept builds a FileTransferAccept message.
func NewFileTransferAccept() Message { return fileTransferAccept() }

// NewPartEnd builds a PartEnd message.
func NewPartEnd() Message { return partEnd() }

// NewTransferSuccessful builds a TransferSuccessful message.
func NewTransferSuccessful() Message { return transferSuccessful() }

// NewReliable wraps inner in a Reliable envelope. inner must not itself be
// Reliable or ReliableAck.
func NewReliable(index uint32, inner Message) (Message, error) {
	if inner.Kind == IDReliable || inner.Kind == IDReliableAck {
		return Message{}, errs.ProtocolViolation("cannot nest Reliable/ReliableAck inside Reliable")
	}
	return Message{Kind: IDReliable, Reliable: &Reliable{PacketIndex: index, Inner: inner}}, nil
}

// NewReliableAck builds a ReliableAck for the given packet index.
func NewReliableAck(index uint32) Message {
	return Message{Kind: IDReliableAck, ReliableAck: &ReliableAck{PacketIndex: index}}
}

// NewFileTransferRequest builds a FileTransferRequest.
func NewFileTransferRequest(filename string, filesize uint64) Message {
	return Message{Kind: IDFileTransferRequest, FileTransferRequest: &FileTransferRequest{Filename: filename, Filesize: filesize}}
}

// NewPartBegin builds a PartBegin.
func NewPartBegin(partSize, chunkSize, partNumber, chunkCount uint32) Message {
	return Message{Kind: IDPartBegin, PartBegin: &PartBegin{PartSize: partSize, ChunkSize: chunkSize, PartNumber: partNumber, ChunkCount: chunkCount}}
}

// NewChunk builds a Chunk.
func NewChunk(index, partNumber uint32, data []byte) Message {
	return Message{Kind: IDChunk, Chunk: &Chunk{Index: index, PartNumber: partNumber, Data: data}}
}

// NewTransferIncomplete builds a TransferIncomplete from a bitfield.
func NewTransferIncomplete(bf *bitfield.Bitfield) Message {
	return Message{Kind: IDTransferIncomplete, TransferIncomplete: &TransferIncomplete{Bitfield: bf}}
}

// NewGoodbye builds a Goodbye with the given motd.
func NewGoodbye(motd string) Message {
	return Message{Kind: IDGoodbye, Goodbye: &Goodbye{Motd: motd}}
}

// Encode renders m to its wire bytes. It never fails: every in-process
// Message value is well-formed by construction.
func Encode(m Message) []byte {
	switch m.Kind {
	case IDReliable:
		inner := Encode(m.Reliable.Inner)
		buf := make([]byte, headerSize+4, headerSize+4+len(inner))
		binary.LittleEndian.PutUint32(buf[0:4], IDReliable)
		binary.LittleEndian.PutUint32(buf[4:8], m.Reliable.PacketIndex)
		return append(buf, inner...)

	case IDReliableAck:
		buf := make([]byte, headerSize+4)
		binary.LittleEndian.PutUint32(buf[0:4], IDReliableAck)
		binary.LittleEndian.PutUint32(buf[4:8], m.ReliableAck.PacketIndex)
		return buf

	case IDPing:
		return header(IDPing)

	case IDFileTransferRequest:
		name := []byte(m.FileTransferRequest.Filename)
		buf := make([]byte, headerSize+4+len(name)+8)
		binary.LittleEndian.PutUint32(buf[0:4], IDFileTransferRequest)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(name)))
		copy(buf[8:8+len(name)], name)
		binary.LittleEndian.PutUint64(buf[8+len(name):], m.FileTransferRequest.Filesize)
		return buf

	case IDFileTransferAccept:
		return header(IDFileTransferAccept)

	case IDPartBegin:
		buf := make([]byte, headerSize+16)
		binary.LittleEndian.PutUint32(buf[0:4], IDPartBegin)
		binary.LittleEndian.PutUint32(buf[4:8], m.PartBegin.PartSize)
		binary.LittleEndian.PutUint32(buf[8:12], m.PartBegin.ChunkSize)
		binary.LittleEndian.PutUint32(buf[12:16], m.PartBegin.PartNumber)
		binary.LittleEndian.PutUint32(buf[16:20], m.PartBegin.ChunkCount)
		return buf

	case IDChunk:
		buf := make([]byte, headerSize+8+len(m.Chunk.Data))
		binary.LittleEndian.PutUint32(buf[0:4], IDChunk)
		binary.LittleEndian.PutUint32(buf[4:8], m.Chunk.Index)
		binary.LittleEndian.PutUint32(buf[8:12], m.Chunk.PartNumber)
		copy(buf[12:], m.Chunk.Data)
		return buf

	case IDPartEnd:
		return header(IDPartEnd)

	case IDTransferIncomplete:
		raw := m.TransferIncomplete.Bitfield.Bytes()
		buf := make([]byte, headerSize+len(raw))
		binary.LittleEndian.PutUint32(buf[0:4], IDTransferIncomplete)
		copy(buf[4:], raw)
		return buf

	case IDTransferSuccessful:
		return header(IDTransferSuccessful)

	case IDGoodbye:
		motd := []byte(m.Goodbye.Motd)
		buf := make([]byte, headerSize+4+len(motd))
		binary.LittleEndian.PutUint32(buf[0:4], IDGoodbye)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(motd)))
		copy(buf[8:], motd)
		return buf

	default:
		panic("protocol: Encode called on malformed Message")
	}
}

func header(id uint32) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf, id)
	return buf
}

// Decode parses a datagram payload into a Message. Every field read is
// bounds-checked; a short buffer yields an "Invalid data" error and an
// unrecognized ID yields an "Invalid packet ID" error.
func Decode(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, errs.Decode("Invalid data")
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	payload := data[headerSize:]

	switch id {
	case IDReliable:
		if len(payload) < 4 {
			return Message{}, errs.Decode("Invalid data")
		}
		index := binary.LittleEndian.Uint32(payload[0:4])
		inner, err := Decode(payload[4:])
		if err != nil {
			return Message{}, err
		}
		return NewReliable(index, inner)

	case IDReliableAck:
		if len(payload) < 4 {
			return Message{}, errs.Decode("Invalid data")
		}
		return NewReliableAck(binary.LittleEndian.Uint32(payload[0:4])), nil

	case IDPing:
		return ping(), nil

	case IDFileTransferRequest:
		if len(payload) < 4 {
			return Message{}, errs.Decode("Invalid data")
		}
		nameLen := int(binary.LittleEndian.Uint32(payload[0:4]))
		if len(payload) < 4+nameLen+8 {
			return Message{}, errs.Decode("Invalid data")
		}
		name := string(payload[4 : 4+nameLen])
		size := binary.LittleEndian.Uint64(payload[4+nameLen : 4+nameLen+8])
		return NewFileTransferRequest(name, size), nil

	case IDFileTransferAccept:
		return fileTransferAccept(), nil

	case IDPartBegin:
		if len(payload) < 16 {
			return Message{}, errs.Decode("Invalid data")
		}
		partSize := binary.LittleEndian.Uint32(payload[0:4])
		chunkSize := binary.LittleEndian.Uint32(payload[4:8])
		partNumber := binary.LittleEndian.Uint32(payload[8:12])
		chunkCount := binary.LittleEndian.Uint32(payload[12:16])
		return NewPartBegin(partSize, chunkSize, partNumber, chunkCount), nil

	case IDChunk:
		if len(payload) < 8 {
			return Message{}, errs.Decode("Invalid data")
		}
		index := binary.LittleEndian.Uint32(payload[0:4])
		partNumber := binary.LittleEndian.Uint32(payload[4:8])
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return NewChunk(index, partNumber, data), nil

	case IDPartEnd:
		return partEnd(), nil

	case IDTransferIncomplete:
		raw := make([]byte, len(payload))
		copy(raw, payload)
		return NewTransferIncomplete(bitfield.FromBytes(raw)), nil

	case IDTransferSuccessful:
		return transferSuccessful(), nil

	case idReserved10:
		return Message{}, errs.Decode("Invalid packet ID")

	case IDGoodbye:
		if len(payload) < 4 {
			return Message{}, errs.Decode("Invalid data")
		}
		motdLen := int(binary.LittleEndian.Uint32(payload[0:4]))
		if len(payload) < 4+motdLen {
			return Message{}, errs.Decode("Invalid data")
		}
		motd := string(payload[4 : 4+motdLen])
		return NewGoodbye(motd), nil

	default:
		return Message{}, errs.Decode("Invalid packet ID")
	}
}
