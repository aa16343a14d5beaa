// Package transport implements the mesh's two wire channels: a framed TCP
// request/response protocol for everything except liveness, and raw UDP
// datagrams for heartbeats. No ecosystem RPC framework speaks this frame
// shape, so the channel itself is built directly on net and encoding/binary.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Opcode identifies the kind of message carried by a Frame.
type Opcode uint32

const (
	OpHello Opcode = iota + 1
	OpWelcome
	OpPeerList
	OpMetaSync
	OpBlockPut
	OpBlockGet
	OpBlockGetReply
	OpBlockDelete
	OpFileAnnounce
	OpFileDelete
	OpCapacityUpdate
)

func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpWelcome:
		return "WELCOME"
	case OpPeerList:
		return "PEER_LIST"
	case OpMetaSync:
		return "META_SYNC"
	case OpBlockPut:
		return "BLOCK_PUT"
	case OpBlockGet:
		return "BLOCK_GET"
	case OpBlockGetReply:
		return "BLOCK_GET_REPLY"
	case OpBlockDelete:
		return "BLOCK_DELETE"
	case OpFileAnnounce:
		return "FILE_ANNOUNCE"
	case OpFileDelete:
		return "FILE_DELETE"
	case OpCapacityUpdate:
		return "CAPACITY_UPDATE"
	default:
		return fmt.Sprintf("opcode(%d)", uint32(o))
	}
}

// headerLen is the fixed 16-byte header: 4B opcode, 4B correlation id, 8B
// payload length.
const headerLen = 16

// maxPayload bounds a single frame's payload to 16 MiB, enough for a
// BLOCK_PUT (one block plus its embedded header) and for the JSON registry
// snapshots carried by WELCOME and META_SYNC.
const maxPayload = 16 << 20

// Frame is one message on the reliable channel.
type Frame struct {
	Opcode        Opcode
	CorrelationID uint32
	Payload       []byte
}

// WriteFrame serializes and writes f to w in full or returns an error.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayload {
		return fmt.Errorf("payload too large: %d bytes", len(f.Payload))
	}
	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(f.Opcode))
	binary.BigEndian.PutUint32(header[4:8], f.CorrelationID)
	binary.BigEndian.PutUint64(header[8:16], uint64(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one full frame from r, tolerating partial reads on both
// the header and the payload (io.ReadFull spans short TCP reads).
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	op := Opcode(binary.BigEndian.Uint32(header[0:4]))
	corr := binary.BigEndian.Uint32(header[4:8])
	length := binary.BigEndian.Uint64(header[8:16])
	if length > maxPayload {
		return Frame{}, fmt.Errorf("frame payload too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Opcode: op, CorrelationID: corr, Payload: payload}, nil
}

// BlockPutPayload is the BLOCK_PUT payload shape: a file-name-length-
// prefixed name, a block index, an is-replica flag, and the raw bytes.
type BlockPutPayload struct {
	FileName  string
	Index     uint32
	IsReplica bool
	Data      []byte
}

// Encode serializes a BlockPutPayload per the wire layout: 2B name length,
// name, 4B index, 1B is_replica, then the block bytes.
func (p BlockPutPayload) Encode() []byte {
	nameLen := len(p.FileName)
	buf := make([]byte, 2+nameLen+4+1+len(p.Data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(nameLen))
	copy(buf[2:2+nameLen], p.FileName)
	off := 2 + nameLen
	binary.BigEndian.PutUint32(buf[off:off+4], p.Index)
	off += 4
	if p.IsReplica {
		buf[off] = 1
	}
	off++
	copy(buf[off:], p.Data)
	return buf
}

// DecodeBlockPutPayload parses the BLOCK_PUT wire layout.
func DecodeBlockPutPayload(raw []byte) (BlockPutPayload, error) {
	if len(raw) < 2 {
		return BlockPutPayload{}, fmt.Errorf("block_put payload too short")
	}
	nameLen := int(binary.BigEndian.Uint16(raw[0:2]))
	off := 2
	if len(raw) < off+nameLen+4+1 {
		return BlockPutPayload{}, fmt.Errorf("block_put payload truncated")
	}
	name := string(raw[off : off+nameLen])
	off += nameLen
	index := binary.BigEndian.Uint32(raw[off : off+4])
	off += 4
	isReplica := raw[off] != 0
	off++
	data := raw[off:]
	return BlockPutPayload{FileName: name, Index: index, IsReplica: isReplica, Data: data}, nil
}

// BlockRefPayload identifies a block by file name and index, the shared
// payload shape for BLOCK_GET and BLOCK_DELETE requests.
type BlockRefPayload struct {
	FileName string
	Index    uint32
}

// Encode serializes a BlockRefPayload: 2B name length, name, 4B index.
func (p BlockRefPayload) Encode() []byte {
	nameLen := len(p.FileName)
	buf := make([]byte, 2+nameLen+4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(nameLen))
	copy(buf[2:2+nameLen], p.FileName)
	binary.BigEndian.PutUint32(buf[2+nameLen:], p.Index)
	return buf
}

// DecodeBlockRefPayload parses the BLOCK_GET/BLOCK_DELETE wire layout.
func DecodeBlockRefPayload(raw []byte) (BlockRefPayload, error) {
	if len(raw) < 2 {
		return BlockRefPayload{}, fmt.Errorf("block_ref payload too short")
	}
	nameLen := int(binary.BigEndian.Uint16(raw[0:2]))
	if len(raw) < 2+nameLen+4 {
		return BlockRefPayload{}, fmt.Errorf("block_ref payload truncated")
	}
	name := string(raw[2 : 2+nameLen])
	index := binary.BigEndian.Uint32(raw[2+nameLen:])
	return BlockRefPayload{FileName: name, Index: index}, nil
}

// BlockGetReplyStatus is the 1-byte status code in a BLOCK_GET_REPLY.
type BlockGetReplyStatus byte

const (
	StatusOK BlockGetReplyStatus = iota
	StatusNotFound
	StatusNoSpace
)

// BlockGetReplyPayload is the BLOCK_GET_REPLY payload: a status byte
// followed by the block bytes when status is OK.
type BlockGetReplyPayload struct {
	Status BlockGetReplyStatus
	Data   []byte
}

func (p BlockGetReplyPayload) Encode() []byte {
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.Status)
	copy(buf[1:], p.Data)
	return buf
}

func DecodeBlockGetReplyPayload(raw []byte) (BlockGetReplyPayload, error) {
	if len(raw) < 1 {
		return BlockGetReplyPayload{}, fmt.Errorf("block_get_reply payload too short")
	}
	return BlockGetReplyPayload{Status: BlockGetReplyStatus(raw[0]), Data: raw[1:]}, nil
}
