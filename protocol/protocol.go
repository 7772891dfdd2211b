// Package protocol implements the frame layer between the client and a registry node.
//
// Every message payload (see package message) travels inside a frame with a fixed
// 14-byte header. The receiver reads the header first to learn the body length, then
// reads exactly that many bytes.
//
// Frame format (little-endian, matching the payload encoding):
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │rs│mt│   seq   │ bodyLen │    body ...    │
//	│ s2s  │01│00│  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicByte1 byte = 0x73 // 's'
	MagicByte2 byte = 0x32 // '2'
	MagicByte3 byte = 0x73 // 's'
	Version    byte = 0x01
	HeaderSize int  = 14 // 3 (magic) + 1 (version) + 1 (reserved) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame; larger declared lengths are rejected before allocating.
	MaxBodyLen = 64 * 1024 * 1024
)

// MsgType identifies the payload carried by a frame.
type MsgType byte

const (
	MsgHeartbeat   MsgType = 0 // liveness probe, either direction, empty body
	MsgLogin       MsgType = 1 // client → registry
	MsgLoginAck    MsgType = 2
	MsgSubscribe   MsgType = 3
	MsgRegister    MsgType = 4
	MsgRegisterAck MsgType = 5
	MsgUnregister  MsgType = 6
	MsgAck         MsgType = 7 // generic success reply
	MsgNotify      MsgType = 8 // registry push, seq 0
	MsgError       MsgType = 9 // failure reply carrying a code
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "heartbeat"
	case MsgLogin:
		return "login"
	case MsgLoginAck:
		return "login-ack"
	case MsgSubscribe:
		return "subscribe"
	case MsgRegister:
		return "register"
	case MsgRegisterAck:
		return "register-ack"
	case MsgUnregister:
		return "unregister"
	case MsgAck:
		return "ack"
	case MsgNotify:
		return "notify"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("msgtype(%d)", byte(t))
	}
}

func (t MsgType) valid() bool { return t <= MsgError }

// Header is the fixed part of every frame.
type Header struct {
	MsgType MsgType
	Seq     uint32 // request/reply correlation; pushes use 0
	BodyLen uint32
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// Concurrent writers sharing w must serialize calls themselves.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicByte1, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = 0
	buf[5] = byte(h.MsgType)
	binary.LittleEndian.PutUint32(buf[6:10], h.Seq)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r, validating magic, version, message type and length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.LittleEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.LittleEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{MsgType: msgType, Seq: seq, BodyLen: bodyLen}, body, nil
}
