package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Packet types for the Wisp protocol (v1).
const (
	PacketConnect  byte = 0x01
	PacketData     byte = 0x02
	PacketContinue byte = 0x03
	PacketClose    byte = 0x04
)

// Stream types carried in a CONNECT payload.
const (
	StreamTCP byte = 0x01
	StreamUDP byte = 0x02
)

// Close reasons. The 0x4x range is used for connection establishment failures.
const (
	CloseUnexpected        byte = 0x01
	CloseVoluntary         byte = 0x02
	CloseNetworkError      byte = 0x03
	CloseInvalidStreamType byte = 0x41
	CloseConnectFailed     byte = 0x42
)

// HeaderSize is the fixed packet header length: 1 (type) + 4 (stream_id).
const HeaderSize = 5

// Subprotocol is the WebSocket subprotocol token negotiated at the handshake.
const Subprotocol = "wisp-v1"

var (
	ErrTooShort          = errors.New("protocol: packet shorter than header")
	ErrUnknownType       = errors.New("protocol: unknown packet type")
	ErrMalformedConnect  = errors.New("protocol: malformed CONNECT payload")
	ErrMalformedContinue = errors.New("protocol: malformed CONTINUE payload")
	ErrMalformedClose    = errors.New("protocol: malformed CLOSE payload")
)

// Frame is a single Wisp packet. One WebSocket binary message carries exactly
// one frame, so the payload length is implied by the message length.
// Wire format: [1B type][4B stream_id LE][payload].
type Frame struct {
	Type     byte
	StreamID uint32
	Payload  []byte
}

// Connect is the decoded payload of a CONNECT frame.
// Wire format: [1B stream_type][2B port LE][hostname], no terminator.
type Connect struct {
	StreamType byte
	Port       uint16
	Hostname   string
}

// Encode serialises a Frame into one WebSocket message.
func Encode(f Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	binary.LittleEndian.PutUint32(buf[1:5], f.StreamID)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses one WebSocket message into a Frame, validating the payload
// shape for the frame's type. The returned payload aliases msg.
func Decode(msg []byte) (Frame, error) {
	if len(msg) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(msg))
	}

	f := Frame{
		Type:     msg[0],
		StreamID: binary.LittleEndian.Uint32(msg[1:5]),
		Payload:  msg[HeaderSize:],
	}

	switch f.Type {
	case PacketConnect:
		if len(f.Payload) < 3 {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedConnect, len(f.Payload))
		}
		if !utf8.Valid(f.Payload[3:]) {
			return Frame{}, fmt.Errorf("%w: hostname is not valid UTF-8", ErrMalformedConnect)
		}
	case PacketData:
		// Any payload, including empty, is valid.
	case PacketContinue:
		if len(f.Payload) != 1 {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedContinue, len(f.Payload))
		}
	case PacketClose:
		if len(f.Payload) != 1 {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedClose, len(f.Payload))
		}
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, f.Type)
	}

	return f, nil
}

// Connect decodes the CONNECT payload. The frame must have passed Decode.
func (f Frame) Connect() Connect {
	return Connect{
		StreamType: f.Payload[0],
		Port:       binary.LittleEndian.Uint16(f.Payload[1:3]),
		Hostname:   string(f.Payload[3:]),
	}
}

// Reason returns the reason byte of a decoded CLOSE frame.
func (f Frame) Reason() byte {
	return f.Payload[0]
}

// BufferRemaining returns the credit byte of a decoded CONTINUE frame.
func (f Frame) BufferRemaining() byte {
	return f.Payload[0]
}

// EncodeConnect builds a CONNECT frame.
func EncodeConnect(streamID uint32, streamType byte, port uint16, hostname string) []byte {
	payload := make([]byte, 3+len(hostname))
	payload[0] = streamType
	binary.LittleEndian.PutUint16(payload[1:3], port)
	copy(payload[3:], hostname)
	return Encode(Frame{Type: PacketConnect, StreamID: streamID, Payload: payload})
}

// EncodeData builds a DATA frame.
func EncodeData(streamID uint32, payload []byte) []byte {
	return Encode(Frame{Type: PacketData, StreamID: streamID, Payload: payload})
}

// EncodeContinue builds a CONTINUE frame.
func EncodeContinue(streamID uint32, bufferRemaining byte) []byte {
	return Encode(Frame{Type: PacketContinue, StreamID: streamID, Payload: []byte{bufferRemaining}})
}

// EncodeClose builds a CLOSE frame.
func EncodeClose(streamID uint32, reason byte) []byte {
	return Encode(Frame{Type: PacketClose, StreamID: streamID, Payload: []byte{reason}})
}
