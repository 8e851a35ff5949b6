package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 最大帧大小，约30秒PCM16/16kHz音频
	MaxFrameSize = 1024 * 1024 // 1MB
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Frame 二进制WebSocket消息中的一帧
type Frame struct {
	Opcode uint16
	Body   []byte // 媒体信封，见media.go
}

// EncodeFrame 将操作码和消息体编码为二进制帧
// 帧格式: | opcode(2字节) | length(4字节) | body(变长) |
func EncodeFrame(opcode uint16, body []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(body))

	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)

	return buf
}

// DecodeFrame 解码一帧，长度字段必须与实际数据一致
func DecodeFrame(raw []byte) (*Frame, error) {
	if len(raw) < FrameHeaderSize {
		return nil, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	opcode := binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	if expected := FrameHeaderSize + int(bodyLength); len(raw) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, expected, len(raw))
	}

	body := make([]byte, bodyLength)
	copy(body, raw[FrameHeaderSize:])

	return &Frame{Opcode: opcode, Body: body}, nil
}
