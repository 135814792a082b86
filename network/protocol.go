// Package network carries framed messages between two devices over TCP.
//
// A frame is a 4-byte big-endian payload length, one kind byte, then the
// payload. Every link starts with a hello exchange and then carries data
// frames, keep-alive pings and a final disconnect frame.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is exchanged in hello frames. Links refuse any other.
	ProtocolVersion = 1
	// MaxFrameSize caps a single payload at 10 MiB.
	MaxFrameSize = 10 << 20

	DefaultConnectTimeout    = 30 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveTimeout  = 15 * time.Second

	headerLen = 5
)

// FrameKind identifies what a frame carries.
type FrameKind byte

const (
	FrameHello FrameKind = iota + 1
	FrameData
	FramePing
	FramePong
	FrameDisconnect
	FrameError
)

var frameNames = map[FrameKind]string{
	FrameHello:      "hello",
	FrameData:       "data",
	FramePing:       "ping",
	FramePong:       "pong",
	FrameDisconnect: "disconnect",
	FrameError:      "error",
}

func (k FrameKind) String() string {
	if name, ok := frameNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

var (
	ErrFrameTooLarge      = errors.New("network: frame exceeds max size")
	ErrInvalidFrame       = errors.New("network: invalid frame")
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
)

// WriteFrame writes kind and payload as a single frame.
func WriteFrame(w io.Writer, kind FrameKind, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [headerLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	header[4] = byte(kind)

	bufs := net.Buffers{header[:], payload}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads the next frame. The length is checked before any payload
// memory is allocated.
func ReadFrame(r io.Reader) (FrameKind, []byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	kind := FrameKind(header[4])
	if _, known := frameNames[kind]; !known {
		return 0, nil, fmt.Errorf("%w: %s", ErrInvalidFrame, kind)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read %s payload: %w", kind, err)
	}
	return kind, payload, nil
}
