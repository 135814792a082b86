package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Hello introduces one side of a link to the other.
type Hello struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	DeviceModel     string `json:"device_model,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	AppVersion      string `json:"app_version,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// refusal is the body of an error frame sent by a listener that will not
// accept the dialer's hello.
type refusal struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
}

const (
	codeVersionMismatch = "version_mismatch"
	codeInvalidHello    = "invalid_hello"
	codeSelf            = "self_connection"
)

var ErrSelfConnection = errors.New("network: connection to self")

// RemoteError is a refusal received from the listening side.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("network: refused by peer [%s]: %s", e.Code, e.Message)
}

// Is maps refusal codes onto the matching local sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case codeVersionMismatch:
		return target == ErrUnsupportedVersion
	case codeSelf:
		return target == ErrSelfConnection
	}
	return false
}

// Options configures link setup and keep-alive.
type Options struct {
	Identity Hello

	// ConnectTimeout bounds the TCP dial plus the hello exchange, and each
	// frame write afterwards.
	ConnectTimeout time.Duration
	// KeepAliveInterval is how long a link may go without hearing from the
	// peer before it sends a ping.
	KeepAliveInterval time.Duration
	// KeepAliveTimeout is how long to wait for any frame after a ping.
	KeepAliveTimeout time.Duration
	// SilentPings stops the link from answering pings. Tests use it to
	// simulate a dead peer.
	SilentPings bool
}

func (o Options) withDefaults() Options {
	if o.Identity.ProtocolVersion == 0 {
		o.Identity.ProtocolVersion = ProtocolVersion
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	return o
}

func (o Options) validate() error {
	if o.Identity.DeviceID == "" {
		return errors.New("network: local device id is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("network: local device name is required")
	}
	return nil
}

// greet runs the hello exchange on conn, whose deadline the caller has
// already set. The dialer speaks first. The listener answers with its own
// hello, or with an error frame when it refuses the dialer.
func greet(conn net.Conn, local Hello, dialer bool) (Hello, error) {
	if dialer {
		if err := sendJSON(conn, FrameHello, local); err != nil {
			return Hello{}, err
		}
		return readHello(conn)
	}

	remote, err := readHello(conn)
	if err == nil && remote.DeviceID == local.DeviceID {
		err = ErrSelfConnection
	}
	if err != nil {
		if r, ok := refusalFor(err, remote); ok {
			_ = sendJSON(conn, FrameError, r)
		}
		return remote, err
	}
	return remote, sendJSON(conn, FrameHello, local)
}

func readHello(conn net.Conn) (Hello, error) {
	kind, payload, err := ReadFrame(conn)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}

	switch kind {
	case FrameHello:
	case FrameError:
		var r refusal
		if err := json.Unmarshal(payload, &r); err != nil {
			return Hello{}, fmt.Errorf("decode refusal: %w", err)
		}
		return Hello{}, &RemoteError{Code: r.Code, Message: r.Message}
	default:
		return Hello{}, fmt.Errorf("%w: expected hello, got %s", ErrInvalidFrame, kind)
	}

	var h Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: decode hello: %v", ErrInvalidFrame, err)
	}
	switch {
	case h.DeviceID == "":
		return h, fmt.Errorf("%w: hello without device id", ErrInvalidFrame)
	case h.ProtocolVersion != ProtocolVersion:
		return h, fmt.Errorf("%w: peer speaks %d, want %d", ErrUnsupportedVersion, h.ProtocolVersion, ProtocolVersion)
	}
	return h, nil
}

func refusalFor(err error, remote Hello) (refusal, bool) {
	switch {
	case errors.Is(err, ErrUnsupportedVersion):
		return refusal{
			Code:              codeVersionMismatch,
			Message:           fmt.Sprintf("unsupported protocol version %d", remote.ProtocolVersion),
			SupportedVersions: []int{ProtocolVersion},
		}, true
	case errors.Is(err, ErrSelfConnection):
		return refusal{Code: codeSelf, Message: "connection to self refused"}, true
	case errors.Is(err, ErrInvalidFrame):
		return refusal{Code: codeInvalidHello, Message: err.Error()}, true
	}
	return refusal{}, false
}

func sendJSON(conn net.Conn, kind FrameKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return WriteFrame(conn, kind, payload)
}
