// Package transport defines the boundary between the connection manager and
// the link that actually moves bytes, with a LAN implementation built on
// mDNS and TCP and an in-process implementation for tests and demos.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed indicates the transport or connection has been closed.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownEndpoint indicates nothing is reachable at the endpoint.
	ErrUnknownEndpoint = errors.New("transport: unknown endpoint")
)

// Endpoint is an opaque handle for reaching a discovered device.
type Endpoint string

// Metadata is the device description advertised at discovery time and
// exchanged when a connection opens.
type Metadata struct {
	DeviceID    string
	DeviceName  string
	DeviceModel string
	OSVersion   string
	AppVersion  string
}

// DiscoveryEventType identifies a discovery stream update.
type DiscoveryEventType string

const (
	EventAdded   DiscoveryEventType = "added"
	EventUpdated DiscoveryEventType = "updated"
	EventRemoved DiscoveryEventType = "removed"
)

// DiscoveryEvent reports a device appearing, refreshing or disappearing.
type DiscoveryEvent struct {
	Type          DiscoveryEventType
	Endpoint      Endpoint
	Metadata      Metadata
	SignalQuality *int
}

// Conn is an established, ordered, message-oriented channel to one device.
//
// Receive returns messages in send order. After the channel closes, it
// keeps returning already delivered messages and then io.EOF, or the
// error that tore the channel down.
type Conn interface {
	Remote() Metadata
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Transport provides discovery, advertising and connection establishment.
type Transport interface {
	// Browse streams discovery events until ctx is cancelled or the
	// transport closes, then closes the channel.
	Browse(ctx context.Context) (<-chan DiscoveryEvent, error)
	// Advertise publishes this device until stop is called.
	Advertise(meta Metadata) (stop func(), err error)
	// Dial opens a connection. A returned Conn is ready.
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
	// Incoming delivers connections opened by other devices.
	Incoming() <-chan Conn
	Close() error
}
