package models

import "time"

// PeerState is the connection lifecycle state of a remote device.
type PeerState string

const (
	PeerDiscovered   PeerState = "discovered"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
)

// Peer represents a discovered remote device.
type Peer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	OSVersion  string    `json:"os_version"`
	AppVersion string    `json:"app_version"`
	State      PeerState `json:"state"`
	LastSeen   time.Time `json:"last_seen"`
	// SignalQuality is nil when the transport has no signal indicator.
	SignalQuality *int   `json:"signal_quality,omitempty"`
	Endpoint      string `json:"endpoint"`
}

// IsConnected reports whether the peer currently has a ready channel.
func (p Peer) IsConnected() bool {
	return p.State == PeerConnected
}

// DisplayName falls back to the identifier when no name was advertised.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
