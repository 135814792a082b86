package peers

import "directshare/models"

// Event is an input to the per-peer connection state machine.
type Event string

const (
	EventConnectRequested    Event = "connect_requested"
	EventTransportReady      Event = "transport_ready"
	EventTransportFailed     Event = "transport_failed"
	EventDisconnectRequested Event = "disconnect_requested"
	EventTransportClosed     Event = "transport_closed"
	EventDiscoveryRefresh    Event = "discovery_refresh"
)

// Events lists every state machine input.
var Events = []Event{
	EventConnectRequested,
	EventTransportReady,
	EventTransportFailed,
	EventDisconnectRequested,
	EventTransportClosed,
	EventDiscoveryRefresh,
}

// States lists every peer state.
var States = []models.PeerState{
	models.PeerDiscovered,
	models.PeerConnecting,
	models.PeerConnected,
	models.PeerDisconnected,
	models.PeerFailed,
}

type transitionKey struct {
	from  models.PeerState
	event Event
}

var transitions = map[transitionKey]models.PeerState{
	{models.PeerDiscovered, EventConnectRequested}:   models.PeerConnecting,
	{models.PeerDisconnected, EventConnectRequested}: models.PeerConnecting,
	{models.PeerFailed, EventConnectRequested}:       models.PeerConnecting,

	{models.PeerConnecting, EventTransportReady}: models.PeerConnected,
	// Inbound connections arrive without a local connect request.
	{models.PeerDiscovered, EventTransportReady}:   models.PeerConnected,
	{models.PeerDisconnected, EventTransportReady}: models.PeerConnected,
	{models.PeerFailed, EventTransportReady}:       models.PeerConnected,

	{models.PeerConnecting, EventTransportFailed}: models.PeerFailed,

	{models.PeerConnected, EventDisconnectRequested}: models.PeerDisconnected,

	{models.PeerConnected, EventTransportClosed}:  models.PeerDisconnected,
	{models.PeerConnecting, EventTransportClosed}: models.PeerFailed,

	{models.PeerFailed, EventDiscoveryRefresh}: models.PeerDiscovered,
}

// NextState returns the state reached from state on event. ok is false when
// the event is not accepted in state; the state is then unchanged.
func NextState(state models.PeerState, event Event) (next models.PeerState, ok bool) {
	next, ok = transitions[transitionKey{from: state, event: event}]
	if !ok {
		return state, false
	}
	return next, true
}
