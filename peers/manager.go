package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"directshare/models"
	"directshare/protocol"
	"directshare/transport"
)

const (
	DefaultPeerExpiration    = 60 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
	DefaultCleanupInterval   = 10 * time.Second
)

var (
	// ErrPeerNotFound indicates the peer is unknown or has no usable channel.
	ErrPeerNotFound = errors.New("peers: peer not found")
	// ErrPeerNotConnected indicates a send to a peer without an active channel.
	ErrPeerNotConnected = errors.New("peers: peer not connected")
	// ErrConnectionFailed matches every ConnectionError.
	ErrConnectionFailed = errors.New("peers: connection failed")
	// ErrPeerExpired is attached to lifecycle events caused by expiry.
	ErrPeerExpired = errors.New("peers: peer expired")
	// ErrStopped indicates the manager has been stopped.
	ErrStopped = errors.New("peers: manager stopped")
)

// ConnectionError reports a transport failure while connecting to, sending
// to or receiving from a peer.
type ConnectionError struct {
	PeerID string
	Reason string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("peers: connection to %s failed: %s", e.PeerID, e.Reason)
	}
	return fmt.Sprintf("peers: connection to %s failed: %s: %v", e.PeerID, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }

// ConnectionEvent describes one peer state change.
type ConnectionEvent struct {
	Peer     models.Peer
	Previous models.PeerState
	Current  models.PeerState
	Err      error
}

// DiscoveryObserver is told about peers appearing and disappearing.
type DiscoveryObserver interface {
	PeerFound(peer models.Peer)
	PeerLost(peer models.Peer)
}

// ConnectionObserver is told about every peer state change.
type ConnectionObserver interface {
	ConnectionChanged(event ConnectionEvent)
}

// ConnectionObserverFunc adapts a function to ConnectionObserver.
type ConnectionObserverFunc func(event ConnectionEvent)

func (f ConnectionObserverFunc) ConnectionChanged(event ConnectionEvent) { f(event) }

// MessageHandler consumes decoded messages from connected peers.
//
// HandleMessage runs on the peer's receive goroutine, so messages from one
// peer arrive in order. HandlePeerDisconnected follows the last message of
// a torn down channel.
type MessageHandler interface {
	HandleMessage(peer models.Peer, msg protocol.PeerMessage)
	HandlePeerDisconnected(peer models.Peer)
}

// Options configures a Manager.
type Options struct {
	Self      transport.Metadata
	Transport transport.Transport

	// PeerExpiration is how long a peer survives without a discovery sighting.
	PeerExpiration time.Duration
	// ConnectionTimeout bounds each outbound connection attempt.
	ConnectionTimeout time.Duration
	// CleanupInterval paces the expiry sweep while discovery runs.
	CleanupInterval time.Duration

	Logger      logrus.FieldLogger
	Discovery   DiscoveryObserver
	Connections ConnectionObserver
	Handler     MessageHandler

	// Now is the clock used for sightings and expiry.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PeerExpiration <= 0 {
		o.PeerExpiration = DefaultPeerExpiration
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = DefaultCleanupInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager owns peer discovery, the Registry and each peer's connection.
type Manager struct {
	opts     Options
	log      logrus.FieldLogger
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	handler         MessageHandler
	started         bool
	stopped         bool
	discoveryCancel context.CancelFunc
	stopAdvertise   func()
	dials           map[string]*pendingDial

	stopOnce sync.Once
}

// NewManager validates options and returns an idle manager.
func NewManager(options Options) (*Manager, error) {
	if options.Transport == nil {
		return nil, errors.New("peers: transport is required")
	}
	if options.Self.DeviceID == "" {
		return nil, errors.New("peers: self device id is required")
	}
	if options.Self.DeviceName == "" {
		return nil, errors.New("peers: self device name is required")
	}

	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		log:      opts.Logger.WithField("component", "peers"),
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		handler:  opts.Handler,
	}, nil
}

// pendingDial lets DisconnectAll abort a connection attempt in flight.
type pendingDial struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// SetMessageHandler replaces the consumer of decoded messages.
func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *Manager) messageHandler() MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

// Start begins accepting inbound connections.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// Stop ends discovery and advertising, disconnects every peer and waits for
// background goroutines. The transport itself is left open.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.StopDiscovery()
		m.StopAdvertising()

		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()

		m.DisconnectAll()
		m.cancel()
		m.wg.Wait()
	})
}

// Self returns the local device description.
func (m *Manager) Self() transport.Metadata {
	return m.opts.Self
}

// Peers returns a snapshot of every known peer.
func (m *Manager) Peers() []models.Peer {
	return m.registry.Snapshot()
}

// Peer returns one known peer.
func (m *Manager) Peer(peerID string) (models.Peer, bool) {
	return m.registry.Get(peerID)
}

// StartDiscovery begins feeding discovery events into the registry and
// sweeping expired peers. It is a no-op while discovery already runs.
func (m *Manager) StartDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.discoveryCancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	events, err := m.opts.Transport.Browse(ctx)
	if err != nil {
		cancel()
		m.log.WithError(err).Warn("discovery failed to start")
		return fmt.Errorf("start discovery: %w", err)
	}
	m.discoveryCancel = cancel

	m.wg.Add(2)
	go m.discoveryLoop(ctx, events)
	go m.sweepLoop(ctx)
	m.log.Info("discovery started")
	return nil
}

// StopDiscovery stops consuming discovery events. Known peers are kept.
func (m *Manager) StopDiscovery() {
	m.mu.Lock()
	cancel := m.discoveryCancel
	m.discoveryCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.log.Info("discovery stopped")
	}
}

// Discovering reports whether discovery is running.
func (m *Manager) Discovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discoveryCancel != nil
}

// StartAdvertising publishes this device. It is a no-op while advertising.
func (m *Manager) StartAdvertising() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.stopAdvertise != nil {
		return nil
	}

	stop, err := m.opts.Transport.Advertise(m.opts.Self)
	if err != nil {
		m.log.WithError(err).Warn("advertising failed to start")
		return fmt.Errorf("start advertising: %w", err)
	}
	m.stopAdvertise = stop
	m.log.Info("advertising started")
	return nil
}

// StopAdvertising withdraws this device from discovery.
func (m *Manager) StopAdvertising() {
	m.mu.Lock()
	stop := m.stopAdvertise
	m.stopAdvertise = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
		m.log.Info("advertising stopped")
	}
}

// Advertising reports whether this device is being published.
func (m *Manager) Advertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopAdvertise != nil
}

// Connect starts a connection attempt to a known peer. It returns once the
// peer is connecting; the outcome arrives as a ConnectionEvent. Connecting
// to a peer that is already connecting or connected does nothing.
func (m *Manager) Connect(peerID string) error {
	if m.isStopped() {
		return ErrStopped
	}

	before, after, ok := m.registry.Apply(peerID, EventConnectRequested)
	if !ok {
		if _, known := m.registry.Get(peerID); !known {
			return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
		}
		return nil
	}
	m.emit(after, before.State, nil)

	d := m.trackDial(peerID)
	if !m.spawn(func() { m.dial(d, after) }) {
		m.untrackDial(peerID, d)
		if b, a, ok := m.registry.Apply(peerID, EventTransportFailed); ok {
			m.emit(a, b.State, ErrStopped)
		}
		return ErrStopped
	}
	return nil
}

// Disconnect tears down the channel to a connected peer. It does nothing
// when the peer is not connected.
func (m *Manager) Disconnect(peerID string) error {
	before, after, conn, ok := m.registry.Unbind(peerID, EventDisconnectRequested)
	if !ok {
		if _, known := m.registry.Get(peerID); !known {
			return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
		}
		return nil
	}
	if conn != nil {
		_ = conn.Close()
	}
	m.emit(after, before.State, nil)
	m.notifyDisconnected(after)
	return nil
}

// DisconnectAll aborts every connection attempt in flight and disconnects
// every connected peer.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	for _, d := range m.dials {
		d.cancel()
	}
	m.mu.Unlock()

	for _, peer := range m.registry.Snapshot() {
		if peer.State == models.PeerConnected {
			_ = m.Disconnect(peer.ID)
		}
	}
}

// Send encodes msg and writes it to the peer's channel.
func (m *Manager) Send(ctx context.Context, peerID string, msg protocol.PeerMessage) error {
	conn, ok := m.registry.Conn(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, peerID)
	}

	raw, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := conn.Send(ctx, raw); err != nil {
		return &ConnectionError{PeerID: peerID, Reason: "send failed", Err: err}
	}
	return nil
}

// CleanupExpiredPeers removes peers not sighted within the expiration
// window, closing any connection they still hold.
func (m *Manager) CleanupExpiredPeers() []models.Peer {
	removals := m.registry.RemoveExpired(m.opts.Now(), m.opts.PeerExpiration)
	if len(removals) == 0 {
		return nil
	}

	removed := make([]models.Peer, 0, len(removals))
	for _, r := range removals {
		if r.Conn != nil {
			_ = r.Conn.Close()
		}

		peer := r.Peer
		m.log.WithFields(logrus.Fields{"peer_id": peer.ID, "state": peer.State}).Info("peer expired")
		if next, ok := NextState(peer.State, EventTransportClosed); ok {
			gone := peer
			gone.State = next
			m.emit(gone, peer.State, ErrPeerExpired)
			if peer.State == models.PeerConnected {
				m.notifyDisconnected(gone)
			}
		}
		if obs := m.opts.Discovery; obs != nil {
			obs.PeerLost(peer)
		}
		removed = append(removed, peer)
	}
	return removed
}

func (m *Manager) spawn(fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) trackDial(peerID string) *pendingDial {
	ctx, cancel := context.WithCancel(m.ctx)
	d := &pendingDial{ctx: ctx, cancel: cancel}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dials == nil {
		m.dials = make(map[string]*pendingDial)
	}
	m.dials[peerID] = d
	return d
}

func (m *Manager) untrackDial(peerID string, d *pendingDial) {
	m.mu.Lock()
	if m.dials[peerID] == d {
		delete(m.dials, peerID)
	}
	m.mu.Unlock()
	d.cancel()
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	incoming := m.opts.Transport.Incoming()
	for {
		select {
		case <-m.ctx.Done():
			return
		case conn, ok := <-incoming:
			if !ok {
				return
			}
			m.acceptConn(conn)
		}
	}
}

func (m *Manager) acceptConn(conn transport.Conn) {
	remote := conn.Remote()
	if remote.DeviceID == "" || remote.DeviceID == m.opts.Self.DeviceID {
		m.log.WithField("peer_id", remote.DeviceID).Warn("refusing inbound connection")
		_ = conn.Close()
		return
	}

	peer, created := m.registry.Upsert(peerFromMetadata(remote, "", m.opts.Now()))
	if created {
		if obs := m.opts.Discovery; obs != nil {
			obs.PeerFound(peer)
		}
	}
	m.bindConnection(remote.DeviceID, conn, false)
}

func (m *Manager) dial(d *pendingDial, peer models.Peer) {
	defer m.untrackDial(peer.ID, d)
	log := m.log.WithField("peer_id", peer.ID)
	ctx, cancel := context.WithTimeout(d.ctx, m.opts.ConnectionTimeout)
	defer cancel()

	conn, err := m.opts.Transport.Dial(ctx, transport.Endpoint(peer.Endpoint))
	switch {
	case err != nil:
	case d.ctx.Err() != nil:
		_ = conn.Close()
		err = d.ctx.Err()
	case conn.Remote().DeviceID != peer.ID:
		_ = conn.Close()
		err = fmt.Errorf("endpoint answered as %q", conn.Remote().DeviceID)
	}
	if err != nil {
		reason := "dial failed"
		switch {
		case d.ctx.Err() != nil:
			reason = "aborted"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timed out"
		}
		connErr := &ConnectionError{PeerID: peer.ID, Reason: reason, Err: err}
		log.WithError(err).Warn("connection attempt failed")
		if before, after, ok := m.registry.Apply(peer.ID, EventTransportFailed); ok {
			m.emit(after, before.State, connErr)
		}
		return
	}

	m.bindConnection(peer.ID, conn, true)
	if d.ctx.Err() != nil {
		// Aborted while binding; DisconnectAll may have missed the peer.
		_ = m.Disconnect(peer.ID)
	}
}

// bindConnection attaches a ready channel to a peer. When the peer already
// has one, both ends keep the channel dialed by the device with the lower
// ID.
func (m *Manager) bindConnection(peerID string, conn transport.Conn, outbound bool) {
	before, after, ok := m.registry.Bind(peerID, conn, outbound)
	if ok {
		if !m.spawn(func() { m.receiveLoop(peerID, conn) }) {
			_ = conn.Close()
			if b, a, ok := m.registry.DetachIfCurrent(peerID, conn); ok && b.State != a.State {
				m.emit(after, before.State, nil)
				m.emit(a, b.State, ErrStopped)
				m.notifyDisconnected(a)
			}
			return
		}
		m.log.WithFields(logrus.Fields{"peer_id": peerID, "outbound": outbound}).Info("peer connected")
		m.emit(after, before.State, nil)
		return
	}

	replaced, accepted := m.registry.Resolve(peerID, conn, outbound, m.opts.Self.DeviceID < peerID)
	if !accepted {
		_ = conn.Close()
		return
	}
	if !m.spawn(func() { m.receiveLoop(peerID, conn) }) {
		_ = conn.Close()
		return
	}
	m.log.WithFields(logrus.Fields{"peer_id": peerID, "outbound": outbound}).Debug("replaced duplicate connection")
	_ = replaced.Close()
}

func (m *Manager) receiveLoop(peerID string, conn transport.Conn) {
	log := m.log.WithField("peer_id", peerID)
	for {
		raw, err := conn.Receive(m.ctx)
		if err != nil {
			break
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable message")
			continue
		}

		handler := m.messageHandler()
		if handler == nil {
			log.WithField("type", msg.Type).Debug("no handler for message")
			continue
		}
		peer, ok := m.registry.Get(peerID)
		if !ok {
			peer = peerFromMetadata(conn.Remote(), "", time.Time{})
		}
		handler.HandleMessage(peer, msg)
	}

	_ = conn.Close()
	before, after, ok := m.registry.DetachIfCurrent(peerID, conn)
	if !ok {
		return
	}

	var cause error
	if err := conn.Err(); err != nil {
		cause = &ConnectionError{PeerID: peerID, Reason: "connection lost", Err: err}
		log.WithError(err).Warn("connection lost")
	} else {
		log.Info("peer disconnected")
	}
	if before.State != after.State {
		m.emit(after, before.State, cause)
	}
	if before.State == models.PeerConnected {
		m.notifyDisconnected(after)
	}
}

func (m *Manager) discoveryLoop(ctx context.Context, events <-chan transport.DiscoveryEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleDiscoveryEvent(event)
		}
	}
}

func (m *Manager) handleDiscoveryEvent(event transport.DiscoveryEvent) {
	id := event.Metadata.DeviceID
	if id == "" || id == m.opts.Self.DeviceID {
		return
	}

	switch event.Type {
	case transport.EventAdded, transport.EventUpdated:
		sighting := peerFromMetadata(event.Metadata, string(event.Endpoint), m.opts.Now())
		sighting.SignalQuality = event.SignalQuality
		peer, created := m.registry.Upsert(sighting)
		if created {
			m.log.WithField("peer_id", id).Info("peer discovered")
		}
		if before, after, ok := m.registry.Apply(id, EventDiscoveryRefresh); ok {
			m.emit(after, before.State, nil)
			peer = after
		}
		if obs := m.opts.Discovery; obs != nil {
			obs.PeerFound(peer)
		}
	case transport.EventRemoved:
		peer, removed := m.registry.RemoveIfIdle(id)
		if !removed {
			return
		}
		m.log.WithField("peer_id", id).Info("peer lost")
		if obs := m.opts.Discovery; obs != nil {
			obs.PeerLost(peer)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpiredPeers()
		}
	}
}

func (m *Manager) emit(peer models.Peer, previous models.PeerState, err error) {
	entry := m.log.WithFields(logrus.Fields{"peer_id": peer.ID, "from": previous, "state": peer.State})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("peer state changed")

	if obs := m.opts.Connections; obs != nil {
		obs.ConnectionChanged(ConnectionEvent{Peer: peer, Previous: previous, Current: peer.State, Err: err})
	}
}

func (m *Manager) notifyDisconnected(peer models.Peer) {
	if handler := m.messageHandler(); handler != nil {
		handler.HandlePeerDisconnected(peer)
	}
}

func peerFromMetadata(meta transport.Metadata, endpoint string, seen time.Time) models.Peer {
	return models.Peer{
		ID:         meta.DeviceID,
		Name:       meta.DeviceName,
		Model:      meta.DeviceModel,
		OSVersion:  meta.OSVersion,
		AppVersion: meta.AppVersion,
		State:      models.PeerDiscovered,
		LastSeen:   seen,
		Endpoint:   endpoint,
	}
}
