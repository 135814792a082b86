package peers

import (
	"sort"
	"sync"
	"time"

	"directshare/models"
	"directshare/transport"
)

type entry struct {
	peer     models.Peer
	conn     transport.Conn
	outbound bool
}

// Registry tracks known peers, their connection state and the connection
// currently bound to each. It is owned by one Manager.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Upsert records a discovery sighting. Metadata, endpoint, signal and
// last-seen are refreshed; state and connection are kept. created reports
// whether the peer was new.
func (r *Registry) Upsert(peer models.Peer) (stored models.Peer, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[peer.ID]
	if !exists {
		if peer.State == "" {
			peer.State = models.PeerDiscovered
		}
		r.entries[peer.ID] = &entry{peer: peer}
		return peer, true
	}

	if peer.Name != "" {
		e.peer.Name = peer.Name
	}
	if peer.Model != "" {
		e.peer.Model = peer.Model
	}
	if peer.OSVersion != "" {
		e.peer.OSVersion = peer.OSVersion
	}
	if peer.AppVersion != "" {
		e.peer.AppVersion = peer.AppVersion
	}
	if peer.Endpoint != "" {
		e.peer.Endpoint = peer.Endpoint
	}
	if peer.SignalQuality != nil {
		e.peer.SignalQuality = peer.SignalQuality
	}
	if peer.LastSeen.After(e.peer.LastSeen) {
		e.peer.LastSeen = peer.LastSeen
	}
	return e.peer, false
}

// Get returns a copy of one peer.
func (r *Registry) Get(id string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Peer{}, false
	}
	return e.peer, true
}

// Snapshot returns copies of all peers ordered by name, then ID.
func (r *Registry) Snapshot() []models.Peer {
	r.mu.RLock()
	out := make([]models.Peer, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.peer)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Apply feeds event to the peer's state machine. ok is false if the peer is
// unknown or the event is not accepted in its current state.
func (r *Registry) Apply(id string, event Event) (before, after models.Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[id]
	if !exists {
		return models.Peer{}, models.Peer{}, false
	}
	before = e.peer
	next, accepted := NextState(e.peer.State, event)
	if !accepted {
		return before, before, false
	}
	e.peer.State = next
	return before, e.peer, true
}

// Conn returns the connection bound to a connected peer.
func (r *Registry) Conn(id string) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.conn == nil || e.peer.State != models.PeerConnected {
		return nil, false
	}
	return e.conn, true
}

// Resolve settles a duplicate connection to an already connected peer. A
// newer inbound connection replaces an older inbound one. Otherwise conn
// wins only when it runs in the opposite direction and that direction is
// the preferred one. The replaced connection is returned for closing;
// accepted is false when conn should be dropped instead.
func (r *Registry) Resolve(id string, conn transport.Conn, outbound, preferOutbound bool) (replaced transport.Conn, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.peer.State != models.PeerConnected || e.conn == nil {
		return nil, false
	}
	newerInbound := !outbound && !e.outbound
	preferred := e.outbound != outbound && outbound == preferOutbound
	if !newerInbound && !preferred {
		return nil, false
	}
	replaced = e.conn
	e.conn = conn
	e.outbound = outbound
	return replaced, true
}

// Bind applies EventTransportReady and, if accepted, binds conn to the peer
// in the same step.
func (r *Registry) Bind(id string, conn transport.Conn, outbound bool) (before, after models.Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[id]
	if !exists {
		return models.Peer{}, models.Peer{}, false
	}
	before = e.peer
	next, accepted := NextState(e.peer.State, EventTransportReady)
	if !accepted {
		return before, before, false
	}
	e.peer.State = next
	e.conn = conn
	e.outbound = outbound
	return before, e.peer, true
}

// Unbind applies event and, if accepted, unbinds and returns the peer's
// connection in the same step.
func (r *Registry) Unbind(id string, event Event) (before, after models.Peer, conn transport.Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[id]
	if !exists {
		return models.Peer{}, models.Peer{}, nil, false
	}
	before = e.peer
	next, accepted := NextState(e.peer.State, event)
	if !accepted {
		return before, before, nil, false
	}
	e.peer.State = next
	conn = e.conn
	e.conn = nil
	e.outbound = false
	return before, e.peer, conn, true
}

// DetachIfCurrent unbinds conn only if it is still the peer's connection,
// then applies EventTransportClosed.
func (r *Registry) DetachIfCurrent(id string, conn transport.Conn) (before, after models.Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[id]
	if !exists || e.conn != conn {
		return models.Peer{}, models.Peer{}, false
	}
	e.conn = nil
	e.outbound = false

	before = e.peer
	if next, accepted := NextState(e.peer.State, EventTransportClosed); accepted {
		e.peer.State = next
	}
	return before, e.peer, true
}

// RemoveIfIdle deletes a peer that is neither connected nor connecting.
func (r *Registry) RemoveIfIdle(id string) (models.Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return models.Peer{}, false
	}
	if e.peer.State == models.PeerConnected || e.peer.State == models.PeerConnecting {
		return e.peer, false
	}
	delete(r.entries, id)
	return e.peer, true
}

// Removal is a peer dropped from the registry together with the
// connection it still held, if any.
type Removal struct {
	Peer models.Peer
	Conn transport.Conn
}

// RemoveExpired deletes every peer whose last sighting is older than window
// at now, ordered by ID.
func (r *Registry) RemoveExpired(now time.Time, window time.Duration) []Removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []Removal
	for id, e := range r.entries {
		if now.Sub(e.peer.LastSeen) > window {
			removed = append(removed, Removal{Peer: e.peer, Conn: e.conn})
			delete(r.entries, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Peer.ID < removed[j].Peer.ID })
	return removed
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
