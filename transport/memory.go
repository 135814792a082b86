package transport

import (
	"context"
	"fmt"
	"sync"
)

// DialHook runs before an in-memory dial connects; a non-nil error fails
// the dial. Hooks may block until ctx is done to simulate slow links.
type DialHook func(ctx context.Context, from, to Endpoint) error

// MemoryNetwork connects MemoryTransports inside one process.
type MemoryNetwork struct {
	mu         sync.Mutex
	nodes      map[Endpoint]*MemoryTransport
	advertised map[Endpoint]Metadata
	dialHook   DialHook
}

// NewMemoryNetwork returns an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:      make(map[Endpoint]*MemoryTransport),
		advertised: make(map[Endpoint]Metadata),
	}
}

// Join attaches a device to the network.
func (n *MemoryNetwork) Join(self Metadata) *MemoryTransport {
	t := &MemoryTransport{
		network:  n,
		self:     self,
		endpoint: Endpoint("mem://" + self.DeviceID),
		incoming: make(chan Conn, 16),
		browsers: make(map[*mailbox[DiscoveryEvent]]struct{}),
		closed:   make(chan struct{}),
	}

	n.mu.Lock()
	n.nodes[t.endpoint] = t
	n.mu.Unlock()
	return t
}

// SetDialHook installs hook for every later dial on the network.
func (n *MemoryNetwork) SetDialHook(hook DialHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialHook = hook
}

// Refresh re-announces every advertised device to every browser, the way a
// periodic scan would.
func (n *MemoryNetwork) Refresh() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ep, meta := range n.advertised {
		n.broadcastLocked(DiscoveryEvent{Type: EventUpdated, Endpoint: ep, Metadata: meta})
	}
}

// Vanish withdraws an advertisement without notifying browsers, so other
// devices only notice through expiry.
func (n *MemoryNetwork) Vanish(endpoint Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.advertised, endpoint)
}

func (n *MemoryNetwork) broadcastLocked(event DiscoveryEvent) {
	for ep, node := range n.nodes {
		if ep == event.Endpoint {
			continue
		}
		node.deliverEvent(event)
	}
}

func (n *MemoryNetwork) advertise(endpoint Endpoint, meta Metadata) {
	n.mu.Lock()
	defer n.mu.Unlock()

	eventType := EventAdded
	if _, exists := n.advertised[endpoint]; exists {
		eventType = EventUpdated
	}
	n.advertised[endpoint] = meta
	n.broadcastLocked(DiscoveryEvent{Type: eventType, Endpoint: endpoint, Metadata: meta})
}

func (n *MemoryNetwork) withdraw(endpoint Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()

	meta, exists := n.advertised[endpoint]
	if !exists {
		return
	}
	delete(n.advertised, endpoint)
	n.broadcastLocked(DiscoveryEvent{Type: EventRemoved, Endpoint: endpoint, Metadata: meta})
}

func (n *MemoryNetwork) leave(t *MemoryTransport) {
	n.withdraw(t.endpoint)
	n.mu.Lock()
	delete(n.nodes, t.endpoint)
	n.mu.Unlock()
}

// MemoryTransport is one device on a MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	self     Metadata
	endpoint Endpoint
	incoming chan Conn

	mu       sync.Mutex
	browsers map[*mailbox[DiscoveryEvent]]struct{}
	conns    []*memConn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*MemoryTransport)(nil)

// Endpoint returns the address other devices dial.
func (t *MemoryTransport) Endpoint() Endpoint {
	return t.endpoint
}

// Browse streams discovery events, starting with devices already advertised.
func (t *MemoryTransport) Browse(ctx context.Context) (<-chan DiscoveryEvent, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	box := newMailbox[DiscoveryEvent]()
	t.network.mu.Lock()
	for ep, meta := range t.network.advertised {
		if ep != t.endpoint {
			box.push(DiscoveryEvent{Type: EventAdded, Endpoint: ep, Metadata: meta})
		}
	}
	t.mu.Lock()
	t.browsers[box] = struct{}{}
	t.mu.Unlock()
	t.network.mu.Unlock()

	out := make(chan DiscoveryEvent)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			delete(t.browsers, box)
			t.mu.Unlock()
		}()
		for {
			event, err := box.pop(ctx, t.closed)
			if err != nil {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}
		}
	}()
	return out, nil
}

func (t *MemoryTransport) deliverEvent(event DiscoveryEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for box := range t.browsers {
		box.push(event)
	}
}

// Advertise publishes meta under this transport's endpoint.
func (t *MemoryTransport) Advertise(meta Metadata) (func(), error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.network.advertise(t.endpoint, meta)

	var once sync.Once
	return func() {
		once.Do(func() { t.network.withdraw(t.endpoint) })
	}, nil
}

// Dial connects to the device at endpoint.
func (t *MemoryTransport) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	t.network.mu.Lock()
	hook := t.network.dialHook
	t.network.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, t.endpoint, endpoint); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.network.mu.Lock()
	target, ok := t.network.nodes[endpoint]
	t.network.mu.Unlock()
	if !ok || target.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	local, remote := newMemPipe(t.self, target.self)
	select {
	case target.incoming <- remote:
	case <-target.closed:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.track(local)
	target.track(remote)
	return local, nil
}

// Incoming delivers connections dialed by other devices.
func (t *MemoryTransport) Incoming() <-chan Conn {
	return t.incoming
}

// Close leaves the network and tears down every connection.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.network.leave(t)
		close(t.closed)

		t.mu.Lock()
		conns := t.conns
		t.conns = nil
		t.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return nil
}

func (t *MemoryTransport) track(c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.conns[:0]
	for _, existing := range t.conns {
		select {
		case <-existing.pipe.done:
		default:
			kept = append(kept, existing)
		}
	}
	t.conns = append(kept, c)
}

func (t *MemoryTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

type memPipe struct {
	once sync.Once
	done chan struct{}
}

type memConn struct {
	pipe   *memPipe
	remote Metadata
	in     *mailbox[[]byte]
	peer   *memConn
}

func newMemPipe(a, b Metadata) (*memConn, *memConn) {
	pipe := &memPipe{done: make(chan struct{})}
	left := &memConn{pipe: pipe, remote: b, in: newMailbox[[]byte]()}
	right := &memConn{pipe: pipe, remote: a, in: newMailbox[[]byte]()}
	left.peer = right
	right.peer = left
	return left, right
}

func (c *memConn) Remote() Metadata {
	return c.remote
}

func (c *memConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.pipe.done:
		return ErrClosed
	default:
	}
	c.peer.in.push(append([]byte(nil), payload...))
	return nil
}

func (c *memConn) Receive(ctx context.Context) ([]byte, error) {
	return c.in.pop(ctx, c.pipe.done)
}

func (c *memConn) Done() <-chan struct{} {
	return c.pipe.done
}

func (c *memConn) Err() error {
	return nil
}

func (c *memConn) Close() error {
	c.pipe.once.Do(func() { close(c.pipe.done) })
	return nil
}
