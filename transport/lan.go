package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"directshare/discovery"
	"directshare/network"
)

// LANOptions configures the mDNS + TCP transport.
type LANOptions struct {
	Self Metadata
	// ListenAddress defaults to ":0".
	ListenAddress string
	// Discovery carries service naming and scan timing; identity fields
	// are filled from Self.
	Discovery discovery.Config
	// Link carries link timeouts; its identity is filled from Self.
	Link   network.Options
	Logger logrus.FieldLogger
}

// LAN advertises and browses with zeroconf and carries messages over
// framed TCP connections.
type LAN struct {
	opts   LANOptions
	log    logrus.FieldLogger
	server *network.Server

	incoming chan Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

var _ Transport = (*LAN)(nil)

// NewLAN starts the TCP listener. Discovery and advertising start on demand.
func NewLAN(options LANOptions) (*LAN, error) {
	opts := options
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	opts.Link.Identity = helloFrom(opts.Self)

	server, err := network.Listen(opts.ListenAddress, opts.Link)
	if err != nil {
		return nil, err
	}

	l := &LAN{
		opts:     opts,
		log:      opts.Logger.WithField("component", "lan"),
		server:   server,
		incoming: make(chan Conn, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(2)
	go l.acceptLoop()
	go l.errorLoop()
	return l, nil
}

// Addr returns the TCP listening address.
func (l *LAN) Addr() net.Addr {
	return l.server.Addr()
}

// Endpoint returns the listener address as a dialable endpoint.
func (l *LAN) Endpoint() Endpoint {
	return Endpoint(l.server.Addr().String())
}

func (l *LAN) acceptLoop() {
	defer l.wg.Done()
	for link := range l.server.Links() {
		conn := &lanConn{link: link}
		select {
		case l.incoming <- conn:
		case <-l.closed:
			_ = link.Close()
		}
	}
}

func (l *LAN) errorLoop() {
	defer l.wg.Done()
	for err := range l.server.Errors() {
		l.log.WithError(err).Warn("inbound connection rejected")
	}
}

func (l *LAN) discoveryConfig() discovery.Config {
	cfg := l.opts.Discovery
	cfg.SelfDeviceID = l.opts.Self.DeviceID
	cfg.DeviceName = l.opts.Self.DeviceName
	cfg.DeviceModel = l.opts.Self.DeviceModel
	cfg.OSVersion = l.opts.Self.OSVersion
	cfg.AppVersion = l.opts.Self.AppVersion
	cfg.ListeningPort = l.server.Port()
	cfg.Logger = l.log
	return cfg
}

// Browse watches mDNS until ctx is cancelled or the transport closes.
func (l *LAN) Browse(ctx context.Context) (<-chan DiscoveryEvent, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	scanner, err := discovery.NewScanner(l.discoveryConfig())
	if err != nil {
		return nil, fmt.Errorf("create peer scanner: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := make(chan DiscoveryEvent)
	go func() {
		defer close(out)
		defer cancel()
		scanner.Watch(ctx, func(ev discovery.Event) {
			event, ok := l.translate(ev)
			if !ok {
				return
			}
			select {
			case out <- event:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

func (l *LAN) translate(ev discovery.Event) (DiscoveryEvent, bool) {
	endpoint := ev.Peer.Endpoint()
	if endpoint == "" {
		l.log.WithField("peer_id", ev.Peer.DeviceID).Debug("discovered peer has no address")
		return DiscoveryEvent{}, false
	}

	var eventType DiscoveryEventType
	switch ev.Type {
	case discovery.EventPeerAdded:
		eventType = EventAdded
	case discovery.EventPeerUpdated:
		eventType = EventUpdated
	case discovery.EventPeerRemoved:
		eventType = EventRemoved
	default:
		return DiscoveryEvent{}, false
	}

	return DiscoveryEvent{
		Type:     eventType,
		Endpoint: Endpoint(endpoint),
		Metadata: Metadata{
			DeviceID:    ev.Peer.DeviceID,
			DeviceName:  ev.Peer.DeviceName,
			DeviceModel: ev.Peer.DeviceModel,
			OSVersion:   ev.Peer.OSVersion,
			AppVersion:  ev.Peer.AppVersion,
		},
	}, true
}

// Advertise registers the mDNS service for this device.
func (l *LAN) Advertise(meta Metadata) (func(), error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	cfg := l.discoveryConfig()
	cfg.SelfDeviceID = meta.DeviceID
	cfg.DeviceName = meta.DeviceName
	cfg.DeviceModel = meta.DeviceModel
	cfg.OSVersion = meta.OSVersion
	cfg.AppVersion = meta.AppVersion

	ad, err := discovery.Advertise(cfg)
	if err != nil {
		return nil, err
	}
	return ad.Withdraw, nil
}

// Dial opens a TCP connection and exchanges hello frames.
func (l *LAN) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	link, err := network.Dial(ctx, string(endpoint), l.opts.Link)
	if err != nil {
		return nil, err
	}
	return &lanConn{link: link}, nil
}

// Incoming delivers accepted connections.
func (l *LAN) Incoming() <-chan Conn {
	return l.incoming
}

// Close stops the listener. Connections already handed out stay open until
// their owners close them.
func (l *LAN) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
		l.wg.Wait()
	})
	return err
}

func (l *LAN) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func helloFrom(meta Metadata) network.Hello {
	return network.Hello{
		DeviceID:    meta.DeviceID,
		DeviceName:  meta.DeviceName,
		DeviceModel: meta.DeviceModel,
		OSVersion:   meta.OSVersion,
		AppVersion:  meta.AppVersion,
	}
}

type lanConn struct {
	link *network.Link
}

func (c *lanConn) Remote() Metadata {
	hello := c.link.Remote()
	return Metadata{
		DeviceID:    hello.DeviceID,
		DeviceName:  hello.DeviceName,
		DeviceModel: hello.DeviceModel,
		OSVersion:   hello.OSVersion,
		AppVersion:  hello.AppVersion,
	}
}

func (c *lanConn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.link.Send(payload)
}

func (c *lanConn) Receive(ctx context.Context) ([]byte, error) {
	return c.link.Receive(ctx)
}

func (c *lanConn) Done() <-chan struct{} {
	return c.link.Done()
}

func (c *lanConn) Err() error {
	return c.link.Err()
}

func (c *lanConn) Close() error {
	return c.link.Disconnect()
}
