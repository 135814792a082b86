package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// EventType says how a scan changed the set of visible devices.
type EventType string

const (
	EventPeerAdded   EventType = "peer_added"
	EventPeerUpdated EventType = "peer_updated"
	EventPeerRemoved EventType = "peer_removed"
)

// Event reports one device whose visibility changed or was confirmed.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a device seen in a browse window.
type DiscoveredPeer struct {
	DeviceID    string
	DeviceName  string
	DeviceModel string
	OSVersion   string
	AppVersion  string
	Version     int
	HostName    string
	Port        int
	// Addresses lists IPv4 before IPv6, each group sorted.
	Addresses []string
	LastSeen  time.Time
}

// Endpoint returns host:port for the first address, or "" when the answer
// carried no usable address.
func (p DiscoveredPeer) Endpoint() string {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
}

// Scanner browses for the service in fixed windows and diffs each window
// against what it saw before.
type Scanner struct {
	cfg    Config
	browse browseFunc
	log    logrus.FieldLogger

	mu    sync.Mutex
	table map[string]DiscoveredPeer

	wake chan struct{}
}

// NewScanner creates a scanner. It does not touch the network until Scan
// or Watch is called.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.requireIdentity(false); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:    cfg,
		browse: browse,
		log:    cfg.Logger.WithField("component", "mdns"),
		table:  make(map[string]DiscoveredPeer),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Watch scans immediately and then every RefreshInterval, passing each
// change to emit, until ctx is done. emit runs on the Watch goroutine.
func (s *Scanner) Watch(ctx context.Context, emit func(Event)) {
	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-next.C:
		case <-s.wake:
			if !next.Stop() {
				select {
				case <-next.C:
				default:
				}
			}
		}

		events, err := s.Scan(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.log.WithError(err).Warn("scan failed")
		}
		for _, ev := range events {
			emit(ev)
		}
		next.Reset(s.cfg.RefreshInterval)
	}
}

// Rescan asks a running Watch to start its next scan now.
func (s *Scanner) Rescan() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Scan runs one browse window and returns what changed. A device answering
// again is reported as updated. If ctx ends before the window closes the
// partial results are dropped.
func (s *Scanner) Scan(ctx context.Context) ([]Event, error) {
	seen, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	events := s.merge(seen)
	s.log.WithFields(logrus.Fields{"answers": len(seen), "changes": len(events)}).Debug("scan finished")
	return events, nil
}

// Peers returns the devices currently considered visible, ordered by name.
func (s *Scanner) Peers() []DiscoveredPeer {
	s.mu.Lock()
	out := make([]DiscoveredPeer, 0, len(s.table))
	for _, p := range s.table {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName != out[j].DeviceName {
			return out[i].DeviceName < out[j].DeviceName
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func (s *Scanner) collect(ctx context.Context) (map[string]DiscoveredPeer, error) {
	window, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	seen := make(map[string]DiscoveredPeer)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-window.Done():
				return
			case entry := <-entries:
				if p, ok := parseEntry(entry, s.cfg.SelfDeviceID); ok {
					p.LastSeen = s.cfg.Now()
					seen[p.DeviceID] = p
				}
			}
		}
	}()

	// The browser reports the window's own deadline as an error; only
	// failures before the window ends count.
	if err := s.browse(window, s.cfg.Service, s.cfg.Domain, entries); err != nil && window.Err() == nil {
		cancel()
		<-drained
		return nil, err
	}
	<-window.Done()
	<-drained
	return seen, nil
}

func (s *Scanner) merge(seen map[string]DiscoveredPeer) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	var events []Event
	for id, p := range seen {
		kind := EventPeerUpdated
		if _, known := s.table[id]; !known {
			kind = EventPeerAdded
		}
		s.table[id] = p
		events = append(events, Event{Type: kind, Peer: p})
	}
	for id, p := range s.table {
		if _, ok := seen[id]; ok {
			continue
		}
		if now.Sub(p.LastSeen) > s.cfg.PeerStaleAfter {
			delete(s.table, id)
			events = append(events, Event{Type: EventPeerRemoved, Peer: p})
		}
	}
	return events
}

func parseEntry(entry *zeroconf.ServiceEntry, self string) (DiscoveredPeer, bool) {
	if entry == nil {
		return DiscoveredPeer{}, false
	}
	txt := parseTXT(entry.Text)

	id := txt[keyDeviceID]
	if id == "" || id == self {
		return DiscoveredPeer{}, false
	}

	version, _ := strconv.Atoi(txt[keyVersion])

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = id
	}

	return DiscoveredPeer{
		DeviceID:    id,
		DeviceName:  name,
		DeviceModel: txt[keyModel],
		OSVersion:   txt[keyOSVersion],
		AppVersion:  txt[keyAppVersion],
		Version:     version,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses(entry.AddrIPv4, entry.AddrIPv6),
	}, true
}

func addresses(v4, v6 []net.IP) []string {
	dedup := make(map[string]bool)
	group := func(ips []net.IP) []string {
		var out []string
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			if s := ip.String(); !dedup[s] {
				dedup[s] = true
				out = append(out, s)
			}
		}
		sort.Strings(out)
		return out
	}
	return append(group(v4), group(v6)...)
}
