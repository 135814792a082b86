// Package discovery advertises this device over mDNS and browses for
// other DirectShare devices on the local network.
package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService         = "_directshare._tcp"
	DefaultDomain          = "local."
	DefaultVersion         = 1
	DefaultRefreshInterval = 10 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	// DefaultTTL is the advertised record TTL in seconds.
	DefaultTTL = 120
)

const (
	keyDeviceID   = "device_id"
	keyModel      = "model"
	keyOSVersion  = "os_version"
	keyAppVersion = "app_version"
	keyVersion    = "version"
)

var (
	ErrMissingDeviceID   = errors.New("discovery: device id is required")
	ErrMissingDeviceName = errors.New("discovery: device name is required")
	ErrInvalidPort       = errors.New("discovery: listening port must be positive")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config names the advertised service, describes this device and sets
// scan timing.
type Config struct {
	Service string
	Domain  string
	Version int
	TTL     uint32

	// RefreshInterval is the pause between background scans.
	RefreshInterval time.Duration
	// ScanTimeout is how long one browse window listens for answers.
	ScanTimeout time.Duration
	// PeerStaleAfter is how long a device may be missing from scans before
	// it is reported removed. Defaults to three refresh intervals.
	PeerStaleAfter time.Duration

	SelfDeviceID  string
	DeviceName    string
	DeviceModel   string
	OSVersion     string
	AppVersion    string
	ListeningPort int

	Logger logrus.FieldLogger
	Now    func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.PeerStaleAfter <= 0 {
		c.PeerStaleAfter = 3 * c.RefreshInterval
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

func (c Config) requireIdentity(full bool) error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return ErrMissingDeviceID
	}
	if !full {
		return nil
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return ErrMissingDeviceName
	}
	if c.ListeningPort <= 0 {
		return ErrInvalidPort
	}
	return nil
}

// txt encodes this device's metadata as TXT record strings. Empty optional
// fields are left out.
func (c Config) txt() []string {
	fields := [][2]string{
		{keyDeviceID, c.SelfDeviceID},
		{keyVersion, strconv.Itoa(c.Version)},
		{keyModel, c.DeviceModel},
		{keyOSVersion, c.OSVersion},
		{keyAppVersion, c.AppVersion},
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		out = append(out, f[0]+"="+f[1])
	}
	return out
}

// parseTXT turns key=value strings into a map. Malformed items are skipped.
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, ok := strings.Cut(rec, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
