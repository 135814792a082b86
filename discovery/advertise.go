package discovery

import (
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

// Advertisement is a live mDNS registration for this device.
type Advertisement struct {
	server *zeroconf.Server
	log    logrus.FieldLogger
	once   sync.Once
}

// Advertise registers the service instance named after the device so that
// scanners on the same network can find it.
func Advertise(config Config) (*Advertisement, error) {
	cfg := config.withDefaults()
	if err := cfg.requireIdentity(true); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Service, err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	log := cfg.Logger.WithFields(logrus.Fields{"service": cfg.Service, "port": cfg.ListeningPort})
	log.Info("advertising device")
	return &Advertisement{server: server, log: log}, nil
}

// Withdraw unregisters the service. It is safe to call more than once.
func (a *Advertisement) Withdraw() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		if a.server != nil {
			a.server.Shutdown()
		}
		a.log.Info("advertising stopped")
	})
}
