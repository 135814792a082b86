// Package service wires discovery, connections, transfers and history into
// the single surface a presentation layer drives.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"directshare/config"
	"directshare/models"
	"directshare/network"
	"directshare/peers"
	"directshare/storage"
	"directshare/transfer"
	"directshare/transport"
)

// DefaultStallCheckInterval paces the stalled-transfer sweep.
const DefaultStallCheckInterval = 5 * time.Second

// ErrClosed indicates the service has been shut down.
var ErrClosed = errors.New("service: closed")

// Hooks receives presentation-facing notifications. Every field is
// optional. Hooks run on internal goroutines and must not block for long.
type Hooks struct {
	OnPeerFound  func(peer models.Peer)
	OnPeerLost   func(peer models.Peer)
	OnConnection func(event peers.ConnectionEvent)
	OnOffer      func(file models.TransferFile, from models.Peer)
	OnProgress   func(file models.TransferFile)
	OnComplete   func(file models.TransferFile, success bool)
}

// Options configures a Service.
type Options struct {
	Config *config.DeviceConfig
	// DataDir holds the history database when Store is nil.
	DataDir string

	// Transport defaults to a LAN transport listening per Config.
	Transport transport.Transport
	// Store is used as is and not closed by the service.
	Store *storage.Store

	Hooks              Hooks
	Logger             logrus.FieldLogger
	StallCheckInterval time.Duration
	Now                func() time.Time
}

func (o Options) validate() error {
	if o.Config == nil {
		return errors.New("service: config is required")
	}
	if o.Config.DeviceID == "" || o.Config.DeviceName == "" {
		return errors.New("service: config device fields are required")
	}
	if o.Config.ReceiveDir == "" {
		return errors.New("service: config receive dir is required")
	}
	if o.Store == nil && o.DataDir == "" {
		return errors.New("service: data dir or store is required")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.StallCheckInterval <= 0 {
		o.StallCheckInterval = DefaultStallCheckInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Service is the application core: one manager, one engine and the
// history store.
type Service struct {
	opts Options
	cfg  *config.DeviceConfig
	log  logrus.FieldLogger
	self transport.Metadata

	transport     transport.Transport
	ownsTransport bool
	store         *storage.Store
	ownsStore     bool
	manager       *peers.Manager
	engine        *transfer.Engine

	ctx      context.Context
	cancel   context.CancelFunc
	loopsWg  sync.WaitGroup
	shutdown sync.Once

	autoMu     sync.RWMutex
	autoAccept bool
}

// New builds every component but starts nothing.
func New(options Options) (*Service, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	opts := options.withDefaults()
	cfg := opts.Config

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:       opts,
		cfg:        cfg,
		log:        opts.Logger.WithField("component", "service"),
		self:       SelfMetadata(cfg),
		transport:  opts.Transport,
		store:      opts.Store,
		ctx:        ctx,
		cancel:     cancel,
		autoAccept: cfg.AutoAccept,
	}

	if err := s.startServices(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// SelfMetadata describes the local device from its configuration.
func SelfMetadata(cfg *config.DeviceConfig) transport.Metadata {
	return transport.Metadata{
		DeviceID:    cfg.DeviceID,
		DeviceName:  cfg.DeviceName,
		DeviceModel: cfg.DeviceModel,
		OSVersion:   runtime.GOOS,
		AppVersion:  config.AppVersion,
	}
}

func (s *Service) startServices() error {
	if s.store == nil {
		store, err := storage.OpenPath(config.DatabasePath(s.opts.DataDir))
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		s.store = store
		s.ownsStore = true
	}

	if s.transport == nil {
		requestedPort := s.cfg.ListeningPort
		if s.cfg.PortMode == config.PortModeAutomatic || requestedPort <= 0 {
			requestedPort = 0
		}
		lan, err := transport.NewLAN(transport.LANOptions{
			Self:          s.self,
			ListenAddress: net.JoinHostPort("0.0.0.0", strconv.Itoa(requestedPort)),
			Link:          network.Options{ConnectTimeout: s.cfg.ConnectionTimeout()},
			Logger:        s.opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("start LAN transport: %w", err)
		}
		s.transport = lan
		s.ownsTransport = true
	}

	manager, err := peers.NewManager(peers.Options{
		Self:              s.self,
		Transport:         s.transport,
		PeerExpiration:    s.cfg.PeerExpiration(),
		ConnectionTimeout: s.cfg.ConnectionTimeout(),
		Logger:            s.opts.Logger,
		Discovery:         s,
		Connections:       s,
		Now:               s.opts.Now,
	})
	if err != nil {
		return fmt.Errorf("create peer manager: %w", err)
	}
	s.manager = manager

	engine, err := transfer.New(transfer.Options{
		Messenger:    manager,
		SenderName:   s.cfg.DeviceName,
		ReceiveDir:   s.cfg.ReceiveDir,
		ChunkSize:    s.cfg.ChunkSize,
		ChunkDelay:   s.cfg.ChunkDelay(),
		StallTimeout: s.cfg.StallTimeout(),
		Observer:     s,
		Logger:       s.opts.Logger,
		Now:          s.opts.Now,
	})
	if err != nil {
		return fmt.Errorf("create transfer engine: %w", err)
	}
	s.engine = engine
	manager.SetMessageHandler(engine)
	return nil
}

// Start begins accepting connections and sweeping stalled transfers.
func (s *Service) Start() error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("start peer manager: %w", err)
	}

	s.loopsWg.Add(1)
	go s.stallLoop()

	s.log.WithFields(logrus.Fields{"device_id": s.self.DeviceID, "name": s.self.DeviceName}).Info("service started")
	return nil
}

// Close stops every component and releases what the service opened.
func (s *Service) Close() {
	s.shutdown.Do(func() {
		s.cancel()
		s.loopsWg.Wait()
		if s.manager != nil {
			s.manager.Stop()
		}
		if s.engine != nil {
			s.engine.Close()
		}
		if s.ownsTransport && s.transport != nil {
			if err := s.transport.Close(); err != nil {
				s.log.WithError(err).Warn("close transport")
			}
		}
		if s.ownsStore && s.store != nil {
			if err := s.store.Close(); err != nil {
				s.log.WithError(err).Warn("close history")
			}
		}
	})
}

func (s *Service) stallLoop() {
	defer s.loopsWg.Done()
	ticker := time.NewTicker(s.opts.StallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.engine.ExpireStalled()
		}
	}
}

// Self returns the advertised local device metadata.
func (s *Service) Self() transport.Metadata {
	return s.self
}

// Endpoint reports where the default LAN transport listens. It is empty
// for injected transports.
func (s *Service) Endpoint() transport.Endpoint {
	if lan, ok := s.transport.(*transport.LAN); ok {
		return lan.Endpoint()
	}
	return ""
}

// StartScanning begins peer discovery.
func (s *Service) StartScanning() error {
	return s.manager.StartDiscovery()
}

// StopScanning ends peer discovery; known peers stay listed.
func (s *Service) StopScanning() {
	s.manager.StopDiscovery()
}

// Scanning reports whether discovery is running.
func (s *Service) Scanning() bool {
	return s.manager.Discovering()
}

// StartAdvertising makes this device visible to others.
func (s *Service) StartAdvertising() error {
	return s.manager.StartAdvertising()
}

// StopAdvertising hides this device.
func (s *Service) StopAdvertising() {
	s.manager.StopAdvertising()
}

// Advertising reports whether this device is being advertised.
func (s *Service) Advertising() bool {
	return s.manager.Advertising()
}

// StopAll stops scanning and advertising, aborts connection attempts in
// flight and disconnects every peer.
func (s *Service) StopAll() {
	s.manager.StopDiscovery()
	s.manager.StopAdvertising()
	s.manager.DisconnectAll()
}

// Connect starts a connection attempt to a discovered peer.
func (s *Service) Connect(peerID string) error {
	return s.manager.Connect(peerID)
}

// Disconnect closes the channel to a peer.
func (s *Service) Disconnect(peerID string) error {
	return s.manager.Disconnect(peerID)
}

// SendFile offers one file to a connected peer.
func (s *Service) SendFile(ctx context.Context, peerID, path string) (models.TransferFile, error) {
	return s.engine.SendFile(ctx, peerID, path)
}

// SendFiles offers several files to a connected peer.
func (s *Service) SendFiles(ctx context.Context, peerID string, paths []string) ([]models.TransferFile, error) {
	return s.engine.SendFiles(ctx, peerID, paths)
}

// AcceptOffer accepts a pending incoming offer.
func (s *Service) AcceptOffer(fileID uuid.UUID) (models.TransferFile, error) {
	return s.engine.AcceptOffer(fileID)
}

// RejectOffer declines a pending incoming offer.
func (s *Service) RejectOffer(fileID uuid.UUID) error {
	return s.engine.RejectOffer(fileID)
}

// CancelTransfer cancels a live transfer or pending offer.
func (s *Service) CancelTransfer(fileID uuid.UUID) error {
	return s.engine.CancelTransfer(fileID)
}

// SetAutoAccept toggles accepting every incoming offer without asking.
func (s *Service) SetAutoAccept(enabled bool) {
	s.autoMu.Lock()
	defer s.autoMu.Unlock()
	s.autoAccept = enabled
}

func (s *Service) autoAccepting() bool {
	s.autoMu.RLock()
	defer s.autoMu.RUnlock()
	return s.autoAccept
}

// Peers returns the live registry snapshot.
func (s *Service) Peers() []models.Peer {
	return s.manager.Peers()
}

// Peer looks a peer up in the live registry.
func (s *Service) Peer(peerID string) (models.Peer, bool) {
	return s.manager.Peer(peerID)
}

// KnownPeers returns every peer ever sighted, from the history store.
func (s *Service) KnownPeers() ([]storage.KnownPeer, error) {
	return s.store.ListPeers()
}

// ActiveTransfers returns transfers in flight.
func (s *Service) ActiveTransfers() []models.TransferFile {
	return s.engine.ActiveTransfers()
}

// PendingOffers returns incoming offers awaiting a decision.
func (s *Service) PendingOffers() []models.TransferFile {
	return s.engine.PendingOffers()
}

// CompletedTransfers returns transfers finished during this session.
func (s *Service) CompletedTransfers() []models.TransferFile {
	return s.engine.CompletedTransfers()
}

// History returns persisted transfers, newest first.
func (s *Service) History(limit int) ([]models.TransferFile, error) {
	return s.store.ListTransfers(limit)
}

// ClearHistory drops finished transfers from this session and from the
// store.
func (s *Service) ClearHistory() error {
	s.engine.ClearHistory()
	if _, err := s.store.ClearTransfers(); err != nil {
		return err
	}
	return nil
}

// PeerFound implements peers.DiscoveryObserver.
func (s *Service) PeerFound(peer models.Peer) {
	s.rememberPeer(peer)
	if h := s.opts.Hooks.OnPeerFound; h != nil {
		h(peer)
	}
}

// PeerLost implements peers.DiscoveryObserver.
func (s *Service) PeerLost(peer models.Peer) {
	if h := s.opts.Hooks.OnPeerLost; h != nil {
		h(peer)
	}
}

// ConnectionChanged implements peers.ConnectionObserver.
func (s *Service) ConnectionChanged(event peers.ConnectionEvent) {
	s.rememberPeer(event.Peer)
	if h := s.opts.Hooks.OnConnection; h != nil {
		h(event)
	}
}

// OfferReceived implements transfer.Observer.
func (s *Service) OfferReceived(file models.TransferFile, from models.Peer) {
	if s.autoAccepting() {
		if _, err := s.engine.AcceptOffer(file.ID); err != nil {
			s.log.WithFields(logrus.Fields{"file_id": file.ID, "peer_id": from.ID}).WithError(err).Warn("auto-accept failed")
		}
	}
	if h := s.opts.Hooks.OnOffer; h != nil {
		h(file, from)
	}
}

// TransferProgress implements transfer.Observer.
func (s *Service) TransferProgress(file models.TransferFile) {
	if h := s.opts.Hooks.OnProgress; h != nil {
		h(file)
	}
}

// TransferCompleted implements transfer.Observer.
func (s *Service) TransferCompleted(file models.TransferFile, success bool) {
	if err := s.store.SaveTransfer(file); err != nil {
		s.log.WithField("file_id", file.ID).WithError(err).Warn("persist transfer")
	}
	if h := s.opts.Hooks.OnComplete; h != nil {
		h(file, success)
	}
}

func (s *Service) rememberPeer(peer models.Peer) {
	if err := s.store.UpsertPeer(peer); err != nil {
		s.log.WithField("peer_id", peer.ID).WithError(err).Warn("persist peer")
	}
}
