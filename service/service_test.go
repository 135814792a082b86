package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"directshare/config"
	"directshare/models"
	"directshare/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type hookRecorder struct {
	mu        sync.Mutex
	found     []string
	completed []models.TransferFile
	success   []bool
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnPeerFound: func(peer models.Peer) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.found = append(r.found, peer.ID)
		},
		OnComplete: func(file models.TransferFile, ok bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, file)
			r.success = append(r.success, ok)
		},
	}
}

func (r *hookRecorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *hookRecorder) last() (models.TransferFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.completed)
	return r.completed[n-1], r.success[n-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T, id string) *config.DeviceConfig {
	t.Helper()
	return &config.DeviceConfig{
		DeviceID:                 id,
		DeviceName:               "Device " + id,
		DeviceModel:              "test",
		PortMode:                 config.PortModeAutomatic,
		ReceiveDir:               filepath.Join(t.TempDir(), "received"),
		ChunkSize:                config.DefaultChunkSize,
		ChunkDelayMillis:         0,
		PeerExpirationSeconds:    config.DefaultPeerExpirationSeconds,
		ConnectionTimeoutSeconds: 5,
		StallTimeoutSeconds:      config.DefaultStallTimeoutSeconds,
	}
}

type testNode struct {
	svc *Service
	rec *hookRecorder
	cfg *config.DeviceConfig
}

func newTestNode(t *testing.T, network *transport.MemoryNetwork, id string, tweak func(*Options)) *testNode {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	cfg := testConfig(t, id)
	tr := network.Join(SelfMetadata(cfg))
	rec := &hookRecorder{}

	opts := Options{
		Config:    cfg,
		DataDir:   t.TempDir(),
		Transport: tr,
		Hooks:     rec.hooks(),
		Logger:    logger,
	}
	if tweak != nil {
		tweak(&opts)
	}
	svc, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		svc.Close()
		_ = tr.Close()
	})
	return &testNode{svc: svc, rec: rec, cfg: cfg}
}

func connectNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, b.svc.StartAdvertising())
	require.NoError(t, a.svc.StartScanning())
	bID := b.cfg.DeviceID
	require.Eventually(t, func() bool {
		_, ok := a.svc.Peer(bID)
		return ok
	}, waitFor, tick)

	require.NoError(t, a.svc.Connect(bID))
	require.Eventually(t, func() bool {
		pa, okA := a.svc.Peer(bID)
		pb, okB := b.svc.Peer(a.cfg.DeviceID)
		return okA && okB && pa.IsConnected() && pb.IsConnected()
	}, waitFor, tick)
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig(t, "x")
	_, err = New(Options{Config: cfg})
	assert.Error(t, err, "a data dir or store is required")

	cfg.ReceiveDir = ""
	_, err = New(Options{Config: cfg, DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestAutoAcceptedTransferIsPersistedOnBothSides(t *testing.T) {
	network := transport.NewMemoryNetwork()
	sender := newTestNode(t, network, "device-a", nil)
	receiver := newTestNode(t, network, "device-b", nil)
	receiver.svc.SetAutoAccept(true)
	connectNodes(t, sender, receiver)

	path := writeFile(t, "photo.jpg", 150_000)
	file, err := sender.svc.SendFile(context.Background(), "device-b", path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sender.rec.completedCount() == 1 && receiver.rec.completedCount() == 1
	}, waitFor, tick)

	got, ok := receiver.rec.last()
	assert.True(t, ok)
	assert.Equal(t, file.ID, got.ID)
	stored, err := os.ReadFile(got.LocalPath)
	require.NoError(t, err)
	assert.Len(t, stored, 150_000)

	for _, n := range []*testNode{sender, receiver} {
		history, err := n.svc.History(10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, file.ID, history[0].ID)
		assert.Equal(t, models.TransferCompleted, history[0].Status)
		assert.Len(t, n.svc.CompletedTransfers(), 1)
	}

	known, err := sender.svc.KnownPeers()
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "device-b", known[0].ID)
	assert.Equal(t, "Device device-b", known[0].Name)

	known, err = receiver.svc.KnownPeers()
	require.NoError(t, err)
	require.Len(t, known, 1)
	assert.Equal(t, "device-a", known[0].ID)

	require.NoError(t, sender.svc.ClearHistory())
	history, err := sender.svc.History(10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, sender.svc.CompletedTransfers())
}

func TestRejectedOfferIsRecorded(t *testing.T) {
	network := transport.NewMemoryNetwork()
	sender := newTestNode(t, network, "device-a", nil)
	receiver := newTestNode(t, network, "device-b", nil)
	connectNodes(t, sender, receiver)

	file, err := sender.svc.SendFile(context.Background(), "device-b", writeFile(t, "a.bin", 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(receiver.svc.PendingOffers()) == 1 }, waitFor, tick)
	require.NoError(t, receiver.svc.RejectOffer(file.ID))

	require.Eventually(t, func() bool { return sender.rec.completedCount() == 1 }, waitFor, tick)
	got, ok := sender.rec.last()
	assert.False(t, ok)
	assert.Equal(t, models.ReasonRejected, got.FailureReason)

	history, err := sender.svc.History(0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TransferFailed, history[0].Status)
	assert.Equal(t, models.ReasonRejected, history[0].FailureReason)
}

func TestStallSweepFailsUnansweredOffer(t *testing.T) {
	network := transport.NewMemoryNetwork()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	sender := newTestNode(t, network, "device-a", func(o *Options) {
		o.Now = clock.Now
		o.StallCheckInterval = 10 * time.Millisecond
	})
	receiver := newTestNode(t, network, "device-b", nil)
	connectNodes(t, sender, receiver)

	_, err := sender.svc.SendFile(context.Background(), "device-b", writeFile(t, "a.bin", 10))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(receiver.svc.PendingOffers()) == 1 }, waitFor, tick)

	clock.Advance(time.Duration(config.DefaultStallTimeoutSeconds+1) * time.Second)

	require.Eventually(t, func() bool { return sender.rec.completedCount() == 1 }, waitFor, tick)
	got, _ := sender.rec.last()
	assert.Equal(t, models.ReasonStalled, got.FailureReason)
	require.Eventually(t, func() bool { return len(receiver.svc.PendingOffers()) == 0 }, waitFor, tick)
}

func TestStopAllDisconnectsEveryone(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := newTestNode(t, network, "device-a", nil)
	b := newTestNode(t, network, "device-b", nil)
	connectNodes(t, a, b)

	require.True(t, a.svc.Scanning())
	require.True(t, b.svc.Advertising())

	a.svc.StopAll()
	b.svc.StopAll()

	assert.False(t, a.svc.Scanning())
	assert.False(t, b.svc.Advertising())
	require.Eventually(t, func() bool {
		pa, _ := a.svc.Peer("device-b")
		pb, _ := b.svc.Peer("device-a")
		return pa.State == models.PeerDisconnected && pb.State == models.PeerDisconnected
	}, waitFor, tick)

	_, err := a.svc.SendFile(context.Background(), "device-b", writeFile(t, "a.bin", 10))
	assert.Error(t, err)
}

func TestStartAfterCloseFails(t *testing.T) {
	network := transport.NewMemoryNetwork()
	logger, _ := logtest.NewNullLogger()
	cfg := testConfig(t, "device-a")
	svc, err := New(Options{Config: cfg, DataDir: t.TempDir(), Transport: network.Join(SelfMetadata(cfg)), Logger: logger})
	require.NoError(t, err)

	svc.Close()
	svc.Close()
	assert.ErrorIs(t, svc.Start(), ErrClosed)
}
