// Package transfer runs the two-sided file transfer protocol on top of the
// peer connection manager: offers, chunk streaming, reassembly, checksum
// verification, progress and cancellation.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"directshare/models"
	"directshare/peers"
	"directshare/protocol"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultChunkDelay   = 10 * time.Millisecond
	DefaultStallTimeout = 120 * time.Second

	notifyTimeout = 5 * time.Second
)

var (
	// ErrPeerNotFound indicates the target peer has no active channel.
	ErrPeerNotFound = peers.ErrPeerNotFound
	// ErrSourceUnavailable indicates the file to send cannot be read.
	ErrSourceUnavailable = errors.New("transfer: source file unavailable")
	// ErrOfferNotFound indicates no pending offer has the given identifier.
	ErrOfferNotFound = errors.New("transfer: offer not found")
	// ErrTransferNotFound indicates no live transfer has the given identifier.
	ErrTransferNotFound = errors.New("transfer: transfer not found")
	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("transfer: engine closed")
	// ErrCancelled indicates the transfer was cancelled before its offer
	// went out.
	ErrCancelled = errors.New("transfer: cancelled")
)

// Messenger is the slice of the connection manager the engine depends on.
type Messenger interface {
	Send(ctx context.Context, peerID string, msg protocol.PeerMessage) error
	Peer(peerID string) (models.Peer, bool)
}

// Observer receives transfer notifications. Calls are made without engine
// locks held, so observers may call back into the engine.
type Observer interface {
	// OfferReceived reports a new pending incoming offer.
	OfferReceived(file models.TransferFile, from models.Peer)
	// TransferProgress reports a transfer after every chunk.
	TransferProgress(file models.TransferFile)
	// TransferCompleted reports a transfer reaching a terminal status.
	TransferCompleted(file models.TransferFile, success bool)
}

// Funcs adapts optional functions to Observer.
type Funcs struct {
	OnOffer    func(file models.TransferFile, from models.Peer)
	OnProgress func(file models.TransferFile)
	OnComplete func(file models.TransferFile, success bool)
}

func (f Funcs) OfferReceived(file models.TransferFile, from models.Peer) {
	if f.OnOffer != nil {
		f.OnOffer(file, from)
	}
}

func (f Funcs) TransferProgress(file models.TransferFile) {
	if f.OnProgress != nil {
		f.OnProgress(file)
	}
}

func (f Funcs) TransferCompleted(file models.TransferFile, success bool) {
	if f.OnComplete != nil {
		f.OnComplete(file, success)
	}
}

// Options configures an Engine.
type Options struct {
	Messenger Messenger
	// SenderName is advertised in outgoing offers.
	SenderName string
	// ReceiveDir is where completed incoming files are written.
	ReceiveDir string

	ChunkSize int
	// ChunkDelay paces outgoing chunks. Zero disables pacing and a negative
	// value selects DefaultChunkDelay.
	ChunkDelay time.Duration
	// StallTimeout fails transfers that see no activity for this long.
	StallTimeout time.Duration

	Observer Observer
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 || o.ChunkSize > protocol.MaxChunkSize {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = DefaultChunkDelay
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.Observer == nil {
		o.Observer = Funcs{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type record struct {
	file        models.TransferFile
	totalChunks int
	lastActive  time.Time
	// cancel stops the outgoing chunk stream.
	cancel context.CancelFunc
}

// Engine owns every transfer record and receive buffer. All mutations are
// serialized through its mutex.
type Engine struct {
	opts Options
	log  logrus.FieldLogger
	hash func(path string) (string, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	transfers map[uuid.UUID]*record
	buffers   map[uuid.UUID]*chunkBuffer
	completed []models.TransferFile
}

// New validates options and returns an engine.
func New(options Options) (*Engine, error) {
	if options.Messenger == nil {
		return nil, errors.New("transfer: messenger is required")
	}
	if options.ReceiveDir == "" {
		return nil, errors.New("transfer: receive dir is required")
	}

	opts := options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		log:       opts.Logger.WithField("component", "transfer"),
		hash:      sha256File,
		ctx:       ctx,
		cancel:    cancel,
		transfers: make(map[uuid.UUID]*record),
		buffers:   make(map[uuid.UUID]*chunkBuffer),
	}, nil
}

// Close cancels every outgoing stream and waits for them to exit. Records
// still in flight are failed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	var ended []models.TransferFile
	for _, rec := range e.sortedLocked(func(*record) bool { return true }) {
		ended = append(ended, e.finishLocked(rec, models.TransferFailed, models.ReasonConnectionLost))
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.notifyCompleted(ended...)
}

// ActiveTransfers returns every transfer that is neither pending nor
// finished, oldest first.
func (e *Engine) ActiveTransfers() []models.TransferFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return filesOf(e.sortedLocked(func(r *record) bool { return r.file.Status != models.TransferPending }))
}

// PendingOffers returns incoming offers awaiting a decision, oldest first.
func (e *Engine) PendingOffers() []models.TransferFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return filesOf(e.sortedLocked(func(r *record) bool { return r.file.Status == models.TransferPending }))
}

// CompletedTransfers returns finished transfers in the order they ended.
func (e *Engine) CompletedTransfers() []models.TransferFile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.TransferFile(nil), e.completed...)
}

// Transfer looks a transfer up among live and finished records.
func (e *Engine) Transfer(fileID uuid.UUID) (models.TransferFile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.transfers[fileID]; ok {
		return rec.file, true
	}
	for i := len(e.completed) - 1; i >= 0; i-- {
		if e.completed[i].ID == fileID {
			return e.completed[i], true
		}
	}
	return models.TransferFile{}, false
}

// ClearHistory drops every finished transfer.
func (e *Engine) ClearHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = nil
}

// CancelTransfer cancels a live transfer or pending offer and tells the
// peer on a best-effort basis.
func (e *Engine) CancelTransfer(fileID uuid.UUID) error {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransferNotFound, fileID)
	}
	file := e.finishLocked(rec, models.TransferCancelled, models.ReasonCancelledLocally)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": file.PeerID}).Info("transfer cancelled")
	e.notifyCompleted(file)
	e.notifyPeer(file.PeerID, protocol.TypeFileCancel, fileID)
	return nil
}

// ExpireStalled fails live transfers without activity for longer than the
// stall timeout. Pending offers wait for a local decision and are kept.
func (e *Engine) ExpireStalled() []models.TransferFile {
	now := e.opts.Now()

	e.mu.Lock()
	var stalled []models.TransferFile
	for _, rec := range e.sortedLocked(func(r *record) bool {
		return r.file.Status != models.TransferPending && now.Sub(r.lastActive) > e.opts.StallTimeout
	}) {
		stalled = append(stalled, e.finishLocked(rec, models.TransferFailed, models.ReasonStalled))
	}
	e.mu.Unlock()

	for _, file := range stalled {
		e.log.WithFields(logrus.Fields{"file_id": file.ID, "peer_id": file.PeerID}).Warn("transfer stalled")
		e.notifyCompleted(file)
		e.notifyPeer(file.PeerID, protocol.TypeFileCancel, file.ID)
	}
	return stalled
}

// HandlePeerDisconnected fails every transfer and offer involving peer.
func (e *Engine) HandlePeerDisconnected(peer models.Peer) {
	e.mu.Lock()
	var ended []models.TransferFile
	for _, rec := range e.sortedLocked(func(r *record) bool { return r.file.PeerID == peer.ID }) {
		ended = append(ended, e.finishLocked(rec, models.TransferFailed, models.ReasonConnectionLost))
	}
	e.mu.Unlock()

	if len(ended) > 0 {
		e.log.WithFields(logrus.Fields{"peer_id": peer.ID, "transfers": len(ended)}).Warn("connection lost during transfers")
	}
	e.notifyCompleted(ended...)
}

// finishLocked moves rec to history with a terminal status, purging its
// buffer and stopping its stream.
func (e *Engine) finishLocked(rec *record, status models.TransferStatus, reason models.FailureReason) models.TransferFile {
	id := rec.file.ID
	delete(e.transfers, id)
	delete(e.buffers, id)
	if rec.cancel != nil {
		rec.cancel()
	}

	rec.file.Status = status
	rec.file.FailureReason = reason
	rec.file.EndedAt = e.opts.Now()
	e.completed = append(e.completed, rec.file)
	return rec.file
}

// finish ends the transfer if it is still live. It reports false when
// another path already ended it.
func (e *Engine) finish(fileID uuid.UUID, status models.TransferStatus, reason models.FailureReason, update func(*models.TransferFile)) (models.TransferFile, bool) {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok {
		e.mu.Unlock()
		return models.TransferFile{}, false
	}
	if update != nil {
		update(&rec.file)
	}
	file := e.finishLocked(rec, status, reason)
	e.mu.Unlock()

	e.notifyCompleted(file)
	return file, true
}

func (e *Engine) sortedLocked(keep func(*record) bool) []*record {
	out := make([]*record, 0, len(e.transfers))
	for _, rec := range e.transfers {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].file.StartedAt.Equal(out[j].file.StartedAt) {
			return out[i].file.ID.String() < out[j].file.ID.String()
		}
		return out[i].file.StartedAt.Before(out[j].file.StartedAt)
	})
	return out
}

func filesOf(records []*record) []models.TransferFile {
	files := make([]models.TransferFile, 0, len(records))
	for _, rec := range records {
		files = append(files, rec.file)
	}
	return files
}

func (e *Engine) notifyCompleted(files ...models.TransferFile) {
	for _, file := range files {
		e.log.WithFields(logrus.Fields{
			"file_id": file.ID,
			"peer_id": file.PeerID,
			"status":  file.Status,
			"reason":  file.FailureReason,
		}).Debug("transfer finished")
		e.opts.Observer.TransferCompleted(file, file.Status == models.TransferCompleted)
	}
}

func (e *Engine) notifyProgress(file models.TransferFile) {
	e.opts.Observer.TransferProgress(file)
}

// notifyPeer sends a control message and only logs failures.
func (e *Engine) notifyPeer(peerID string, t protocol.MessageType, fileID uuid.UUID) {
	msg, err := protocol.NewControlMessage(t, fileID)
	if err != nil {
		e.log.WithError(err).Warn("build control message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := e.opts.Messenger.Send(ctx, peerID, msg); err != nil {
		e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peerID, "type": t}).WithError(err).Debug("peer notification not delivered")
	}
}
