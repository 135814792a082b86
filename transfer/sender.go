package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"directshare/models"
	"directshare/protocol"
)

// SendFile offers the file at path to a connected peer. The record is
// published as preparing before anything is sent; chunks start flowing
// once the peer accepts. A missing source fails the returned record and is
// also reported as ErrSourceUnavailable.
func (e *Engine) SendFile(ctx context.Context, peerID, path string) (models.TransferFile, error) {
	return e.sendFile(ctx, peerID, path, 1, 0)
}

// SendFiles offers several files to one peer in order, stopping at the
// first error.
func (e *Engine) SendFiles(ctx context.Context, peerID string, paths []string) ([]models.TransferFile, error) {
	files := make([]models.TransferFile, 0, len(paths))
	for i, path := range paths {
		file, err := e.sendFile(ctx, peerID, path, len(paths), i)
		if err != nil {
			return files, err
		}
		files = append(files, file)
	}
	return files, nil
}

func (e *Engine) sendFile(ctx context.Context, peerID, path string, total, index int) (models.TransferFile, error) {
	peer, ok := e.opts.Messenger.Peer(peerID)
	if !ok || peer.State != models.PeerConnected {
		return models.TransferFile{}, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	now := e.opts.Now()
	rec := &record{
		file: models.TransferFile{
			ID:        uuid.New(),
			FileName:  filepath.Base(path),
			MIMEType:  mimeTypeFor(path),
			Status:    models.TransferPreparing,
			Direction: models.DirectionSending,
			PeerID:    peer.ID,
			PeerName:  peer.DisplayName(),
			LocalPath: path,
			StartedAt: now,
		},
		lastActive: now,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.TransferFile{}, ErrClosed
	}
	e.transfers[rec.file.ID] = rec
	e.mu.Unlock()

	log := e.log.WithFields(logrus.Fields{"file_id": rec.file.ID, "peer_id": peer.ID})

	info, err := os.Stat(path)
	if err == nil && !info.Mode().IsRegular() {
		err = fmt.Errorf("%s is not a regular file", path)
	}
	var checksum string
	if err == nil {
		checksum, err = e.hash(path)
	}
	if err != nil {
		log.WithError(err).Warn("source file unavailable")
		file, ok := e.finish(rec.file.ID, models.TransferFailed, models.ReasonSourceUnavailable, nil)
		if !ok {
			return e.cancelledBeforeOffer(rec)
		}
		return file, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	e.mu.Lock()
	if e.transfers[rec.file.ID] != rec || rec.file.Status != models.TransferPreparing {
		e.mu.Unlock()
		log.Info("transfer cancelled before offer")
		return e.cancelledBeforeOffer(rec)
	}
	rec.file.Size = info.Size()
	rec.file.Checksum = checksum
	rec.totalChunks = chunksFor(info.Size(), e.opts.ChunkSize)
	file := rec.file
	e.mu.Unlock()

	offer, err := protocol.NewOfferMessage(protocol.OfferPayload{
		Metadata:     file.Metadata(),
		SenderName:   e.opts.SenderName,
		TotalFiles:   total,
		CurrentIndex: index,
	})
	if err == nil {
		err = e.opts.Messenger.Send(ctx, peer.ID, offer)
	}
	if err != nil {
		log.WithError(err).Warn("offer not sent")
		file, _ := e.finish(file.ID, models.TransferFailed, models.ReasonSendFailed, nil)
		return file, fmt.Errorf("send offer: %w", err)
	}

	e.mu.Lock()
	cancelled := e.transfers[file.ID] != rec &&
		rec.file.Status == models.TransferCancelled && rec.file.FailureReason == models.ReasonCancelledLocally
	e.mu.Unlock()
	if cancelled {
		// The cancel may have reached the peer ahead of the offer.
		e.notifyPeer(peer.ID, protocol.TypeFileCancel, file.ID)
	}

	log.WithFields(logrus.Fields{"name": file.FileName, "size": file.Size}).Info("file offered")
	return file, nil
}

// cancelledBeforeOffer reports a record that another path ended while the
// offer was being prepared.
func (e *Engine) cancelledBeforeOffer(rec *record) (models.TransferFile, error) {
	e.mu.Lock()
	file := rec.file
	e.mu.Unlock()
	return file, fmt.Errorf("%w: %s", ErrCancelled, file.ID)
}

func (e *Engine) handleAccept(peer models.Peer, fileID uuid.UUID) {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.Direction != models.DirectionSending || rec.file.PeerID != peer.ID ||
		rec.file.Status != models.TransferPreparing || e.closed {
		e.mu.Unlock()
		e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peer.ID}).Debug("ignoring unexpected accept")
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	rec.cancel = cancel
	rec.file.Status = models.TransferTransferring
	rec.lastActive = e.opts.Now()
	file := rec.file
	total := rec.totalChunks
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.stream(ctx, file, total)
	}()
}

func (e *Engine) handleReject(peer models.Peer, fileID uuid.UUID) {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.Direction != models.DirectionSending || rec.file.PeerID != peer.ID {
		e.mu.Unlock()
		return
	}
	file := e.finishLocked(rec, models.TransferFailed, models.ReasonRejected)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peer.ID}).Info("offer rejected")
	e.notifyCompleted(file)
}

// stream sends every chunk of file, then the completion message. It stops
// as soon as the record leaves the transferring state.
func (e *Engine) stream(ctx context.Context, file models.TransferFile, totalChunks int) {
	log := e.log.WithFields(logrus.Fields{"file_id": file.ID, "peer_id": file.PeerID})

	source, err := os.Open(file.LocalPath)
	if err != nil {
		log.WithError(err).Warn("open source file")
		e.finish(file.ID, models.TransferFailed, models.ReasonSourceUnavailable, nil)
		return
	}
	defer func() {
		_ = source.Close()
	}()

	chunkSize := e.opts.ChunkSize
	var sent int64
	for index := 0; index < totalChunks; index++ {
		if ctx.Err() != nil {
			return
		}

		offset := int64(index) * int64(chunkSize)
		data, err := readChunkAt(source, offset, chunkSize)
		if err != nil {
			log.WithError(err).Warn("read source chunk")
			e.finish(file.ID, models.TransferFailed, models.ReasonSourceUnavailable, nil)
			return
		}

		msg, err := protocol.NewChunkMessage(models.FileChunk{
			FileID:      file.ID,
			Index:       index,
			TotalChunks: totalChunks,
			Data:        data,
			Offset:      offset,
			IsLast:      index == totalChunks-1,
		})
		if err == nil {
			err = e.opts.Messenger.Send(ctx, file.PeerID, msg)
		}
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("chunk not sent")
				e.finish(file.ID, models.TransferFailed, models.ReasonSendFailed, nil)
			}
			return
		}

		sent = offset + int64(len(data))
		progress, live := e.recordProgress(file.ID, sent)
		if !live {
			return
		}
		e.notifyProgress(progress)

		if index < totalChunks-1 && !e.pause(ctx) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	msg, err := protocol.NewControlMessage(protocol.TypeFileComplete, file.ID)
	if err == nil {
		err = e.opts.Messenger.Send(ctx, file.PeerID, msg)
	}
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).Warn("completion not sent")
			e.finish(file.ID, models.TransferFailed, models.ReasonSendFailed, nil)
		}
		return
	}

	if _, ok := e.finish(file.ID, models.TransferCompleted, models.ReasonNone, func(f *models.TransferFile) {
		f.BytesTransferred = f.Size
	}); ok {
		log.Info("file sent")
	}
}

// recordProgress stores the sent byte count if the transfer is still
// running.
func (e *Engine) recordProgress(fileID uuid.UUID, sent int64) (models.TransferFile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.Status != models.TransferTransferring {
		return models.TransferFile{}, false
	}
	if sent > rec.file.BytesTransferred {
		rec.file.BytesTransferred = sent
	}
	rec.lastActive = e.opts.Now()
	return rec.file, true
}

func (e *Engine) pause(ctx context.Context) bool {
	if e.opts.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.opts.ChunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
