package transfer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"directshare/models"
	"directshare/protocol"
)

// HandleMessage dispatches one decoded message from peer. Malformed or
// unexpected messages are logged and dropped.
func (e *Engine) HandleMessage(peer models.Peer, msg protocol.PeerMessage) {
	log := e.log.WithFields(logrus.Fields{"peer_id": peer.ID, "type": msg.Type})

	switch msg.Type {
	case protocol.TypeFileOffer:
		offer, err := msg.Offer()
		if err != nil {
			log.WithError(err).Warn("dropping offer")
			return
		}
		e.handleOffer(peer, offer)
	case protocol.TypeFileData:
		chunk, err := msg.Chunk()
		if err != nil {
			log.WithError(err).Warn("dropping chunk")
			return
		}
		e.handleChunk(peer, chunk)
	case protocol.TypeFileAccept, protocol.TypeFileReject, protocol.TypeFileComplete, protocol.TypeFileCancel:
		fileID, err := msg.FileID()
		if err != nil {
			log.WithError(err).Warn("dropping control message")
			return
		}
		switch msg.Type {
		case protocol.TypeFileAccept:
			e.handleAccept(peer, fileID)
		case protocol.TypeFileReject:
			e.handleReject(peer, fileID)
		case protocol.TypeFileComplete:
			e.handleComplete(peer, fileID)
		case protocol.TypeFileCancel:
			e.handleCancel(peer, fileID)
		}
	default:
		log.Warn("dropping unknown message")
	}
}

func (e *Engine) handleOffer(peer models.Peer, offer protocol.OfferPayload) {
	md := offer.Metadata
	log := e.log.WithFields(logrus.Fields{"file_id": md.FileID, "peer_id": peer.ID})

	name := peer.DisplayName()
	if offer.SenderName != "" {
		name = offer.SenderName
	}
	now := e.opts.Now()
	rec := &record{
		file: models.TransferFile{
			ID:        md.FileID,
			FileName:  md.FileName,
			Size:      md.Size,
			MIMEType:  md.MIMEType,
			Checksum:  md.Checksum,
			Status:    models.TransferPending,
			Direction: models.DirectionReceiving,
			PeerID:    peer.ID,
			PeerName:  name,
			StartedAt: now,
		},
		lastActive: now,
	}

	e.mu.Lock()
	if _, exists := e.transfers[md.FileID]; exists || e.closed {
		e.mu.Unlock()
		log.Warn("ignoring duplicate offer")
		return
	}
	e.transfers[md.FileID] = rec
	file := rec.file
	e.mu.Unlock()

	log.WithFields(logrus.Fields{"name": md.FileName, "size": md.Size}).Info("offer received")
	e.opts.Observer.OfferReceived(file, peer)
}

// AcceptOffer allocates the receive buffer for a pending offer and tells
// the sender to start streaming.
func (e *Engine) AcceptOffer(fileID uuid.UUID) (models.TransferFile, error) {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.Status != models.TransferPending {
		e.mu.Unlock()
		return models.TransferFile{}, fmt.Errorf("%w: %s", ErrOfferNotFound, fileID)
	}
	rec.file.Status = models.TransferPreparing
	rec.lastActive = e.opts.Now()
	e.buffers[fileID] = newChunkBuffer()
	file := rec.file
	e.mu.Unlock()

	msg, err := protocol.NewControlMessage(protocol.TypeFileAccept, fileID)
	if err == nil {
		err = e.opts.Messenger.Send(e.ctx, file.PeerID, msg)
	}
	if err != nil {
		e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": file.PeerID}).WithError(err).Warn("accept not sent")
		failed, _ := e.finish(fileID, models.TransferFailed, models.ReasonSendFailed, nil)
		return failed, fmt.Errorf("send accept: %w", err)
	}

	e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": file.PeerID}).Info("offer accepted")
	return file, nil
}

// RejectOffer declines a pending offer. The record ends cancelled with
// reason rejected; the sender is notified on a best-effort basis.
func (e *Engine) RejectOffer(fileID uuid.UUID) error {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.Status != models.TransferPending {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOfferNotFound, fileID)
	}
	file := e.finishLocked(rec, models.TransferCancelled, models.ReasonRejected)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": file.PeerID}).Info("offer rejected")
	e.notifyCompleted(file)
	e.notifyPeer(file.PeerID, protocol.TypeFileReject, fileID)
	return nil
}

func (e *Engine) handleChunk(peer models.Peer, chunk models.FileChunk) {
	log := e.log.WithFields(logrus.Fields{"file_id": chunk.FileID, "peer_id": peer.ID, "index": chunk.Index})

	e.mu.Lock()
	rec, ok := e.transfers[chunk.FileID]
	buf := e.buffers[chunk.FileID]
	if !ok || buf == nil || rec.file.PeerID != peer.ID || rec.file.Direction != models.DirectionReceiving {
		e.mu.Unlock()
		log.Debug("dropping chunk for unknown transfer")
		return
	}
	if chunk.Offset+int64(len(chunk.Data)) > rec.file.Size {
		e.mu.Unlock()
		log.Warn("dropping chunk past end of file")
		return
	}
	if !buf.add(chunk) {
		e.mu.Unlock()
		log.Debug("dropping duplicate chunk")
		return
	}
	rec.file.Status = models.TransferTransferring
	rec.file.BytesTransferred = buf.size
	rec.lastActive = e.opts.Now()
	file := rec.file
	e.mu.Unlock()

	e.notifyProgress(file)
}

// handleComplete reassembles the buffered chunks, verifies them against the
// offered checksum and stores the result.
func (e *Engine) handleComplete(peer models.Peer, fileID uuid.UUID) {
	log := e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peer.ID})

	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	buf := e.buffers[fileID]
	if !ok || buf == nil || rec.file.PeerID != peer.ID || rec.file.Direction != models.DirectionReceiving {
		e.mu.Unlock()
		log.Debug("ignoring completion for unknown transfer")
		return
	}
	delete(e.buffers, fileID)
	meta := rec.file.Metadata()
	e.mu.Unlock()

	path, err := writeReceived(e.opts.ReceiveDir, meta, buf)
	if err != nil {
		reason := models.ReasonStorage
		switch {
		case errors.Is(err, errIncomplete):
			reason = models.ReasonIncomplete
		case errors.Is(err, errChecksumMismatch):
			reason = models.ReasonChecksumMismatch
		}
		log.WithError(err).Warn("received file rejected")
		e.finish(fileID, models.TransferFailed, reason, nil)
		return
	}

	if _, ok := e.finish(fileID, models.TransferCompleted, models.ReasonNone, func(f *models.TransferFile) {
		f.LocalPath = path
		f.BytesTransferred = f.Size
	}); !ok {
		// Cancelled locally while the file was being written.
		removeQuietly(path)
		return
	}
	log.WithField("path", path).Info("file received")
}

func (e *Engine) handleCancel(peer models.Peer, fileID uuid.UUID) {
	e.mu.Lock()
	rec, ok := e.transfers[fileID]
	if !ok || rec.file.PeerID != peer.ID {
		e.mu.Unlock()
		return
	}
	file := e.finishLocked(rec, models.TransferCancelled, models.ReasonCancelledByPeer)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"file_id": fileID, "peer_id": peer.ID}).Info("transfer cancelled by peer")
	e.notifyCompleted(file)
}
