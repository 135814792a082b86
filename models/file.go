package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the lifecycle state of one file transfer.
type TransferStatus string

const (
	TransferPending      TransferStatus = "pending"
	TransferPreparing    TransferStatus = "preparing"
	TransferTransferring TransferStatus = "transferring"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
	TransferCancelled    TransferStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	default:
		return false
	}
}

// Direction tells whether the local device sends or receives a file.
type Direction string

const (
	DirectionSending   Direction = "sending"
	DirectionReceiving Direction = "receiving"
)

// FailureReason distinguishes why a transfer ended without completing.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonRejected          FailureReason = "rejected"
	ReasonConnectionLost    FailureReason = "connection_lost"
	ReasonSourceUnavailable FailureReason = "source_unavailable"
	ReasonSendFailed        FailureReason = "send_failed"
	ReasonIncomplete        FailureReason = "incomplete"
	ReasonChecksumMismatch  FailureReason = "checksum_mismatch"
	ReasonStorage           FailureReason = "storage"
	ReasonStalled           FailureReason = "stalled"
	ReasonCancelledLocally  FailureReason = "cancelled_locally"
	ReasonCancelledByPeer   FailureReason = "cancelled_by_peer"
)

// TransferMetadata describes a file being offered. It is immutable once
// the offer is sent.
type TransferMetadata struct {
	FileID   uuid.UUID `json:"file_id"`
	FileName string    `json:"file_name"`
	Size     int64     `json:"size"`
	MIMEType string    `json:"mime_type"`
	Checksum string    `json:"checksum"`
}

// TransferFile is the mutable record of one transfer.
type TransferFile struct {
	ID               uuid.UUID      `json:"id"`
	FileName         string         `json:"file_name"`
	Size             int64          `json:"size"`
	MIMEType         string         `json:"mime_type"`
	Checksum         string         `json:"checksum"`
	Status           TransferStatus `json:"status"`
	Direction        Direction      `json:"direction"`
	BytesTransferred int64          `json:"bytes_transferred"`
	PeerID           string         `json:"peer_id"`
	PeerName         string         `json:"peer_name"`
	// LocalPath is the source file when sending and the stored file once a
	// receive completes.
	LocalPath     string        `json:"local_path,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
}

// Metadata returns the offer description of this record.
func (f TransferFile) Metadata() TransferMetadata {
	return TransferMetadata{
		FileID:   f.ID,
		FileName: f.FileName,
		Size:     f.Size,
		MIMEType: f.MIMEType,
		Checksum: f.Checksum,
	}
}

// Progress returns the transferred fraction in [0,1].
func (f TransferFile) Progress() float64 {
	if f.Size <= 0 {
		if f.Status == TransferCompleted {
			return 1
		}
		return 0
	}
	p := float64(f.BytesTransferred) / float64(f.Size)
	if p > 1 {
		return 1
	}
	return p
}

// FileChunk is one fragment of file data in transit.
type FileChunk struct {
	FileID      uuid.UUID `json:"file_id"`
	Index       int       `json:"index"`
	TotalChunks int       `json:"total_chunks"`
	Data        []byte    `json:"data"`
	Offset      int64     `json:"offset"`
	IsLast      bool      `json:"is_last"`
}
