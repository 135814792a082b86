package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"directshare/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// DefaultHistoryLimit caps ListTransfers when no positive limit is given.
const DefaultHistoryLimit = 100

// KnownPeer is a persisted peer sighting. State holds the last state the
// peer was recorded in, not a live connection.
type KnownPeer struct {
	models.Peer
	FirstSeen time.Time
}

func validatePeerState(state models.PeerState) error {
	switch state {
	case models.PeerDiscovered, models.PeerConnecting, models.PeerConnected, models.PeerDisconnected, models.PeerFailed:
		return nil
	default:
		return fmt.Errorf("invalid peer state %q", state)
	}
}

func validateTransferStatus(status models.TransferStatus) error {
	switch status {
	case models.TransferPending, models.TransferPreparing, models.TransferTransferring,
		models.TransferCompleted, models.TransferFailed, models.TransferCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionSending, models.DirectionReceiving:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

// Timestamps are stored as Unix milliseconds; the zero time maps to NULL.
func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func fromNullMillis(ni sql.NullInt64) time.Time {
	if !ni.Valid {
		return time.Time{}
	}
	return fromMillis(ni.Int64)
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

type scanner interface {
	Scan(dest ...any) error
}
