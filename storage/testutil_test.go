package storage

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"directshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func finishedTransfer(peerID string, ended time.Time) models.TransferFile {
	return models.TransferFile{
		ID:               uuid.New(),
		FileName:         "report.pdf",
		Size:             2048,
		MIMEType:         "application/pdf",
		Checksum:         "abc123",
		Status:           models.TransferCompleted,
		Direction:        models.DirectionReceiving,
		BytesTransferred: 2048,
		PeerID:           peerID,
		PeerName:         "Peer " + peerID,
		LocalPath:        "/tmp/report.pdf",
		StartedAt:        ended.Add(-time.Second),
		EndedAt:          ended,
	}
}
