package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"directshare/models"
)

func TestSaveAndGetTransfer(t *testing.T) {
	store := newTestStore(t)

	file := finishedTransfer("peer-1", nowForTest())
	if err := store.SaveTransfer(file); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	got, err := store.GetTransfer(file.ID)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.ID != file.ID || got.FileName != file.FileName || got.Size != file.Size {
		t.Fatalf("unexpected transfer: %+v", got)
	}
	if got.Status != models.TransferCompleted || got.Direction != models.DirectionReceiving {
		t.Fatalf("unexpected status/direction: %q/%q", got.Status, got.Direction)
	}
	if !got.StartedAt.Equal(file.StartedAt) || !got.EndedAt.Equal(file.EndedAt) {
		t.Fatalf("unexpected timestamps: %v %v", got.StartedAt, got.EndedAt)
	}

	file.Status = models.TransferFailed
	file.FailureReason = models.ReasonChecksumMismatch
	file.LocalPath = ""
	if err := store.SaveTransfer(file); err != nil {
		t.Fatalf("SaveTransfer (update) failed: %v", err)
	}
	got, err = store.GetTransfer(file.ID)
	if err != nil {
		t.Fatalf("GetTransfer after update failed: %v", err)
	}
	if got.Status != models.TransferFailed || got.FailureReason != models.ReasonChecksumMismatch {
		t.Fatalf("update not applied: %+v", got)
	}

	if _, err := store.GetTransfer(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTransferValidation(t *testing.T) {
	store := newTestStore(t)

	valid := finishedTransfer("peer-1", nowForTest())
	cases := map[string]func(f *models.TransferFile){
		"missing id":        func(f *models.TransferFile) { f.ID = uuid.Nil },
		"missing peer":      func(f *models.TransferFile) { f.PeerID = "" },
		"missing name":      func(f *models.TransferFile) { f.FileName = "" },
		"invalid status":    func(f *models.TransferFile) { f.Status = "done" },
		"invalid direction": func(f *models.TransferFile) { f.Direction = "sideways" },
	}
	for name, mutate := range cases {
		file := valid
		mutate(&file)
		if err := store.SaveTransfer(file); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestListTransfersNewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)

	base := nowForTest()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		file := finishedTransfer("peer-1", base.Add(time.Duration(i)*time.Second))
		if i == 4 {
			file.PeerID = "peer-2"
		}
		if err := store.SaveTransfer(file); err != nil {
			t.Fatalf("SaveTransfer %d failed: %v", i, err)
		}
		ids = append(ids, file.ID)
	}

	got, err := store.ListTransfers(3)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(got))
	}
	for i, want := range []uuid.UUID{ids[4], ids[3], ids[2]} {
		if got[i].ID != want {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, want)
		}
	}

	forPeer, err := store.ListTransfersForPeer("peer-1", 0)
	if err != nil {
		t.Fatalf("ListTransfersForPeer failed: %v", err)
	}
	if len(forPeer) != 4 {
		t.Fatalf("expected 4 transfers for peer-1, got %d", len(forPeer))
	}

	removed, err := store.ClearTransfers()
	if err != nil {
		t.Fatalf("ClearTransfers failed: %v", err)
	}
	if removed != 5 {
		t.Fatalf("expected 5 removed rows, got %d", removed)
	}
	got, err = store.ListTransfers(0)
	if err != nil {
		t.Fatalf("ListTransfers after clear failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty history, got %d", len(got))
	}
}
