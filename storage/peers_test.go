package storage

import (
	"errors"
	"testing"
	"time"

	"directshare/models"
)

func nowForTest() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func TestPeerUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	firstSeen := nowForTest().Add(-time.Minute)
	peer := models.Peer{
		ID:         "peer-1",
		Name:       "Alice's Phone",
		Model:      "Pixel",
		OSVersion:  "14",
		AppVersion: "1.0.0",
		State:      models.PeerDiscovered,
		LastSeen:   firstSeen,
		Endpoint:   "192.168.1.10:9999",
	}
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer(peer.ID)
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Name != peer.Name || got.Endpoint != peer.Endpoint {
		t.Fatalf("unexpected peer: %+v", got)
	}
	if !got.FirstSeen.Equal(firstSeen) || !got.LastSeen.Equal(firstSeen) {
		t.Fatalf("unexpected timestamps: first=%v last=%v", got.FirstSeen, got.LastSeen)
	}

	later := firstSeen.Add(30 * time.Second)
	update := peer
	update.Name = ""
	update.Endpoint = ""
	update.State = models.PeerConnected
	update.LastSeen = later
	if err := store.UpsertPeer(update); err != nil {
		t.Fatalf("UpsertPeer (update) failed: %v", err)
	}

	got, err = store.GetPeer(peer.ID)
	if err != nil {
		t.Fatalf("GetPeer after update failed: %v", err)
	}
	if got.Name != peer.Name {
		t.Fatalf("empty name overwrote stored name: %q", got.Name)
	}
	if got.Endpoint != peer.Endpoint {
		t.Fatalf("empty endpoint overwrote stored endpoint: %q", got.Endpoint)
	}
	if got.State != models.PeerConnected {
		t.Fatalf("expected state %q, got %q", models.PeerConnected, got.State)
	}
	if !got.FirstSeen.Equal(firstSeen) {
		t.Fatalf("first seen changed: %v", got.FirstSeen)
	}
	if !got.LastSeen.Equal(later) {
		t.Fatalf("expected last seen %v, got %v", later, got.LastSeen)
	}

	if err := store.UpsertPeer(models.Peer{ID: "peer-2", Name: "Bob", LastSeen: later.Add(time.Second)}); err != nil {
		t.Fatalf("UpsertPeer (second peer) failed: %v", err)
	}

	list, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(list))
	}
	if list[0].ID != "peer-2" || list[1].ID != "peer-1" {
		t.Fatalf("expected most recently seen first, got %q then %q", list[0].ID, list[1].ID)
	}
	if list[0].State != models.PeerDiscovered {
		t.Fatalf("expected default state discovered, got %q", list[0].State)
	}

	if err := store.RemovePeer(peer.ID); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}
	if _, err := store.GetPeer(peer.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after RemovePeer, got %v", err)
	}
	if err := store.RemovePeer(peer.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound removing twice, got %v", err)
	}
}

func TestUpsertPeerValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(models.Peer{}); err == nil {
		t.Fatal("expected error for missing device id")
	}
	if err := store.UpsertPeer(models.Peer{ID: "x", State: "bogus"}); err == nil {
		t.Fatal("expected error for invalid state")
	}
}
