package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"directshare/models"
)

const peerColumns = `device_id, device_name, model, os_version, app_version, endpoint, last_state, first_seen, last_seen`

// UpsertPeer records a sighting of peer. An existing row keeps its
// first_seen, and keeps its name and endpoint when the new values are empty.
// last_seen never moves backwards.
func (s *Store) UpsertPeer(peer models.Peer) error {
	if peer.ID == "" {
		return errors.New("storage: peer device_id is required")
	}
	if peer.State == "" {
		peer.State = models.PeerDiscovered
	}
	if err := validatePeerState(peer.State); err != nil {
		return err
	}
	seen := nowOr(peer.LastSeen).UnixMilli()

	const upsert = `INSERT INTO peers (` + peerColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  device_name = COALESCE(NULLIF(excluded.device_name, ''), peers.device_name),
  model       = excluded.model,
  os_version  = excluded.os_version,
  app_version = excluded.app_version,
  endpoint    = COALESCE(NULLIF(excluded.endpoint, ''), peers.endpoint),
  last_state  = excluded.last_state,
  last_seen   = MAX(peers.last_seen, excluded.last_seen)`

	if _, err := s.db.Exec(upsert,
		peer.ID, peer.Name, peer.Model, peer.OSVersion, peer.AppVersion, peer.Endpoint,
		string(peer.State), seen, seen,
	); err != nil {
		return fmt.Errorf("storage: upsert peer %s: %w", peer.ID, err)
	}
	return nil
}

// GetPeer returns the stored row for deviceID, or ErrNotFound.
func (s *Store) GetPeer(deviceID string) (*KnownPeer, error) {
	row := s.db.QueryRow(`SELECT `+peerColumns+` FROM peers WHERE device_id = ?`, deviceID)
	p, err := scanPeer(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("storage: get peer %s: %w", deviceID, err)
	}
	return p, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]KnownPeer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY last_seen DESC, device_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list peers: %w", err)
	}
	defer rows.Close()

	out := []KnownPeer{}
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan peer: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RemovePeer forgets deviceID. It returns ErrNotFound when no row matched.
func (s *Store) RemovePeer(deviceID string) error {
	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("storage: remove peer %s: %w", deviceID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("storage: remove peer %s: %w", deviceID, err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPeer(row scanner) (*KnownPeer, error) {
	var (
		p                   KnownPeer
		state               string
		firstSeen, lastSeen int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Model, &p.OSVersion, &p.AppVersion, &p.Endpoint, &state, &firstSeen, &lastSeen)
	if err != nil {
		return nil, err
	}
	p.State = models.PeerState(state)
	p.FirstSeen = fromMillis(firstSeen)
	p.LastSeen = fromMillis(lastSeen)
	return &p, nil
}
