package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"directshare/models"
)

const transferColumns = `
	file_id,
	peer_id,
	peer_name,
	direction,
	file_name,
	size,
	mime_type,
	checksum,
	status,
	failure_reason,
	bytes_transferred,
	local_path,
	started_at,
	ended_at`

// SaveTransfer inserts or replaces the row for file.
func (s *Store) SaveTransfer(file models.TransferFile) error {
	if file.ID == uuid.Nil {
		return errors.New("file_id is required")
	}
	if file.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if file.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateTransferStatus(file.Status); err != nil {
		return err
	}
	if err := validateDirection(file.Direction); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			peer_name = excluded.peer_name,
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			bytes_transferred = excluded.bytes_transferred,
			local_path = excluded.local_path,
			ended_at = excluded.ended_at`,
		file.ID.String(),
		file.PeerID,
		file.PeerName,
		file.Direction,
		file.FileName,
		file.Size,
		file.MIMEType,
		file.Checksum,
		file.Status,
		file.FailureReason,
		file.BytesTransferred,
		file.LocalPath,
		nowOr(file.StartedAt).UnixMilli(),
		nullMillis(file.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", file.ID, err)
	}
	return nil
}

// GetTransfer fetches one transfer by file ID.
func (s *Store) GetTransfer(fileID uuid.UUID) (*models.TransferFile, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE file_id = ?`,
		fileID.String(),
	)

	file, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", fileID, err)
	}
	return file, nil
}

// ListTransfers returns up to limit transfers, most recently ended first.
func (s *Store) ListTransfers(limit int) ([]models.TransferFile, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.queryTransfers(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY COALESCE(ended_at, started_at) DESC, file_id
		LIMIT ?`,
		limit,
	)
}

// ListTransfersForPeer returns up to limit transfers with one peer, most
// recently ended first.
func (s *Store) ListTransfersForPeer(peerID string, limit int) ([]models.TransferFile, error) {
	if peerID == "" {
		return nil, errors.New("peer_id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.queryTransfers(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE peer_id = ?
		ORDER BY COALESCE(ended_at, started_at) DESC, file_id
		LIMIT ?`,
		peerID,
		limit,
	)
}

// ClearTransfers deletes every stored transfer and reports how many rows
// were removed.
func (s *Store) ClearTransfers() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers`)
	if err != nil {
		return 0, fmt.Errorf("clear transfers: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for clear transfers: %w", err)
	}
	return rowsAffected, nil
}

func (s *Store) queryTransfers(query string, args ...any) ([]models.TransferFile, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	files := make([]models.TransferFile, 0)
	for rows.Next() {
		file, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return files, nil
}

func scanTransfer(row scanner) (*models.TransferFile, error) {
	var (
		file      models.TransferFile
		id        string
		direction string
		status    string
		reason    string
		startedAt int64
		endedAt   sql.NullInt64
	)
	if err := row.Scan(
		&id,
		&file.PeerID,
		&file.PeerName,
		&direction,
		&file.FileName,
		&file.Size,
		&file.MIMEType,
		&file.Checksum,
		&status,
		&reason,
		&file.BytesTransferred,
		&file.LocalPath,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse file_id %q: %w", id, err)
	}
	file.ID = parsed
	file.Direction = models.Direction(direction)
	file.Status = models.TransferStatus(status)
	file.FailureReason = models.FailureReason(reason)
	file.StartedAt = fromMillis(startedAt)
	file.EndedAt = fromNullMillis(endedAt)
	return &file, nil
}
