package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TransferRecord is one row of transfer history. Chunked transfers store
// only metadata and the final content path, never inline payload bytes.
type TransferRecord struct {
	TransferID   string `json:"transferId"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	SizeBytes    int64  `json:"sizeBytes"`
	IsClipboard  bool   `json:"isClipboard"`
	Direction    string `json:"direction"`
	PeerStableID string `json:"peerStableId,omitempty"`
	PeerName     string `json:"peerName,omitempty"`
	StoredPath   string `json:"storedPath,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

// RecordSentTransfer persists a sent (or queued, or locally saved) transfer.
func (s *Store) RecordSentTransfer(record TransferRecord) error {
	return s.insertTransfer(record)
}

// RecordReceivedTransfer persists a received transfer.
func (s *Store) RecordReceivedTransfer(record TransferRecord) error {
	record.Direction = "received"
	return s.insertTransfer(record)
}

func (s *Store) insertTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer ID is required")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (
  transfer_id, original_name, mime_type, size_bytes, is_clipboard,
  direction, peer_stable_id, peer_name, stored_path, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
  direction   = excluded.direction,
  stored_path = excluded.stored_path;
`,
		record.TransferID, record.OriginalName, record.MimeType,
		record.SizeBytes, boolToInt(record.IsClipboard), record.Direction,
		record.PeerStableID, record.PeerName, record.StoredPath, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// GetTransfer returns one transfer record by ID.
func (s *Store) GetTransfer(transferID string) (TransferRecord, error) {
	row := s.db.QueryRow(`
SELECT transfer_id, original_name, mime_type, size_bytes, is_clipboard,
       direction, peer_stable_id, peer_name, stored_path, created_at
FROM transfers WHERE transfer_id = ?;
`, transferID)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns all transfer records, newest first.
func (s *Store) ListTransfers() ([]TransferRecord, error) {
	rows, err := s.db.Query(`
SELECT transfer_id, original_name, mime_type, size_bytes, is_clipboard,
       direction, peer_stable_id, peer_name, stored_path, created_at
FROM transfers ORDER BY created_at DESC, transfer_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// DeleteTransfer removes one transfer record.
func (s *Store) DeleteTransfer(transferID string) error {
	result, err := s.db.Exec(`DELETE FROM transfers WHERE transfer_id = ?;`, transferID)
	if err != nil {
		return fmt.Errorf("delete transfer %q: %w", transferID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTransferDirection moves a record between lifecycle states, e.g. from
// queued to sent after a pending transfer flushes.
func (s *Store) UpdateTransferDirection(transferID, direction string) error {
	result, err := s.db.Exec(`UPDATE transfers SET direction = ? WHERE transfer_id = ?;`, direction, transferID)
	if err != nil {
		return fmt.Errorf("update transfer %q direction: %w", transferID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transfer %q direction: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (TransferRecord, error) {
	var record TransferRecord
	var isClipboard int
	var mimeType, peerStableID, peerName sql.NullString

	err := row.Scan(
		&record.TransferID, &record.OriginalName, &mimeType,
		&record.SizeBytes, &isClipboard, &record.Direction,
		&peerStableID, &peerName, &record.StoredPath, &record.CreatedAt,
	)
	if err != nil {
		return TransferRecord{}, err
	}

	record.MimeType = mimeType.String
	record.PeerStableID = peerStableID.String
	record.PeerName = peerName.String
	record.IsClipboard = isClipboard != 0
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
