// Copyright (C) 2025 sealdrop <dev@sealdrop.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sealdrop/sealdrop/backend/models"
	"github.com/sealdrop/sealdrop/backend/storage"
)

// Store keeps transaction records in Postgres. All state-guarded
// mutations are single conditional UPDATEs, so two concurrent requests
// against the same id serialize at the row without any process lock.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateTransfer(ctx context.Context, rec *models.TransferRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
		(transaction_id, ciphertext, wrapped_key, private_key, integrity_hash,
		 pin_hash, attempt_count, expires_at, status, original_filename,
		 code_tree, original_size, compressed_size, compression_ratio,
		 intended_receiver, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.Ciphertext, rec.WrappedKey, rec.PrivateKey, rec.IntegrityHash,
		rec.PinHash, rec.AttemptCount, rec.ExpiresAt, rec.Status, rec.OriginalFilename,
		rec.CodeTree, rec.OriginalSize, rec.CompressedSize, rec.CompressionRatio,
		nullString(rec.IntendedReceiver), rec.CreatedAt)
	return err
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error) {
	rec := &models.TransferRecord{}
	var intended, receiver, userAgent sql.NullString
	var accessedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, ciphertext, wrapped_key, private_key, integrity_hash,
		       pin_hash, attempt_count, expires_at, status, original_filename,
		       code_tree, original_size, compressed_size, compression_ratio,
		       intended_receiver, receiver_name, user_agent, accessed_at, created_at
		FROM transactions WHERE transaction_id = $1`, id).Scan(
		&rec.ID, &rec.Ciphertext, &rec.WrappedKey, &rec.PrivateKey, &rec.IntegrityHash,
		&rec.PinHash, &rec.AttemptCount, &rec.ExpiresAt, &rec.Status, &rec.OriginalFilename,
		&rec.CodeTree, &rec.OriginalSize, &rec.CompressedSize, &rec.CompressionRatio,
		&intended, &receiver, &userAgent, &accessedAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoRecord
	}
	if err != nil {
		return nil, err
	}

	rec.IntendedReceiver = intended.String
	rec.ReceiverName = receiver.String
	rec.UserAgent = userAgent.String
	if accessedAt.Valid {
		t := accessedAt.Time
		rec.AccessedAt = &t
	}
	return rec, nil
}

// IncrementAttempts is the attempt-budget hot path: the WHERE clause
// caps the counter at MaxAttempts no matter how many requests race on
// the same id.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET attempt_count = attempt_count + 1
		WHERE transaction_id = $1 AND status = $2 AND attempt_count < $3
		RETURNING attempt_count`,
		id, models.StatusActive, models.MaxAttempts).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNoRecord
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) MarkAccessed(ctx context.Context, id, receiverName, userAgent string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, receiver_name = $3, user_agent = $4, accessed_at = $5
		WHERE transaction_id = $1 AND status = $6`,
		id, models.StatusAccessed, nullString(receiverName), nullString(userAgent),
		at, models.StatusActive)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNoRecord
	}
	return nil
}

func (s *Store) CompleteDownload(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The DOWNLOADED state is observable only within this transaction;
	// the durable outcome is deletion.
	if _, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = $2
		WHERE transaction_id = $1 AND status = $3`,
		id, models.StatusDownloaded, models.StatusAccessed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transactions WHERE transaction_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteTransfer removes the record only while it is still ACTIVE. A
// record a receiver has already claimed stays put, so a racing failure
// path cannot destroy it between the claim and the download.
func (s *Store) DeleteTransfer(ctx context.Context, id string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE transaction_id = $1 AND status = $2`,
		id, models.StatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE status = $1`,
		models.StatusActive).Scan(&count)
	return count, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
