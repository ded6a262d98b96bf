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

func (s *Store) Migrate() error {
	migrations := []string{
		// Transaction records: one row per in-flight transfer. Blobs are
		// raw BYTEA; hashes are hex SHA-256.
		`CREATE TABLE IF NOT EXISTS transactions (
			transaction_id VARCHAR(64) PRIMARY KEY,
			ciphertext BYTEA NOT NULL,
			wrapped_key BYTEA NOT NULL,
			private_key BYTEA NOT NULL,
			integrity_hash VARCHAR(64) NOT NULL,
			pin_hash VARCHAR(64) NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'ACTIVE'
				CHECK (status IN ('ACTIVE', 'ACCESSED', 'DOWNLOADED')),
			original_filename VARCHAR(255) NOT NULL,
			code_tree BYTEA NOT NULL,
			original_size BIGINT NOT NULL,
			compressed_size BIGINT NOT NULL,
			compression_ratio DOUBLE PRECISION NOT NULL,
			intended_receiver VARCHAR(255),
			receiver_name VARCHAR(255),
			user_agent TEXT,
			accessed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// The cleanup sweep scans by deadline.
		`CREATE INDEX IF NOT EXISTS idx_transactions_expires_at
		ON transactions(expires_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
