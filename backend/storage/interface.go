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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sealdrop/sealdrop/backend/models"
)

// ErrNoRecord is returned when an id does not match a stored row, or
// when a guarded mutation found no row in the required state.
var ErrNoRecord = errors.New("storage: record not found")

// TransferStore owns the durable transaction records. Mutations with a
// state guard (IncrementAttempts, MarkAccessed) must be atomic with
// respect to concurrent calls on the same id; implementations rely on
// row-level conditional updates rather than process-wide locks.
type TransferStore interface {
	CreateTransfer(ctx context.Context, rec *models.TransferRecord) error
	GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error)

	// IncrementAttempts adds one failed attempt and returns the new
	// count. It only fires while the record is ACTIVE and under the
	// attempt cap; otherwise ErrNoRecord.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// MarkAccessed flips ACTIVE -> ACCESSED, recording who accessed and
	// when. ErrNoRecord if the record is not ACTIVE: exactly one caller
	// can win this transition.
	MarkAccessed(ctx context.Context, id, receiverName, userAgent string, at time.Time) error

	// CompleteDownload flips ACCESSED -> DOWNLOADED and removes the
	// record. Idempotent: a missing record is not an error.
	CompleteDownload(ctx context.Context, id string) error

	// DeleteTransfer removes the record only while it is still ACTIVE,
	// reporting how many rows went away. Exactly one concurrent deleter
	// observes 1; the engine uses that to hand out terminal errors
	// (Locked, Expired) exactly once. A record already claimed by a
	// receiver is left untouched.
	DeleteTransfer(ctx context.Context, id string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CountActive(ctx context.Context) (int, error)
}

// StagedStore owns the decrypted plaintext staged between unseal and
// download. Entries expire on their own after the retention window.
type StagedStore interface {
	PutStaged(ctx context.Context, staged models.StagedFile, ttl time.Duration) error

	// TakeStaged returns the staged file and removes it in one atomic
	// step, so the bytes are handed out at most once. ErrNoRecord when
	// nothing is staged for the id.
	TakeStaged(ctx context.Context, id string) (*models.StagedFile, error)
}
