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

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sealdrop/sealdrop/backend/models"
	"github.com/sealdrop/sealdrop/backend/storage"
)

const (
	// Redis key prefix: staged:file:{transactionId} holds the decrypted
	// payload awaiting its single download.
	stagedFilePrefix = "staged:file:"

	// DefaultStagedTTL is the retention window for staged plaintext that
	// is never downloaded. The TTL is the cleanup mechanism; no sweep is
	// needed on the Redis side.
	DefaultStagedTTL = time.Hour
)

// StagedStore keeps decrypted plaintext in Redis between unseal and
// download. GETDEL makes the handout atomic, which is what enforces the
// exactly-once download across concurrent requests.
type StagedStore struct {
	rdb *redis.Client
}

func NewStagedStore(rdb *redis.Client) *StagedStore {
	return &StagedStore{rdb: rdb}
}

func (s *StagedStore) PutStaged(ctx context.Context, staged models.StagedFile, ttl time.Duration) error {
	data, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("failed to marshal staged file: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultStagedTTL
	}
	if err := s.rdb.Set(ctx, stagedFilePrefix+staged.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store staged file: %w", err)
	}
	return nil
}

func (s *StagedStore) TakeStaged(ctx context.Context, id string) (*models.StagedFile, error) {
	data, err := s.rdb.GetDel(ctx, stagedFilePrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take staged file: %w", err)
	}

	var staged models.StagedFile
	if err := json.Unmarshal([]byte(data), &staged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal staged file: %w", err)
	}
	return &staged, nil
}
