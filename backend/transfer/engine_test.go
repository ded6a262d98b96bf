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

package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sealdrop/sealdrop/backend/models"
	"github.com/sealdrop/sealdrop/backend/storage"
)

// memTransferStore mimics the Postgres store's guarded mutations under
// a mutex, so engine semantics can be tested without a database.
type memTransferStore struct {
	mu       sync.Mutex
	recs     map[string]*models.TransferRecord
	maxCount int
}

func newMemTransferStore() *memTransferStore {
	return &memTransferStore{recs: make(map[string]*models.TransferRecord)}
}

func (s *memTransferStore) CreateTransfer(_ context.Context, rec *models.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memTransferStore) GetTransfer(_ context.Context, id string) (*models.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, storage.ErrNoRecord
	}
	cp := *rec
	return &cp, nil
}

func (s *memTransferStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Status != models.StatusActive || rec.AttemptCount >= models.MaxAttempts {
		return 0, storage.ErrNoRecord
	}
	rec.AttemptCount++
	if rec.AttemptCount > s.maxCount {
		s.maxCount = rec.AttemptCount
	}
	return rec.AttemptCount, nil
}

func (s *memTransferStore) MarkAccessed(_ context.Context, id, receiverName, userAgent string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Status != models.StatusActive {
		return storage.ErrNoRecord
	}
	rec.Status = models.StatusAccessed
	rec.ReceiverName = receiverName
	rec.UserAgent = userAgent
	rec.AccessedAt = &at
	return nil
}

func (s *memTransferStore) CompleteDownload(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *memTransferStore) DeleteTransfer(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.Status != models.StatusActive {
		return 0, nil
	}
	delete(s.recs, id)
	return 1, nil
}

func (s *memTransferStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.recs {
		if rec.ExpiresAt.Before(now) {
			delete(s.recs, id)
			n++
		}
	}
	return n, nil
}

func (s *memTransferStore) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.Status == models.StatusActive {
			n++
		}
	}
	return n, nil
}

func (s *memTransferStore) tamper(id string, mutate func(*models.TransferRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.recs[id])
}

// claimRacingStore flips the record to ACCESSED right after a read
// returns, simulating a correct-PIN unseal winning the race between a
// failing caller's lookup and its attempt increment.
type claimRacingStore struct {
	*memTransferStore
	claimNext bool
}

func (s *claimRacingStore) GetTransfer(ctx context.Context, id string) (*models.TransferRecord, error) {
	rec, err := s.memTransferStore.GetTransfer(ctx, id)
	if err == nil && s.claimNext {
		s.claimNext = false
		if err := s.memTransferStore.MarkAccessed(ctx, id, "rightful receiver", "agent", time.Now()); err != nil {
			return nil, err
		}
	}
	return rec, err
}

type memStagedStore struct {
	mu    sync.Mutex
	files map[string]models.StagedFile
}

func newMemStagedStore() *memStagedStore {
	return &memStagedStore{files: make(map[string]models.StagedFile)}
}

func (s *memStagedStore) PutStaged(_ context.Context, staged models.StagedFile, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[staged.ID] = staged
	return nil
}

func (s *memStagedStore) TakeStaged(_ context.Context, id string) (*models.StagedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.files[id]
	if !ok {
		return nil, storage.ErrNoRecord
	}
	delete(s.files, id)
	return &staged, nil
}

func newTestEngine() (*Engine, *memTransferStore, *memStagedStore) {
	transfers := newMemTransferStore()
	staged := newMemStagedStore()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewEngine(transfers, staged, Config{}, log), transfers, staged
}

func pdfBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func TestSealValidation(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	var validation *ValidationError

	_, err := engine.Seal(ctx, SealRequest{Data: nil, Filename: "a.pdf"})
	require.ErrorAs(t, err, &validation)

	_, err = engine.Seal(ctx, SealRequest{Data: []byte("x"), Filename: "evil.exe"})
	require.ErrorAs(t, err, &validation)

	_, err = engine.Seal(ctx, SealRequest{Data: []byte("x"), Filename: "noext"})
	require.ErrorAs(t, err, &validation)
}

func TestSealUnsealDownloadEndToEnd(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()
	original := pdfBytes(t, 10*1024)

	sealed, err := engine.Seal(ctx, SealRequest{
		Data:          original,
		Filename:      "report.pdf",
		ExpiryMinutes: 5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sealed.ID)
	require.Len(t, sealed.PIN, 6)
	require.Equal(t, int64(len(original)), sealed.OriginalSize)
	require.Greater(t, sealed.CompressedSize, int64(0))
	require.Greater(t, sealed.CompressionRatio, 0.0)

	// No intended receiver: any supplied name reaches the PIN stage and
	// a correct PIN succeeds.
	unsealed, err := engine.Unseal(ctx, UnsealRequest{
		ID:           sealed.ID,
		PIN:          sealed.PIN,
		ReceiverName: "whoever",
		UserAgent:    "test-agent",
	})
	require.NoError(t, err)
	require.Equal(t, models.KindPDF, unsealed.Kind)
	require.Equal(t, "report.pdf", unsealed.Filename)

	status, err := engine.Status(ctx, sealed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAccessed, status.Status)
	require.Equal(t, "whoever", status.ReceiverName)
	require.Equal(t, "test-agent", status.UserAgent)
	require.NotNil(t, status.AccessedAt)

	download, err := engine.Download(ctx, sealed.ID)
	require.NoError(t, err)
	require.True(t, bytes.Equal(original, download.Data))
	require.Equal(t, "report.pdf", download.Filename)
	require.Equal(t, "application/pdf", download.MimeType)

	// One-time: the second download finds nothing, and the record is
	// gone with it.
	_, err = engine.Download(ctx, sealed.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = engine.Status(ctx, sealed.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnsealWrongPinLockout(t *testing.T) {
	engine, transfers, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("secret"), Filename: "x.png"})
	require.NoError(t, err)

	var pinErr *InvalidPinError
	for want := models.MaxAttempts - 1; want >= 0; want-- {
		_, err := engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: "WRONG1"})
		require.ErrorAs(t, err, &pinErr)
		require.Equal(t, want, pinErr.Remaining)
	}

	// Budget spent: even the correct PIN is refused and the record is
	// purged.
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.ErrorIs(t, err, ErrLocked)
	require.Empty(t, transfers.recs)

	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUnsealIdentityCheck(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{
		Data:             []byte("for alice only"),
		Filename:         "x.jpg",
		IntendedReceiver: "alice",
	})
	require.NoError(t, err)

	// Name mismatch is reported without validating the PIN, and shares
	// the attempt budget with PIN failures.
	var identityErr *IdentityMismatchError
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN, ReceiverName: "bob"})
	require.ErrorAs(t, err, &identityErr)
	require.Equal(t, 2, identityErr.Remaining)

	var pinErr *InvalidPinError
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: "WRONG1", ReceiverName: "alice"})
	require.ErrorAs(t, err, &pinErr)
	require.Equal(t, 1, pinErr.Remaining)

	unsealed, err := engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN, ReceiverName: "alice"})
	require.NoError(t, err)
	require.Equal(t, models.KindImage, unsealed.Kind)
}

func TestUnsealExpired(t *testing.T) {
	engine, transfers, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{
		Data:          []byte("too late"),
		Filename:      "x.gif",
		ExpiryMinutes: -1,
	})
	require.NoError(t, err)

	// Correct PIN does not matter once the deadline passed.
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.ErrorIs(t, err, ErrExpired)
	require.Empty(t, transfers.recs)
}

func TestUnsealTampered(t *testing.T) {
	engine, transfers, staged := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("integrity matters"), Filename: "x.pdf"})
	require.NoError(t, err)

	transfers.tamper(sealed.ID, func(rec *models.TransferRecord) {
		rec.Ciphertext[0] ^= 0x80
	})

	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.ErrorIs(t, err, ErrTampered)
	require.Empty(t, transfers.recs)
	require.Empty(t, staged.files, "plaintext must never be staged for tampered data")
}

func TestUnsealDecodeFailure(t *testing.T) {
	engine, transfers, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("wrapped key matters"), Filename: "x.pdf"})
	require.NoError(t, err)

	// Corrupt the wrapped key; the integrity hash only covers the
	// ciphertext, so the guards pass and the decode stage must fail.
	transfers.tamper(sealed.ID, func(rec *models.TransferRecord) {
		rec.WrappedKey = []byte("not a ciphertext container")
	})

	var decodeErr *DecodeError
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.ErrorAs(t, err, &decodeErr)
}

func TestUnsealConcurrentWrongPins(t *testing.T) {
	engine, transfers, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("race me"), Filename: "x.pdf"})
	require.NoError(t, err)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: "WRONG1"})
		}(i)
	}
	wg.Wait()

	var invalidPin, locked, notFound int
	var pinErr *InvalidPinError
	for _, err := range errs {
		switch {
		case errors.As(err, &pinErr):
			invalidPin++
		case errors.Is(err, ErrLocked):
			locked++
		case errors.Is(err, ErrNotFound):
			notFound++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, models.MaxAttempts, invalidPin)
	require.Equal(t, 1, locked, "exactly one caller observes the lockout")
	require.Equal(t, workers-models.MaxAttempts-1, notFound)
	require.LessOrEqual(t, transfers.maxCount, models.MaxAttempts)
	require.Empty(t, transfers.recs)
}

func TestUnsealOnlyOneConcurrentWinner(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("single winner"), Filename: "x.pdf"})
	require.NoError(t, err)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrNotFound)
		}
	}
	require.Equal(t, 1, won, "the ACTIVE->ACCESSED transition has one winner")

	// Whoever won, the payload is downloadable exactly once.
	download, err := engine.Download(ctx, sealed.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("single winner"), download.Data)
	_, err = engine.Download(ctx, sealed.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatusDoesNotConsumeAccess(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("look but don't touch"), Filename: "x.png"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		status, err := engine.Status(ctx, sealed.ID)
		require.NoError(t, err)
		require.Equal(t, models.StatusActive, status.Status)
	}

	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: sealed.PIN})
	require.NoError(t, err)
}

func TestCleanupExpired(t *testing.T) {
	engine, transfers, _ := newTestEngine()
	ctx := context.Background()

	_, err := engine.Seal(ctx, SealRequest{Data: []byte("gone"), Filename: "a.pdf", ExpiryMinutes: -10})
	require.NoError(t, err)
	keep, err := engine.Seal(ctx, SealRequest{Data: []byte("kept"), Filename: "b.pdf", ExpiryMinutes: 10})
	require.NoError(t, err)

	n, err := engine.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = engine.Status(ctx, keep.ID)
	require.NoError(t, err)
	require.Len(t, transfers.recs, 1)
}

func TestUnsealFailureDoesNotPurgeClaimedRecord(t *testing.T) {
	transfers := &claimRacingStore{memTransferStore: newMemTransferStore()}
	staged := newMemStagedStore()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	engine := NewEngine(transfers, staged, Config{}, log)
	ctx := context.Background()

	sealed, err := engine.Seal(ctx, SealRequest{Data: []byte("claimed first"), Filename: "x.pdf"})
	require.NoError(t, err)

	// A receiver claims the record between this caller's read and its
	// attempt increment. The loser must see NotFound, not a lockout.
	transfers.claimNext = true
	_, err = engine.Unseal(ctx, UnsealRequest{ID: sealed.ID, PIN: "WRONG1"})
	require.ErrorIs(t, err, ErrNotFound)

	// No attempt was charged and the claimed record survived for the
	// winner's download.
	require.Equal(t, 0, transfers.maxCount)
	status, err := engine.Status(ctx, sealed.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAccessed, status.Status)
}

func TestPinFromReaderRejectsBiasedBytes(t *testing.T) {
	// Bytes at or above the rejection limit must be skipped, not folded
	// back onto the first alphabet symbols.
	src := []byte{255, 0, 251, 36, 252, 1, 70, 35, 100, 0, 0, 0}
	pin, err := pinFromReader(bytes.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, "A9AB89", pin)

	// A source that runs dry surfaces the read error.
	_, err = pinFromReader(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
}

func TestGeneratePIN(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		pin, err := generatePIN()
		require.NoError(t, err)
		require.Len(t, pin, pinLength)
		for _, c := range pin {
			require.Contains(t, pinAlphabet, string(c))
		}
		seen[pin] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestResealGivesUnrelatedCredentials(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()
	data := []byte("identical payload")

	a, err := engine.Seal(ctx, SealRequest{Data: data, Filename: "same.pdf"})
	require.NoError(t, err)
	b, err := engine.Seal(ctx, SealRequest{Data: data, Filename: "same.pdf"})
	require.NoError(t, err)

	require.NotEqual(t, a.ID, b.ID)
}
