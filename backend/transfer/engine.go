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
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sealdrop/sealdrop/backend/crypto"
	"github.com/sealdrop/sealdrop/backend/models"
	"github.com/sealdrop/sealdrop/backend/storage"
)

const (
	pinAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pinLength   = 6

	// pinByteLimit is the largest multiple of the alphabet size that
	// fits in a byte; draws at or above it are rejected so every PIN
	// symbol is equally likely.
	pinByteLimit = 256 - 256%len(pinAlphabet)

	defaultExpiryMinutes = 5
)

// Config tunes the engine; zero values pick the defaults.
type Config struct {
	// ModulusBits sizes the per-transfer ElGamal modulus.
	ModulusBits int
	// StagedTTL bounds how long unsealed plaintext waits for its
	// download before Redis drops it.
	StagedTTL time.Duration
}

// Engine orchestrates the seal and unseal pipelines against the two
// stores. It keeps no per-transfer state of its own: every operation
// re-reads the record, so the one-time guarantees rest entirely on the
// stores' atomic guarded mutations.
type Engine struct {
	transfers storage.TransferStore
	staged    storage.StagedStore
	cfg       Config
	log       *logrus.Logger
}

func NewEngine(transfers storage.TransferStore, staged storage.StagedStore, cfg Config, log *logrus.Logger) *Engine {
	if cfg.ModulusBits == 0 {
		cfg.ModulusBits = crypto.DefaultModulusBits
	}
	if cfg.StagedTTL == 0 {
		cfg.StagedTTL = time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{transfers: transfers, staged: staged, cfg: cfg, log: log}
}

type SealRequest struct {
	Data             []byte
	Filename         string
	ExpiryMinutes    int
	IntendedReceiver string
}

type SealResult struct {
	ID               string    `json:"transaction_id"`
	PIN              string    `json:"pin"`
	ExpiresAt        time.Time `json:"expires_at"`
	OriginalSize     int64     `json:"original_size"`
	CompressedSize   int64     `json:"compressed_size"`
	CompressionRatio float64   `json:"compression_ratio"`
}

// Seal runs compress -> encrypt -> wrap key -> hash -> persist and
// hands back the id/PIN pair. Nothing durable exists until the final
// insert succeeds, so a failure anywhere leaves no partial record.
func (e *Engine) Seal(ctx context.Context, req SealRequest) (*SealResult, error) {
	if len(req.Data) == 0 {
		return nil, &ValidationError{Reason: "no file selected"}
	}
	if !models.AllowedFilename(req.Filename) {
		return nil, &ValidationError{Reason: "only images (JPG, PNG, GIF) and PDF files are allowed"}
	}
	expiry := req.ExpiryMinutes
	if expiry == 0 {
		expiry = defaultExpiryMinutes
	}

	pub, priv, err := crypto.GenerateElGamalKeyPair(e.cfg.ModulusBits)
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}
	privBlob, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}

	compressed, tree := crypto.Compress(req.Data)
	treeBlob, err := tree.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}

	aesKey, err := crypto.GenerateAESKey()
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}
	ciphertext, err := crypto.EncryptAES(compressed, aesKey)
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}
	wrappedKey, err := crypto.EncryptElGamal(aesKey, pub)
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}

	pin, err := generatePIN()
	if err != nil {
		return nil, fmt.Errorf("transfer: seal: %w", err)
	}

	now := time.Now()
	rec := &models.TransferRecord{
		ID:               uuid.New().String(),
		Ciphertext:       ciphertext,
		WrappedKey:       wrappedKey,
		PrivateKey:       privBlob,
		IntegrityHash:    hashHex(ciphertext),
		PinHash:          hashHex([]byte(pin)),
		ExpiresAt:        now.Add(time.Duration(expiry) * time.Minute),
		Status:           models.StatusActive,
		OriginalFilename: req.Filename,
		CodeTree:         treeBlob,
		OriginalSize:     int64(len(req.Data)),
		CompressedSize:   int64(len(compressed)),
		CompressionRatio: float64(len(compressed)) / float64(len(req.Data)) * 100,
		IntendedReceiver: req.IntendedReceiver,
		CreatedAt:        now,
	}
	if err := e.transfers.CreateTransfer(ctx, rec); err != nil {
		return nil, &StoreError{Op: "create", Err: err}
	}

	e.log.WithFields(logrus.Fields{
		"transaction_id":  rec.ID,
		"file_name":       req.Filename,
		"original_size":   rec.OriginalSize,
		"compressed_size": rec.CompressedSize,
	}).Info("transfer sealed")

	return &SealResult{
		ID:               rec.ID,
		PIN:              pin,
		ExpiresAt:        rec.ExpiresAt,
		OriginalSize:     rec.OriginalSize,
		CompressedSize:   rec.CompressedSize,
		CompressionRatio: rec.CompressionRatio,
	}, nil
}

type UnsealRequest struct {
	ID           string
	PIN          string
	ReceiverName string
	UserAgent    string
}

type UnsealResult struct {
	ID       string          `json:"transaction_id"`
	Kind     models.FileKind `json:"file_type"`
	Filename string          `json:"file_name"`
}

// Unseal runs the guard sequence in fixed order: lookup, expiry,
// attempt budget, receiver identity, PIN, integrity, then decrypt and
// decompress. The identity check comes before the PIN check so a name
// mismatch never confirms whether the PIN was right. Nothing durable
// changes until every check has passed.
func (e *Engine) Unseal(ctx context.Context, req UnsealRequest) (*UnsealResult, error) {
	rec, err := e.transfers.GetTransfer(ctx, req.ID)
	if errors.Is(err, storage.ErrNoRecord) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	if rec.Status != models.StatusActive {
		return nil, ErrNotFound
	}

	now := time.Now()
	if now.After(rec.ExpiresAt) {
		return nil, e.purge(ctx, req.ID, ErrExpired, "expired link accessed")
	}
	if rec.AttemptCount >= models.MaxAttempts {
		return nil, e.purge(ctx, req.ID, ErrLocked, "locked after too many attempts")
	}
	if rec.IntendedReceiver != "" && rec.IntendedReceiver != req.ReceiverName {
		return nil, e.failAttempt(ctx, req.ID, func(remaining int) error {
			return &IdentityMismatchError{Remaining: remaining}
		})
	}
	if hashHex([]byte(req.PIN)) != rec.PinHash {
		return nil, e.failAttempt(ctx, req.ID, func(remaining int) error {
			return &InvalidPinError{Remaining: remaining}
		})
	}
	if hashHex(rec.Ciphertext) != rec.IntegrityHash {
		return nil, e.purge(ctx, req.ID, ErrTampered, "integrity hash mismatch")
	}

	plain, err := e.unsealPayload(rec)
	if err != nil {
		return nil, err
	}

	// Claim the one-time budget before staging; of two concurrent
	// correct-PIN calls, only the transition winner proceeds.
	if err := e.transfers.MarkAccessed(ctx, req.ID, req.ReceiverName, req.UserAgent, now); err != nil {
		if errors.Is(err, storage.ErrNoRecord) {
			return nil, ErrNotFound
		}
		return nil, &StoreError{Op: "mark accessed", Err: err}
	}
	staged := models.StagedFile{ID: req.ID, Data: plain, Filename: rec.OriginalFilename}
	if err := e.staged.PutStaged(ctx, staged, e.cfg.StagedTTL); err != nil {
		return nil, &StoreError{Op: "stage", Err: err}
	}

	e.log.WithFields(logrus.Fields{
		"transaction_id": req.ID,
		"file_name":      rec.OriginalFilename,
		"size":           len(plain),
	}).Info("transfer unsealed")

	return &UnsealResult{
		ID:       req.ID,
		Kind:     models.ClassifyFilename(rec.OriginalFilename),
		Filename: rec.OriginalFilename,
	}, nil
}

// unsealPayload is the pure decrypt/decompress half of Unseal:
// unwrap the AES key, decrypt the ciphertext, rebuild the tree,
// decompress. Any failure is a DecodeError; internals stay server-side.
func (e *Engine) unsealPayload(rec *models.TransferRecord) ([]byte, error) {
	priv, err := crypto.UnmarshalElGamalPrivateKey(rec.PrivateKey)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	aesKey, err := crypto.DecryptElGamal(rec.WrappedKey, priv)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	compressed, err := crypto.DecryptAES(rec.Ciphertext, aesKey)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	tree, err := crypto.UnmarshalCodeTree(rec.CodeTree)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	plain, err := crypto.Decompress(compressed, tree)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return plain, nil
}

type DownloadResult struct {
	Data     []byte
	Filename string
	MimeType string
}

// Download hands out the staged plaintext exactly once. The atomic
// take from the staged store is the gate; the record cleanup behind it
// is best effort.
func (e *Engine) Download(ctx context.Context, id string) (*DownloadResult, error) {
	staged, err := e.staged.TakeStaged(ctx, id)
	if errors.Is(err, storage.ErrNoRecord) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "take staged", Err: err}
	}

	if err := e.transfers.CompleteDownload(ctx, id); err != nil {
		// The bytes are already committed to the caller; the orphaned
		// record falls to the expiry sweep.
		e.log.WithField("transaction_id", id).WithError(err).Warn("failed to finalize download")
	}

	e.log.WithFields(logrus.Fields{
		"transaction_id": id,
		"file_name":      staged.Filename,
	}).Info("transfer downloaded")

	return &DownloadResult{
		Data:     staged.Data,
		Filename: staged.Filename,
		MimeType: models.MimeType(staged.Filename),
	}, nil
}

type StatusResult struct {
	ID           string                `json:"transaction_id"`
	Status       models.TransferStatus `json:"status"`
	Filename     string                `json:"file_name"`
	CreatedAt    time.Time             `json:"created_at"`
	ExpiresAt    time.Time             `json:"expires_at"`
	ReceiverName string                `json:"receiver_name,omitempty"`
	AccessedAt   *time.Time            `json:"accessed_at,omitempty"`
	UserAgent    string                `json:"user_agent,omitempty"`
}

// Status is read-only and does not touch the one-time-access budget.
func (e *Engine) Status(ctx context.Context, id string) (*StatusResult, error) {
	rec, err := e.transfers.GetTransfer(ctx, id)
	if errors.Is(err, storage.ErrNoRecord) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return &StatusResult{
		ID:           rec.ID,
		Status:       rec.Status,
		Filename:     rec.OriginalFilename,
		CreatedAt:    rec.CreatedAt,
		ExpiresAt:    rec.ExpiresAt,
		ReceiverName: rec.ReceiverName,
		AccessedAt:   rec.AccessedAt,
		UserAgent:    rec.UserAgent,
	}, nil
}

// CleanupExpired removes records past their deadline. Staged plaintext
// expires on its own via the staged store's TTL.
func (e *Engine) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := e.transfers.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, &StoreError{Op: "delete expired", Err: err}
	}
	if n > 0 {
		e.log.WithField("deleted", n).Info("expired transfers cleaned up")
	}
	return n, nil
}

// ActiveCount reports how many transfers are awaiting unseal.
func (e *Engine) ActiveCount(ctx context.Context) (int, error) {
	n, err := e.transfers.CountActive(ctx)
	if err != nil {
		return 0, &StoreError{Op: "count active", Err: err}
	}
	return n, nil
}

// purge deletes the record and returns terminal (when this call did the
// deleting) or ErrNotFound, so terminal outcomes are observed exactly
// once. The delete only fires on an ACTIVE record: when a concurrent
// call already purged it, or a receiver already claimed it, nothing is
// removed and the caller is told the record is gone.
func (e *Engine) purge(ctx context.Context, id string, terminal error, reason string) error {
	n, err := e.transfers.DeleteTransfer(ctx, id)
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	e.log.WithField("transaction_id", id).Info(reason)
	return terminal
}

// failAttempt charges one failure against the shared budget. When the
// increment finds no eligible row, purge sorts out which of the three
// causes applies: a still-ACTIVE row means the budget is spent and this
// caller reports the lockout; a claimed or missing row is NotFound.
func (e *Engine) failAttempt(ctx context.Context, id string, wrap func(remaining int) error) error {
	count, err := e.transfers.IncrementAttempts(ctx, id)
	if errors.Is(err, storage.ErrNoRecord) {
		return e.purge(ctx, id, ErrLocked, "locked after too many attempts")
	}
	if err != nil {
		return &StoreError{Op: "increment attempts", Err: err}
	}
	e.log.WithFields(logrus.Fields{
		"transaction_id": id,
		"attempt":        count,
	}).Info("failed access attempt")
	return wrap(models.MaxAttempts - count)
}

func generatePIN() (string, error) {
	return pinFromReader(rand.Reader)
}

func pinFromReader(r io.Reader) (string, error) {
	out := make([]byte, 0, pinLength)
	var buf [pinLength]byte
	for len(out) < pinLength {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= pinByteLimit {
				continue
			}
			out = append(out, pinAlphabet[int(b)%len(pinAlphabet)])
			if len(out) == pinLength {
				break
			}
		}
	}
	return string(out), nil
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
