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
	"errors"
	"fmt"
)

var (
	// ErrNotFound: unknown id, or one already consumed or purged.
	ErrNotFound = errors.New("transfer: not found")
	// ErrExpired: the deadline passed; the record has been purged.
	ErrExpired = errors.New("transfer: link expired")
	// ErrLocked: the attempt budget is exhausted; the record has been
	// purged.
	ErrLocked = errors.New("transfer: locked after too many attempts")
	// ErrTampered: the stored ciphertext no longer matches its integrity
	// hash; the record has been purged.
	ErrTampered = errors.New("transfer: data tampered")
)

// ValidationError rejects a request before any state is created (bad
// file type, empty upload).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "transfer: " + e.Reason }

// IdentityMismatchError: the supplied receiver name does not match the
// intended receiver. Counts against the shared attempt budget.
type IdentityMismatchError struct {
	Remaining int
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("transfer: receiver name mismatch (%d attempts remaining)", e.Remaining)
}

// InvalidPinError: wrong PIN. Counts against the shared attempt budget.
type InvalidPinError struct {
	Remaining int
}

func (e *InvalidPinError) Error() string {
	return fmt.Sprintf("transfer: invalid PIN (%d attempts remaining)", e.Remaining)
}

// DecodeError: the payload failed to decrypt or decompress. The wrapped
// cause stays server-side; callers only see a generic failure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "transfer: decryption failed" }
func (e *DecodeError) Unwrap() error { return e.Err }

// StoreError: the persistence layer failed. Not retried here; the whole
// operation may be retried by the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("transfer: store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }
