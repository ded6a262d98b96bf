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

package models

import (
	"path/filepath"
	"strings"
	"time"
)

// TransferStatus is the transaction lifecycle state. It only ever
// advances ACTIVE -> ACCESSED -> DOWNLOADED; deletion is the terminal
// state and frees the id for nothing (ids are never reused).
type TransferStatus string

const (
	StatusActive     TransferStatus = "ACTIVE"
	StatusAccessed   TransferStatus = "ACCESSED"
	StatusDownloaded TransferStatus = "DOWNLOADED"
)

// MaxAttempts is the combined identity/PIN failure budget per transfer.
const MaxAttempts = 3

// TransferRecord is one in-flight transfer: the encrypted payload, the
// material needed to unseal it, and the access-control state.
type TransferRecord struct {
	ID               string         `json:"transaction_id" db:"transaction_id"`
	Ciphertext       []byte         `json:"-" db:"ciphertext"`
	WrappedKey       []byte         `json:"-" db:"wrapped_key"`
	PrivateKey       []byte         `json:"-" db:"private_key"`
	IntegrityHash    string         `json:"-" db:"integrity_hash"`
	PinHash          string         `json:"-" db:"pin_hash"`
	AttemptCount     int            `json:"attempt_count" db:"attempt_count"`
	ExpiresAt        time.Time      `json:"expires_at" db:"expires_at"`
	Status           TransferStatus `json:"status" db:"status"`
	OriginalFilename string         `json:"file_name" db:"original_filename"`
	CodeTree         []byte         `json:"-" db:"code_tree"`
	OriginalSize     int64          `json:"original_size" db:"original_size"`
	CompressedSize   int64          `json:"compressed_size" db:"compressed_size"`
	CompressionRatio float64        `json:"compression_ratio" db:"compression_ratio"`
	IntendedReceiver string         `json:"intended_receiver,omitempty" db:"intended_receiver"`
	ReceiverName     string         `json:"receiver_name,omitempty" db:"receiver_name"`
	UserAgent        string         `json:"user_agent,omitempty" db:"user_agent"`
	AccessedAt       *time.Time     `json:"accessed_at,omitempty" db:"accessed_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// StagedFile holds decrypted, decompressed bytes between a successful
// unseal and the single permitted download.
type StagedFile struct {
	ID       string `json:"transaction_id"`
	Data     []byte `json:"data"`
	Filename string `json:"file_name"`
}

// FileKind classifies a payload for the receiving side.
type FileKind string

const (
	KindImage   FileKind = "image"
	KindPDF     FileKind = "pdf"
	KindGeneric FileKind = "file"
)

var allowedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
}

// AllowedFilename reports whether the filename carries one of the
// accepted extensions (.jpg .jpeg .png .gif .pdf).
func AllowedFilename(name string) bool {
	_, ok := allowedExtensions[normalizeExt(name)]
	return ok
}

// ClassifyFilename maps a filename to its payload kind.
func ClassifyFilename(name string) FileKind {
	switch normalizeExt(name) {
	case ".pdf":
		return KindPDF
	case ".jpg", ".jpeg", ".png", ".gif":
		return KindImage
	default:
		return KindGeneric
	}
}

// MimeType returns the content type for a filename, defaulting to
// octet-stream.
func MimeType(name string) string {
	if mt, ok := allowedExtensions[normalizeExt(name)]; ok {
		return mt
	}
	return "application/octet-stream"
}

func normalizeExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
