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

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/sealdrop/sealdrop/backend/models"
	"github.com/sealdrop/sealdrop/backend/transfer"
)

// maxUploadBytes bounds the multipart form we are willing to buffer.
const maxUploadBytes = 32 << 20

type TransferHandler struct {
	engine  *transfer.Engine
	baseURL string
}

func NewTransferHandler(engine *transfer.Engine, baseURL string) *TransferHandler {
	return &TransferHandler{engine: engine, baseURL: baseURL}
}

// Upload accepts a multipart form (file, expiry, receiver) and seals it.
func (h *TransferHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file selected")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	expiry := 0
	if v := r.FormValue("expiry"); v != "" {
		expiry, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expiry")
			return
		}
	}

	result, err := h.engine.Seal(r.Context(), transfer.SealRequest{
		Data:             data,
		Filename:         header.Filename,
		ExpiryMinutes:    expiry,
		IntendedReceiver: r.FormValue("receiver"),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":           true,
		"transaction_id":    result.ID,
		"pin":               result.PIN,
		"expires_at":        result.ExpiresAt,
		"original_size":     result.OriginalSize,
		"compressed_size":   result.CompressedSize,
		"compression_ratio": result.CompressionRatio,
		"receive_url":       h.receiveURL(result.ID),
	})
}

type unsealRequest struct {
	PIN          string `json:"pin"`
	ReceiverName string `json:"receiver_name"`
}

// Unseal verifies the PIN (and receiver name, when one was set at seal
// time) and stages the plaintext for the one permitted download.
func (h *TransferHandler) Unseal(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	var req unsealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PIN == "" {
		writeError(w, http.StatusBadRequest, "Transaction ID and PIN are required")
		return
	}

	result, err := h.engine.Unseal(r.Context(), transfer.UnsealRequest{
		ID:           id,
		PIN:          req.PIN,
		ReceiverName: req.ReceiverName,
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":      true,
		"file_type":    result.Kind,
		"file_name":    result.Filename,
		"download_url": "/api/transfer/" + result.ID + "/download",
	})
}

// Download streams the staged plaintext exactly once.
func (h *TransferHandler) Download(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	result, err := h.engine.Download(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Write(result.Data)
}

// Status reports transfer state without consuming the access budget.
func (h *TransferHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	result, err := h.engine.Status(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// QR renders the receive URL for a transaction as a PNG.
func (h *TransferHandler) QR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	// Only confirm the transaction exists; the QR carries no secret.
	if _, err := h.engine.Status(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}

	png, err := qrcode.Encode(h.receiveURL(id), qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (h *TransferHandler) receiveURL(id string) string {
	return h.baseURL + "/receive?tid=" + id
}

// writeEngineError maps the engine's error taxonomy onto HTTP codes.
// Cryptographic internals never reach the response body.
func writeEngineError(w http.ResponseWriter, err error) {
	var validation *transfer.ValidationError
	var identity *transfer.IdentityMismatchError
	var pin *transfer.InvalidPinError
	var decode *transfer.DecodeError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason)
	case errors.Is(err, transfer.ErrNotFound):
		writeError(w, http.StatusNotFound, "Invalid transaction ID")
	case errors.Is(err, transfer.ErrExpired):
		writeError(w, http.StatusGone, "Link has expired")
	case errors.Is(err, transfer.ErrLocked):
		writeError(w, http.StatusLocked, "Access locked due to too many invalid attempts")
	case errors.As(err, &identity):
		writeErrorWithAttempts(w, http.StatusUnauthorized, "Receiver name does not match", identity.Remaining)
	case errors.As(err, &pin):
		used := models.MaxAttempts - pin.Remaining
		writeErrorWithAttempts(w, http.StatusUnauthorized,
			fmt.Sprintf("Invalid PIN (%d/%d)", used, models.MaxAttempts), pin.Remaining)
	case errors.Is(err, transfer.ErrTampered):
		writeError(w, http.StatusBadRequest, "Data tampered - access denied")
	case errors.As(err, &decode):
		writeError(w, http.StatusInternalServerError, "Decryption failed")
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeErrorWithAttempts(w http.ResponseWriter, status int, msg string, remaining int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":              msg,
		"attempts_remaining": remaining,
	})
}
