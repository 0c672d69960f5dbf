package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"secret.vault/internal/stats"
	"secret.vault/internal/vault"
	"secret.vault/web"
)

// Vault is the lifecycle engine as seen by the HTTP layer.
type Vault interface {
	Create(ctx context.Context, in vault.CreateInput) (*vault.CreateOutput, error)
	Check(ctx context.Context, id string) (*vault.CheckOutput, error)
	Reveal(ctx context.Context, id, password string) (*vault.RevealOutput, error)
}

type Handler struct {
	vault Vault
	stats stats.Recorder
}

func NewHandler(v Vault, rec stats.Recorder) *Handler {
	return &Handler{
		vault: v,
		stats: rec,
	}
}

type CreateRequest struct {
	Content         string `json:"content"`
	Password        string `json:"password,omitempty"`
	ExpirationHours int    `json:"expiration_hours,omitempty"`
	ViewLimit       int    `json:"view_limit,omitempty"`
	NotifyEmail     string `json:"notify_email,omitempty"`
}

type RevealRequest struct {
	Password string `json:"password,omitempty"`
}

type StatusResponse struct {
	ID string `json:"id"`
	*vault.CheckOutput
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.decodeError(w, err)
		return
	}

	out, err := h.vault.Create(r.Context(), vault.CreateInput{
		Content:         req.Content,
		Password:        req.Password,
		ExpirationHours: req.ExpirationHours,
		ViewLimit:       req.ViewLimit,
		NotifyEmail:     req.NotifyEmail,
	})
	if err != nil {
		h.handleVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	out, err := h.vault.Check(r.Context(), id)
	if err != nil {
		h.handleVaultError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{ID: id, CheckOutput: out})
}

func (h *Handler) RevealSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The body is optional; unprotected secrets need no password.
	var req RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.decodeError(w, err)
		return
	}

	out, err := h.vault.Reveal(r.Context(), id, req.Password)
	if err != nil {
		h.handleVaultError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.stats.Snapshot(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("stats snapshot failed")
		h.error(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "index.html")
}

func (h *Handler) RevealPage(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, "reveal.html")
}

func (h *Handler) serveFile(w http.ResponseWriter, filename string) {
	content, err := web.GetFile(filename)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	contentType := "text/html; charset=utf-8"
	w.Header().Set("Content-Type", contentType)
	w.Write(content)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

func (h *Handler) decodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.error(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	h.error(w, http.StatusBadRequest, "invalid_parameter", "invalid request body")
}

func (h *Handler) handleVaultError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, vault.ErrInvalidParameter):
		h.error(w, http.StatusBadRequest, "invalid_parameter", err.Error())
	case errors.Is(err, vault.ErrNotFound):
		h.error(w, http.StatusNotFound, "not_found", vault.ErrNotFound.Error())
	case errors.Is(err, vault.ErrUnauthorized):
		h.error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, vault.ErrIntegrity):
		h.error(w, http.StatusInternalServerError, "integrity", vault.ErrIntegrity.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		h.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
