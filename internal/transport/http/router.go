// Package http exposes the backend over JSON endpoints plus a websocket
// status stream. Handlers translate service errors to statuses; definitive
// outcomes (missing key, missing envelope) map to 404 so clients never
// confuse them with retryable transport failures.
package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/micksolo/VanishVoice-sub006/envelope"
	"github.com/micksolo/VanishVoice-sub006/internal/authz"
	"github.com/micksolo/VanishVoice-sub006/internal/observability/middleware"
	"github.com/micksolo/VanishVoice-sub006/internal/realtime"
	"github.com/micksolo/VanishVoice-sub006/internal/service"
)

type Handler struct {
	svc    *service.Service
	notify realtime.Notifier
	issuer *authz.TokenIssuer
	batch  int
}

func NewRouter(svc *service.Service, notify realtime.Notifier, issuer *authz.TokenIssuer, batch int) http.Handler {
	if batch <= 0 {
		batch = 50
	}
	h := &Handler{svc: svc, notify: notify, issuer: issuer, batch: batch}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.WithRequestAndTrace)
	r.Use(middleware.WithMetrics)
	r.Use(httprate.LimitByIP(300, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/v1/directory", h.handlePublishKey)

	r.Group(func(pr chi.Router) {
		pr.Use(issuer.Middleware)

		pr.Get("/v1/directory/{userID}", h.handleGetKey)
		pr.Post("/v1/envelopes", h.handleInsert)
		pr.Get("/v1/envelopes/pending", h.handlePending)
		pr.Post("/v1/envelopes/{id}/delivered", h.statusHandler(h.svc.MarkDelivered))
		pr.Post("/v1/envelopes/{id}/consumed", h.statusHandler(h.svc.MarkConsumed))
		pr.Post("/v1/envelopes/{id}/disappeared", h.statusHandler(h.svc.MarkDisappeared))
		pr.Get("/v1/disappearances", h.handleDisappearances)
		pr.Post("/v1/conversations/clear", h.handleClear)
		pr.Post("/v1/blobs", h.handlePutBlob)
		pr.Get("/v1/blobs/{path}", h.handleGetBlob)
		pr.Get("/v1/ws", h.handleWS)
	})

	return r
}

type publishKeyRequest struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

type publishKeyResponse struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

func (h *Handler) handlePublishKey(w http.ResponseWriter, r *http.Request) {
	var req publishKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "invalid userId", http.StatusBadRequest)
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		http.Error(w, "invalid publicKey", http.StatusBadRequest)
		return
	}
	if err := h.svc.PublishKey(r.Context(), userID, publicKey); err != nil {
		h.writeError(w, r, err)
		return
	}
	token, err := h.issuer.Mint(userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishKeyResponse{UserID: userID.String(), Token: token})
}

type getKeyResponse struct {
	UserID    string `json:"userId"`
	PublicKey string `json:"publicKey"`
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid userId", http.StatusBadRequest)
		return
	}
	key, err := h.svc.GetKey(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, getKeyResponse{
		UserID:    userID.String(),
		PublicKey: base64.StdEncoding.EncodeToString(key),
	})
}

func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserFrom(r.Context())
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	// The sender identity comes from the token, never the payload.
	env.SenderID = userID
	row, err := h.svc.Insert(r.Context(), env)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, row.ToEnvelope())
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserFrom(r.Context())
	limit := h.batch
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	envs, err := h.svc.Pending(r.Context(), userID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": envs})
}

func (h *Handler) statusHandler(apply func(ctx context.Context, id, userID uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := authz.UserFrom(r.Context())
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid envelope id", http.StatusBadRequest)
			return
		}
		if err := apply(r.Context(), id, userID); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleDisappearances(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserFrom(r.Context())
	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	events, err := h.svc.DisappearedSince(r.Context(), userID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type clearRequest struct {
	PeerID string `json:"peerId"`
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	userID, _ := authz.UserFrom(r.Context())
	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	peerID, err := uuid.Parse(req.PeerID)
	if err != nil {
		http.Error(w, "invalid peerId", http.StatusBadRequest)
		return
	}
	if err := h.svc.Clear(r.Context(), userID, peerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putBlobRequest struct {
	Data       string              `json:"data"`
	ExpiryRule envelope.ExpiryRule `json:"expiryRule"`
	CreatedAt  time.Time           `json:"createdAt"`
}

type putBlobResponse struct {
	Path string `json:"path"`
}

func (h *Handler) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	var req putBlobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		http.Error(w, "invalid data", http.StatusBadRequest)
		return
	}
	path, err := h.svc.PutBlob(r.Context(), data, req.ExpiryRule, req.CreatedAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, putBlobResponse{Path: path})
}

func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	data, err := h.svc.GetBlob(r.Context(), "blobs/"+path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrKeyNotFound), errors.Is(err, service.ErrEnvelopeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotParticipant):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err,
			"request_id", middleware.RequestIDFromContext(r.Context()),
			"path", r.URL.Path)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
