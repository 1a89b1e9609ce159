package editlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/floraexport/cartera/internal/platform/httpx"
)

// TokenHeader carries the lease token on release.
const TokenHeader = "X-Lock-Token"

type leaseManager interface {
	Acquire(ctx context.Context, entity string, id int64, owner string) (Lease, error)
	Refresh(ctx context.Context, entity string, id int64, token string) (Lease, error)
	Release(ctx context.Context, entity string, id int64, token string) error
	Holder(ctx context.Context, entity string, id int64) (Holder, bool, error)
}

// Handler exposes the lease operations over HTTP.
type Handler struct {
	locks     leaseManager
	logger    *slog.Logger
	validator *validator.Validate
}

// NewHandler constructs the lock handler.
func NewHandler(locks leaseManager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{locks: locks, logger: logger, validator: validator.New()}
}

// MountRoutes registers lock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{entity}/{id}", h.holder)
	r.Post("/{entity}/{id}", h.acquire)
	r.Put("/{entity}/{id}", h.refresh)
	r.Delete("/{entity}/{id}", h.release)
}

type acquireRequest struct {
	Owner string `json:"owner" validate:"required,max=120"`
}

type refreshRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req acquireRequest
	if !h.decode(w, r, &req) {
		return
	}
	lease, err := h.locks.Acquire(r.Context(), entity, id, req.Owner)
	if err != nil {
		h.fail(w, "acquire lock", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lease)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	lease, err := h.locks.Refresh(r.Context(), entity, id, req.Token)
	if err != nil {
		h.fail(w, "refresh lock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lease)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.target(w, r)
	if !ok {
		return
	}
	token := strings.TrimSpace(r.Header.Get(TokenHeader))
	if token == "" {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New(TokenHeader+" header required")))
		return
	}
	if err := h.locks.Release(r.Context(), entity, id, token); err != nil {
		h.fail(w, "release lock", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) holder(w http.ResponseWriter, r *http.Request) {
	entity, id, ok := h.target(w, r)
	if !ok {
		return
	}
	holder, found, err := h.locks.Holder(r.Context(), entity, id)
	if err != nil {
		h.fail(w, "lock holder", err)
		return
	}
	if !found {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, fmt.Errorf("%s %d is not locked", entity, id)))
		return
	}
	httpx.JSON(w, http.StatusOK, holder)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	entity := chi.URLParam(r, "entity")
	if err := h.validator.Var(entity, "required,alpha,max=32"); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New("entity must be a short alphabetic name")))
		return "", 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New("id must be a positive integer")))
		return "", 0, false
	}
	return entity, id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, errors.New("malformed JSON body")))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	case errors.Is(err, ErrHeld), errors.Is(err, ErrNotHeld):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
