// Package carterahttp exposes the cartera ledger as a JSON API.
package carterahttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/floraexport/cartera/internal/cartera"
	"github.com/floraexport/cartera/internal/platform/httpx"
	"github.com/floraexport/cartera/internal/shared"
	"github.com/floraexport/cartera/jobs"
)

const idempotencyModule = "cartera"

type ledgerService interface {
	LedgerSummary(ctx context.Context, side cartera.Side, partyID int64, r cartera.DateRange) ([]cartera.SummaryRow, error)
	Timeline(ctx context.Context, side cartera.Side, partyID int64, r cartera.DateRange) (cartera.Timeline, error)
	Ageing(ctx context.Context, side cartera.Side, partyID int64, cutoff time.Time) (cartera.Ageing, error)
	OpenCharges(ctx context.Context, side cartera.Side, partyID int64, cutoff time.Time) ([]cartera.OpenCharge, cartera.Ageing, error)
	Statement(ctx context.Context, side cartera.Side, partyID int64, r cartera.DateRange, opts cartera.StatementOptions) (cartera.Statement, error)
	RecordSettlement(ctx context.Context, in cartera.RecordSettlementInput) (int64, error)
	EditSettlement(ctx context.Context, in cartera.EditSettlementInput) error
	DeleteSettlement(ctx context.Context, settlementID int64) error
	ApplyPrepayment(ctx context.Context, in cartera.ApplyPrepaymentInput) (cartera.ApplicationResult, error)
	ReconcilePrepayments(ctx context.Context, in cartera.ReconcileInput) (cartera.ApplicationResult, error)
}

type idempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

type statementQueue interface {
	EnqueueStatement(ctx context.Context, payload jobs.StatementPayload) (*asynq.TaskInfo, error)
}

// Handler wires HTTP endpoints for ledger reads and settlement mutations.
type Handler struct {
	logger      *slog.Logger
	service     ledgerService
	idempotency idempotencyGuard
	queue       statementQueue
	validator   *validator.Validate
}

// Option customises the handler.
type Option func(*Handler)

// WithIdempotency de-duplicates mutations carrying an Idempotency-Key header.
func WithIdempotency(store idempotencyGuard) Option {
	return func(h *Handler) { h.idempotency = store }
}

// WithStatementQueue enables the statement delivery endpoint.
func WithStatementQueue(queue statementQueue) Option {
	return func(h *Handler) { h.queue = queue }
}

// NewHandler constructs a cartera HTTP handler.
func NewHandler(logger *slog.Logger, service ledgerService, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{logger: logger, service: service, validator: validator.New()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MountRoutes registers HTTP routes under the caller's prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(shared.IdempotencyKeyMiddleware)
	r.Route("/{side}/{partyID}", func(r chi.Router) {
		r.Get("/summary", h.summary)
		r.Get("/timeline", h.timeline)
		r.Get("/ageing", h.ageing)
		r.Get("/open-charges", h.openCharges)
		r.Get("/statement", h.statement)
		r.Post("/statement/deliver", h.deliverStatement)
		r.Post("/settlements", h.recordSettlement)
	})
	r.Patch("/settlements/{id}", h.editSettlement)
	r.Delete("/settlements/{id}", h.deleteSettlement)
	r.Post("/prepayments/{id}/apply", h.applyPrepayment)
	r.Post("/prepayments/reconcile", h.reconcile)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	side, partyID, rng, err := ledgerScope(r)
	if err != nil {
		h.fail(w, "ledger summary", err)
		return
	}
	rows, err := h.service.LedgerSummary(r.Context(), side, partyID, rng)
	if err != nil {
		h.fail(w, "ledger summary", err)
		return
	}
	if rows == nil {
		rows = []cartera.SummaryRow{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	side, partyID, rng, err := ledgerScope(r)
	if err != nil {
		h.fail(w, "timeline", err)
		return
	}
	tl, err := h.service.Timeline(r.Context(), side, partyID, rng)
	if err != nil {
		h.fail(w, "timeline", err)
		return
	}
	if tl.Rows == nil {
		tl.Rows = []cartera.TimelineRow{}
	}
	httpx.JSON(w, http.StatusOK, tl)
}

func (h *Handler) ageing(w http.ResponseWriter, r *http.Request) {
	side, partyID, err := partyScope(r)
	if err != nil {
		h.fail(w, "ageing", err)
		return
	}
	cutoff, err := parseDate(r.URL.Query().Get("cutoff"))
	if err != nil {
		h.fail(w, "ageing", err)
		return
	}
	ageing, err := h.service.Ageing(r.Context(), side, partyID, cutoff)
	if err != nil {
		h.fail(w, "ageing", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ageingResponse{Cutoff: r.URL.Query().Get("cutoff"), Ageing: ageing, Total: ageing.Total()})
}

func (h *Handler) openCharges(w http.ResponseWriter, r *http.Request) {
	side, partyID, err := partyScope(r)
	if err != nil {
		h.fail(w, "open charges", err)
		return
	}
	cutoff, err := parseDate(r.URL.Query().Get("cutoff"))
	if err != nil {
		h.fail(w, "open charges", err)
		return
	}
	charges, ageing, err := h.service.OpenCharges(r.Context(), side, partyID, cutoff)
	if err != nil {
		h.fail(w, "open charges", err)
		return
	}
	if charges == nil {
		charges = []cartera.OpenCharge{}
	}
	httpx.JSON(w, http.StatusOK, openChargesResponse{Cutoff: r.URL.Query().Get("cutoff"), Charges: charges, Ageing: ageing})
}

func (h *Handler) statement(w http.ResponseWriter, r *http.Request) {
	side, partyID, rng, err := ledgerScope(r)
	if err != nil {
		h.fail(w, "statement", err)
		return
	}
	pendingOnly, _ := strconv.ParseBool(r.URL.Query().Get("pending_only"))
	st, err := h.service.Statement(r.Context(), side, partyID, rng, cartera.StatementOptions{PendingOnly: pendingOnly})
	if err != nil {
		h.fail(w, "statement", err)
		return
	}
	if st.Rows == nil {
		st.Rows = []cartera.TimelineRow{}
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) deliverStatement(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnavailable, errors.New("statement delivery is not configured")))
		return
	}
	side, partyID, err := partyScope(r)
	if err != nil {
		h.fail(w, "deliver statement", err)
		return
	}
	var req deliverStatementRequest
	if !h.decode(w, r, &req) {
		return
	}
	info, err := h.queue.EnqueueStatement(r.Context(), jobs.StatementPayload{
		Side:        string(side),
		PartyID:     partyID,
		From:        req.From,
		To:          req.To,
		PendingOnly: req.PendingOnly,
		Recipient:   req.Recipient,
	})
	if err != nil {
		h.fail(w, "deliver statement", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueuedResponse{JobID: info.ID, Queue: info.Queue})
}

func (h *Handler) recordSettlement(w http.ResponseWriter, r *http.Request) {
	side, partyID, err := partyScope(r)
	if err != nil {
		h.fail(w, "record settlement", err)
		return
	}
	var req recordSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.fail(w, "record settlement", err)
		return
	}
	in := cartera.RecordSettlementInput{
		Side:        side,
		PartyID:     partyID,
		Kind:        cartera.SettlementKind(req.Kind),
		Date:        date,
		Amount:      req.Amount.Decimal,
		Note:        strings.TrimSpace(req.Note),
		Bank:        req.Bank.toBankInfo(),
		Allocations: toAllocations(req.Allocations),
	}
	var id int64
	err = h.withIdempotency(r.Context(), func() error {
		var err error
		id, err = h.service.RecordSettlement(r.Context(), in)
		return err
	})
	if err != nil {
		h.fail(w, "record settlement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, settlementCreatedResponse{ID: id})
}

func (h *Handler) editSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "edit settlement", err)
		return
	}
	var req editSettlementRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := cartera.EditSettlementInput{SettlementID: id, Note: req.Note}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			h.fail(w, "edit settlement", err)
			return
		}
		in.Date = &date
	}
	if req.Amount != nil {
		amount := req.Amount.Decimal
		in.Amount = &amount
	}
	if req.Bank != nil {
		bank := req.Bank.toBankInfo()
		in.Bank = &bank
	}
	err = h.withIdempotency(r.Context(), func() error {
		return h.service.EditSettlement(r.Context(), in)
	})
	if err != nil {
		h.fail(w, "edit settlement", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "delete settlement", err)
		return
	}
	err = h.withIdempotency(r.Context(), func() error {
		return h.service.DeleteSettlement(r.Context(), id)
	})
	if err != nil {
		h.fail(w, "delete settlement", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) applyPrepayment(w http.ResponseWriter, r *http.Request) {
	fundID, err := pathID(r, "id")
	if err != nil {
		h.fail(w, "apply prepayment", err)
		return
	}
	var req applyPrepaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.fail(w, "apply prepayment", err)
		return
	}
	in := cartera.ApplyPrepaymentInput{
		FundID:  fundID,
		Date:    date,
		Note:    strings.TrimSpace(req.Note),
		Targets: toAllocations(req.Targets),
	}
	var res cartera.ApplicationResult
	err = h.withIdempotency(r.Context(), func() error {
		var err error
		res, err = h.service.ApplyPrepayment(r.Context(), in)
		return err
	})
	if err != nil {
		h.fail(w, "apply prepayment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		h.fail(w, "reconcile prepayments", err)
		return
	}
	in := cartera.ReconcileInput{Date: date, Targets: toAllocations(req.Targets)}
	for _, f := range req.Funds {
		fund := cartera.ReconcileFund{FundID: f.FundID}
		if f.Cap != nil {
			limit := f.Cap.Decimal
			fund.Cap = &limit
		}
		in.Funds = append(in.Funds, fund)
	}
	var res cartera.ApplicationResult
	err = h.withIdempotency(r.Context(), func() error {
		var err error
		res, err = h.service.ReconcilePrepayments(r.Context(), in)
		return err
	})
	if err != nil {
		h.fail(w, "reconcile prepayments", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

// withIdempotency claims the request key before fn runs and frees it again
// when fn fails so the client can retry.
func (h *Handler) withIdempotency(ctx context.Context, fn func() error) error {
	key := shared.IdempotencyKeyFromContext(ctx)
	if key == "" || h.idempotency == nil {
		return fn()
	}
	if err := h.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if derr := h.idempotency.Delete(context.WithoutCancel(ctx), key, idempotencyModule); derr != nil {
			h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
		}
		return err
	}
	return nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		h.fail(w, "decode request", fmt.Errorf("%w: %s", cartera.ErrValidation, decodeMessage(err)))
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			err = fmt.Errorf("%w: field %s failed %q", cartera.ErrValidation, fe.Namespace(), fe.Tag())
		} else {
			err = fmt.Errorf("%w: %v", cartera.ErrValidation, err)
		}
		h.fail(w, "validate request", err)
		return false
	}
	return true
}

// decodeMessage keeps amount parsing errors readable and hides decoder internals.
func decodeMessage(err error) string {
	if errors.Is(err, cartera.ErrValidation) {
		return strings.TrimPrefix(err.Error(), cartera.ErrValidation.Error()+": ")
	}
	return "malformed JSON body"
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, cartera.ErrValidation):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	case errors.Is(err, cartera.ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err))
	case errors.Is(err, cartera.ErrInsufficientFunds):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUnprocessable, err))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	case errors.Is(err, cartera.ErrConsistency):
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Consistency Violation", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func partyScope(r *http.Request) (cartera.Side, int64, error) {
	side := cartera.Side(chi.URLParam(r, "side"))
	if !side.Valid() {
		return "", 0, fmt.Errorf("%w: side must be client or supplier", cartera.ErrValidation)
	}
	partyID, err := pathID(r, "partyID")
	if err != nil {
		return "", 0, err
	}
	return side, partyID, nil
}

func ledgerScope(r *http.Request) (cartera.Side, int64, cartera.DateRange, error) {
	side, partyID, err := partyScope(r)
	if err != nil {
		return "", 0, cartera.DateRange{}, err
	}
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		return "", 0, cartera.DateRange{}, err
	}
	to, err := parseDate(r.URL.Query().Get("to"))
	if err != nil {
		return "", 0, cartera.DateRange{}, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return "", 0, cartera.DateRange{}, fmt.Errorf("%w: to is before from", cartera.ErrValidation)
	}
	return side, partyID, cartera.DateRange{From: from, To: to}, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", cartera.ErrValidation, name)
	}
	return id, nil
}
