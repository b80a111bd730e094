package checkout

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/lineitem"
	"github.com/noah-isme/printease/internal/obs"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/pagecount"
	"github.com/noah-isme/printease/internal/payment"
	"github.com/noah-isme/printease/internal/pricing"
	"github.com/noah-isme/printease/internal/security"
	"github.com/noah-isme/printease/internal/session"
	"github.com/noah-isme/printease/internal/submission"
)

const multipartMemory = 8 << 20

// Orders is the read and admin side of the order service.
type Orders interface {
	GetOrder(ctx context.Context, id session.Identity, token string) (orderclient.Order, error)
	ListOrders(ctx context.Context, id session.Identity, owner string) ([]orderclient.Summary, error)
	UpdateStatus(ctx context.Context, id session.Identity, orderID, status string) (orderclient.Order, error)
	DeleteOrder(ctx context.Context, id session.Identity, orderID string) error
}

// Handler serves submission sessions and the order passthroughs.
type Handler struct {
	Registry  *Registry
	Orders    Orders
	Gate      session.Gate
	Idem      common.Idem
	MaxUpload int64
	Logger    zerolog.Logger
	// TrackLimit throttles the public tracking lookup when set.
	TrackLimit func(http.Handler) http.Handler
}

// Mount registers the checkout routes on r.
func (h *Handler) Mount(r chi.Router) {
	if h.TrackLimit != nil {
		r.With(h.TrackLimit).Get("/track/{token}", h.Track)
	} else {
		r.Get("/track/{token}", h.Track)
	}

	r.Group(func(up chi.Router) {
		up.Use(h.Gate.Require(session.CapUpload))
		up.Post("/sessions", h.CreateSession)
		up.Route("/sessions/{id}", func(s chi.Router) {
			s.Get("/", h.GetSession)
			s.With(security.BodyLimit{Max: h.MaxUpload}.Middleware).Post("/files", h.AddFiles)
			s.Delete("/files/{slot}", h.RemoveFile)
			s.Patch("/items/{slot}", h.PatchItem)
			s.Get("/quote", h.Quote)
			s.With(h.Idem.Middleware).Post("/checkout", h.Checkout)
		})
	})

	r.With(h.Gate.Require(session.CapDashboard)).Get("/orders", h.ListOrders)

	r.Route("/admin/orders/{orderId}", func(a chi.Router) {
		a.Use(h.Gate.Require(session.CapAdmin))
		a.Put("/status", h.UpdateStatus)
		a.Delete("/", h.DeleteOrder)
	})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if h.Registry == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout not configured", nil)
		return
	}
	s := h.Registry.Create(session.FromContext(r.Context()))
	common.Data(w, http.StatusCreated, s.View())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	common.Data(w, http.StatusOK, s.View())
}

func (h *Handler) AddFiles(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if security.TooLarge(err) {
			security.WriteTooLarge(w)
			return
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "expected multipart form with files", nil)
		return
	}
	headers := r.MultipartForm.File["files"]
	docs := make([]pagecount.Document, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "unreadable file", map[string]string{"file": fh.Filename})
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "unreadable file", map[string]string{"file": fh.Filename})
			return
		}
		docs = append(docs, pagecount.Document{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}
	items, err := s.AddFiles(r.Context(), docs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, map[string]any{"added": items, "session": s.View()})
}

func (h *Handler) RemoveFile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := s.RemoveFile(slot); err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, s.View())
}

type patchItemRequest struct {
	PageCount *int    `json:"pageCount,omitempty" validate:"omitempty,min=1,max=100000"`
	Copies    *int    `json:"copies,omitempty" validate:"omitempty,min=1,max=1000"`
	ColorMode *string `json:"colorMode,omitempty" validate:"omitempty,oneof=color bw"`
	Duplex    *bool   `json:"duplex,omitempty"`
}

func (h *Handler) PatchItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	var payload patchItemRequest
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	patch := lineitem.Patch{PageCount: payload.PageCount, Copies: payload.Copies, Duplex: payload.Duplex}
	if payload.ColorMode != nil {
		mode, err := pricing.ParseColorMode(*payload.ColorMode)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, err.Error(), nil)
			return
		}
		patch.ColorMode = &mode
	}
	item, err := s.UpdateItem(slot, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	quote, _ := s.Quote()
	common.Data(w, http.StatusOK, map[string]any{"item": item, "quote": quote})
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	quote, err := s.Quote()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, quote)
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	attempt, err := s.Checkout(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusAccepted, map[string]any{"payment": attempt, "session": s.View()})
}

func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := session.FromContext(r.Context())
	orders, err := h.Orders.ListOrders(r.Context(), id, id.Owner())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []orderclient.Summary{}
	}
	common.Data(w, http.StatusOK, orders)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=Pending Printed Completed"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var payload statusRequest
	if err := common.DecodeJSON(r, &payload); err != nil {
		common.WriteError(w, err)
		return
	}
	order, err := h.Orders.UpdateStatus(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "orderId"), payload.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, order)
}

func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.DeleteOrder(r.Context(), session.FromContext(r.Context()), chi.URLParam(r, "orderId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := h.Registry.Get(chi.URLParam(r, "id"), session.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return s, true
}

func slotParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || slot < 1 {
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "slot must be a positive integer", nil)
		return 0, false
	}
	return slot, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *lineitem.ValidationError
		pnr  *submission.PaidNotRecordedError
		svc  *orderclient.ServiceError
	)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "session not found", nil)
	case errors.Is(err, ErrNotOwner):
		common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "session belongs to another user", nil)
	case errors.As(err, &verr):
		details := map[string]any{"field": verr.Field}
		if verr.Slot >= 0 {
			details["slot"] = verr.Slot
		}
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, verr.Error(), details)
	case errors.Is(err, ErrNoItems), errors.Is(err, pricing.ErrInvalidItem):
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, err.Error(), nil)
	case errors.Is(err, lineitem.ErrUnknownSlot):
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "unknown slot", nil)
	case errors.As(err, &pnr):
		common.JSONError(w, http.StatusConflict, common.CodePaidNotRecorded, pnr.Error(), map[string]any{"proofId": pnr.ProofID, "amount": pnr.Amount})
	case errors.Is(err, ErrReconcile):
		common.JSONError(w, http.StatusConflict, common.CodePaidNotRecorded, err.Error(), nil)
	case errors.Is(err, ErrPaymentPending), errors.Is(err, payment.ErrSessionOpen),
		errors.Is(err, lineitem.ErrFrozen), errors.Is(err, lineitem.ErrCounting):
		common.JSONError(w, http.StatusConflict, common.CodeConflict, err.Error(), nil)
	case errors.Is(err, payment.ErrTransport):
		common.JSONError(w, http.StatusBadGateway, common.CodePaymentTransportError, err.Error(), nil)
	case errors.Is(err, payment.ErrDeclined):
		common.JSONError(w, http.StatusPaymentRequired, common.CodePaymentDeclined, err.Error(), nil)
	case errors.Is(err, orderclient.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "order not found", nil)
	case errors.As(err, &svc):
		if svc.Status >= 400 && svc.Status < 500 {
			code := svc.Code
			if code == "" {
				code = common.CodeServiceError
			}
			common.JSONError(w, svc.Status, code, svc.Message, nil)
			return
		}
		obs.LoggerFrom(r.Context(), h.Logger).Warn().Err(err).Msg("order service call failed")
		common.JSONError(w, http.StatusBadGateway, common.CodeServiceError, "order service unavailable", nil)
	case common.IsAppError(err):
		common.WriteError(w, err)
	default:
		obs.LoggerFrom(r.Context(), h.Logger).Error().Err(err).Msg("checkout request failed")
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "internal error", nil)
	}
}
