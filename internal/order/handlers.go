package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/printease/internal/auth"
	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/obs"
	"github.com/noah-isme/printease/internal/orderclient"
	"github.com/noah-isme/printease/internal/security"
	"github.com/noah-isme/printease/internal/session"
)

const (
	defaultMaxUpload = 64 << 20
	multipartMemory  = 16 << 20
)

// Handler serves the order service REST contract.
type Handler struct {
	Service   *Service
	MaxUpload int64
	Logger    zerolog.Logger
	// LookupLimit throttles the public token lookup when set.
	LookupLimit func(http.Handler) http.Handler
}

// Mount registers the order routes on r. Identity must already be on the context.
func (h *Handler) Mount(r chi.Router) {
	signedIn := auth.RequireRole(session.RoleUser, session.RoleAdmin)
	admin := auth.RequireRole(session.RoleAdmin)

	maxUpload := h.MaxUpload
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	r.With(signedIn, security.BodyLimit{Max: maxUpload}.Middleware).Post("/orders", h.Create)
	r.With(signedIn).Get("/orders", h.ListByOwner)
	r.Route("/orders/{ref}", func(o chi.Router) {
		if h.LookupLimit != nil {
			o.With(h.LookupLimit).Get("/", h.Get)
		} else {
			o.Get("/", h.Get)
		}
		o.With(signedIn).Get("/files/{index}", h.File)
		o.With(admin).Put("/status", h.UpdateStatus)
		o.With(admin).Delete("/", h.Delete)
	})
	r.With(admin).Get("/admin/orders", h.AdminList)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "order service not configured", nil)
		return
	}
	in, err := decodeCreate(r)
	if err != nil {
		if security.TooLarge(err) {
			security.WriteTooLarge(w)
			return
		}
		common.WriteError(w, err)
		return
	}
	in.Owner = session.FromContext(r.Context()).Owner()

	o, created, err := h.Service.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	common.JSON(w, status, orderclient.CreateResponse{Success: true, Token: o.Token})
}

func decodeCreate(r *http.Request) (CreateInput, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if security.TooLarge(err) {
			return CreateInput{}, err
		}
		return CreateInput{}, common.Validation("expected a multipart body", err)
	}
	form := r.MultipartForm
	defer func() {
		_ = form.RemoveAll()
	}()

	var wireItems []orderclient.Item
	if raw := strings.TrimSpace(r.FormValue("items")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &wireItems); err != nil {
			return CreateInput{}, common.Validation("items must be a JSON array", err)
		}
	}
	var amount int64
	if raw := strings.TrimSpace(r.FormValue("amount")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return CreateInput{}, common.Validation("amount must be an integer", err)
		}
		amount = v
	}

	headers := form.File["files"]
	files := make([]File, 0, len(headers))
	for i, fh := range headers {
		f, err := readPart(i, fh)
		if err != nil {
			return CreateInput{}, err
		}
		files = append(files, f)
	}
	items := make([]Item, len(wireItems))
	for i, it := range wireItems {
		items[i] = Item{FileName: it.FileName, PageCount: it.PageCount, Copies: it.Copies, ColorMode: it.ColorMode, Duplex: it.Duplex}
	}
	return CreateInput{
		ProofID:  r.FormValue("paymentProofId"),
		Amount:   amount,
		Currency: strings.TrimSpace(r.FormValue("currency")),
		Items:    items,
		Files:    files,
	}, nil
}

func readPart(index int, fh *multipart.FileHeader) (File, error) {
	src, err := fh.Open()
	if err != nil {
		return File{}, common.Validation(fmt.Sprintf("unreadable upload %d", index), err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return File{}, common.Validation(fmt.Sprintf("unreadable upload %d", index), err)
	}
	ct := fh.Header.Get("Content-Type")
	if ct == "" || ct == "application/octet-stream" {
		ct = mimetype.Detect(data).String()
	}
	return File{Index: index, Name: fh.Filename, ContentType: ct, Data: data}, nil
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Service.Resolve(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, toView(o))
}

func (h *Handler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	id := session.FromContext(r.Context())
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = id.Owner()
	}
	if owner != id.Owner() && id.Role != session.RoleAdmin {
		common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "cannot list another owner's orders", nil)
		return
	}
	orders, err := h.Service.ListByOwner(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]orderclient.Summary, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderclient.Summary{
			ID:        o.ID,
			Token:     o.Token,
			FileName:  o.FileName(),
			Status:    string(o.Status),
			CreatedAt: o.CreatedAt,
		})
	}
	common.Data(w, http.StatusOK, out)
}

func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "invalid file index", nil)
		return
	}
	o, err := h.Service.Resolve(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id := session.FromContext(r.Context())
	if id.Role != session.RoleAdmin && o.Owner != id.Owner() {
		common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "not your order", nil)
		return
	}
	f, err := h.Service.File(r.Context(), o.Token, index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(f.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	to, ok := ParseStatus(req.Status)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "unsupported status",
			map[string]string{"status": "must be one of: Pending Printed Completed"})
		return
	}
	o, err := h.Service.UpdateStatus(r.Context(), chi.URLParam(r, "ref"), to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, toView(o))
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), chi.URLParam(r, "ref")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "order not found", nil)
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "order status changed concurrently or is unknown", nil)
	case errors.Is(err, ErrStoreUnavailable):
		common.JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "order store unavailable", nil)
	case common.IsAppError(err):
		common.WriteError(w, err)
	default:
		obs.LoggerFrom(r.Context(), h.Logger).Error().Err(err).Str("path", r.URL.Path).Msg("order request failed")
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "internal error", nil)
	}
}

func toView(o Order) orderclient.Order {
	items := make([]orderclient.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderclient.Item{FileName: it.FileName, PageCount: it.PageCount, Copies: it.Copies, ColorMode: it.ColorMode, Duplex: it.Duplex}
	}
	return orderclient.Order{
		ID:             o.ID,
		Token:          o.Token,
		Status:         string(o.Status),
		Paid:           o.Paid,
		Owner:          o.Owner,
		FileRef:        "/api/v1/orders/" + o.Token + "/files/0",
		FileName:       o.FileName(),
		PaymentProofID: o.PaymentProofID,
		Amount:         o.Amount,
		Currency:       o.Currency,
		Items:          items,
		CreatedAt:      o.CreatedAt,
	}
}
