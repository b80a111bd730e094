package order

import (
	"net/http"
	"strings"

	"github.com/noah-isme/printease/internal/common"
	"github.com/noah-isme/printease/internal/orderclient"
)

// AdminList pages through every order, optionally filtered by ?status=.
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := ParseStatus(raw)
		if !ok {
			common.JSONError(w, http.StatusBadRequest, common.CodeInputValidation, "unsupported status", nil)
			return
		}
		filter.Status = status
	}
	p := common.ParsePage(r, 20, 100)
	filter.Limit, filter.Offset = p.PerPage, p.Offset()

	orders, total, err := h.Service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]orderclient.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, toView(o))
	}
	p.Total = total
	p.WriteHeaders(w, r)
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       out,
		"pagination": p,
	})
}
