package purchasing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
)

// Handler manages purchasing endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers purchasing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/pos", h.createPO)
	r.Get("/pos/{id}", h.getPO)
	r.Post("/pos/{id}/confirm", h.confirmPO)
	r.Post("/pos/{id}/cancel", h.cancelPO)
}

type poLineRequest struct {
	ProductID  int64   `json:"product_id" validate:"required"`
	UoM        string  `json:"uom"`
	OrderedQty float64 `json:"ordered_qty" validate:"gt=0"`
	Price      float64 `json:"price" validate:"gte=0"`
}

type createPORequest struct {
	SupplierID int64           `json:"supplier_id" validate:"required"`
	CompanyID  int64           `json:"company_id" validate:"required"`
	Currency   string          `json:"currency" validate:"omitempty,len=3"`
	Incoterm   string          `json:"incoterm"`
	Lines      []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	var req createPORequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lines := make([]POLineInput, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, POLineInput{
			ProductID:  line.ProductID,
			UoM:        line.UoM,
			OrderedQty: line.OrderedQty,
			Price:      line.Price,
		})
	}
	po, err := h.service.CreatePO(r.Context(), CreatePOInput{
		SupplierID: req.SupplierID,
		CompanyID:  req.CompanyID,
		Currency:   req.Currency,
		Incoterm:   req.Incoterm,
		Lines:      lines,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, po)
}

type poResponse struct {
	PO    PurchaseOrder `json:"po"`
	Lines []POLine      `json:"lines"`
}

func (h *Handler) getPO(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	po, lines, err := h.service.GetPO(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, poResponse{PO: po, Lines: lines})
}

func (h *Handler) confirmPO(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	picking, err := h.service.ConfirmPO(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipt_id": picking.ID, "receipt_number": picking.Number})
}

func (h *Handler) cancelPO(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return
	}
	if err := h.service.CancelPO(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("purchasing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
