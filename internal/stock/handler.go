package stock

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
)

// Handler manages warehouse endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/locations", h.createLocation)
	r.Post("/picking-types", h.createPickingType)
	r.Post("/lots", h.createLot)
	r.Get("/pickings/{id}", h.getPicking)
	r.Post("/pickings/{id}/confirm", h.confirmPicking)
	r.Post("/pickings/{id}/assign", h.assignPicking)
	r.Put("/pickings/{id}/moves/{moveID}/done", h.setMoveDone)
	r.Post("/pickings/{id}/validate", h.validatePicking)
}

type createLocationRequest struct {
	CompanyID int64  `json:"company_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Usage     string `json:"usage" validate:"omitempty,oneof=internal supplier"`
}

func (h *Handler) createLocation(w http.ResponseWriter, r *http.Request) {
	var req createLocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	location, err := h.service.CreateLocation(r.Context(), Location{
		CompanyID: req.CompanyID,
		Name:      req.Name,
		Usage:     LocationUsage(req.Usage),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, location)
}

type createPickingTypeRequest struct {
	CompanyID             int64  `json:"company_id" validate:"required"`
	Name                  string `json:"name" validate:"required"`
	Code                  string `json:"code" validate:"required,oneof=incoming internal"`
	DefaultSrcLocationID  int64  `json:"default_src_location_id"`
	DefaultDestLocationID int64  `json:"default_dest_location_id" validate:"required"`
	SequencePrefix        string `json:"sequence_prefix" validate:"required"`
}

func (h *Handler) createPickingType(w http.ResponseWriter, r *http.Request) {
	var req createPickingTypeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	pickingType, err := h.service.CreatePickingType(r.Context(), PickingType{
		CompanyID:             req.CompanyID,
		Name:                  req.Name,
		Code:                  PickingCode(req.Code),
		DefaultSrcLocationID:  req.DefaultSrcLocationID,
		DefaultDestLocationID: req.DefaultDestLocationID,
		SequencePrefix:        req.SequencePrefix,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, pickingType)
}

type createLotRequest struct {
	ProductID int64  `json:"product_id" validate:"required"`
	Name      string `json:"name" validate:"required"`
}

func (h *Handler) createLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lot, err := h.service.CreateLot(r.Context(), Lot{ProductID: req.ProductID, Name: req.Name})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

type pickingResponse struct {
	Picking Picking `json:"picking"`
	Moves   []Move  `json:"moves"`
}

func (h *Handler) getPicking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	picking, moves, err := h.service.GetPicking(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pickingResponse{Picking: picking, Moves: moves})
}

func (h *Handler) confirmPicking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Confirm(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignPicking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Assign(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveDoneRequest struct {
	Qty float64 `json:"qty" validate:"gte=0"`
}

func (h *Handler) setMoveDone(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	moveID, ok := h.pathID(w, r, "moveID")
	if !ok {
		return
	}
	var req moveDoneRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.SetMoveDone(r.Context(), id, moveID, req.Qty); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateResponse struct {
	BackorderID *int64 `json:"backorder_id"`
}

func (h *Handler) validatePicking(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	backorderID, err := h.service.Validate(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, validateResponse{BackorderID: backorderID})
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyReceipt):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("stock request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
