package contracts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
)

// Handler manages contract endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers contract routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/contracts", h.createContract)
	r.Get("/contracts/{id}", h.getContract)
	r.Get("/contracts/{id}/progress", h.progress)
	r.Get("/contracts/{id}/approvals", h.approvalHistory)
	r.Post("/contracts/{id}/pos/{poID}", h.attachPO)
	r.Delete("/contracts/{id}/pos/{poID}", h.detachPO)
	r.Post("/contracts/{id}/rebuild-lines", h.rebuildLines)
	r.Put("/contracts/{id}/lines/{lineID}/allocation", h.updateAllocation)
	r.Post("/contracts/{id}/submit", h.submit)
	r.Post("/contracts/{id}/approve", h.approve)
	r.Post("/contracts/{id}/request-revision", h.requestRevision)
	r.Post("/contracts/{id}/allow-revision", h.allowRevision)
	r.Post("/contracts/{id}/cancel", h.cancel)
	r.Post("/contracts/{id}/process-receipts", h.processReceipts)
}

type createContractRequest struct {
	Name            string     `json:"name"`
	SupplierID      int64      `json:"supplier_id" validate:"required"`
	CompanyID       int64      `json:"company_id" validate:"required"`
	Currency        string     `json:"currency" validate:"omitempty,len=3"`
	Incoterm        string     `json:"incoterm"`
	ContractType    string     `json:"contract_type"`
	SignDate        *time.Time `json:"sign_date"`
	ShipmentDate    *time.Time `json:"shipment_date"`
	PortLoading     string     `json:"port_loading"`
	PortDischarge   string     `json:"port_discharge"`
	PartialShipment bool       `json:"partial_shipment"`
	Packing         string     `json:"packing"`
	QualityNotes    string     `json:"quality_notes"`
}

func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	contract, err := h.service.CreateContract(r.Context(), CreateContractInput{
		Name:            req.Name,
		SupplierID:      req.SupplierID,
		CompanyID:       req.CompanyID,
		Currency:        req.Currency,
		Incoterm:        req.Incoterm,
		ContractType:    req.ContractType,
		SignDate:        req.SignDate,
		ShipmentDate:    req.ShipmentDate,
		PortLoading:     req.PortLoading,
		PortDischarge:   req.PortDischarge,
		PartialShipment: req.PartialShipment,
		Packing:         req.Packing,
		QualityNotes:    req.QualityNotes,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, contract)
}

type contractResponse struct {
	Contract Contract       `json:"contract"`
	Lines    []ContractLine `json:"lines"`
	POIDs    []int64        `json:"po_ids"`
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	contract, lines, poIDs, err := h.service.GetContract(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, contractResponse{Contract: contract, Lines: lines, POIDs: poIDs})
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.service.Progress(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) approvalHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	history, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

func (h *Handler) attachPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	poID, ok := h.pathID(w, r, "poID")
	if !ok {
		return
	}
	if err := h.service.AttachPO(r.Context(), id, poID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) detachPO(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	poID, ok := h.pathID(w, r, "poID")
	if !ok {
		return
	}
	if err := h.service.DetachPO(r.Context(), id, poID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rebuildLines(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lines, err := h.service.RebuildLines(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

type allocationRequest struct {
	Qty float64 `json:"qty" validate:"gte=0"`
}

func (h *Handler) updateAllocation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req allocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.UpdateLineAllocation(r.Context(), id, lineID, req.Qty); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Submit)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

type revisionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) requestRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req revisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.service.RequestRevision(r.Context(), id, req.Note); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allowRevision(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.AllowRevision)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Cancel)
}

func (h *Handler) processReceipts(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ProcessContractReceipts)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPOLineClaimed), errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("contracts request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
