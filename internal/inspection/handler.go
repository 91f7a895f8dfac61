package inspection

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/vnoptic/vnoptic-erp/internal/contracts"
	"github.com/vnoptic/vnoptic-erp/internal/masterdata"
	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
)

// Handler manages inspection endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers inspection routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/otk-sessions", h.createSession)
	r.Get("/otk-sessions/{id}", h.getSession)
	r.Get("/contracts/{id}/otk-sessions", h.listSessions)
	r.Put("/otk-sessions/{id}/lines/{lineID}", h.setLineQuantities)
	r.Post("/otk-sessions/{id}/confirm", h.confirm)
	r.Post("/otk-sessions/{id}/cancel", h.cancel)
}

type createSessionRequest struct {
	ContractID       int64 `json:"contract_id" validate:"required"`
	SourceLocationID int64 `json:"source_location_id"`
	OKLocationID     int64 `json:"ok_location_id"`
	NGLocationID     int64 `json:"ng_location_id"`
	PickingTypeID    int64 `json:"picking_type_id"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	session, lines, err := h.service.CreateSession(r.Context(), CreateSessionInput{
		ContractID:       req.ContractID,
		SourceLocationID: req.SourceLocationID,
		OKLocationID:     req.OKLocationID,
		NGLocationID:     req.NGLocationID,
		PickingTypeID:    req.PickingTypeID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"session": session, "lines": lines})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	sessions, err := h.service.ListSessions(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sessions)
}

type lineQuantitiesRequest struct {
	QtyChecked float64 `json:"qty_checked" validate:"gte=0"`
	QtyOK      float64 `json:"qty_ok" validate:"gte=0"`
	Lots       []struct {
		LotID      int64   `json:"lot_id" validate:"required"`
		QtyChecked float64 `json:"qty_checked" validate:"gte=0"`
		QtyOK      float64 `json:"qty_ok" validate:"gte=0"`
	} `json:"lots" validate:"dive"`
}

func (h *Handler) setLineQuantities(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	var req lineQuantitiesRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	lots := make([]LotInput, 0, len(req.Lots))
	for _, lot := range req.Lots {
		lots = append(lots, LotInput{LotID: lot.LotID, QtyChecked: lot.QtyChecked, QtyOK: lot.QtyOK})
	}
	if err := h.service.SetLineQuantities(r.Context(), id, lineID, req.QtyChecked, req.QtyOK, lots); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Confirm(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	session, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), id); err != nil {
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
	case errors.Is(err, ErrNotFound), errors.Is(err, contracts.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, contracts.ErrValidation), errors.Is(err, masterdata.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidState), errors.Is(err, contracts.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("inspection request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
