package http

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/smartcity/intersection/internal/domain"
	"github.com/smartcity/intersection/internal/repository/bundle"
	"github.com/smartcity/intersection/internal/service"
)

// Handler contains all HTTP handlers
type Handler struct {
	ctrl       *service.ModeController
	source     domain.HistoricalSource
	quarantine domain.Quarantine
}

// NewHandler creates a new handler. quarantine may be nil.
func NewHandler(ctrl *service.ModeController, source domain.HistoricalSource, quarantine domain.Quarantine) *Handler {
	return &Handler{
		ctrl:       ctrl,
		source:     source,
		quarantine: quarantine,
	}
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(c *fiber.Ctx) error {
	status := "ok"
	if err := h.source.Health(c.UserContext()); err != nil {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":  status,
		"service": "intersection-fusion",
		"version": "1.0.0",
		"mode":    h.ctrl.Status().Mode,
	})
}

// GetView returns the fused view at the current cursor. With
// ?format=geojson the layers are returned as feature collections. A window
// without SPAT data still renders, with a warning.
func (h *Handler) GetView(c *fiber.Ctx) error {
	view, err := h.ctrl.View()
	switch {
	case errors.Is(err, domain.ErrEmptyResult):
		return fiber.NewError(fiber.StatusNotFound, "No MAP data in range")
	case errors.Is(err, domain.ErrIntersectionMismatch):
		return fiber.NewError(fiber.StatusConflict, "MAP data belongs to a different intersection")
	case err != nil:
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to fuse view")
	}

	resp := fiber.Map{"success": true, "data": view}
	if c.Query("format") == "geojson" {
		resp = fiber.Map{
			"success":  true,
			"mapTime":  view.MapTime,
			"spatTime": view.SpatTime,
			"data":     view.GeoJSON(),
		}
	}
	if err := view.Warning(); err != nil {
		resp["warning"] = err.Error()
	}
	return c.JSON(resp)
}

// GetStatus returns mode and cursor state
func (h *Handler) GetStatus(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    h.ctrl.Status(),
	})
}

// queryRequest selects an intersection and a range, either explicitly or
// as seconds before and after an event time.
type queryRequest struct {
	domain.QueryParams
	SecondsBefore int `json:"secondsBefore"`
	SecondsAfter  int `json:"secondsAfter"`
}

func (r queryRequest) params() domain.QueryParams {
	q := r.QueryParams
	if q.Start == 0 && q.End == 0 && q.EventTime != 0 {
		around := domain.QueryAround(q.IntersectionID, q.RoadRegulatorID, q.EventTime.Time(),
			time.Duration(r.SecondsBefore)*time.Second, time.Duration(r.SecondsAfter)*time.Second)
		around.VehicleID = q.VehicleID
		return around
	}
	return q
}

// SetQuery schedules a historical replay
func (h *Handler) SetQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	err := h.ctrl.SetQuery(req.params())
	switch {
	case errors.Is(err, service.ErrInvalidQuery):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrLiveActive):
		return fiber.NewError(fiber.StatusConflict, "Stop the live session before querying history")
	case err != nil:
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data":    h.ctrl.Status(),
	})
}

// ImportBundle replays an uploaded capture, sent either as a multipart
// "bundle" file or as the raw JSON body. The range spans its SPAT messages.
func (h *Handler) ImportBundle(c *fiber.Ctx) error {
	var r io.Reader = bytes.NewReader(c.Body())
	if fh, err := c.FormFile("bundle"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Failed to read uploaded bundle")
		}
		defer f.Close()
		r = f
	}

	b, err := bundle.Decode(r)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	err = h.ctrl.Import(bundle.NewRepository(b), b.Query())
	switch {
	case errors.Is(err, service.ErrInvalidQuery):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrLiveActive):
		return fiber.NewError(fiber.StatusConflict, "Stop the live session before importing")
	case err != nil:
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"data":    h.ctrl.Status(),
		"counts": fiber.Map{
			"map":           len(b.Maps),
			"spat":          len(b.Spat),
			"bsm":           len(b.Bsm),
			"notifications": len(b.Notifications),
		},
	})
}

type cursorRequest struct {
	CursorMs int64 `json:"cursorMs"`
}

// SetCursor moves the playback cursor; scrubbing stops a live session
func (h *Handler) SetCursor(c *fiber.Ctx) error {
	var req cursorRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.ctrl.SetCursor(time.Duration(req.CursorMs) * time.Millisecond); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to stop live session")
	}
	return h.GetStatus(c)
}

type windowRequest struct {
	WindowMs int64 `json:"windowMs"`
}

// SetWindow changes the visible window width
func (h *Handler) SetWindow(c *fiber.Ctx) error {
	var req windowRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.ctrl.SetWindowWidth(time.Duration(req.WindowMs) * time.Millisecond); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return h.GetStatus(c)
}

type liveRequest struct {
	IntersectionID  int  `json:"intersectionId"`
	RoadRegulatorID *int `json:"roadRegulatorId"`
}

// StartLive switches to live streaming. The body may name the
// intersection; otherwise the last queried one is used.
func (h *Handler) StartLive(c *fiber.Ctx) error {
	var req liveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}
	if req.IntersectionID != 0 {
		rr := -1
		if req.RoadRegulatorID != nil {
			rr = *req.RoadRegulatorID
		}
		h.ctrl.Select(req.IntersectionID, rr)
	}

	err := h.ctrl.StartLive(c.UserContext())
	switch {
	case errors.Is(err, service.ErrNoIntersection):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrSubscribeFailure):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case err != nil:
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return h.GetStatus(c)
}

// StopLive leaves live streaming, freezing the current view
func (h *Handler) StopLive(c *fiber.Ctx) error {
	if err := h.ctrl.StopLive(); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to stop live session")
	}
	return h.GetStatus(c)
}

// GetQuarantine lists rejected live payloads, newest first
func (h *Handler) GetQuarantine(c *fiber.Ctx) error {
	if h.quarantine == nil {
		return c.JSON(fiber.Map{"success": true, "data": []domain.RejectedMessage{}, "count": 0})
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}

	data, err := h.quarantine.List(limit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to list quarantined messages")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    data,
		"count":   len(data),
	})
}

// GetEventTypes lists the conflict monitor event types included in replays
func (h *Handler) GetEventTypes(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    domain.EventTypes,
	})
}

// ErrorHandler renders errors as {error, message}
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
