// api/handlers/track_handlers.go
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"eventsite/api/models"
	"eventsite/api/tracker"
)

// TrackHandlers is the browser-facing ingestion surface. Capture is
// best-effort, so every accepted request answers 202 whether or not the
// write later succeeds. Only malformed input is rejected.
type TrackHandlers struct {
	Tracker  *tracker.Tracker
	Recorder *tracker.Recorder
	logger   *slog.Logger
}

func NewTrackHandlers(t *tracker.Tracker, r *tracker.Recorder, logger *slog.Logger) *TrackHandlers {
	return &TrackHandlers{Tracker: t, Recorder: r, logger: logger.With("component", "track_handlers")}
}

type progressRequest struct {
	PagesViewed  int `json:"pages_viewed"`
	ActionsTaken int `json:"actions_taken"`
}

type pageViewRequest struct {
	SessionID      string `json:"session_id"`
	Path           string `json:"path"`
	Title          string `json:"title"`
	Referrer       string `json:"referrer"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
}

type closePageViewRequest struct {
	TimeOnPage int `json:"time_on_page"`
}

type activityRequest struct {
	SessionID      string         `json:"session_id"`
	ActionType     string         `json:"action_type"`
	ActionCategory string         `json:"action_category"`
	ActionDetails  map[string]any `json:"action_details"`
}

type interactionRequest struct {
	SessionID        string `json:"session_id"`
	ContentType      string `json:"content_type"`
	ContentID        string `json:"content_id"`
	InteractionType  string `json:"interaction_type"`
	InteractionValue string `json:"interaction_value"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
}

// rejected returns the validation error of a call that was refused before
// any write was attempted. Those futures are already complete on return.
func rejected(f *tracker.Future) error {
	select {
	case <-f.Done():
		if err := f.Wait(context.Background()); errors.Is(err, tracker.ErrInvalidEvent) {
			return err
		}
	default:
	}
	return nil
}

// StartSession accepts the client's device info. The body is optional.
func (h *TrackHandlers) StartSession(c *gin.Context) {
	var device models.DeviceInfo
	// An empty body (io.EOF) is fine: device info is best-effort.
	if err := c.ShouldBindJSON(&device); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	// Identity (if any) rides on the request context, set by middleware.Identity.
	res := h.Tracker.StartSession(c.Request.Context(), device)
	c.JSON(http.StatusCreated, res)
}

func (h *TrackHandlers) RecordProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	// Reported counts are checked for sanity only; the session's counters
	// come from the event rows themselves.
	if err := h.Tracker.RecordProgress(c.Request.Context(), c.Param("id"), req.PagesViewed, req.ActionsTaken); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// EndSession is usually called through navigator.sendBeacon while the page
// unloads, so it ignores any body and content type.
func (h *TrackHandlers) EndSession(c *gin.Context) {
	outcome, ok := h.Tracker.EndSession(c.Request.Context(), c.Param("id"))
	if !ok {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

func (h *TrackHandlers) RecordPageView(c *gin.Context) {
	var req pageViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f := h.Recorder.RecordPageView(c.Request.Context(), tracker.PageViewInput{
		SessionID: req.SessionID,
		Path:      req.Path,
		Title:     req.Title,
		Referrer:  req.Referrer,
		Viewport:  models.Viewport{Width: req.ViewportWidth, Height: req.ViewportHeight},
	})
	if err := rejected(f); err != nil {
		badRequest(c, err)
		return
	}
	// The id is known before the write lands so the client can close the view later.
	c.JSON(http.StatusAccepted, gin.H{"page_view_id": f.ID()})
}

func (h *TrackHandlers) ClosePageView(c *gin.Context) {
	var req closePageViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := rejected(h.Recorder.ClosePageView(c.Request.Context(), c.Param("id"), req.TimeOnPage)); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *TrackHandlers) RecordActivity(c *gin.Context) {
	var req activityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f := h.Recorder.RecordActivity(c.Request.Context(), tracker.ActivityInput{
		SessionID:  req.SessionID,
		ActionType: req.ActionType,
		Category:   req.ActionCategory,
		Details:    req.ActionDetails,
	})
	if err := rejected(f); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *TrackHandlers) RecordInteraction(c *gin.Context) {
	var req interactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	f := h.Recorder.RecordContentInteraction(c.Request.Context(), tracker.InteractionInput{
		SessionID:       req.SessionID,
		ContentType:     req.ContentType,
		ContentID:       req.ContentID,
		InteractionType: req.InteractionType,
		Value:           req.InteractionValue,
	})
	if err := rejected(f); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}
