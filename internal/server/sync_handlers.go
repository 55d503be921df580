package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/syncengine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type installResponsePayload struct {
	OK               bool                   `json:"ok"`
	RouteID          int64                  `json:"route_id"`
	Gpx              int                    `json:"gpx"`
	Waypoints        int                    `json:"waypoints"`
	Comments         int                    `json:"comments"`
	Favorites        int                    `json:"favorites"`
	Ratings          int                    `json:"ratings"`
	Skipped          syncengine.SkippedRows `json:"skipped"`
	DiscardedPending int64                  `json:"discarded_pending,omitempty"`
}

type changesetResponsePayload struct {
	OK bool `json:"ok"`
	syncengine.Changeset
}

type markCleanResponsePayload struct {
	OK           bool       `json:"ok"`
	RouteID      int64      `json:"route_id"`
	Changed      bool       `json:"changed"`
	Retired      int64      `json:"retired"`
	Cleared      int64      `json:"cleared"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

func (h *httpHandler) handleInstallBundle(c *gin.Context) {
	var bundle syncengine.Bundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		h.logger.Debug("bundle payload rejected", zap.Error(err))
		h.badRequest(c, errorInvalidBundle)
		return
	}

	options := syncengine.InstallOptions{Force: parseBoolQuery(c, "force")}
	result, err := h.engine.InstallBundle(c.Request.Context(), bundle, options)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": errorInvalidBundle, "code": store.ErrorCode(err)})
		case errors.Is(err, store.ErrPendingChanges):
			c.JSON(http.StatusConflict, gin.H{"ok": false, "error": errorPendingChanges, "code": store.ErrorCode(err)})
		default:
			h.logger.Error("bundle install failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": errorSyncFailed, "code": store.ErrorCode(err)})
		}
		return
	}

	h.realtime.Publish(SyncEvent{Type: SyncEventRouteInstalled, RouteID: result.RouteID, Recipients: []int64{result.OwnerID}})
	c.JSON(http.StatusOK, installResponsePayload{
		OK:               true,
		RouteID:          result.RouteID,
		Gpx:              result.Gpx,
		Waypoints:        result.Waypoints,
		Comments:         result.Comments,
		Favorites:        result.Favorites,
		Ratings:          result.Ratings,
		Skipped:          result.Skipped,
		DiscardedPending: result.DiscardedPending,
	})
}

func (h *httpHandler) handleExtractChangeset(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	changeset, err := h.engine.ExtractChangeset(c.Request.Context(), routeID)
	if err != nil {
		h.respondError(c, err, errorSyncFailed)
		return
	}
	c.JSON(http.StatusOK, changesetResponsePayload{OK: true, Changeset: changeset})
}

func (h *httpHandler) handleMarkClean(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	result, err := h.engine.MarkClean(c.Request.Context(), routeID)
	if err != nil {
		h.respondError(c, err, errorSyncFailed)
		return
	}
	if result.Changed {
		h.realtime.Publish(SyncEvent{Type: SyncEventRouteCommitted, RouteID: routeID, Recipients: []int64{result.OwnerID}})
	}
	c.JSON(http.StatusOK, markCleanResponsePayload{
		OK:           true,
		RouteID:      result.RouteID,
		Changed:      result.Changed,
		Retired:      result.Retired,
		Cleared:      result.Cleared,
		LastSyncedAt: result.LastSyncedAt,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, currentUserID(c))
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, SyncEvent{Type: realtimeEventHeartbeat, Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			c.Writer.Flush()
		}
	}
}
