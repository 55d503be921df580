package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/trails"
	"github.com/gin-gonic/gin"
)

type waypointRequestPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Type        string   `json:"type"`
}

type waypointPatchPayload struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Type        *string  `json:"type"`
}

type commentRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleGetRoute(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	view, err := h.trails.GetRoute(c.Request.Context(), routeID, currentUserID(c))
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "route": view.Route, "waypoints": view.Waypoints, "comments": view.Comments, "favorites": view.Favorites, "favorited": view.Favorited})
}

func (h *httpHandler) handleCreateWaypoint(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	var request waypointRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Lat == nil || request.Lon == nil {
		h.badRequest(c, errorInvalidRequest)
		return
	}

	waypoint, err := h.trails.CreateWaypoint(c.Request.Context(), currentUserID(c), routeID, trails.WaypointInput{
		Name:        request.Name,
		Description: request.Description,
		Lat:         *request.Lat,
		Lon:         *request.Lon,
		Type:        request.Type,
	})
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, routeID, "waypoint", waypoint.ID)
	c.JSON(http.StatusCreated, gin.H{"ok": true, "waypoint": waypoint})
}

func (h *httpHandler) handleUpdateWaypoint(c *gin.Context) {
	waypointID, ok := parseIDParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	var request waypointPatchPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, errorInvalidRequest)
		return
	}

	waypoint, err := h.trails.UpdateWaypoint(c.Request.Context(), currentUserID(c), waypointID, trails.WaypointPatch{
		Name:        request.Name,
		Description: request.Description,
		Lat:         request.Lat,
		Lon:         request.Lon,
		Type:        request.Type,
	})
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, waypoint.RouteID, "waypoint", waypoint.ID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "waypoint": waypoint})
}

func (h *httpHandler) handleDeleteWaypoint(c *gin.Context) {
	waypointID, ok := parseIDParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	if err := h.trails.DeleteWaypoint(c.Request.Context(), currentUserID(c), waypointID); err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, 0, "waypoint", waypointID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleCreateRouteComment(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	h.createComment(c, store.CommentKindRoute, routeID)
}

func (h *httpHandler) handleCreateWaypointComment(c *gin.Context) {
	waypointID, ok := parseIDParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	h.createComment(c, store.CommentKindWaypoint, waypointID)
}

func (h *httpHandler) createComment(c *gin.Context, kind store.CommentKind, parentID int64) {
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	comment, err := h.trails.CreateComment(c.Request.Context(), currentUserID(c), kind, parentID, request.Content)
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	routeID := int64(0)
	if comment.RouteID != nil {
		routeID = *comment.RouteID
	}
	h.publishPending(c, routeID, "comment", comment.ID)
	c.JSON(http.StatusCreated, gin.H{"ok": true, "comment": comment})
}

func (h *httpHandler) handleUpdateComment(c *gin.Context) {
	commentID, ok := parseIDParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	var request commentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	comment, err := h.trails.UpdateComment(c.Request.Context(), currentUserID(c), commentID, request.Content)
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, 0, "comment", comment.ID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "comment": comment})
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	commentID, ok := parseIDParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	if err := h.trails.DeleteComment(c.Request.Context(), currentUserID(c), commentID); err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, 0, "comment", commentID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleAddFavorite(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	if err := h.trails.AddFavorite(c.Request.Context(), currentUserID(c), routeID); err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, routeID, "favorite", routeID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "favorited": true})
}

func (h *httpHandler) handleRemoveFavorite(c *gin.Context) {
	routeID, ok := parseRouteParam(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	if err := h.trails.RemoveFavorite(c.Request.Context(), currentUserID(c), routeID); err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	h.publishPending(c, routeID, "favorite", routeID)
	c.JSON(http.StatusOK, gin.H{"ok": true, "favorited": false})
}

func (h *httpHandler) publishPending(c *gin.Context, routeID int64, entity string, entityID int64) {
	h.realtime.Publish(SyncEvent{
		Type:       SyncEventChangesPending,
		RouteID:    routeID,
		Entity:     entity,
		EntityID:   entityID,
		Recipients: []int64{currentUserID(c)},
	})
}
