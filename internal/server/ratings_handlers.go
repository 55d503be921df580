package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/gin-gonic/gin"
)

type voteRequestPayload struct {
	Val *int `json:"val"`
}

type ratingResponsePayload struct {
	OK bool `json:"ok"`
	ratings.Summary
}

func parseRatingTarget(c *gin.Context) (store.RatingKind, int64, bool) {
	kind, err := store.ParseRatingKind(c.Param("kind"))
	if err != nil {
		return "", 0, false
	}
	parse := store.ParseID
	if kind == store.RatingKindRoute {
		parse = store.ParseRouteID
	}
	targetID, err := parse(c.Param("id"))
	if err != nil {
		return "", 0, false
	}
	return kind, targetID, true
}

func (h *httpHandler) handleGetRating(c *gin.Context) {
	kind, targetID, ok := parseRatingTarget(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}

	var userID *int64
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" {
		parsed, err := store.ParseRouteID(raw)
		if err != nil {
			h.badRequest(c, errorInvalidRequest)
			return
		}
		userID = &parsed
	}

	summary, err := h.ratings.Get(c.Request.Context(), kind, targetID, userID)
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}
	c.JSON(http.StatusOK, ratingResponsePayload{OK: true, Summary: summary})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	kind, targetID, ok := parseRatingTarget(c)
	if !ok {
		h.badRequest(c, errorInvalidRequest)
		return
	}
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Val == nil || !store.ValidVote(*request.Val) {
		h.badRequest(c, errorInvalidRequest)
		return
	}

	summary, err := h.ratings.Vote(c.Request.Context(), kind, targetID, currentUserID(c), *request.Val)
	if err != nil {
		h.respondError(c, err, errorInternal)
		return
	}

	event := SyncEvent{
		Type:       SyncEventChangesPending,
		Entity:     string(kind) + "_rating",
		EntityID:   targetID,
		Recipients: []int64{currentUserID(c)},
	}
	if kind == store.RatingKindRoute {
		event.RouteID = targetID
	}
	h.realtime.Publish(event)
	c.JSON(http.StatusOK, ratingResponsePayload{OK: true, Summary: summary})
}
