package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/syncengine"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/trails"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "trailsync_user_id"
	defaultHeartbeatInterval = 25 * time.Second

	errorInvalidBundle  = "invalid-bundle"
	errorPendingChanges = "pending-changes"
	errorSyncFailed     = "sync-failed"
	errorInvalidRequest = "invalid-request"
	errorUnauthorized   = "unauthorized"
	errorForbidden      = "forbidden"
	errorNotFound       = "not-found"
	errorInternal       = "internal-error"
)

var (
	errMissingSyncEngine       = errors.New("sync engine dependency required")
	errMissingRatingReconciler = errors.New("rating reconciler dependency required")
	errMissingTrailsService    = errors.New("trails service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the services behind the HTTP surface.
type Dependencies struct {
	SyncEngine        *syncengine.Service
	Ratings           *ratings.Reconciler
	Trails            *trails.Service
	Sessions          SessionValidator
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Recorder
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin engine serving the sync, rating and local edit endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncEngine == nil {
		return nil, errMissingSyncEngine
	}
	if deps.Ratings == nil {
		return nil, errMissingRatingReconciler
	}
	if deps.Trails == nil {
		return nil, errMissingTrailsService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:    deps.SyncEngine,
		ratings:   deps.Ratings,
		trails:    deps.Trails,
		sessions:  deps.Sessions,
		realtime:  realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	syncGroup := router.Group("/api/sync")
	syncGroup.POST("/route", handler.handleInstallBundle)
	syncGroup.GET("/route/:id/changes", handler.handleExtractChangeset)
	syncGroup.POST("/route/:id/mark-clean", handler.handleMarkClean)
	syncGroup.GET("/events", handler.authorizeRequest, handler.handleEvents)

	router.GET("/ratings/:kind/:id", handler.handleGetRating)
	router.POST("/ratings/:kind/:id", handler.authorizeRequest, handler.handleVote)

	protected := router.Group("/api")
	protected.Use(handler.authorizeRequest)
	protected.GET("/routes/:id", handler.handleGetRoute)
	protected.POST("/routes/:id/waypoints", handler.handleCreateWaypoint)
	protected.PATCH("/waypoints/:id", handler.handleUpdateWaypoint)
	protected.DELETE("/waypoints/:id", handler.handleDeleteWaypoint)
	protected.POST("/routes/:id/comments", handler.handleCreateRouteComment)
	protected.POST("/waypoints/:id/comments", handler.handleCreateWaypointComment)
	protected.PATCH("/comments/:id", handler.handleUpdateComment)
	protected.DELETE("/comments/:id", handler.handleDeleteComment)
	protected.PUT("/routes/:id/favorite", handler.handleAddFavorite)
	protected.DELETE("/routes/:id/favorite", handler.handleRemoveFavorite)

	return router, nil
}

type httpHandler struct {
	engine    *syncengine.Service
	ratings   *ratings.Reconciler
	trails    *trails.Service
	sessions  SessionValidator
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session rejected", zap.Error(err), zap.String("path", c.FullPath()))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err), zap.String("path", c.FullPath()))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errorUnauthorized})
		return
	}
	userID, err := claims.NumericUserID()
	if err != nil {
		h.logger.Warn("session carries no numeric user", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": errorUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}

// respondError maps service errors onto HTTP statuses. fallback names the
// error reported for unexpected failures.
func (h *httpHandler) respondError(c *gin.Context, err error, fallback string) {
	status := http.StatusInternalServerError
	label := fallback
	switch {
	case errors.Is(err, store.ErrValidation):
		status, label = http.StatusBadRequest, errorInvalidRequest
	case errors.Is(err, store.ErrForbidden):
		status, label = http.StatusForbidden, errorForbidden
	case errors.Is(err, store.ErrNotFound):
		status, label = http.StatusNotFound, errorNotFound
	case errors.Is(err, store.ErrPendingChanges):
		status, label = http.StatusConflict, errorPendingChanges
	default:
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	body := gin.H{"ok": false, "error": label}
	if code := store.ErrorCode(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func (h *httpHandler) badRequest(c *gin.Context, label string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": label})
}

func parseRouteParam(c *gin.Context) (int64, bool) {
	routeID, err := store.ParseRouteID(c.Param("id"))
	return routeID, err == nil
}

func parseIDParam(c *gin.Context) (int64, bool) {
	id, err := store.ParseID(c.Param("id"))
	return id, err == nil
}

func parseBoolQuery(c *gin.Context, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return err == nil && value
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}
