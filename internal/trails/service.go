// Package trails records local edits to waypoints, comments and favorites so
// that the sync engine can later upload them.
package trails

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew      = "trails.service.new"
	opGetRoute        = "trails.get_route"
	opCreateWaypoint  = "trails.create_waypoint"
	opUpdateWaypoint  = "trails.update_waypoint"
	opDeleteWaypoint  = "trails.delete_waypoint"
	opCreateComment   = "trails.create_comment"
	opUpdateComment   = "trails.update_comment"
	opDeleteComment   = "trails.delete_comment"
	opAddFavorite     = "trails.add_favorite"
	opRemoveFavorite  = "trails.remove_favorite"
	reasonMissingUIDs = "missing_client_uid_provider"
)

var (
	errMissingClientUIDProvider = errors.New("client uid provider is required")
	noOpLogger                  = zap.NewNop()
)

// ServiceConfig describes the dependencies of the local edit service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	UIDProvider ClientUIDProvider
	Logger      *zap.Logger
}

// Service records local edits against the store.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	uidProvider ClientUIDProvider
	logger      *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, store.NewServiceError(opServiceNew, "missing_database", store.ErrMissingDatabase)
	}
	if cfg.UIDProvider == nil {
		return nil, store.NewServiceError(opServiceNew, reasonMissingUIDs, errMissingClientUIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		uidProvider: cfg.UIDProvider,
		logger:      logger,
	}, nil
}

// WaypointInput carries the fields of a new waypoint.
type WaypointInput struct {
	Name        string
	Description string
	Lat         float64
	Lon         float64
	Type        string
}

// WaypointPatch carries the fields to change on an existing waypoint.
type WaypointPatch struct {
	Name        *string
	Description *string
	Lat         *float64
	Lon         *float64
	Type        *string
}

// RouteView is a route with its live waypoints and comments.
type RouteView struct {
	Route     store.Route      `json:"route"`
	Waypoints []store.Waypoint `json:"waypoints"`
	Comments  []store.Comment  `json:"comments"`
	Favorites int64            `json:"favorites"`
	Favorited bool             `json:"favorited"`
}

// GetRoute returns the route tree without tombstoned rows.
func (s *Service) GetRoute(ctx context.Context, routeID, userID int64) (RouteView, error) {
	db := s.db.WithContext(ctx)
	route, err := loadRoute(db, routeID)
	if err != nil {
		return RouteView{}, s.wrapLookupError(opGetRoute, "route", err, zap.Int64("route_id", routeID))
	}

	view := RouteView{Route: route, Waypoints: []store.Waypoint{}, Comments: []store.Comment{}}
	if err := store.WaypointScope(routeID).Where(db).
		Where("sync_status <> ?", store.SyncStatusDeleted).
		Order("created_at, id").
		Find(&view.Waypoints).Error; err != nil {
		s.logError(opGetRoute, "waypoint_query_failed", err, zap.Int64("route_id", routeID))
		return RouteView{}, store.NewServiceError(opGetRoute, "waypoint_query_failed", err)
	}
	if err := store.CommentScope(routeID).Where(db).
		Where("sync_status <> ?", store.SyncStatusDeleted).
		Order("created_at, id").
		Find(&view.Comments).Error; err != nil {
		s.logError(opGetRoute, "comment_query_failed", err, zap.Int64("route_id", routeID))
		return RouteView{}, store.NewServiceError(opGetRoute, "comment_query_failed", err)
	}

	live := store.FavoriteScope(routeID).Where(db).Where("sync_status <> ?", store.SyncStatusDeleted)
	if err := live.Count(&view.Favorites).Error; err != nil {
		s.logError(opGetRoute, "favorite_query_failed", err, zap.Int64("route_id", routeID))
		return RouteView{}, store.NewServiceError(opGetRoute, "favorite_query_failed", err)
	}
	if userID > 0 {
		var mine int64
		if err := store.FavoriteScope(routeID).Where(db).
			Where("sync_status <> ? AND user_id = ?", store.SyncStatusDeleted, userID).
			Count(&mine).Error; err != nil {
			s.logError(opGetRoute, "favorite_query_failed", err, zap.Int64("route_id", routeID))
			return RouteView{}, store.NewServiceError(opGetRoute, "favorite_query_failed", err)
		}
		view.Favorited = mine > 0
	}
	return view, nil
}

// CreateWaypoint records a new local waypoint on the route.
func (s *Service) CreateWaypoint(ctx context.Context, userID, routeID int64, input WaypointInput) (store.Waypoint, error) {
	if err := requireUser(userID); err != nil {
		return store.Waypoint{}, store.NewServiceError(opCreateWaypoint, "invalid_user", err)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Waypoint{}, store.NewServiceError(opCreateWaypoint, "invalid_name", fmt.Errorf("%w: waypoint name is required", store.ErrValidation))
	}
	if err := validateCoordinates(input.Lat, input.Lon); err != nil {
		return store.Waypoint{}, store.NewServiceError(opCreateWaypoint, "invalid_coordinates", err)
	}
	clientUID, err := s.uidProvider.NewClientUID()
	if err != nil {
		s.logError(opCreateWaypoint, "client_uid_failed", err)
		return store.Waypoint{}, store.NewServiceError(opCreateWaypoint, "client_uid_failed", err)
	}

	var waypoint store.Waypoint
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadRoute(tx, routeID); err != nil {
			return s.wrapLookupError(opCreateWaypoint, "route", err, zap.Int64("route_id", routeID))
		}
		id, err := nextLocalID(tx, store.Waypoint{}.TableName())
		if err != nil {
			s.logError(opCreateWaypoint, "id_allocation_failed", err)
			return store.NewServiceError(opCreateWaypoint, "id_allocation_failed", err)
		}
		now := s.clock().UTC()
		waypoint = store.Waypoint{
			ID:          id,
			RouteID:     routeID,
			UserID:      userID,
			Name:        name,
			Description: input.Description,
			Lat:         input.Lat,
			Lon:         input.Lon,
			Type:        strings.TrimSpace(input.Type),
			ClientUID:   clientUID,
			CreatedAt:   now,
			UpdatedAt:   now,
			SyncStatus:  store.SyncStatusNew,
		}
		if err := tx.Create(&waypoint).Error; err != nil {
			s.logError(opCreateWaypoint, "insert_failed", err, zap.Int64("route_id", routeID))
			return store.NewServiceError(opCreateWaypoint, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return store.Waypoint{}, err
	}
	return waypoint, nil
}

// UpdateWaypoint applies patch to a waypoint owned by userID.
func (s *Service) UpdateWaypoint(ctx context.Context, userID, waypointID int64, patch WaypointPatch) (store.Waypoint, error) {
	if err := requireUser(userID); err != nil {
		return store.Waypoint{}, store.NewServiceError(opUpdateWaypoint, "invalid_user", err)
	}

	var waypoint store.Waypoint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadOwnedWaypoint(tx, waypointID, userID)
		if err != nil {
			return s.wrapLookupError(opUpdateWaypoint, "waypoint", err, zap.Int64("waypoint_id", waypointID))
		}
		waypoint = loaded

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return store.NewServiceError(opUpdateWaypoint, "invalid_name", fmt.Errorf("%w: waypoint name is required", store.ErrValidation))
			}
			waypoint.Name = name
		}
		if patch.Description != nil {
			waypoint.Description = *patch.Description
		}
		if patch.Lat != nil {
			waypoint.Lat = *patch.Lat
		}
		if patch.Lon != nil {
			waypoint.Lon = *patch.Lon
		}
		if patch.Type != nil {
			waypoint.Type = strings.TrimSpace(*patch.Type)
		}
		if err := validateCoordinates(waypoint.Lat, waypoint.Lon); err != nil {
			return store.NewServiceError(opUpdateWaypoint, "invalid_coordinates", err)
		}
		waypoint.SyncStatus = waypoint.SyncStatus.Edited()
		waypoint.UpdatedAt = s.clock().UTC()

		if err := tx.Model(&store.Waypoint{}).Where("id = ?", waypoint.ID).UpdateColumns(map[string]any{
			"name":        waypoint.Name,
			"description": waypoint.Description,
			"lat":         waypoint.Lat,
			"lon":         waypoint.Lon,
			"type":        waypoint.Type,
			"updated_at":  waypoint.UpdatedAt,
			"sync_status": waypoint.SyncStatus,
		}).Error; err != nil {
			s.logError(opUpdateWaypoint, "update_failed", err, zap.Int64("waypoint_id", waypointID))
			return store.NewServiceError(opUpdateWaypoint, "update_failed", err)
		}
		return nil
	})
	if err != nil {
		return store.Waypoint{}, err
	}
	return waypoint, nil
}

// DeleteWaypoint removes a local-only waypoint or tombstones a synced one.
// Children of a tombstoned waypoint are retired together with it on commit.
func (s *Service) DeleteWaypoint(ctx context.Context, userID, waypointID int64) error {
	if err := requireUser(userID); err != nil {
		return store.NewServiceError(opDeleteWaypoint, "invalid_user", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		waypoint, err := loadOwnedWaypoint(tx, waypointID, userID)
		if err != nil {
			return s.wrapLookupError(opDeleteWaypoint, "waypoint", err, zap.Int64("waypoint_id", waypointID))
		}
		if err := removeOrTombstone(tx, store.Waypoint{}.TableName(), "id = ?", []any{waypoint.ID}, waypoint.SyncStatus, s.clock().UTC()); err != nil {
			s.logError(opDeleteWaypoint, "delete_failed", err, zap.Int64("waypoint_id", waypointID))
			return store.NewServiceError(opDeleteWaypoint, "delete_failed", err)
		}
		return nil
	})
}

// CreateComment records a new local comment on a route or a waypoint.
func (s *Service) CreateComment(ctx context.Context, userID int64, kind store.CommentKind, parentID int64, content string) (store.Comment, error) {
	if err := requireUser(userID); err != nil {
		return store.Comment{}, store.NewServiceError(opCreateComment, "invalid_user", err)
	}
	if _, err := store.ParseCommentKind(string(kind)); err != nil {
		return store.Comment{}, store.NewServiceError(opCreateComment, "invalid_kind", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, store.NewServiceError(opCreateComment, "invalid_content", fmt.Errorf("%w: comment content is required", store.ErrValidation))
	}
	clientUID, err := s.uidProvider.NewClientUID()
	if err != nil {
		s.logError(opCreateComment, "client_uid_failed", err)
		return store.Comment{}, store.NewServiceError(opCreateComment, "client_uid_failed", err)
	}

	var comment store.Comment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		comment = store.Comment{
			UserID:     userID,
			Kind:       kind,
			Content:    content,
			ClientUID:  clientUID,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncStatus: store.SyncStatusNew,
		}
		parent := parentID
		switch kind {
		case store.CommentKindRoute:
			if _, err := loadRoute(tx, parentID); err != nil {
				return s.wrapLookupError(opCreateComment, "route", err, zap.Int64("route_id", parentID))
			}
			comment.RouteID = &parent
		case store.CommentKindWaypoint:
			if _, err := loadWaypoint(tx, parentID); err != nil {
				return s.wrapLookupError(opCreateComment, "waypoint", err, zap.Int64("waypoint_id", parentID))
			}
			comment.WaypointID = &parent
		}

		id, err := nextLocalID(tx, store.Comment{}.TableName())
		if err != nil {
			s.logError(opCreateComment, "id_allocation_failed", err)
			return store.NewServiceError(opCreateComment, "id_allocation_failed", err)
		}
		comment.ID = id
		if err := tx.Create(&comment).Error; err != nil {
			s.logError(opCreateComment, "insert_failed", err)
			return store.NewServiceError(opCreateComment, "insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

// UpdateComment replaces the content of a comment owned by userID.
func (s *Service) UpdateComment(ctx context.Context, userID, commentID int64, content string) (store.Comment, error) {
	if err := requireUser(userID); err != nil {
		return store.Comment{}, store.NewServiceError(opUpdateComment, "invalid_user", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, store.NewServiceError(opUpdateComment, "invalid_content", fmt.Errorf("%w: comment content is required", store.ErrValidation))
	}

	var comment store.Comment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := loadOwnedComment(tx, commentID, userID)
		if err != nil {
			return s.wrapLookupError(opUpdateComment, "comment", err, zap.Int64("comment_id", commentID))
		}
		comment = loaded
		comment.Content = content
		comment.Edited = true
		comment.SyncStatus = comment.SyncStatus.Edited()
		comment.UpdatedAt = s.clock().UTC()

		if err := tx.Model(&store.Comment{}).Where("id = ?", comment.ID).UpdateColumns(map[string]any{
			"content":     comment.Content,
			"edited":      comment.Edited,
			"updated_at":  comment.UpdatedAt,
			"sync_status": comment.SyncStatus,
		}).Error; err != nil {
			s.logError(opUpdateComment, "update_failed", err, zap.Int64("comment_id", commentID))
			return store.NewServiceError(opUpdateComment, "update_failed", err)
		}
		return nil
	})
	if err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

// DeleteComment removes a local-only comment or tombstones a synced one.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID int64) error {
	if err := requireUser(userID); err != nil {
		return store.NewServiceError(opDeleteComment, "invalid_user", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		comment, err := loadOwnedComment(tx, commentID, userID)
		if err != nil {
			return s.wrapLookupError(opDeleteComment, "comment", err, zap.Int64("comment_id", commentID))
		}
		if err := removeOrTombstone(tx, store.Comment{}.TableName(), "id = ?", []any{comment.ID}, comment.SyncStatus, s.clock().UTC()); err != nil {
			s.logError(opDeleteComment, "delete_failed", err, zap.Int64("comment_id", commentID))
			return store.NewServiceError(opDeleteComment, "delete_failed", err)
		}
		return nil
	})
}

// AddFavorite stars the route for userID. Starring twice is a no-op.
func (s *Service) AddFavorite(ctx context.Context, userID, routeID int64) error {
	if err := requireUser(userID); err != nil {
		return store.NewServiceError(opAddFavorite, "invalid_user", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadRoute(tx, routeID); err != nil {
			return s.wrapLookupError(opAddFavorite, "route", err, zap.Int64("route_id", routeID))
		}
		var favorite store.RouteFavorite
		err := tx.Where("user_id = ? AND route_id = ?", userID, routeID).Take(&favorite).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			favorite = store.RouteFavorite{UserID: userID, RouteID: routeID, CreatedAt: s.clock().UTC(), SyncStatus: store.SyncStatusNew}
			err = tx.Create(&favorite).Error
		case err != nil:
		case favorite.SyncStatus == store.SyncStatusDeleted:
			// The remote row still exists; withdrawing the pending removal is an update there.
			err = tx.Model(&store.RouteFavorite{}).
				Where("user_id = ? AND route_id = ?", userID, routeID).
				UpdateColumn("sync_status", store.SyncStatusDirty).Error
		default:
			return nil
		}
		if err != nil {
			s.logError(opAddFavorite, "write_failed", err, zap.Int64("route_id", routeID))
			return store.NewServiceError(opAddFavorite, "write_failed", err)
		}
		return nil
	})
}

// RemoveFavorite unstars the route for userID.
func (s *Service) RemoveFavorite(ctx context.Context, userID, routeID int64) error {
	if err := requireUser(userID); err != nil {
		return store.NewServiceError(opRemoveFavorite, "invalid_user", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var favorite store.RouteFavorite
		err := tx.Where("user_id = ? AND route_id = ? AND sync_status <> ?", userID, routeID, store.SyncStatusDeleted).
			Take(&favorite).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.NewServiceError(opRemoveFavorite, "favorite_not_found", fmt.Errorf("%w: favorite on route %d", store.ErrNotFound, routeID))
		}
		if err != nil {
			s.logError(opRemoveFavorite, "favorite_lookup_failed", err, zap.Int64("route_id", routeID))
			return store.NewServiceError(opRemoveFavorite, "favorite_lookup_failed", err)
		}
		if err := removeOrTombstone(tx, store.RouteFavorite{}.TableName(), "user_id = ? AND route_id = ?", []any{userID, routeID}, favorite.SyncStatus, time.Time{}); err != nil {
			s.logError(opRemoveFavorite, "delete_failed", err, zap.Int64("route_id", routeID))
			return store.NewServiceError(opRemoveFavorite, "delete_failed", err)
		}
		return nil
	})
}

// removeOrTombstone hard-deletes rows that never reached the remote store and
// marks every other row deleted. A zero touchedAt leaves updated_at alone.
func removeOrTombstone(tx *gorm.DB, table, condition string, args []any, status store.SyncStatus, touchedAt time.Time) error {
	if status == store.SyncStatusNew {
		return tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, condition), args...).Error
	}
	columns := map[string]any{"sync_status": store.SyncStatusDeleted}
	if !touchedAt.IsZero() {
		columns["updated_at"] = touchedAt
	}
	return tx.Table(table).Where(condition, args...).UpdateColumns(columns).Error
}

func loadRoute(tx *gorm.DB, routeID int64) (store.Route, error) {
	if routeID <= 0 {
		return store.Route{}, fmt.Errorf("%w: invalid route id %d", store.ErrValidation, routeID)
	}
	var route store.Route
	err := tx.Where("id = ?", routeID).Take(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && route.SyncStatus == store.SyncStatusDeleted) {
		return store.Route{}, fmt.Errorf("%w: route %d", store.ErrNotFound, routeID)
	}
	return route, err
}

func loadWaypoint(tx *gorm.DB, waypointID int64) (store.Waypoint, error) {
	var waypoint store.Waypoint
	err := tx.Where("id = ? AND sync_status <> ?", waypointID, store.SyncStatusDeleted).Take(&waypoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Waypoint{}, fmt.Errorf("%w: waypoint %d", store.ErrNotFound, waypointID)
	}
	return waypoint, err
}

func loadOwnedWaypoint(tx *gorm.DB, waypointID, userID int64) (store.Waypoint, error) {
	waypoint, err := loadWaypoint(tx, waypointID)
	if err != nil {
		return store.Waypoint{}, err
	}
	if waypoint.UserID != userID {
		return store.Waypoint{}, fmt.Errorf("%w: waypoint %d belongs to another user", store.ErrForbidden, waypointID)
	}
	return waypoint, nil
}

func loadOwnedComment(tx *gorm.DB, commentID, userID int64) (store.Comment, error) {
	var comment store.Comment
	err := tx.Where("id = ? AND sync_status <> ?", commentID, store.SyncStatusDeleted).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.Comment{}, fmt.Errorf("%w: comment %d", store.ErrNotFound, commentID)
	}
	if err != nil {
		return store.Comment{}, err
	}
	if comment.UserID != userID {
		return store.Comment{}, fmt.Errorf("%w: comment %d belongs to another user", store.ErrForbidden, commentID)
	}
	return comment, nil
}

func requireUser(userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	return nil
}

func validateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: coordinates out of range (%v, %v)", store.ErrValidation, lat, lon)
	}
	return nil
}

// wrapLookupError classifies a load failure. Expected outcomes are returned
// quietly; anything else is logged.
func (s *Service) wrapLookupError(operation, entity string, err error, fields ...zap.Field) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.NewServiceError(operation, entity+"_not_found", err)
	case errors.Is(err, store.ErrForbidden):
		return store.NewServiceError(operation, "forbidden", err)
	case errors.Is(err, store.ErrValidation):
		return store.NewServiceError(operation, "invalid_"+entity+"_id", err)
	default:
		s.logError(operation, entity+"_lookup_failed", err, fields...)
		return store.NewServiceError(operation, entity+"_lookup_failed", err)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := s.logger
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("trails service error", attrs...)
}
