package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	routeUpsertColumns    = []string{"user_id", "slug", "name", "description", "region", "created_at", "updated_at", "sync_status"}
	waypointUpsertColumns = []string{"route_id", "user_id", "name", "description", "lat", "lon", "type", "created_at", "updated_at", "sync_status"}
	commentUpsertColumns  = []string{"user_id", "kind", "route_id", "waypoint_id", "content", "edited", "created_at", "updated_at", "sync_status"}
	ratingUpsertColumns   = []string{"val", "sync_status"}
)

// InstallOptions tunes how a bundle replaces local state.
type InstallOptions struct {
	// Force discards unsynced local rows of the route tree instead of refusing the install.
	Force bool
}

// SkippedRows counts malformed bundle rows dropped during install.
type SkippedRows struct {
	Waypoints int `json:"waypoints"`
	Comments  int `json:"comments"`
	Favorites int `json:"favorites"`
	Ratings   int `json:"ratings"`
}

// Total sums every skipped category.
func (skipped SkippedRows) Total() int {
	return skipped.Waypoints + skipped.Comments + skipped.Favorites + skipped.Ratings
}

// InstallResult summarizes an applied bundle.
type InstallResult struct {
	RouteID          int64
	OwnerID          int64
	Gpx              int
	Waypoints        int
	Comments         int
	Favorites        int
	Ratings          int
	Skipped          SkippedRows
	DiscardedPending int64
}

// InstallBundle atomically replaces the local route tree with the bundle snapshot.
// Every row written is clean. Nothing is applied when any step fails.
func (s *Service) InstallBundle(ctx context.Context, bundle Bundle, options InstallOptions) (InstallResult, error) {
	started := time.Now()
	result, err := s.installBundle(ctx, bundle, options)
	s.observe(opInstallBundle, started, err)
	if err == nil {
		s.metrics.AddSkippedRows("waypoint", result.Skipped.Waypoints)
		s.metrics.AddSkippedRows("comment", result.Skipped.Comments)
		s.metrics.AddSkippedRows("favorite", result.Skipped.Favorites)
		s.metrics.AddSkippedRows("rating", result.Skipped.Ratings)
	}
	return result, err
}

func (s *Service) installBundle(ctx context.Context, bundle Bundle, options InstallOptions) (InstallResult, error) {
	if s.db == nil {
		s.logError(opInstallBundle, reasonMissingDatabase, store.ErrMissingDatabase)
		return InstallResult{}, store.NewServiceError(opInstallBundle, reasonMissingDatabase, store.ErrMissingDatabase)
	}
	if err := bundle.Validate(); err != nil {
		return InstallResult{}, store.NewServiceError(opInstallBundle, reasonInvalidBundle, err)
	}

	routeID := bundle.Route.ID.Int64()
	release := s.routeLocks.acquire(routeID)
	defer release()

	now := s.clock().UTC()
	routeField := zap.Int64(fieldRouteID, routeID)

	var result InstallResult
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result = InstallResult{RouteID: routeID, OwnerID: bundle.Route.UserID.Int64()}

		pending, err := countPendingOverwrites(transaction, routeID, bundle)
		if err != nil {
			s.logError(opInstallBundle, reasonPendingCountFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonPendingCountFailed, err)
		}
		if pending > 0 {
			if !options.Force {
				return store.NewServiceError(opInstallBundle, reasonPendingChanges,
					fmt.Errorf("%w: %d unsynced rows", store.ErrPendingChanges, pending))
			}
			s.loggerOrDefault().Warn("discarding unsynced local rows", routeField, zap.Int64("rows", pending))
			result.DiscardedPending = pending
		}

		if err := deleteRouteChildren(transaction, routeID); err != nil {
			s.logError(opInstallBundle, reasonChildDeleteFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonChildDeleteFailed, err)
		}

		route := bundle.Route.toModel(now)
		if err := transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(routeUpsertColumns),
		}).Create(&route).Error; err != nil {
			s.logError(opInstallBundle, reasonRouteUpsertFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonRouteUpsertFailed, err)
		}

		if err := s.installFavorites(transaction, routeID, bundle.Favorites, now, &result); err != nil {
			s.logError(opInstallBundle, reasonFavoriteFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonFavoriteFailed, err)
		}

		for _, record := range bundle.Gpx {
			track := record.toModel(routeID, now)
			if err := transaction.Create(&track).Error; err != nil {
				s.logError(opInstallBundle, reasonGpxInsertFailed, err, routeField)
				return store.NewServiceError(opInstallBundle, reasonGpxInsertFailed, err)
			}
			result.Gpx++
		}

		installedWaypoints := make(map[int64]struct{}, len(bundle.Waypoints))
		for _, record := range bundle.Waypoints {
			waypoint, ok := record.toModel(routeID, now)
			if !ok {
				result.Skipped.Waypoints++
				continue
			}
			if err := transaction.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns(waypointUpsertColumns),
			}).Create(&waypoint).Error; err != nil {
				s.logError(opInstallBundle, reasonWaypointFailed, err, routeField, zap.Int64("waypoint_id", waypoint.ID))
				return store.NewServiceError(opInstallBundle, reasonWaypointFailed, err)
			}
			installedWaypoints[waypoint.ID] = struct{}{}
			result.Waypoints++
		}

		installedComments := make(map[int64]struct{}, len(bundle.Comments))
		for _, record := range bundle.Comments {
			comment, ok := record.toModel(routeID, installedWaypoints, now)
			if !ok {
				result.Skipped.Comments++
				continue
			}
			if err := transaction.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns(commentUpsertColumns),
			}).Create(&comment).Error; err != nil {
				s.logError(opInstallBundle, reasonCommentFailed, err, routeField, zap.Int64("comment_id", comment.ID))
				return store.NewServiceError(opInstallBundle, reasonCommentFailed, err)
			}
			installedComments[comment.ID] = struct{}{}
			result.Comments++
		}

		if err := s.installRatings(transaction, routeID, bundle.Ratings, installedWaypoints, installedComments, &result); err != nil {
			s.logError(opInstallBundle, reasonRatingFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonRatingFailed, err)
		}

		if err := recomputeRouteTreeAggregates(transaction, routeID); err != nil {
			s.logError(opInstallBundle, reasonAggregateFailed, err, routeField)
			return store.NewServiceError(opInstallBundle, reasonAggregateFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		return InstallResult{}, transactionError
	}

	if skipped := result.Skipped.Total(); skipped > 0 {
		s.loggerOrDefault().Debug("bundle rows skipped",
			routeField,
			zap.Int("waypoints", result.Skipped.Waypoints),
			zap.Int("comments", result.Skipped.Comments),
			zap.Int("favorites", result.Skipped.Favorites),
			zap.Int("ratings", result.Skipped.Ratings))
	}
	return result, nil
}

// countPendingOverwrites counts the unsynced rows an install would destroy: the
// route tree itself and rows of other routes whose ids the bundle reuses.
func countPendingOverwrites(transaction *gorm.DB, routeID int64, bundle Bundle) (int64, error) {
	pending, err := store.CountPendingRows(transaction, routeID)
	if err != nil {
		return 0, err
	}
	foreign, err := store.CountForeignPendingRows(transaction, routeID, bundle.waypointIDs(), bundle.commentIDs())
	if err != nil {
		return 0, err
	}
	return pending + foreign, nil
}

// deleteRouteChildren removes every child row of the route. Waypoint comments and
// the votes on removed waypoints and comments follow through ON DELETE CASCADE.
func deleteRouteChildren(transaction *gorm.DB, routeID int64) error {
	for _, model := range []any{&store.Gpx{}, &store.Comment{}, &store.Waypoint{}, &store.RouteRating{}, &store.RouteFavorite{}} {
		if err := transaction.Where("route_id = ?", routeID).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) installFavorites(transaction *gorm.DB, routeID int64, favorites FavoriteSet, now time.Time, result *InstallResult) error {
	seen := make(map[int64]struct{}, len(favorites.Route))
	for _, record := range favorites.Route {
		userID := record.UserID.Int64()
		if record.malformed || userID <= 0 {
			result.Skipped.Favorites++
			continue
		}
		if _, duplicate := seen[userID]; duplicate {
			continue
		}
		seen[userID] = struct{}{}
		favorite := store.RouteFavorite{
			UserID:     userID,
			RouteID:    routeID,
			CreatedAt:  record.CreatedAt.orDefault(now),
			SyncStatus: store.SyncStatusClean,
		}
		if err := transaction.Create(&favorite).Error; err != nil {
			return err
		}
		result.Favorites++
	}
	return nil
}

func (s *Service) installRatings(transaction *gorm.DB, routeID int64, ratings RatingSet, waypoints, comments map[int64]struct{}, result *InstallResult) error {
	upsert := func(kind store.RatingKind, model any) error {
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: kind.TargetColumn()}},
			DoUpdates: clause.AssignmentColumns(ratingUpsertColumns),
		}).Create(model).Error
	}

	for _, record := range ratings.Route {
		target := record.RouteID.Int64()
		if target == 0 {
			target = routeID
		}
		if record.malformed || record.UserID <= 0 || target != routeID || !store.ValidVote(record.Val) {
			result.Skipped.Ratings++
			continue
		}
		if err := upsert(store.RatingKindRoute, &store.RouteRating{UserID: record.UserID.Int64(), RouteID: routeID, Val: record.Val, SyncStatus: store.SyncStatusClean}); err != nil {
			return err
		}
		result.Ratings++
	}

	for _, record := range ratings.Waypoint {
		target := record.WaypointID.Int64()
		if _, ok := waypoints[target]; !ok || record.malformed || record.UserID <= 0 || !store.ValidVote(record.Val) {
			result.Skipped.Ratings++
			continue
		}
		if err := upsert(store.RatingKindWaypoint, &store.WaypointRating{UserID: record.UserID.Int64(), WaypointID: target, Val: record.Val, SyncStatus: store.SyncStatusClean}); err != nil {
			return err
		}
		result.Ratings++
	}

	for _, record := range ratings.Comment {
		target := record.CommentID.Int64()
		if _, ok := comments[target]; !ok || record.malformed || record.UserID <= 0 || !store.ValidVote(record.Val) {
			result.Skipped.Ratings++
			continue
		}
		if err := upsert(store.RatingKindComment, &store.CommentRating{UserID: record.UserID.Int64(), CommentID: target, Val: record.Val, SyncStatus: store.SyncStatusClean}); err != nil {
			return err
		}
		result.Ratings++
	}
	return nil
}

func recomputeRouteTreeAggregates(transaction *gorm.DB, routeID int64) error {
	if _, err := store.RecomputeAggregate(transaction, store.RatingKindRoute, routeID); err != nil {
		return err
	}
	waypoints := store.WaypointScope(routeID)
	if err := store.RecomputeAggregatesWhere(transaction, store.RatingKindWaypoint, waypoints.Condition, waypoints.Args...); err != nil {
		return err
	}
	comments := store.CommentScope(routeID)
	return store.RecomputeAggregatesWhere(transaction, store.RatingKindComment, comments.Condition, comments.Args...)
}
