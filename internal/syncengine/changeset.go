package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Changeset lists every non-clean row of one route tree, ready for upload.
type Changeset struct {
	RouteID   int64              `json:"route_id"`
	Waypoints []store.Waypoint   `json:"waypoints"`
	Comments  []store.Comment    `json:"comments"`
	Ratings   ChangesetRatings   `json:"ratings"`
	Favorites ChangesetFavorites `json:"favorites"`
}

// ChangesetRatings groups pending votes by target kind.
type ChangesetRatings struct {
	Waypoint []store.WaypointRating `json:"waypoint"`
	Route    []store.RouteRating    `json:"route"`
	Comment  []store.CommentRating  `json:"comment"`
}

// ChangesetFavorites groups pending favorites by entity.
type ChangesetFavorites struct {
	Route []store.RouteFavorite `json:"route"`
}

// Empty reports whether the changeset carries no rows.
func (changeset Changeset) Empty() bool {
	return changeset.Size() == 0
}

// Size counts the rows of every category.
func (changeset Changeset) Size() int {
	return len(changeset.Waypoints) + len(changeset.Comments) +
		len(changeset.Ratings.Waypoint) + len(changeset.Ratings.Route) + len(changeset.Ratings.Comment) +
		len(changeset.Favorites.Route)
}

// ExtractChangeset reads the unsynced rows of a route tree. It never mutates state.
func (s *Service) ExtractChangeset(ctx context.Context, routeID int64) (Changeset, error) {
	started := time.Now()
	changeset, err := s.extractChangeset(ctx, routeID)
	s.observe(opExtractChangeset, started, err)
	return changeset, err
}

func (s *Service) extractChangeset(ctx context.Context, routeID int64) (Changeset, error) {
	if s.db == nil {
		return Changeset{}, store.NewServiceError(opExtractChangeset, reasonMissingDatabase, store.ErrMissingDatabase)
	}
	if routeID <= 0 {
		return Changeset{}, store.NewServiceError(opExtractChangeset, reasonInvalidRouteID,
			fmt.Errorf("%w: route id must be positive", store.ErrValidation))
	}

	changeset := Changeset{
		RouteID:   routeID,
		Waypoints: []store.Waypoint{},
		Comments:  []store.Comment{},
		Ratings: ChangesetRatings{
			Waypoint: []store.WaypointRating{},
			Route:    []store.RouteRating{},
			Comment:  []store.CommentRating{},
		},
		Favorites: ChangesetFavorites{Route: []store.RouteFavorite{}},
	}
	routeField := zap.Int64(fieldRouteID, routeID)

	db := s.db.WithContext(ctx)
	if err := ensureRouteExists(db, routeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Changeset{}, store.NewServiceError(opExtractChangeset, reasonRouteNotFound, err)
		}
		s.logError(opExtractChangeset, reasonRouteLookupFailed, err, routeField)
		return Changeset{}, store.NewServiceError(opExtractChangeset, reasonRouteLookupFailed, err)
	}

	queries := []struct {
		scope store.TableScope
		dest  any
		order string
	}{
		{scope: store.WaypointScope(routeID), dest: &changeset.Waypoints, order: "id"},
		{scope: store.CommentScope(routeID), dest: &changeset.Comments, order: "id"},
		{scope: store.WaypointRatingScope(routeID), dest: &changeset.Ratings.Waypoint, order: "waypoint_id, user_id"},
		{scope: store.RouteRatingScope(routeID), dest: &changeset.Ratings.Route, order: "user_id"},
		{scope: store.CommentRatingScope(routeID), dest: &changeset.Ratings.Comment, order: "comment_id, user_id"},
		{scope: store.FavoriteScope(routeID), dest: &changeset.Favorites.Route, order: "user_id"},
	}
	for _, query := range queries {
		err := db.Where(query.scope.Condition, query.scope.Args...).
			Where("sync_status <> ?", store.SyncStatusClean).
			Order(query.order).
			Find(query.dest).Error
		if err != nil {
			s.logError(opExtractChangeset, reasonQueryFailed, err, routeField, zap.String("table", query.scope.Table))
			return Changeset{}, store.NewServiceError(opExtractChangeset, reasonQueryFailed, err)
		}
	}
	return changeset, nil
}

func ensureRouteExists(db *gorm.DB, routeID int64) error {
	var route store.Route
	err := db.Select("id").Where("id = ?", routeID).Take(&route).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: route %d", store.ErrNotFound, routeID)
	}
	return err
}
