package store

import (
	"fmt"

	"gorm.io/gorm"
)

const (
	waypointsOfRoute = "SELECT id FROM waypoints WHERE route_id = ?"
	commentsOfRoute  = "SELECT id FROM comments WHERE route_id = ? OR waypoint_id IN (" + waypointsOfRoute + ")"
)

// TableScope selects the rows of one synchronized table that belong to a route tree.
type TableScope struct {
	Table     string
	Condition string
	Args      []any
}

// WaypointScope selects the waypoints of a route.
func WaypointScope(routeID int64) TableScope {
	return TableScope{Table: "waypoints", Condition: "route_id = ?", Args: []any{routeID}}
}

// CommentScope selects route comments and comments on the route's waypoints.
func CommentScope(routeID int64) TableScope {
	return TableScope{
		Table:     "comments",
		Condition: "(route_id = ? OR waypoint_id IN (" + waypointsOfRoute + "))",
		Args:      []any{routeID, routeID},
	}
}

// RouteRatingScope selects votes on the route itself.
func RouteRatingScope(routeID int64) TableScope {
	return TableScope{Table: "route_ratings", Condition: "route_id = ?", Args: []any{routeID}}
}

// WaypointRatingScope selects votes on the route's waypoints.
func WaypointRatingScope(routeID int64) TableScope {
	return TableScope{
		Table:     "waypoint_ratings",
		Condition: "waypoint_id IN (" + waypointsOfRoute + ")",
		Args:      []any{routeID},
	}
}

// CommentRatingScope selects votes on every comment in the route tree.
func CommentRatingScope(routeID int64) TableScope {
	return TableScope{
		Table:     "comment_ratings",
		Condition: "comment_id IN (" + commentsOfRoute + ")",
		Args:      []any{routeID, routeID},
	}
}

// FavoriteScope selects the favorites of a route.
func FavoriteScope(routeID int64) TableScope {
	return TableScope{Table: "route_favorites", Condition: "route_id = ?", Args: []any{routeID}}
}

// RouteTreeScopes returns every synchronized child table of a route, leaves
// first so that retiring a parent tombstone never hides a child from a later scope.
func RouteTreeScopes(routeID int64) []TableScope {
	return []TableScope{
		CommentRatingScope(routeID),
		WaypointRatingScope(routeID),
		RouteRatingScope(routeID),
		FavoriteScope(routeID),
		CommentScope(routeID),
		WaypointScope(routeID),
	}
}

// Where applies the scope to a query on its table.
func (scope TableScope) Where(tx *gorm.DB) *gorm.DB {
	return tx.Table(scope.Table).Where(scope.Condition, scope.Args...)
}

// CountWithStatus counts scoped rows whose status is in statuses.
func (scope TableScope) CountWithStatus(tx *gorm.DB, statuses ...SyncStatus) (int64, error) {
	var count int64
	err := scope.Where(tx).Where("sync_status IN ?", statuses).Count(&count).Error
	return count, err
}

// DeleteWithStatus hard-deletes scoped rows whose status is in statuses.
func (scope TableScope) DeleteWithStatus(tx *gorm.DB, statuses ...SyncStatus) (int64, error) {
	statement := fmt.Sprintf("DELETE FROM %s WHERE sync_status IN ? AND %s", scope.Table, scope.Condition)
	result := tx.Exec(statement, append([]any{statuses}, scope.Args...)...)
	return result.RowsAffected, result.Error
}

// SetStatus moves scoped rows in from to the target status.
func (scope TableScope) SetStatus(tx *gorm.DB, target SyncStatus, from ...SyncStatus) (int64, error) {
	statement := fmt.Sprintf("UPDATE %s SET sync_status = ? WHERE sync_status IN ? AND %s", scope.Table, scope.Condition)
	result := tx.Exec(statement, append([]any{target, from}, scope.Args...)...)
	return result.RowsAffected, result.Error
}

// CountPendingRows counts non-clean rows across the whole route tree.
func CountPendingRows(tx *gorm.DB, routeID int64) (int64, error) {
	var total int64
	for _, scope := range RouteTreeScopes(routeID) {
		count, err := scope.CountWithStatus(tx, SyncStatusNew, SyncStatusDirty, SyncStatusDeleted)
		if err != nil {
			return 0, fmt.Errorf("count pending %s: %w", scope.Table, err)
		}
		total += count
	}
	return total, nil
}

// ForeignScopes selects the listed waypoints and comments that currently belong
// to a route tree other than routeID.
func ForeignScopes(routeID int64, waypointIDs, commentIDs []int64) []TableScope {
	scopes := make([]TableScope, 0, 2)
	if len(waypointIDs) > 0 {
		scopes = append(scopes, TableScope{
			Table:     "waypoints",
			Condition: "id IN ? AND route_id <> ?",
			Args:      []any{waypointIDs, routeID},
		})
	}
	if len(commentIDs) > 0 {
		scopes = append(scopes, TableScope{
			Table:     "comments",
			Condition: "id IN ? AND NOT (COALESCE(route_id, 0) = ? OR COALESCE(waypoint_id, 0) IN (" + waypointsOfRoute + "))",
			Args:      []any{commentIDs, routeID, routeID},
		})
	}
	return scopes
}

// CountForeignPendingRows counts non-clean rows selected by ForeignScopes.
func CountForeignPendingRows(tx *gorm.DB, routeID int64, waypointIDs, commentIDs []int64) (int64, error) {
	var total int64
	for _, scope := range ForeignScopes(routeID, waypointIDs, commentIDs) {
		count, err := scope.CountWithStatus(tx, SyncStatusNew, SyncStatusDirty, SyncStatusDeleted)
		if err != nil {
			return 0, fmt.Errorf("count foreign pending %s: %w", scope.Table, err)
		}
		total += count
	}
	return total, nil
}
