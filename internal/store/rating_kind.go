package store

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// RatingKind names the entity a vote targets.
type RatingKind string

const (
	RatingKindRoute    RatingKind = "route"
	RatingKindWaypoint RatingKind = "waypoint"
	RatingKindComment  RatingKind = "comment"
)

// RatingKinds lists every votable entity kind.
var RatingKinds = []RatingKind{RatingKindRoute, RatingKindWaypoint, RatingKindComment}

type ratingTables struct {
	ratingTable  string
	targetColumn string
	parentTable  string
}

var ratingTablesByKind = map[RatingKind]ratingTables{
	RatingKindRoute:    {ratingTable: "route_ratings", targetColumn: "route_id", parentTable: "routes"},
	RatingKindWaypoint: {ratingTable: "waypoint_ratings", targetColumn: "waypoint_id", parentTable: "waypoints"},
	RatingKindComment:  {ratingTable: "comment_ratings", targetColumn: "comment_id", parentTable: "comments"},
}

// ParseRatingKind normalizes raw input into a RatingKind.
func ParseRatingKind(rawInput string) (RatingKind, error) {
	kind := RatingKind(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := ratingTablesByKind[kind]; !ok {
		return "", fmt.Errorf("%w: unknown rating kind %q", ErrValidation, rawInput)
	}
	return kind, nil
}

// RatingTable returns the table holding per-user votes for the kind.
func (kind RatingKind) RatingTable() string {
	return ratingTablesByKind[kind].ratingTable
}

// TargetColumn returns the rating table column referencing the voted entity.
func (kind RatingKind) TargetColumn() string {
	return ratingTablesByKind[kind].targetColumn
}

// ParentTable returns the table holding the voted entity and its aggregate.
func (kind RatingKind) ParentTable() string {
	return ratingTablesByKind[kind].parentTable
}

// RatingVote is the kind-independent projection of a rating row.
type RatingVote struct {
	UserID     int64      `gorm:"column:user_id"`
	TargetID   int64      `gorm:"column:target_id"`
	Val        int        `gorm:"column:val"`
	SyncStatus SyncStatus `gorm:"column:sync_status"`
}

// ValidVote reports whether val is an allowed rating value.
func ValidVote(val int) bool {
	return val == 1 || val == -1
}

// SumVotes returns SUM(val) over the non-deleted votes for one target.
func SumVotes(tx *gorm.DB, kind RatingKind, targetID int64) (int64, error) {
	var total int64
	err := tx.Table(kind.RatingTable()).
		Select("COALESCE(SUM(val), 0)").
		Where(kind.TargetColumn()+" = ? AND sync_status <> ?", targetID, SyncStatusDeleted).
		Scan(&total).Error
	return total, err
}

// RecomputeAggregate writes SUM(val) of the target's live votes onto its rating
// column and returns the stored total.
func RecomputeAggregate(tx *gorm.DB, kind RatingKind, targetID int64) (int64, error) {
	total, err := SumVotes(tx, kind, targetID)
	if err != nil {
		return 0, err
	}
	if err := tx.Table(kind.ParentTable()).
		Where("id = ?", targetID).
		UpdateColumn("rating", total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// RecomputeAggregatesWhere refreshes the rating column of every parent row
// matching condition in a single statement.
func RecomputeAggregatesWhere(tx *gorm.DB, kind RatingKind, condition string, args ...any) error {
	parent := kind.ParentTable()
	statement := fmt.Sprintf(
		"UPDATE %s SET rating = COALESCE((SELECT SUM(r.val) FROM %s r WHERE r.%s = %s.id AND r.sync_status <> ?), 0)",
		parent, kind.RatingTable(), kind.TargetColumn(), parent,
	)
	values := []any{SyncStatusDeleted}
	if condition != "" {
		statement += " WHERE " + condition
		values = append(values, args...)
	}
	return tx.Exec(statement, values...).Error
}
