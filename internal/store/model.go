package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SyncStatus tracks how a local row relates to the remote store.
type SyncStatus string

const (
	// SyncStatusClean marks a row that matches the remote store exactly.
	SyncStatusClean SyncStatus = "clean"
	// SyncStatusNew marks a row that only exists locally.
	SyncStatusNew SyncStatus = "new"
	// SyncStatusDirty marks a previously synced row modified locally.
	SyncStatusDirty SyncStatus = "dirty"
	// SyncStatusDeleted marks a tombstone awaiting remote deletion.
	SyncStatusDeleted SyncStatus = "deleted"
)

// Valid reports whether the status is one of the known values.
func (status SyncStatus) Valid() bool {
	switch status {
	case SyncStatusClean, SyncStatusNew, SyncStatusDirty, SyncStatusDeleted:
		return true
	default:
		return false
	}
}

// Edited returns the status a row takes after a local modification.
// Rows that never reached the remote store stay new.
func (status SyncStatus) Edited() SyncStatus {
	if status == SyncStatusNew {
		return SyncStatusNew
	}
	return SyncStatusDirty
}

// CommentKind selects the parent entity of a comment.
type CommentKind string

const (
	CommentKindRoute    CommentKind = "route"
	CommentKindWaypoint CommentKind = "waypoint"
)

// ParseCommentKind normalizes raw input into a CommentKind.
func ParseCommentKind(rawInput string) (CommentKind, error) {
	switch CommentKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case CommentKindRoute:
		return CommentKindRoute, nil
	case CommentKindWaypoint:
		return CommentKindWaypoint, nil
	default:
		return "", fmt.Errorf("%w: unknown comment kind %q", ErrValidation, rawInput)
	}
}

var errInvalidIdentifier = errors.New("invalid identifier")

// ParseID parses a path or query identifier. Locally created rows carry negative
// identifiers, so only zero and non-numeric input are rejected.
func ParseID(rawInput string) (int64, error) {
	trimmed := strings.TrimSpace(rawInput)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value == 0 {
		return 0, fmt.Errorf("%w: %w %q", ErrValidation, errInvalidIdentifier, rawInput)
	}
	return value, nil
}

// ParseRouteID parses a route identifier. Routes are always remote-assigned.
func ParseRouteID(rawInput string) (int64, error) {
	value, err := ParseID(rawInput)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: %w %q", ErrValidation, errInvalidIdentifier, rawInput)
	}
	return value, nil
}

// Route mirrors a remote route and owns every other synchronized row.
type Route struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID       int64      `gorm:"column:user_id" json:"user_id"`
	Slug         string     `gorm:"column:slug" json:"slug"`
	Name         string     `gorm:"column:name" json:"name"`
	Description  string     `gorm:"column:description" json:"description"`
	Region       string     `gorm:"column:region" json:"region"`
	Rating       int64      `gorm:"column:rating" json:"rating"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	SyncStatus   SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Route) TableName() string {
	return "routes"
}

// Gpx stores a track attached to a route. Tracks are remote-authored and are
// replaced wholesale on every bundle install.
type Gpx struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RouteID   int64          `gorm:"column:route_id" json:"route_id"`
	Name      string         `gorm:"column:name" json:"name"`
	Geometry  datatypes.JSON `gorm:"column:geometry" json:"geometry"`
	File      []byte         `gorm:"column:file" json:"-"`
	CreatedAt time.Time      `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Gpx) TableName() string {
	return "gpx"
}

// Waypoint is a point of interest along a route.
type Waypoint struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	RouteID     int64      `gorm:"column:route_id" json:"route_id"`
	UserID      int64      `gorm:"column:user_id" json:"user_id"`
	Name        string     `gorm:"column:name" json:"name"`
	Description string     `gorm:"column:description" json:"description"`
	Lat         float64    `gorm:"column:lat" json:"lat"`
	Lon         float64    `gorm:"column:lon" json:"lon"`
	Type        string     `gorm:"column:type" json:"type"`
	Rating      int64      `gorm:"column:rating" json:"rating"`
	ClientUID   string     `gorm:"column:client_uid" json:"client_uid,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
	SyncStatus  SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Waypoint) TableName() string {
	return "waypoints"
}

// Comment belongs to exactly one of a route or a waypoint.
type Comment struct {
	ID         int64       `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	UserID     int64       `gorm:"column:user_id" json:"user_id"`
	Kind       CommentKind `gorm:"column:kind" json:"kind"`
	RouteID    *int64      `gorm:"column:route_id" json:"route_id"`
	WaypointID *int64      `gorm:"column:waypoint_id" json:"waypoint_id"`
	Content    string      `gorm:"column:content" json:"content"`
	Rating     int64       `gorm:"column:rating" json:"rating"`
	Edited     bool        `gorm:"column:edited" json:"edited"`
	ClientUID  string      `gorm:"column:client_uid" json:"client_uid,omitempty"`
	CreatedAt  time.Time   `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	UpdatedAt  time.Time   `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
	SyncStatus SyncStatus  `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// RouteFavorite records that a user starred a route.
type RouteFavorite struct {
	UserID     int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	RouteID    int64      `gorm:"column:route_id;primaryKey;autoIncrement:false" json:"route_id"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	SyncStatus SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (RouteFavorite) TableName() string {
	return "route_favorites"
}

// RouteRating is one user's vote on a route.
type RouteRating struct {
	UserID     int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	RouteID    int64      `gorm:"column:route_id;primaryKey;autoIncrement:false" json:"route_id"`
	Val        int        `gorm:"column:val" json:"val"`
	SyncStatus SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (RouteRating) TableName() string {
	return "route_ratings"
}

// WaypointRating is one user's vote on a waypoint.
type WaypointRating struct {
	UserID     int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	WaypointID int64      `gorm:"column:waypoint_id;primaryKey;autoIncrement:false" json:"waypoint_id"`
	Val        int        `gorm:"column:val" json:"val"`
	SyncStatus SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (WaypointRating) TableName() string {
	return "waypoint_ratings"
}

// CommentRating is one user's vote on a comment.
type CommentRating struct {
	UserID     int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	CommentID  int64      `gorm:"column:comment_id;primaryKey;autoIncrement:false" json:"comment_id"`
	Val        int        `gorm:"column:val" json:"val"`
	SyncStatus SyncStatus `gorm:"column:sync_status" json:"sync_status"`
}

// TableName provides the explicit table binding for GORM.
func (CommentRating) TableName() string {
	return "comment_ratings"
}
