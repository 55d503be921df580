package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"gorm.io/datatypes"
)

// RecordID is a remote identifier decoded leniently. Numbers and numeric strings
// parse; anything else decodes to zero so the owning row is skipped instead of
// failing the whole bundle.
type RecordID int64

func (id *RecordID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(strings.Trim(strings.TrimSpace(string(data)), `"`))
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*id = RecordID(value)
		return nil
	}
	if value, err := strconv.ParseFloat(raw, 64); err == nil && value == math.Trunc(value) && math.Abs(value) < math.MaxInt64 {
		*id = RecordID(value)
		return nil
	}
	*id = 0
	return nil
}

// Int64 exposes the raw identifier.
func (id RecordID) Int64() int64 {
	return int64(id)
}

// RecordTime accepts RFC 3339 strings or unix seconds. Unparsable values decode
// to the zero time and are replaced by the install time.
type RecordTime struct {
	time.Time
}

func (value *RecordTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	value.Time = time.Time{}
	if raw == "null" || raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		parsed, err := time.Parse(time.RFC3339Nano, strings.Trim(raw, `"`))
		if err == nil {
			value.Time = parsed.UTC()
		}
		return nil
	}
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil && seconds > 0 {
		value.Time = time.Unix(seconds, 0).UTC()
	}
	return nil
}

func (value RecordTime) orDefault(fallback time.Time) time.Time {
	if value.IsZero() {
		return fallback
	}
	return value.Time
}

// Bundle is an authoritative snapshot of one route and its children.
type Bundle struct {
	Route     *RouteRecord     `json:"route"`
	Gpx       []GpxRecord      `json:"gpx"`
	Waypoints []WaypointRecord `json:"waypoints"`
	Comments  []CommentRecord  `json:"comments"`
	Favorites FavoriteSet      `json:"favorites"`
	Ratings   RatingSet        `json:"ratings"`
}

// RouteRecord carries the route row of a bundle.
type RouteRecord struct {
	ID          RecordID   `json:"id"`
	UserID      RecordID   `json:"user_id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Region      string     `json:"region"`
	CreatedAt   RecordTime `json:"created_at"`
	UpdatedAt   RecordTime `json:"updated_at"`
}

// GpxRecord carries one track. Geometry is stored as a JSON document.
type GpxRecord struct {
	Name      string          `json:"name"`
	Geometry  json.RawMessage `json:"geometry"`
	File      string          `json:"file"`
	CreatedAt RecordTime      `json:"created_at"`
}

// WaypointRecord carries one waypoint.
type WaypointRecord struct {
	ID          RecordID   `json:"id"`
	UserID      RecordID   `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Lat         float64    `json:"lat"`
	Lon         float64    `json:"lon"`
	Type        string     `json:"type"`
	CreatedAt   RecordTime `json:"created_at"`
	UpdatedAt   RecordTime `json:"updated_at"`

	malformed bool
}

func (record *WaypointRecord) UnmarshalJSON(data []byte) error {
	type plain WaypointRecord
	var decoded plain
	ok := decodeRow(data, &decoded)
	*record = WaypointRecord(decoded)
	record.malformed = !ok
	return nil
}

// CommentRecord carries one route or waypoint comment.
type CommentRecord struct {
	ID         RecordID   `json:"id"`
	UserID     RecordID   `json:"user_id"`
	Kind       string     `json:"kind"`
	RouteID    RecordID   `json:"route_id"`
	WaypointID RecordID   `json:"waypoint_id"`
	Content    string     `json:"content"`
	Edited     bool       `json:"edited"`
	CreatedAt  RecordTime `json:"created_at"`
	UpdatedAt  RecordTime `json:"updated_at"`

	malformed bool
}

func (record *CommentRecord) UnmarshalJSON(data []byte) error {
	type plain CommentRecord
	var decoded plain
	ok := decodeRow(data, &decoded)
	*record = CommentRecord(decoded)
	record.malformed = !ok
	return nil
}

// FavoriteSet groups favorites by entity; only routes can be favorited.
type FavoriteSet struct {
	Route []FavoriteRecord `json:"route"`
}

// UnmarshalJSON also accepts a bare array of route favorites.
func (set *FavoriteSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return json.Unmarshal(trimmed, &set.Route)
	}
	type plain FavoriteSet
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*set = FavoriteSet(decoded)
	return nil
}

// FavoriteRecord carries one route favorite.
type FavoriteRecord struct {
	UserID    RecordID   `json:"user_id"`
	CreatedAt RecordTime `json:"created_at"`

	malformed bool
}

func (record *FavoriteRecord) UnmarshalJSON(data []byte) error {
	type plain FavoriteRecord
	var decoded plain
	ok := decodeRow(data, &decoded)
	*record = FavoriteRecord(decoded)
	record.malformed = !ok
	return nil
}

// RatingSet carries authoritative votes for the route tree.
type RatingSet struct {
	Route    []RatingRecord `json:"route"`
	Waypoint []RatingRecord `json:"waypoint"`
	Comment  []RatingRecord `json:"comment"`
}

// RatingRecord carries one vote; the target column depends on the set it is in.
type RatingRecord struct {
	UserID     RecordID `json:"user_id"`
	RouteID    RecordID `json:"route_id"`
	WaypointID RecordID `json:"waypoint_id"`
	CommentID  RecordID `json:"comment_id"`
	Val        int      `json:"val"`

	malformed bool
}

func (record *RatingRecord) UnmarshalJSON(data []byte) error {
	type plain RatingRecord
	var decoded plain
	ok := decodeRow(data, &decoded)
	*record = RatingRecord(decoded)
	record.malformed = !ok
	return nil
}

// decodeRow decodes one bundle row into target and reports whether the row was
// a well formed object. Row level errors never fail the enclosing bundle.
func decodeRow(data []byte, target any) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, target) == nil
}

// Validate checks the bundle preconditions that must hold before any mutation.
func (bundle Bundle) Validate() error {
	if bundle.Route == nil {
		return fmt.Errorf("%w: route is required", store.ErrValidation)
	}
	if bundle.Route.ID <= 0 {
		return fmt.Errorf("%w: route id is required", store.ErrValidation)
	}
	if strings.TrimSpace(bundle.Route.Slug) == "" {
		return fmt.Errorf("%w: route slug is required", store.ErrValidation)
	}
	if strings.TrimSpace(bundle.Route.Name) == "" {
		return fmt.Errorf("%w: route name is required", store.ErrValidation)
	}
	return nil
}

// waypointIDs lists the ids of well formed waypoint rows.
func (bundle Bundle) waypointIDs() []int64 {
	ids := make([]int64, 0, len(bundle.Waypoints))
	for _, record := range bundle.Waypoints {
		if !record.malformed && record.ID > 0 {
			ids = append(ids, record.ID.Int64())
		}
	}
	return ids
}

// commentIDs lists the ids of well formed comment rows.
func (bundle Bundle) commentIDs() []int64 {
	ids := make([]int64, 0, len(bundle.Comments))
	for _, record := range bundle.Comments {
		if !record.malformed && record.ID > 0 {
			ids = append(ids, record.ID.Int64())
		}
	}
	return ids
}

func (record RouteRecord) toModel(now time.Time) store.Route {
	createdAt := record.CreatedAt.orDefault(now)
	return store.Route{
		ID:          record.ID.Int64(),
		UserID:      record.UserID.Int64(),
		Slug:        strings.TrimSpace(record.Slug),
		Name:        strings.TrimSpace(record.Name),
		Description: record.Description,
		Region:      record.Region,
		CreatedAt:   createdAt,
		UpdatedAt:   record.UpdatedAt.orDefault(createdAt),
		SyncStatus:  store.SyncStatusClean,
	}
}

func (record GpxRecord) toModel(routeID int64, now time.Time) store.Gpx {
	var geometry datatypes.JSON
	if len(bytes.TrimSpace(record.Geometry)) > 0 && json.Valid(record.Geometry) {
		geometry = datatypes.JSON(record.Geometry)
	}
	return store.Gpx{
		RouteID:   routeID,
		Name:      record.Name,
		Geometry:  geometry,
		File:      []byte(record.File),
		CreatedAt: record.CreatedAt.orDefault(now),
	}
}

func (record WaypointRecord) toModel(routeID int64, now time.Time) (store.Waypoint, bool) {
	name := strings.TrimSpace(record.Name)
	if record.malformed || record.ID <= 0 || name == "" {
		return store.Waypoint{}, false
	}
	if math.IsNaN(record.Lat) || math.IsNaN(record.Lon) {
		return store.Waypoint{}, false
	}
	createdAt := record.CreatedAt.orDefault(now)
	return store.Waypoint{
		ID:          record.ID.Int64(),
		RouteID:     routeID,
		UserID:      record.UserID.Int64(),
		Name:        name,
		Description: record.Description,
		Lat:         record.Lat,
		Lon:         record.Lon,
		Type:        record.Type,
		CreatedAt:   createdAt,
		UpdatedAt:   record.UpdatedAt.orDefault(createdAt),
		SyncStatus:  store.SyncStatusClean,
	}, true
}

// toModel resolves the comment parent from its kind. Waypoint comments must point
// at a waypoint installed from the same bundle.
func (record CommentRecord) toModel(routeID int64, installedWaypoints map[int64]struct{}, now time.Time) (store.Comment, bool) {
	content := strings.TrimSpace(record.Content)
	if record.malformed || record.ID <= 0 || content == "" {
		return store.Comment{}, false
	}
	kind, err := store.ParseCommentKind(record.Kind)
	if err != nil {
		return store.Comment{}, false
	}
	createdAt := record.CreatedAt.orDefault(now)
	comment := store.Comment{
		ID:         record.ID.Int64(),
		UserID:     record.UserID.Int64(),
		Kind:       kind,
		Content:    content,
		Edited:     record.Edited,
		CreatedAt:  createdAt,
		UpdatedAt:  record.UpdatedAt.orDefault(createdAt),
		SyncStatus: store.SyncStatusClean,
	}
	switch kind {
	case store.CommentKindRoute:
		parent := routeID
		comment.RouteID = &parent
	case store.CommentKindWaypoint:
		waypointID := record.WaypointID.Int64()
		if _, ok := installedWaypoints[waypointID]; !ok {
			return store.Comment{}, false
		}
		comment.WaypointID = &waypointID
	}
	return comment, true
}
