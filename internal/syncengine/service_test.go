package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testClock struct {
	current time.Time
}

func (clock *testClock) now() time.Time {
	clock.current = clock.current.Add(time.Second)
	return clock.current
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.OpenSQLite(database.Options{Path: filepath.Join(t.TempDir(), "trails.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := &testClock{current: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.now})
	require.NoError(t, err)
	return service, db
}

const sampleBundleJSON = `{
	"route": {"id": 7, "user_id": 2, "slug": "ridge-loop", "name": "Ridge Loop", "region": "north", "created_at": "2026-08-01T10:00:00Z"},
	"gpx": [{"name": "main", "geometry": {"type": "LineString", "coordinates": [[10.1, 46.2], [10.2, 46.3]]}, "file": "<gpx/>"}],
	"waypoints": [
		{"id": 101, "user_id": 2, "name": "Spring", "lat": 46.2, "lon": 10.1, "type": "water"},
		{"id": "102", "user_id": 3, "name": "Summit", "lat": 46.3, "lon": 10.2, "type": "peak"}
	],
	"comments": [
		{"id": 501, "user_id": 3, "kind": "route", "route_id": 7, "content": "Great views"},
		{"id": 502, "user_id": 2, "kind": "waypoint", "waypoint_id": 101, "content": "Cold water"}
	],
	"favorites": {"route": [{"user_id": 3}, {"user_id": 4}]},
	"ratings": {
		"route": [{"user_id": 3, "route_id": 7, "val": 1}, {"user_id": 4, "route_id": 7, "val": 1}],
		"waypoint": [{"user_id": 3, "waypoint_id": 101, "val": -1}],
		"comment": [{"user_id": 2, "comment_id": 501, "val": 1}]
	}
}`

func sampleBundle(t *testing.T) Bundle {
	t.Helper()
	var bundle Bundle
	require.NoError(t, json.Unmarshal([]byte(sampleBundleJSON), &bundle))
	return bundle
}

func TestInstallBundleRoundTripLeavesNoChanges(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	result, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(7), result.RouteID)
	require.Equal(t, 1, result.Gpx)
	require.Equal(t, 2, result.Waypoints)
	require.Equal(t, 2, result.Comments)
	require.Equal(t, 2, result.Favorites)
	require.Equal(t, 4, result.Ratings)
	require.Zero(t, result.Skipped.Total())

	changeset, err := service.ExtractChangeset(ctx, 7)
	require.NoError(t, err)
	require.True(t, changeset.Empty())
	require.NotNil(t, changeset.Waypoints)
	require.NotNil(t, changeset.Ratings.Comment)
	require.NotNil(t, changeset.Favorites.Route)

	var route store.Route
	require.NoError(t, db.First(&route, 7).Error)
	require.Equal(t, store.SyncStatusClean, route.SyncStatus)
	require.Equal(t, int64(2), route.Rating)

	var spring store.Waypoint
	require.NoError(t, db.First(&spring, 101).Error)
	require.Equal(t, int64(-1), spring.Rating)

	var comment store.Comment
	require.NoError(t, db.First(&comment, 501).Error)
	require.Equal(t, int64(1), comment.Rating)
	require.NotNil(t, comment.RouteID)
	require.Nil(t, comment.WaypointID)

	var track store.Gpx
	require.NoError(t, db.Where("route_id = ?", 7).Take(&track).Error)
	require.JSONEq(t, `{"type": "LineString", "coordinates": [[10.1, 46.2], [10.2, 46.3]]}`, string(track.Geometry))
}

func TestInstallBundleReplacesPreviousSnapshot(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)

	replacement := Bundle{
		Route:     &RouteRecord{ID: 7, UserID: 2, Slug: "ridge-loop", Name: "Ridge Loop v2"},
		Waypoints: []WaypointRecord{{ID: 102, Name: "Summit", Lat: 46.3, Lon: 10.2}},
		Gpx:       []GpxRecord{{Name: "revised"}},
	}
	result, err := service.InstallBundle(ctx, replacement, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Waypoints)

	var waypointCount, commentCount, gpxCount, favoriteCount, ratingCount int64
	require.NoError(t, db.Model(&store.Waypoint{}).Count(&waypointCount).Error)
	require.NoError(t, db.Model(&store.Comment{}).Count(&commentCount).Error)
	require.NoError(t, db.Model(&store.Gpx{}).Count(&gpxCount).Error)
	require.NoError(t, db.Model(&store.RouteFavorite{}).Count(&favoriteCount).Error)
	require.NoError(t, db.Model(&store.WaypointRating{}).Count(&ratingCount).Error)
	require.Equal(t, int64(1), waypointCount)
	require.Zero(t, commentCount)
	require.Equal(t, int64(1), gpxCount)
	require.Zero(t, favoriteCount)
	require.Zero(t, ratingCount)

	var route store.Route
	require.NoError(t, db.First(&route, 7).Error)
	require.Equal(t, "Ridge Loop v2", route.Name)
	require.Zero(t, route.Rating)
}

func TestInstallBundleSkipsMalformedRows(t *testing.T) {
	service, db := newTestService(t)

	bundle := Bundle{
		Route: &RouteRecord{ID: 9, Slug: "lake", Name: "Lake"},
		Waypoints: []WaypointRecord{
			{ID: 1, Name: "Dock", Lat: 1, Lon: 1},
			{ID: 2, Name: "   ", Lat: 1, Lon: 1},
			{ID: 0, Name: "No id", Lat: 1, Lon: 1},
		},
		Comments: []CommentRecord{
			{ID: 10, Kind: "route", Content: "ok"},
			{ID: 11, Kind: "route", Content: "  "},
			{ID: 12, Kind: "trailhead", Content: "unknown kind"},
			{ID: 13, Kind: "waypoint", WaypointID: 2, Content: "parent was skipped"},
			{ID: 14, Kind: "waypoint", WaypointID: 1, Content: "on the dock"},
		},
		Favorites: FavoriteSet{Route: []FavoriteRecord{{UserID: 0}, {UserID: 5}}},
		Ratings: RatingSet{
			Waypoint: []RatingRecord{{UserID: 5, WaypointID: 2, Val: 1}, {UserID: 5, WaypointID: 1, Val: 3}},
			Comment:  []RatingRecord{{UserID: 5, CommentID: 14, Val: -1}},
		},
	}

	result, err := service.InstallBundle(context.Background(), bundle, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Waypoints)
	require.Equal(t, 2, result.Comments)
	require.Equal(t, 1, result.Favorites)
	require.Equal(t, 1, result.Ratings)
	require.Equal(t, SkippedRows{Waypoints: 2, Comments: 3, Favorites: 1, Ratings: 2}, result.Skipped)

	var comment store.Comment
	require.NoError(t, db.First(&comment, 14).Error)
	require.Equal(t, int64(-1), comment.Rating)
}

func TestInstallBundleRejectsInvalidBundle(t *testing.T) {
	service, db := newTestService(t)

	testCases := []struct {
		name   string
		bundle Bundle
	}{
		{name: "missing route", bundle: Bundle{}},
		{name: "non-positive id", bundle: Bundle{Route: &RouteRecord{ID: -3, Slug: "a", Name: "A"}}},
		{name: "blank slug", bundle: Bundle{Route: &RouteRecord{ID: 3, Slug: " ", Name: "A"}}},
		{name: "blank name", bundle: Bundle{Route: &RouteRecord{ID: 3, Slug: "a"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.InstallBundle(context.Background(), testCase.bundle, InstallOptions{})
			require.ErrorIs(t, err, store.ErrValidation)
			require.Equal(t, "syncengine.install_bundle.invalid_bundle", store.ErrorCode(err))
		})
	}

	var routeCount int64
	require.NoError(t, db.Model(&store.Route{}).Count(&routeCount).Error)
	require.Zero(t, routeCount)
}

func TestInstallBundleRollsBackOnFailure(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE TRIGGER reject_gpx BEFORE INSERT ON gpx BEGIN SELECT RAISE(ABORT, 'gpx rejected'); END`).Error)

	replacement := Bundle{
		Route: &RouteRecord{ID: 7, Slug: "ridge-loop", Name: "Renamed"},
		Gpx:   []GpxRecord{{Name: "broken"}},
	}
	_, err = service.InstallBundle(ctx, replacement, InstallOptions{})
	require.Error(t, err)
	require.Equal(t, "syncengine.install_bundle.gpx_insert_failed", store.ErrorCode(err))

	var route store.Route
	require.NoError(t, db.First(&route, 7).Error)
	require.Equal(t, "Ridge Loop", route.Name)

	var waypointCount int64
	require.NoError(t, db.Model(&store.Waypoint{}).Where("route_id = ?", 7).Count(&waypointCount).Error)
	require.Equal(t, int64(2), waypointCount)
}

func TestInstallBundleRefusesPendingChangesUnlessForced(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&store.Waypoint{}).Where("id = ?", 101).UpdateColumn("sync_status", store.SyncStatusDirty).Error)
	require.NoError(t, db.Model(&store.CommentRating{}).Where("comment_id = ?", 501).UpdateColumn("sync_status", store.SyncStatusDeleted).Error)

	_, err = service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.ErrorIs(t, err, store.ErrPendingChanges)

	var waypoint store.Waypoint
	require.NoError(t, db.First(&waypoint, 101).Error)
	require.Equal(t, store.SyncStatusDirty, waypoint.SyncStatus)

	result, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.DiscardedPending)

	changeset, err := service.ExtractChangeset(ctx, 7)
	require.NoError(t, err)
	require.True(t, changeset.Empty())
}

func seedLocalEdits(t *testing.T, db *gorm.DB) {
	t.Helper()
	now := time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&store.Waypoint{
		ID: -1, RouteID: 7, UserID: 3, Name: "Hut", Lat: 46.25, Lon: 10.15,
		ClientUID: "0191b7a0-0000-7000-8000-000000000001", CreatedAt: now, UpdatedAt: now, SyncStatus: store.SyncStatusNew,
	}).Error)
	require.NoError(t, db.Model(&store.Waypoint{}).Where("id = ?", 102).UpdateColumn("sync_status", store.SyncStatusDirty).Error)
	require.NoError(t, db.Model(&store.Comment{}).Where("id = ?", 502).UpdateColumn("sync_status", store.SyncStatusDeleted).Error)
	require.NoError(t, db.Create(&store.WaypointRating{UserID: 3, WaypointID: 102, Val: 1, SyncStatus: store.SyncStatusNew}).Error)
	require.NoError(t, db.Model(&store.RouteRating{}).Where("user_id = ? AND route_id = ?", 3, 7).UpdateColumn("sync_status", store.SyncStatusDeleted).Error)
	require.NoError(t, db.Create(&store.RouteFavorite{UserID: 5, RouteID: 7, CreatedAt: now, SyncStatus: store.SyncStatusNew}).Error)
}

func TestExtractChangesetCollectsEveryPendingRow(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)
	seedLocalEdits(t, db)

	changeset, err := service.ExtractChangeset(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 6, changeset.Size())

	require.Len(t, changeset.Waypoints, 2)
	require.Equal(t, int64(-1), changeset.Waypoints[0].ID)
	require.Equal(t, store.SyncStatusNew, changeset.Waypoints[0].SyncStatus)
	require.Equal(t, int64(102), changeset.Waypoints[1].ID)

	require.Len(t, changeset.Comments, 1)
	require.Equal(t, int64(502), changeset.Comments[0].ID)
	require.Equal(t, store.SyncStatusDeleted, changeset.Comments[0].SyncStatus)

	require.Len(t, changeset.Ratings.Waypoint, 1)
	require.Len(t, changeset.Ratings.Route, 1)
	require.Empty(t, changeset.Ratings.Comment)
	require.Len(t, changeset.Favorites.Route, 1)

	encoded, err := json.Marshal(changeset)
	require.NoError(t, err)
	require.Contains(t, string(encoded), `"comment":[]`)
}

func TestExtractChangesetUnknownRoute(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.ExtractChangeset(context.Background(), 404)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = service.ExtractChangeset(context.Background(), 0)
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestMarkCleanRetiresTombstonesAndIsIdempotent(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)
	seedLocalEdits(t, db)

	first, err := service.MarkClean(ctx, 7)
	require.NoError(t, err)
	require.True(t, first.Changed)
	require.Equal(t, int64(2), first.Retired)
	require.Equal(t, int64(4), first.Cleared)
	require.NotNil(t, first.LastSyncedAt)

	changeset, err := service.ExtractChangeset(ctx, 7)
	require.NoError(t, err)
	require.True(t, changeset.Empty())

	var tombstoned int64
	require.NoError(t, db.Model(&store.Comment{}).Where("id = ?", 502).Count(&tombstoned).Error)
	require.Zero(t, tombstoned)

	second, err := service.MarkClean(ctx, 7)
	require.NoError(t, err)
	require.False(t, second.Changed)
	require.Zero(t, second.Retired)
	require.Zero(t, second.Cleared)
	require.True(t, first.LastSyncedAt.Equal(*second.LastSyncedAt))

	var route store.Route
	require.NoError(t, db.First(&route, 7).Error)
	require.NotNil(t, route.LastSyncedAt)
	require.True(t, route.LastSyncedAt.Equal(*first.LastSyncedAt))
}

func TestMarkCleanRetiredWaypointTakesItsChildren(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, sampleBundle(t), InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&store.Waypoint{}).Where("id = ?", 101).UpdateColumn("sync_status", store.SyncStatusDeleted).Error)

	result, err := service.MarkClean(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Retired)

	var comments, votes int64
	require.NoError(t, db.Model(&store.Comment{}).Where("waypoint_id = ?", 101).Count(&comments).Error)
	require.NoError(t, db.Model(&store.WaypointRating{}).Where("waypoint_id = ?", 101).Count(&votes).Error)
	require.Zero(t, comments)
	require.Zero(t, votes)
}

func TestMarkCleanUnknownRoute(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.MarkClean(context.Background(), 99)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, "syncengine.mark_clean.route_not_found", store.ErrorCode(err))
}

func TestRecordIDDecodesLeniently(t *testing.T) {
	testCases := map[string]int64{
		`12`:     12,
		`"34"`:   34,
		`5.0`:    5,
		`5.5`:    0,
		`"abc"`:  0,
		`null`:   0,
		`-8`:     -8,
		`"  9 "`: 9,
	}
	for raw, expected := range testCases {
		var id RecordID
		require.NoError(t, json.Unmarshal([]byte(raw), &id), raw)
		require.Equal(t, expected, id.Int64(), raw)
	}
}

func TestFavoriteSetAcceptsBareArray(t *testing.T) {
	var set FavoriteSet
	require.NoError(t, json.Unmarshal([]byte(`[{"user_id": 3}, {"user_id": "4"}]`), &set))
	require.Len(t, set.Route, 2)
	require.Equal(t, int64(4), set.Route[1].UserID.Int64())
}

func TestLoggerOrDefaultToleratesMissingLogger(t *testing.T) {
	var missing *Service
	require.Same(t, noOpLogger, missing.loggerOrDefault())

	service, _ := newTestService(t)
	require.Same(t, noOpLogger, service.loggerOrDefault())
	require.NotPanics(t, func() {
		missing.logError(opInstallBundle, reasonInvalidBundle, nil)
	})
}

func TestInstallBundleSkipsUndecodableRows(t *testing.T) {
	service, db := newTestService(t)

	const payload = `{
		"route": {"id": 7, "slug": "a", "name": "A"},
		"waypoints": [
			{"id": 1, "name": "W1", "lat": 1, "lon": 2},
			{"id": 2, "name": "W2", "lat": "north", "lon": 2},
			"garbage",
			null
		],
		"comments": [
			{"id": 10, "kind": "route", "content": "kept"},
			{"id": 11, "kind": "route", "content": {"text": "nested"}},
			42
		],
		"favorites": {"route": [{"user_id": 3}, "nobody"]},
		"ratings": {"waypoint": [{"user_id": 3, "waypoint_id": 1, "val": 1}, {"user_id": 4, "waypoint_id": 1, "val": "up"}]}
	}`
	var bundle Bundle
	require.NoError(t, json.Unmarshal([]byte(payload), &bundle))

	result, err := service.InstallBundle(context.Background(), bundle, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Waypoints)
	require.Equal(t, 1, result.Comments)
	require.Equal(t, 1, result.Favorites)
	require.Equal(t, 1, result.Ratings)
	require.Equal(t, SkippedRows{Waypoints: 3, Comments: 2, Favorites: 1, Ratings: 1}, result.Skipped)

	var waypoints []store.Waypoint
	require.NoError(t, db.Order("id").Find(&waypoints).Error)
	require.Len(t, waypoints, 1)
	require.Equal(t, "W1", waypoints[0].Name)
	require.Equal(t, int64(1), waypoints[0].Rating)
}

func TestInstallBundleRefusesToOverwriteForeignPendingRows(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	first := Bundle{
		Route:     &RouteRecord{ID: 1, Slug: "first", Name: "First"},
		Waypoints: []WaypointRecord{{ID: 50, Name: "Remote", Lat: 1, Lon: 1}},
		Comments:  []CommentRecord{{ID: 60, Kind: "route", Content: "remote note"}},
	}
	_, err := service.InstallBundle(ctx, first, InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&store.Waypoint{}).Where("id = ?", 50).
		UpdateColumns(map[string]any{"name": "local edit", "sync_status": store.SyncStatusDirty}).Error)

	second := Bundle{
		Route:     &RouteRecord{ID: 2, Slug: "second", Name: "Second"},
		Waypoints: []WaypointRecord{{ID: 50, Name: "Remote", Lat: 1, Lon: 1}},
		Comments:  []CommentRecord{{ID: 60, Kind: "route", Content: "moved"}},
	}
	_, err = service.InstallBundle(ctx, second, InstallOptions{})
	require.ErrorIs(t, err, store.ErrPendingChanges)

	var waypoint store.Waypoint
	require.NoError(t, db.First(&waypoint, 50).Error)
	require.Equal(t, int64(1), waypoint.RouteID)
	require.Equal(t, "local edit", waypoint.Name)
	require.Equal(t, store.SyncStatusDirty, waypoint.SyncStatus)

	changeset, err := service.ExtractChangeset(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, changeset.Size())

	result, err := service.InstallBundle(ctx, second, InstallOptions{Force: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.DiscardedPending)

	require.NoError(t, db.First(&waypoint, 50).Error)
	require.Equal(t, int64(2), waypoint.RouteID)
	require.Equal(t, store.SyncStatusClean, waypoint.SyncStatus)
}

func TestInstallBundleTakesOverCleanForeignRows(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	_, err := service.InstallBundle(ctx, Bundle{
		Route:    &RouteRecord{ID: 1, Slug: "first", Name: "First"},
		Comments: []CommentRecord{{ID: 60, Kind: "route", Content: "remote note"}},
	}, InstallOptions{})
	require.NoError(t, err)

	result, err := service.InstallBundle(ctx, Bundle{
		Route:    &RouteRecord{ID: 2, Slug: "second", Name: "Second"},
		Comments: []CommentRecord{{ID: 60, Kind: "route", Content: "moved"}},
	}, InstallOptions{})
	require.NoError(t, err)
	require.Zero(t, result.DiscardedPending)

	var comment store.Comment
	require.NoError(t, db.First(&comment, 60).Error)
	require.NotNil(t, comment.RouteID)
	require.Equal(t, int64(2), *comment.RouteID)
}
