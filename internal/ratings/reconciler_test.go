package ratings

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testRouteID    int64 = 1
	testWaypointID int64 = 10
	testCommentID  int64 = 20
)

func newTestReconciler(t *testing.T, recorder *metrics.Recorder, logger *zap.Logger) (*Reconciler, *gorm.DB) {
	t.Helper()
	db, err := database.OpenSQLite(database.Options{Path: filepath.Join(t.TempDir(), "ratings.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	routeID := testRouteID
	require.NoError(t, db.Create(&store.Route{ID: testRouteID, Slug: "ridge", Name: "Ridge", CreatedAt: now, UpdatedAt: now, SyncStatus: store.SyncStatusClean}).Error)
	require.NoError(t, db.Create(&store.Waypoint{ID: testWaypointID, RouteID: testRouteID, Name: "Spring", CreatedAt: now, UpdatedAt: now, SyncStatus: store.SyncStatusClean}).Error)
	require.NoError(t, db.Create(&store.Comment{ID: testCommentID, Kind: store.CommentKindRoute, RouteID: &routeID, Content: "nice", CreatedAt: now, UpdatedAt: now, SyncStatus: store.SyncStatusClean}).Error)

	reconciler, err := NewReconciler(ReconcilerConfig{Database: db, Logger: logger, Metrics: recorder})
	require.NoError(t, err)
	return reconciler, db
}

func loadStoredVote(t *testing.T, db *gorm.DB, kind store.RatingKind, targetID, userID int64) *store.RatingVote {
	t.Helper()
	vote, err := loadVote(db, kind, targetID, userID)
	require.NoError(t, err)
	return vote
}

func TestVoteToggleOnNewRowLeavesNoTombstone(t *testing.T) {
	reconciler, db := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	summary, err := reconciler.Vote(ctx, store.RatingKindWaypoint, testWaypointID, 5, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Total)
	require.NotNil(t, summary.UserRating)
	require.Equal(t, 1, *summary.UserRating)

	summary, err = reconciler.Vote(ctx, store.RatingKindWaypoint, testWaypointID, 5, 1)
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Nil(t, summary.UserRating)
	require.Nil(t, loadStoredVote(t, db, store.RatingKindWaypoint, testWaypointID, 5))

	var waypoint store.Waypoint
	require.NoError(t, db.First(&waypoint, testWaypointID).Error)
	require.Zero(t, waypoint.Rating)
}

func TestVoteToggleOnSyncedRowTombstonesAndRevives(t *testing.T) {
	reconciler, db := newTestReconciler(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, db.Create(&store.RouteRating{UserID: 5, RouteID: testRouteID, Val: 1, SyncStatus: store.SyncStatusClean}).Error)
	_, err := store.RecomputeAggregate(db, store.RatingKindRoute, testRouteID)
	require.NoError(t, err)

	summary, err := reconciler.Vote(ctx, store.RatingKindRoute, testRouteID, 5, 1)
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Nil(t, summary.UserRating)
	vote := loadStoredVote(t, db, store.RatingKindRoute, testRouteID, 5)
	require.NotNil(t, vote)
	require.Equal(t, store.SyncStatusDeleted, vote.SyncStatus)

	userID := int64(5)
	fetched, err := reconciler.Get(ctx, store.RatingKindRoute, testRouteID, &userID)
	require.NoError(t, err)
	require.Zero(t, fetched.Total)
	require.Nil(t, fetched.UserRating)

	summary, err = reconciler.Vote(ctx, store.RatingKindRoute, testRouteID, 5, -1)
	require.NoError(t, err)
	require.Equal(t, int64(-1), summary.Total)
	vote = loadStoredVote(t, db, store.RatingKindRoute, testRouteID, 5)
	require.Equal(t, store.SyncStatusDirty, vote.SyncStatus)
	require.Equal(t, -1, vote.Val)
}

func TestVoteChangeFlipsValue(t *testing.T) {
	recorder := metrics.NewRecorder()
	reconciler, db := newTestReconciler(t, recorder, nil)
	ctx := context.Background()

	_, err := reconciler.Vote(ctx, store.RatingKindComment, testCommentID, 7, 1)
	require.NoError(t, err)
	_, err = reconciler.Vote(ctx, store.RatingKindComment, testCommentID, 8, 1)
	require.NoError(t, err)
	summary, err := reconciler.Vote(ctx, store.RatingKindComment, testCommentID, 7, -1)
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Equal(t, -1, *summary.UserRating)

	vote := loadStoredVote(t, db, store.RatingKindComment, testCommentID, 7)
	require.Equal(t, store.SyncStatusNew, vote.SyncStatus)

	const expectedVotes = `
# HELP trailsync_ratings_votes_total Rating transitions by target kind
# TYPE trailsync_ratings_votes_total counter
trailsync_ratings_votes_total{kind="comment",transition="change"} 1
trailsync_ratings_votes_total{kind="comment",transition="insert"} 2
`
	require.NoError(t, testutil.GatherAndCompare(recorder.Gatherer(), strings.NewReader(expectedVotes), "trailsync_ratings_votes_total"))
}

func TestVoteAggregateMatchesSumAfterRandomSequence(t *testing.T) {
	reconciler, db := newTestReconciler(t, nil, nil)
	ctx := context.Background()
	random := rand.New(rand.NewSource(42))

	targets := []struct {
		kind store.RatingKind
		id   int64
	}{
		{kind: store.RatingKindRoute, id: testRouteID},
		{kind: store.RatingKindWaypoint, id: testWaypointID},
		{kind: store.RatingKindComment, id: testCommentID},
	}

	for step := 0; step < 200; step++ {
		target := targets[random.Intn(len(targets))]
		userID := int64(random.Intn(6) + 1)
		val := 1
		if random.Intn(2) == 0 {
			val = -1
		}
		if step%37 == 0 {
			// Simulate a commit so later toggles produce tombstones.
			for _, kind := range store.RatingKinds {
				require.NoError(t, db.Exec("DELETE FROM "+kind.RatingTable()+" WHERE sync_status = ?", store.SyncStatusDeleted).Error)
				require.NoError(t, db.Exec("UPDATE "+kind.RatingTable()+" SET sync_status = ?", store.SyncStatusClean).Error)
			}
		}
		summary, err := reconciler.Vote(ctx, target.kind, target.id, userID, val)
		require.NoError(t, err)

		sum, err := store.SumVotes(db, target.kind, target.id)
		require.NoError(t, err)
		require.Equal(t, sum, summary.Total, "step %d", step)
	}

	for _, target := range targets {
		sum, err := store.SumVotes(db, target.kind, target.id)
		require.NoError(t, err)
		fetched, err := reconciler.Get(ctx, target.kind, target.id, nil)
		require.NoError(t, err)
		require.Equal(t, sum, fetched.Total)
	}
}

func TestVoteRejectsMissingOrTombstonedTarget(t *testing.T) {
	reconciler, db := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	_, err := reconciler.Vote(ctx, store.RatingKindWaypoint, 999, 5, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, db.Model(&store.Waypoint{}).Where("id = ?", testWaypointID).UpdateColumn("sync_status", store.SyncStatusDeleted).Error)
	_, err = reconciler.Vote(ctx, store.RatingKindWaypoint, testWaypointID, 5, 1)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, "ratings.vote.target_not_found", store.ErrorCode(err))

	_, err = reconciler.Get(ctx, store.RatingKindWaypoint, testWaypointID, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestVoteRejectsInvalidInput(t *testing.T) {
	reconciler, _ := newTestReconciler(t, nil, nil)
	ctx := context.Background()

	testCases := []struct {
		name     string
		kind     store.RatingKind
		targetID int64
		userID   int64
		val      int
		code     string
	}{
		{name: "unknown kind", kind: "gpx", targetID: 1, userID: 1, val: 1, code: "ratings.vote.invalid_kind"},
		{name: "zero target", kind: store.RatingKindWaypoint, targetID: 0, userID: 1, val: 1, code: "ratings.vote.invalid_target"},
		{name: "negative route", kind: store.RatingKindRoute, targetID: -1, userID: 1, val: 1, code: "ratings.vote.invalid_target"},
		{name: "missing user", kind: store.RatingKindRoute, targetID: 1, userID: 0, val: 1, code: "ratings.vote.invalid_user"},
		{name: "bad value", kind: store.RatingKindRoute, targetID: 1, userID: 1, val: 0, code: "ratings.vote.invalid_vote"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := reconciler.Vote(ctx, testCase.kind, testCase.targetID, testCase.userID, testCase.val)
			require.ErrorIs(t, err, store.ErrValidation)
			require.Equal(t, testCase.code, store.ErrorCode(err))
		})
	}
}

func TestVoteLogsAggregateDrift(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reconciler, db := newTestReconciler(t, nil, zap.New(core))

	require.NoError(t, db.Model(&store.Route{}).Where("id = ?", testRouteID).UpdateColumn("rating", 40).Error)

	summary, err := reconciler.Vote(context.Background(), store.RatingKindRoute, testRouteID, 5, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Total)

	entries := logs.FilterMessage("rating aggregate drift corrected").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(41), entries[0].ContextMap()["expected"])
}
