// Package ratings applies up/down votes to local rating rows and keeps the
// aggregate rating columns of routes, waypoints and comments consistent.
package ratings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opReconcilerNew = "ratings.reconciler.new"
	opVote          = "ratings.vote"
	opGet           = "ratings.get"

	reasonMissingDatabase = "missing_database"
	reasonInvalidKind     = "invalid_kind"
	reasonInvalidTarget   = "invalid_target"
	reasonInvalidUser     = "invalid_user"
	reasonInvalidVote     = "invalid_vote"
	reasonTargetNotFound  = "target_not_found"
	reasonTargetLookup    = "target_lookup_failed"
	reasonVoteLookup      = "vote_lookup_failed"
	reasonVoteWrite       = "vote_write_failed"
	reasonAggregateFailed = "aggregate_recompute_failed"
)

var noOpLogger = zap.NewNop()

// Summary is the read-side view of a target's rating.
type Summary struct {
	Total      int64 `json:"total"`
	UserRating *int  `json:"user_rating"`
}

// ReconcilerConfig describes the dependencies of the Reconciler.
type ReconcilerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Reconciler records votes and maintains rating aggregates.
type Reconciler struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// NewReconciler validates the configuration and constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, store.NewServiceError(opReconcilerNew, reasonMissingDatabase, store.ErrMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{db: cfg.Database, logger: logger, metrics: cfg.Metrics}, nil
}

type targetRow struct {
	ID         int64            `gorm:"column:id"`
	Rating     int64            `gorm:"column:rating"`
	SyncStatus store.SyncStatus `gorm:"column:sync_status"`
}

// Vote applies val from userID to the target and returns the refreshed summary.
// The whole transition and the aggregate refresh share one transaction.
func (reconciler *Reconciler) Vote(ctx context.Context, kind store.RatingKind, targetID, userID int64, val int) (Summary, error) {
	started := time.Now()
	summary, transition, err := reconciler.vote(ctx, kind, targetID, userID, val)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	} else {
		reconciler.metrics.CountVote(string(kind), string(transition))
	}
	reconciler.metrics.ObserveOperation(opVote, outcome, time.Since(started))
	return summary, err
}

func (reconciler *Reconciler) vote(ctx context.Context, kind store.RatingKind, targetID, userID int64, val int) (Summary, Transition, error) {
	if err := validateTarget(kind, targetID); err != nil {
		return Summary{}, "", store.NewServiceError(opVote, reasonForTargetError(kind), err)
	}
	if userID <= 0 {
		return Summary{}, "", store.NewServiceError(opVote, reasonInvalidUser, fmt.Errorf("%w: user id is required", store.ErrValidation))
	}
	if !store.ValidVote(val) {
		return Summary{}, "", store.NewServiceError(opVote, reasonInvalidVote, fmt.Errorf("%w: vote must be 1 or -1", store.ErrValidation))
	}

	fields := []zap.Field{
		zap.String("kind", string(kind)),
		zap.Int64("target_id", targetID),
		zap.Int64("user_id", userID),
	}

	var summary Summary
	var transition Transition
	err := reconciler.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		target, err := loadTarget(transaction, kind, targetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.NewServiceError(opVote, reasonTargetNotFound, err)
			}
			reconciler.logError(opVote, reasonTargetLookup, err, fields...)
			return store.NewServiceError(opVote, reasonTargetLookup, err)
		}

		existing, err := loadVote(transaction, kind, targetID, userID)
		if err != nil {
			reconciler.logError(opVote, reasonVoteLookup, err, fields...)
			return store.NewServiceError(opVote, reasonVoteLookup, err)
		}

		outcome, err := resolveVote(existing, userID, targetID, val)
		if err != nil {
			return store.NewServiceError(opVote, reasonInvalidVote, err)
		}
		if err := applyOutcome(transaction, kind, targetID, userID, outcome); err != nil {
			reconciler.logError(opVote, reasonVoteWrite, err, fields...)
			return store.NewServiceError(opVote, reasonVoteWrite, err)
		}

		total, err := store.RecomputeAggregate(transaction, kind, targetID)
		if err != nil {
			reconciler.logError(opVote, reasonAggregateFailed, err, fields...)
			return store.NewServiceError(opVote, reasonAggregateFailed, err)
		}
		if expected := target.Rating + int64(outcome.Delta); expected != total {
			reconciler.logger.Warn("rating aggregate drift corrected",
				append(fields, zap.Int64("expected", expected), zap.Int64("recomputed", total))...)
		}

		summary = Summary{Total: total, UserRating: outcome.UserRating}
		transition = outcome.Transition
		return nil
	})
	if err != nil {
		return Summary{}, "", err
	}
	return summary, transition, nil
}

// Get reads the target's aggregate and, when userID is given, that user's live vote.
func (reconciler *Reconciler) Get(ctx context.Context, kind store.RatingKind, targetID int64, userID *int64) (Summary, error) {
	if err := validateTarget(kind, targetID); err != nil {
		return Summary{}, store.NewServiceError(opGet, reasonForTargetError(kind), err)
	}

	db := reconciler.db.WithContext(ctx)
	target, err := loadTarget(db, kind, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Summary{}, store.NewServiceError(opGet, reasonTargetNotFound, err)
		}
		reconciler.logError(opGet, reasonTargetLookup, err, zap.String("kind", string(kind)), zap.Int64("target_id", targetID))
		return Summary{}, store.NewServiceError(opGet, reasonTargetLookup, err)
	}

	summary := Summary{Total: target.Rating}
	if userID == nil || *userID <= 0 {
		return summary, nil
	}
	existing, err := loadVote(db, kind, targetID, *userID)
	if err != nil {
		reconciler.logError(opGet, reasonVoteLookup, err, zap.String("kind", string(kind)), zap.Int64("target_id", targetID))
		return Summary{}, store.NewServiceError(opGet, reasonVoteLookup, err)
	}
	if existing != nil && existing.SyncStatus != store.SyncStatusDeleted {
		summary.UserRating = pointerTo(existing.Val)
	}
	return summary, nil
}

func validateTarget(kind store.RatingKind, targetID int64) error {
	if _, err := store.ParseRatingKind(string(kind)); err != nil {
		return err
	}
	if targetID == 0 || (kind == store.RatingKindRoute && targetID < 0) {
		return fmt.Errorf("%w: invalid %s id %d", store.ErrValidation, kind, targetID)
	}
	return nil
}

func reasonForTargetError(kind store.RatingKind) string {
	if _, err := store.ParseRatingKind(string(kind)); err != nil {
		return reasonInvalidKind
	}
	return reasonInvalidTarget
}

func loadTarget(db *gorm.DB, kind store.RatingKind, targetID int64) (targetRow, error) {
	var target targetRow
	err := db.Table(kind.ParentTable()).
		Select("id, rating, sync_status").
		Where("id = ?", targetID).
		Take(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && target.SyncStatus == store.SyncStatusDeleted) {
		return targetRow{}, fmt.Errorf("%w: %s %d", store.ErrNotFound, kind, targetID)
	}
	return target, err
}

func loadVote(db *gorm.DB, kind store.RatingKind, targetID, userID int64) (*store.RatingVote, error) {
	var vote store.RatingVote
	err := db.Table(kind.RatingTable()).
		Select("user_id, " + kind.TargetColumn() + " AS target_id, val, sync_status").
		Where(kind.TargetColumn()+" = ? AND user_id = ?", targetID, userID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vote, nil
}

func applyOutcome(db *gorm.DB, kind store.RatingKind, targetID, userID int64, outcome VoteOutcome) error {
	table := kind.RatingTable()
	where := kind.TargetColumn() + " = ? AND user_id = ?"
	switch outcome.Transition {
	case TransitionInsert:
		row := map[string]any{
			"user_id":     userID,
			"val":         outcome.Stored.Val,
			"sync_status": outcome.Stored.SyncStatus,
		}
		row[kind.TargetColumn()] = targetID
		return db.Table(table).Create(row).Error
	case TransitionRemove:
		return db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s", table, where), targetID, userID).Error
	default:
		return db.Table(table).Where(where, targetID, userID).UpdateColumns(map[string]any{
			"val":         outcome.Stored.Val,
			"sync_status": outcome.Stored.SyncStatus,
		}).Error
	}
}

func (reconciler *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	reconciler.logger.Error("ratings error", attrs...)
}
