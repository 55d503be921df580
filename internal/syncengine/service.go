// Package syncengine installs authoritative route bundles into the local store,
// extracts unsynced local changes, and finalizes them once the remote store has
// accepted an upload.
package syncengine

import (
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "syncengine.service.new"
	opInstallBundle    = "syncengine.install_bundle"
	opExtractChangeset = "syncengine.extract_changeset"
	opMarkClean        = "syncengine.mark_clean"

	reasonMissingDatabase    = "missing_database"
	reasonInvalidBundle      = "invalid_bundle"
	reasonInvalidRouteID     = "invalid_route_id"
	reasonRouteNotFound      = "route_not_found"
	reasonRouteLookupFailed  = "route_lookup_failed"
	reasonPendingChanges     = "pending_changes"
	reasonPendingCountFailed = "pending_count_failed"
	reasonChildDeleteFailed  = "child_delete_failed"
	reasonRouteUpsertFailed  = "route_upsert_failed"
	reasonFavoriteFailed     = "favorite_insert_failed"
	reasonGpxInsertFailed    = "gpx_insert_failed"
	reasonWaypointFailed     = "waypoint_upsert_failed"
	reasonCommentFailed      = "comment_upsert_failed"
	reasonRatingFailed       = "rating_upsert_failed"
	reasonAggregateFailed    = "aggregate_recompute_failed"
	reasonQueryFailed        = "query_failed"
	reasonRetireFailed       = "tombstone_retire_failed"
	reasonClearFailed        = "status_clear_failed"
	reasonRouteStampFailed   = "route_stamp_failed"

	fieldRouteID = "route_id"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the sync engine.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Service implements bundle install, changeset extraction and commit finalization.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Recorder
	routeLocks *routeLocks
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, store.NewServiceError(opServiceNew, reasonMissingDatabase, store.ErrMissingDatabase)
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
		db:         cfg.Database,
		clock:      clock,
		logger:     logger,
		metrics:    cfg.Metrics,
		routeLocks: newRouteLocks(),
	}, nil
}

func (s *Service) observe(operation string, started time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	s.metrics.ObserveOperation(operation, outcome, time.Since(started))
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync engine error", attrs...)
}
