package syncengine

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

// FinalizeResult reports what MarkClean changed.
type FinalizeResult struct {
	RouteID      int64
	OwnerID      int64
	Retired      int64
	Cleared      int64
	Changed      bool
	LastSyncedAt *time.Time
}

// MarkClean commits a successful upload locally: tombstones are removed and
// new or dirty rows become clean. A route that is already fully clean and has
// been synced before is left untouched, including its last_synced_at stamp.
func (s *Service) MarkClean(ctx context.Context, routeID int64) (FinalizeResult, error) {
	started := time.Now()
	result, err := s.markClean(ctx, routeID)
	switch {
	case err != nil:
		s.observe(opMarkClean, started, err)
	case !result.Changed:
		s.metrics.ObserveOperation(opMarkClean, metrics.OutcomeNoop, time.Since(started))
	default:
		s.observe(opMarkClean, started, nil)
	}
	return result, err
}

func (s *Service) markClean(ctx context.Context, routeID int64) (FinalizeResult, error) {
	if s.db == nil {
		return FinalizeResult{}, store.NewServiceError(opMarkClean, reasonMissingDatabase, store.ErrMissingDatabase)
	}
	if routeID <= 0 {
		return FinalizeResult{}, store.NewServiceError(opMarkClean, reasonInvalidRouteID,
			fmt.Errorf("%w: route id must be positive", store.ErrValidation))
	}

	release := s.routeLocks.acquire(routeID)
	defer release()

	routeField := zap.Int64(fieldRouteID, routeID)
	result := FinalizeResult{RouteID: routeID}

	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var route store.Route
		if err := transaction.Where("id = ?", routeID).Take(&route).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.NewServiceError(opMarkClean, reasonRouteNotFound, fmt.Errorf("%w: route %d", store.ErrNotFound, routeID))
			}
			s.logError(opMarkClean, reasonRouteLookupFailed, err, routeField)
			return store.NewServiceError(opMarkClean, reasonRouteLookupFailed, err)
		}
		result.OwnerID = route.UserID

		for _, scope := range store.RouteTreeScopes(routeID) {
			retired, err := scope.DeleteWithStatus(transaction, store.SyncStatusDeleted)
			if err != nil {
				s.logError(opMarkClean, reasonRetireFailed, err, routeField, zap.String("table", scope.Table))
				return store.NewServiceError(opMarkClean, reasonRetireFailed, err)
			}
			cleared, err := scope.SetStatus(transaction, store.SyncStatusClean, store.SyncStatusNew, store.SyncStatusDirty)
			if err != nil {
				s.logError(opMarkClean, reasonClearFailed, err, routeField, zap.String("table", scope.Table))
				return store.NewServiceError(opMarkClean, reasonClearFailed, err)
			}
			result.Retired += retired
			result.Cleared += cleared
		}

		if result.Retired == 0 && result.Cleared == 0 && route.SyncStatus == store.SyncStatusClean && route.LastSyncedAt != nil {
			result.LastSyncedAt = route.LastSyncedAt
			return nil
		}

		syncedAt := s.clock().UTC()
		if err := transaction.Model(&store.Route{}).
			Where("id = ?", routeID).
			UpdateColumns(map[string]any{
				"sync_status":    store.SyncStatusClean,
				"last_synced_at": syncedAt,
			}).Error; err != nil {
			s.logError(opMarkClean, reasonRouteStampFailed, err, routeField)
			return store.NewServiceError(opMarkClean, reasonRouteStampFailed, err)
		}
		result.Changed = true
		result.LastSyncedAt = &syncedAt
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	if result.Changed {
		s.loggerOrDefault().Info("route marked clean",
			routeField,
			zap.Int64("retired", result.Retired),
			zap.Int64("cleared", result.Cleared))
	}
	return result, nil
}
