package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/trailsync/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateTrailSchema         = "2026-09-01_create_trail_schema"
	migrationRecomputeRatingAggregates = "2026-09-20_recompute_rating_aggregates"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationCreateTrailSchema, apply: createTrailSchema},
		{name: migrationRecomputeRatingAggregates, apply: recomputeRatingAggregates},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

const syncStatusColumn = `sync_status TEXT NOT NULL DEFAULT 'clean' CHECK (sync_status IN ('clean','new','dirty','deleted'))`

var trailSchema = []string{
	`CREATE TABLE IF NOT EXISTS routes (
		id             INTEGER PRIMARY KEY,
		user_id        INTEGER NOT NULL DEFAULT 0,
		slug           TEXT NOT NULL,
		name           TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		region         TEXT NOT NULL DEFAULT '',
		rating         INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL,
		last_synced_at DATETIME,
		` + syncStatusColumn + `
	)`,
	`CREATE INDEX IF NOT EXISTS idx_routes_slug ON routes (slug)`,
	`CREATE TABLE IF NOT EXISTS gpx (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		route_id   INTEGER NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		name       TEXT NOT NULL DEFAULT '',
		geometry   TEXT,
		file       BLOB,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gpx_route ON gpx (route_id)`,
	`CREATE TABLE IF NOT EXISTS waypoints (
		id          INTEGER PRIMARY KEY,
		route_id    INTEGER NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		user_id     INTEGER NOT NULL DEFAULT 0,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		lat         REAL NOT NULL,
		lon         REAL NOT NULL,
		type        TEXT NOT NULL DEFAULT '',
		rating      INTEGER NOT NULL DEFAULT 0,
		client_uid  TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		` + syncStatusColumn + `
	)`,
	`CREATE INDEX IF NOT EXISTS idx_waypoints_route_status ON waypoints (route_id, sync_status)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id          INTEGER PRIMARY KEY,
		user_id     INTEGER NOT NULL DEFAULT 0,
		kind        TEXT NOT NULL CHECK (kind IN ('route','waypoint')),
		route_id    INTEGER REFERENCES routes(id) ON DELETE CASCADE,
		waypoint_id INTEGER REFERENCES waypoints(id) ON DELETE CASCADE,
		content     TEXT NOT NULL,
		rating      INTEGER NOT NULL DEFAULT 0,
		edited      INTEGER NOT NULL DEFAULT 0,
		client_uid  TEXT NOT NULL DEFAULT '',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		` + syncStatusColumn + `,
		CHECK ((kind = 'route' AND route_id IS NOT NULL AND waypoint_id IS NULL)
			OR (kind = 'waypoint' AND waypoint_id IS NOT NULL AND route_id IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_route ON comments (route_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_waypoint ON comments (waypoint_id)`,
	`CREATE TABLE IF NOT EXISTS route_ratings (
		user_id  INTEGER NOT NULL,
		route_id INTEGER NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		val      INTEGER NOT NULL CHECK (val IN (1, -1)),
		` + syncStatusColumn + `,
		PRIMARY KEY (user_id, route_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_route_ratings_target ON route_ratings (route_id)`,
	`CREATE TABLE IF NOT EXISTS waypoint_ratings (
		user_id     INTEGER NOT NULL,
		waypoint_id INTEGER NOT NULL REFERENCES waypoints(id) ON DELETE CASCADE,
		val         INTEGER NOT NULL CHECK (val IN (1, -1)),
		` + syncStatusColumn + `,
		PRIMARY KEY (user_id, waypoint_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_waypoint_ratings_target ON waypoint_ratings (waypoint_id)`,
	`CREATE TABLE IF NOT EXISTS comment_ratings (
		user_id    INTEGER NOT NULL,
		comment_id INTEGER NOT NULL REFERENCES comments(id) ON DELETE CASCADE,
		val        INTEGER NOT NULL CHECK (val IN (1, -1)),
		` + syncStatusColumn + `,
		PRIMARY KEY (user_id, comment_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_comment_ratings_target ON comment_ratings (comment_id)`,
	`CREATE TABLE IF NOT EXISTS route_favorites (
		user_id    INTEGER NOT NULL,
		route_id   INTEGER NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		` + syncStatusColumn + `,
		PRIMARY KEY (user_id, route_id)
	)`,
}

func createTrailSchema(db *gorm.DB) error {
	for _, statement := range trailSchema {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

func recomputeRatingAggregates(db *gorm.DB) error {
	for _, kind := range store.RatingKinds {
		if err := store.RecomputeAggregatesWhere(db, kind, ""); err != nil {
			return err
		}
	}
	return nil
}
