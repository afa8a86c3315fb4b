// Package gormstore keeps feature layers in a local SQL geodatabase through gorm.
// Geometries are stored as WKB next to their envelope columns, which serve
// region queries; attributes are stored as JSON.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zetareticula/geoedit/internal/session"
)

// featureRecord is one row of the feature table
type featureRecord struct {
	Layer      string         `gorm:"primaryKey;type:varchar(255)"`
	ID         string         `gorm:"primaryKey;type:varchar(64)"`
	Kind       string         `gorm:"type:varchar(16)"`
	Geom       []byte         `gorm:"not null"`
	MinX       float64        `gorm:"index:idx_feature_bbox"`
	MinY       float64        `gorm:"index:idx_feature_bbox"`
	MaxX       float64        `gorm:"index:idx_feature_bbox"`
	MaxY       float64        `gorm:"index:idx_feature_bbox"`
	Attributes datatypes.JSON `gorm:"type:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (featureRecord) TableName() string { return "geoedit_features" }

// Open connects with driver "sqlite" or "postgres" and migrates the feature table
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", session.ErrInvalidConfig, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&featureRecord{}); err != nil {
		return nil, fmt.Errorf("migrate feature table: %w", err)
	}
	return db, nil
}

// Store is one layer of the geodatabase; persistence is implicit
type Store struct {
	db     *gorm.DB
	id     string
	schema session.Schema
}

// NewStore binds layer id to db
func NewStore(db *gorm.DB, id string, schema session.Schema) *Store {
	return &Store{db: db, id: id, schema: schema}
}

func (s *Store) ID() string                     { return s.id }
func (s *Store) Schema() session.Schema         { return s.schema }
func (s *Store) SyncPolicy() session.SyncPolicy { return session.SyncImplicit }

// Query returns features whose envelope intersects region, oldest first
func (s *Store) Query(ctx context.Context, region orb.Bound) ([]session.Feature, error) {
	var recs []featureRecord
	err := s.db.WithContext(ctx).
		Where("layer = ? AND max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?",
			s.id, region.Min[0], region.Max[0], region.Min[1], region.Max[1]).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]session.Feature, 0, len(recs))
	for _, rec := range recs {
		f, err := rec.feature()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Get retrieves a feature by id
func (s *Store) Get(ctx context.Context, id session.FeatureID) (session.Feature, error) {
	var rec featureRecord
	err := s.db.WithContext(ctx).First(&rec, "layer = ? AND id = ?", s.id, string(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Feature{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Feature{}, err
	}
	return rec.feature()
}

// Add validates f and inserts it under a new id
func (s *Store) Add(ctx context.Context, f session.Feature) (session.FeatureID, error) {
	if err := s.schema.Check(f); err != nil {
		return "", err
	}
	f.ID = session.FeatureID(uuid.New().String())
	rec, err := s.record(f)
	if err != nil {
		return "", err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", err
	}
	return f.ID, nil
}

// Update replaces geometry and attributes of an existing feature
func (s *Store) Update(ctx context.Context, f session.Feature) error {
	if err := s.schema.Check(f); err != nil {
		return err
	}
	rec, err := s.record(f)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&featureRecord{}).
		Where("layer = ? AND id = ?", s.id, string(f.ID)).
		Updates(map[string]interface{}{
			"kind":       rec.Kind,
			"geom":       rec.Geom,
			"min_x":      rec.MinX,
			"min_y":      rec.MinY,
			"max_x":      rec.MaxX,
			"max_y":      rec.MaxY,
			"attributes": rec.Attributes,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, f.ID)
	}
	return nil
}

// Delete removes a feature
func (s *Store) Delete(ctx context.Context, id session.FeatureID) error {
	res := s.db.WithContext(ctx).Where("layer = ? AND id = ?", s.id, string(id)).Delete(&featureRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return nil
}

// ApplyPendingEdits does nothing; writes are already durable
func (s *Store) ApplyPendingEdits(ctx context.Context) error {
	return nil
}

// Put inserts or replaces f under its own id
func (s *Store) Put(ctx context.Context, f session.Feature) error {
	rec, err := s.record(f)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "layer"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "geom", "min_x", "min_y", "max_x", "max_y", "attributes", "updated_at"}),
	}).Create(&rec).Error
}

func (s *Store) record(f session.Feature) (featureRecord, error) {
	geom, err := wkb.Marshal(f.Geometry.Orb())
	if err != nil {
		return featureRecord{}, fmt.Errorf("encode geometry: %w", err)
	}
	attrs, err := json.Marshal(f.Attributes)
	if err != nil {
		return featureRecord{}, fmt.Errorf("encode attributes: %w", err)
	}
	b := f.Geometry.Bound()
	return featureRecord{
		Layer:      s.id,
		ID:         string(f.ID),
		Kind:       string(f.Geometry.Kind),
		Geom:       geom,
		MinX:       b.Min[0],
		MinY:       b.Min[1],
		MaxX:       b.Max[0],
		MaxY:       b.Max[1],
		Attributes: datatypes.JSON(attrs),
	}, nil
}

func (r featureRecord) feature() (session.Feature, error) {
	o, err := wkb.Unmarshal(r.Geom)
	if err != nil {
		return session.Feature{}, fmt.Errorf("feature %s: decode geometry: %w", r.ID, err)
	}
	g, err := session.GeometryFromOrb(o)
	if err != nil {
		return session.Feature{}, fmt.Errorf("feature %s: %w", r.ID, err)
	}
	attrs := make(map[string]session.TypedValue)
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &attrs); err != nil {
			return session.Feature{}, fmt.Errorf("feature %s: decode attributes: %w", r.ID, err)
		}
	}
	return session.Feature{ID: session.FeatureID(r.ID), Geometry: g, Attributes: attrs}, nil
}
