package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gormStore keeps records and progress events in a relational database.
type gormStore struct {
	db *gorm.DB
}

// OpenSQL opens a gorm-backed store for the sqlite or postgres driver.
func OpenSQL(driver, dsn string) (Store, error) { //nolint:ireturn
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite allows a single writer; serialize through one connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db), nil
}

// NewGormStore wraps an existing gorm handle.
func NewGormStore(db *gorm.DB) Store { //nolint:ireturn
	return &gormStore{db: db}
}

func (s *gormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Record{}, &ProgressEvent{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sql handle: %w", err)
	}
	return sqlDB.Close() //nolint:wrapcheck
}

func (s *gormStore) CreateRecord(ctx context.Context, r *Record) error {
	err := s.db.WithContext(ctx).Create(r).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrRecordExists
	}
	// not every dialect translates constraint errors
	if _, getErr := s.GetRecord(ctx, r.ID); getErr == nil {
		return ErrRecordExists
	}
	return fmt.Errorf("insert record: %w", err)
}

func (s *gormStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	var r Record
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select record: %w", err)
	}
	return &r, nil
}

func (s *gormStore) UpdateRecord(ctx context.Context, id string, u Update) error {
	res := s.db.WithContext(ctx).Model(&Record{}).Where("id = ?", id).Updates(u.columns())
	if res.Error != nil {
		return fmt.Errorf("update record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *gormStore) TransitionRecord(ctx context.Context, id string, from Status, u Update) error {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ?", id, from).
		Updates(u.columns())
	if res.Error != nil {
		return fmt.Errorf("transition record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetRecord(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *gormStore) ListRecords(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func (s *gormStore) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list records by status: %w", err)
	}
	return records, nil
}

func (s *gormStore) DeleteRecord(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{})
	if res.Error != nil {
		return fmt.Errorf("delete record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *gormStore) PutProgress(ctx context.Context, e ProgressEvent) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&e).Error
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func (s *gormStore) LatestProgress(ctx context.Context, taskID string) (*ProgressEvent, error) {
	var e ProgressEvent
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("updated_at DESC").
		Limit(1).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProgressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select progress: %w", err)
	}
	return &e, nil
}

func (s *gormStore) DeleteProgress(ctx context.Context, taskID string) error {
	if err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&ProgressEvent{}).Error; err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}
