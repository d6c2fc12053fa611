package kv

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// kvRow is the single-table physical layout every namespace shares.
type kvRow struct {
	Namespace string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:255"`
	Value     []byte
	UpdatedAt time.Time `gorm:"not null"`
}

func (kvRow) TableName() string {
	return "kv_entries"
}

// dbContextKey is the context key that carries the "current" *gorm.DB,
// transactional or not, read back by dbFor in Get/Set/Delete the same way the teacher threads ctx through
// WithContext(ctx) calls; Transaction stores the tx handle here so nested
// Get/Set/Delete and nested Transaction calls join it automatically.
type dbContextKey struct{}

// GormStore is the production Store adapter, backed by any GORM dialect
// (sqlite for tests and small deployments, postgres for production).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-connected *gorm.DB. InitSchema must be
// called once before use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// InitSchema creates the kv_entries table if it does not exist.
func (s *GormStore) InitSchema(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&kvRow{})
}

func (s *GormStore) dbFor(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(dbContextKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

func (s *GormStore) Get(ctx context.Context, namespace string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	var rows []kvRow
	if err := s.dbFor(ctx).Where("namespace = ? AND key IN ?", namespace, keys).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("kv: get namespace %q: %w", namespace, err)
	}
	for _, row := range rows {
		result[row.Key] = row.Value
	}
	return result, nil
}

func (s *GormStore) Set(ctx context.Context, namespace string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	db := s.dbFor(ctx)
	now := time.Now().UTC()
	for key, value := range values {
		row := kvRow{Namespace: namespace, Key: key, Value: value, UpdatedAt: now}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("kv: set %s/%s: %w", namespace, key, err)
		}
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, namespace string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	db := s.dbFor(ctx)
	if err := db.Where("namespace = ? AND key IN ?", namespace, keys).Delete(&kvRow{}).Error; err != nil {
		return fmt.Errorf("kv: delete from %q: %w", namespace, err)
	}
	return nil
}

func (s *GormStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	if err := s.dbFor(ctx).Model(&kvRow{}).Where("namespace = ?", namespace).Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("kv: keys in %q: %w", namespace, err)
	}
	return keys, nil
}

// Transaction relies on GORM's own SAVEPOINT handling: calling
// db.Transaction on a *gorm.DB that is already mid-transaction resolves to a
// nested SAVEPOINT rather than a new top-level transaction, which is what
// satisfies the nesting requirement without this adapter tracking depth.
func (s *GormStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	outer := s.dbFor(ctx)
	return outer.Transaction(func(tx *gorm.DB) error {
		txCtx := context.WithValue(ctx, dbContextKey{}, tx)
		return fn(txCtx)
	})
}
