package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

// GetRateLimitForUpdate loads a record by key, locking it for the rest of
// the transaction where the driver allows. Returns ErrNotFound if absent.
func GetRateLimitForUpdate(ctx context.Context, tx *gorm.DB, key string) (*domain.RateLimitRecord, error) {
	var rec domain.RateLimitRecord
	err := forUpdate(tx.WithContext(ctx)).Where("id = ?", key).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRateLimit inserts a fresh record holding a single request at now.
func CreateRateLimit(ctx context.Context, tx *gorm.DB, operation, identifier string, now time.Time) (*domain.RateLimitRecord, error) {
	rec := &domain.RateLimitRecord{
		ID:         domain.RateLimitKey(operation, identifier),
		Operation:  operation,
		Identifier: identifier,
		Requests:   []int64{now.UnixMilli()},
		LastReset:  now.UTC(),
	}
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

// SetRateLimitRequests overwrites the request list of a record, leaving
// LastReset untouched.
func SetRateLimitRequests(ctx context.Context, tx *gorm.DB, rec *domain.RateLimitRecord) error {
	res := tx.WithContext(ctx).
		Model(rec).
		Select("requests").
		Updates(&domain.RateLimitRecord{Requests: rec.Requests})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRateLimitsAfter returns up to limit records with id greater than
// cursor, ordered by id, for keyset-paginated sweeps.
func ListRateLimitsAfter(ctx context.Context, db *gorm.DB, cursor string, limit int) ([]domain.RateLimitRecord, error) {
	var out []domain.RateLimitRecord
	err := db.WithContext(ctx).
		Where("id > ?", cursor).
		Order("id asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// DeleteRateLimits removes records by key.
func DeleteRateLimits(ctx context.Context, tx *gorm.DB, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Where("id IN ?", keys).Delete(&domain.RateLimitRecord{}).Error
}

// IsNotFound reports whether err signals a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
