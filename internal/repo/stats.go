package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

// ProjectsStats returns the number of projects owned by userID and the
// greatest last_updated among them. maxUpdated is nil when there are none.
func ProjectsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdated *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Project{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Ordered scan instead of MAX(): SQLite returns MAX() of a datetime as TEXT.
	var row struct {
		LastUpdated time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Project{}).
		Where("user_id = ?", userID).
		Select("last_updated").
		Order("last_updated DESC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.LastUpdated, nil
}
