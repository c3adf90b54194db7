package domain

import "time"

// RateLimitRecord tracks recent requests for one (operation, identifier)
// pair. Requests holds unix-millisecond timestamps in insertion order;
// entries older than the operation's window are ignored when counting and
// physically pruned by the reaper.
type RateLimitRecord struct {
	ID         string    `gorm:"type:varchar(320);primaryKey"` // "<operation>:<identifier>"
	Operation  string    `gorm:"type:varchar(64);not null"`
	Identifier string    `gorm:"type:varchar(255);not null"`
	Requests   []int64   `gorm:"serializer:json"`
	LastReset  time.Time `gorm:"not null;index:idx_rate_limits_last_reset"`
}

// TableName returns the database table name for RateLimitRecord.
func (RateLimitRecord) TableName() string { return "rate_limits" }

// RateLimitKey builds the record key for an operation and identifier.
func RateLimitKey(operation, identifier string) string {
	return operation + ":" + identifier
}
