package repo

import (
	"context"
	"slices"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

// EnsureUser inserts a trial user with the given id if none exists and
// returns the stored row. Concurrent first requests converge on one row.
func EnsureUser(ctx context.Context, db *gorm.DB, id, email string) (*domain.User, error) {
	u := &domain.User{
		ID:           id,
		Email:        email,
		Subscription: domain.SubscriptionState{Status: domain.SubscriptionTrial},
		ProjectIDs:   []string{},
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error; err != nil {
		return nil, err
	}
	return GetUser(ctx, db, id)
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByStripeCustomer fetches the user linked to a billing customer.
func FindUserByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetStripeCustomerID links a user to a billing customer.
func SetStripeCustomerID(ctx context.Context, db *gorm.DB, userID, customerID string) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Update("stripe_customer_id", customerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// WriteSubscription replaces the user's subscription state wholesale,
// zero values included.
func WriteSubscription(ctx context.Context, db *gorm.DB, userID string, s domain.SubscriptionState) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Select(domain.SubscriptionColumns).
		Updates(&domain.User{Subscription: s})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddUserProjectID appends projectID to the user's project list. It must
// run in the same transaction as the project insert.
func AddUserProjectID(ctx context.Context, tx *gorm.DB, userID, projectID string) error {
	return mutateProjectIDs(ctx, tx, userID, func(ids []string) []string {
		if slices.Contains(ids, projectID) {
			return ids
		}
		return append(ids, projectID)
	})
}

// RemoveUserProjectID drops projectID from the user's project list. It must
// run in the same transaction as the project delete.
func RemoveUserProjectID(ctx context.Context, tx *gorm.DB, userID, projectID string) error {
	return mutateProjectIDs(ctx, tx, userID, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(id string) bool { return id == projectID })
	})
}

func mutateProjectIDs(ctx context.Context, tx *gorm.DB, userID string, fn func([]string) []string) error {
	var u domain.User
	if err := forUpdate(tx.WithContext(ctx)).Select("id", "project_ids").Where("id = ?", userID).First(&u).Error; err != nil {
		return err
	}
	ids := fn(u.ProjectIDs)
	if ids == nil {
		ids = []string{}
	}
	return tx.WithContext(ctx).
		Model(&domain.User{ID: userID}).
		Select("project_ids").
		Updates(&domain.User{ProjectIDs: ids}).Error
}

// DeleteUser removes the user row. Returns ErrNotFound if absent.
func DeleteUser(ctx context.Context, tx *gorm.DB, id string) error {
	res := tx.WithContext(ctx).Where("id = ?", id).Delete(&domain.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
