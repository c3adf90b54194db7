// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Project
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, so they can
// run inside a caller's transaction. Ownership rules live in the service
// layer; these helpers only compose queries. A missing project yields
// ErrNotFound.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

// CreateProject inserts p as given. The caller assigns ID and timestamps.
func CreateProject(ctx context.Context, tx *gorm.DB, p *domain.Project) error {
	return tx.WithContext(ctx).Create(p).Error
}

// GetProject fetches a single project by ID regardless of owner.
func GetProject(ctx context.Context, db *gorm.DB, id string) (*domain.Project, error) {
	var p domain.Project
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectForUpdate is GetProject with a row lock where supported.
func GetProjectForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Project, error) {
	var p domain.Project
	if err := forUpdate(tx.WithContext(ctx)).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProjectsByIDs batch-fetches the projects among ids owned by userID.
// Unknown and foreign ids are simply absent from the result.
func GetProjectsByIDs(ctx context.Context, db *gorm.DB, userID string, ids []string) ([]domain.Project, error) {
	var out []domain.Project
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("id IN ? AND user_id = ?", ids, userID).
		Find(&out).Error
	return out, err
}

// CountProjects returns the number of projects owned by userID.
func CountProjects(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Project{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListProjectsPage returns a page of userID's projects, newest first.
func ListProjectsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Project, error) {
	var out []domain.Project
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateProjectFields applies a column → value patch to a project.
// Returns ErrNotFound if no row matched.
func UpdateProjectFields(ctx context.Context, tx *gorm.DB, id string, fields map[string]any) error {
	res := tx.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectResults overwrites the embedded results and bumps last_updated.
func SetProjectResults(ctx context.Context, tx *gorm.DB, id string, results domain.ProjectResults, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ?", id).
		Select("results_status", "results_data", "results_error", "last_updated").
		Updates(&domain.Project{Results: results, LastUpdated: now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimProject moves a project to in-progress if its current status is one
// of from, or if it is already in-progress but was last touched before
// staleBefore. It reports whether this caller won the claim.
func ClaimProject(ctx context.Context, db *gorm.DB, id string, from []string, staleBefore, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Project{}).
		Where("id = ?", id).
		Where(db.Where("results_status IN ?", from).
			Or("results_status = ? AND last_updated < ?", domain.StatusInProgress, staleBefore.UTC())).
		Updates(map[string]any{
			"results_status": domain.StatusInProgress,
			"results_error":  "",
			"results_data":   nil,
			"last_updated":   now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteProject removes a project row. Returns ErrNotFound if absent.
func DeleteProject(ctx context.Context, tx *gorm.DB, id string) error {
	res := tx.WithContext(ctx).Where("id = ?", id).Delete(&domain.Project{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProjectsByUser removes every project owned by userID.
func DeleteProjectsByUser(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	res := tx.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Project{})
	return res.RowsAffected, res.Error
}

// ListClaimableProjectIDs returns up to limit ids of projects that are
// pending, or in-progress but untouched since staleBefore, oldest first.
func ListClaimableProjectIDs(ctx context.Context, db *gorm.DB, staleBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Project{}).
		Where("results_status = ?", domain.StatusPending).
		Or("results_status = ? AND last_updated < ?", domain.StatusInProgress, staleBefore.UTC()).
		Order("created_at asc").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
