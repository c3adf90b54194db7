// Package services defines the business logic for projects, generation,
// accounts and auth-adjacent rate checks. This file centralizes the
// service-level error values so handlers can map them consistently.
//
// Every value is an *apperr.Error; the HTTP layer translates its Kind into
// a status code, so services never deal with transport concerns.
package services

import "github.com/tbourn/reachmix-backend/internal/apperr"

// MaxBatchIDs caps the ids accepted by a batch read.
const MaxBatchIDs = 100

// Caller errors.
var (
	// ErrUnauthenticated is returned when an operation needs a caller id.
	ErrUnauthenticated = apperr.New(apperr.Unauthenticated, "authentication required")
)

// Project errors.
var (
	// ErrProjectNotFound indicates that the referenced project does not exist.
	ErrProjectNotFound = apperr.New(apperr.NotFound, "project not found")

	// ErrNotProjectOwner is returned when the caller does not own the project.
	ErrNotProjectOwner = apperr.New(apperr.PermissionDenied, "you do not have access to this project")

	// ErrEmptyName and ErrEmptyDescription reject blank required fields.
	ErrEmptyName        = apperr.New(apperr.InvalidArgument, "name is required")
	ErrEmptyDescription = apperr.New(apperr.InvalidArgument, "description is required")

	// ErrNoLanguages is returned for a translate project without languages.
	ErrNoLanguages = apperr.New(apperr.InvalidArgument, "at least one language is required for translation")

	// ErrInvalidType is returned for a project type other than enhance or translate.
	ErrInvalidType = apperr.New(apperr.InvalidArgument, "type must be enhance or translate")

	// ErrInvalidStatus is returned for an unknown results status.
	ErrInvalidStatus = apperr.New(apperr.InvalidArgument, "results status must be pending, in-progress, completed or error")

	// ErrTooManyIDs is returned when a batch read asks for more than MaxBatchIDs.
	ErrTooManyIDs = apperr.Newf(apperr.InvalidArgument, "at most %d project ids may be requested", MaxBatchIDs)

	// ErrAlreadyProcessing is returned when a generation is already running
	// or the project has completed.
	ErrAlreadyProcessing = apperr.New(apperr.InvalidArgument, "project is already processing or completed")
)

// Account errors.
var (
	// ErrUserNotFound indicates that the caller has no account record.
	ErrUserNotFound = apperr.New(apperr.NotFound, "user not found")

	// ErrUnknownOperation is returned by the rate check for an operation key
	// that it does not guard.
	ErrUnknownOperation = apperr.New(apperr.InvalidArgument, "unknown operation")
)
