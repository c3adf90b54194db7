// Package domain defines the persistence models for users, projects and
// rate-limit records. These types are mapped with GORM and form the core
// data layer of the ReachMix backend.
package domain

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// PaymentMethod is the display subset of the customer's default card.
type PaymentMethod struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// Subscription status values written at signup or by the billing sync.
// The sync may also store any other billing status verbatim (past_due,
// canceled, ...); only SubscriptionActive unlocks a paid plan.
const (
	SubscriptionTrial    = "trial"
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
)

// SubscriptionState is the subscription subset of a user record. It is
// replaced as a whole by the billing sync, never patched field by field.
type SubscriptionState struct {
	Status               string         `json:"status"                 gorm:"type:varchar(32);not null;default:'trial'"`
	Plan                 *string        `json:"plan"                   gorm:"type:varchar(128)"`
	CurrentPeriodEnd     *time.Time     `json:"current_period_end"`
	CancelAtPeriodEnd    bool           `json:"cancel_at_period_end"   gorm:"not null;default:false"`
	StripeSubscriptionID *string        `json:"stripe_subscription_id" gorm:"type:varchar(128)"`
	PaymentMethod        *PaymentMethod `json:"payment_method"         gorm:"serializer:json"`
}

// SubscriptionColumns lists the columns owned by SubscriptionState, used to
// force a full overwrite including zero values.
var SubscriptionColumns = []string{
	"status", "plan", "current_period_end", "cancel_at_period_end",
	"stripe_subscription_id", "payment_method",
}

// User is an account known to the backend. The ID is the identity
// provider's subject; the row is created on first authenticated request.
//
// ProjectIDs is a non-owning back-reference kept in step with the projects
// table inside the same transaction as every create/delete.
type User struct {
	ID               string            `json:"id"                 gorm:"type:varchar(128);primaryKey"`
	Email            string            `json:"email,omitempty"    gorm:"type:varchar(255)"`
	StripeCustomerID *string           `json:"-"                  gorm:"type:varchar(128);uniqueIndex:ux_users_stripe_customer"`
	Subscription     SubscriptionState `json:"subscription"       gorm:"embedded"`
	ProjectIDs       []string          `json:"project_ids"        gorm:"serializer:json"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Project types.
const (
	ProjectEnhance   = "enhance"
	ProjectTranslate = "translate"
)

// Result statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// CanTransition reports whether results may move from one status to another.
// An errored project may be retried; nothing goes back to pending.
func CanTransition(from, to string) bool {
	switch to {
	case StatusInProgress:
		return from == StatusPending || from == StatusError || from == ""
	case StatusCompleted, StatusError:
		return from == StatusInProgress
	}
	return false
}

// ProjectResults is the generation outcome embedded in a project.
// Data is set only when completed, Error only when errored.
type ProjectResults struct {
	Status string         `json:"status"          gorm:"type:varchar(16);not null;default:'pending'"`
	Data   datatypes.JSON `json:"data,omitempty"`
	Error  string         `json:"error,omitempty" gorm:"type:text"`
}

// Project is one content-generation job owned by a user.
//
// Fields:
//   - ID: UUID primary key generated at creation, never client supplied.
//   - UserID: owner; immutable after creation.
//   - Type: "enhance" or "translate".
//   - Languages: required and non-empty iff Type is translate.
//   - Results: embedded with a results_ column prefix.
//   - LastUpdated: refreshed on every mutation; never moves backwards.
type Project struct {
	ID          string         `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string         `json:"user_id"      gorm:"type:varchar(128);not null;index:idx_user_projects,priority:1"`
	Name        string         `json:"name"         gorm:"type:varchar(255);not null"`
	Description string         `json:"description"  gorm:"type:text;not null"`
	Keywords    string         `json:"keywords"     gorm:"type:text"`
	Type        string         `json:"type"         gorm:"type:varchar(16);not null;check:type IN ('enhance','translate')"`
	Languages   []string       `json:"languages"    gorm:"serializer:json"`
	Results     ProjectResults `json:"results"      gorm:"embedded;embeddedPrefix:results_"`
	CreatedAt   time.Time      `json:"created_at"   gorm:"index:idx_user_projects,priority:2"`
	LastUpdated time.Time      `json:"last_updated"`
}

// TableName returns the database table name for Project.
func (Project) TableName() string { return "projects" }

// EnhanceResult is the single-result enhance shape.
type EnhanceResult struct {
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// EnhanceVariants is the five-variant enhance shape.
type EnhanceVariants struct {
	Titles       []string `json:"titles"`
	Descriptions []string `json:"descriptions"`
}

// Translation is one language's translated copy.
type Translation struct {
	Language    string `json:"language"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// TranslateResult is the translate shape.
type TranslateResult struct {
	Translations []Translation `json:"translations"`
}

// Result data kinds.
const (
	KindEnhance         = "enhance"
	KindEnhanceVariants = "enhance_variants"
	KindTranslate       = "translate"
)

// ResultData is the tagged union stored in ProjectResults.Data. Exactly one
// of the embedded shapes is set, as named by Kind; they marshal flat, so a
// single enhance result reads {"kind":"enhance","title":...}.
type ResultData struct {
	Kind string `json:"kind"`
	*EnhanceResult
	*EnhanceVariants
	*TranslateResult
}

// Validate reports whether Kind is known and its matching shape is present.
func (d *ResultData) Validate() error {
	if d == nil {
		return errors.New("result data is empty")
	}
	var present bool
	switch d.Kind {
	case KindEnhance:
		present = d.EnhanceResult != nil
	case KindEnhanceVariants:
		present = d.EnhanceVariants != nil
	case KindTranslate:
		present = d.TranslateResult != nil
	default:
		return fmt.Errorf("unknown result kind %q", d.Kind)
	}
	if !present {
		return fmt.Errorf("result kind %q has no %s fields", d.Kind, d.Kind)
	}
	return nil
}
