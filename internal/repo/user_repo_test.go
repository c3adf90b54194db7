package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
)

func TestEnsureUser_IdempotentTrial(t *testing.T) {
	db := newRepoDB(t, &domain.User{})
	ctx := context.Background()

	u, err := EnsureUser(ctx, db, "u1", "a@b.c")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.Subscription.Status != domain.SubscriptionTrial || u.Email != "a@b.c" || u.ProjectIDs == nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := WriteSubscription(ctx, db, "u1", domain.SubscriptionState{Status: domain.SubscriptionActive}); err != nil {
		t.Fatal(err)
	}
	again, err := EnsureUser(ctx, db, "u1", "other@b.c")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if again.Subscription.Status != domain.SubscriptionActive || again.Email != "a@b.c" {
		t.Fatalf("existing row must not be overwritten: %+v", again)
	}
}

func TestWriteSubscription_FullOverwrite(t *testing.T) {
	db := newRepoDB(t, &domain.User{})
	ctx := context.Background()
	if _, err := EnsureUser(ctx, db, "u1", ""); err != nil {
		t.Fatal(err)
	}
	plan, sub := "price_pro", "sub_1"
	end := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	full := domain.SubscriptionState{
		Status: domain.SubscriptionActive, Plan: &plan, CurrentPeriodEnd: &end,
		CancelAtPeriodEnd: true, StripeSubscriptionID: &sub,
		PaymentMethod: &domain.PaymentMethod{Brand: "visa", Last4: "4242"},
	}
	if err := WriteSubscription(ctx, db, "u1", full); err != nil {
		t.Fatalf("write full: %v", err)
	}
	u, _ := GetUser(ctx, db, "u1")
	if u.Subscription.Plan == nil || *u.Subscription.Plan != plan || !u.Subscription.CancelAtPeriodEnd ||
		u.Subscription.PaymentMethod == nil || u.Subscription.PaymentMethod.Last4 != "4242" {
		t.Fatalf("after full write: %+v", u.Subscription)
	}

	if err := WriteSubscription(ctx, db, "u1", domain.SubscriptionState{Status: domain.SubscriptionInactive}); err != nil {
		t.Fatalf("write inactive: %v", err)
	}
	u, _ = GetUser(ctx, db, "u1")
	s := u.Subscription
	if s.Status != domain.SubscriptionInactive || s.Plan != nil || s.CurrentPeriodEnd != nil ||
		s.CancelAtPeriodEnd || s.StripeSubscriptionID != nil || s.PaymentMethod != nil {
		t.Fatalf("zero values must overwrite: %+v", s)
	}

	if err := WriteSubscription(ctx, db, "ghost", full); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStripeCustomerLink(t *testing.T) {
	db := newRepoDB(t, &domain.User{})
	ctx := context.Background()
	if _, err := EnsureUser(ctx, db, "u1", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := FindUserByStripeCustomer(ctx, db, "cus_1"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := SetStripeCustomerID(ctx, db, "u1", "cus_1"); err != nil {
		t.Fatalf("SetStripeCustomerID: %v", err)
	}
	u, err := FindUserByStripeCustomer(ctx, db, "cus_1")
	if err != nil || u.ID != "u1" {
		t.Fatalf("FindUserByStripeCustomer = %+v, %v", u, err)
	}
}

func TestUserProjectIDs_TransactionalWithProject(t *testing.T) {
	db := newRepoDB(t, &domain.User{}, &domain.Project{})
	ctx := context.Background()
	if _, err := EnsureUser(ctx, db, "u1", ""); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := CreateProject(ctx, tx, newProject("p1", "u1", now)); err != nil {
			return err
		}
		return AddUserProjectID(ctx, tx, "u1", "p1")
	})
	if err != nil {
		t.Fatalf("create tx: %v", err)
	}
	u, _ := GetUser(ctx, db, "u1")
	if len(u.ProjectIDs) != 1 || u.ProjectIDs[0] != "p1" {
		t.Fatalf("project ids = %v", u.ProjectIDs)
	}

	boom := errors.New("boom")
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := DeleteProject(ctx, tx, "p1"); err != nil {
			return err
		}
		if err := RemoveUserProjectID(ctx, tx, "u1", "p1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := GetProject(ctx, db, "p1"); err != nil {
		t.Fatalf("rolled back delete should leave project: %v", err)
	}
	u, _ = GetUser(ctx, db, "u1")
	if len(u.ProjectIDs) != 1 {
		t.Fatalf("rolled back delete should leave id list: %v", u.ProjectIDs)
	}

	if err := AddUserProjectID(ctx, db, "u1", "p1"); err != nil {
		t.Fatal(err)
	}
	u, _ = GetUser(ctx, db, "u1")
	if len(u.ProjectIDs) != 1 {
		t.Fatalf("AddUserProjectID must not duplicate: %v", u.ProjectIDs)
	}

	if err := DeleteUser(ctx, db, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := DeleteUser(ctx, db, "u1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
