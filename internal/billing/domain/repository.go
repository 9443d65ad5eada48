package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// UpdateFields is the complete set of reconciled columns written by a single
// conditional update. Every apply writes all of them so a concurrent reader
// never observes a partially reconciled row.
type UpdateFields struct {
	StripeCustomerID     *string
	StripeSubscriptionID *string
	StripeProductID      *string
	PlanName             *string
	Status               BillingStatus
	Sequence             int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, row *OrganizationBilling) error
	FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*OrganizationBilling, error)
	FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*OrganizationBilling, error)
	FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*OrganizationBilling, error)

	// CASUpdate applies fields to the row iff its last_sequence still equals
	// expectedSequence. The boolean reports whether the row was written; a
	// false return with nil error means a concurrent writer advanced the row
	// first and the caller must re-read.
	CASUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, expectedSequence int64, fields UpdateFields) (bool, error)
}
