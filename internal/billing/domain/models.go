// Package domain contains the billing ledger model and contracts for keeping
// it consistent with the payment processor.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingStatus is the authoritative subscription lifecycle flag for an
// organization.
type BillingStatus string

const (
	BillingStatusNone              BillingStatus = "none"
	BillingStatusTrialing          BillingStatus = "trialing"
	BillingStatusActive            BillingStatus = "active"
	BillingStatusPastDue           BillingStatus = "past_due"
	BillingStatusCanceled          BillingStatus = "canceled"
	BillingStatusUnpaid            BillingStatus = "unpaid"
	BillingStatusIncomplete        BillingStatus = "incomplete"
	BillingStatusIncompleteExpired BillingStatus = "incomplete_expired"
)

// KnownStatus reports whether raw maps to a modeled lifecycle status.
func KnownStatus(raw string) bool {
	switch BillingStatus(raw) {
	case BillingStatusNone, BillingStatusTrialing, BillingStatusActive,
		BillingStatusPastDue, BillingStatusCanceled, BillingStatusUnpaid,
		BillingStatusIncomplete, BillingStatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// StatusFromProcessor normalizes a processor-reported status string. Statuses
// the ledger does not model collapse to none so a malformed payload can never
// invent a lifecycle state.
func StatusFromProcessor(raw string) BillingStatus {
	if KnownStatus(raw) {
		return BillingStatus(raw)
	}
	return BillingStatusNone
}

// OrganizationBilling is the durable billing record for one organization.
// It is created together with the organization and mutated only by the
// reconciler; cancellation clears the subscription reference but keeps the
// customer reference for resubscription.
type OrganizationBilling struct {
	OrgID                snowflake.ID  `gorm:"primaryKey;column:org_id"`
	StripeCustomerID     *string       `gorm:"type:text;uniqueIndex:ux_org_billing_customer"`
	StripeSubscriptionID *string       `gorm:"type:text;uniqueIndex:ux_org_billing_subscription"`
	StripeProductID      *string       `gorm:"type:text"`
	PlanName             *string       `gorm:"type:text"`
	Status               BillingStatus `gorm:"type:text;not null;default:'none'"`
	LastSequence         int64         `gorm:"not null;default:0"`
	CreatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrganizationBilling) TableName() string { return "organization_billing" }

// Subscribed reports whether the record currently references a live
// subscription at the processor.
func (b *OrganizationBilling) Subscribed() bool {
	if b == nil {
		return false
	}
	return b.StripeSubscriptionID != nil && *b.StripeSubscriptionID != "" &&
		b.Status != BillingStatusCanceled && b.Status != BillingStatusNone
}
