package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// PricingPlan pairs a catalog price with its product for display.
type PricingPlan struct {
	Price   PriceInfo   `json:"price"`
	Product ProductInfo `json:"product"`
}

// Service owns every mutation of the billing ledger.
type Service interface {
	// CreateCheckoutSession builds a checkout redirect for the organization
	// and the selected price.
	CreateCheckoutSession(ctx context.Context, orgID snowflake.ID, priceID string) (string, error)

	// CreatePortalSession builds a self-service portal redirect. Requires a
	// linked customer with a live subscription.
	CreatePortalSession(ctx context.Context, orgID snowflake.ID) (string, error)

	// ConfirmCheckout reconciles the ledger from a completed checkout
	// session reference (the synchronous return path). Safe to call again
	// with the same reference.
	ConfirmCheckout(ctx context.Context, sessionID string) (*OrganizationBilling, error)

	// ApplyEvent reconciles the ledger from a verified lifecycle event (the
	// asynchronous path). Stale and ignored events return nil.
	ApplyEvent(ctx context.Context, event *LifecycleEvent) error

	GetByOrgID(ctx context.Context, orgID snowflake.ID) (*OrganizationBilling, error)

	// Pricing lists active prices joined with their products.
	Pricing(ctx context.Context) ([]PricingPlan, error)
}
