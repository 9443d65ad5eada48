package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// CheckoutSessionParams describes an outbound checkout session request.
type CheckoutSessionParams struct {
	OrgID snowflake.ID
	// CustomerID reuses an existing processor customer when set, so payment
	// details prefill and one-subscription-per-customer holds.
	CustomerID          *string
	PriceID             string
	TrialDays           int
	AllowPromotionCodes bool
	SuccessURL          string
	CancelURL           string
}

// CheckoutSession is the created session reference and redirect target.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionDetail is the subscription state embedded in a retrieved
// session, fetched with its line-item product detail in one round trip.
type SubscriptionDetail struct {
	ID                 string
	CustomerID         string
	ProductID          string
	Status             string
	Created            int64
	CurrentPeriodStart int64
	CurrentPeriodEnd   int64
}

// SessionDetail is a retrieved checkout session.
type SessionDetail struct {
	ID           string
	OrgID        string // from session metadata; empty marks an orphaned session
	CustomerID   string
	Status       string
	Subscription *SubscriptionDetail
}

// PortalConfigurationParams describes which self-service actions a portal
// configuration allows.
type PortalConfigurationParams struct {
	AllowPlanSwitch   bool
	AllowCancellation bool
}

// PortalSessionParams describes an outbound portal session request.
// ConfigurationID may be empty, in which case the processor's default
// configuration applies.
type PortalSessionParams struct {
	CustomerID      string
	ReturnURL       string
	ConfigurationID string
}

// PortalSession is the created portal redirect target.
type PortalSession struct {
	URL string
}

// PriceInfo is an active recurring price from the processor catalog.
type PriceInfo struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	Currency   string `json:"currency"`
	UnitAmount int64  `json:"unit_amount"`
	Interval   string `json:"interval"`
}

// ProductInfo is an active product from the processor catalog.
type ProductInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Gateway is the typed client boundary to the remote payment processor.
// Implementations are constructed once from configuration at startup and are
// safe for concurrent use.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionDetail, error)
	CreatePortalConfiguration(ctx context.Context, params PortalConfigurationParams) (string, error)
	CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error)
	ListActivePrices(ctx context.Context) ([]PriceInfo, error)
	ListActiveProducts(ctx context.Context) ([]ProductInfo, error)
}

// Verifier authenticates an inbound webhook payload. Verification runs over
// the exact transport bytes; callers must not re-encode the body first.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*LifecycleEvent, error)
}
