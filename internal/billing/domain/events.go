package domain

// EventKind tags the closed set of processor lifecycle notifications the
// reconciler understands. Anything else maps to EventKindIgnored and is
// acknowledged without effect.
type EventKind string

const (
	EventKindCheckoutCompleted   EventKind = "checkout.session.completed"
	EventKindSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventKindSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventKindIgnored             EventKind = "ignored"
)

// SubscriptionSnapshot is the normalized subscription state extracted from
// either a retrieved checkout session or a verified event. Sequence is the
// monotonic marker used to discard stale or out-of-order applies.
type SubscriptionSnapshot struct {
	CustomerID     string
	SubscriptionID string
	ProductID      string
	Status         BillingStatus
	Sequence       int64
}

// LifecycleEvent is a verified processor notification.
type LifecycleEvent struct {
	ID   string
	Kind EventKind
	// Type is the raw processor event type, kept for logging and metrics.
	Type string
	// SessionID is set for checkout.session.completed events only.
	SessionID string
	// Snapshot is nil for ignored kinds and for checkout completions, which
	// derive their snapshot through session retrieval instead.
	Snapshot *SubscriptionSnapshot
}
