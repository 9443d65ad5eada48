package domain

import "errors"

var (
	// ErrSignatureInvalid means the webhook payload failed signature or
	// timestamp verification. Never retried.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrOrphanedSession means a retrieved checkout session carries no
	// organization reference in its metadata. Fatal for the invocation.
	ErrOrphanedSession = errors.New("checkout session has no organization metadata")

	// ErrUnknownOrganization means a snapshot could not be resolved to any
	// ledger row by subscription or customer reference.
	ErrUnknownOrganization = errors.New("no organization linked to processor reference")

	// ErrGatewayUnavailable wraps transient processor API failures. The
	// interactive caller may retry; the reconciler never does.
	ErrGatewayUnavailable = errors.New("payment processor unavailable")

	// ErrStaleEvent marks an apply rejected by the ordering guard. It is a
	// no-op outcome, not a failure; webhook deliveries carrying it are
	// acknowledged with success.
	ErrStaleEvent = errors.New("event older than applied state")

	// ErrNoActiveSubscription means a portal session was requested for an
	// organization with no linked customer or live subscription.
	ErrNoActiveSubscription = errors.New("organization has no active subscription")

	// ErrNotFound means the organization itself has no billing row.
	ErrNotFound = errors.New("billing record not found")

	// ErrInvalidRequest covers malformed caller input.
	ErrInvalidRequest = errors.New("invalid billing request")
)
