package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/config"
)

// Verifier authenticates webhook deliveries against the endpoint signing
// secret. Signature computation covers the exact transport bytes, so the
// payload must reach Verify untouched.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(cfg config.Config) billingdomain.Verifier {
	tolerance := cfg.Stripe.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{
		secret:    cfg.Stripe.WebhookSecret,
		tolerance: tolerance,
	}
}

func (v *Verifier) Verify(payload []byte, signatureHeader string) (*billingdomain.LifecycleEvent, error) {
	event, err := webhook.ConstructEventWithTolerance(payload, signatureHeader, v.secret, v.tolerance)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billingdomain.ErrSignatureInvalid, err)
	}
	return mapEvent(event)
}

func mapEvent(event stripe.Event) (*billingdomain.LifecycleEvent, error) {
	mapped := &billingdomain.LifecycleEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}

	switch event.Type {
	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", event.Type, err)
		}
		if event.Type == "customer.subscription.deleted" {
			mapped.Kind = billingdomain.EventKindSubscriptionDeleted
		} else {
			mapped.Kind = billingdomain.EventKindSubscriptionUpdated
		}
		mapped.Snapshot = subscriptionSnapshot(&sub, event.Created)
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("parse %s payload: %w", event.Type, err)
		}
		mapped.Kind = billingdomain.EventKindCheckoutCompleted
		mapped.SessionID = sess.ID
	default:
		mapped.Kind = billingdomain.EventKindIgnored
	}

	return mapped, nil
}

// subscriptionSnapshot normalizes the event's subscription object. The event
// creation timestamp is the sequence indicator: processor deliveries may be
// reordered, and the reconciler drops any apply that does not advance it.
func subscriptionSnapshot(sub *stripe.Subscription, eventCreated int64) *billingdomain.SubscriptionSnapshot {
	snapshot := &billingdomain.SubscriptionSnapshot{
		SubscriptionID: sub.ID,
		ProductID:      subscriptionProductID(sub),
		Status:         billingdomain.StatusFromProcessor(string(sub.Status)),
		Sequence:       eventCreated,
	}
	if sub.Customer != nil {
		snapshot.CustomerID = sub.Customer.ID
	}
	return snapshot
}

var _ billingdomain.Verifier = (*Verifier)(nil)
