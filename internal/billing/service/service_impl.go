package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/cache"
	"github.com/vuongducdai/saas-starter/internal/config"
	obsmetrics "github.com/vuongducdai/saas-starter/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// casAttempts bounds the re-read loop when a concurrent apply wins the
	// conditional update. Two deliveries for the same subscription settle
	// within one retry; more attempts than that means something is wrong.
	casAttempts = 3

	portalConfigTTL = time.Hour
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    billingdomain.Repository
	Gateway billingdomain.Gateway
	Cfg     config.Config
	Policy  *config.BillingPolicyHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    billingdomain.Repository
	gateway billingdomain.Gateway
	cfg     config.Config
	policy  *config.BillingPolicyHolder
	metrics *obsmetrics.Metrics

	catalog       *planCatalog
	portalConfigs *cache.TTLCache[string, string]
}

func NewService(p Params) billingdomain.Service {
	policy := p.Policy.Get()
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("billing.service"),
		repo:          p.Repo,
		gateway:       p.Gateway,
		cfg:           p.Cfg,
		policy:        p.Policy,
		metrics:       p.Metrics,
		catalog:       newPlanCatalog(p.Gateway, p.Log.Named("billing.catalog"), policy.CatalogRefreshPeriod),
		portalConfigs: cache.NewTTLCache[string, string](),
	}
}

func (s *Service) CreateCheckoutSession(ctx context.Context, orgID snowflake.ID, priceID string) (string, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return "", fmt.Errorf("%w: price reference is required", billingdomain.ErrInvalidRequest)
	}

	row, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", billingdomain.ErrNotFound
	}

	policy := s.policy.Get()
	sess, err := s.gateway.CreateCheckoutSession(ctx, billingdomain.CheckoutSessionParams{
		OrgID:               orgID,
		CustomerID:          row.StripeCustomerID,
		PriceID:             priceID,
		TrialDays:           policy.TrialDays,
		AllowPromotionCodes: policy.AllowPromotionCodes,
		SuccessURL:          s.cfg.Stripe.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:           s.cfg.Stripe.CancelURL,
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordCheckoutSession(ctx, orgID.String())
	s.log.Info("checkout session created",
		zap.String("org_id", orgID.String()),
		zap.String("session_id", sess.ID),
	)
	return sess.URL, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, orgID snowflake.ID) (string, error) {
	row, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return "", err
	}
	if row == nil || !row.Subscribed() || row.StripeCustomerID == nil {
		return "", billingdomain.ErrNoActiveSubscription
	}

	configurationID, err := s.portalConfiguration(ctx)
	if err != nil {
		return "", err
	}

	sess, err := s.gateway.CreatePortalSession(ctx, billingdomain.PortalSessionParams{
		CustomerID:      *row.StripeCustomerID,
		ReturnURL:       s.cfg.Stripe.ReturnURL,
		ConfigurationID: configurationID,
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordPortalSession(ctx, orgID.String())
	return sess.URL, nil
}

// portalConfiguration lazily creates the shared portal configuration and
// caches it so repeated portal visits do not pile configurations up at the
// processor.
func (s *Service) portalConfiguration(ctx context.Context) (string, error) {
	policy := s.policy.Get()
	key := fmt.Sprintf("plan_switch=%t,cancel=%t", policy.Portal.AllowPlanSwitch, policy.Portal.AllowCancellation)
	if id, ok := s.portalConfigs.Get(key); ok {
		return id, nil
	}

	id, err := s.gateway.CreatePortalConfiguration(ctx, billingdomain.PortalConfigurationParams{
		AllowPlanSwitch:   policy.Portal.AllowPlanSwitch,
		AllowCancellation: policy.Portal.AllowCancellation,
	})
	if err != nil {
		return "", err
	}
	s.portalConfigs.Set(key, id, portalConfigTTL)
	return id, nil
}

// ConfirmCheckout is the synchronous return path. The session is retrieved
// with its subscription expanded, so the ledger write needs no second
// processor round trip. A reload of the success page hits the same code and
// lands on the already-applied tuple.
func (s *Service) ConfirmCheckout(ctx context.Context, sessionID string) (*billingdomain.OrganizationBilling, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session reference is required", billingdomain.ErrInvalidRequest)
	}

	detail, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if detail.OrgID == "" {
		s.log.Error("checkout session carries no organization metadata",
			zap.String("session_id", sessionID))
		return nil, billingdomain.ErrOrphanedSession
	}
	orgID, err := snowflake.ParseString(detail.OrgID)
	if err != nil {
		s.log.Error("checkout session organization metadata is malformed",
			zap.String("session_id", sessionID))
		return nil, billingdomain.ErrOrphanedSession
	}

	sub := detail.Subscription
	if sub == nil {
		return nil, fmt.Errorf("%w: session has no subscription attached", billingdomain.ErrInvalidRequest)
	}

	snapshot := billingdomain.SubscriptionSnapshot{
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
		ProductID:      sub.ProductID,
		Status:         billingdomain.StatusFromProcessor(sub.Status),
		Sequence:       sub.Created,
	}
	if snapshot.CustomerID == "" {
		snapshot.CustomerID = detail.CustomerID
	}

	row, err := s.applySnapshot(ctx, &orgID, snapshot, false, "checkout")
	if isStale(err) {
		// The webhook beat the success-page return with a newer snapshot.
		// The checkout did succeed; report the row as it stands.
		s.metrics.RecordStaleDrop(ctx, "checkout")
		return s.resolveRow(ctx, &orgID, snapshot)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ApplyEvent is the asynchronous path. Stale and unrecognized deliveries
// return nil: they must be acknowledged with success so the processor stops
// redelivering them.
func (s *Service) ApplyEvent(ctx context.Context, event *billingdomain.LifecycleEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", billingdomain.ErrInvalidRequest)
	}

	switch event.Kind {
	case billingdomain.EventKindSubscriptionUpdated:
		return s.applyEventSnapshot(ctx, event, false)

	case billingdomain.EventKindSubscriptionDeleted:
		return s.applyEventSnapshot(ctx, event, true)

	case billingdomain.EventKindCheckoutCompleted:
		// Convenience path: the completed-session event carries the same
		// reference the synchronous return path does.
		_, err := s.ConfirmCheckout(ctx, event.SessionID)
		if err != nil {
			s.metrics.RecordWebhookEvent(ctx, event.Type, "error")
			return err
		}
		s.metrics.RecordWebhookEvent(ctx, event.Type, "applied")
		return nil

	default:
		s.log.Debug("ignoring unhandled event kind", zap.String("event_type", event.Type))
		s.metrics.RecordWebhookEvent(ctx, event.Type, "ignored")
		return nil
	}
}

func (s *Service) applyEventSnapshot(ctx context.Context, event *billingdomain.LifecycleEvent, deleted bool) error {
	if event.Snapshot == nil {
		return fmt.Errorf("%w: event %s has no subscription payload", billingdomain.ErrInvalidRequest, event.ID)
	}

	snapshot := *event.Snapshot
	if deleted {
		// Cancellation is definitive regardless of the payload's nominal
		// status field.
		snapshot.Status = billingdomain.BillingStatusCanceled
	}

	_, err := s.applySnapshot(ctx, nil, snapshot, deleted, "webhook")
	switch {
	case err == nil:
		s.metrics.RecordWebhookEvent(ctx, event.Type, "applied")
		return nil
	case isStale(err):
		s.log.Info("dropping stale lifecycle event",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Int64("sequence", snapshot.Sequence),
		)
		s.metrics.RecordWebhookEvent(ctx, event.Type, "stale")
		s.metrics.RecordStaleDrop(ctx, "webhook")
		return nil
	default:
		s.metrics.RecordWebhookEvent(ctx, event.Type, "error")
		return err
	}
}

// applySnapshot is the shared terminal step of both reconciliation paths.
//
// Resolution prefers the subscription reference, falls back to the customer
// reference, then to the organization reference carried by checkout session
// metadata. The write is one conditional UPDATE guarded on the row's
// last-applied sequence: an apply that does not advance the sequence is
// rejected, which makes the terminal state independent of delivery order and
// makes redelivery a no-op.
func (s *Service) applySnapshot(ctx context.Context, orgID *snowflake.ID, snapshot billingdomain.SubscriptionSnapshot, deleted bool, source string) (*billingdomain.OrganizationBilling, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		row, err := s.resolveRow(ctx, orgID, snapshot)
		if err != nil {
			return nil, err
		}

		if snapshot.Sequence <= row.LastSequence {
			if s.alreadyApplied(row, snapshot, deleted) {
				return row, nil
			}
			return nil, fmt.Errorf("%w: sequence %d <= %d", billingdomain.ErrStaleEvent, snapshot.Sequence, row.LastSequence)
		}

		fields := s.buildFields(ctx, row, snapshot, deleted)
		written, err := s.repo.CASUpdate(ctx, s.db, row.OrgID, row.LastSequence, fields)
		if err != nil {
			return nil, err
		}
		if !written {
			// A concurrent apply advanced the row first; re-read and let the
			// ordering guard decide again.
			continue
		}

		s.metrics.RecordReconcileApply(ctx, source)
		s.log.Info("billing state reconciled",
			zap.String("org_id", row.OrgID.String()),
			zap.String("status", string(fields.Status)),
			zap.Int64("sequence", fields.Sequence),
			zap.String("source", source),
		)
		return s.repo.FindByOrgID(ctx, s.db, row.OrgID)
	}

	return nil, fmt.Errorf("billing apply for subscription %q did not settle", snapshot.SubscriptionID)
}

func (s *Service) resolveRow(ctx context.Context, orgID *snowflake.ID, snapshot billingdomain.SubscriptionSnapshot) (*billingdomain.OrganizationBilling, error) {
	row, err := s.repo.FindBySubscriptionID(ctx, s.db, snapshot.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row, err = s.repo.FindByCustomerID(ctx, s.db, snapshot.CustomerID)
		if err != nil {
			return nil, err
		}
	}
	if row == nil && orgID != nil {
		row, err = s.repo.FindByOrgID(ctx, s.db, *orgID)
		if err != nil {
			return nil, err
		}
	}
	if row == nil {
		s.log.Error("no ledger row for processor reference",
			zap.String("subscription_id", snapshot.SubscriptionID),
			zap.String("customer_id", snapshot.CustomerID),
		)
		return nil, fmt.Errorf("%w: subscription %q", billingdomain.ErrUnknownOrganization, snapshot.SubscriptionID)
	}
	return row, nil
}

// buildFields writes the full reconciled column set. Catalog misses keep the
// previous plan label rather than nulling it.
func (s *Service) buildFields(ctx context.Context, row *billingdomain.OrganizationBilling, snapshot billingdomain.SubscriptionSnapshot, deleted bool) billingdomain.UpdateFields {
	fields := billingdomain.UpdateFields{
		StripeCustomerID:     row.StripeCustomerID,
		StripeSubscriptionID: row.StripeSubscriptionID,
		StripeProductID:      row.StripeProductID,
		PlanName:             row.PlanName,
		Status:               snapshot.Status,
		Sequence:             snapshot.Sequence,
	}

	if snapshot.CustomerID != "" {
		customerID := snapshot.CustomerID
		fields.StripeCustomerID = &customerID
	}

	if deleted {
		fields.StripeSubscriptionID = nil
	} else if snapshot.SubscriptionID != "" {
		subscriptionID := snapshot.SubscriptionID
		fields.StripeSubscriptionID = &subscriptionID
	}

	if snapshot.ProductID != "" {
		productID := snapshot.ProductID
		fields.StripeProductID = &productID
		if name, ok := s.catalog.PlanName(ctx, productID); ok {
			fields.PlanName = &name
		}
	}

	return fields
}

// alreadyApplied reports whether the row already reflects the snapshot, which
// makes a repeated apply (success page reload, webhook redelivery) a clean
// no-op instead of a stale rejection.
func (s *Service) alreadyApplied(row *billingdomain.OrganizationBilling, snapshot billingdomain.SubscriptionSnapshot, deleted bool) bool {
	if row.Status != snapshot.Status {
		return false
	}
	if deleted {
		return row.StripeSubscriptionID == nil
	}
	return row.StripeSubscriptionID != nil && *row.StripeSubscriptionID == snapshot.SubscriptionID
}

func (s *Service) GetByOrgID(ctx context.Context, orgID snowflake.ID) (*billingdomain.OrganizationBilling, error) {
	row, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, billingdomain.ErrNotFound
	}
	return row, nil
}

func (s *Service) Pricing(ctx context.Context) ([]billingdomain.PricingPlan, error) {
	prices, err := s.gateway.ListActivePrices(ctx)
	if err != nil {
		return nil, err
	}
	products, err := s.gateway.ListActiveProducts(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]billingdomain.ProductInfo, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}

	plans := make([]billingdomain.PricingPlan, 0, len(prices))
	for _, price := range prices {
		plans = append(plans, billingdomain.PricingPlan{
			Price:   price,
			Product: byID[price.ProductID],
		})
	}
	return plans, nil
}

func isStale(err error) bool {
	return errors.Is(err, billingdomain.ErrStaleEvent)
}
