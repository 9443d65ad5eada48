package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/billing/repository"
	"github.com/vuongducdai/saas-starter/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type gatewayStub struct {
	mu sync.Mutex

	sessions map[string]*billingdomain.SessionDetail
	products []billingdomain.ProductInfo
	prices   []billingdomain.PriceInfo

	checkoutCalls int
	productCalls  int

	err error
}

func (g *gatewayStub) CreateCheckoutSession(ctx context.Context, params billingdomain.CheckoutSessionParams) (*billingdomain.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.checkoutCalls++
	return &billingdomain.CheckoutSession{
		ID:  fmt.Sprintf("cs_test_%d", g.checkoutCalls),
		URL: "https://checkout.example.com/session",
	}, nil
}

func (g *gatewayStub) RetrieveSession(ctx context.Context, sessionID string) (*billingdomain.SessionDetail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	detail, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session retrieve failed", billingdomain.ErrGatewayUnavailable)
	}
	return detail, nil
}

func (g *gatewayStub) CreatePortalConfiguration(ctx context.Context, params billingdomain.PortalConfigurationParams) (string, error) {
	return "bpc_test", g.err
}

func (g *gatewayStub) CreatePortalSession(ctx context.Context, params billingdomain.PortalSessionParams) (*billingdomain.PortalSession, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &billingdomain.PortalSession{URL: "https://portal.example.com/session"}, nil
}

func (g *gatewayStub) ListActivePrices(ctx context.Context) ([]billingdomain.PriceInfo, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.prices, nil
}

func (g *gatewayStub) ListActiveProducts(ctx context.Context) ([]billingdomain.ProductInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.productCalls++
	return g.products, nil
}

var testDBSeq atomic.Int64

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupService(t *testing.T, gateway *gatewayStub) (*Service, *gorm.DB, billingdomain.Repository) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&billingdomain.OrganizationBilling{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := repository.Provide()
	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    repo,
		Gateway: gateway,
		Cfg: config.Config{
			Stripe: config.StripeConfig{
				SuccessURL: "https://app.example.com/billing/success",
				CancelURL:  "https://app.example.com/pricing",
				ReturnURL:  "https://app.example.com/billing",
			},
		},
		Policy: config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()),
	})
	return svc.(*Service), db, repo
}

func seedRow(t *testing.T, db *gorm.DB, repo billingdomain.Repository, row billingdomain.OrganizationBilling) {
	t.Helper()
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	if row.Status == "" {
		row.Status = billingdomain.BillingStatusNone
	}
	if err := repo.Insert(context.Background(), db, &row); err != nil {
		t.Fatalf("seed row: %v", err)
	}
}

func strptr(s string) *string { return &s }

func updatedEvent(id string, seq int64, snapshot billingdomain.SubscriptionSnapshot) *billingdomain.LifecycleEvent {
	snapshot.Sequence = seq
	return &billingdomain.LifecycleEvent{
		ID:       id,
		Kind:     billingdomain.EventKindSubscriptionUpdated,
		Type:     "customer.subscription.updated",
		Snapshot: &snapshot,
	}
}

func deletedEvent(id string, seq int64, snapshot billingdomain.SubscriptionSnapshot) *billingdomain.LifecycleEvent {
	snapshot.Sequence = seq
	return &billingdomain.LifecycleEvent{
		ID:       id,
		Kind:     billingdomain.EventKindSubscriptionDeleted,
		Type:     "customer.subscription.deleted",
		Snapshot: &snapshot,
	}
}

func TestApplyEventUpdatesLedger(t *testing.T) {
	gateway := &gatewayStub{products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}}}
	svc, db, repo := setupService(t, gateway)
	node := mustNode(t)
	orgID := node.Generate()

	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:            orgID,
		StripeCustomerID: strptr("cus_1"),
	})

	event := updatedEvent("evt_1", 100, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusActive,
	})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != billingdomain.BillingStatusActive {
		t.Fatalf("status = %s, want active", row.Status)
	}
	if row.StripeSubscriptionID == nil || *row.StripeSubscriptionID != "sub_1" {
		t.Fatalf("subscription id not recorded: %v", row.StripeSubscriptionID)
	}
	if row.PlanName == nil || *row.PlanName != "Base" {
		t.Fatalf("plan name = %v, want Base", row.PlanName)
	}
	if row.LastSequence != 100 {
		t.Fatalf("last sequence = %d, want 100", row.LastSequence)
	}
}

func TestApplyEventOrderIndependent(t *testing.T) {
	// The terminal state must not depend on delivery order: a cancellation
	// followed by an older update lands on the same row as the other way
	// round.
	snapshotTrial := billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusTrialing,
	}
	snapshotCancel := billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusCanceled,
	}

	orders := [][]*billingdomain.LifecycleEvent{
		{updatedEvent("evt_a", 100, snapshotTrial), deletedEvent("evt_b", 200, snapshotCancel)},
		{deletedEvent("evt_b", 200, snapshotCancel), updatedEvent("evt_a", 100, snapshotTrial)},
	}

	for i, events := range orders {
		gateway := &gatewayStub{products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}}}
		svc, db, repo := setupService(t, gateway)
		orgID := mustNode(t).Generate()
		seedRow(t, db, repo, billingdomain.OrganizationBilling{
			OrgID:            orgID,
			StripeCustomerID: strptr("cus_1"),
		})

		for _, event := range events {
			if err := svc.ApplyEvent(context.Background(), event); err != nil {
				t.Fatalf("order %d: apply %s: %v", i, event.ID, err)
			}
		}

		row, err := repo.FindByOrgID(context.Background(), db, orgID)
		if err != nil {
			t.Fatalf("order %d: find: %v", i, err)
		}
		if row.Status != billingdomain.BillingStatusCanceled {
			t.Fatalf("order %d: status = %s, want canceled", i, row.Status)
		}
		if row.StripeSubscriptionID != nil {
			t.Fatalf("order %d: subscription id should be cleared, got %s", i, *row.StripeSubscriptionID)
		}
		if row.StripeCustomerID == nil || *row.StripeCustomerID != "cus_1" {
			t.Fatalf("order %d: customer id lost", i)
		}
		if row.StripeProductID == nil || *row.StripeProductID != "prod_base" {
			t.Fatalf("order %d: product id lost", i)
		}
		if row.PlanName == nil || *row.PlanName != "Base" {
			t.Fatalf("order %d: plan name lost", i)
		}
		if row.LastSequence != 200 {
			t.Fatalf("order %d: last sequence = %d, want 200", i, row.LastSequence)
		}
	}
}

func TestApplyEventRedeliveryIsNoOp(t *testing.T) {
	gateway := &gatewayStub{products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}}}
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:            orgID,
		StripeCustomerID: strptr("cus_1"),
	})

	event := updatedEvent("evt_1", 100, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusActive,
	})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	first, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery must succeed: %v", err)
	}

	second, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("redelivery rewrote the row: %v != %v", second.UpdatedAt, first.UpdatedAt)
	}
	if second.LastSequence != 100 {
		t.Fatalf("last sequence = %d, want 100", second.LastSequence)
	}
}

func TestApplyEventStaleDropped(t *testing.T) {
	gateway := &gatewayStub{products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}}}
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:                orgID,
		StripeCustomerID:     strptr("cus_1"),
		StripeSubscriptionID: strptr("sub_1"),
		StripeProductID:      strptr("prod_pro"),
		PlanName:             strptr("Pro"),
		Status:               billingdomain.BillingStatusActive,
		LastSequence:         200,
	})

	// Older snapshot with a different tuple: dropped, but acknowledged.
	stale := updatedEvent("evt_old", 100, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusTrialing,
	})
	if err := svc.ApplyEvent(context.Background(), stale); err != nil {
		t.Fatalf("stale event must be acknowledged: %v", err)
	}

	row, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.Status != billingdomain.BillingStatusActive || row.LastSequence != 200 {
		t.Fatalf("stale event mutated the row: status=%s seq=%d", row.Status, row.LastSequence)
	}
}

func TestApplyEventUnknownOrganization(t *testing.T) {
	gateway := &gatewayStub{}
	svc, _, _ := setupService(t, gateway)

	event := updatedEvent("evt_1", 100, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_ghost",
		SubscriptionID: "sub_ghost",
		Status:         billingdomain.BillingStatusActive,
	})
	err := svc.ApplyEvent(context.Background(), event)
	if !errors.Is(err, billingdomain.ErrUnknownOrganization) {
		t.Fatalf("err = %v, want ErrUnknownOrganization", err)
	}
}

func TestApplyEventResubscriptionReplacesSubscription(t *testing.T) {
	gateway := &gatewayStub{products: []billingdomain.ProductInfo{{ID: "prod_pro", Name: "Pro"}}}
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:            orgID,
		StripeCustomerID: strptr("cus_1"),
		StripeProductID:  strptr("prod_base"),
		PlanName:         strptr("Base"),
		Status:           billingdomain.BillingStatusCanceled,
		LastSequence:     200,
	})

	// No row carries sub_2 yet, so resolution falls back to the customer.
	event := updatedEvent("evt_new", 300, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_2",
		ProductID:      "prod_pro",
		Status:         billingdomain.BillingStatusActive,
	})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.StripeSubscriptionID == nil || *row.StripeSubscriptionID != "sub_2" {
		t.Fatalf("subscription id = %v, want sub_2", row.StripeSubscriptionID)
	}
	if row.Status != billingdomain.BillingStatusActive {
		t.Fatalf("status = %s, want active", row.Status)
	}
	if row.PlanName == nil || *row.PlanName != "Pro" {
		t.Fatalf("plan name = %v, want Pro", row.PlanName)
	}
}

func TestApplyEventCatalogMissKeepsPlanName(t *testing.T) {
	gateway := &gatewayStub{} // empty catalog
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:            orgID,
		StripeCustomerID: strptr("cus_1"),
		PlanName:         strptr("Base"),
		Status:           billingdomain.BillingStatusTrialing,
		LastSequence:     100,
	})

	event := updatedEvent("evt_1", 200, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_unknown",
		Status:         billingdomain.BillingStatusActive,
	})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, err := repo.FindByOrgID(context.Background(), db, orgID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if row.PlanName == nil || *row.PlanName != "Base" {
		t.Fatalf("plan name = %v, want previous label retained", row.PlanName)
	}
	if row.StripeProductID == nil || *row.StripeProductID != "prod_unknown" {
		t.Fatalf("product id = %v, want prod_unknown", row.StripeProductID)
	}
}

func TestConfirmCheckoutAppliesAndIsIdempotent(t *testing.T) {
	orgID := mustNode(t).Generate()
	gateway := &gatewayStub{
		products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}},
		sessions: map[string]*billingdomain.SessionDetail{
			"cs_1": {
				ID:         "cs_1",
				OrgID:      orgID.String(),
				CustomerID: "cus_1",
				Status:     "complete",
				Subscription: &billingdomain.SubscriptionDetail{
					ID:         "sub_1",
					CustomerID: "cus_1",
					ProductID:  "prod_base",
					Status:     "trialing",
					Created:    100,
				},
			},
		},
	}
	svc, db, repo := setupService(t, gateway)
	seedRow(t, db, repo, billingdomain.OrganizationBilling{OrgID: orgID})

	row, err := svc.ConfirmCheckout(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if row.Status != billingdomain.BillingStatusTrialing {
		t.Fatalf("status = %s, want trialing", row.Status)
	}
	if row.StripeCustomerID == nil || *row.StripeCustomerID != "cus_1" {
		t.Fatalf("customer id not linked")
	}

	// Success page reload hits the same confirmation.
	again, err := svc.ConfirmCheckout(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !again.UpdatedAt.Equal(row.UpdatedAt) {
		t.Fatalf("second confirm rewrote the row")
	}
}

func TestConfirmCheckoutOrphanedSession(t *testing.T) {
	gateway := &gatewayStub{
		sessions: map[string]*billingdomain.SessionDetail{
			"cs_orphan": {ID: "cs_orphan", CustomerID: "cus_1", Status: "complete"},
		},
	}
	svc, _, _ := setupService(t, gateway)

	_, err := svc.ConfirmCheckout(context.Background(), "cs_orphan")
	if !errors.Is(err, billingdomain.ErrOrphanedSession) {
		t.Fatalf("err = %v, want ErrOrphanedSession", err)
	}
}

func TestConfirmCheckoutRacesWebhook(t *testing.T) {
	// The webhook may land first with a newer snapshot; the confirmation then
	// observes the row instead of regressing it.
	orgID := mustNode(t).Generate()
	gateway := &gatewayStub{
		products: []billingdomain.ProductInfo{{ID: "prod_base", Name: "Base"}},
		sessions: map[string]*billingdomain.SessionDetail{
			"cs_1": {
				ID:         "cs_1",
				OrgID:      orgID.String(),
				CustomerID: "cus_1",
				Status:     "complete",
				Subscription: &billingdomain.SubscriptionDetail{
					ID:         "sub_1",
					CustomerID: "cus_1",
					ProductID:  "prod_base",
					Status:     "trialing",
					Created:    100,
				},
			},
		},
	}
	svc, db, repo := setupService(t, gateway)
	seedRow(t, db, repo, billingdomain.OrganizationBilling{OrgID: orgID})

	webhook := updatedEvent("evt_late", 150, billingdomain.SubscriptionSnapshot{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		ProductID:      "prod_base",
		Status:         billingdomain.BillingStatusActive,
	})
	if err := svc.ApplyEvent(context.Background(), webhook); err != nil {
		t.Fatalf("webhook apply: %v", err)
	}

	row, err := svc.ConfirmCheckout(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("confirm after webhook must still succeed: %v", err)
	}
	if row.Status != billingdomain.BillingStatusActive || row.LastSequence != 150 {
		t.Fatalf("row regressed: status=%s seq=%d", row.Status, row.LastSequence)
	}

	stored, findErr := repo.FindByOrgID(context.Background(), db, orgID)
	if findErr != nil {
		t.Fatalf("find: %v", findErr)
	}
	if stored.Status != billingdomain.BillingStatusActive || stored.LastSequence != 150 {
		t.Fatalf("stored row regressed: status=%s seq=%d", stored.Status, stored.LastSequence)
	}
}

func TestCreateCheckoutSessionRequiresLedgerRow(t *testing.T) {
	gateway := &gatewayStub{}
	svc, _, _ := setupService(t, gateway)

	_, err := svc.CreateCheckoutSession(context.Background(), mustNode(t).Generate(), "price_1")
	if !errors.Is(err, billingdomain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreatePortalSessionRequiresSubscription(t *testing.T) {
	gateway := &gatewayStub{}
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:            orgID,
		StripeCustomerID: strptr("cus_1"),
	})

	_, err := svc.CreatePortalSession(context.Background(), orgID)
	if !errors.Is(err, billingdomain.ErrNoActiveSubscription) {
		t.Fatalf("err = %v, want ErrNoActiveSubscription", err)
	}
}

func TestCreatePortalSessionReusesConfiguration(t *testing.T) {
	gateway := &gatewayStub{}
	svc, db, repo := setupService(t, gateway)
	orgID := mustNode(t).Generate()
	seedRow(t, db, repo, billingdomain.OrganizationBilling{
		OrgID:                orgID,
		StripeCustomerID:     strptr("cus_1"),
		StripeSubscriptionID: strptr("sub_1"),
		Status:               billingdomain.BillingStatusActive,
		LastSequence:         100,
	})

	for i := 0; i < 2; i++ {
		if _, err := svc.CreatePortalSession(context.Background(), orgID); err != nil {
			t.Fatalf("portal %d: %v", i, err)
		}
	}
}
