package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"go.uber.org/zap"
)

type fakeBillingService struct {
	applyErr    error
	appliedIDs  []string
	confirmed   *billingdomain.OrganizationBilling
	confirmErr  error
	checkoutURL string
	portalURL   string
}

func (f *fakeBillingService) CreateCheckoutSession(ctx context.Context, orgID snowflake.ID, priceID string) (string, error) {
	return f.checkoutURL, nil
}

func (f *fakeBillingService) CreatePortalSession(ctx context.Context, orgID snowflake.ID) (string, error) {
	return f.portalURL, nil
}

func (f *fakeBillingService) ConfirmCheckout(ctx context.Context, sessionID string) (*billingdomain.OrganizationBilling, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return f.confirmed, nil
}

func (f *fakeBillingService) ApplyEvent(ctx context.Context, event *billingdomain.LifecycleEvent) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.appliedIDs = append(f.appliedIDs, event.ID)
	return nil
}

func (f *fakeBillingService) GetByOrgID(ctx context.Context, orgID snowflake.ID) (*billingdomain.OrganizationBilling, error) {
	return nil, billingdomain.ErrNotFound
}

func (f *fakeBillingService) Pricing(ctx context.Context) ([]billingdomain.PricingPlan, error) {
	return nil, nil
}

type fakeVerifier struct {
	event *billingdomain.LifecycleEvent
	err   error
}

func (f *fakeVerifier) Verify(payload []byte, signatureHeader string) (*billingdomain.LifecycleEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

func newTestServer(t *testing.T, billingSvc billingdomain.Service, verifier billingdomain.Verifier) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	srv := &Server{
		engine:     engine,
		log:        zap.NewNop(),
		genID:      node,
		billingSvc: billingSvc,
		verifier:   verifier,
	}
	srv.registerAPIRoutes()
	srv.registerWebhookRoutes()
	return srv
}

func postWebhook(srv *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=sig")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcknowledgesAppliedEvent(t *testing.T) {
	svc := &fakeBillingService{}
	srv := newTestServer(t, svc, &fakeVerifier{
		event: &billingdomain.LifecycleEvent{
			ID:   "evt_1",
			Kind: billingdomain.EventKindSubscriptionUpdated,
		},
	})

	rec := postWebhook(srv, `{"id":"evt_1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(svc.appliedIDs) != 1 || svc.appliedIDs[0] != "evt_1" {
		t.Fatalf("applied = %v", svc.appliedIDs)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv := newTestServer(t, &fakeBillingService{}, &fakeVerifier{
		err: billingdomain.ErrSignatureInvalid,
	})

	rec := postWebhook(srv, `{"id":"evt_1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookUnknownOrganizationIs404(t *testing.T) {
	srv := newTestServer(t, &fakeBillingService{
		applyErr: billingdomain.ErrUnknownOrganization,
	}, &fakeVerifier{
		event: &billingdomain.LifecycleEvent{ID: "evt_1", Kind: billingdomain.EventKindSubscriptionUpdated},
	})

	rec := postWebhook(srv, `{"id":"evt_1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCheckoutEndpointValidatesBody(t *testing.T) {
	srv := newTestServer(t, &fakeBillingService{checkoutURL: "https://c"}, &fakeVerifier{})

	req := httptest.NewRequest(http.MethodPost, "/api/billing/checkout", bytes.NewBufferString(`{"org_id":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing price_id", rec.Code)
	}
}

func TestOrgBillingNotFound(t *testing.T) {
	svc := &fakeBillingService{}
	srv := newTestServer(t, svc, &fakeVerifier{})

	req := httptest.NewRequest(http.MethodGet, "/api/organizations/123/billing", nil)
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
