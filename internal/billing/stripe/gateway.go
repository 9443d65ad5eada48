// Package stripe implements the payment processor boundary on the official
// Stripe client.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/config"
)

const requestTimeout = 15 * time.Second

// Gateway wraps a stripe client.API. It is constructed once at startup and
// never mutated afterward.
type Gateway struct {
	api *client.API
}

func NewGateway(cfg config.Config) billingdomain.Gateway {
	httpClient := &http.Client{Timeout: requestTimeout}
	api := client.New(cfg.Stripe.SecretKey, stripe.NewBackends(httpClient))
	return &Gateway{api: api}
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, params billingdomain.CheckoutSessionParams) (*billingdomain.CheckoutSession, error) {
	orgID := params.OrgID.String()

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(params.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(orgID),
		SubscriptionData:  &stripe.CheckoutSessionSubscriptionDataParams{},
	}
	sessionParams.Context = ctx
	// The org reference rides on both the session and the subscription so
	// reconciliation never depends on customer-ID lookup alone.
	sessionParams.AddMetadata("org_id", orgID)
	sessionParams.SubscriptionData.Metadata = map[string]string{"org_id": orgID}

	if params.TrialDays > 0 {
		sessionParams.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(params.TrialDays))
	}
	if params.AllowPromotionCodes {
		sessionParams.AllowPromotionCodes = stripe.Bool(true)
	}
	if params.CustomerID != nil && *params.CustomerID != "" {
		sessionParams.Customer = stripe.String(*params.CustomerID)
	}

	sess, err := g.api.CheckoutSessions.New(sessionParams)
	if err != nil {
		return nil, gatewayErr("create checkout session", err)
	}

	return &billingdomain.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// RetrieveSession fetches the session with its subscription expanded so the
// reconciler sees completed state and detail in one round trip.
func (g *Gateway) RetrieveSession(ctx context.Context, sessionID string) (*billingdomain.SessionDetail, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("subscription")
	params.AddExpand("line_items")

	sess, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, gatewayErr("retrieve checkout session", err)
	}

	detail := &billingdomain.SessionDetail{
		ID:     sess.ID,
		OrgID:  sessionOrgID(sess),
		Status: string(sess.Status),
	}
	if sess.Customer != nil {
		detail.CustomerID = sess.Customer.ID
	}
	if sub := sess.Subscription; sub != nil {
		detail.Subscription = &billingdomain.SubscriptionDetail{
			ID:                 sub.ID,
			Status:             string(sub.Status),
			Created:            sub.Created,
			CurrentPeriodStart: sub.CurrentPeriodStart,
			CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		}
		if sub.Customer != nil {
			detail.Subscription.CustomerID = sub.Customer.ID
		}
		detail.Subscription.ProductID = subscriptionProductID(sub)
	}

	return detail, nil
}

func (g *Gateway) CreatePortalSession(ctx context.Context, params billingdomain.PortalSessionParams) (*billingdomain.PortalSession, error) {
	sessionParams := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(params.CustomerID),
		ReturnURL: stripe.String(params.ReturnURL),
	}
	sessionParams.Context = ctx
	if params.ConfigurationID != "" {
		sessionParams.Configuration = stripe.String(params.ConfigurationID)
	}

	sess, err := g.api.BillingPortalSessions.New(sessionParams)
	if err != nil {
		return nil, gatewayErr("create portal session", err)
	}

	return &billingdomain.PortalSession{URL: sess.URL}, nil
}

// CreatePortalConfiguration builds a portal configuration allowing plan
// switches among the active catalog and cancellation at period end. Callers
// cache the returned identifier; configurations accumulate on the processor
// side otherwise.
func (g *Gateway) CreatePortalConfiguration(ctx context.Context, params billingdomain.PortalConfigurationParams) (string, error) {
	if !params.AllowPlanSwitch && !params.AllowCancellation {
		return "", nil
	}

	features := &stripe.BillingPortalConfigurationFeaturesParams{}

	if params.AllowCancellation {
		features.SubscriptionCancel = &stripe.BillingPortalConfigurationFeaturesSubscriptionCancelParams{
			Enabled: stripe.Bool(true),
			Mode:    stripe.String("at_period_end"),
		}
	}

	if params.AllowPlanSwitch {
		prices, err := g.ListActivePrices(ctx)
		if err != nil {
			return "", err
		}
		products := map[string][]string{}
		for _, price := range prices {
			products[price.ProductID] = append(products[price.ProductID], price.ID)
		}
		updateProducts := make([]*stripe.BillingPortalConfigurationFeaturesSubscriptionUpdateProductParams, 0, len(products))
		for productID, priceIDs := range products {
			updateProducts = append(updateProducts, &stripe.BillingPortalConfigurationFeaturesSubscriptionUpdateProductParams{
				Product: stripe.String(productID),
				Prices:  stripe.StringSlice(priceIDs),
			})
		}
		if len(updateProducts) > 0 {
			features.SubscriptionUpdate = &stripe.BillingPortalConfigurationFeaturesSubscriptionUpdateParams{
				Enabled:               stripe.Bool(true),
				DefaultAllowedUpdates: stripe.StringSlice([]string{"price"}),
				Products:              updateProducts,
			}
		}
	}

	configParams := &stripe.BillingPortalConfigurationParams{Features: features}
	configParams.Context = ctx

	configuration, err := g.api.BillingPortalConfigurations.New(configParams)
	if err != nil {
		return "", gatewayErr("create portal configuration", err)
	}
	return configuration.ID, nil
}

func (g *Gateway) ListActivePrices(ctx context.Context) ([]billingdomain.PriceInfo, error) {
	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
		Type:   stripe.String(string(stripe.PriceTypeRecurring)),
	}
	params.Context = ctx

	var prices []billingdomain.PriceInfo
	iter := g.api.Prices.List(params)
	for iter.Next() {
		price := iter.Price()
		info := billingdomain.PriceInfo{
			ID:         price.ID,
			Currency:   string(price.Currency),
			UnitAmount: price.UnitAmount,
		}
		if price.Product != nil {
			info.ProductID = price.Product.ID
		}
		if price.Recurring != nil {
			info.Interval = string(price.Recurring.Interval)
		}
		prices = append(prices, info)
	}
	if err := iter.Err(); err != nil {
		return nil, gatewayErr("list prices", err)
	}
	return prices, nil
}

func (g *Gateway) ListActiveProducts(ctx context.Context) ([]billingdomain.ProductInfo, error) {
	params := &stripe.ProductListParams{Active: stripe.Bool(true)}
	params.Context = ctx

	var products []billingdomain.ProductInfo
	iter := g.api.Products.List(params)
	for iter.Next() {
		product := iter.Product()
		products = append(products, billingdomain.ProductInfo{
			ID:          product.ID,
			Name:        product.Name,
			Description: product.Description,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, gatewayErr("list products", err)
	}
	return products, nil
}

func sessionOrgID(sess *stripe.CheckoutSession) string {
	if sess == nil {
		return ""
	}
	if orgID := sess.Metadata["org_id"]; orgID != "" {
		return orgID
	}
	// ClientReferenceID doubles as a fallback carrier for the org reference.
	if sess.ClientReferenceID != "" {
		if _, err := strconv.ParseInt(sess.ClientReferenceID, 10, 64); err == nil {
			return sess.ClientReferenceID
		}
	}
	return ""
}

func subscriptionProductID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil || item.Price.Product == nil {
		return ""
	}
	return item.Price.Product.ID
}

func gatewayErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", billingdomain.ErrGatewayUnavailable, op, err)
}

var _ billingdomain.Gateway = (*Gateway)(nil)
