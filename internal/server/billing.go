package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"go.uber.org/zap"
)

type checkoutRequest struct {
	OrgID   string `json:"org_id" binding:"required"`
	PriceID string `json:"price_id" binding:"required"`
}

type portalRequest struct {
	OrgID string `json:"org_id" binding:"required"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

type billingResponse struct {
	OrgID          string `json:"org_id"`
	Status         string `json:"status"`
	PlanName       string `json:"plan_name,omitempty"`
	ProductID      string `json:"product_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Subscribed     bool   `json:"subscribed"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req checkoutRequest
	// BindBodyWith: the rate limit middleware already read the body.
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	url, err := s.billingSvc.CreateCheckoutSession(c.Request.Context(), orgID, req.PriceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, redirectResponse{URL: url})
}

func (s *Server) ConfirmCheckout(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	row, err := s.billingSvc.ConfirmCheckout(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toBillingResponse(row))
}

func (s *Server) CreatePortalSession(c *gin.Context) {
	var req portalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	orgID, err := snowflake.ParseString(req.OrgID)
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	url, err := s.billingSvc.CreatePortalSession(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, redirectResponse{URL: url})
}

func (s *Server) GetOrgBilling(c *gin.Context) {
	orgID, err := snowflake.ParseString(c.Param("orgId"))
	if err != nil {
		AbortWithError(c, billingdomain.ErrInvalidRequest)
		return
	}

	row, err := s.billingSvc.GetByOrgID(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toBillingResponse(row))
}

func (s *Server) ListPricing(c *gin.Context) {
	plans, err := s.billingSvc.Pricing(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// CheckoutRateLimit throttles session creation per organization. Redis
// outages fail open: losing the guard is better than losing checkout.
func (s *Server) CheckoutRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.checkoutGuard == nil {
			c.Next()
			return
		}

		var req checkoutRequest
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			c.Next()
			return
		}
		orgID, err := snowflake.ParseString(req.OrgID)
		if err != nil {
			c.Next()
			return
		}

		allowed, wait, err := s.checkoutGuard.Allow(c.Request.Context(), orgID)
		if err != nil {
			s.log.Warn("checkout guard unavailable, failing open", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			AbortWithError(c, ErrTooManyRequests)
			return
		}

		c.Next()
	}
}

func toBillingResponse(row *billingdomain.OrganizationBilling) billingResponse {
	resp := billingResponse{
		OrgID:      row.OrgID.String(),
		Status:     string(row.Status),
		Subscribed: row.Subscribed(),
	}
	if row.PlanName != nil {
		resp.PlanName = *row.PlanName
	}
	if row.StripeProductID != nil {
		resp.ProductID = *row.StripeProductID
	}
	if row.StripeSubscriptionID != nil {
		resp.SubscriptionID = *row.StripeSubscriptionID
	}
	return resp
}
