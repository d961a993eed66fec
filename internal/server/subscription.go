package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	authorizationdomain "github.com/howie/coaching-transcript-tool-sub007/internal/authorization/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
)

type createSubscriptionRequest struct {
	OwnerID      int64  `json:"owner_id"`
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
}

// CreateSubscription opens a new recurring mandate: it persists the PENDING
// authorization and returns the signed form the payer's browser posts to
// the gateway checkout. The subscription itself is born later, by the
// authorization callback.
func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.OwnerID <= 0 {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "owner_id is required"))
		return
	}

	cycle := plan.BillingCycle(strings.TrimSpace(req.BillingCycle))
	if cycle == "" {
		cycle = plan.CycleMonthly
	}
	planID := strings.TrimSpace(req.PlanID)
	if !plan.Purchasable(planID, cycle) {
		AbortWithError(c, plan.ErrUnknownPlan)
		return
	}

	resp, err := s.authSvc.CreateAuthorization(c.Request.Context(), authorizationdomain.CreateRequest{
		OwnerID: req.OwnerID,
		PlanID:  planID,
		Cycle:   cycle,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"authorization_id": resp.Authorization.ID.String(),
		"member_id":        resp.Authorization.ExternalMemberID,
		"checkout": gin.H{
			"action": resp.CheckoutForm.Action,
			"fields": resp.CheckoutForm.Fields,
		},
	}})
}

type cancelSubscriptionRequest struct {
	Immediate bool `json:"immediate"`
}

func (s *Server) CancelSubscription(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid subscription id"))
		return
	}

	var req cancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.subSvc.Cancel(c.Request.Context(), id, req.Immediate); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) GetOwnerSubscription(c *gin.Context) {
	ownerID, err := strconv.ParseInt(strings.TrimSpace(c.Param("owner_id")), 10, 64)
	if err != nil || ownerID <= 0 {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "invalid owner id"))
		return
	}

	sub, err := s.subSvc.FindByOwner(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if sub == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}
