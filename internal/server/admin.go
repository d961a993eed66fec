package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
)

// AdminRequired gates the operator surface behind the static bearer token.
// Comparison is constant-time; the 401 never says which part was wrong.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminAPIToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// AdminForceRetry re-runs the charge for one failed attempt right now
// instead of waiting for its scheduled slot.
func (s *Server) AdminForceRetry(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid attempt id"))
		return
	}

	if err := s.scheduler.ForceRetry(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	s.log.Info("operator forced charge retry", zap.String("attempt_id", id.String()))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AdminRunSweep triggers one full reconciliation sweep out of band.
func (s *Server) AdminRunSweep(c *gin.Context) {
	if err := s.scheduler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type ownerBillingView struct {
	Subscription  *subscriptiondomain.Subscription    `json:"subscription"`
	Attempts      []subscriptiondomain.PaymentAttempt `json:"attempts"`
	Authorization *ownerAuthorizationView             `json:"authorization"`
}

type ownerAuthorizationView struct {
	ID               snowflake.ID `json:"id"`
	ExternalMemberID string       `json:"external_member_id"`
	PlanID           string       `json:"plan_id"`
	Status           string       `json:"status"`
}

// AdminInspectOwner is the read-only support view: current subscription,
// its mandate and the recent charge ledger.
func (s *Server) AdminInspectOwner(c *gin.Context) {
	ownerID, err := strconv.ParseInt(strings.TrimSpace(c.Param("owner_id")), 10, 64)
	if err != nil || ownerID <= 0 {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner_id", "invalid owner id"))
		return
	}

	ctx := c.Request.Context()
	sub, err := s.subSvc.FindByOwner(ctx, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if sub == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	view := ownerBillingView{Subscription: sub}

	var attempts []subscriptiondomain.PaymentAttempt
	if err := s.db.WithContext(ctx).
		Where("subscription_id = ?", sub.ID).
		Order("created_at DESC").
		Limit(20).
		Find(&attempts).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	view.Attempts = attempts

	var auth ownerAuthorizationView
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, external_member_id, plan_id, status
		 FROM authorizations
		 WHERE id = ?`,
		sub.AuthorizationID,
	).Scan(&auth).Error; err != nil {
		AbortWithError(c, err)
		return
	}
	if auth.ID != 0 {
		view.Authorization = &auth
	}

	c.JSON(http.StatusOK, gin.H{"data": view})
}
