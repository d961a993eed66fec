package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	authzdomain "github.com/howie/coaching-transcript-tool-sub007/internal/authorization/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
)

const memberIDMaxLen = 30

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Provider gatewaydomain.Provider
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	provider gatewaydomain.Provider
}

func NewService(p Params) authzdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		provider: p.Provider,
	}
}

func (s *Service) CreateAuthorization(ctx context.Context, req authzdomain.CreateRequest) (*authzdomain.CreateResult, error) {
	amount, err := plan.Price(req.PlanID, req.Cycle)
	if err != nil {
		return nil, err
	}

	var openCount int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE owner_id = ? AND status <> 'CANCELED'`,
		req.OwnerID,
	).Scan(&openCount).Error; err != nil {
		return nil, err
	}
	if openCount > 0 {
		return nil, authzdomain.ErrOpenSubscription
	}

	periodType := authzdomain.PeriodMonth
	gatewayPeriod := gatewaydomain.PeriodTypeMonth
	if req.Cycle == plan.CycleYearly {
		periodType = authzdomain.PeriodYear
		gatewayPeriod = gatewaydomain.PeriodTypeYear
	}

	now := s.clock.Now()
	auth := &authzdomain.Authorization{
		ID:               s.genID.Generate(),
		OwnerID:          req.OwnerID,
		ExternalMemberID: s.memberID(req.OwnerID),
		PlanID:           req.PlanID,
		BillingCycle:     string(req.Cycle),
		PeriodType:       periodType,
		PeriodAmount:     amount,
		Status:           authzdomain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Persist before building the outbound payload so a crash after the
	// gateway call cannot leave an unrecorded mandate.
	if err := s.db.WithContext(ctx).Create(auth).Error; err != nil {
		return nil, err
	}

	form, err := s.provider.BuildAuthorizeForm(ctx, gatewaydomain.AuthorizeParams{
		MerchantMemberID: auth.ExternalMemberID,
		TradeDesc:        "subscription",
		ItemName:         req.PlanID + " " + string(req.Cycle),
		PeriodType:       gatewayPeriod,
		PeriodAmount:     amount,
		TotalAmount:      amount,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("authorization created",
		zap.Int64("owner_id", req.OwnerID),
		zap.String("plan_id", req.PlanID),
		zap.String("member_id", auth.ExternalMemberID),
	)
	return &authzdomain.CreateResult{Authorization: auth, CheckoutForm: form}, nil
}

func (s *Service) CancelAuthorization(ctx context.Context, id snowflake.ID) error {
	auth, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	if auth == nil {
		return authzdomain.ErrNotFound
	}
	if auth.Status != authzdomain.StatusActive {
		return authzdomain.ErrNotActive
	}

	gatewayRef := ""
	if auth.GatewayRef != nil {
		gatewayRef = *auth.GatewayRef
	}
	if err := s.provider.CancelAuthorization(ctx, auth.ExternalMemberID, gatewayRef); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE authorizations
		 SET status = 'CANCELED', updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		s.clock.Now(),
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return authzdomain.ErrInvalidTransition
	}
	return nil
}

func (s *Service) FindByMemberID(ctx context.Context, externalMemberID string) (*authzdomain.Authorization, error) {
	externalMemberID = strings.TrimSpace(externalMemberID)
	if externalMemberID == "" {
		return nil, authzdomain.ErrNotFound
	}
	var auth authzdomain.Authorization
	err := s.db.WithContext(ctx).
		Where("external_member_id = ?", externalMemberID).
		First(&auth).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, authzdomain.ErrNotFound
		}
		return nil, err
	}
	return &auth, nil
}

func (s *Service) findByID(ctx context.Context, id snowflake.ID) (*authzdomain.Authorization, error) {
	var auth authzdomain.Authorization
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&auth).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &auth, nil
}

// memberID derives the gateway member identifier: a short owner hash plus a
// time component, alphanumeric and at most 30 characters. Gateways reject
// longer or punctuated identifiers.
func (s *Service) memberID(ownerID int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(ownerID, 10)))
	ownerHash := hex.EncodeToString(sum[:4])
	stamp := strconv.FormatInt(s.clock.Now().UnixMilli(), 36)

	id := "M" + ownerHash + strings.ToUpper(stamp)
	if len(id) > memberIDMaxLen {
		id = id[:memberIDMaxLen]
	}
	return id
}
