package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/logger"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/metrics"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
	webhookdomain "github.com/howie/coaching-transcript-tool-sub007/internal/webhook/domain"
)

const rtnCodeSuccess = "1"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Codec    gatewaydomain.SignatureCodec
	Provider gatewaydomain.Provider
	Repo     webhookdomain.Repository
	SubSvc   subscriptiondomain.Service
}

// Service is the HTTP-boundary half of callback handling: verify,
// deduplicate, dispatch. All transition logic lives in the subscription
// state machine.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	codec    gatewaydomain.SignatureCodec
	provider gatewaydomain.Provider
	repo     webhookdomain.Repository
	subSvc   subscriptiondomain.Service
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		codec:    p.Codec,
		provider: p.Provider,
		repo:     p.Repo,
		subSvc:   p.SubSvc,
	}
}

func (s *Service) Ingest(ctx context.Context, eventType webhookdomain.EventType, params map[string]string) (string, error) {
	// An invalid signature is dropped here and never reaches the state
	// machine. The success token stops the gateway from retransmitting a
	// callback this engine will never accept.
	if !s.codec.Verify(params, params["CheckMacValue"]) {
		s.log.Warn("webhook signature mismatch",
			zap.String("event_type", string(eventType)),
			zap.Any("params", logger.MaskParams(params)),
		)
		metrics.Billing().IncWebhookProcessed(string(eventType), "invalid_signature")
		return webhookdomain.ResponseOK, nil
	}

	tradeID := strings.TrimSpace(params["gwsr"])
	if tradeID == "" {
		s.log.Warn("webhook missing gateway transaction id",
			zap.String("event_type", string(eventType)),
		)
		metrics.Billing().IncWebhookProcessed(string(eventType), "malformed")
		return webhookdomain.ResponseOK, nil
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return "", err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		event := &webhookdomain.WebhookEvent{
			ID:                   s.genID.Generate(),
			GatewayTransactionID: tradeID,
			EventType:            eventType,
			Payload:              datatypes.JSON(payload),
			ReceivedAt:           now,
		}

		inserted, err := s.repo.InsertEvent(ctx, tx, event)
		if err != nil {
			return err
		}
		if !inserted {
			// Retransmission, or a concurrent delivery that won the
			// uniqueness race. Either way the first delivery owns the
			// state transition.
			return webhookdomain.ErrDuplicateEvent
		}

		if err := s.dispatch(ctx, tx, eventType, tradeID, params); err != nil {
			if errors.Is(err, subscriptiondomain.ErrUnknownSubscription) ||
				errors.Is(err, subscriptiondomain.ErrUnknownAuthorization) {
				// Data-integrity alert: the gateway knows a member we do
				// not. Record the event and acknowledge so the gateway
				// stops retrying; retries cannot repair this.
				s.log.Error("webhook for unknown member",
					zap.String("event_type", string(eventType)),
					zap.String("gwsr", tradeID),
					zap.String("member_id", params["MerchantMemberID"]),
				)
				metrics.Billing().IncWebhookProcessed(string(eventType), "unknown_subscription")
				return s.repo.MarkProcessed(ctx, tx, event.ID, now)
			}
			return err
		}

		metrics.Billing().IncWebhookProcessed(string(eventType), "applied")
		return s.repo.MarkProcessed(ctx, tx, event.ID, now)
	})
	if err != nil {
		if errors.Is(err, webhookdomain.ErrDuplicateEvent) {
			metrics.Billing().IncWebhookProcessed(string(eventType), "duplicate")
			return webhookdomain.ResponseOK, nil
		}
		// Transient persistence failure: no event row was committed, so
		// the gateway's retransmission will be processed cleanly.
		metrics.Billing().IncWebhookProcessed(string(eventType), "error")
		return "", err
	}
	return webhookdomain.ResponseOK, nil
}

func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, eventType webhookdomain.EventType, tradeID string, params map[string]string) error {
	success := params["RtnCode"] == rtnCodeSuccess

	switch eventType {
	case webhookdomain.EventAuthResult:
		return s.subSvc.ApplyAuthResult(ctx, tx, subscriptiondomain.AuthResult{
			MerchantMemberID:     params["MerchantMemberID"],
			GatewayTransactionID: tradeID,
			Success:              success,
			Code:                 params["RtnCode"],
			Message:              params["RtnMsg"],
		})
	case webhookdomain.EventChargeResult:
		return s.subSvc.ApplyChargeOutcome(ctx, tx, subscriptiondomain.ChargeOutcome{
			MerchantMemberID:     params["MerchantMemberID"],
			GatewayTransactionID: tradeID,
			Amount:               s.chargeAmount(ctx, tx, params),
			Success:              success,
			Code:                 params["RtnCode"],
			Message:              params["RtnMsg"],
			PermanentDecline:     !success && s.provider.PermanentDecline(params["RtnCode"]),
			Source:               subscriptiondomain.SourceWebhook,
		})
	default:
		return webhookdomain.ErrUnknownEventType
	}
}

// chargeAmount converts the gateway's whole-currency amount string to
// minor units. A missing or malformed field falls back to the mandate's
// recurring amount so the ledger never records a zero-amount charge.
func (s *Service) chargeAmount(ctx context.Context, tx *gorm.DB, params map[string]string) int64 {
	raw := strings.TrimSpace(params["amount"])
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil && value > 0 {
		return value * 100
	}

	s.log.Warn("webhook amount missing or malformed",
		zap.String("amount", raw),
		zap.String("member_id", params["MerchantMemberID"]),
	)
	var periodAmount int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT period_amount FROM authorizations WHERE external_member_id = ?`,
		params["MerchantMemberID"],
	).Scan(&periodAmount).Error; err != nil {
		s.log.Warn("mandate amount lookup failed",
			zap.String("member_id", params["MerchantMemberID"]),
			zap.Error(err),
		)
		return 0
	}
	return periodAmount
}
