package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"

	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
)

// CreateRequest asks for a new recurring-charge mandate.
type CreateRequest struct {
	OwnerID int64
	PlanID  string
	Cycle   plan.BillingCycle
}

// CreateResult carries the persisted PENDING mandate and the signed checkout
// form the payer's browser posts to the gateway.
type CreateResult struct {
	Authorization *Authorization
	CheckoutForm  *gatewaydomain.AuthorizeForm
}

type Service interface {
	// CreateAuthorization persists a PENDING Authorization, then builds the
	// signed outbound payload. Persist happens before any external call.
	CreateAuthorization(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// CancelAuthorization revokes an ACTIVE mandate at the gateway and
	// marks it CANCELED.
	CancelAuthorization(ctx context.Context, id snowflake.ID) error

	// FindByMemberID resolves a mandate from the gateway's member id.
	FindByMemberID(ctx context.Context, externalMemberID string) (*Authorization, error)
}

var (
	ErrNotFound          = errors.New("authorization_not_found")
	ErrNotActive         = errors.New("authorization_not_active")
	ErrOpenSubscription  = errors.New("owner_has_open_subscription")
	ErrInvalidTransition = errors.New("invalid_authorization_transition")
)
