package domain

import (
	"context"
	"time"
)

// PeriodType is the gateway's recurring interval unit.
type PeriodType string

const (
	PeriodTypeMonth PeriodType = "M"
	PeriodTypeYear  PeriodType = "Y"
)

// AuthorizeParams describes one recurring-charge mandate to request.
type AuthorizeParams struct {
	MerchantMemberID string
	TradeDesc        string
	ItemName         string
	PeriodType       PeriodType
	PeriodAmount     int64 // minor currency units
	TotalAmount      int64 // first charge, minor currency units
}

// AuthorizeForm is the signed payload the payer's browser posts to the
// gateway checkout page.
type AuthorizeForm struct {
	Action string
	Fields map[string]string
}

// ChargeRequest re-invokes a charge against an existing mandate.
type ChargeRequest struct {
	MerchantMemberID string
	GatewayRef       string
	Amount           int64
}

// ChargeResult is the parsed outcome of a server-to-server charge call.
type ChargeResult struct {
	Success       bool
	TransactionID string
	Code          string
	Message       string
}

// TradeStatus is the gateway's authoritative view of one transaction, used
// to reconcile attempts left PENDING by an indeterminate outbound call.
type TradeStatus struct {
	TransactionID string
	Success       bool
	Code          string
	Message       string
	ProcessedAt   time.Time
}

// Provider is the narrow seam behind which one concrete gateway lives.
// The state machine never imports a concrete implementation.
type Provider interface {
	BuildAuthorizeForm(ctx context.Context, params AuthorizeParams) (*AuthorizeForm, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CancelAuthorization(ctx context.Context, merchantMemberID, gatewayRef string) error
	QueryTradeStatus(ctx context.Context, transactionID string) (*TradeStatus, error)

	// PermanentDecline reports whether a gateway result code is a
	// non-retryable decline.
	PermanentDecline(code string) bool
}

// SignatureCodec computes and checks the gateway integrity signature.
type SignatureCodec interface {
	Sign(params map[string]string) string
	Verify(params map[string]string, signature string) bool
}
