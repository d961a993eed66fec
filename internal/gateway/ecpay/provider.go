package ecpay

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
)

const (
	pathCheckout     = "/Cashier/AioCheckOut/V5"
	pathPeriodAction = "/Cashier/CreditCardPeriodAction"
	pathPeriodQuery  = "/Cashier/QueryCreditCardPeriodInfo"

	rtnCodeSuccess = "1"

	// Open-ended recurring billing: the gateway caps ExecTimes, so the
	// largest accepted value stands in for "unbounded".
	execTimesMonthly = "999"
	execTimesYearly  = "99"
)

// permanentDeclineCodes are gateway result codes that will not succeed on
// retry (invalid, expired or reported-stolen cards). Anything else is
// retried on the business schedule.
var permanentDeclineCodes = map[string]struct{}{
	"10100058": {},
	"10100248": {},
	"10100251": {},
	"10100252": {},
	"10100282": {},
}

// Provider is the concrete ECPay implementation of the gateway seam.
type Provider struct {
	cfg    config.ECPayConfig
	codec  Codec
	client *Client
	clock  clock.Clock
	log    *zap.Logger
}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
	Log   *zap.Logger
}

func NewProvider(p Params) gatewaydomain.Provider {
	codec := NewCodec(p.Cfg.ECPay.HashKey, p.Cfg.ECPay.HashIV)
	return &Provider{
		cfg:    p.Cfg.ECPay,
		codec:  codec,
		client: NewClient(p.Cfg.ECPay.BaseURL, p.Log),
		clock:  p.Clock,
		log:    p.Log.Named("ecpay.provider"),
	}
}

// Codec exposes the signature codec for webhook verification.
func (p *Provider) Codec() gatewaydomain.SignatureCodec {
	return p.codec
}

// BuildAuthorizeForm assembles the signed checkout payload the payer's
// browser posts to the gateway. No network call happens here.
func (p *Provider) BuildAuthorizeForm(ctx context.Context, params gatewaydomain.AuthorizeParams) (*gatewaydomain.AuthorizeForm, error) {
	if params.MerchantMemberID == "" || params.PeriodAmount <= 0 {
		return nil, gatewaydomain.ErrInvalidParams
	}

	execTimes := execTimesMonthly
	frequency := "1"
	periodType := "M"
	if params.PeriodType == gatewaydomain.PeriodTypeYear {
		execTimes = execTimesYearly
		periodType = "Y"
	}

	now := p.clock.Now()
	fields := map[string]string{
		"MerchantID":        p.cfg.MerchantID,
		"MerchantMemberID":  params.MerchantMemberID,
		"MerchantTradeNo":   params.MerchantMemberID,
		"MerchantTradeDate": now.Format("2006/01/02 15:04:05"),
		"PaymentType":       "aio",
		"ChoosePayment":     "Credit",
		"TradeDesc":         params.TradeDesc,
		"ItemName":          params.ItemName,
		"TotalAmount":       majorUnits(params.TotalAmount),
		"PeriodAmount":      majorUnits(params.PeriodAmount),
		"PeriodType":        periodType,
		"Frequency":         frequency,
		"ExecTimes":         execTimes,
		"ReturnURL":         p.cfg.ResultURL,
		"OrderResultURL":    p.cfg.ReturnURL,
		"PeriodReturnURL":   p.cfg.ResultURL,
		"EncryptType":       "1",
	}
	fields["CheckMacValue"] = p.codec.Sign(fields)

	return &gatewaydomain.AuthorizeForm{
		Action: strings.TrimRight(p.cfg.BaseURL, "/") + pathCheckout,
		Fields: fields,
	}, nil
}

// Charge re-invokes a charge against an existing mandate.
func (p *Provider) Charge(ctx context.Context, req gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeResult, error) {
	if req.MerchantMemberID == "" || req.GatewayRef == "" {
		return nil, gatewaydomain.ErrInvalidParams
	}

	fields := map[string]string{
		"MerchantID":       p.cfg.MerchantID,
		"MerchantMemberID": req.MerchantMemberID,
		"MerchantTradeNo":  req.GatewayRef,
		"Action":           "ReAuth",
		"TotalAmount":      majorUnits(req.Amount),
		"TimeStamp":        strconv.FormatInt(p.clock.Now().Unix(), 10),
	}
	fields["CheckMacValue"] = p.codec.Sign(fields)

	resp, err := p.client.PostForm(ctx, pathPeriodAction, fields)
	if err != nil {
		return nil, err
	}

	code := resp["RtnCode"]
	return &gatewaydomain.ChargeResult{
		Success:       code == rtnCodeSuccess,
		TransactionID: resp["gwsr"],
		Code:          code,
		Message:       resp["RtnMsg"],
	}, nil
}

// CancelAuthorization revokes the recurring mandate at the gateway.
func (p *Provider) CancelAuthorization(ctx context.Context, merchantMemberID, gatewayRef string) error {
	if merchantMemberID == "" {
		return gatewaydomain.ErrInvalidParams
	}

	fields := map[string]string{
		"MerchantID":       p.cfg.MerchantID,
		"MerchantMemberID": merchantMemberID,
		"MerchantTradeNo":  gatewayRef,
		"Action":           "Cancel",
		"TimeStamp":        strconv.FormatInt(p.clock.Now().Unix(), 10),
	}
	fields["CheckMacValue"] = p.codec.Sign(fields)

	resp, err := p.client.PostForm(ctx, pathPeriodAction, fields)
	if err != nil {
		return err
	}
	if resp["RtnCode"] != rtnCodeSuccess {
		p.log.Warn("gateway cancel rejected",
			zap.String("member_id", merchantMemberID),
			zap.String("rtn_code", resp["RtnCode"]),
			zap.String("rtn_msg", resp["RtnMsg"]),
		)
		return gatewaydomain.ErrMalformedResponse
	}
	return nil
}

// QueryTradeStatus asks the gateway for the authoritative outcome of one
// transaction, used to resolve attempts left PENDING by a timed-out call.
func (p *Provider) QueryTradeStatus(ctx context.Context, transactionID string) (*gatewaydomain.TradeStatus, error) {
	if transactionID == "" {
		return nil, gatewaydomain.ErrInvalidParams
	}

	fields := map[string]string{
		"MerchantID": p.cfg.MerchantID,
		"gwsr":       transactionID,
		"TimeStamp":  strconv.FormatInt(p.clock.Now().Unix(), 10),
	}
	fields["CheckMacValue"] = p.codec.Sign(fields)

	resp, err := p.client.PostForm(ctx, pathPeriodQuery, fields)
	if err != nil {
		return nil, err
	}

	status := &gatewaydomain.TradeStatus{
		TransactionID: resp["gwsr"],
		Success:       resp["RtnCode"] == rtnCodeSuccess,
		Code:          resp["RtnCode"],
		Message:       resp["RtnMsg"],
	}
	if raw := resp["process_date"]; raw != "" {
		if processed, parseErr := time.Parse("2006/01/02 15:04:05", raw); parseErr == nil {
			status.ProcessedAt = processed
		}
	}
	return status, nil
}

func (p *Provider) PermanentDecline(code string) bool {
	_, ok := permanentDeclineCodes[strings.TrimSpace(code)]
	return ok
}

// majorUnits renders a minor-unit amount as the whole-currency string the
// gateway expects. Remainders round down; prices are whole-dollar.
func majorUnits(minor int64) string {
	return strconv.FormatInt(minor/100, 10)
}
