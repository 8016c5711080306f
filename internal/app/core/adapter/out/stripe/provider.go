package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// Config Stripe 設定
type Config struct {
	SecretKey     string        `yaml:"secret_key"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Currency      string        `yaml:"currency"`
	Timeout       time.Duration `yaml:"timeout"`
	// BackendURL 覆寫 API 位址 (測試用)
	BackendURL string `yaml:"backend_url"`
}

// Provider hosted-intent 金流商
//
// 流程: CreateChargeIntent 建立 PaymentIntent -> 前端輸入卡號 -> webhook / Status 確認。
type Provider struct {
	api           *client.API
	currency      string
	webhookSecret string
	logger        *zap.Logger
}

func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Provider{
		api:           api,
		currency:      cfg.Currency,
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}
}

func (p *Provider) Kind() domain.ProviderKind {
	return domain.ProviderHosted
}

// CreateChargeIntent 建立 PaymentIntent，有 email 時先取得或建立 customer
func (p *Provider) CreateChargeIntent(ctx context.Context, amount int64, desc string, customer usecase.CustomerRef) (*domain.PaymentIntent, error) {
	customerID := customer.ID
	if customerID == "" && customer.Email != "" {
		id, err := p.customerFor(ctx, customer)
		if err != nil {
			return nil, err
		}
		customerID = id
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(p.currency),
		Description:        stripe.String(desc),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if customer.Email != "" {
		params.ReceiptEmail = stripe.String(customer.Email)
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return nil, p.wrap("create payment intent", err)
	}
	p.logger.Debug("stripe intent created",
		zap.String("intent_id", pi.ID),
		zap.Int64("amount", amount))

	return &domain.PaymentIntent{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Description:  pi.Description,
		ReceiptEmail: pi.ReceiptEmail,
		CustomerID:   customerID,
		ClientSecret: pi.ClientSecret,
	}, nil
}

// customerFor 依 email 找第一個 customer，沒有就建立
func (p *Provider) customerFor(ctx context.Context, customer usecase.CustomerRef) (string, error) {
	listParams := &stripe.CustomerListParams{Email: stripe.String(customer.Email)}
	listParams.Limit = stripe.Int64(1)
	listParams.Context = ctx
	iter := p.api.Customers.List(listParams)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", p.wrap("list customers", err)
	}

	params := &stripe.CustomerParams{
		Email:       stripe.String(customer.Email),
		Description: stripe.String(customer.Email),
	}
	if customer.Name != "" {
		params.Name = stripe.String(customer.Name)
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", p.wrap("create customer", err)
	}
	return c.ID, nil
}

// Charge 以前端取得的 payment method 在伺服器端確認 intent
func (p *Provider) Charge(ctx context.Context, intent *domain.PaymentIntent, details usecase.PaymentDetails) (*usecase.ChargeResult, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if details.Token != "" {
		params.PaymentMethod = stripe.String(details.Token)
	}
	params.AddExpand("latest_charge")
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Confirm(intent.ID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return &usecase.ChargeResult{Approved: false, Message: stripeErr.Msg}, nil
		}
		return nil, p.wrap("confirm payment intent", err)
	}

	res := &usecase.ChargeResult{
		Approved: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Message:  string(pi.Status),
		Raw:      map[string]string{"status": string(pi.Status)},
	}
	if ch := pi.LatestCharge; ch != nil {
		res.ChargeID = ch.ID
		if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
			res.CardLast4 = ch.PaymentMethodDetails.Card.Last4
		}
	}
	return res, nil
}

// Refund 退款，ref 可以是 charge id 或 intent id
func (p *Provider) Refund(ctx context.Context, ref string, amount int64) (*usecase.RefundResult, error) {
	params := &stripe.RefundParams{
		Amount: stripe.Int64(amount),
		Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if isIntentID(ref) {
		params.PaymentIntent = stripe.String(ref)
	} else {
		params.Charge = stripe.String(ref)
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, p.wrap("create refund", err)
	}
	return &usecase.RefundResult{RefundID: r.ID, Amount: r.Amount}, nil
}

// Void 取消尚未完成的 intent；已扣款的 charge 改為全額退款
func (p *Provider) Void(ctx context.Context, ref string) (*usecase.VoidResult, error) {
	if isIntentID(ref) {
		params := &stripe.PaymentIntentCancelParams{}
		params.Context = ctx
		pi, err := p.api.PaymentIntents.Cancel(ref, params)
		if err != nil {
			return nil, p.wrap("cancel payment intent", err)
		}
		return &usecase.VoidResult{RefID: pi.ID}, nil
	}

	params := &stripe.RefundParams{Charge: stripe.String(ref)}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, p.wrap("refund charge", err)
	}
	return &usecase.VoidResult{RefID: r.ID}, nil
}

// Status 查詢 intent 或 charge 狀態，成功的一律可直接退款
func (p *Provider) Status(ctx context.Context, ref string) (*usecase.StatusResult, error) {
	if isIntentID(ref) {
		params := &stripe.PaymentIntentParams{}
		params.AddExpand("latest_charge")
		params.Context = ctx
		pi, err := p.api.PaymentIntents.Get(ref, params)
		if err != nil {
			return nil, p.wrap("get payment intent", err)
		}
		res := &usecase.StatusResult{
			State:      intentState(pi.Status),
			AuthAmount: pi.Amount,
			Message:    string(pi.Status),
		}
		if ch := pi.LatestCharge; ch != nil {
			fillFromCharge(res, ch)
		}
		return res, nil
	}

	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := p.api.Charges.Get(ref, params)
	if err != nil {
		return nil, p.wrap("get charge", err)
	}
	res := &usecase.StatusResult{
		State:      chargeState(ch),
		AuthAmount: ch.Amount,
		Message:    string(ch.Status),
	}
	fillFromCharge(res, ch)
	return res, nil
}

func fillFromCharge(res *usecase.StatusResult, ch *stripe.Charge) {
	res.ChargeID = ch.ID
	res.SettleAmount = ch.AmountCaptured
	if ch.Created > 0 {
		res.SubmittedAt = time.Unix(ch.Created, 0).UTC()
	}
	if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
		res.CardLast4 = ch.PaymentMethodDetails.Card.Last4
	}
	if ch.BillingDetails != nil && ch.BillingDetails.Address != nil {
		res.Zip = ch.BillingDetails.Address.PostalCode
	}
}

func intentState(status stripe.PaymentIntentStatus) usecase.SettlementState {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return usecase.StateRefundable
	case stripe.PaymentIntentStatusCanceled:
		return usecase.StateInvalid
	default:
		return usecase.StatePending
	}
}

func chargeState(ch *stripe.Charge) usecase.SettlementState {
	switch {
	case ch.Refunded:
		return usecase.StateInvalid
	case ch.Status == stripe.ChargeStatusSucceeded:
		return usecase.StateRefundable
	case ch.Status == stripe.ChargeStatusFailed:
		return usecase.StateInvalid
	default:
		return usecase.StatePending
	}
}

func isIntentID(ref string) bool {
	return strings.HasPrefix(ref, "pi_")
}

// wrap 把 Stripe 錯誤轉成 PaymentError
func (p *Provider) wrap(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		p.logger.Warn("stripe request failed",
			zap.String("op", op),
			zap.String("type", string(stripeErr.Type)),
			zap.String("code", string(stripeErr.Code)),
			zap.Int("http_status", stripeErr.HTTPStatusCode))
		switch {
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return domain.NewConnectivityError("The payment processor is unavailable. Please try again.",
				fmt.Errorf("%s: %w: %w", op, domain.ErrProviderUnavailable, err))
		case stripeErr.Type == stripe.ErrorTypeCard:
			return domain.NewProviderRejection(stripeErr.Msg, err)
		default:
			return domain.NewProviderRejection("An unexpected problem occurred: "+stripeErr.Msg, err)
		}
	}
	p.logger.Warn("stripe request failed", zap.String("op", op), zap.Error(err))
	return domain.NewConnectivityError("Could not connect to the payment processor.",
		fmt.Errorf("%s: %w: %w", op, domain.ErrProviderUnavailable, err))
}

// WebhookEvent 驗證過的 webhook 事件
type WebhookEvent struct {
	ID       string
	Type     string
	IntentID string
	ChargeID string
}

// ErrUnhandledEvent 不處理的 webhook 類型
var ErrUnhandledEvent = errors.New("unhandled stripe event type")

// ParseWebhook 驗證簽章並取出 payment_intent.succeeded 的 intent / charge id
func (p *Provider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, domain.NewValidationError(err, "invalid webhook signature")
	}
	if event.Type != "payment_intent.succeeded" {
		return &WebhookEvent{ID: event.ID, Type: string(event.Type)}, ErrUnhandledEvent
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, domain.NewValidationError(err, "malformed payment intent payload")
	}
	out := &WebhookEvent{ID: event.ID, Type: string(event.Type), IntentID: pi.ID}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		// 沒有 charge 無法確認，略過
		p.logger.Warn("payment intent succeeded without a charge", zap.String("intent_id", pi.ID), zap.String("event_id", event.ID))
		return out, ErrUnhandledEvent
	}
	out.ChargeID = pi.LatestCharge.ID
	return out, nil
}

var _ usecase.Provider = (*Provider)(nil)
