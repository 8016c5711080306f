package authnet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

const (
	txnAuthCapture = "authCaptureTransaction"
	txnVoid        = "voidTransaction"
	txnRefund      = "refundTransaction"

	// Authorize.Net refId / invoiceNumber 上限 20 字元
	maxRefLen = 20
)

// Provider direct-gateway 金流商 (Authorize.Net)
//
// CreateChargeIntent 不會呼叫金流商扣款，只產生本地 intent 並準備 customer profile；
// 實際 authorize+capture 在 Charge 一次完成。
type Provider struct {
	client *client
	logger *zap.Logger
}

func NewProvider(cfg Config, logger *zap.Logger) *Provider {
	return &Provider{
		client: newClient(cfg),
		logger: logger,
	}
}

func (p *Provider) Kind() domain.ProviderKind {
	return domain.ProviderDirect
}

// CreateChargeIntent 產生本地 intent，有 email 時取得或建立 customer profile
func (p *Provider) CreateChargeIntent(ctx context.Context, amount int64, desc string, customer usecase.CustomerRef) (*domain.PaymentIntent, error) {
	intent := &domain.PaymentIntent{
		ID:           uuid.NewString(),
		Amount:       amount,
		Description:  desc,
		ReceiptEmail: customer.Email,
		CustomerID:   customer.ID,
	}
	if customer.Email == "" {
		return intent, nil
	}
	profileID, err := p.customerProfile(ctx, customer)
	if err != nil {
		return nil, err
	}
	intent.CustomerID = profileID
	return intent, nil
}

// customerProfile 依 id 或 email 取得 profile；找不到 (E00040) 就建立
//
// 既有的 payment profile 全部刪除，每次扣款都用新的 token 建立。
func (p *Provider) customerProfile(ctx context.Context, customer usecase.CustomerRef) (string, error) {
	var got getCustomerProfileResponse
	body := getCustomerProfileBody{MerchantAuthentication: p.client.auth}
	if customer.ID != "" {
		body.CustomerProfileID = customer.ID
	} else {
		body.Email = customer.Email
	}
	if err := p.client.call(ctx, "getCustomerProfileRequest", body, &got); err != nil {
		return "", err
	}

	if got.Messages.ResultCode == resultOk && got.Profile != nil {
		profileID := got.Profile.CustomerProfileID
		for _, pp := range got.Profile.PaymentProfiles {
			p.deletePaymentProfile(ctx, profileID, pp.CustomerPaymentProfileID)
		}
		return profileID, nil
	}
	if got.Messages.first().Code != codeRecordNotFound {
		msg := got.Messages.first()
		p.logger.Error("authnet get customer profile failed",
			zap.String("code", msg.Code),
			zap.String("text", msg.Text))
		return "", domain.NewProviderRejection("Could not look up the customer profile: "+msg.Text, nil)
	}

	var created createCustomerProfileResponse
	err := p.client.call(ctx, "createCustomerProfileRequest", createCustomerProfileBody{
		MerchantAuthentication: p.client.auth,
		Profile:                newProfile{Email: customer.Email},
	}, &created)
	if err != nil {
		return "", err
	}
	if created.Messages.ResultCode != resultOk {
		msg := created.Messages.first()
		p.logger.Error("authnet create customer profile failed",
			zap.String("code", msg.Code),
			zap.String("text", msg.Text))
		return "", domain.NewProviderRejection("Could not create the customer profile: "+msg.Text, nil)
	}
	return created.CustomerProfileID, nil
}

func (p *Provider) deletePaymentProfile(ctx context.Context, customerID, paymentProfileID string) {
	var resp simpleResponse
	err := p.client.call(ctx, "deleteCustomerPaymentProfileRequest", deletePaymentProfileBody{
		MerchantAuthentication:   p.client.auth,
		CustomerProfileID:        customerID,
		CustomerPaymentProfileID: paymentProfileID,
	}, &resp)
	if err != nil || resp.Messages.ResultCode != resultOk {
		p.logger.Warn("authnet delete payment profile failed",
			zap.String("customer_profile_id", customerID),
			zap.String("payment_profile_id", paymentProfileID),
			zap.String("text", resp.Messages.first().Text),
			zap.Error(err))
	}
}

func (p *Provider) createPaymentProfile(ctx context.Context, customerID string, details usecase.PaymentDetails) (string, error) {
	profile := newPaymentProfile{
		Payment: payment{OpaqueData: &opaqueData{
			DataDescriptor: details.DataDescriptor,
			DataValue:      details.Token,
		}},
	}
	if details.FirstName != "" {
		profile.BillTo = &address{FirstName: details.FirstName, LastName: details.LastName}
	}
	var resp createPaymentProfileResponse
	err := p.client.call(ctx, "createCustomerPaymentProfileRequest", createPaymentProfileBody{
		MerchantAuthentication: p.client.auth,
		CustomerProfileID:      customerID,
		PaymentProfile:         profile,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Messages.ResultCode != resultOk {
		p.logger.Error("authnet create payment profile failed",
			zap.String("customer_profile_id", customerID),
			zap.String("text", resp.Messages.first().Text))
		return "", domain.NewProviderRejection("Could not complete payment. Please contact the registration desk.", nil)
	}
	return resp.CustomerPaymentProfileID, nil
}

// Charge authorize+capture
//
// 有 customer profile 時先用 token 建立 payment profile 再以 profile 扣款，否則直接用 token。
func (p *Provider) Charge(ctx context.Context, intent *domain.PaymentIntent, details usecase.PaymentDetails) (*usecase.ChargeResult, error) {
	req := transactionRequest{
		TransactionType: txnAuthCapture,
		Amount:          dollars(intent.Amount),
		Order: &order{
			InvoiceNumber: shortRef(intent.ID),
			Description:   intent.Description,
		},
		CustomerIP: details.CustomerIP,
	}

	switch {
	case details.ProfileID != "" && intent.CustomerID != "":
		req.Profile = &profileToCharge{
			CustomerProfileID: intent.CustomerID,
			PaymentProfile:    paymentProfileRef{PaymentProfileID: details.ProfileID},
		}
	case details.Token != "" && intent.CustomerID != "":
		profileID, err := p.createPaymentProfile(ctx, intent.CustomerID, details)
		if err != nil {
			return nil, err
		}
		req.Profile = &profileToCharge{
			CustomerProfileID: intent.CustomerID,
			PaymentProfile:    paymentProfileRef{PaymentProfileID: profileID},
		}
	case details.Token != "":
		req.Payment = &payment{OpaqueData: &opaqueData{
			DataDescriptor: details.DataDescriptor,
			DataValue:      details.Token,
		}}
	default:
		return nil, domain.NewValidationError(nil, "No payment information was provided")
	}

	resp, err := p.transact(ctx, req)
	if err != nil {
		return nil, err
	}
	tr := resp.TransactionResponse
	res := &usecase.ChargeResult{
		Raw: map[string]string{
			"responseCode": tr.ResponseCode,
			"authCode":     tr.AuthCode,
			"transId":      tr.TransID,
			"accountType":  tr.AccountType,
		},
	}
	if resp.Messages.ResultCode == resultOk && tr.ResponseCode == "1" {
		res.Approved = true
		res.ChargeID = tr.TransID
		res.CardLast4 = last4(tr.AccountNumber)
		if len(tr.Messages) > 0 {
			res.Message = tr.Messages[0].Description
		}
		return res, nil
	}
	res.Message = errorText(resp)
	p.logger.Info("authnet charge declined",
		zap.String("intent_id", intent.ID),
		zap.String("message", res.Message))
	return res, nil
}

// Refund 已結算交易退款，需要原交易的卡號末四碼與郵遞區號
func (p *Provider) Refund(ctx context.Context, ref string, amount int64) (*usecase.RefundResult, error) {
	details, err := p.details(ctx, ref)
	if err != nil {
		return nil, err
	}
	resp, err := p.transact(ctx, transactionRequest{
		TransactionType: txnRefund,
		Amount:          dollars(amount),
		Payment: &payment{CreditCard: &creditCard{
			CardNumber:     last4(details.Payment.CreditCard.CardNumber),
			ExpirationDate: "XXXX",
		}},
		RefTransID: ref,
		BillTo:     &address{Zip: details.BillTo.Zip},
	})
	if err != nil {
		return nil, err
	}
	if err := rejection(resp); err != nil {
		return nil, err
	}
	return &usecase.RefundResult{RefundID: resp.TransactionResponse.TransID, Amount: amount}, nil
}

func (p *Provider) Void(ctx context.Context, ref string) (*usecase.VoidResult, error) {
	resp, err := p.transact(ctx, transactionRequest{
		TransactionType: txnVoid,
		RefTransID:      ref,
	})
	if err != nil {
		return nil, err
	}
	if err := rejection(resp); err != nil {
		return nil, err
	}
	return &usecase.VoidResult{RefID: resp.TransactionResponse.TransID}, nil
}

// Status 依 transactionStatus 判斷可作廢 / 可退款
func (p *Provider) Status(ctx context.Context, ref string) (*usecase.StatusResult, error) {
	details, err := p.details(ctx, ref)
	if err != nil {
		return nil, err
	}
	res := &usecase.StatusResult{
		State:        settlementState(details.TransactionStatus),
		ChargeID:     details.TransID,
		AuthAmount:   cents(details.AuthAmount),
		SettleAmount: cents(details.SettleAmount),
		CardLast4:    last4(details.Payment.CreditCard.CardNumber),
		Zip:          details.BillTo.Zip,
		Message:      details.TransactionStatus,
	}
	if details.SubmitTimeUTC != "" {
		if ts, err := time.Parse(time.RFC3339Nano, details.SubmitTimeUTC); err == nil {
			res.SubmittedAt = ts
		} else {
			p.logger.Warn("authnet submit time unparsable",
				zap.String("trans_id", ref),
				zap.String("submit_time", details.SubmitTimeUTC))
		}
	}
	return res, nil
}

func (p *Provider) details(ctx context.Context, transID string) (*transactionDetails, error) {
	var resp getTransactionDetailsResponse
	err := p.client.call(ctx, "getTransactionDetailsRequest", getTransactionDetailsBody{
		MerchantAuthentication: p.client.auth,
		TransID:                transID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Messages.ResultCode != resultOk || resp.Transaction == nil {
		msg := resp.Messages.first()
		p.logger.Error("authnet transaction lookup failed",
			zap.String("trans_id", transID),
			zap.String("code", msg.Code),
			zap.String("text", msg.Text))
		return nil, domain.NewProviderRejection(
			fmt.Sprintf("Failed to get transaction details from AuthNet. %s: %s", msg.Code, msg.Text), nil)
	}
	return resp.Transaction, nil
}

func (p *Provider) transact(ctx context.Context, req transactionRequest) (*createTransactionResponse, error) {
	var resp createTransactionResponse
	refID := shortRef(uuid.NewString())
	err := p.client.call(ctx, "createTransactionRequest", createTransactionBody{
		MerchantAuthentication: p.client.auth,
		RefID:                  refID,
		TransactionRequest:     req,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.TransactionResponse == nil {
		resp.TransactionResponse = &transactionResponse{}
	}
	p.logger.Debug("authnet transaction",
		zap.String("type", req.TransactionType),
		zap.String("ref_id", refID),
		zap.String("result", resp.Messages.ResultCode),
		zap.String("trans_id", resp.TransactionResponse.TransID))
	return &resp, nil
}

func rejection(resp *createTransactionResponse) error {
	if resp.Messages.ResultCode == resultOk && len(resp.TransactionResponse.Errors) == 0 {
		return nil
	}
	return domain.NewProviderRejection("An unexpected problem occurred: "+errorText(resp), nil)
}

func errorText(resp *createTransactionResponse) string {
	if tr := resp.TransactionResponse; tr != nil && len(tr.Errors) > 0 {
		return tr.Errors[0].ErrorText
	}
	return resp.Messages.first().Text
}

func settlementState(status string) usecase.SettlementState {
	switch status {
	case "capturedPendingSettlement":
		return usecase.StateUnsettled
	case "settledSuccessfully":
		return usecase.StateSettled
	case "authorizedPendingCapture", "FDSPendingReview", "FDSAuthorizedPendingReview":
		return usecase.StatePending
	default:
		return usecase.StateInvalid
	}
}

func shortRef(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > maxRefLen {
		return id[:maxRefLen]
	}
	return id
}

func last4(account string) string {
	if len(account) <= 4 {
		return account
	}
	return account[len(account)-4:]
}

var _ usecase.Provider = (*Provider)(nil)
