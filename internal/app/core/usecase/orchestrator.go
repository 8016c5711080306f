package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/pkg/metrics"
)

const (
	// MaxChargeAmount 單筆線上付款上限 (分)
	MaxChargeAmount int64 = 999999
	// RefundWindow 已結算交易可自動退款的期限
	RefundWindow = 180 * 24 * time.Hour
	// connectivityAttempts intent 建立與狀態查詢的重試次數
	connectivityAttempts = 3
)

// OrchestratorOptions 付款流程設定
type OrchestratorOptions struct {
	// OnlineProvider 線上付款使用 hosted 或 direct
	OnlineProvider domain.ProviderKind
	// RetryBackoff 連線錯誤重試間隔
	RetryBackoff time.Duration
}

// ChargeRequest 建立付款
type ChargeRequest struct {
	ReceiptID int64
	// Amount 0 表示收據目前應付金額
	Amount       int64
	Description  string
	ReceiptEmail string
	Customer     CustomerRef
}

// PreparedPayment 已建立 intent 並記錄待確認交易
type PreparedPayment struct {
	Intent  *domain.PaymentIntent
	Txn     *domain.ReceiptTransaction
	Attempt *domain.ChargeAttempt
}

// RefundRequest 線上付款退款
type RefundRequest struct {
	TxnID int64
	// Amount 必須大於 0
	Amount int64
}

// RefundOutcome 退款結果
type RefundOutcome struct {
	Refund   *domain.ReceiptTransaction
	Original *domain.ReceiptTransaction
	Attempt  *domain.ChargeAttempt
	Voided   bool

	event *domain.PaymentEvent
	// 金流商已退款時記下，帳本寫入失敗可重記
	issued    bool
	amount    int64
	refundRef string
}

// RefundSummary RefundAll 的結果
type RefundSummary struct {
	Refunds []*domain.ReceiptTransaction
	// Skipped txn id -> 略過原因
	Skipped map[int64]string
}

// Orchestrator 線上付款流程 (hosted / direct)，不直接依賴特定金流商
type Orchestrator struct {
	ledger    *LedgerManager
	store     LedgerStore
	providers map[domain.ProviderKind]Provider
	opts      OrchestratorOptions
	metrics   *metrics.Payments
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator 建立 Orchestrator
func NewOrchestrator(ledger *LedgerManager, store LedgerStore, providers []Provider, opts OrchestratorOptions, m *metrics.Payments, logger *zap.Logger) *Orchestrator {
	byKind := make(map[domain.ProviderKind]Provider, len(providers))
	for _, p := range providers {
		byKind[p.Kind()] = p
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &Orchestrator{
		ledger:    ledger,
		store:     store,
		providers: byKind,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (o *Orchestrator) provider(kind domain.ProviderKind) (Provider, error) {
	p, ok := o.providers[kind]
	if !ok {
		return nil, domain.NewValidationError(domain.ErrProviderNotConfigured, "Payment provider %s is not configured", kind)
	}
	return p, nil
}

func methodFor(kind domain.ProviderKind) domain.PaymentMethod {
	switch kind {
	case domain.ProviderHosted:
		return domain.MethodHostedCard
	case domain.ProviderDirect:
		return domain.MethodDirectCard
	default:
		return domain.MethodTerminal
	}
}

// PreparePayment 建立付款 intent 並記錄待確認交易
//
// hosted: Created -> IntentPending；direct 停在 Created，等 ChargeDirect。
func (o *Orchestrator) PreparePayment(ctx context.Context, req ChargeRequest) (*PreparedPayment, error) {
	provider, err := o.provider(o.opts.OnlineProvider)
	if err != nil {
		return nil, err
	}
	flow := domain.FlowHosted
	if provider.Kind() == domain.ProviderDirect {
		flow = domain.FlowDirect
	}
	attempt := domain.NewChargeAttempt(flow)

	amount := req.Amount
	if amount == 0 {
		receipt, err := o.ledger.ReceiptByID(ctx, req.ReceiptID)
		if err != nil {
			return nil, err
		}
		amount = receipt.CurrentAmountOwed()
	}
	if err := validateChargeAmount(amount); err != nil {
		_ = attempt.Advance(domain.StateFailed)
		return nil, err
	}

	customer := req.Customer
	if customer.Email == "" {
		customer.Email = req.ReceiptEmail
	}
	var intent *domain.PaymentIntent
	err = o.withConnectivityRetry(ctx, string(provider.Kind()), func() error {
		var err error
		intent, err = provider.CreateChargeIntent(ctx, amount, req.Description, customer)
		return err
	})
	if err != nil {
		_ = attempt.Advance(domain.StateFailed)
		o.metrics.Charge(string(provider.Kind()), "intent_failed")
		return nil, err
	}
	if flow == domain.FlowHosted {
		if err := attempt.Advance(domain.StateIntentPending); err != nil {
			return nil, err
		}
	}

	txn, err := o.ledger.RecordPayment(ctx, req.ReceiptID, PaymentRecord{
		IntentID: intent.ID,
		Amount:   amount,
		Method:   methodFor(provider.Kind()),
		Desc:     req.Description,
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("payment intent created",
		zap.String("intent_id", intent.ID),
		zap.Int64("receipt_id", req.ReceiptID),
		zap.Int64("amount", amount))
	return &PreparedPayment{Intent: intent, Txn: txn, Attempt: attempt}, nil
}

func validateChargeAmount(amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError(domain.ErrAmountMustBePositive, "There is nothing to pay for")
	}
	if amount > MaxChargeAmount {
		return domain.NewValidationError(domain.ErrAmountTooLarge,
			"We cannot charge %s. Please make sure your total is below %s", FormatCents(amount), FormatCents(MaxChargeAmount))
	}
	return nil
}

// ChargeDirect direct 流程: Created -> Authorized -> Captured，成功後確認帳本
func (o *Orchestrator) ChargeDirect(ctx context.Context, intentID string, details PaymentDetails) ([]*domain.ReceiptTransaction, error) {
	provider, err := o.provider(domain.ProviderDirect)
	if err != nil {
		return nil, err
	}
	attempt := domain.NewChargeAttempt(domain.FlowDirect)

	var pending []*domain.ReceiptTransaction
	err = o.store.Atomic(ctx, func(tx LedgerTx) error {
		txns, err := tx.TransactionsByIntent(ctx, intentID)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if !txn.IsConfirmed() && txn.CancelledAt == nil {
				pending = append(pending, txn)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, domain.NewValidationError(domain.ErrNoUnconfirmedTransactions, "This payment has already been processed")
	}

	intent := &domain.PaymentIntent{ID: intentID, Amount: pending[0].TxnTotal, Description: pending[0].Desc}
	done := o.metrics.ObserveCall(string(provider.Kind()), "charge")
	result, err := provider.Charge(ctx, intent, details)
	done()
	if err != nil {
		_ = attempt.Advance(domain.StateFailed)
		o.metrics.Charge(string(provider.Kind()), "failed")
		o.metrics.ProviderError(string(provider.Kind()), domain.KindOf(err).String())
		o.logger.Warn("direct charge failed", zap.String("intent_id", intentID), zap.Error(err))
		return nil, err
	}
	if !result.Approved {
		_ = attempt.Advance(domain.StateFailed)
		o.metrics.Charge(string(provider.Kind()), "declined")
		return nil, domain.NewProviderRejection(result.Message, nil)
	}
	if err := attempt.Advance(domain.StateAuthorized); err != nil {
		return nil, err
	}
	if err := attempt.Advance(domain.StateCaptured); err != nil {
		return nil, err
	}
	o.metrics.Charge(string(provider.Kind()), "captured")

	txns, err := o.ledger.ConfirmPayment(ctx, intentID, result.ChargeID)
	if err != nil {
		// 金流商已扣款，不回滾
		o.logger.Error("charge captured but ledger confirmation failed",
			zap.String("intent_id", intentID),
			zap.String("charge_id", result.ChargeID),
			zap.Error(err))
		return nil, domain.NewIntegrityError(fmt.Sprintf("confirm %s/%s: %v", intentID, result.ChargeID, err))
	}
	return txns, nil
}

// CompleteHostedPayment 查詢 hosted intent，成功時確認帳本 (webhook 的備援)
//
// 已確認過的 intent 回傳空結果。
func (o *Orchestrator) CompleteHostedPayment(ctx context.Context, intentID string) ([]*domain.ReceiptTransaction, error) {
	provider, err := o.provider(domain.ProviderHosted)
	if err != nil {
		return nil, err
	}
	var status *StatusResult
	err = o.withConnectivityRetry(ctx, string(provider.Kind()), func() error {
		var err error
		status, err = provider.Status(ctx, intentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if status.State != StateRefundable || status.ChargeID == "" {
		return nil, domain.NewValidationError(domain.ErrNotConfirmed, "Payment %s has not completed", intentID)
	}
	txns, err := o.ledger.ConfirmPayment(ctx, intentID, status.ChargeID)
	if errors.Is(err, domain.ErrNoUnconfirmedTransactions) {
		return nil, nil
	}
	if err == nil {
		o.metrics.Charge(string(provider.Kind()), "succeeded")
	}
	return txns, err
}

// Refund 線上付款退款
//
// 狀態: Requested -> Validated -> ProviderIssued -> LedgerUpdated，驗證失敗為 Rejected。
// 交易與收據在驗證、呼叫金流商、寫入帳本期間持續鎖定。
// 金流商已退款但帳本交易失敗時，另開交易重記；仍失敗回傳 integrity 錯誤。
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (*RefundOutcome, error) {
	out := &RefundOutcome{Attempt: domain.NewChargeAttempt(domain.FlowRefund)}
	if req.Amount <= 0 {
		_ = out.Attempt.Advance(domain.StateRejected)
		return out, domain.NewValidationError(domain.ErrAmountMustBePositive, "Refund amount must be positive")
	}
	err := o.store.Atomic(ctx, func(tx LedgerTx) error {
		return o.refundInTx(ctx, tx, req, out)
	})
	if err != nil && out.issued {
		err = o.rerecordRefund(ctx, req, out, err)
	}
	if err != nil {
		if !out.issued {
			_ = out.Attempt.Advance(domain.StateRejected)
		}
		return out, err
	}
	if out.event != nil {
		o.ledger.publish(ctx, []domain.PaymentEvent{*out.event})
	}
	return out, nil
}

func (o *Orchestrator) refundInTx(ctx context.Context, tx LedgerTx, req RefundRequest, out *RefundOutcome) error {
	txn, err := tx.Transaction(ctx, req.TxnID)
	if err != nil {
		return err
	}
	receipt, err := tx.Receipt(ctx, txn.ReceiptID)
	if err != nil {
		return domain.NewIntegrityError(fmt.Sprintf("txn %d references missing receipt %d: %v", txn.ID, txn.ReceiptID, err))
	}
	out.Original = txn

	amount := req.Amount
	if err := ValidateRefund(txn, amount); err != nil {
		return err
	}

	kind, viaProvider := txn.Method.Provider()
	if !viaProvider {
		// 人工/現金付款直接記帳
		if err := out.Attempt.Advance(domain.StateValidated); err != nil {
			return err
		}
		return o.writeRefund(ctx, tx, receipt, txn, amount, "", out)
	}
	if kind == domain.ProviderTerminal {
		return domain.NewValidationError(domain.ErrProviderNotConfigured, "Terminal payments must be refunded from a workstation")
	}
	if !txn.IsConfirmed() {
		if txn.IntentID == "" {
			return domain.NewIntegrityError(fmt.Sprintf("txn %d has no provider reference", txn.ID))
		}
		return domain.NewValidationError(domain.ErrNotConfirmed, "This payment has not been completed and cannot be refunded")
	}
	provider, err := o.provider(kind)
	if err != nil {
		return err
	}

	var status *StatusResult
	err = o.withConnectivityRetry(ctx, string(kind), func() error {
		var err error
		status, err = provider.Status(ctx, txn.ChargeID)
		return err
	})
	if err != nil {
		return err
	}

	voidOnly := false
	switch status.State {
	case StateRefundable:
	case StateUnsettled:
		if amount != txn.AmountLeft() || txn.Refunded != 0 {
			return domain.NewValidationError(nil, "This transaction has not settled yet and can only be fully refunded")
		}
		voidOnly = true
	case StateSettled:
		if !status.SubmittedAt.IsZero() && o.now().Sub(status.SubmittedAt) > RefundWindow {
			return domain.NewValidationError(nil, "This transaction is more than 180 days old and cannot be refunded automatically")
		}
		if status.SettleAmount > 0 && amount > status.SettleAmount-txn.Refunded {
			return domain.NewValidationError(domain.ErrRefundExceedsRemaining,
				"Refund amount %s exceeds the settled amount of %s", FormatCents(amount), FormatCents(status.SettleAmount))
		}
	default:
		return domain.NewValidationError(nil, "This transaction cannot be refunded in its current state (%s)", status.State)
	}
	if err := out.Attempt.Advance(domain.StateValidated); err != nil {
		return err
	}

	var refundRef string
	done := o.metrics.ObserveCall(string(kind), "refund")
	if voidOnly {
		var res *VoidResult
		res, err = provider.Void(ctx, txn.ChargeID)
		if res != nil {
			refundRef = res.RefID
		}
	} else {
		var res *RefundResult
		res, err = provider.Refund(ctx, txn.ChargeID, amount)
		if res != nil {
			refundRef = res.RefundID
		}
	}
	done()
	if err != nil {
		o.metrics.Refund(string(kind), "failed")
		o.metrics.ProviderError(string(kind), domain.KindOf(err).String())
		return err
	}
	out.issued, out.amount, out.refundRef = true, amount, refundRef
	if err := out.Attempt.Advance(domain.StateProviderIssued); err != nil {
		return err
	}
	out.Voided = voidOnly
	o.metrics.Refund(string(kind), "issued")

	if err := o.writeRefund(ctx, tx, receipt, txn, amount, refundRef, out); err != nil {
		return fmt.Errorf("record refund %s for txn %d: %w", refundRef, txn.ID, err)
	}
	return nil
}

// rerecordRefund 金流商已退款，前一個帳本交易已回滾，重新鎖定後再寫一次
func (o *Orchestrator) rerecordRefund(ctx context.Context, req RefundRequest, out *RefundOutcome, cause error) error {
	o.logger.Warn("refund issued but ledger transaction failed, recording again",
		zap.Int64("txn_id", req.TxnID),
		zap.String("refund_id", out.refundRef),
		zap.Error(cause))
	out.Refund, out.event = nil, nil
	err := o.store.Atomic(context.WithoutCancel(ctx), func(tx LedgerTx) error {
		txn, err := tx.Transaction(ctx, req.TxnID)
		if err != nil {
			return err
		}
		receipt, err := tx.Receipt(ctx, txn.ReceiptID)
		if err != nil {
			return err
		}
		out.Original = txn
		return o.writeRefund(ctx, tx, receipt, txn, out.amount, out.refundRef, out)
	})
	if err != nil {
		o.logger.Error("refund issued but ledger update failed",
			zap.Int64("txn_id", req.TxnID),
			zap.String("refund_id", out.refundRef),
			zap.Int64("amount", out.amount),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return &domain.PaymentError{
			Kind:    domain.KindIntegrity,
			Message: domain.IntegrityMessage,
			Err: fmt.Errorf("refund %s of %s for txn %d was issued but not recorded: %w",
				out.refundRef, FormatCents(out.amount), req.TxnID, errors.Join(cause, err)),
		}
	}
	return nil
}

func (o *Orchestrator) writeRefund(ctx context.Context, tx LedgerTx, receipt *domain.Receipt, txn *domain.ReceiptTransaction, amount int64, refundRef string, out *RefundOutcome) error {
	refund, err := o.ledger.recordRefundInTx(ctx, tx, receipt, RefundRecord{
		Desc:     RefundDescription(txn),
		RefundID: refundRef,
		Amount:   amount,
		Method:   txn.Method,
	})
	if err != nil {
		return err
	}
	txn.Refunded += amount
	if err := tx.SaveTransaction(ctx, txn); err != nil {
		return err
	}
	out.Refund = refund
	ev := refundEvent(receipt, txn, refund, o.now())
	out.event = &ev
	if out.Attempt.State == domain.StateProviderIssued {
		return out.Attempt.Advance(domain.StateLedgerUpdated)
	}
	return nil
}

// RefundDescription 退款交易的說明，也是與原交易唯一的關聯
func RefundDescription(txn *domain.ReceiptTransaction) string {
	ref := txn.ChargeID
	if ref == "" {
		ref = fmt.Sprintf("#%d", txn.ID)
	}
	return "Automatic refund of transaction " + ref
}

// RefundAll 退還收據上所有可退款的交易，驗證失敗的略過
func (o *Orchestrator) RefundAll(ctx context.Context, receiptID int64) (*RefundSummary, error) {
	receipt, err := o.ledger.ReceiptByID(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	summary := &RefundSummary{Skipped: make(map[int64]string)}
	for _, txn := range receipt.Txns {
		if txn.IsRefund() || txn.CancelledAt != nil || txn.AmountLeft() <= 0 {
			continue
		}
		out, err := o.Refund(ctx, RefundRequest{TxnID: txn.ID, Amount: txn.AmountLeft()})
		switch {
		case err == nil:
			summary.Refunds = append(summary.Refunds, out.Refund)
		case domain.IsKind(err, domain.KindValidation):
			summary.Skipped[txn.ID] = err.Error()
		default:
			return summary, err
		}
	}
	return summary, nil
}

// withConnectivityRetry 只重試連線錯誤，金額相關操作不可使用
func (o *Orchestrator) withConnectivityRetry(ctx context.Context, provider string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= connectivityAttempts; attempt++ {
		err = fn()
		if err == nil || !isConnectivity(err) {
			return err
		}
		o.metrics.ProviderError(provider, domain.KindConnectivity.String())
		o.logger.Warn("provider connectivity error",
			zap.String("provider", provider),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == connectivityAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.NewConnectivityError("The payment provider could not be reached", ctx.Err())
		case <-time.After(o.opts.RetryBackoff):
		}
	}
	return domain.NewConnectivityError("The payment provider could not be reached. Please try again", err)
}

func isConnectivity(err error) bool {
	return domain.IsKind(err, domain.KindConnectivity) ||
		errors.Is(err, domain.ErrProviderTimeout) ||
		errors.Is(err, domain.ErrProviderUnavailable)
}
