package usecase

import (
	"context"
	"errors"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
)

// CoreUseCase 是核心業務邏輯層，對外的 adapter (gRPC / HTTP / CLI) 只依賴它
type CoreUseCase struct {
	ledger       *LedgerManager
	orchestrator *Orchestrator
	terminals    *TerminalController
}

// NewCoreUseCase 建立 CoreUseCase
//
// 參數:
//
//	ledger: 收據帳本
//	orchestrator: 線上付款流程
//	terminals: 實體終端機流程，沒有設定終端機時可為 nil
func NewCoreUseCase(ledger *LedgerManager, orchestrator *Orchestrator, terminals *TerminalController) *CoreUseCase {
	return &CoreUseCase{
		ledger:       ledger,
		orchestrator: orchestrator,
		terminals:    terminals,
	}
}

func (c *CoreUseCase) Receipt(ctx context.Context, owner domain.OwnerRef) (*domain.Receipt, error) {
	return c.ledger.Receipt(ctx, owner)
}

func (c *CoreUseCase) ReceiptByID(ctx context.Context, id int64) (*domain.Receipt, error) {
	return c.ledger.ReceiptByID(ctx, id)
}

func (c *CoreUseCase) CreateReceipt(ctx context.Context, owner domain.Owner, create bool) (*domain.Receipt, []domain.ItemPreview, error) {
	return c.ledger.CreateReceipt(ctx, owner, create)
}

func (c *CoreUseCase) ComputeAttributeChange(owner domain.Owner, field, newValue string) (pricing.Change, error) {
	return c.ledger.ComputeAttributeChange(owner, field, newValue)
}

func (c *CoreUseCase) ApplyParamChanges(ctx context.Context, owner domain.OwnerRef, params map[string]string, persist bool) ([]*domain.ReceiptItem, error) {
	return c.ledger.ApplyParamChanges(ctx, owner, params, persist)
}

func (c *CoreUseCase) AddCustomItem(ctx context.Context, receiptID int64, desc string, amount int64) (*domain.ReceiptItem, error) {
	return c.ledger.AddCustomItem(ctx, receiptID, desc, amount)
}

func (c *CoreUseCase) RemoveItem(ctx context.Context, receiptID, itemID int64) error {
	return c.ledger.RemoveItem(ctx, receiptID, itemID)
}

// RecordManualPayment 記錄人工/現金付款，直接視為已確認
func (c *CoreUseCase) RecordManualPayment(ctx context.Context, receiptID int64, method domain.PaymentMethod, amount int64, desc string) (*domain.ReceiptTransaction, error) {
	if _, viaProvider := method.Provider(); viaProvider {
		return nil, domain.NewValidationError(nil, "Payments through %s must go through the payment flow", method)
	}
	var (
		txn    *domain.ReceiptTransaction
		events []domain.PaymentEvent
	)
	err := c.ledger.store.Atomic(ctx, func(tx LedgerTx) error {
		receipt, err := tx.Receipt(ctx, receiptID)
		if err != nil {
			return err
		}
		intentID := "manual-" + newEventID()
		if _, err := c.ledger.recordPaymentInTx(ctx, tx, receipt, PaymentRecord{
			IntentID: intentID,
			Amount:   amount,
			Method:   method,
			Desc:     desc,
		}); err != nil {
			return err
		}
		txns, evs, err := c.ledger.confirmInTx(ctx, tx, intentID, intentID)
		if err != nil {
			return err
		}
		txn, events = txns[0], evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.ledger.publish(ctx, events)
	return txn, nil
}

func (c *CoreUseCase) PreparePayment(ctx context.Context, req ChargeRequest) (*PreparedPayment, error) {
	return c.orchestrator.PreparePayment(ctx, req)
}

func (c *CoreUseCase) ChargeDirect(ctx context.Context, intentID string, details PaymentDetails) ([]*domain.ReceiptTransaction, error) {
	return c.orchestrator.ChargeDirect(ctx, intentID, details)
}

func (c *CoreUseCase) CompleteHostedPayment(ctx context.Context, intentID string) ([]*domain.ReceiptTransaction, error) {
	return c.orchestrator.CompleteHostedPayment(ctx, intentID)
}

// HandlePaymentSucceeded 金流商通知付款成功 (webhook)，重複通知不是錯誤
func (c *CoreUseCase) HandlePaymentSucceeded(ctx context.Context, intentID, chargeID string) ([]*domain.ReceiptTransaction, error) {
	txns, err := c.ledger.ConfirmPayment(ctx, intentID, chargeID)
	if errors.Is(err, domain.ErrNoUnconfirmedTransactions) {
		return nil, nil
	}
	return txns, err
}

// Refund 依原交易的付款方式決定走線上或終端機退款
//
// 參數:
//
//	workstation: 終端機退款時使用的工作站，線上退款忽略
func (c *CoreUseCase) Refund(ctx context.Context, txnID, amount int64, workstation string) (*domain.ReceiptTransaction, error) {
	txn, err := c.transaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Method == domain.MethodTerminal {
		if c.terminals == nil {
			return nil, domain.NewValidationError(domain.ErrProviderNotConfigured, "Payment terminals are not configured")
		}
		out, err := c.terminals.Refund(ctx, TerminalRefundRequest{TxnID: txnID, Amount: amount, Workstation: workstation})
		if out == nil {
			return nil, err
		}
		return out.Refund, err
	}
	out, err := c.orchestrator.Refund(ctx, RefundRequest{TxnID: txnID, Amount: amount})
	if err != nil {
		return nil, err
	}
	return out.Refund, nil
}

func (c *CoreUseCase) RefundAll(ctx context.Context, receiptID int64) (*RefundSummary, error) {
	return c.orchestrator.RefundAll(ctx, receiptID)
}

func (c *CoreUseCase) StartTerminalSale(ctx context.Context, req SaleRequest) (*SaleResult, error) {
	if c.terminals == nil {
		return nil, domain.NewValidationError(domain.ErrProviderNotConfigured, "Payment terminals are not configured")
	}
	return c.terminals.StartSale(ctx, req)
}

func (c *CoreUseCase) PollTerminal(ctx context.Context, workstation string) (*domain.TerminalStatus, error) {
	if c.terminals == nil {
		return nil, domain.NewValidationError(domain.ErrProviderNotConfigured, "Payment terminals are not configured")
	}
	return c.terminals.PollTerminal(ctx, workstation)
}

func (c *CoreUseCase) CloseOutTerminal(ctx context.Context, workstation string) (*TerminalResponse, error) {
	if c.terminals == nil {
		return nil, domain.NewValidationError(domain.ErrProviderNotConfigured, "Payment terminals are not configured")
	}
	return c.terminals.CloseOutTerminal(ctx, workstation)
}

func (c *CoreUseCase) transaction(ctx context.Context, id int64) (*domain.ReceiptTransaction, error) {
	var txn *domain.ReceiptTransaction
	err := c.ledger.store.Atomic(ctx, func(tx LedgerTx) error {
		var err error
		txn, err = tx.Transaction(ctx, id)
		return err
	})
	return txn, err
}

// Owner 讀取擁有者
func (c *CoreUseCase) Owner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error) {
	var owner domain.Owner
	err := c.ledger.store.Atomic(ctx, func(tx LedgerTx) error {
		var err error
		owner, err = tx.Owner(ctx, ref)
		return err
	})
	return owner, err
}

// SaveOwner 新增或更新擁有者 (報名系統同步用)
func (c *CoreUseCase) SaveOwner(ctx context.Context, owner domain.Owner) error {
	if _, err := c.ledger.registry.Set(owner.Ref().Kind); err != nil {
		return domain.NewValidationError(err, "Unknown owner kind %s", owner.Ref().Kind)
	}
	return c.ledger.store.Atomic(ctx, func(tx LedgerTx) error {
		return tx.SaveOwner(ctx, owner)
	})
}
