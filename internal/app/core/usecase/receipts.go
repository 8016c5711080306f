package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
	"github.com/JoeShih716/go-receipt-ledger/pkg/metrics"
)

// PaymentRecord 記錄一筆付款交易
type PaymentRecord struct {
	IntentID string
	ChargeID string
	Amount   int64
	// TxnTotal 金流商實際扣款總額，0 表示與 Amount 相同 (分拆付款時才不同)
	TxnTotal int64
	Method   domain.PaymentMethod
	Desc     string
}

// RefundRecord 記錄一筆退款交易，Amount 為正數
type RefundRecord struct {
	Desc     string
	RefundID string
	Amount   int64
	Method   domain.PaymentMethod
}

// LedgerManager 收據帳本的核心邏輯
type LedgerManager struct {
	store    LedgerStore
	registry *pricing.Registry
	notifier Notifier
	actors   ActorLookup
	metrics  *metrics.Payments
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedgerManager 建立 LedgerManager
//
// 參數:
//
//	store: 帳本持久化
//	registry: 計價設定
//	notifier: 付款確認通知，可為 nil
//	actors: 操作者查詢
//	m: 指標，可為 nil
//	logger: 日誌
func NewLedgerManager(store LedgerStore, registry *pricing.Registry, notifier Notifier, actors ActorLookup, m *metrics.Payments, logger *zap.Logger) *LedgerManager {
	if actors == nil {
		actors = ContextActor{}
	}
	return &LedgerManager{
		store:    store,
		registry: registry,
		notifier: notifier,
		actors:   actors,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Receipt 取得擁有者的收據
func (l *LedgerManager) Receipt(ctx context.Context, owner domain.OwnerRef) (*domain.Receipt, error) {
	var receipt *domain.Receipt
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		var err error
		receipt, err = tx.ReceiptForOwner(ctx, owner)
		return err
	})
	return receipt, err
}

// ReceiptByID 依 ID 取得收據
func (l *LedgerManager) ReceiptByID(ctx context.Context, id int64) (*domain.Receipt, error) {
	var receipt *domain.Receipt
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		var err error
		receipt, err = tx.Receipt(ctx, id)
		return err
	})
	return receipt, err
}

// CreateReceipt 依計價設定產生擁有者的初始項目
//
// create=false 只回傳預覽；create=true 時建立收據與項目，沒有任何費用時不建立。
// 擁有者已有收據時直接回傳既有收據。
func (l *LedgerManager) CreateReceipt(ctx context.Context, owner domain.Owner, create bool) (*domain.Receipt, []domain.ItemPreview, error) {
	costs, err := l.registry.InitialItems(owner)
	if err != nil {
		return nil, nil, err
	}
	if !create {
		previews := make([]domain.ItemPreview, 0, len(costs))
		for _, c := range costs {
			previews = append(previews, domain.ItemPreview{Desc: c.Desc, Amount: c.Amount, Count: c.Count})
		}
		return nil, previews, nil
	}

	var receipt *domain.Receipt
	err = l.store.Atomic(ctx, func(tx LedgerTx) error {
		existing, err := tx.ReceiptForOwner(ctx, owner.Ref())
		if err == nil {
			receipt = existing
			return nil
		}
		if !errors.Is(err, domain.ErrReceiptNotFound) {
			return err
		}
		if len(costs) == 0 {
			return nil
		}
		if _, err := tx.Owner(ctx, owner.Ref()); errors.Is(err, domain.ErrOwnerNotFound) {
			if err := tx.SaveOwner(ctx, owner); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		now := l.now()
		receipt = &domain.Receipt{Owner: owner.Ref(), CreatedAt: now}
		if err := tx.CreateReceipt(ctx, receipt); err != nil {
			return err
		}
		who := l.actors.Actor(ctx)
		for _, c := range costs {
			item := &domain.ReceiptItem{
				ReceiptID: receipt.ID,
				Desc:      c.Desc,
				Amount:    c.Amount,
				Count:     c.Count,
				Who:       who,
				CreatedAt: now,
			}
			if c.Field != "" {
				item.RevertChange = map[string]string{c.Field: ""}
			}
			if err := tx.SaveItem(ctx, item); err != nil {
				return err
			}
			receipt.Items = append(receipt.Items, item)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return receipt, nil, nil
}

// ComputeAttributeChange 計算單一欄位改變的 (舊金額, 差額, 說明)
func (l *LedgerManager) ComputeAttributeChange(owner domain.Owner, field, newValue string) (pricing.Change, error) {
	return l.registry.ComputeChange(owner, field, newValue)
}

// ApplyParamChanges 比對表單參數並為每個實際變動產生項目
//
// persist=false 或擁有者尚無收據時只回傳未持久化的項目。
// persist=true 時寫入項目並將新值寫回擁有者。
func (l *LedgerManager) ApplyParamChanges(ctx context.Context, ref domain.OwnerRef, params map[string]string, persist bool) ([]*domain.ReceiptItem, error) {
	var items []*domain.ReceiptItem
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		owner, err := tx.Owner(ctx, ref)
		if err != nil {
			return err
		}
		plan, err := l.registry.Diff(owner, params)
		if err != nil {
			return err
		}

		receipt, err := tx.ReceiptForOwner(ctx, ref)
		if err != nil && !errors.Is(err, domain.ErrReceiptNotFound) {
			return err
		}
		who := l.actors.Actor(ctx)
		now := l.now()
		for _, c := range plan.Changes {
			item := &domain.ReceiptItem{
				Desc:         c.Desc,
				Amount:       c.Delta,
				Count:        c.Count,
				Who:          who,
				RevertChange: c.RevertChange,
				CreatedAt:    now,
			}
			if receipt != nil {
				item.ReceiptID = receipt.ID
			}
			items = append(items, item)
		}
		if !persist || receipt == nil {
			return nil
		}

		for _, item := range items {
			if err := tx.SaveItem(ctx, item); err != nil {
				return err
			}
		}
		for _, field := range domain.SortedKeys(plan.Updates) {
			owner.SetValue(field, plan.Updates[field])
		}
		return tx.SaveOwner(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// AddCustomItem 管理員手動新增項目
func (l *LedgerManager) AddCustomItem(ctx context.Context, receiptID int64, desc string, amount int64) (*domain.ReceiptItem, error) {
	if amount == 0 {
		return nil, domain.NewValidationError(domain.ErrAmountMustBePositive, "Item amount cannot be zero")
	}
	var item *domain.ReceiptItem
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		if _, err := tx.Receipt(ctx, receiptID); err != nil {
			return err
		}
		item = &domain.ReceiptItem{
			ReceiptID: receiptID,
			Desc:      desc,
			Amount:    amount,
			Count:     1,
			Who:       l.actors.Actor(ctx),
			CreatedAt: l.now(),
		}
		return tx.SaveItem(ctx, item)
	})
	return item, err
}

// RemoveItem 刪除尚未有交易嘗試且未結清的項目
func (l *LedgerManager) RemoveItem(ctx context.Context, receiptID, itemID int64) error {
	return l.store.Atomic(ctx, func(tx LedgerTx) error {
		receipt, err := tx.Receipt(ctx, receiptID)
		if err != nil {
			return err
		}
		item := receipt.Item(itemID)
		if item == nil {
			return domain.ErrItemNotFound
		}
		if item.Closed() || receipt.ItemAttempted(itemID) {
			return domain.NewValidationError(domain.ErrItemLocked, "This item has already been paid for or charged and cannot be removed")
		}
		return tx.DeleteItem(ctx, itemID)
	})
}

// RecordPayment 記錄一筆付款交易
func (l *LedgerManager) RecordPayment(ctx context.Context, receiptID int64, rec PaymentRecord) (*domain.ReceiptTransaction, error) {
	var txn *domain.ReceiptTransaction
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		receipt, err := tx.Receipt(ctx, receiptID)
		if err != nil {
			return err
		}
		txn, err = l.recordPaymentInTx(ctx, tx, receipt, rec)
		return err
	})
	return txn, err
}

func (l *LedgerManager) recordPaymentInTx(ctx context.Context, tx LedgerTx, receipt *domain.Receipt, rec PaymentRecord) (*domain.ReceiptTransaction, error) {
	if rec.Amount <= 0 {
		return nil, domain.NewValidationError(domain.ErrAmountMustBePositive, "There was an issue recording your payment.")
	}
	total := rec.TxnTotal
	if total == 0 {
		total = rec.Amount
	}
	txn := &domain.ReceiptTransaction{
		ReceiptID: receipt.ID,
		IntentID:  rec.IntentID,
		ChargeID:  rec.ChargeID,
		Method:    rec.Method,
		Amount:    rec.Amount,
		TxnTotal:  total,
		Desc:      rec.Desc,
		Who:       l.actors.Actor(ctx),
		CreatedAt: l.now(),
	}
	for _, item := range receipt.OpenItems() {
		txn.ItemIDs = append(txn.ItemIDs, item.ID)
	}
	if err := tx.SaveTransaction(ctx, txn); err != nil {
		return nil, err
	}
	receipt.Txns = append(receipt.Txns, txn)
	return txn, nil
}

// RecordRefund 記錄退款交易，金額一律存為負數
//
// 與原交易的關聯只透過 desc 文字。
func (l *LedgerManager) RecordRefund(ctx context.Context, receiptID int64, rec RefundRecord) (*domain.ReceiptTransaction, error) {
	var txn *domain.ReceiptTransaction
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		receipt, err := tx.Receipt(ctx, receiptID)
		if err != nil {
			return err
		}
		txn, err = l.recordRefundInTx(ctx, tx, receipt, rec)
		return err
	})
	return txn, err
}

func (l *LedgerManager) recordRefundInTx(ctx context.Context, tx LedgerTx, receipt *domain.Receipt, rec RefundRecord) (*domain.ReceiptTransaction, error) {
	if rec.Amount <= 0 {
		return nil, domain.NewValidationError(domain.ErrAmountMustBePositive, "Refund amount must be positive")
	}
	txn := &domain.ReceiptTransaction{
		ReceiptID: receipt.ID,
		RefundID:  rec.RefundID,
		Method:    rec.Method,
		Amount:    -rec.Amount,
		TxnTotal:  -rec.Amount,
		Desc:      rec.Desc,
		Who:       l.actors.Actor(ctx),
		CreatedAt: l.now(),
	}
	if err := tx.SaveTransaction(ctx, txn); err != nil {
		return nil, err
	}
	receipt.Txns = append(receipt.Txns, txn)
	return txn, nil
}

// UpdateTransactionRefund 累加交易的已退款金額
func (l *LedgerManager) UpdateTransactionRefund(ctx context.Context, txnID, amount int64) error {
	return l.store.Atomic(ctx, func(tx LedgerTx) error {
		txn, err := tx.Transaction(ctx, txnID)
		if err != nil {
			return err
		}
		txn.Refunded += amount
		return tx.SaveTransaction(ctx, txn)
	})
}

// ValidateRefund 退款前置檢查，不會動到帳本
//
// 檢查順序: 金額 > 0、尚未全額退款、不超過剩餘可退金額。
func ValidateRefund(txn *domain.ReceiptTransaction, amount int64) error {
	if amount <= 0 {
		return domain.NewValidationError(domain.ErrAmountMustBePositive, "Refund amount must be positive")
	}
	if txn.IsRefund() {
		return domain.NewValidationError(domain.ErrAlreadyRefunded, "Refund transactions cannot be refunded")
	}
	if txn.AmountLeft() <= 0 {
		return domain.NewValidationError(domain.ErrAlreadyRefunded, "This transaction has already been fully refunded")
	}
	if amount > txn.AmountLeft() {
		return domain.NewValidationError(domain.ErrRefundExceedsRemaining,
			"Refund amount %s exceeds the refundable amount of %s", FormatCents(amount), FormatCents(txn.AmountLeft()))
	}
	return nil
}

// ConfirmPayment 以 charge id 確認 intent 下所有待確認交易
//
// 沒有待確認交易時回傳 domain.ErrNoUnconfirmedTransactions (重複送達)，不做任何變動。
// chargeID 為空時回傳驗證錯誤。
func (l *LedgerManager) ConfirmPayment(ctx context.Context, intentID, chargeID string) ([]*domain.ReceiptTransaction, error) {
	var (
		txns   []*domain.ReceiptTransaction
		events []domain.PaymentEvent
	)
	err := l.store.Atomic(ctx, func(tx LedgerTx) error {
		var err error
		txns, events, err = l.confirmInTx(ctx, tx, intentID, chargeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publish(ctx, events)
	return txns, nil
}

func (l *LedgerManager) confirmInTx(ctx context.Context, tx LedgerTx, intentID, chargeID string) ([]*domain.ReceiptTransaction, []domain.PaymentEvent, error) {
	if chargeID == "" {
		return nil, nil, domain.NewValidationError(domain.ErrMissingChargeID, "Payment %s has no charge to confirm", intentID)
	}
	all, err := tx.TransactionsByIntent(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	var pending []*domain.ReceiptTransaction
	for _, txn := range all {
		if !txn.IsConfirmed() && txn.CancelledAt == nil {
			pending = append(pending, txn)
		}
	}
	if len(pending) == 0 {
		l.logger.Debug("no unconfirmed transactions for intent", zap.String("intent_id", intentID))
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrNoUnconfirmedTransactions, intentID)
	}

	now := l.now()
	receipts := make(map[int64]*domain.Receipt)
	var order []int64
	for _, txn := range pending {
		txn.ChargeID = chargeID
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return nil, nil, err
		}
		receipt, ok := receipts[txn.ReceiptID]
		if !ok {
			receipt, err = tx.Receipt(ctx, txn.ReceiptID)
			if err != nil {
				return nil, nil, domain.NewIntegrityError(fmt.Sprintf("txn %d references missing receipt %d: %v", txn.ID, txn.ReceiptID, err))
			}
			receipts[txn.ReceiptID] = receipt
			order = append(order, txn.ReceiptID)
		}
		for _, itemID := range txn.ItemIDs {
			item := receipt.Item(itemID)
			if item == nil || item.Closed() || item.Amount <= 0 {
				continue
			}
			closed := now
			item.ClosedAt = &closed
			if err := tx.SaveItem(ctx, item); err != nil {
				return nil, nil, err
			}
		}
	}

	events := make([]domain.PaymentEvent, 0, len(order))
	for _, id := range order {
		// 重新讀取以取得更新後的交易
		receipt, err := tx.Receipt(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		owner, err := tx.Owner(ctx, receipt.Owner)
		if err != nil {
			return nil, nil, domain.NewIntegrityError(fmt.Sprintf("receipt %d owner %s: %v", receipt.ID, receipt.Owner, err))
		}
		if receipt.CurrentAmountOwed() <= 0 && owner.MarkPaid() {
			if err := tx.SaveOwner(ctx, owner); err != nil {
				return nil, nil, err
			}
		}
		var amount int64
		for _, txn := range pending {
			if txn.ReceiptID == id {
				amount += txn.Amount
			}
		}
		events = append(events, domain.PaymentEvent{
			ID:         newEventID(),
			Type:       domain.EventPaymentConfirmed,
			Owner:      receipt.Owner,
			ReceiptID:  receipt.ID,
			IntentID:   intentID,
			ChargeID:   chargeID,
			Amount:     amount,
			Email:      owner.ReceiptEmail(),
			FullyPaid:  len(receipt.OpenItems()) == 0,
			OccurredAt: now,
		})
	}
	return pending, events, nil
}

func refundEvent(receipt *domain.Receipt, original, refund *domain.ReceiptTransaction, now time.Time) domain.PaymentEvent {
	return domain.PaymentEvent{
		ID:         newEventID(),
		Type:       domain.EventRefundIssued,
		Owner:      receipt.Owner,
		ReceiptID:  receipt.ID,
		IntentID:   original.IntentID,
		ChargeID:   original.ChargeID,
		Amount:     -refund.Amount,
		OccurredAt: now,
	}
}

func newEventID() string {
	return ulid.Make().String()
}

// publish 送出通知，失敗只記錄
func (l *LedgerManager) publish(ctx context.Context, events []domain.PaymentEvent) {
	if l.notifier == nil {
		return
	}
	for _, event := range events {
		if err := l.notifier.Notify(ctx, event); err != nil {
			l.metrics.NotifyError()
			l.logger.Error("failed to send payment notification",
				zap.String("event_id", event.ID),
				zap.String("owner", event.Owner.String()),
				zap.Error(err))
		}
	}
}

// FormatCents 以 $x.yy 顯示金額
func FormatCents(cents int64) string {
	d := decimal.New(cents, -2)
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}
