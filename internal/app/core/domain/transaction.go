package domain

import (
	"slices"
	"time"
)

// PaymentMethod 交易的付款方式標籤
type PaymentMethod string

const (
	MethodHostedCard PaymentMethod = "stripe"
	MethodDirectCard PaymentMethod = "authorizenet"
	MethodTerminal   PaymentMethod = "terminal"
	MethodManual     PaymentMethod = "manual"
	MethodCash       PaymentMethod = "cash"
)

// ProviderKind 金流商類型
type ProviderKind string

const (
	ProviderHosted   ProviderKind = "hosted"
	ProviderDirect   ProviderKind = "direct"
	ProviderTerminal ProviderKind = "terminal"
)

// Provider 回傳付款方式對應的金流商，人工/現金不經過金流商
func (m PaymentMethod) Provider() (ProviderKind, bool) {
	switch m {
	case MethodHostedCard:
		return ProviderHosted, true
	case MethodDirectCard:
		return ProviderDirect, true
	case MethodTerminal:
		return ProviderTerminal, true
	default:
		return "", false
	}
}

// ReceiptTransaction 一筆付款或退款紀錄
//
// ChargeID 寫入後只剩 Refunded 可以變動。
type ReceiptTransaction struct {
	ID            int64
	ReceiptID     int64
	IntentID      string
	ChargeID      string
	RefundID      string
	Method        PaymentMethod
	Amount        int64
	TxnTotal      int64
	Refunded      int64
	Desc          string
	Who           string
	ItemIDs       []int64
	ReceiptInfoID *int64
	CreatedAt     time.Time
	CancelledAt   *time.Time
}

// IsConfirmed 是否已有 charge id
func (t *ReceiptTransaction) IsConfirmed() bool { return t.ChargeID != "" }

// IsRefund 退款交易金額為負
func (t *ReceiptTransaction) IsRefund() bool { return t.Amount < 0 }

// AmountLeft 剩餘可退金額
func (t *ReceiptTransaction) AmountLeft() int64 { return t.Amount - t.Refunded }

// Counted 是否計入收據餘額
// 待確認的 intent 不算，退款與人工入帳直接計入
func (t *ReceiptTransaction) Counted() bool {
	if t.CancelledAt != nil {
		return false
	}
	return t.ChargeID != "" || t.IntentID == ""
}

// ProviderRef 金流商參照，依序 charge / intent / refund
func (t *ReceiptTransaction) ProviderRef() string {
	switch {
	case t.ChargeID != "":
		return t.ChargeID
	case t.IntentID != "":
		return t.IntentID
	default:
		return t.RefundID
	}
}

func (t *ReceiptTransaction) Clone() *ReceiptTransaction {
	c := *t
	c.ItemIDs = slices.Clone(t.ItemIDs)
	if t.ReceiptInfoID != nil {
		id := *t.ReceiptInfoID
		c.ReceiptInfoID = &id
	}
	if t.CancelledAt != nil {
		at := *t.CancelledAt
		c.CancelledAt = &at
	}
	return &c
}

// CheckTransactionUpdate 檢查已確認交易的更新只動到退款累計
func CheckTransactionUpdate(old, updated *ReceiptTransaction) error {
	if old == nil || !old.IsConfirmed() {
		return nil
	}
	candidate := updated.Clone()
	candidate.Refunded = old.Refunded
	if candidate.ChargeID != old.ChargeID ||
		candidate.IntentID != old.IntentID ||
		candidate.RefundID != old.RefundID ||
		candidate.Method != old.Method ||
		candidate.Amount != old.Amount ||
		candidate.TxnTotal != old.TxnTotal ||
		candidate.ReceiptID != old.ReceiptID ||
		!slices.Equal(candidate.ItemIDs, old.ItemIDs) ||
		(candidate.CancelledAt == nil) != (old.CancelledAt == nil) {
		return ErrImmutableTransaction
	}
	return nil
}

// DistributeApproval 將核准總額依建立順序分攤到共用同一 intent 的交易
//
// 每筆最多吸收自己的金額，剩餘往下一筆帶；回傳分攤後金額為 0 的交易。
func DistributeApproval(txns []*ReceiptTransaction, approved int64) (dropped []*ReceiptTransaction) {
	running := approved
	for _, txn := range txns {
		if txn.TxnTotal != approved {
			if txn.Amount == txn.TxnTotal {
				txn.Amount = approved
			} else {
				if running < txn.Amount {
					txn.Amount = running
				}
				running -= txn.Amount
			}
			txn.TxnTotal = approved
		}
		if txn.Amount <= 0 {
			txn.Amount = 0
			dropped = append(dropped, txn)
		}
	}
	return dropped
}
