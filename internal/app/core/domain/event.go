package domain

import "time"

// EventType 付款事件類型
type EventType string

const (
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventRefundIssued     EventType = "refund.issued"
)

// PaymentEvent 發給外部通知服務的事件
type PaymentEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Owner     OwnerRef  `json:"owner"`
	ReceiptID int64     `json:"receipt_id"`
	IntentID  string    `json:"intent_id,omitempty"`
	ChargeID  string    `json:"charge_id,omitempty"`
	Amount    int64     `json:"amount"`
	Email     string    `json:"email,omitempty"`
	// FullyPaid 收據已沒有未結清項目
	FullyPaid  bool      `json:"fully_paid"`
	OccurredAt time.Time `json:"occurred_at"`
}
