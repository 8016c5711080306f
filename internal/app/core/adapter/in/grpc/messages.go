package grpc

import (
	"time"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// 請求與回應皆以 JSON codec 傳輸，欄位名稱即 wire 格式

type OwnerRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func (r OwnerRef) toDomain() domain.OwnerRef {
	return domain.OwnerRef{Kind: domain.OwnerKind(r.Kind), ID: r.ID}
}

type Item struct {
	ID           int64             `json:"id"`
	Desc         string            `json:"desc"`
	Amount       int64             `json:"amount"`
	Count        int               `json:"count"`
	Who          string            `json:"who,omitempty"`
	RevertChange map[string]string `json:"revert_change,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ClosedAt     *time.Time        `json:"closed_at,omitempty"`
}

type Transaction struct {
	ID          int64      `json:"id"`
	ReceiptID   int64      `json:"receipt_id"`
	IntentID    string     `json:"intent_id,omitempty"`
	ChargeID    string     `json:"charge_id,omitempty"`
	RefundID    string     `json:"refund_id,omitempty"`
	Method      string     `json:"method"`
	Amount      int64      `json:"amount"`
	TxnTotal    int64      `json:"txn_total"`
	Refunded    int64      `json:"refunded"`
	Desc        string     `json:"desc"`
	Who         string     `json:"who,omitempty"`
	ItemIDs     []int64    `json:"item_ids,omitempty"`
	Confirmed   bool       `json:"confirmed"`
	CreatedAt   time.Time  `json:"created_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

type Receipt struct {
	ID           int64          `json:"id"`
	Owner        OwnerRef       `json:"owner"`
	CreatedAt    time.Time      `json:"created_at"`
	Items        []*Item        `json:"items"`
	Transactions []*Transaction `json:"transactions"`
	ItemTotal    int64          `json:"item_total"`
	TxnTotal     int64          `json:"txn_total"`
	AmountOwed   int64          `json:"amount_owed"`
}

func toItem(i *domain.ReceiptItem) *Item {
	if i == nil {
		return nil
	}
	return &Item{
		ID:           i.ID,
		Desc:         i.Desc,
		Amount:       i.Amount,
		Count:        i.Count,
		Who:          i.Who,
		RevertChange: i.RevertChange,
		CreatedAt:    i.CreatedAt,
		ClosedAt:     i.ClosedAt,
	}
}

func toItems(items []*domain.ReceiptItem) []*Item {
	out := make([]*Item, 0, len(items))
	for _, i := range items {
		out = append(out, toItem(i))
	}
	return out
}

func toTransaction(t *domain.ReceiptTransaction) *Transaction {
	if t == nil {
		return nil
	}
	return &Transaction{
		ID:          t.ID,
		ReceiptID:   t.ReceiptID,
		IntentID:    t.IntentID,
		ChargeID:    t.ChargeID,
		RefundID:    t.RefundID,
		Method:      string(t.Method),
		Amount:      t.Amount,
		TxnTotal:    t.TxnTotal,
		Refunded:    t.Refunded,
		Desc:        t.Desc,
		Who:         t.Who,
		ItemIDs:     t.ItemIDs,
		Confirmed:   t.IsConfirmed(),
		CreatedAt:   t.CreatedAt,
		CancelledAt: t.CancelledAt,
	}
}

func toTransactions(txns []*domain.ReceiptTransaction) []*Transaction {
	out := make([]*Transaction, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTransaction(t))
	}
	return out
}

func toReceipt(r *domain.Receipt) *Receipt {
	if r == nil {
		return nil
	}
	return &Receipt{
		ID:           r.ID,
		Owner:        OwnerRef{Kind: string(r.Owner.Kind), ID: r.Owner.ID},
		CreatedAt:    r.CreatedAt,
		Items:        toItems(r.Items),
		Transactions: toTransactions(r.Txns),
		ItemTotal:    r.ItemTotal(),
		TxnTotal:     r.TxnTotal(),
		AmountOwed:   r.CurrentAmountOwed(),
	}
}

type GetReceiptRequest struct {
	// ReceiptID 非 0 時優先使用
	ReceiptID int64    `json:"receipt_id,omitempty"`
	Owner     OwnerRef `json:"owner"`
}

type CreateReceiptRequest struct {
	Owner OwnerRef `json:"owner"`
	// Create false 只回傳預覽項目
	Create bool `json:"create"`
}

type CreateReceiptResponse struct {
	Receipt *Receipt             `json:"receipt,omitempty"`
	Preview []domain.ItemPreview `json:"preview,omitempty"`
}

type AttributeChangeRequest struct {
	Owner OwnerRef `json:"owner"`
	Field string   `json:"field"`
	Value string   `json:"value"`
}

type AttributeChangeResponse struct {
	Field        string            `json:"field"`
	Desc         string            `json:"desc"`
	OldCost      int64             `json:"old_cost"`
	Delta        int64             `json:"delta"`
	Count        int               `json:"count"`
	Credit       bool              `json:"credit"`
	RevertChange map[string]string `json:"revert_change,omitempty"`
}

func toChange(c pricing.Change) *AttributeChangeResponse {
	return &AttributeChangeResponse{
		Field:        c.Field,
		Desc:         c.Desc,
		OldCost:      c.OldCost,
		Delta:        c.Delta,
		Count:        c.Count,
		Credit:       c.Credit,
		RevertChange: c.RevertChange,
	}
}

type ApplyParamsRequest struct {
	Owner   OwnerRef          `json:"owner"`
	Params  map[string]string `json:"params"`
	Persist bool              `json:"persist"`
}

type ItemsResponse struct {
	Items []*Item `json:"items"`
}

type AddItemRequest struct {
	ReceiptID int64  `json:"receipt_id"`
	Desc      string `json:"desc"`
	Amount    int64  `json:"amount"`
}

type RemoveItemRequest struct {
	ReceiptID int64 `json:"receipt_id"`
	ItemID    int64 `json:"item_id"`
}

type Empty struct{}

type ManualPaymentRequest struct {
	ReceiptID int64  `json:"receipt_id"`
	Method    string `json:"method"`
	Amount    int64  `json:"amount"`
	Desc      string `json:"desc"`
}

type Customer struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

type PreparePaymentRequest struct {
	ReceiptID    int64    `json:"receipt_id"`
	Amount       int64    `json:"amount,omitempty"`
	Description  string   `json:"description"`
	ReceiptEmail string   `json:"receipt_email,omitempty"`
	Customer     Customer `json:"customer"`
}

type PreparePaymentResponse struct {
	IntentID     string       `json:"intent_id"`
	Amount       int64        `json:"amount"`
	ClientSecret string       `json:"client_secret,omitempty"`
	CustomerID   string       `json:"customer_id,omitempty"`
	Transaction  *Transaction `json:"transaction"`
	State        string       `json:"state"`
}

type ChargeDirectRequest struct {
	IntentID       string `json:"intent_id"`
	Token          string `json:"token,omitempty"`
	DataDescriptor string `json:"data_descriptor,omitempty"`
	ProfileID      string `json:"profile_id,omitempty"`
	CustomerIP     string `json:"customer_ip,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	BillingZip     string `json:"billing_zip,omitempty"`
}

func (r *ChargeDirectRequest) details() usecase.PaymentDetails {
	return usecase.PaymentDetails{
		Token:          r.Token,
		DataDescriptor: r.DataDescriptor,
		ProfileID:      r.ProfileID,
		CustomerIP:     r.CustomerIP,
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		BillingZip:     r.BillingZip,
	}
}

type IntentRequest struct {
	IntentID string `json:"intent_id"`
}

type TransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type RefundRequest struct {
	TxnID int64 `json:"txn_id"`
	// Amount 必須大於 0，全額退款請用 RefundAll
	Amount      int64  `json:"amount"`
	Workstation string `json:"workstation,omitempty"`
}

type TransactionResponse struct {
	Transaction *Transaction `json:"transaction"`
}

type ReceiptIDRequest struct {
	ReceiptID int64 `json:"receipt_id"`
}

type RefundAllResponse struct {
	Refunds []*Transaction   `json:"refunds"`
	Skipped map[int64]string `json:"skipped,omitempty"`
}

type SaleCharge struct {
	ReceiptID int64 `json:"receipt_id"`
	Amount    int64 `json:"amount,omitempty"`
}

type TerminalSaleRequest struct {
	Workstation      string       `json:"workstation"`
	TerminalID       string       `json:"terminal_id,omitempty"`
	Charges          []SaleCharge `json:"charges"`
	Description      string       `json:"description"`
	CaptureSignature *bool        `json:"capture_signature,omitempty"`
}

func (r *TerminalSaleRequest) toUseCase() usecase.SaleRequest {
	charges := make([]usecase.SaleCharge, 0, len(r.Charges))
	for _, c := range r.Charges {
		charges = append(charges, usecase.SaleCharge{ReceiptID: c.ReceiptID, Amount: c.Amount})
	}
	return usecase.SaleRequest{
		Workstation:      r.Workstation,
		TerminalID:       r.TerminalID,
		Charges:          charges,
		Description:      r.Description,
		CaptureSignature: r.CaptureSignature,
	}
}

type TerminalSaleResponse struct {
	ReferenceID    string         `json:"reference_id"`
	TrackingID     int64          `json:"tracking_id,omitempty"`
	ApprovedAmount int64          `json:"approved_amount"`
	Transactions   []*Transaction `json:"transactions"`
	Warning        string         `json:"warning,omitempty"`
}

func toSaleResponse(r *usecase.SaleResult) *TerminalSaleResponse {
	out := &TerminalSaleResponse{
		ReferenceID:    r.ReferenceID,
		ApprovedAmount: r.ApprovedAmount,
		Transactions:   toTransactions(r.Txns),
		Warning:        r.Warning,
	}
	if r.Tracking != nil {
		out.TrackingID = r.Tracking.IncrID
	}
	return out
}

type WorkstationRequest struct {
	Workstation string `json:"workstation"`
}

type TerminalResult struct {
	Approved       bool              `json:"approved"`
	Message        string            `json:"message,omitempty"`
	ApprovedAmount int64             `json:"approved_amount,omitempty"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Raw            map[string]string `json:"raw,omitempty"`
}

type SaveOwnerRequest struct {
	Kind        string            `json:"kind"`
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Email       string            `json:"email,omitempty"`
	Paid        string            `json:"paid"`
	BadgeStatus string            `json:"badge_status,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

func (r *SaveOwnerRequest) toDomain() (domain.Owner, error) {
	record := domain.Record{
		ID:     r.ID,
		Name:   r.Name,
		Email:  r.Email,
		Paid:   domain.PaidStatus(r.Paid),
		Fields: r.Fields,
	}
	if record.Paid == "" {
		record.Paid = domain.PaidNotPaid
	}
	switch domain.OwnerKind(r.Kind) {
	case domain.OwnerKindAttendee:
		badge := domain.BadgeStatus(r.BadgeStatus)
		if badge == "" {
			badge = domain.BadgeNew
		}
		return &domain.Attendee{Record: record, BadgeStatus: badge}, nil
	case domain.OwnerKindGroup:
		return &domain.Group{Record: record}, nil
	default:
		return nil, domain.NewValidationError(domain.ErrUnknownOwnerKind, "Unknown owner kind %q", r.Kind)
	}
}

// TerminalStatus 直接沿用 domain 的 JSON 格式
type TerminalStatus = domain.TerminalStatus
