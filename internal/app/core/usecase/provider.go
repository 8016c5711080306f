package usecase

import (
	"context"
	"time"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// CustomerRef 金流商端的客戶資料
type CustomerRef struct {
	ID    string
	Email string
	Name  string
}

// PaymentDetails 直接扣款時送出的付款資料
//
// Token 為前端取得的一次性卡片 token，ProfileID 為已儲存的付款設定。
type PaymentDetails struct {
	Token          string
	DataDescriptor string
	ProfileID      string
	CustomerIP     string
	FirstName      string
	LastName       string
	BillingZip     string
}

// ChargeResult 扣款結果
type ChargeResult struct {
	ChargeID  string
	Approved  bool
	Message   string
	CardLast4 string
	Raw       map[string]string
}

// RefundResult 退款結果
type RefundResult struct {
	RefundID string
	Amount   int64
}

// VoidResult 作廢結果
type VoidResult struct {
	RefID string
}

// SettlementState 金流商端的交易狀態
type SettlementState int

const (
	StatePending SettlementState = iota + 1
	// StateRefundable 可以直接退款 (hosted intent 已成功)
	StateRefundable
	// StateUnsettled 已請款但尚未結算，只能整筆作廢
	StateUnsettled
	// StateSettled 已結算
	StateSettled
	// StateInvalid 已作廢或失敗
	StateInvalid
)

func (s SettlementState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRefundable:
		return "refundable"
	case StateUnsettled:
		return "unsettled"
	case StateSettled:
		return "settled"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// StatusResult 查詢交易狀態
type StatusResult struct {
	State        SettlementState
	ChargeID     string
	AuthAmount   int64
	SettleAmount int64
	SubmittedAt  time.Time
	CardLast4    string
	Zip          string
	Message      string
}

// Provider 線上金流商介面 (hosted / direct)
type Provider interface {
	Kind() domain.ProviderKind
	// CreateChargeIntent 建立付款 intent
	CreateChargeIntent(ctx context.Context, amount int64, desc string, customer CustomerRef) (*domain.PaymentIntent, error)
	// Charge 以付款資料對 intent 扣款
	Charge(ctx context.Context, intent *domain.PaymentIntent, details PaymentDetails) (*ChargeResult, error)
	Refund(ctx context.Context, ref string, amount int64) (*RefundResult, error)
	Void(ctx context.Context, ref string) (*VoidResult, error)
	Status(ctx context.Context, ref string) (*StatusResult, error)
}

// TerminalRequest 對實體終端機的請求
type TerminalRequest struct {
	TerminalID       string
	Amount           int64
	PaymentType      string
	ReferenceID      string
	CaptureSignature bool
}

// TerminalResponse 終端機回應
type TerminalResponse struct {
	Approved bool
	// Busy 終端機忙碌，需要重新送出
	Busy bool
	// StaleReference reference id 已不能再使用，需要換新的
	StaleReference bool
	// NotFound 查無交易或已經結帳 (settled)
	NotFound       bool
	Message        string
	ApprovedAmount int64
	Signature      string
	InsecureEntry  bool
	ReferenceID    string
	CardData       map[string]string
	EMVData        map[string]string
	TxnInfo        map[string]string
	ReceiptHTML    string
	Raw            map[string]string
}

// TerminalGateway 實體終端機 REST 介面
//
// 逾時以 domain.ErrProviderTimeout 包裝回傳，無法連線以 domain.ErrProviderUnavailable。
type TerminalGateway interface {
	Sale(ctx context.Context, req TerminalRequest) (*TerminalResponse, error)
	Void(ctx context.Context, req TerminalRequest) (*TerminalResponse, error)
	Return(ctx context.Context, req TerminalRequest) (*TerminalResponse, error)
	Status(ctx context.Context, req TerminalRequest) (*TerminalResponse, error)
	Settle(ctx context.Context, terminalID string) (*TerminalResponse, error)
}

// TerminalBoard 每台終端機最近一次請求的狀態看板
type TerminalBoard interface {
	Begin(ctx context.Context, terminalID, workstation, intentID string) error
	Succeed(ctx context.Context, terminalID string, response map[string]string, warning string) error
	Fail(ctx context.Context, terminalID, message string) error
	Status(ctx context.Context, terminalID string) (*domain.TerminalStatus, error)
}

// TerminalDirectory 工作站目前連接的終端機
type TerminalDirectory interface {
	AssignedTerminal(ctx context.Context, workstation string) (string, error)
}
