package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAmountMustBePositive 金額必須為正數
	ErrAmountMustBePositive = errors.New("amount must be positive")

	// ErrAmountTooLarge 單筆金額超過上限
	ErrAmountTooLarge = errors.New("amount exceeds the per-charge limit")

	// ErrAlreadyRefunded 交易已全額退款
	ErrAlreadyRefunded = errors.New("transaction already fully refunded")

	// ErrRefundExceedsRemaining 退款金額超過剩餘可退金額
	ErrRefundExceedsRemaining = errors.New("refund exceeds remaining refundable amount")

	// ErrNotConfirmed 交易尚未被金流商確認
	ErrNotConfirmed = errors.New("transaction has not been confirmed by the provider")

	// ErrReceiptNotFound 找不到收據
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrItemNotFound 找不到收據項目
	ErrItemNotFound = errors.New("receipt item not found")

	// ErrTransactionNotFound 找不到交易
	ErrTransactionNotFound = errors.New("receipt transaction not found")

	// ErrOwnerNotFound 找不到擁有者
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrTrackingNotFound 找不到終端機請求紀錄
	ErrTrackingNotFound = errors.New("terminal request tracking not found")

	// ErrNoUnconfirmedTransactions 該 intent 沒有待確認的交易 (重複送達)
	ErrNoUnconfirmedTransactions = errors.New("no unconfirmed transactions for intent")

	// ErrMissingChargeID 確認付款時沒有 charge id
	ErrMissingChargeID = errors.New("charge id is required to confirm a payment")

	// ErrItemLocked 項目已有交易嘗試或已結清，不可刪除
	ErrItemLocked = errors.New("receipt item is locked")

	// ErrImmutableTransaction 已確認的交易只能更新退款累計
	ErrImmutableTransaction = errors.New("confirmed transaction is immutable")

	// ErrSignatureRequired 簽名被略過，交易已作廢，需要重新付款
	ErrSignatureRequired = errors.New("signature required, payment voided")

	// ErrProviderTimeout 金流商請求逾時
	ErrProviderTimeout = errors.New("provider request timed out")

	// ErrProviderUnavailable 無法連線金流商
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderNotConfigured 未設定對應的金流商
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid charge state transition")

	// ErrUnknownOwnerKind 未註冊的擁有者類型
	ErrUnknownOwnerKind = errors.New("unknown owner kind")
)

// ErrorKind 錯誤分類
type ErrorKind uint8

const (
	// KindValidation 呼叫金流商前的前置檢查失敗
	KindValidation ErrorKind = iota + 1
	// KindProviderRejection 金流商明確拒絕
	KindProviderRejection
	// KindConnectivity 網路或逾時
	KindConnectivity
	// KindIntegrity 帳本關聯不一致，對使用者只顯示通用訊息
	KindIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProviderRejection:
		return "provider_rejection"
	case KindConnectivity:
		return "connectivity"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// IntegrityMessage 是 integrity 錯誤對使用者顯示的訊息
const IntegrityMessage = "There was an issue recording your payment. Please contact the developer."

// PaymentError 帶分類的錯誤
//
// Message 一律可直接顯示給使用者，內部細節放在 Err。
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	return e.Message
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Detail 回傳給開發者看的完整錯誤
func (e *PaymentError) Detail() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

// NewValidationError 建立前置檢查錯誤
func NewValidationError(cause error, format string, args ...any) *PaymentError {
	return &PaymentError{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Err: cause}
}

// NewProviderRejection 建立金流商拒絕錯誤
func NewProviderRejection(message string, cause error) *PaymentError {
	return &PaymentError{Kind: KindProviderRejection, Message: message, Err: cause}
}

// NewConnectivityError 建立連線錯誤
func NewConnectivityError(message string, cause error) *PaymentError {
	return &PaymentError{Kind: KindConnectivity, Message: message, Err: cause}
}

// NewIntegrityError 建立帳本一致性錯誤，detail 只會進 log
func NewIntegrityError(detail string) *PaymentError {
	return &PaymentError{Kind: KindIntegrity, Message: IntegrityMessage, Err: errors.New(detail)}
}

// KindOf 取得錯誤分類，非 PaymentError 回傳 0
func KindOf(err error) ErrorKind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// IsKind 判斷錯誤是否屬於指定分類
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
