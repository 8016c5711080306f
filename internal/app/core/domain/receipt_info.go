package domain

import "time"

// ReceiptInfo 卡片/終端機的交易明細
//
// 同一次確認事件內，每個 (OwnerKind, OwnerID) 最多只會有一筆。
type ReceiptInfo struct {
	ID          int64
	OwnerKind   OwnerKind
	OwnerID     string
	TerminalID  string
	ReferenceID string
	CardData    map[string]string
	TxnInfo     map[string]string
	EMVData     map[string]string
	Signature   string
	ReceiptHTML string
	Charged     time.Time
	Voided      *time.Time
}

// TxnRequestTracking 一次實體終端機請求的紀錄
//
// 需要新 reference id 的重試一律新增一筆，不修改舊的。
type TxnRequestTracking struct {
	IncrID        int64
	Workstation   string
	TerminalID    string
	Who           string
	Response      map[string]string
	InternalError string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Success       bool
}

// Resolve 標記請求結束
func (t *TxnRequestTracking) Resolve(now time.Time, success bool) {
	t.ResolvedAt = &now
	t.Success = success
}

// PaymentIntent 金流商短暫的付款憑證，不會單獨持久化
type PaymentIntent struct {
	ID           string
	Amount       int64
	Description  string
	ReceiptEmail string
	CustomerID   string
	// ClientSecret hosted 流程給前端輸入卡號用
	ClientSecret string
}
