package mysql

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// sqlOwner 對應 owners 表，attendee 與 group 共用
type sqlOwner struct {
	Kind        string `gorm:"primaryKey;size:16"`
	ID          string `gorm:"primaryKey;size:64"`
	Name        string
	Email       string
	Paid        string `gorm:"size:16"`
	BadgeStatus string `gorm:"size:16"`
	Fields      datatypes.JSON
}

func (*sqlOwner) TableName() string {
	return "owners"
}

// sqlReceipt 對應 receipts 表
type sqlReceipt struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	OwnerKind string `gorm:"size:16;index:idx_receipt_owner"`
	OwnerID   string `gorm:"size:64;index:idx_receipt_owner"`
	CreatedAt time.Time
}

func (*sqlReceipt) TableName() string {
	return "receipts"
}

// sqlReceiptItem 對應 receipt_items 表
type sqlReceiptItem struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	ReceiptID    int64 `gorm:"index"`
	Desc         string
	Amount       int64
	Count        int
	Who          string
	RevertChange datatypes.JSON
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

func (*sqlReceiptItem) TableName() string {
	return "receipt_items"
}

// sqlReceiptTxn 對應 receipt_transactions 表
type sqlReceiptTxn struct {
	ID            int64  `gorm:"primaryKey;autoIncrement"`
	ReceiptID     int64  `gorm:"index"`
	IntentID      string `gorm:"size:64;index"`
	ChargeID      string `gorm:"size:64;index"`
	RefundID      string `gorm:"size:64"`
	Method        string `gorm:"size:32"`
	Amount        int64
	TxnTotal      int64
	Refunded      int64
	Desc          string
	Who           string
	ItemIDs       datatypes.JSON
	ReceiptInfoID *int64
	CreatedAt     time.Time
	CancelledAt   *time.Time
}

func (*sqlReceiptTxn) TableName() string {
	return "receipt_transactions"
}

// sqlReceiptInfo 對應 receipt_info 表 (終端機收據)
type sqlReceiptInfo struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	OwnerKind   string `gorm:"size:16"`
	OwnerID     string `gorm:"size:64"`
	TerminalID  string `gorm:"size:64"`
	ReferenceID string `gorm:"size:64;index"`
	CardData    datatypes.JSON
	TxnInfo     datatypes.JSON
	EMVData     datatypes.JSON
	Signature   string `gorm:"type:text"`
	ReceiptHTML string `gorm:"type:text"`
	Charged     time.Time
	Voided      *time.Time
}

func (*sqlReceiptInfo) TableName() string {
	return "receipt_info"
}

// sqlTracking 對應 txn_request_tracking 表，IncrID 用來產生終端機 reference id
type sqlTracking struct {
	IncrID        int64 `gorm:"primaryKey;autoIncrement"`
	Workstation   string
	TerminalID    string
	Who           string
	Response      datatypes.JSON
	InternalError string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Success       bool
}

func (*sqlTracking) TableName() string {
	return "txn_request_tracking"
}

// Models 所有需要 migrate 的資料表
func Models() []any {
	return []any{
		&sqlOwner{},
		&sqlReceipt{},
		&sqlReceiptItem{},
		&sqlReceiptTxn{},
		&sqlReceiptInfo{},
		&sqlTracking{},
	}
}

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

func stringMap(raw datatypes.JSON) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func int64s(raw datatypes.JSON) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func (r *sqlReceipt) toDomain() *domain.Receipt {
	return &domain.Receipt{
		ID:        r.ID,
		Owner:     domain.OwnerRef{Kind: domain.OwnerKind(r.OwnerKind), ID: r.OwnerID},
		CreatedAt: r.CreatedAt,
	}
}

func fromItem(item *domain.ReceiptItem) *sqlReceiptItem {
	return &sqlReceiptItem{
		ID:           item.ID,
		ReceiptID:    item.ReceiptID,
		Desc:         item.Desc,
		Amount:       item.Amount,
		Count:        item.Count,
		Who:          item.Who,
		RevertChange: toJSON(item.RevertChange),
		CreatedAt:    item.CreatedAt,
		ClosedAt:     item.ClosedAt,
	}
}

func (i *sqlReceiptItem) toDomain() *domain.ReceiptItem {
	return &domain.ReceiptItem{
		ID:           i.ID,
		ReceiptID:    i.ReceiptID,
		Desc:         i.Desc,
		Amount:       i.Amount,
		Count:        i.Count,
		Who:          i.Who,
		RevertChange: stringMap(i.RevertChange),
		CreatedAt:    i.CreatedAt,
		ClosedAt:     i.ClosedAt,
	}
}

func fromTxn(t *domain.ReceiptTransaction) *sqlReceiptTxn {
	return &sqlReceiptTxn{
		ID:            t.ID,
		ReceiptID:     t.ReceiptID,
		IntentID:      t.IntentID,
		ChargeID:      t.ChargeID,
		RefundID:      t.RefundID,
		Method:        string(t.Method),
		Amount:        t.Amount,
		TxnTotal:      t.TxnTotal,
		Refunded:      t.Refunded,
		Desc:          t.Desc,
		Who:           t.Who,
		ItemIDs:       toJSON(t.ItemIDs),
		ReceiptInfoID: t.ReceiptInfoID,
		CreatedAt:     t.CreatedAt,
		CancelledAt:   t.CancelledAt,
	}
}

func (t *sqlReceiptTxn) toDomain() *domain.ReceiptTransaction {
	return &domain.ReceiptTransaction{
		ID:            t.ID,
		ReceiptID:     t.ReceiptID,
		IntentID:      t.IntentID,
		ChargeID:      t.ChargeID,
		RefundID:      t.RefundID,
		Method:        domain.PaymentMethod(t.Method),
		Amount:        t.Amount,
		TxnTotal:      t.TxnTotal,
		Refunded:      t.Refunded,
		Desc:          t.Desc,
		Who:           t.Who,
		ItemIDs:       int64s(t.ItemIDs),
		ReceiptInfoID: t.ReceiptInfoID,
		CreatedAt:     t.CreatedAt,
		CancelledAt:   t.CancelledAt,
	}
}

func fromInfo(info *domain.ReceiptInfo) *sqlReceiptInfo {
	return &sqlReceiptInfo{
		ID:          info.ID,
		OwnerKind:   string(info.OwnerKind),
		OwnerID:     info.OwnerID,
		TerminalID:  info.TerminalID,
		ReferenceID: info.ReferenceID,
		CardData:    toJSON(info.CardData),
		TxnInfo:     toJSON(info.TxnInfo),
		EMVData:     toJSON(info.EMVData),
		Signature:   info.Signature,
		ReceiptHTML: info.ReceiptHTML,
		Charged:     info.Charged,
		Voided:      info.Voided,
	}
}

func (i *sqlReceiptInfo) toDomain() *domain.ReceiptInfo {
	return &domain.ReceiptInfo{
		ID:          i.ID,
		OwnerKind:   domain.OwnerKind(i.OwnerKind),
		OwnerID:     i.OwnerID,
		TerminalID:  i.TerminalID,
		ReferenceID: i.ReferenceID,
		CardData:    stringMap(i.CardData),
		TxnInfo:     stringMap(i.TxnInfo),
		EMVData:     stringMap(i.EMVData),
		Signature:   i.Signature,
		ReceiptHTML: i.ReceiptHTML,
		Charged:     i.Charged,
		Voided:      i.Voided,
	}
}

func fromTracking(t *domain.TxnRequestTracking) *sqlTracking {
	return &sqlTracking{
		IncrID:        t.IncrID,
		Workstation:   t.Workstation,
		TerminalID:    t.TerminalID,
		Who:           t.Who,
		Response:      toJSON(t.Response),
		InternalError: t.InternalError,
		CreatedAt:     t.CreatedAt,
		ResolvedAt:    t.ResolvedAt,
		Success:       t.Success,
	}
}

func (t *sqlTracking) toDomain() *domain.TxnRequestTracking {
	return &domain.TxnRequestTracking{
		IncrID:        t.IncrID,
		Workstation:   t.Workstation,
		TerminalID:    t.TerminalID,
		Who:           t.Who,
		Response:      stringMap(t.Response),
		InternalError: t.InternalError,
		CreatedAt:     t.CreatedAt,
		ResolvedAt:    t.ResolvedAt,
		Success:       t.Success,
	}
}

func fromOwner(o domain.Owner) (*sqlOwner, error) {
	row := &sqlOwner{Kind: string(o.Ref().Kind), ID: o.Ref().ID}
	switch v := o.(type) {
	case *domain.Attendee:
		row.Name, row.Email, row.Paid = v.Name, v.Email, string(v.Paid)
		row.BadgeStatus = string(v.BadgeStatus)
		row.Fields = toJSON(v.Fields)
	case *domain.Group:
		row.Name, row.Email, row.Paid = v.Name, v.Email, string(v.Paid)
		row.Fields = toJSON(v.Fields)
	default:
		return nil, domain.ErrUnknownOwnerKind
	}
	return row, nil
}

func (o *sqlOwner) toDomain() (domain.Owner, error) {
	rec := domain.Record{
		ID:     o.ID,
		Name:   o.Name,
		Email:  o.Email,
		Paid:   domain.PaidStatus(o.Paid),
		Fields: stringMap(o.Fields),
	}
	switch domain.OwnerKind(o.Kind) {
	case domain.OwnerKindAttendee:
		return &domain.Attendee{Record: rec, BadgeStatus: domain.BadgeStatus(o.BadgeStatus)}, nil
	case domain.OwnerKindGroup:
		return &domain.Group{Record: rec}, nil
	default:
		return nil, domain.ErrUnknownOwnerKind
	}
}
