package domain

import (
	"fmt"
	"sort"
)

// OwnerKind 收據擁有者類型
type OwnerKind string

const (
	OwnerKindAttendee OwnerKind = "attendee"
	OwnerKindGroup    OwnerKind = "group"
)

// OwnerRef 收據擁有者參照 {kind, id}
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

func (r OwnerRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// PaidStatus 付款狀態，由外部實體模型持有
type PaidStatus string

const (
	PaidNotPaid    PaidStatus = "not_paid"
	PaidPending    PaidStatus = "pending"
	PaidHasPaid    PaidStatus = "has_paid"
	PaidNeedNotPay PaidStatus = "need_not_pay"
	PaidRefunded   PaidStatus = "refunded"
)

// paidTransitions 確認付款時允許的狀態轉換，其他狀態一律不動
var paidTransitions = map[PaidStatus]PaidStatus{
	PaidPending: PaidHasPaid,
	PaidNotPaid: PaidHasPaid,
}

// BadgeStatus 名牌狀態 (僅 attendee)
type BadgeStatus string

const (
	BadgeNew       BadgeStatus = "new"
	BadgePending   BadgeStatus = "pending"
	BadgeCompleted BadgeStatus = "completed"
	BadgeInvalid   BadgeStatus = "invalid"
)

// Owner 收據擁有者能力介面
type Owner interface {
	Ref() OwnerRef
	DisplayName() string
	ReceiptEmail() string
	IsPaid() bool
	// MarkPaid 依狀態表翻轉付款狀態，有變動才回傳 true
	MarkPaid() bool
	// Value 取得已持久化的欄位值
	Value(field string) (string, bool)
	SetValue(field, value string)
	// SchemaFields 可被計價比對的欄位
	SchemaFields() []string
}

// Record 擁有者共用欄位
type Record struct {
	ID     string
	Name   string
	Email  string
	Paid   PaidStatus
	Fields map[string]string
}

func (r *Record) DisplayName() string  { return r.Name }
func (r *Record) ReceiptEmail() string { return r.Email }
func (r *Record) IsPaid() bool         { return r.Paid == PaidHasPaid }

func (r *Record) Value(field string) (string, bool) {
	v, ok := r.Fields[field]
	return v, ok
}

func (r *Record) SetValue(field, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[field] = value
}

func (r *Record) markPaid() bool {
	next, ok := paidTransitions[r.Paid]
	if !ok {
		return false
	}
	r.Paid = next
	return true
}

func (r *Record) cloneFields() map[string]string {
	out := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// Attendee 個人報名者
type Attendee struct {
	Record
	BadgeStatus BadgeStatus
}

// AttendeeFields attendee 的 schema 欄位
var AttendeeFields = []string{
	"badge_type",
	"extra_donation",
	"amount_extra",
	"overridden_price",
}

func (a *Attendee) Ref() OwnerRef { return OwnerRef{Kind: OwnerKindAttendee, ID: a.ID} }

func (a *Attendee) SchemaFields() []string { return AttendeeFields }

// MarkPaid 已作廢的名牌不動；pending 名牌轉為 new
func (a *Attendee) MarkPaid() bool {
	if a.BadgeStatus == BadgeInvalid {
		return false
	}
	changed := a.markPaid()
	if changed && a.BadgeStatus == BadgePending {
		a.BadgeStatus = BadgeNew
	}
	return changed
}

func (a *Attendee) Clone() *Attendee {
	c := *a
	c.Fields = a.cloneFields()
	return &c
}

// Group 團體報名
type Group struct {
	Record
}

// GroupFields group 的 schema 欄位
var GroupFields = []string{
	"tables",
	"power",
	"power_fee",
	"cost",
	"auto_recalc",
}

func (g *Group) Ref() OwnerRef { return OwnerRef{Kind: OwnerKindGroup, ID: g.ID} }

func (g *Group) SchemaFields() []string { return GroupFields }

func (g *Group) MarkPaid() bool { return g.markPaid() }

func (g *Group) Clone() *Group {
	c := *g
	c.Fields = g.cloneFields()
	return &c
}

// CloneOwner 深拷貝擁有者 (store 使用)
func CloneOwner(o Owner) Owner {
	switch v := o.(type) {
	case *Attendee:
		return v.Clone()
	case *Group:
		return v.Clone()
	default:
		return o
	}
}

// SortedKeys 依字母排序 map 的 key
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
