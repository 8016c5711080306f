// Package pricing 依擁有者類型計算收據項目金額
//
// 每種 OwnerKind 在 Registry 註冊一組 CalculatorSet，啟動時以 Validate 確認所有類型都已註冊。
package pricing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// Cost 新收據的一筆初始項目 (Amount 為分)
type Cost struct {
	Desc   string
	Amount int64
	Count  int
	Field  string
}

// CostFunc 回傳擁有者的初始項目，ok=false 表示沒有費用
type CostFunc func(o domain.Owner) (items []Cost, ok bool)

// ChangeFunc 計算欄位改為 newValue 時的 (舊金額, 差額)，單位為分
type ChangeFunc func(o domain.Owner, newValue string) (oldCost, delta int64, err error)

// ChangeRule 欄位的計價規則
type ChangeRule struct {
	Name string
	// Label 依新值決定名稱，優先於 Name
	Label func(newValue string) string
	// Func 為 nil 時使用 SimpleChange
	Func ChangeFunc
	// Choice 選項欄位用 Upgrading/Downgrading
	Choice bool
	// Fixed 不可新增/移除的欄位 (例如 badge_type)
	Fixed bool
	// NoRevert 不記錄 revert change 的計算屬性
	NoRevert bool
}

func (r ChangeRule) name(field, newValue string) string {
	switch {
	case r.Label != nil:
		return r.Label(newValue)
	case r.Name != "":
		return r.Name
	default:
		return titleCase(field)
	}
}

// CalculatorSet 單一擁有者類型的計價設定
type CalculatorSet struct {
	Costs         []CostFunc
	Credits       []CostFunc
	CostChanges   map[string]ChangeRule
	CreditChanges map[string]ChangeRule
	// Properties 非 schema 欄位但允許比對的計算屬性
	Properties []string
	// DefaultCost 不含自訂價格時的預設價格 (元)
	DefaultCost func(o domain.Owner) int64
	// OverrideField 管理員自訂價格欄位
	OverrideField string
	// RecalcField / CostField 團體自動重算開關與自訂總價
	RecalcField string
	CostField   string
	// CustomFee 判斷 params 是否需要走自訂費用，回傳要計價的欄位與要移除的參數
	CustomFee func(params map[string]string) (field string, consumed []string, ok bool)
}

// Change 一筆欄位異動造成的金額變化
type Change struct {
	Field        string
	Desc         string
	OldCost      int64
	Delta        int64
	Count        int
	RevertChange map[string]string
	Credit       bool
}

// Registry OwnerKind -> CalculatorSet
type Registry struct {
	sets map[domain.OwnerKind]*CalculatorSet
}

// NewRegistry 建立空的 registry
func NewRegistry() *Registry {
	return &Registry{sets: make(map[domain.OwnerKind]*CalculatorSet)}
}

// NewDefaultRegistry 註冊 attendee 與 group 的計價設定
func NewDefaultRegistry(prices Prices) *Registry {
	r := NewRegistry()
	r.Register(domain.OwnerKindAttendee, AttendeeCalculators(prices))
	r.Register(domain.OwnerKindGroup, GroupCalculators(prices))
	return r
}

func (r *Registry) Register(kind domain.OwnerKind, set *CalculatorSet) {
	r.sets[kind] = set
}

// Validate 確認每個類型都有註冊且設定完整
func (r *Registry) Validate(kinds ...domain.OwnerKind) error {
	for _, kind := range kinds {
		set, ok := r.sets[kind]
		if !ok {
			return fmt.Errorf("%w: %s has no calculator set", domain.ErrUnknownOwnerKind, kind)
		}
		if set.DefaultCost == nil {
			return fmt.Errorf("calculator set %s: missing default cost", kind)
		}
		if len(set.Costs) == 0 {
			return fmt.Errorf("calculator set %s: no cost calculations", kind)
		}
	}
	return nil
}

// Set 取得擁有者類型的計價設定
func (r *Registry) Set(kind domain.OwnerKind) (*CalculatorSet, error) {
	set, ok := r.sets[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownOwnerKind, kind)
	}
	return set, nil
}

// InitialItems 新收據的所有費用與折抵
func (r *Registry) InitialItems(o domain.Owner) ([]Cost, error) {
	set, err := r.Set(o.Ref().Kind)
	if err != nil {
		return nil, err
	}
	var out []Cost
	for _, group := range [][]CostFunc{set.Costs, set.Credits} {
		for _, calc := range group {
			items, ok := calc(o)
			if !ok {
				continue
			}
			for _, item := range items {
				if item.Count == 0 {
					item.Count = 1
				}
				out = append(out, item)
			}
		}
	}
	return out, nil
}

// ComputeChange 計算單一欄位改變的金額與說明
func (r *Registry) ComputeChange(o domain.Owner, field, newValue string) (Change, error) {
	set, err := r.Set(o.Ref().Kind)
	if err != nil {
		return Change{}, err
	}
	if rule, ok := set.CreditChanges[field]; ok {
		return creditChange(o, rule, field, newValue)
	}
	rule, ok := set.CostChanges[field]
	if !ok {
		rule = ChangeRule{}
	}
	return costChange(o, rule, field, newValue)
}

func costChange(o domain.Owner, rule ChangeRule, field, newValue string) (Change, error) {
	calc := rule.Func
	if calc == nil {
		calc = SimpleChange(field)
	}
	oldCost, delta, err := calc(o, newValue)
	if err != nil {
		return Change{}, err
	}

	increase, decrease := "Increasing", "Decreasing"
	if rule.Choice {
		increase, decrease = "Upgrading", "Downgrading"
	}
	name := rule.name(field, newValue)

	var desc string
	switch {
	case oldCost == 0 && !rule.Fixed:
		desc = "Adding " + name
	case -delta == oldCost && !rule.Fixed:
		desc = "Removing " + name
	case delta > 0:
		desc = increase + " " + name
	default:
		desc = decrease + " " + name
	}

	c := Change{Field: field, Desc: desc, OldCost: oldCost, Delta: delta, Count: 1}
	if !rule.NoRevert {
		old, _ := o.Value(field)
		c.RevertChange = map[string]string{field: old}
	}
	return c, nil
}

func creditChange(o domain.Owner, rule ChangeRule, field, newValue string) (Change, error) {
	oldDiscount, change, err := rule.Func(o, newValue)
	if err != nil {
		return Change{}, err
	}
	verb := "Changed"
	switch {
	case oldDiscount >= 0 && change < 0:
		verb = "Added"
	case oldDiscount < 0 && change >= 0 && oldDiscount == -change:
		verb = "Removed"
	}
	old, _ := o.Value(field)
	return Change{
		Field:        field,
		Desc:         rule.name(field, newValue) + " " + verb,
		OldCost:      oldDiscount,
		Delta:        change,
		Count:        1,
		RevertChange: map[string]string{field: old},
		Credit:       true,
	}, nil
}

// SimpleChange 欄位值本身就是金額 (元)
func SimpleChange(field string) ChangeFunc {
	return func(o domain.Owner, newValue string) (int64, int64, error) {
		old, ok := o.Value(field)
		if !ok {
			return 0, 0, nil
		}
		oldVal, err := ParseAmount(old)
		if err != nil {
			return 0, 0, fmt.Errorf("field %s: %w", field, err)
		}
		newVal, err := ParseAmount(newValue)
		if err != nil {
			return 0, 0, fmt.Errorf("field %s: %w", field, err)
		}
		return oldVal * 100, (newVal - oldVal) * 100, nil
	}
}

// ParseAmount 解析整數欄位，空字串視為 0
func ParseAmount(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", v)
	}
	return n, nil
}

// IsTruthy 表單布林值
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func amountOf(o domain.Owner, field string) int64 {
	v, _ := o.Value(field)
	n, _ := ParseAmount(v)
	return n
}

func titleCase(field string) string {
	words := strings.Fields(strings.ReplaceAll(field, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
